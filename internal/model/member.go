package model

import (
	"fmt"
	"time"
)

// Default tracked attributes for member records.
const (
	AttrName    = "name"
	AttrAddress = "address"
)

// DefaultTrackedAttributes is the attribute set compared when no
// history.tracked_attributes are configured.
var DefaultTrackedAttributes = []string{AttrName, AttrAddress}

// ReservedColumns are the member_history and feed columns with fixed
// meaning. A tracked attribute may not reuse one.
var ReservedColumns = []string{
	"write_id", "surrogate_key", "member_id", "valid_from", "valid_to",
	"is_current", "created_at", "updated_at", "written_at", "observed_at",
}

// CheckTracked rejects an empty tracked attribute list and any empty,
// repeated or reserved name in it.
func CheckTracked(tracked []string) error {
	const source = "tracked attributes"
	if len(tracked) == 0 {
		return &SchemaMismatchError{Source: source, Detail: "no attributes configured"}
	}
	reserved := make(map[string]bool, len(ReservedColumns))
	for _, c := range ReservedColumns {
		reserved[c] = true
	}
	seen := make(map[string]bool, len(tracked))
	for _, a := range tracked {
		switch {
		case a == "":
			return &SchemaMismatchError{Source: source, Detail: "empty attribute name"}
		case reserved[a]:
			return &SchemaMismatchError{Source: source, Detail: fmt.Sprintf("attribute %q is a reserved history column", a)}
		case seen[a]:
			return &SchemaMismatchError{Source: source, Detail: fmt.Sprintf("attribute %q listed twice", a)}
		}
		seen[a] = true
	}
	return nil
}

// Attributes maps a tracked attribute name to its value. A nil value is NULL.
type Attributes map[string]*string

// Str returns a pointer to s, for building Attributes literals.
func Str(s string) *string {
	return &s
}

// Clone returns a copy of a. The string values are shared; they are immutable.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// ValueEqual reports whether two nullable values are equal. NULL equals NULL
// and nothing else; non-NULL values compare byte for byte.
func ValueEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// FeedRecord is one row of a feed snapshot: the latest known state of a member.
type FeedRecord struct {
	MemberID   *int64     `json:"member_id" yaml:"member_id"`
	Attributes Attributes `json:"attributes" yaml:"attributes"`
	ObservedAt time.Time  `json:"observed_at" yaml:"observed_at"`
}

// Snapshot is the full feed for one run.
type Snapshot struct {
	Source     string       `json:"source"`
	ObservedAt time.Time    `json:"observed_at"`
	Records    []FeedRecord `json:"records"`
	Digest     string       `json:"digest,omitempty"`
}

// NormalizeTime converts t to UTC at microsecond precision, the resolution
// both history stores persist.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
