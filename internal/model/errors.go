package model

import (
	"fmt"
	"strings"
)

// DataIntegrityError reports input that violates a history invariant, such
// as two current rows for one member or a feed row without a member_id.
// Runs abort before any write when one is raised.
type DataIntegrityError struct {
	MemberID *int64
	Reason   string
}

func (e *DataIntegrityError) Error() string {
	if e.MemberID == nil {
		return "data integrity: " + e.Reason
	}
	return fmt.Sprintf("data integrity: member %d: %s", *e.MemberID, e.Reason)
}

// NewIntegrityError builds a DataIntegrityError for member id.
func NewIntegrityError(id int64, format string, args ...any) *DataIntegrityError {
	return &DataIntegrityError{MemberID: &id, Reason: fmt.Sprintf(format, args...)}
}

// SchemaMismatchError reports a feed or history relation whose shape does
// not match the expected column set.
type SchemaMismatchError struct {
	Source  string
	Missing []string
	Detail  string
}

func (e *SchemaMismatchError) Error() string {
	var b strings.Builder
	b.WriteString("schema mismatch")
	if e.Source != "" {
		b.WriteString(" in ")
		b.WriteString(e.Source)
	}
	if len(e.Missing) > 0 {
		b.WriteString(": missing columns ")
		b.WriteString(strings.Join(e.Missing, ", "))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// WriteFailure wraps a failed atomic append to the history store. Nothing
// from the batch is visible when it is returned.
type WriteFailure struct {
	Rows int
	Err  error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("write failure: append %d rows: %v", e.Rows, e.Err)
}

func (e *WriteFailure) Unwrap() error {
	return e.Err
}
