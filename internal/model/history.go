package model

import (
	"time"
)

// HistoryRow is one version of a member. SurrogateKey is zero until the
// history store assigns one on append.
type HistoryRow struct {
	SurrogateKey int64      `json:"surrogate_key"`
	MemberID     int64      `json:"member_id"`
	Attributes   Attributes `json:"attributes"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
	IsCurrent    bool       `json:"is_current"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Expire returns a copy of r closed at t.
func (r HistoryRow) Expire(t time.Time) HistoryRow {
	out := r
	out.Attributes = r.Attributes.Clone()
	out.IsCurrent = false
	out.ValidTo = &t
	out.UpdatedAt = t
	return out
}

// Covers reports whether the row's validity window [ValidFrom, ValidTo)
// contains t.
func (r HistoryRow) Covers(t time.Time) bool {
	if t.Before(r.ValidFrom) {
		return false
	}
	return r.ValidTo == nil || t.Before(*r.ValidTo)
}

// SyncStatus is the lifecycle state of a sync-log entry.
type SyncStatus string

const (
	SyncStatusRunning  SyncStatus = "running"
	SyncStatusComplete SyncStatus = "complete"
	SyncStatusFailed   SyncStatus = "failed"
)

// SyncEntry records one reconciliation run.
type SyncEntry struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Digest      string     `json:"digest,omitempty"`
	ObservedAt  *time.Time `json:"observed_at,omitempty"`
	Status      SyncStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Expired     int        `json:"expired"`
	Inserted    int        `json:"inserted"`
	Unchanged   int        `json:"unchanged"`
	Error       string     `json:"error,omitempty"`
}

// SyncResult holds the outcome of a run, passed when completing its entry.
type SyncResult struct {
	Digest     string
	ObservedAt time.Time
	Expired    int
	Inserted   int
	Unchanged  int
}
