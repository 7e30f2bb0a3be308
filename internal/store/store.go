// Package store persists member history and the run log. The history table
// is a physical write log: every expiry or insertion appends a row, and the
// logical state of a history row is its latest write by surrogate key.
package store

import (
	"context"
	"errors"

	"github.com/sells-group/member-history/internal/model"
	"github.com/sells-group/member-history/internal/scd"
)

// Table and sequence names shared by both backends.
const (
	HistoryTable = "member_history"
	LatestView   = "member_history_latest"
	SyncTable    = "sync_log"
)

// ErrRunInProgress is returned by Lock when another run holds the lock.
var ErrRunInProgress = errors.New("store: another run holds the lock")

// ErrSyncNotFound is returned when a sync-log entry does not exist.
var ErrSyncNotFound = errors.New("store: sync entry not found")

// SyncFilter specifies criteria for listing sync-log entries.
type SyncFilter struct {
	Status model.SyncStatus `json:"status,omitempty"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}

// HistoryStore defines the persistence interface for member history.
type HistoryStore interface {
	// History
	CurrentRows(ctx context.Context) ([]model.HistoryRow, error)
	AppendBatch(ctx context.Context, rows []model.HistoryRow) (scd.AppendResult, error)
	Timeline(ctx context.Context, memberID int64) ([]model.HistoryRow, error)
	AllRows(ctx context.Context) ([]model.HistoryRow, error)

	// Run coordination
	Lock(ctx context.Context, name string) (func(), error)

	// Sync log
	StartSync(ctx context.Context, source string) (*model.SyncEntry, error)
	CompleteSync(ctx context.Context, id string, res model.SyncResult) error
	FailSync(ctx context.Context, id string, cause error) error
	LastSuccessByDigest(ctx context.Context, digest string) (*model.SyncEntry, error)
	ListSyncs(ctx context.Context, filter SyncFilter) ([]model.SyncEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	CheckSchema(ctx context.Context) error
	Tracked() []string
	Close() error
}

var (
	_ HistoryStore = (*PostgresStore)(nil)
	_ HistoryStore = (*SQLiteStore)(nil)
)

// historyColumns lists the insertable member_history columns in the order
// rowValues produces them.
func historyColumns(tracked []string) []string {
	cols := make([]string, 0, len(tracked)+7)
	cols = append(cols, "surrogate_key", "member_id")
	cols = append(cols, tracked...)
	return append(cols, "valid_from", "valid_to", "is_current", "created_at", "updated_at")
}

// missingColumns returns the tracked attributes absent from have.
func missingColumns(tracked []string, have map[string]bool) []string {
	var missing []string
	for _, a := range tracked {
		if !have[a] {
			missing = append(missing, a)
		}
	}
	return missing
}

// pendingKeys counts rows still waiting for a surrogate key.
func pendingKeys(rows []model.HistoryRow) int {
	n := 0
	for _, r := range rows {
		if r.SurrogateKey == 0 {
			n++
		}
	}
	return n
}

// assignKeys fills unassigned surrogate keys in order and returns the keys
// of every row in the batch.
func assignKeys(rows []model.HistoryRow, fresh []int64) []int64 {
	keys := make([]int64, len(rows))
	next := 0
	for i := range rows {
		if rows[i].SurrogateKey == 0 {
			rows[i].SurrogateKey = fresh[next]
			next++
		}
		keys[i] = rows[i].SurrogateKey
	}
	return keys
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 50
	}
	return n
}
