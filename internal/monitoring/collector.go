// Package monitoring derives run-health metrics from the sync log and
// raises webhook alerts when reconciliation runs fail, stall or stop.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/member-history/internal/model"
	"github.com/sells-group/member-history/internal/store"
)

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	// Runs started within the lookback window.
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	FailRate     float64 `json:"fail_rate"`

	// Rows appended by completed runs within the window.
	RowsExpired  int `json:"rows_expired"`
	RowsInserted int `json:"rows_inserted"`

	// Latest completed run regardless of window.
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
	HoursSinceSuccess float64    `json:"hours_since_success"`

	// Oldest run still marked running, in minutes.
	OldestRunningMinutes float64 `json:"oldest_running_minutes"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// SyncLister abstracts the sync-log query the collector needs.
type SyncLister interface {
	ListSyncs(ctx context.Context, filter store.SyncFilter) ([]model.SyncEntry, error)
}

// scanLimit bounds how many sync-log entries one collection reads.
const scanLimit = 10000

// Collector gathers metrics from the sync log.
type Collector struct {
	syncs SyncLister
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(syncs SyncLister) *Collector {
	return &Collector{syncs: syncs, now: time.Now}
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	entries, err := c.syncs.ListSyncs(ctx, store.SyncFilter{Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sync entries")
	}

	// Entries arrive newest first.
	for _, e := range entries {
		if e.Status == model.SyncStatusComplete && snap.LastSuccessAt == nil && e.CompletedAt != nil {
			t := *e.CompletedAt
			snap.LastSuccessAt = &t
		}
		if e.Status == model.SyncStatusRunning {
			if m := now.Sub(e.StartedAt).Minutes(); m > snap.OldestRunningMinutes {
				snap.OldestRunningMinutes = m
			}
		}
		if e.StartedAt.Before(cutoff) {
			continue
		}

		snap.RunsTotal++
		switch e.Status {
		case model.SyncStatusComplete:
			snap.RunsComplete++
			snap.RowsExpired += e.Expired
			snap.RowsInserted += e.Inserted
		case model.SyncStatusFailed:
			snap.RunsFailed++
		case model.SyncStatusRunning:
			snap.RunsRunning++
		}
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.LastSuccessAt != nil {
		snap.HoursSinceSuccess = now.Sub(*snap.LastSuccessAt).Hours()
	}

	return snap, nil
}
