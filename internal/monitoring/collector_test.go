package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/member-history/internal/model"
	"github.com/sells-group/member-history/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var now = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

type mockSyncs struct {
	entries []model.SyncEntry
	err     error
	filter  store.SyncFilter
}

func (m *mockSyncs) ListSyncs(_ context.Context, filter store.SyncFilter) ([]model.SyncEntry, error) {
	m.filter = filter
	return m.entries, m.err
}

func entry(status model.SyncStatus, startedAgo time.Duration, expired, inserted int) model.SyncEntry {
	e := model.SyncEntry{
		ID:        string(status),
		Status:    status,
		StartedAt: now.Add(-startedAgo),
		Expired:   expired,
		Inserted:  inserted,
	}
	if status != model.SyncStatusRunning {
		done := e.StartedAt.Add(time.Minute)
		e.CompletedAt = &done
	}
	return e
}

func newTestCollector(syncs SyncLister) *Collector {
	c := NewCollector(syncs)
	c.now = func() time.Time { return now }
	return c
}

func TestCollector_Collect(t *testing.T) {
	syncs := &mockSyncs{entries: []model.SyncEntry{
		entry(model.SyncStatusRunning, 90*time.Minute, 0, 0),
		entry(model.SyncStatusFailed, 2*time.Hour, 0, 0),
		entry(model.SyncStatusComplete, 3*time.Hour, 2, 5),
		entry(model.SyncStatusComplete, 10*time.Hour, 1, 1),
		entry(model.SyncStatusComplete, 48*time.Hour, 7, 7), // outside window
	}}

	snap, err := newTestCollector(syncs).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, scanLimit, syncs.filter.Limit)
	assert.Equal(t, 4, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsComplete)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsRunning)
	assert.InDelta(t, 1.0/3.0, snap.FailRate, 1e-9)
	assert.Equal(t, 3, snap.RowsExpired)
	assert.Equal(t, 6, snap.RowsInserted)
	require.NotNil(t, snap.LastSuccessAt)
	assert.Equal(t, now.Add(-3*time.Hour+time.Minute), *snap.LastSuccessAt)
	assert.InDelta(t, 2.0+59.0/60.0, snap.HoursSinceSuccess, 1e-9)
	assert.InDelta(t, 90.0, snap.OldestRunningMinutes, 1e-9)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, now, snap.CollectedAt)
}

func TestCollector_Empty(t *testing.T) {
	snap, err := newTestCollector(&mockSyncs{}).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.FailRate)
	assert.Nil(t, snap.LastSuccessAt)
}

func TestCollector_ListError(t *testing.T) {
	_, err := newTestCollector(&mockSyncs{err: errors.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list sync entries")
}
