package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/member-history/internal/config"
	"github.com/sells-group/member-history/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := testMonitoringConfig()
	cfg.CheckIntervalSecs = 1
	checker := NewChecker(newTestCollector(&mockSyncs{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(newTestCollector(&mockSyncs{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, defaultCheckInterval, checker.interval)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckRaisesOnlyNewAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	stuck := []model.SyncEntry{entry(model.SyncStatusRunning, 3*time.Hour, 0, 0)}
	syncs := &mockSyncs{entries: stuck}
	checker := NewChecker(newTestCollector(syncs), NewAlerter(cfg), cfg)
	ctx := context.Background()

	// Stuck run plus no completed run ever.
	raised := checker.check(ctx, zap.NewNop())
	require.Len(t, raised, 2)
	assert.Equal(t, int32(2), received.Load())

	// Same conditions on the next tick are not posted again.
	assert.Empty(t, checker.check(ctx, zap.NewNop()))
	assert.Equal(t, int32(2), received.Load())

	// A healthy tick clears both alerts.
	syncs.entries = []model.SyncEntry{entry(model.SyncStatusComplete, time.Hour, 1, 1)}
	assert.Empty(t, checker.check(ctx, zap.NewNop()))

	// Once cleared, a recurrence is posted again.
	syncs.entries = stuck
	raised = checker.check(ctx, zap.NewNop())
	require.Len(t, raised, 2)
	assert.Equal(t, int32(4), received.Load())
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := testMonitoringConfig()
	syncs := &mockSyncs{err: errors.New("db down")}
	checker := NewChecker(newTestCollector(syncs), NewAlerter(cfg), cfg)

	assert.Nil(t, checker.check(context.Background(), zap.NewNop()))
}
