package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/member-history/internal/config"
	"github.com/sells-group/member-history/internal/model"
	"github.com/sells-group/member-history/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var (
	loadTime = time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	runTime  = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
)

// testConfig returns a sqlite-backed config rooted in a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "history.db")
	c.Log.Level = "info"
	c.History.TrackedAttributes = append([]string(nil), model.DefaultTrackedAttributes...)
	c.Run.MaxAttempts = 3
	c.Run.InitialBackoffMs = 1
	c.Run.LockName = "member_history"
	c.Server.Port = 8080
	return c
}

func openTestStore(t *testing.T, c *config.Config) store.HistoryStore {
	t.Helper()
	st, err := initStore(context.Background(), c, "run")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func writeCSV(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "members.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}
