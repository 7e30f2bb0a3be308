package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/member-history/internal/config"
	"github.com/sells-group/member-history/internal/db"
	"github.com/sells-group/member-history/internal/engine"
	"github.com/sells-group/member-history/internal/resilience"
	"github.com/sells-group/member-history/internal/store"
)

const defaultSQLitePath = "member_history.db"

// initStore validates cfg for mode and opens the configured history store.
func initStore(ctx context.Context, c *config.Config, mode string) (store.HistoryStore, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}
	tracked := c.History.TrackedAttributes

	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		st, err := store.NewSQLite(dsn, tracked)
		if err != nil {
			return nil, err
		}
		st.SetLockTTL(time.Duration(c.Run.LockTTLSecs) * time.Second)
		return st, nil
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		}, tracked)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// storePool returns the Postgres pool behind st, or nil for other drivers.
func storePool(st store.HistoryStore) db.Pool {
	if pg, ok := st.(*store.PostgresStore); ok {
		return pg.Pool()
	}
	return nil
}

func newEngine(c *config.Config, st store.HistoryStore) (*engine.Engine, error) {
	return engine.New(st, engine.Options{
		LockName: c.Run.LockName,
		Retry:    resilience.FromRunConfig(c.Run.MaxAttempts, c.Run.InitialBackoffMs),
	})
}
