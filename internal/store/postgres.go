package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/member-history/internal/db"
	"github.com/sells-group/member-history/internal/model"
	"github.com/sells-group/member-history/internal/scd"
)

// PostgresStore implements HistoryStore using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	tracked []string
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, tracked []string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, tracked: trackedOrDefault(tracked), closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool, tracked []string) *PostgresStore {
	return &PostgresStore{pool: pool, tracked: trackedOrDefault(tracked)}
}

// Pool returns the underlying pool, shared with the table feed source.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Tracked returns the attribute columns this store reads and writes.
func (s *PostgresStore) Tracked() []string {
	return append([]string(nil), s.tracked...)
}

const postgresBaseMigration = `
CREATE SEQUENCE IF NOT EXISTS member_history_sk_seq;

CREATE TABLE IF NOT EXISTS member_history (
	write_id      BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	surrogate_key BIGINT NOT NULL,
	member_id     BIGINT NOT NULL,
	valid_from    TIMESTAMPTZ NOT NULL,
	valid_to      TIMESTAMPTZ,
	is_current    BOOLEAN NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	written_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT member_history_closed_window CHECK (is_current OR (valid_to IS NOT NULL AND valid_to > valid_from)),
	CONSTRAINT member_history_open_current CHECK (NOT is_current OR valid_to IS NULL)
);

CREATE INDEX IF NOT EXISTS idx_member_history_sk ON member_history(surrogate_key, write_id DESC);
CREATE INDEX IF NOT EXISTS idx_member_history_member ON member_history(member_id);

CREATE OR REPLACE FUNCTION member_history_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'member_history is append-only';
END
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS member_history_no_rewrite ON member_history;
CREATE TRIGGER member_history_no_rewrite
	BEFORE UPDATE OR DELETE ON member_history
	FOR EACH ROW EXECUTE FUNCTION member_history_append_only();

CREATE TABLE IF NOT EXISTS sync_log (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	digest       TEXT,
	observed_at  TIMESTAMPTZ,
	status       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	expired      INTEGER NOT NULL DEFAULT 0,
	inserted     INTEGER NOT NULL DEFAULT 0,
	unchanged    INTEGER NOT NULL DEFAULT 0,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_log_digest ON sync_log(digest) WHERE status = 'complete';
CREATE INDEX IF NOT EXISTS idx_sync_log_started ON sync_log(started_at DESC);
`

// postgresMigration appends the tracked attribute columns and the logical
// view to the base DDL.
func postgresMigration(tracked []string) string {
	var b strings.Builder
	b.WriteString(postgresBaseMigration)
	for _, a := range tracked {
		fmt.Fprintf(&b, "ALTER TABLE member_history ADD COLUMN IF NOT EXISTS %s TEXT;\n", pgx.Identifier{a}.Sanitize())
	}
	b.WriteString(`
CREATE OR REPLACE VIEW member_history_latest AS
SELECT DISTINCT ON (surrogate_key) *
FROM member_history
ORDER BY surrogate_key, write_id DESC;
`)
	return b.String()
}

// Migrate creates the history table, sequence, triggers, view and sync log.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration(s.tracked))
	return eris.Wrap(err, "postgres: migrate")
}

// CheckSchema verifies every tracked attribute has a history column.
func (s *PostgresStore) CheckSchema(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT column_name FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1`, HistoryTable)
	if err != nil {
		return eris.Wrap(err, "postgres: inspect history columns")
	}
	defer rows.Close()

	have := map[string]bool{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return eris.Wrap(err, "postgres: scan column name")
		}
		have[c] = true
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: inspect history columns")
	}
	if len(have) == 0 {
		return &model.SchemaMismatchError{Source: HistoryTable, Detail: "table not found, run migrate"}
	}
	if missing := missingColumns(s.tracked, have); len(missing) > 0 {
		return &model.SchemaMismatchError{Source: HistoryTable, Missing: missing}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// latestQuery selects logical rows (latest write per surrogate key)
// filtered by where and sorted by order.
func (s *PostgresStore) latestQuery(where, order string) string {
	cols := db.QuoteAndJoin(historyColumns(s.tracked))
	q := fmt.Sprintf(`SELECT %s FROM (
	SELECT DISTINCT ON (surrogate_key) %s
	FROM member_history
	ORDER BY surrogate_key, write_id DESC
) latest`, cols, cols)
	if where != "" {
		q += " WHERE " + where
	}
	return q + " ORDER BY " + order
}

// CurrentRows returns every logical row still current, by member id.
func (s *PostgresStore) CurrentRows(ctx context.Context) ([]model.HistoryRow, error) {
	return s.queryRows(ctx, "current rows", s.latestQuery("is_current", "member_id, surrogate_key"))
}

// Timeline returns every logical row of one member in validity order.
func (s *PostgresStore) Timeline(ctx context.Context, memberID int64) ([]model.HistoryRow, error) {
	return s.queryRows(ctx, "timeline", s.latestQuery("member_id = $1", "valid_from, surrogate_key"), memberID)
}

// AllRows returns every logical row by member and validity.
func (s *PostgresStore) AllRows(ctx context.Context) ([]model.HistoryRow, error) {
	return s.queryRows(ctx, "all rows", s.latestQuery("", "member_id, valid_from, surrogate_key"))
}

func (s *PostgresStore) queryRows(ctx context.Context, what, sql string, args ...any) ([]model.HistoryRow, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query %s", what)
	}
	defer rows.Close()

	out := []model.HistoryRow{}
	for rows.Next() {
		r, err := s.scanHistory(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", what)
		}
		out = append(out, r)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: iterate %s", what)
}

func (s *PostgresStore) scanHistory(row pgx.Row) (model.HistoryRow, error) {
	var (
		r       model.HistoryRow
		validTo *time.Time
	)
	vals := make([]*string, len(s.tracked))
	dest := []any{&r.SurrogateKey, &r.MemberID}
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	dest = append(dest, &r.ValidFrom, &validTo, &r.IsCurrent, &r.CreatedAt, &r.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return r, err
	}

	r.Attributes = make(model.Attributes, len(vals))
	for i, a := range s.tracked {
		r.Attributes[a] = vals[i]
	}
	r.ValidFrom = model.NormalizeTime(r.ValidFrom)
	r.CreatedAt = model.NormalizeTime(r.CreatedAt)
	r.UpdatedAt = model.NormalizeTime(r.UpdatedAt)
	if validTo != nil {
		t := model.NormalizeTime(*validTo)
		r.ValidTo = &t
	}
	return r, nil
}

// AppendBatch allocates surrogate keys for new rows and COPYs the whole
// batch in one transaction. Nothing is visible unless every row lands.
func (s *PostgresStore) AppendBatch(ctx context.Context, rows []model.HistoryRow) (scd.AppendResult, error) {
	if len(rows) == 0 {
		return scd.AppendResult{SurrogateKeys: []int64{}}, nil
	}
	batch := append([]model.HistoryRow(nil), rows...)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scd.AppendResult{}, eris.Wrap(err, "postgres: begin append")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var fresh []int64
	if n := pendingKeys(batch); n > 0 {
		if fresh, err = allocateKeys(ctx, tx, n); err != nil {
			return scd.AppendResult{}, err
		}
	}
	keys := assignKeys(batch, fresh)

	values := make([][]any, len(batch))
	for i, r := range batch {
		values[i] = rowValues(r, s.tracked)
	}
	n, err := db.CopyFrom(ctx, tx, HistoryTable, historyColumns(s.tracked), values)
	if err != nil {
		return scd.AppendResult{}, eris.Wrap(err, "postgres: append history")
	}

	if err := tx.Commit(ctx); err != nil {
		return scd.AppendResult{}, eris.Wrap(err, "postgres: commit append")
	}

	zap.L().Debug("postgres: appended history batch", zap.Int64("rows", n), zap.Int("new_keys", len(fresh)))
	return scd.AppendResult{Rows: n, SurrogateKeys: keys}, nil
}

func allocateKeys(ctx context.Context, tx pgx.Tx, n int) ([]int64, error) {
	rows, err := tx.Query(ctx, `SELECT nextval('member_history_sk_seq') FROM generate_series(1, $1)`, n)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: allocate surrogate keys")
	}
	defer rows.Close()

	keys := make([]int64, 0, n)
	for rows.Next() {
		var k int64
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan surrogate key")
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: allocate surrogate keys")
	}
	if len(keys) != n {
		return nil, eris.Errorf("postgres: allocated %d of %d surrogate keys", len(keys), n)
	}
	return keys, nil
}

func rowValues(r model.HistoryRow, tracked []string) []any {
	v := make([]any, 0, len(tracked)+7)
	v = append(v, r.SurrogateKey, r.MemberID)
	for _, a := range tracked {
		v = append(v, r.Attributes[a])
	}
	return append(v, r.ValidFrom, r.ValidTo, r.IsCurrent, r.CreatedAt, r.UpdatedAt)
}

// Lock takes a transaction-scoped advisory lock keyed by name. The
// transaction pins one pooled connection until unlock is called.
func (s *PostgresStore) Lock(ctx context.Context, name string) (func(), error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin lock")
	}

	var ok bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1))`, name).Scan(&ok); err != nil {
		_ = tx.Rollback(ctx)
		return nil, eris.Wrap(err, "postgres: acquire lock")
	}
	if !ok {
		_ = tx.Rollback(ctx)
		return nil, ErrRunInProgress
	}

	return func() {
		// The lock must be released even when the run's context is done.
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
			zap.L().Warn("postgres: release lock", zap.String("lock", name), zap.Error(err))
		}
	}, nil
}

const syncColumns = `id, source, digest, observed_at, status, started_at, completed_at, expired, inserted, unchanged, error`

// StartSync records a running sync-log entry.
func (s *PostgresStore) StartSync(ctx context.Context, source string) (*model.SyncEntry, error) {
	e := &model.SyncEntry{
		ID:        uuid.NewString(),
		Source:    source,
		Status:    model.SyncStatusRunning,
		StartedAt: model.NormalizeTime(time.Now()),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_log (id, source, status, started_at) VALUES ($1, $2, $3, $4)`,
		e.ID, e.Source, string(e.Status), e.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: start sync")
	}
	return e, nil
}

// CompleteSync marks an entry complete with the run's counts.
func (s *PostgresStore) CompleteSync(ctx context.Context, id string, res model.SyncResult) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_log SET status = $1, digest = $2, observed_at = $3, expired = $4, inserted = $5, unchanged = $6, completed_at = $7 WHERE id = $8`,
		string(model.SyncStatusComplete), res.Digest, res.ObservedAt, res.Expired, res.Inserted, res.Unchanged, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: complete sync")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrSyncNotFound, "postgres: complete sync %s", id)
	}
	return nil
}

// FailSync marks an entry failed with the cause's message.
func (s *PostgresStore) FailSync(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_log SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
		string(model.SyncStatusFailed), msg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: fail sync")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrSyncNotFound, "postgres: fail sync %s", id)
	}
	return nil
}

// LastSuccessByDigest returns the latest completed entry for digest, or
// nil when there is none.
func (s *PostgresStore) LastSuccessByDigest(ctx context.Context, digest string) (*model.SyncEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+syncColumns+` FROM sync_log WHERE digest = $1 AND status = $2 ORDER BY completed_at DESC LIMIT 1`,
		digest, string(model.SyncStatusComplete),
	)
	e, err := scanPgSync(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: last success by digest")
	}
	return e, nil
}

// ListSyncs returns entries newest first.
func (s *PostgresStore) ListSyncs(ctx context.Context, filter SyncFilter) ([]model.SyncEntry, error) {
	query := `SELECT ` + syncColumns + ` FROM sync_log`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	args = append(args, limitOrDefault(filter.Limit))
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list syncs")
	}
	defer rows.Close()

	out := []model.SyncEntry{}
	for rows.Next() {
		e, err := scanPgSync(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list syncs")
}

func scanPgSync(row pgx.Row) (*model.SyncEntry, error) {
	var (
		e         model.SyncEntry
		status    string
		digest    *string
		errMsg    *string
		observed  *time.Time
		completed *time.Time
	)
	if err := row.Scan(&e.ID, &e.Source, &digest, &observed, &status, &e.StartedAt, &completed,
		&e.Expired, &e.Inserted, &e.Unchanged, &errMsg); err != nil {
		return nil, err
	}
	e.Status = model.SyncStatus(status)
	e.StartedAt = model.NormalizeTime(e.StartedAt)
	if digest != nil {
		e.Digest = *digest
	}
	if errMsg != nil {
		e.Error = *errMsg
	}
	if observed != nil {
		t := model.NormalizeTime(*observed)
		e.ObservedAt = &t
	}
	if completed != nil {
		t := model.NormalizeTime(*completed)
		e.CompletedAt = &t
	}
	return &e, nil
}

func trackedOrDefault(tracked []string) []string {
	if len(tracked) == 0 {
		return append([]string(nil), model.DefaultTrackedAttributes...)
	}
	return append([]string(nil), tracked...)
}
