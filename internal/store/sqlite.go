package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/member-history/internal/model"
	"github.com/sells-group/member-history/internal/scd"
)

// sqliteTime is a fixed-width UTC layout so text comparison orders times.
const sqliteTime = "2006-01-02T15:04:05.000000Z"

// DefaultLockTTL is how long a run_lock row is honored without a refresh.
const DefaultLockTTL = 5 * time.Minute

// SQLiteStore implements HistoryStore using modernc.org/sqlite.
type SQLiteStore struct {
	db      *sql.DB
	tracked []string
	owner   string
	lockTTL time.Duration
	now     func() time.Time

	mu         sync.Mutex
	heartbeats map[string]context.CancelFunc
	wg         sync.WaitGroup
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, tracked []string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{
		db:         db,
		tracked:    trackedOrDefault(tracked),
		owner:      uuid.NewString(),
		lockTTL:    DefaultLockTTL,
		now:        time.Now,
		heartbeats: map[string]context.CancelFunc{},
	}, nil
}

// SetLockTTL sets how long a run lock survives without a heartbeat before
// another process may reclaim it. Non-positive values are ignored.
func (s *SQLiteStore) SetLockTTL(d time.Duration) {
	if d > 0 {
		s.lockTTL = d
	}
}

// Tracked returns the attribute columns this store reads and writes.
func (s *SQLiteStore) Tracked() []string {
	return append([]string(nil), s.tracked...)
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS member_history (
	write_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	surrogate_key INTEGER NOT NULL,
	member_id     INTEGER NOT NULL,
	valid_from    TEXT NOT NULL,
	valid_to      TEXT,
	is_current    INTEGER NOT NULL CHECK (is_current IN (0, 1)),
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	written_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	CHECK (is_current OR (valid_to IS NOT NULL AND valid_to > valid_from)),
	CHECK (NOT is_current OR valid_to IS NULL)
);

CREATE INDEX IF NOT EXISTS idx_member_history_sk ON member_history(surrogate_key, write_id);
CREATE INDEX IF NOT EXISTS idx_member_history_member ON member_history(member_id);

CREATE TRIGGER IF NOT EXISTS member_history_no_update
BEFORE UPDATE ON member_history
BEGIN
	SELECT RAISE(ABORT, 'member_history is append-only');
END;

CREATE TRIGGER IF NOT EXISTS member_history_no_delete
BEFORE DELETE ON member_history
BEGIN
	SELECT RAISE(ABORT, 'member_history is append-only');
END;

CREATE VIEW IF NOT EXISTS member_history_latest AS
SELECT h.* FROM member_history h
JOIN (SELECT surrogate_key, MAX(write_id) AS write_id FROM member_history GROUP BY surrogate_key) l
  ON l.write_id = h.write_id;

CREATE TABLE IF NOT EXISTS surrogate_key_seq (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	last_value INTEGER NOT NULL
);
INSERT OR IGNORE INTO surrogate_key_seq (id, last_value) VALUES (1, 0);

-- acquired_at is refreshed while the lock is held.
CREATE TABLE IF NOT EXISTS run_lock (
	name        TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	acquired_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_log (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	digest       TEXT,
	observed_at  TEXT,
	status       TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	completed_at TEXT,
	expired      INTEGER NOT NULL DEFAULT 0,
	inserted     INTEGER NOT NULL DEFAULT 0,
	unchanged    INTEGER NOT NULL DEFAULT 0,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_log_digest ON sync_log(digest, status);
CREATE INDEX IF NOT EXISTS idx_sync_log_started ON sync_log(started_at);
`

// Migrate creates the schema and adds any tracked attribute column the
// history table lacks.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	have, err := s.historyColumnSet(ctx)
	if err != nil {
		return err
	}
	for _, a := range missingColumns(s.tracked, have) {
		stmt := fmt.Sprintf("ALTER TABLE member_history ADD COLUMN %s TEXT", quoteIdent(a))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return eris.Wrapf(err, "sqlite: add column %s", a)
		}
	}
	return nil
}

// CheckSchema verifies every tracked attribute has a history column.
func (s *SQLiteStore) CheckSchema(ctx context.Context) error {
	have, err := s.historyColumnSet(ctx)
	if err != nil {
		return err
	}
	if len(have) == 0 {
		return &model.SchemaMismatchError{Source: HistoryTable, Detail: "table not found, run migrate"}
	}
	if missing := missingColumns(s.tracked, have); len(missing) > 0 {
		return &model.SchemaMismatchError{Source: HistoryTable, Missing: missing}
	}
	return nil
}

func (s *SQLiteStore) historyColumnSet(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info('member_history')`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: inspect history columns")
	}
	defer rows.Close() //nolint:errcheck

	have := map[string]bool{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan column name")
		}
		have[strings.ToLower(c)] = true
	}
	return have, eris.Wrap(rows.Err(), "sqlite: inspect history columns")
}

// Close stops lock heartbeats and closes the database. Held run_lock rows
// are left to expire.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	for name, stop := range s.heartbeats {
		stop()
		delete(s.heartbeats, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return s.db.Close()
}

func (s *SQLiteStore) latestQuery(where, order string) string {
	cols := make([]string, 0, len(s.tracked)+7)
	for _, c := range historyColumns(s.tracked) {
		cols = append(cols, "h."+quoteIdent(c))
	}
	q := fmt.Sprintf(`SELECT %s FROM member_history h
WHERE h.write_id = (SELECT MAX(w.write_id) FROM member_history w WHERE w.surrogate_key = h.surrogate_key)`,
		strings.Join(cols, ", "))
	if where != "" {
		q += " AND " + where
	}
	return q + " ORDER BY " + order
}

// CurrentRows returns every logical row still current, by member id.
func (s *SQLiteStore) CurrentRows(ctx context.Context) ([]model.HistoryRow, error) {
	return s.queryRows(ctx, "current rows", s.latestQuery("h.is_current = 1", "h.member_id, h.surrogate_key"))
}

// Timeline returns every logical row of one member in validity order.
func (s *SQLiteStore) Timeline(ctx context.Context, memberID int64) ([]model.HistoryRow, error) {
	return s.queryRows(ctx, "timeline", s.latestQuery("h.member_id = ?", "h.valid_from, h.surrogate_key"), memberID)
}

// AllRows returns every logical row by member and validity.
func (s *SQLiteStore) AllRows(ctx context.Context) ([]model.HistoryRow, error) {
	return s.queryRows(ctx, "all rows", s.latestQuery("", "h.member_id, h.valid_from, h.surrogate_key"))
}

// writeCount returns the number of physical writes, for tests and audits.
func (s *SQLiteStore) writeCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM member_history`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count writes")
}

func (s *SQLiteStore) queryRows(ctx context.Context, what, query string, args ...any) ([]model.HistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query %s", what)
	}
	defer rows.Close() //nolint:errcheck

	out := []model.HistoryRow{}
	for rows.Next() {
		r, err := s.scanHistory(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", what)
		}
		out = append(out, r)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: iterate %s", what)
}

func (s *SQLiteStore) scanHistory(rows *sql.Rows) (model.HistoryRow, error) {
	var (
		r                           model.HistoryRow
		validFrom, created, updated string
		validTo                     sql.NullString
		isCurrent                   int
	)
	vals := make([]sql.NullString, len(s.tracked))
	dest := []any{&r.SurrogateKey, &r.MemberID}
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	dest = append(dest, &validFrom, &validTo, &isCurrent, &created, &updated)
	if err := rows.Scan(dest...); err != nil {
		return r, err
	}

	r.Attributes = make(model.Attributes, len(vals))
	for i, a := range s.tracked {
		if vals[i].Valid {
			v := vals[i].String
			r.Attributes[a] = &v
		} else {
			r.Attributes[a] = nil
		}
	}
	r.IsCurrent = isCurrent == 1

	var err error
	if r.ValidFrom, err = parseSQLiteTime(validFrom); err != nil {
		return r, err
	}
	if r.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return r, err
	}
	if validTo.Valid {
		t, err := parseSQLiteTime(validTo.String)
		if err != nil {
			return r, err
		}
		r.ValidTo = &t
	}
	return r, nil
}

// AppendBatch allocates surrogate keys for new rows and inserts the whole
// batch in one transaction. A failing row rolls back every write.
func (s *SQLiteStore) AppendBatch(ctx context.Context, rows []model.HistoryRow) (scd.AppendResult, error) {
	if len(rows) == 0 {
		return scd.AppendResult{SurrogateKeys: []int64{}}, nil
	}
	batch := append([]model.HistoryRow(nil), rows...)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return scd.AppendResult{}, eris.Wrap(err, "sqlite: begin append")
	}
	defer tx.Rollback() //nolint:errcheck

	var fresh []int64
	if n := pendingKeys(batch); n > 0 {
		var last int64
		err := tx.QueryRowContext(ctx,
			`UPDATE surrogate_key_seq SET last_value = last_value + ? WHERE id = 1 RETURNING last_value`, n,
		).Scan(&last)
		if err != nil {
			return scd.AppendResult{}, eris.Wrap(err, "sqlite: allocate surrogate keys")
		}
		for k := last - int64(n) + 1; k <= last; k++ {
			fresh = append(fresh, k)
		}
	}
	keys := assignKeys(batch, fresh)

	cols := historyColumns(s.tracked)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO member_history (%s) VALUES (%s)",
		strings.Join(quoted, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")))
	if err != nil {
		return scd.AppendResult{}, eris.Wrap(err, "sqlite: prepare append")
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range batch {
		if _, err := stmt.ExecContext(ctx, s.sqliteValues(r)...); err != nil {
			return scd.AppendResult{}, eris.Wrapf(err, "sqlite: append surrogate key %d", r.SurrogateKey)
		}
	}

	if err := tx.Commit(); err != nil {
		return scd.AppendResult{}, eris.Wrap(err, "sqlite: commit append")
	}

	zap.L().Debug("sqlite: appended history batch", zap.Int("rows", len(batch)), zap.Int("new_keys", len(fresh)))
	return scd.AppendResult{Rows: int64(len(batch)), SurrogateKeys: keys}, nil
}

func (s *SQLiteStore) sqliteValues(r model.HistoryRow) []any {
	v := make([]any, 0, len(s.tracked)+7)
	v = append(v, r.SurrogateKey, r.MemberID)
	for _, a := range s.tracked {
		if p := r.Attributes[a]; p != nil {
			v = append(v, *p)
		} else {
			v = append(v, nil)
		}
	}
	var validTo any
	if r.ValidTo != nil {
		validTo = formatSQLiteTime(*r.ValidTo)
	}
	isCurrent := 0
	if r.IsCurrent {
		isCurrent = 1
	}
	return append(v, formatSQLiteTime(r.ValidFrom), validTo, isCurrent,
		formatSQLiteTime(r.CreatedAt), formatSQLiteTime(r.UpdatedAt))
}

// Lock inserts a run_lock row and refreshes it in the background until
// unlock. A row held by another owner means a run is in progress, unless
// it has gone unrefreshed for longer than the lock TTL. Such a row belongs
// to a process that died mid-run and is reclaimed.
func (s *SQLiteStore) Lock(ctx context.Context, name string) (func(), error) {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: acquire lock")
	}
	defer tx.Rollback() //nolint:errcheck

	var staleOwner, staleAt string
	err = tx.QueryRowContext(ctx,
		`DELETE FROM run_lock WHERE name = ? AND acquired_at < ? RETURNING owner, acquired_at`,
		name, formatSQLiteTime(now.Add(-s.lockTTL)),
	).Scan(&staleOwner, &staleAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, eris.Wrap(err, "sqlite: reclaim stale lock")
	default:
		zap.L().Warn("sqlite: reclaimed stale run lock",
			zap.String("lock", name),
			zap.String("previous_owner", staleOwner),
			zap.String("last_refresh", staleAt),
			zap.Duration("ttl", s.lockTTL),
		)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_lock (name, owner, acquired_at) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`,
		name, s.owner, formatSQLiteTime(now),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: acquire lock")
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, eris.Wrap(err, "sqlite: acquire lock")
	} else if n == 0 {
		return nil, ErrRunInProgress
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit lock")
	}

	hbCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.heartbeats[name] = stop
	s.mu.Unlock()
	s.wg.Add(1)
	go s.heartbeat(hbCtx, name)

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			s.mu.Lock()
			delete(s.heartbeats, name)
			s.mu.Unlock()

			_, err := s.db.ExecContext(context.WithoutCancel(ctx),
				`DELETE FROM run_lock WHERE name = ? AND owner = ?`, name, s.owner)
			if err != nil {
				zap.L().Warn("sqlite: release lock", zap.String("lock", name), zap.Error(err))
			}
		})
	}, nil
}

// heartbeat refreshes the lock row three times per TTL until ctx ends.
func (s *SQLiteStore) heartbeat(ctx context.Context, name string) {
	defer s.wg.Done()

	ticker := time.NewTicker(max(s.lockTTL/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.touchLock(ctx, name); err != nil && ctx.Err() == nil {
				zap.L().Warn("sqlite: refresh lock", zap.String("lock", name), zap.Error(err))
			}
		}
	}
}

func (s *SQLiteStore) touchLock(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE run_lock SET acquired_at = ? WHERE name = ? AND owner = ?`,
		formatSQLiteTime(s.now()), name, s.owner)
	return eris.Wrap(err, "sqlite: refresh lock")
}

const sqliteSyncColumns = `id, source, digest, observed_at, status, started_at, completed_at, expired, inserted, unchanged, error`

// StartSync records a running sync-log entry.
func (s *SQLiteStore) StartSync(ctx context.Context, source string) (*model.SyncEntry, error) {
	e := &model.SyncEntry{
		ID:        uuid.NewString(),
		Source:    source,
		Status:    model.SyncStatusRunning,
		StartedAt: model.NormalizeTime(time.Now()),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_log (id, source, status, started_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.Source, string(e.Status), formatSQLiteTime(e.StartedAt),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: start sync")
	}
	return e, nil
}

// CompleteSync marks an entry complete with the run's counts.
func (s *SQLiteStore) CompleteSync(ctx context.Context, id string, res model.SyncResult) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE sync_log SET status = ?, digest = ?, observed_at = ?, expired = ?, inserted = ?, unchanged = ?, completed_at = ? WHERE id = ?`,
		string(model.SyncStatusComplete), res.Digest, formatSQLiteTime(res.ObservedAt),
		res.Expired, res.Inserted, res.Unchanged, formatSQLiteTime(time.Now()), id,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: complete sync")
	}
	return checkRowsAffected(r, "complete sync", id)
}

// FailSync marks an entry failed with the cause's message.
func (s *SQLiteStore) FailSync(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	r, err := s.db.ExecContext(ctx,
		`UPDATE sync_log SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(model.SyncStatusFailed), msg, formatSQLiteTime(time.Now()), id,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: fail sync")
	}
	return checkRowsAffected(r, "fail sync", id)
}

// LastSuccessByDigest returns the latest completed entry for digest, or
// nil when there is none.
func (s *SQLiteStore) LastSuccessByDigest(ctx context.Context, digest string) (*model.SyncEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSyncColumns+` FROM sync_log WHERE digest = ? AND status = ? ORDER BY completed_at DESC LIMIT 1`,
		digest, string(model.SyncStatusComplete),
	)
	e, err := scanSQLiteSync(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last success by digest")
	}
	return e, nil
}

// ListSyncs returns entries newest first.
func (s *SQLiteStore) ListSyncs(ctx context.Context, filter SyncFilter) ([]model.SyncEntry, error) {
	query := `SELECT ` + sqliteSyncColumns + ` FROM sync_log`
	var args []any
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list syncs")
	}
	defer rows.Close() //nolint:errcheck

	out := []model.SyncEntry{}
	for rows.Next() {
		e, err := scanSQLiteSync(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list syncs")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteSync(row scannable) (*model.SyncEntry, error) {
	var (
		e                           model.SyncEntry
		status, started             string
		digest, observed, completed sql.NullString
		errMsg                      sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Source, &digest, &observed, &status, &started, &completed,
		&e.Expired, &e.Inserted, &e.Unchanged, &errMsg); err != nil {
		return nil, err
	}
	e.Status = model.SyncStatus(status)
	e.Digest = digest.String
	e.Error = errMsg.String

	var err error
	if e.StartedAt, err = parseSQLiteTime(started); err != nil {
		return nil, err
	}
	if observed.Valid {
		t, err := parseSQLiteTime(observed.String)
		if err != nil {
			return nil, err
		}
		e.ObservedAt = &t
	}
	if completed.Valid {
		t, err := parseSQLiteTime(completed.String)
		if err != nil {
			return nil, err
		}
		e.CompletedAt = &t
	}
	return &e, nil
}

func checkRowsAffected(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrSyncNotFound, "sqlite: %s %s", op, id)
	}
	return nil
}

func formatSQLiteTime(t time.Time) string {
	return model.NormalizeTime(t).Format(sqliteTime)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return model.NormalizeTime(t), nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
