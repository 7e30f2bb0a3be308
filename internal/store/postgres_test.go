package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/member-history/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T, tracked ...string) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresWithPool(mock, tracked), mock
}

var pgHistoryColumns = []string{
	"surrogate_key", "member_id", "name", "address",
	"valid_from", "valid_to", "is_current", "created_at", "updated_at",
}

func TestPostgresMigration_TrackedColumns(t *testing.T) {
	ddl := postgresMigration([]string{"name", "address", "plan_code"})
	assert.Contains(t, ddl, `ADD COLUMN IF NOT EXISTS "plan_code" TEXT`)
	assert.Contains(t, ddl, "member_history_closed_window CHECK (is_current OR (valid_to IS NOT NULL AND valid_to > valid_from))")
	assert.Contains(t, ddl, "BEFORE UPDATE OR DELETE ON member_history")
	assert.Contains(t, ddl, "CREATE OR REPLACE VIEW member_history_latest")
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE SEQUENCE IF NOT EXISTS member_history_sk_seq`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CheckSchema(t *testing.T) {
	s, mock := newMockPostgresStore(t, "name", "address", "plan_code")
	mock.ExpectQuery(`information_schema.columns`).
		WithArgs("member_history").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).
			AddRow("surrogate_key").AddRow("member_id").AddRow("name").AddRow("address"))

	var sm *model.SchemaMismatchError
	require.ErrorAs(t, s.CheckSchema(context.Background()), &sm)
	assert.Equal(t, []string{"plan_code"}, sm.Missing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CheckSchema_NoTable(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`information_schema.columns`).
		WithArgs("member_history").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}))

	var sm *model.SchemaMismatchError
	require.ErrorAs(t, s.CheckSchema(context.Background()), &sm)
	assert.Contains(t, sm.Detail, "run migrate")
}

func TestPostgresStore_CurrentRows(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	local := loadTime.In(time.FixedZone("CST", -6*3600))

	mock.ExpectQuery(`SELECT DISTINCT ON \(surrogate_key\)`).
		WillReturnRows(pgxmock.NewRows(pgHistoryColumns).
			AddRow(int64(1), int64(101), model.Str("Alice"), model.Str("1 Oak St"), local, nil, true, local, local).
			AddRow(int64(2), int64(102), model.Str("Bob"), nil, loadTime, nil, true, loadTime, loadTime))

	rows, err := s.CurrentRows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, loadTime, rows[0].ValidFrom, "normalized to UTC")
	assert.Equal(t, "Alice", *rows[0].Attributes[model.AttrName])
	assert.Nil(t, rows[1].Attributes[model.AttrAddress])
	assert.Nil(t, rows[1].ValidTo)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Timeline(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	closed := runTime

	mock.ExpectQuery(`WHERE member_id = \$1 ORDER BY valid_from`).
		WithArgs(int64(101)).
		WillReturnRows(pgxmock.NewRows(pgHistoryColumns).
			AddRow(int64(1), int64(101), model.Str("Alice"), model.Str("1 Oak St"), loadTime, &closed, false, loadTime, runTime).
			AddRow(int64(4), int64(101), model.Str("Alice"), model.Str("999 New Ave"), runTime, nil, true, runTime, runTime))

	rows, err := s.Timeline(context.Background(), 101)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].ValidTo)
	assert.Equal(t, runTime, *rows[0].ValidTo)
	assert.False(t, rows[0].IsCurrent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendBatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	expired := newRow(101, model.Str("Alice"), model.Str("1 Oak St"), loadTime)
	expired.SurrogateKey = 1
	batch := []model.HistoryRow{
		expired.Expire(runTime),
		newRow(101, model.Str("Alice"), model.Str("999 New Ave"), runTime),
		newRow(201, model.Str("Dan"), nil, runTime),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT nextval\('member_history_sk_seq'\) FROM generate_series`).
		WithArgs(2).
		WillReturnRows(pgxmock.NewRows([]string{"nextval"}).AddRow(int64(7)).AddRow(int64(8)))
	mock.ExpectCopyFrom(pgx.Identifier{"member_history"}, pgHistoryColumns).WillReturnResult(3)
	mock.ExpectCommit()

	res, err := s.AppendBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Rows)
	assert.Equal(t, []int64{1, 7, 8}, res.SurrogateKeys)
	assert.Zero(t, batch[1].SurrogateKey, "input untouched")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendBatch_ExpirationsOnly(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	row := newRow(101, model.Str("Alice"), nil, loadTime)
	row.SurrogateKey = 5

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"member_history"}, pgHistoryColumns).WillReturnResult(1)
	mock.ExpectCommit()

	res, err := s.AppendBatch(context.Background(), []model.HistoryRow{row.Expire(runTime)})
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, res.SurrogateKeys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendBatch_CopyFailureRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT nextval`).
		WithArgs(1).
		WillReturnRows(pgxmock.NewRows([]string{"nextval"}).AddRow(int64(9)))
	mock.ExpectCopyFrom(pgx.Identifier{"member_history"}, pgHistoryColumns).
		WillReturnError(errors.New("violates check constraint"))
	mock.ExpectRollback()

	_, err := s.AppendBatch(context.Background(), []model.HistoryRow{newRow(201, model.Str("Dan"), nil, runTime)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: append history")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendBatch_ShortAllocation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT nextval`).
		WithArgs(2).
		WillReturnRows(pgxmock.NewRows([]string{"nextval"}).AddRow(int64(9)))
	mock.ExpectRollback()

	_, err := s.AppendBatch(context.Background(), []model.HistoryRow{
		newRow(201, model.Str("Dan"), nil, runTime),
		newRow(202, model.Str("Eve"), nil, runTime),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allocated 1 of 2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Lock(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("member_history").
		WillReturnRows(pgxmock.NewRows([]string{"ok"}).AddRow(true))
	mock.ExpectRollback()

	unlock, err := s.Lock(context.Background(), "member_history")
	require.NoError(t, err)
	unlock()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LockHeld(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`pg_try_advisory_xact_lock`).
		WithArgs("member_history").
		WillReturnRows(pgxmock.NewRows([]string{"ok"}).AddRow(false))
	mock.ExpectRollback()

	_, err := s.Lock(context.Background(), "member_history")
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StartSync(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`INSERT INTO sync_log`).
		WithArgs(pgxmock.AnyArg(), "members.csv", "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	e, err := s.StartSync(context.Background(), "members.csv")
	require.NoError(t, err)
	assert.Len(t, e.ID, 36)
	assert.Equal(t, model.SyncStatusRunning, e.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteSync_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`UPDATE sync_log SET status`).
		WithArgs("complete", "abc", runTime, 0, 1, 2, pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteSync(context.Background(), "missing", model.SyncResult{
		Digest: "abc", ObservedAt: runTime, Inserted: 1, Unchanged: 2,
	})
	assert.ErrorIs(t, err, ErrSyncNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailSync(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`UPDATE sync_log SET status`).
		WithArgs("failed", "boom", pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.FailSync(context.Background(), "run-1", errors.New("boom")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LastSuccessByDigest_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`FROM sync_log WHERE digest`).
		WithArgs("abc", "complete").
		WillReturnError(pgx.ErrNoRows)

	e, err := s.LastSuccessByDigest(context.Background(), "abc")
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSyncs(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	done := runTime.Add(time.Minute)

	mock.ExpectQuery(`FROM sync_log WHERE status = \$1 ORDER BY started_at DESC LIMIT \$2`).
		WithArgs("complete", 50).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "source", "digest", "observed_at", "status", "started_at", "completed_at",
			"expired", "inserted", "unchanged", "error",
		}).AddRow("run-1", "members.csv", model.Str("abc"), &runTime, "complete", runTime, &done, 1, 2, 3, nil))

	got, err := s.ListSyncs(context.Background(), SyncFilter{Status: model.SyncStatusComplete})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "abc", got[0].Digest)
	assert.Equal(t, 3, got[0].Unchanged)
	require.NotNil(t, got[0].CompletedAt)
	assert.Equal(t, done, *got[0].CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
