package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/member-history/internal/db"
	"github.com/sells-group/member-history/internal/model"
)

// DefaultTable is the relation read when feed.table is unset.
const DefaultTable = "raw_member_feed"

const columnsQuery = `SELECT lower(column_name)
FROM information_schema.columns
WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema())
  AND table_name = $2
ORDER BY ordinal_position`

// TableSource loads a snapshot from a Postgres table or view.
type TableSource struct {
	pool  db.Pool
	table string
	opts  Options
}

// NewTableSource returns a TableSource reading table through pool.
func NewTableSource(pool db.Pool, table string, opts Options) *TableSource {
	if table == "" {
		table = DefaultTable
	}
	return &TableSource{pool: pool, table: table, opts: opts.withDefaults()}
}

// Describe names the relation.
func (s *TableSource) Describe() string {
	return "table " + s.table
}

// Load checks the relation's columns and reads every row.
func (s *TableSource) Load(ctx context.Context) (*model.Snapshot, error) {
	log := zap.L().With(zap.String("component", "feed.table"), zap.String("table", s.table))
	start := time.Now()

	l, err := s.layout(ctx)
	if err != nil {
		return nil, err
	}

	cols := []string{pgx.Identifier{ColumnMemberID}.Sanitize() + "::bigint"}
	for _, attr := range s.opts.Tracked {
		cols = append(cols, pgx.Identifier{strings.ToLower(s.opts.column(attr))}.Sanitize()+"::text")
	}
	if l.observedAt >= 0 {
		cols = append(cols, pgx.Identifier{ColumnObservedAt}.Sanitize())
	}
	sql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), db.SanitizeTable(s.table))

	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, eris.Wrapf(err, "feed: query %s", s.table)
	}
	defer rows.Close()

	var records []model.FeedRecord
	for rows.Next() {
		var (
			id       *int64
			observed *time.Time
		)
		vals := make([]*string, len(s.opts.Tracked))
		dest := make([]any, 0, len(cols))
		dest = append(dest, &id)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if l.observedAt >= 0 {
			dest = append(dest, &observed)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrapf(err, "feed: scan %s", s.table)
		}

		rec := model.FeedRecord{MemberID: id, Attributes: make(model.Attributes, len(vals))}
		for i, attr := range s.opts.Tracked {
			rec.Attributes[attr] = vals[i]
		}
		if observed != nil {
			rec.ObservedAt = model.NormalizeTime(*observed)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "feed: iterate %s", s.table)
	}

	snap := buildSnapshot(s.table, records, s.opts)
	log.Info("feed loaded",
		zap.Int("records", len(snap.Records)),
		zap.Time("observed_at", snap.ObservedAt),
		zap.Duration("elapsed", time.Since(start)),
	)
	return snap, nil
}

// layout checks the relation's columns in information_schema.
func (s *TableSource) layout(ctx context.Context) (*layout, error) {
	schema, name := "", s.table
	if i := strings.Index(s.table, "."); i >= 0 {
		schema, name = s.table[:i], s.table[i+1:]
	}

	rows, err := s.pool.Query(ctx, columnsQuery, schema, name)
	if err != nil {
		return nil, eris.Wrapf(err, "feed: inspect %s", s.table)
	}
	defer rows.Close()

	var header []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, eris.Wrapf(err, "feed: inspect %s", s.table)
		}
		header = append(header, col)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "feed: inspect %s", s.table)
	}
	if len(header) == 0 {
		return nil, &model.SchemaMismatchError{Source: s.table, Detail: "relation not found"}
	}

	return newLayout(s.table, header, s.opts)
}
