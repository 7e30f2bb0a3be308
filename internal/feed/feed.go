// Package feed loads member feed snapshots. A snapshot is the complete
// latest-known state of every member in one feed, stamped with a single
// observation timestamp and a content digest.
package feed

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/member-history/internal/config"
	"github.com/sells-group/member-history/internal/db"
	"github.com/sells-group/member-history/internal/fetcher"
	"github.com/sells-group/member-history/internal/model"
)

// Standard feed columns besides the tracked attributes.
const (
	ColumnMemberID   = "member_id"
	ColumnObservedAt = "observed_at"
)

// Source produces the snapshot for one run.
type Source interface {
	Load(ctx context.Context) (*model.Snapshot, error)
	Describe() string
}

// Options control how feed rows map onto snapshot records.
type Options struct {
	// Tracked lists the compared attributes. Each must be present in the feed.
	Tracked []string
	// Columns maps a tracked attribute to its feed column when they differ.
	Columns map[string]string
	// ObservedAt overrides the snapshot timestamp.
	ObservedAt *time.Time
	// Now supplies the timestamp for an empty feed with no override.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if len(o.Tracked) == 0 {
		o.Tracked = model.DefaultTrackedAttributes
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// column returns the feed column name for a tracked attribute.
func (o Options) column(attr string) string {
	if c, ok := o.Columns[attr]; ok && c != "" {
		return c
	}
	return attr
}

// FormatTable reads the feed from a Postgres relation.
const FormatTable = "table"

// New builds the Source described by cfg. pool is required only for the
// table format.
func New(cfg config.FeedConfig, pool db.Pool, opener *fetcher.Opener, opts Options) (Source, error) {
	opts.Columns = mergeColumns(cfg.Columns, opts.Columns)

	if cfg.Format == FormatTable {
		if pool == nil {
			return nil, eris.New("feed: table format requires a postgres pool")
		}
		return NewTableSource(pool, cfg.Table, opts), nil
	}

	var delim rune
	if r := []rune(cfg.Delimiter); len(r) > 0 {
		delim = r[0]
	}
	if opener == nil {
		opener = fetcher.NewOpener(cfg.UserAgent)
	}
	return NewFileSource(FileConfig{
		Location:  cfg.Location,
		Format:    cfg.Format,
		Delimiter: delim,
		Sheet:     cfg.Sheet,
		Encoding:  cfg.Encoding,
	}, opener, opts)
}

func mergeColumns(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
