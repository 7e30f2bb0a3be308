// Package engine runs one reconciliation of a member feed against the
// history store: lock, load, guard, reconcile, commit, record.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/member-history/internal/feed"
	"github.com/sells-group/member-history/internal/model"
	"github.com/sells-group/member-history/internal/resilience"
	"github.com/sells-group/member-history/internal/scd"
	"github.com/sells-group/member-history/internal/store"
)

// ErrSnapshotProcessed is returned when a completed run already committed a
// snapshot with the same digest.
var ErrSnapshotProcessed = errors.New("engine: snapshot already processed")

// DefaultLockName is the run lock used when Options.LockName is empty.
const DefaultLockName = "member_history"

// Options configures an Engine.
type Options struct {
	LockName string
	Retry    resilience.RetryConfig
}

// RunOpts configures a single run.
type RunOpts struct {
	DryRun         bool // reconcile and report, write nothing
	AllowReprocess bool // skip the digest guard
}

// Report summarizes a run.
type Report struct {
	RunID      string        `json:"run_id,omitempty"`
	Source     string        `json:"source"`
	Digest     string        `json:"digest"`
	ObservedAt time.Time     `json:"observed_at"`
	Records    int           `json:"records"`
	Current    int           `json:"current"`
	New        int           `json:"new"`
	Changed    int           `json:"changed"`
	Unchanged  int           `json:"unchanged"`
	Expired    int           `json:"expired"`
	Inserted   int           `json:"inserted"`
	Written    int64         `json:"written"`
	Attempts   int           `json:"attempts"`
	DryRun     bool          `json:"dry_run"`
	Skipped    bool          `json:"skipped"`
	Elapsed    time.Duration `json:"elapsed"`
}

func (r *Report) apply(res *scd.Result) {
	r.New = res.New
	r.Changed = res.Changed
	r.Unchanged = res.Unchanged
	r.Expired = len(res.Expirations)
	r.Inserted = len(res.Insertions)
}

// Engine orchestrates reconciliation runs against one history store.
type Engine struct {
	store      store.HistoryStore
	reconciler *scd.Reconciler
	writer     *scd.Writer
	tracked    []string
	lockName   string
	retry      resilience.RetryConfig
}

// New creates an Engine comparing the store's tracked attributes.
func New(st store.HistoryStore, opts Options) (*Engine, error) {
	tracked := st.Tracked()
	rec, err := scd.NewReconciler(tracked)
	if err != nil {
		return nil, err
	}
	if opts.LockName == "" {
		opts.LockName = DefaultLockName
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	opts.Retry.ShouldRetry = retryableCommit
	opts.Retry.OnRetry = resilience.RetryLogger("engine", "commit")

	return &Engine{
		store:      st,
		reconciler: rec,
		writer:     scd.NewWriter(st, tracked),
		tracked:    tracked,
		lockName:   opts.LockName,
		retry:      opts.Retry,
	}, nil
}

// retryableCommit retries transient store errors. Integrity and schema
// errors never are.
func retryableCommit(err error) bool {
	var (
		di *model.DataIntegrityError
		sm *model.SchemaMismatchError
	)
	if errors.As(err, &di) || errors.As(err, &sm) {
		return false
	}
	return resilience.IsTransient(err)
}

// Run reconciles the snapshot from src against current history and commits
// the result. A dry run takes the lock and reads but writes neither history
// nor the sync log.
func (e *Engine) Run(ctx context.Context, src feed.Source, opts RunOpts) (*Report, error) {
	log := zap.L().With(zap.String("component", "engine"), zap.String("source", src.Describe()))
	start := time.Now()
	report := &Report{Source: src.Describe(), DryRun: opts.DryRun}

	if err := e.store.CheckSchema(ctx); err != nil {
		return nil, err
	}

	unlock, err := e.store.Lock(ctx, e.lockName)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if opts.DryRun {
		err = e.run(ctx, src, opts, report)
		report.Elapsed = time.Since(start)
		return report, err
	}

	entry, err := e.store.StartSync(ctx, report.Source)
	if err != nil {
		return nil, eris.Wrap(err, "engine: start sync log")
	}
	report.RunID = entry.ID
	log = log.With(zap.String("run_id", entry.ID))

	err = e.run(ctx, src, opts, report)
	report.Elapsed = time.Since(start)
	if err != nil {
		log.Error("run failed", zap.Error(err), zap.Duration("elapsed", report.Elapsed))
		if logErr := e.store.FailSync(context.WithoutCancel(ctx), entry.ID, err); logErr != nil {
			log.Error("failed to record run failure", zap.Error(logErr))
		}
		return report, err
	}

	if err := e.store.CompleteSync(ctx, entry.ID, model.SyncResult{
		Digest:     report.Digest,
		ObservedAt: report.ObservedAt,
		Expired:    report.Expired,
		Inserted:   report.Inserted,
		Unchanged:  report.Unchanged,
	}); err != nil {
		return report, eris.Wrap(err, "engine: complete sync log")
	}

	log.Info("run complete",
		zap.Int("new", report.New),
		zap.Int("changed", report.Changed),
		zap.Int("unchanged", report.Unchanged),
		zap.Int64("written", report.Written),
		zap.Int("attempts", report.Attempts),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

func (e *Engine) run(ctx context.Context, src feed.Source, opts RunOpts, report *Report) error {
	var (
		snap    *model.Snapshot
		current []model.HistoryRow
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap, err = src.Load(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		current, err = e.store.CurrentRows(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if snap.Digest == "" {
		snap.Digest = feed.Digest(snap, e.tracked)
	}
	report.Digest = snap.Digest
	report.ObservedAt = snap.ObservedAt
	report.Records = len(snap.Records)
	report.Current = len(current)

	if !opts.AllowReprocess && !opts.DryRun {
		prev, err := e.store.LastSuccessByDigest(ctx, snap.Digest)
		if err != nil {
			return eris.Wrap(err, "engine: check snapshot digest")
		}
		if prev != nil {
			return eris.Wrapf(ErrSnapshotProcessed, "engine: digest %s committed by run %s", snap.Digest, prev.ID)
		}
	}

	res, err := e.reconciler.Reconcile(*snap, current)
	if err != nil {
		return err
	}
	report.apply(res)

	if opts.DryRun {
		report.Skipped = res.Empty()
		return nil
	}

	// A failed append leaves history untouched, so each retry reads the
	// current rows again and recomputes against them.
	return resilience.Do(ctx, e.retry, func(ctx context.Context) error {
		report.Attempts++
		if report.Attempts > 1 {
			current, err := e.store.CurrentRows(ctx)
			if err != nil {
				return err
			}
			if res, err = e.reconciler.Reconcile(*snap, current); err != nil {
				return err
			}
			report.apply(res)
		}

		out, err := e.writer.Commit(ctx, res)
		if err != nil {
			return err
		}
		report.Written = out.Written
		report.Skipped = out.Skipped
		return nil
	})
}
