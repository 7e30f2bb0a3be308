package scd

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/member-history/internal/model"
)

// AppendResult reports what an atomic append wrote.
type AppendResult struct {
	Rows          int64   `json:"rows"`
	SurrogateKeys []int64 `json:"surrogate_keys,omitempty"` // keys assigned to inserted rows, in batch order
}

// Appender commits a batch of history rows atomically: either every row
// becomes visible or none does.
type Appender interface {
	AppendBatch(ctx context.Context, rows []model.HistoryRow) (AppendResult, error)
}

// CommitResult is the outcome of Writer.Commit.
type CommitResult struct {
	Skipped  bool  `json:"skipped"`
	Expired  int   `json:"expired"`
	Inserted int   `json:"inserted"`
	Written  int64 `json:"written"`
}

// MergeBatch unions expirations and insertions into one batch, expirations
// first. Every row carries exactly the tracked attribute columns.
func MergeBatch(res *Result, tracked []string) []model.HistoryRow {
	batch := make([]model.HistoryRow, 0, len(res.Expirations)+len(res.Insertions))
	for _, rows := range [][]model.HistoryRow{res.Expirations, res.Insertions} {
		for _, row := range rows {
			aligned := row
			aligned.Attributes = make(model.Attributes, len(tracked))
			for _, name := range tracked {
				aligned.Attributes[name] = row.Attributes[name]
			}
			batch = append(batch, aligned)
		}
	}
	return batch
}

// Writer commits reconciliation results to a history store.
//
// Commit is not idempotent. Committing the same Result twice appends a
// second set of current rows; callers must commit each Result at most once
// and retry a failed commit by reconciling again.
type Writer struct {
	appender Appender
	tracked  []string
}

// NewWriter returns a Writer that aligns batches to the tracked attributes.
func NewWriter(appender Appender, tracked []string) *Writer {
	return &Writer{appender: appender, tracked: append([]string(nil), tracked...)}
}

// Commit appends the merged batch for res. An empty result writes nothing.
func (w *Writer) Commit(ctx context.Context, res *Result) (*CommitResult, error) {
	log := zap.L().With(zap.String("component", "scd.writer"))

	out := &CommitResult{Expired: len(res.Expirations), Inserted: len(res.Insertions)}
	if res.Empty() {
		out.Skipped = true
		log.Info("no changes detected, skipping write")
		return out, nil
	}

	batch := MergeBatch(res, w.tracked)
	ar, err := w.appender.AppendBatch(ctx, batch)
	if err != nil {
		return nil, &model.WriteFailure{Rows: len(batch), Err: err}
	}
	out.Written = ar.Rows

	log.Info("history batch committed",
		zap.Int("expired", out.Expired),
		zap.Int("inserted", out.Inserted),
		zap.Int64("written", ar.Rows),
	)
	return out, nil
}
