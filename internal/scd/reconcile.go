// Package scd reconciles feed snapshots against member history using
// slowly changing dimension type 2 semantics: changed members have their
// current row expired and a new current row inserted; rows are never
// rewritten in place.
package scd

import (
	"fmt"
	"sort"
	"time"

	"github.com/sells-group/member-history/internal/model"
)

// Result is the outcome of reconciling one snapshot. Both slices are always
// non-nil and sorted by member id.
type Result struct {
	Expirations []model.HistoryRow `json:"expirations"`
	Insertions  []model.HistoryRow `json:"insertions"`
	New         int                `json:"new"`
	Changed     int                `json:"changed"`
	Unchanged   int                `json:"unchanged"`
}

// Empty reports whether the result requires no write.
func (r *Result) Empty() bool {
	return len(r.Expirations) == 0 && len(r.Insertions) == 0
}

// Reconciler classifies snapshot records against current history rows.
type Reconciler struct {
	tracked []string
}

// NewReconciler returns a Reconciler comparing the given attribute set.
func NewReconciler(tracked []string) (*Reconciler, error) {
	if err := model.CheckTracked(tracked); err != nil {
		return nil, err
	}
	return &Reconciler{tracked: append([]string(nil), tracked...)}, nil
}

// Tracked returns the compared attribute names.
func (r *Reconciler) Tracked() []string {
	return append([]string(nil), r.tracked...)
}

// Reconcile left-joins snap to the current rows on member id and returns the
// rows to expire and the rows to insert, all stamped with snap.ObservedAt.
// It performs no I/O; the same inputs always produce the same Result.
func (r *Reconciler) Reconcile(snap model.Snapshot, current []model.HistoryRow) (*Result, error) {
	now := snap.ObservedAt

	active, err := r.indexCurrent(current)
	if err != nil {
		return nil, err
	}

	records, err := r.checkSnapshot(snap)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Expirations: []model.HistoryRow{},
		Insertions:  []model.HistoryRow{},
	}

	// Classify everything before building output so an integrity error
	// never leaves a partial result behind.
	type change struct {
		rec  model.FeedRecord
		prev *model.HistoryRow
	}
	var changes []change
	for _, rec := range records {
		id := *rec.MemberID
		prev, ok := active[id]
		if !ok {
			res.New++
			changes = append(changes, change{rec: rec})
			continue
		}
		if r.equal(rec.Attributes, prev.Attributes) {
			res.Unchanged++
			continue
		}
		if !prev.ValidFrom.Before(now) {
			return nil, model.NewIntegrityError(id,
				"current row %d valid_from %s is not before observation time %s",
				prev.SurrogateKey, prev.ValidFrom.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		}
		res.Changed++
		changes = append(changes, change{rec: rec, prev: &prev})
	}

	for _, c := range changes {
		if c.prev != nil {
			res.Expirations = append(res.Expirations, c.prev.Expire(now))
		}
		res.Insertions = append(res.Insertions, r.newRow(c.rec, now))
	}

	return res, nil
}

// indexCurrent maps member id to its current row, rejecting duplicates and
// rows that are not actually current.
func (r *Reconciler) indexCurrent(current []model.HistoryRow) (map[int64]model.HistoryRow, error) {
	active := make(map[int64]model.HistoryRow, len(current))
	for _, row := range current {
		if !row.IsCurrent || row.ValidTo != nil {
			return nil, model.NewIntegrityError(row.MemberID,
				"row %d passed as current but is closed", row.SurrogateKey)
		}
		if dup, ok := active[row.MemberID]; ok {
			return nil, model.NewIntegrityError(row.MemberID,
				"multiple current rows (surrogate keys %d and %d)", dup.SurrogateKey, row.SurrogateKey)
		}
		if err := r.checkAttributes("current history row", row.Attributes); err != nil {
			return nil, err
		}
		active[row.MemberID] = row
	}
	return active, nil
}

// checkSnapshot validates keys and attribute shape and returns the records
// ordered by member id.
func (r *Reconciler) checkSnapshot(snap model.Snapshot) ([]model.FeedRecord, error) {
	seen := make(map[int64]bool, len(snap.Records))
	records := make([]model.FeedRecord, 0, len(snap.Records))
	for i, rec := range snap.Records {
		if rec.MemberID == nil {
			return nil, &model.DataIntegrityError{Reason: fmt.Sprintf("feed row %d has a null member_id", i+1)}
		}
		id := *rec.MemberID
		if seen[id] {
			return nil, model.NewIntegrityError(id, "appears more than once in the feed snapshot")
		}
		seen[id] = true
		if err := r.checkAttributes("feed snapshot", rec.Attributes); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return *records[i].MemberID < *records[j].MemberID
	})
	return records, nil
}

func (r *Reconciler) checkAttributes(source string, attrs model.Attributes) error {
	var missing []string
	for _, a := range r.tracked {
		if _, ok := attrs[a]; !ok {
			missing = append(missing, a)
		}
	}
	if len(missing) > 0 {
		return &model.SchemaMismatchError{Source: source, Missing: missing}
	}
	return nil
}

func (r *Reconciler) equal(a, b model.Attributes) bool {
	for _, name := range r.tracked {
		if !model.ValueEqual(a[name], b[name]) {
			return false
		}
	}
	return true
}

func (r *Reconciler) newRow(rec model.FeedRecord, now time.Time) model.HistoryRow {
	attrs := make(model.Attributes, len(r.tracked))
	for _, name := range r.tracked {
		attrs[name] = rec.Attributes[name]
	}
	return model.HistoryRow{
		MemberID:   *rec.MemberID,
		Attributes: attrs,
		ValidFrom:  now,
		IsCurrent:  true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
