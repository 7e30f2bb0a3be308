package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"time"

	"github.com/sells-group/member-history/internal/model"
)

// buildSnapshot stamps records with the snapshot timestamp and digest.
//
// The timestamp is the override when set, else the latest observed_at in
// the feed, else the clock. Rows without their own observed_at take the
// snapshot timestamp.
func buildSnapshot(source string, records []model.FeedRecord, opts Options) *model.Snapshot {
	var observed time.Time
	switch {
	case opts.ObservedAt != nil:
		observed = *opts.ObservedAt
	default:
		for _, r := range records {
			if r.ObservedAt.After(observed) {
				observed = r.ObservedAt
			}
		}
		if observed.IsZero() {
			observed = opts.Now()
		}
	}
	observed = model.NormalizeTime(observed)

	for i := range records {
		if records[i].ObservedAt.IsZero() {
			records[i].ObservedAt = observed
		}
	}
	if records == nil {
		records = []model.FeedRecord{}
	}

	snap := &model.Snapshot{
		Source:     source,
		ObservedAt: observed,
		Records:    records,
	}
	snap.Digest = Digest(snap, opts.Tracked)
	return snap
}

// Digest hashes the canonical form of a snapshot: its timestamp, the tracked
// attribute names and every record's key and values in member id order.
// Row order in the feed does not change the digest.
func Digest(snap *model.Snapshot, tracked []string) string {
	recs := make([]model.FeedRecord, len(snap.Records))
	copy(recs, snap.Records)
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i].MemberID, recs[j].MemberID
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return *a < *b
	})

	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s)) //nolint:errcheck
	}

	write(snap.ObservedAt.UTC().Format(time.RFC3339Nano))
	for _, attr := range tracked {
		write("\x1f")
		write(attr)
	}
	write("\x1e")

	for _, r := range recs {
		if r.MemberID == nil {
			write("null")
		} else {
			write(strconv.FormatInt(*r.MemberID, 10))
		}
		for _, attr := range tracked {
			v := r.Attributes[attr]
			if v == nil {
				write("\x1f\x00")
				continue
			}
			write("\x1f\x01")
			write(*v)
		}
		write("\x1e")
	}

	return hex.EncodeToString(h.Sum(nil))
}
