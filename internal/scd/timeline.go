package scd

import (
	"fmt"
	"sort"

	"github.com/sells-group/member-history/internal/model"
)

// Violation describes one broken history invariant.
type Violation struct {
	MemberID int64   `json:"member_id"`
	Keys     []int64 `json:"surrogate_keys"`
	Problem  string  `json:"problem"`
}

func (v Violation) String() string {
	return fmt.Sprintf("member %d %v: %s", v.MemberID, v.Keys, v.Problem)
}

// CheckTimeline verifies the history invariants over the latest version of
// every row: at most one current row per member, current rows open-ended,
// closed rows with valid_from < valid_to, and no overlapping windows.
// Violations are ordered by member id.
func CheckTimeline(rows []model.HistoryRow) []Violation {
	byMember := make(map[int64][]model.HistoryRow)
	for _, r := range rows {
		byMember[r.MemberID] = append(byMember[r.MemberID], r)
	}
	ids := make([]int64, 0, len(byMember))
	for id := range byMember {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []Violation
	for _, id := range ids {
		out = append(out, checkMember(id, byMember[id])...)
	}
	return out
}

func checkMember(id int64, rows []model.HistoryRow) []Violation {
	var out []Violation

	var current []int64
	for _, r := range rows {
		switch {
		case r.IsCurrent && r.ValidTo != nil:
			out = append(out, Violation{MemberID: id, Keys: []int64{r.SurrogateKey}, Problem: "current row has valid_to set"})
		case !r.IsCurrent && r.ValidTo == nil:
			out = append(out, Violation{MemberID: id, Keys: []int64{r.SurrogateKey}, Problem: "closed row has no valid_to"})
		case !r.IsCurrent && !r.ValidFrom.Before(*r.ValidTo):
			out = append(out, Violation{MemberID: id, Keys: []int64{r.SurrogateKey}, Problem: "valid_from is not before valid_to"})
		}
		if r.IsCurrent {
			current = append(current, r.SurrogateKey)
		}
	}
	if len(current) > 1 {
		out = append(out, Violation{MemberID: id, Keys: current, Problem: fmt.Sprintf("%d current rows", len(current))})
	}

	sorted := append([]model.HistoryRow(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ValidFrom.Equal(sorted[j].ValidFrom) {
			return sorted[i].SurrogateKey < sorted[j].SurrogateKey
		}
		return sorted[i].ValidFrom.Before(sorted[j].ValidFrom)
	})
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.ValidTo == nil || cur.ValidFrom.Before(*prev.ValidTo) {
			out = append(out, Violation{
				MemberID: id,
				Keys:     []int64{prev.SurrogateKey, cur.SurrogateKey},
				Problem:  "overlapping validity windows",
			})
		}
	}
	return out
}
