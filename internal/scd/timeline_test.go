package scd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/member-history/internal/model"
)

func TestCheckTimeline_Clean(t *testing.T) {
	hist := seedHistory()
	closed := hist[0].Expire(runTime)
	next := currentRow(4, 101, "Alice Smith", "999 New Ave")
	next.ValidFrom = runTime

	rows := []model.HistoryRow{closed, next, hist[1], hist[2]}
	assert.Empty(t, CheckTimeline(rows))
}

func TestCheckTimeline_TwoCurrentRows(t *testing.T) {
	dup := currentRow(4, 101, "Alice Smith", "999 New Ave")
	dup.ValidFrom = runTime
	rows := append(seedHistory(), dup)

	v := CheckTimeline(rows)
	require.NotEmpty(t, v)
	problems := map[string]bool{}
	for _, x := range v {
		assert.Equal(t, int64(101), x.MemberID)
		problems[x.Problem] = true
	}
	assert.True(t, problems["2 current rows"])
	assert.True(t, problems["overlapping validity windows"])
}

func TestCheckTimeline_OverlappingClosedRows(t *testing.T) {
	a := currentRow(1, 101, "A", "a").Expire(runTime)
	b := currentRow(2, 101, "B", "b")
	b.ValidFrom = runTime.Add(-time.Hour)
	b = b.Expire(runTime.Add(time.Hour))

	v := CheckTimeline([]model.HistoryRow{a, b})
	require.Len(t, v, 1)
	assert.Equal(t, "overlapping validity windows", v[0].Problem)
	assert.Equal(t, []int64{1, 2}, v[0].Keys)
}

func TestCheckTimeline_BadWindows(t *testing.T) {
	zero := currentRow(1, 101, "A", "a").Expire(loadTime)
	openCurrent := currentRow(2, 102, "B", "b")
	to := runTime
	openCurrent.ValidTo = &to
	noEnd := currentRow(3, 103, "C", "c")
	noEnd.IsCurrent = false

	v := CheckTimeline([]model.HistoryRow{zero, openCurrent, noEnd})
	require.Len(t, v, 3)
	assert.Equal(t, "valid_from is not before valid_to", v[0].Problem)
	assert.Equal(t, "current row has valid_to set", v[1].Problem)
	assert.Equal(t, "closed row has no valid_to", v[2].Problem)
	assert.Contains(t, v[0].String(), "member 101")
}
