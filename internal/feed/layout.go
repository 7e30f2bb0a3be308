package feed

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/member-history/internal/model"
)

// layout resolves feed columns to positions. Header matching ignores case.
type layout struct {
	source     string
	tracked    []string
	memberID   int
	observedAt int // -1 when the feed has no observed_at column
	attrs      []int
}

func newLayout(source string, header []string, opts Options) (*layout, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, dup := pos[key]; dup {
			return nil, &model.SchemaMismatchError{Source: source, Detail: fmt.Sprintf("column %q appears twice", key)}
		}
		pos[key] = i
	}

	l := &layout{source: source, tracked: opts.Tracked, observedAt: -1}
	var missing []string

	if i, ok := pos[ColumnMemberID]; ok {
		l.memberID = i
	} else {
		missing = append(missing, ColumnMemberID)
	}
	for _, attr := range opts.Tracked {
		col := strings.ToLower(opts.column(attr))
		if i, ok := pos[col]; ok {
			l.attrs = append(l.attrs, i)
		} else {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &model.SchemaMismatchError{Source: source, Missing: missing}
	}
	if i, ok := pos[ColumnObservedAt]; ok {
		l.observedAt = i
	}
	return l, nil
}

// record converts one row of cells. line is 1-based and counts the header.
// Cells past the end of a short row are NULL.
func (l *layout) record(line int, cells []*string) (model.FeedRecord, error) {
	cell := func(i int) *string {
		if i < 0 || i >= len(cells) {
			return nil
		}
		return cells[i]
	}

	rec := model.FeedRecord{Attributes: make(model.Attributes, len(l.tracked))}

	if raw := cell(l.memberID); raw != nil && strings.TrimSpace(*raw) != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(*raw), 10, 64)
		if err != nil {
			return rec, &model.SchemaMismatchError{
				Source: l.source,
				Detail: fmt.Sprintf("row %d: member_id %q is not an integer", line, *raw),
			}
		}
		rec.MemberID = &id
	}

	for j, attr := range l.tracked {
		rec.Attributes[attr] = cell(l.attrs[j])
	}

	if raw := cell(l.observedAt); raw != nil && strings.TrimSpace(*raw) != "" {
		ts, err := ParseTimestamp(*raw)
		if err != nil {
			return rec, &model.SchemaMismatchError{
				Source: l.source,
				Detail: fmt.Sprintf("row %d: observed_at %q is not a timestamp", line, *raw),
			}
		}
		rec.ObservedAt = ts
	}

	return rec, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339 and the common SQL text forms. Values
// without a zone are read as UTC. The result is normalized.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return model.NormalizeTime(t), nil
		}
	}
	return time.Time{}, eris.Errorf("feed: unrecognized timestamp %q", s)
}

// textCells maps tabular text cells to values. An empty cell is NULL.
func textCells(row []string) []*string {
	out := make([]*string, len(row))
	for i := range row {
		if row[i] != "" {
			v := row[i]
			out[i] = &v
		}
	}
	return out
}
