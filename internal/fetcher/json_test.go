package fetcher

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feedRow struct {
	MemberID int64   `json:"member_id"`
	Name     *string `json:"name"`
}

func TestDecodeJSONArray(t *testing.T) {
	input := `[{"member_id":101,"name":"Alice"},{"member_id":102,"name":null}]`

	ch, errCh := DecodeJSONArray[feedRow](context.Background(), strings.NewReader(input))
	var rows []feedRow
	for r := range ch {
		rows = append(rows, r)
	}
	require.NoError(t, <-errCh)

	require.Len(t, rows, 2)
	assert.Equal(t, int64(101), rows[0].MemberID)
	assert.Equal(t, "Alice", *rows[0].Name)
	assert.Nil(t, rows[1].Name)
}

func TestReadJSONArray_NumbersPreserved(t *testing.T) {
	input := `[{"member_id":9007199254740993}]`
	rows, err := ReadJSONArray[map[string]any](context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	n, ok := rows[0]["member_id"].(json.Number)
	require.True(t, ok)
	assert.Equal(t, "9007199254740993", n.String())
}

func TestReadJSONArray_Empty(t *testing.T) {
	rows, err := ReadJSONArray[feedRow](context.Background(), strings.NewReader(`[]`))
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestReadJSONArray_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "object not array", input: `{"member_id":1}`, want: "expected '['"},
		{name: "no input", input: ``, want: "json: read opening token"},
		{name: "bad element", input: `[{"member_id":"x"}]`, want: "json: decode element"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadJSONArray[feedRow](context.Background(), strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDecodeJSONArray_ContextCancellation(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("[")
	for i := range 10000 {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"member_id":1,"name":"x"}`)
	}
	sb.WriteString("]")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch, errCh := DecodeJSONArray[feedRow](ctx, strings.NewReader(sb.String()))
	for range ch { //nolint:revive // drain
	}
	if err := <-errCh; err != nil {
		assert.Contains(t, err.Error(), "context")
	}
}
