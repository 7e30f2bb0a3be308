package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/member-history/internal/config"
	"github.com/sells-group/member-history/internal/engine"
	"github.com/sells-group/member-history/internal/model"
	"github.com/sells-group/member-history/internal/monitoring"
	"github.com/sells-group/member-history/internal/store"
)

type fakeLister struct {
	entries []model.SyncEntry
	err     error
	filter  store.SyncFilter
}

func (f *fakeLister) ListSyncs(_ context.Context, filter store.SyncFilter) ([]model.SyncEntry, error) {
	f.filter = filter
	return f.entries, f.err
}

func runReturning(report *engine.Report, err error, got *runRequest) runFunc {
	return func(_ context.Context, req runRequest) (*engine.Report, error) {
		if got != nil {
			*got = req
		}
		return report, err
	}
}

func postRuns(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestBuildRouter_Health(t *testing.T) {
	h := buildRouter(runReturning(nil, nil, nil), &fakeLister{}, nil, 24)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestBuildRouter_PostRuns(t *testing.T) {
	var got runRequest
	report := &engine.Report{RunID: "run-1", Source: "members.csv (csv)", Inserted: 2, Written: 2}
	h := buildRouter(runReturning(report, nil, &got), &fakeLister{}, nil, 24)

	rr := postRuns(t, h, `{"feed":"members.csv","dry_run":true}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "members.csv", got.Feed)
	assert.True(t, got.DryRun)

	var body engine.Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, int64(2), body.Written)
}

func TestBuildRouter_PostRuns_InvalidBody(t *testing.T) {
	h := buildRouter(runReturning(nil, nil, nil), &fakeLister{}, nil, 24)

	rr := postRuns(t, h, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")
}

func TestBuildRouter_PostRuns_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"feed not allowed", eris.Wrap(errFeedNotAllowed, "serve"), http.StatusForbidden},
		{"lock held", store.ErrRunInProgress, http.StatusConflict},
		{"already processed", eris.Wrap(engine.ErrSnapshotProcessed, "engine: digest abc"), http.StatusConflict},
		{"integrity", model.NewIntegrityError(101, "appears more than once"), http.StatusUnprocessableEntity},
		{"schema", &model.SchemaMismatchError{Source: "members.csv", Missing: []string{"address"}}, http.StatusUnprocessableEntity},
		{"write failure", &model.WriteFailure{Rows: 3, Err: errors.New("disk full")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := buildRouter(runReturning(nil, tt.err, nil), &fakeLister{}, nil, 24)
			rr := postRuns(t, h, `{}`)
			assert.Equal(t, tt.want, rr.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestBuildRouter_GetRuns(t *testing.T) {
	lister := &fakeLister{entries: []model.SyncEntry{{ID: "run-1", Status: model.SyncStatusComplete}}}
	h := buildRouter(runReturning(nil, nil, nil), lister, nil, 24)

	req := httptest.NewRequest(http.MethodGet, "/runs?status=complete&limit=5", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, store.SyncFilter{Status: model.SyncStatusComplete, Limit: 5}, lister.filter)

	var body []model.SyncEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "run-1", body[0].ID)
}

func TestBuildRouter_GetRuns_Errors(t *testing.T) {
	h := buildRouter(runReturning(nil, nil, nil), &fakeLister{}, nil, 24)
	req := httptest.NewRequest(http.MethodGet, "/runs?limit=abc", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	h = buildRouter(runReturning(nil, nil, nil), &fakeLister{err: errors.New("db down")}, nil, 24)
	req = httptest.NewRequest(http.MethodGet, "/runs", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "db down")
}

func TestBuildRouter_Metrics(t *testing.T) {
	done := runTime.Add(time.Minute)
	lister := &fakeLister{entries: []model.SyncEntry{
		{ID: "run-2", Status: model.SyncStatusFailed, StartedAt: time.Now().Add(-time.Hour)},
		{ID: "run-1", Status: model.SyncStatusComplete, StartedAt: runTime, CompletedAt: &done},
	}}
	h := buildRouter(runReturning(nil, nil, nil), lister, nil, 24)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, 1, snap.RunsFailed)
	require.NotNil(t, snap.LastSuccessAt)
	assert.Equal(t, done, *snap.LastSuccessAt)

	req = httptest.NewRequest(http.MethodGet, "/metrics?lookback_hours=0", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBuildRouter_CORS(t *testing.T) {
	h := buildRouter(runReturning(nil, nil, nil), &fakeLister{}, []string{"https://ops.example.com"}, 24)

	req := httptest.NewRequest(http.MethodOptions, "/runs", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "https://ops.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestBuildRouter_ServeEndToEnd(t *testing.T) {
	c := testConfig(t)
	st := openTestStore(t, c)
	eng, err := newEngine(c, st)
	require.NoError(t, err)

	path := writeCSV(t, "member_id,name,address,observed_at\n101,Alice Smith,1 Oak St,2024-04-01T10:00:00Z\n")
	c.Server.AllowedFeeds = []string{filepath.Dir(path)}
	h := buildRouter(newRunFunc(c, st, eng), st, nil, 24)

	body, _ := json.Marshal(runRequest{Feed: path})
	rr := postRuns(t, h, string(body))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = postRuns(t, h, string(body))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "already processed")

	outside, _ := json.Marshal(runRequest{Feed: filepath.Join(filepath.Dir(path), "..", "secrets.csv")})
	rr = postRuns(t, h, string(outside))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "not allowed")
}

func TestFeedAllowed(t *testing.T) {
	c := &config.Config{}
	c.Feed.Location = "/srv/feeds/members.csv"
	c.Server.AllowedFeeds = []string{"/data/drops/", "https://feeds.example.com/exports"}

	tests := []struct {
		location string
		want     bool
	}{
		{"", true},
		{"/srv/feeds/members.csv", true},
		{"/data/drops/2024-05-01.csv", true},
		{"/data/drops/nested/members.tsv", true},
		{"/data/drops/../../etc/passwd", false},
		{"/data/dropsy/members.csv", false},
		{"/etc/passwd", false},
		{"members.csv", false},
		{"https://feeds.example.com/exports/members.csv?day=1", true},
		{"https://FEEDS.example.com/exports/m.json", true},
		{"https://feeds.example.com/exports/../admin", false},
		{"https://feeds.example.com/other/members.csv", false},
		{"http://feeds.example.com/exports/members.csv", false},
		{"https://evil.example.com/exports/members.csv", false},
		{"ftp://feeds.example.com/exports/members.csv", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, feedAllowed(tt.location, c), tt.location)
	}

	c.Server.AllowedFeeds = nil
	assert.False(t, feedAllowed("/data/drops/2024-05-01.csv", c))
}
