package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"adscout/internal/clock/system"
	"adscout/internal/config"
	"adscout/internal/dispatcher"
	"adscout/internal/orchestrator"
	"adscout/internal/poller"
	"adscout/internal/scout"
	"adscout/internal/storage/memory"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	runIDs []string
	active map[string]bool
	counts scout.QueueSnapshot
}

func (f *fakeDispatcher) Submit(_ context.Context, runID, _ string, _ scout.Kind) (dispatcher.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runIDs = append(f.runIDs, runID)
	if f.active == nil {
		f.active = make(map[string]bool)
	}
	f.active[runID] = true
	f.counts.Waiting++
	f.counts.Total++
	return dispatcher.Result{RunID: runID, Queue: f.counts}, nil
}

func (f *fakeDispatcher) HasJob(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[runID]
}

func (f *fakeDispatcher) Counts() scout.QueueSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts
}

type fixture struct {
	server    *Server
	runs      *memory.RunStore
	creatives *memory.CreativeStore
	dispatch  *fakeDispatcher
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()

	runs := memory.NewRunStore()
	creatives := memory.NewCreativeStore()
	dispatch := &fakeDispatcher{}
	svc := orchestrator.New(runs, creatives, dispatch, nil, nil, system.Clock{}, zap.NewNop())
	return &fixture{
		server:    NewServer(svc, dispatch, nil, cfg, zap.NewNop()),
		runs:      runs,
		creatives: creatives,
		dispatch:  dispatch,
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = doJSON(t, f.server.Handler(), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestScrapeFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	body := `{"run_id":"run-abc","organisation_id":"org-1","kind":"competitor"}`
	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/v1/scrapes", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp orchestrator.ScrapeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-abc", resp.RunID)
	assert.Equal(t, orchestrator.MessageStored, resp.Message)

	// A repeat while incomplete does not dispatch a second job.
	rec = doJSON(t, f.server.Handler(), http.MethodPost, "/v1/scrapes", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, orchestrator.MessageInProgress, resp.Message)
	assert.Equal(t, []string{"run-abc"}, f.dispatch.runIDs)
}

func TestRequestScrapeRejectsBadPayload(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/v1/scrapes", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, f.server.Handler(), http.MethodPost, "/v1/scrapes", `{"run_id":"r","organisation_id":"o","kind":"banner"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetRunAndCreatives(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, f.runs.CreateRun(ctx, scout.Run{RunID: "run-1", OrganisationID: "org-1", Kind: scout.KindSelf, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, f.runs.MarkCompleted(ctx, "run-1", 1, now.Add(time.Minute)))
	_, err := f.creatives.UpsertBatch(ctx, []scout.Creative{{AdArchiveID: "a1", RunID: "run-1", UpdatedAt: now}})
	require.NoError(t, err)

	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/v1/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runResp struct {
		State string    `json:"state"`
		Run   scout.Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runResp))
	assert.Equal(t, "completed", runResp.State)
	assert.Equal(t, 1, runResp.Run.ScrapedCount)

	rec = doJSON(t, f.server.Handler(), http.MethodGet, "/v1/runs/run-1/creatives", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		State     string           `json:"state"`
		Creatives []scout.Creative `json:"creatives"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Equal(t, "completed", listResp.State)
	require.Len(t, listResp.Creatives, 1)
	assert.Equal(t, "a1", listResp.Creatives[0].AdArchiveID)

	rec = doJSON(t, f.server.Handler(), http.MethodGet, "/v1/runs/run-missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, f.server.Handler(), http.MethodGet, "/v1/runs/run-missing/creatives", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueAndPollerEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/v1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap scout.QueueSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Zero(t, snap.Total)

	rec = doJSON(t, f.server.Handler(), http.MethodGet, "/v1/pollers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st poller.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Zero(t, st.Active)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekrit"
	f := newFixture(t, cfg)

	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/v1/queue", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("X-API-Key", "sekrit")
	out := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
