//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockpulse/pipeline-cli/internal/model"
	"github.com/stockpulse/pipeline-cli/internal/monitoring"
	"github.com/stockpulse/pipeline-cli/internal/pipeline"
	"github.com/stockpulse/pipeline-cli/internal/resilience"
	"github.com/stockpulse/pipeline-cli/internal/source"
	"github.com/stockpulse/pipeline-cli/internal/store"
)

func newAPIStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// recordingRunner satisfies pipeline.Runner and records the requests it saw.
type recordingRunner struct {
	mu   sync.Mutex
	reqs []pipeline.RunRequest
}

func (r *recordingRunner) Run(_ context.Context, req pipeline.RunRequest) (*model.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return &model.Run{ID: uuid.NewString(), Trigger: req.Trigger, Status: model.RunSuccess}, nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func (r *recordingRunner) last() pipeline.RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[len(r.reqs)-1]
}

// apiStubSource is the minimal Source for registry wiring in API tests.
type apiStubSource struct{ name string }

func (s *apiStubSource) Name() string                         { return s.name }
func (s *apiStubSource) Cadence() model.Cadence               { return model.CadenceDaily }
func (s *apiStubSource) Fields() []string                     { return nil }
func (s *apiStubSource) ShouldRun(time.Time, *time.Time) bool { return false }
func (s *apiStubSource) Fetch(_ context.Context, symbol string, _ []model.FieldDef, _ time.Time) (*source.FetchResult, error) {
	return source.NewFetchResult(symbol), nil
}

func newTestAPI(t *testing.T, st store.Store, srcs ...source.Source) (http.Handler, *recordingRunner) {
	t.Helper()
	runner := &recordingRunner{}
	api := &apiServer{
		store:         st,
		runner:        runner,
		sources:       source.NewRegistry(srcs...),
		collector:     monitoring.NewCollector(st, monitoring.Events),
		events:        monitoring.Events,
		lookbackHours: 24,
	}
	return api.routes(), runner
}

func doJSON(t *testing.T, h http.Handler, method, path string, body []byte) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body == nil {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var decoded map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	}
	return rr, decoded
}

func TestAPI_Health(t *testing.T) {
	h, _ := newTestAPI(t, newAPIStore(t))

	rr, body := doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_RunsListAndGet(t *testing.T) {
	ctx := context.Background()
	st := newAPIStore(t)
	h, _ := newTestAPI(t, st)

	run, err := st.CreateRun(ctx, model.TriggerManual, []string{"INFY"})
	require.NoError(t, err)
	require.NoError(t, st.FinishRun(ctx, run.ID, model.RunSuccess,
		&model.RunSummary{SymbolsRequested: 1, SymbolsCommitted: 1, FieldsCommitted: 40}, ""))

	rr, body := doJSON(t, h, http.MethodGet, "/api/runs", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, body["count"])

	rr, body = doJSON(t, h, http.MethodGet, "/api/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, run.ID, body["id"])
	assert.Equal(t, "success", body["status"])

	rr, _ = doJSON(t, h, http.MethodGet, "/api/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, body = doJSON(t, h, http.MethodGet, "/api/runs?status=failed", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 0, body["count"])

	rr, _ = doJSON(t, h, http.MethodGet, "/api/runs?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_CreateRunAccepted(t *testing.T) {
	st := newAPIStore(t)
	h, runner := newTestAPI(t, st)

	rr, body := doJSON(t, h, http.MethodPost, "/api/runs", []byte(`{"symbols":["INFY","TCS"]}`))
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "accepted", body["status"])

	require.Eventually(t, func() bool { return runner.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	req := runner.last()
	assert.Equal(t, model.TriggerManual, req.Trigger)
	assert.Equal(t, []string{"INFY", "TCS"}, req.Symbols)
	assert.Empty(t, req.Sources)

	// An empty body means a full run over the active universe.
	rr, _ = doJSON(t, h, http.MethodPost, "/api/runs", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	require.Eventually(t, func() bool { return runner.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, runner.last().Symbols)

	rr, _ = doJSON(t, h, http.MethodPost, "/api/runs", []byte("not json"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_Symbols(t *testing.T) {
	st := newAPIStore(t)
	h, _ := newTestAPI(t, st)

	rr, body := doJSON(t, h, http.MethodPost, "/api/symbols",
		[]byte(`{"symbol":"infy","name":"Infosys Ltd","sector":"IT"}`))
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "INFY", body["symbol"])

	rr, body = doJSON(t, h, http.MethodGet, "/api/symbols", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, body["count"])

	rr, _ = doJSON(t, h, http.MethodPost, "/api/symbols", []byte(`{"name":"missing symbol"}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, body = doJSON(t, h, http.MethodDelete, "/api/symbols/INFY", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "deleted", body["status"])

	rr, _ = doJSON(t, h, http.MethodDelete, "/api/symbols/INFY", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, body = doJSON(t, h, http.MethodGet, "/api/symbols", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 0, body["count"])
}

func TestAPI_ValuesAndConfidence(t *testing.T) {
	ctx := context.Background()
	st := newAPIStore(t)
	h, _ := newTestAPI(t, st)

	now := time.Now().UTC()
	require.NoError(t, st.UpsertReconciled(ctx, []model.ReconciledValue{
		{Symbol: "RELIANCE", FieldKey: "close", Period: "2026-08-21", Value: 2940.25,
			SourceID: "bhavcopy", Agreement: 1, Gate: model.GateAccepted,
			ObservedAt: now, ReconciledAt: now, RunID: "r1"},
		{Symbol: "RELIANCE", FieldKey: "eps", Period: "2026Q1", Value: 58.4,
			SourceID: "fundsapi", Agreement: 1, Gate: model.GateAccepted,
			ObservedAt: now, ReconciledAt: now, RunID: "r1"},
	}))
	require.NoError(t, st.SaveConfidence(ctx, &model.ConfidenceScore{
		Symbol: "RELIANCE", Completeness: 0.9, Freshness: 1, Agreement: 1,
		PriorityCompleteness: 1, Composite: 0.94, ComputedAt: now, RunID: "r1",
	}))

	rr, body := doJSON(t, h, http.MethodGet, "/api/values/reliance", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "RELIANCE", body["symbol"])
	assert.EqualValues(t, 2, body["count"])

	rr, body = doJSON(t, h, http.MethodGet, "/api/confidence/RELIANCE", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.InDelta(t, 0.94, body["composite"].(float64), 0.0001)

	rr, _ = doJSON(t, h, http.MethodGet, "/api/confidence/TCS", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, body = doJSON(t, h, http.MethodGet, "/api/confidence/RELIANCE?history=5", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, body["history"], 1)

	rr, _ = doJSON(t, h, http.MethodGet, "/api/confidence/RELIANCE?history=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_Events(t *testing.T) {
	st := newAPIStore(t)
	h, _ := newTestAPI(t, st)

	monitoring.Events.Record(monitoring.Event{Kind: monitoring.EventGateReject, Symbol: "INFY", FieldKey: "pe_ratio"})

	rr, body := doJSON(t, h, http.MethodGet, "/api/events?limit=500&kind=gate_reject", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	events, ok := body["events"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, events)
	for _, raw := range events {
		ev := raw.(map[string]any)
		assert.Equal(t, "gate_reject", ev["kind"])
	}

	rr, _ = doJSON(t, h, http.MethodGet, "/api/events?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_Breakers(t *testing.T) {
	st := newAPIStore(t)
	wrappers := resilience.NewWrappers(resilience.RetryConfig{},
		resilience.NewSourceBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1}, nil), nil)
	api := &apiServer{
		store:         st,
		runner:        &recordingRunner{},
		sources:       source.NewRegistry(&apiStubSource{name: "bhavcopy"}, &apiStubSource{name: "holdings"}),
		wrappers:      wrappers,
		collector:     monitoring.NewCollector(st, monitoring.Events),
		events:        monitoring.Events,
		lookbackHours: 24,
	}
	h := api.routes()

	// One permanent failure trips the threshold-1 holdings breaker.
	boom := eris.New("unexpected archive layout")
	_ = wrappers.Get("holdings").Execute(context.Background(), "fetch",
		func(context.Context) error { return boom })

	rr, body := doJSON(t, h, http.MethodGet, "/api/breakers", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, body["count"])
	breakers, ok := body["breakers"].([]any)
	require.True(t, ok)
	require.Len(t, breakers, 2)

	first := breakers[0].(map[string]any)
	assert.Equal(t, "bhavcopy", first["source"])
	assert.Equal(t, "closed", first["state"])
	assert.EqualValues(t, 0, first["failures"])

	second := breakers[1].(map[string]any)
	assert.Equal(t, "holdings", second["source"])
	assert.Equal(t, "open", second["state"])
	assert.EqualValues(t, 1, second["failures"])

	rr, body = doJSON(t, h, http.MethodPost, "/api/breakers/holdings/reset", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "reset", body["status"])

	rr, body = doJSON(t, h, http.MethodGet, "/api/breakers", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	second = body["breakers"].([]any)[1].(map[string]any)
	assert.Equal(t, "closed", second["state"])
	assert.EqualValues(t, 0, second["failures"])

	rr, _ = doJSON(t, h, http.MethodPost, "/api/breakers/unknown/reset", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// A server wired without the resilience layer reports no breakers.
	bare, _ := newTestAPI(t, st, &apiStubSource{name: "bhavcopy"})
	rr, body = doJSON(t, bare, http.MethodGet, "/api/breakers", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 0, body["count"])
}

func TestAPI_Status(t *testing.T) {
	ctx := context.Background()
	st := newAPIStore(t)
	h, _ := newTestAPI(t, st, &apiStubSource{name: "bhavcopy"}, &apiStubSource{name: "fundsapi"})

	run, err := st.CreateRun(ctx, model.TriggerScheduled, []string{"INFY"})
	require.NoError(t, err)
	require.NoError(t, st.FinishRun(ctx, run.ID, model.RunSuccess,
		&model.RunSummary{SymbolsRequested: 1, SymbolsCommitted: 1}, ""))

	last := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.SetSourceState(ctx, store.SourceState{
		SourceID: "bhavcopy", LastSuccess: &last, LastRunID: run.ID,
	}))

	rr, body := doJSON(t, h, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	metrics, ok := body["metrics"].(map[string]any)
	require.True(t, ok)
	assert.GreaterOrEqual(t, metrics["runs_total"].(float64), 1.0)

	sources, ok := body["sources"].([]any)
	require.True(t, ok)
	require.Len(t, sources, 2)

	first := sources[0].(map[string]any)
	assert.Equal(t, "bhavcopy", first["source"])
	assert.Equal(t, "closed", first["breaker"])
	assert.Equal(t, run.ID, first["last_run_id"])

	second := sources[1].(map[string]any)
	assert.Equal(t, "fundsapi", second["source"])
	assert.Nil(t, second["last_success"])
}
