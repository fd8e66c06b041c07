package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/stockpulse/pipeline-cli/internal/model"
	"github.com/stockpulse/pipeline-cli/internal/monitoring"
	"github.com/stockpulse/pipeline-cli/internal/pipeline"
	"github.com/stockpulse/pipeline-cli/internal/resilience"
	"github.com/stockpulse/pipeline-cli/internal/source"
	"github.com/stockpulse/pipeline-cli/internal/store"
)

// apiServer bundles the collaborators the HTTP handlers read from. Runs
// launched over the API go through the same Runner the scheduler uses.
type apiServer struct {
	store         store.Store
	runner        pipeline.Runner
	sources       *source.Registry
	wrappers      *resilience.Wrappers
	collector     *monitoring.Collector
	events        *monitoring.EventLog
	lookbackHours int
}

// routes builds the chi router for the status API.
func (a *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", a.handleListRuns)
			r.Post("/", a.handleCreateRun)
			r.Get("/{id}", a.handleGetRun)
		})
		r.Get("/status", a.handleStatus)
		r.Route("/symbols", func(r chi.Router) {
			r.Get("/", a.handleListSymbols)
			r.Post("/", a.handleAddSymbol)
			r.Delete("/{symbol}", a.handleRemoveSymbol)
		})
		r.Get("/confidence/{symbol}", a.handleConfidence)
		r.Get("/values/{symbol}", a.handleValues)
		r.Get("/events", a.handleEvents)
		r.Route("/breakers", func(r chi.Router) {
			r.Get("/", a.handleBreakers)
			r.Post("/{source}/reset", a.handleBreakerReset)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *apiServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status:  model.RunStatus(q.Get("status")),
		Trigger: model.Trigger(q.Get("trigger")),
		Limit:   50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.StartedAfter = t
	}

	runs, err := a.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("api list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (a *apiServer) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbols []string `json:"symbols"`
		Sources []string `json:"sources"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The run outlives the request; it is bounded by the pipeline's own
	// run deadline rather than the HTTP request context.
	runCtx := context.WithoutCancel(r.Context())
	go func() {
		run, err := a.runner.Run(runCtx, pipeline.RunRequest{
			Symbols: req.Symbols,
			Trigger: model.TriggerManual,
			Sources: req.Sources,
		})
		if err != nil {
			zap.L().Error("api run failed", zap.Error(err))
			return
		}
		zap.L().Info("api run complete",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
		)
	}()

	resp := map[string]any{"status": "accepted"}
	if len(req.Symbols) > 0 {
		resp["symbols"] = req.Symbols
	}
	if len(req.Sources) > 0 {
		resp["sources"] = req.Sources
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *apiServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type sourceStatus struct {
	Source      string     `json:"source"`
	Breaker     string     `json:"breaker"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastRunID   string     `json:"last_run_id,omitempty"`
}

func (a *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := a.collector.Collect(r.Context(), a.lookbackHours)
	if err != nil {
		zap.L().Error("api status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "collect metrics failed")
		return
	}

	var breakers map[string]resilience.CircuitState
	if a.wrappers != nil {
		breakers = a.wrappers.States()
	}

	sources := make([]sourceStatus, 0, len(a.sources.AllNames()))
	for _, name := range a.sources.AllNames() {
		st := sourceStatus{Source: name, Breaker: breakers[name].String()}
		if state, err := a.store.GetSourceState(r.Context(), name); err == nil && state != nil {
			st.LastSuccess = state.LastSuccess
			st.LastRunID = state.LastRunID
		}
		sources = append(sources, st)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": snap,
		"sources": sources,
	})
}

func (a *apiServer) handleListSymbols(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") != "true"
	syms, err := a.store.ListSymbols(r.Context(), activeOnly)
	if err != nil {
		zap.L().Error("api list symbols failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list symbols failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbols": syms, "count": len(syms)})
}

func (a *apiServer) handleAddSymbol(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
		Name   string `json:"name"`
		ISIN   string `json:"isin"`
		Sector string `json:"sector"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sym := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if sym == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	err := a.store.UpsertSymbol(r.Context(), model.Symbol{
		Symbol: sym,
		Name:   req.Name,
		ISIN:   req.ISIN,
		Sector: req.Sector,
		Active: true,
	})
	if err != nil {
		zap.L().Error("api add symbol failed", zap.String("symbol", sym), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "add symbol failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "symbol": sym})
}

func (a *apiServer) handleRemoveSymbol(w http.ResponseWriter, r *http.Request) {
	sym := strings.ToUpper(chi.URLParam(r, "symbol"))
	if err := a.store.DeleteSymbol(r.Context(), sym); err != nil {
		writeError(w, http.StatusNotFound, "symbol not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "symbol": sym})
}

func (a *apiServer) handleConfidence(w http.ResponseWriter, r *http.Request) {
	sym := strings.ToUpper(chi.URLParam(r, "symbol"))

	if v := r.URL.Query().Get("history"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "history must be a positive integer")
			return
		}
		scores, err := a.store.ConfidenceHistory(r.Context(), sym, n)
		if err != nil {
			zap.L().Error("api confidence history failed", zap.String("symbol", sym), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "confidence history failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"symbol": sym, "history": scores})
		return
	}

	score, err := a.store.GetConfidence(r.Context(), sym)
	if err != nil {
		zap.L().Error("api confidence failed", zap.String("symbol", sym), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get confidence failed")
		return
	}
	if score == nil {
		writeError(w, http.StatusNotFound, "no confidence score for symbol")
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (a *apiServer) handleValues(w http.ResponseWriter, r *http.Request) {
	sym := strings.ToUpper(chi.URLParam(r, "symbol"))
	values, err := a.store.CurrentValues(r.Context(), sym)
	if err != nil {
		zap.L().Error("api values failed", zap.String("symbol", sym), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "current values failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": sym, "values": values, "count": len(values)})
}

type breakerStatus struct {
	Source       string `json:"source"`
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	CooldownSecs int    `json:"cooldown_secs"`
	Probing      bool   `json:"probing,omitempty"`
}

func (a *apiServer) handleBreakers(w http.ResponseWriter, r *http.Request) {
	out := make([]breakerStatus, 0, len(a.sources.AllNames()))
	if a.wrappers != nil {
		for _, name := range a.sources.AllNames() {
			cb := a.wrappers.Breaker(name)
			failures, _, cooldown := cb.Counters()
			out = append(out, breakerStatus{
				Source:       name,
				State:        cb.State().String(),
				Failures:     failures,
				CooldownSecs: int(cooldown.Seconds()),
				Probing:      cb.Probing(),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": out, "count": len(out)})
}

func (a *apiServer) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "source")
	if _, err := a.sources.Get(name); err != nil {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	if a.wrappers == nil {
		writeError(w, http.StatusServiceUnavailable, "resilience layer not initialised")
		return
	}
	a.wrappers.Breaker(name).Reset()
	zap.L().Info("breaker manually reset", zap.String("source", name))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "source": name})
}

func (a *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events := a.events.Recent(limit)
	if kind := q.Get("kind"); kind != "" {
		filtered := events[:0]
		for _, ev := range events {
			if string(ev.Kind) == kind {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
