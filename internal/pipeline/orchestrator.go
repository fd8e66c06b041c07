// Package pipeline runs the extraction pipeline end to end: fetch
// observations from every selected source, reconcile them per field and
// period, gate the staged values, commit, and score each symbol's
// confidence. The scheduler in this package turns cadence rules and feed
// events into runs on the same orchestrator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stockpulse/pipeline-cli/internal/calc"
	"github.com/stockpulse/pipeline-cli/internal/config"
	"github.com/stockpulse/pipeline-cli/internal/model"
	"github.com/stockpulse/pipeline-cli/internal/monitoring"
	"github.com/stockpulse/pipeline-cli/internal/ratelimit"
	"github.com/stockpulse/pipeline-cli/internal/reconcile"
	"github.com/stockpulse/pipeline-cli/internal/resilience"
	"github.com/stockpulse/pipeline-cli/internal/source"
	"github.com/stockpulse/pipeline-cli/internal/store"
	"github.com/stockpulse/pipeline-cli/internal/validate"
)

// RunRequest asks the orchestrator for one pipeline run.
type RunRequest struct {
	// Symbols to process. Empty means the active universe from the store.
	Symbols []string
	// Trigger records what started the run.
	Trigger model.Trigger
	// Sources restricts the run to the named source adapters. Empty means
	// every registered source.
	Sources []string
}

// Orchestrator executes pipeline runs: fetch, reconcile, gate, commit,
// score. One Orchestrator serves all triggers; runs are independent.
type Orchestrator struct {
	cfg     *config.Config
	store   store.Store
	reg     *model.FieldRegistry
	sources *source.Registry
	recon   *reconcile.Reconciler
	scorer  *reconcile.Scorer
	gate    *validate.Gate
	engine  *calc.Engine
	events  *monitoring.EventLog
}

// New wires an orchestrator over the store, field registry, and source
// adapters. It installs attempt telemetry on the wrappers so every fetch
// attempt lands in the event log.
func New(cfg *config.Config, st store.Store, reg *model.FieldRegistry, sources *source.Registry, wrappers *resilience.Wrappers) (*Orchestrator, error) {
	engine, err := calc.New(reg)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:     cfg,
		store:   st,
		reg:     reg,
		sources: sources,
		recon:   reconcile.New(cfg.Reconcile.DefaultTolerancePct),
		scorer:  reconcile.NewScorer(reg),
		gate:    validate.New(reg, cfg.Validation),
		engine:  engine,
		events:  monitoring.Events,
	}
	wrappers.Observe(o.recordAttempt)
	return o, nil
}

// DefaultWrappers builds the resilience stack the production adapters run
// behind: adaptive per-source rate limiters from the configured budgets,
// and shared circuit breakers reporting transitions to the event log.
func DefaultWrappers(cfg *config.Config) *resilience.Wrappers {
	limiters := ratelimit.NewRegistry(func(src string) ratelimit.Settings {
		sc := cfg.Sources.ByID(src)
		return ratelimit.Settings{
			RequestsPerMinute: sc.RequestsPerMinute,
			MinDelayMS:        sc.MinDelayMS,
		}
	})
	breakers := resilience.NewSourceBreakers(
		resilience.FromBreakerConfig(cfg.Breaker.FailureThreshold, cfg.Breaker.WindowSecs, cfg.Breaker.CooldownSecs, cfg.Breaker.MaxCooldownSecs),
		func(src string, from, to resilience.CircuitState) {
			switch to {
			case resilience.CircuitOpen:
				monitoring.Events.Record(monitoring.Event{
					Kind:     monitoring.EventBreakerOpen,
					SourceID: src,
					Detail:   from.String() + " -> " + to.String(),
				})
			case resilience.CircuitClosed:
				monitoring.Events.Record(monitoring.Event{
					Kind:     monitoring.EventBreakerClose,
					SourceID: src,
					Detail:   from.String() + " -> " + to.String(),
				})
			}
		},
	)
	retry := resilience.FromRetryConfig(cfg.Retry.MaxRetries, cfg.Retry.BaseDelaySecs, cfg.Retry.MaxDelaySecs, cfg.Retry.JitterFraction)
	return resilience.NewWrappers(retry, breakers, func(src string) resilience.Pacer {
		return limiters.For(src)
	})
}

// recordAttempt forwards wrapper attempt telemetry into the event log.
func (o *Orchestrator) recordAttempt(ev resilience.AttemptEvent) {
	o.events.Record(monitoring.Event{
		Kind:      monitoring.EventFetch,
		SourceID:  ev.Source,
		Attempt:   ev.Attempt,
		Outcome:   ev.Outcome,
		LatencyMS: ev.Latency.Milliseconds(),
		Detail:    ev.Operation,
	})
	if resilience.IsRateLimited(ev.Err) {
		o.events.Record(monitoring.Event{Kind: monitoring.EventRateLimited, SourceID: ev.Source})
	}
}

// Run executes one pipeline run and returns the finished run record.
// Source failures and gate rejections degrade the run to partial rather
// than failing it; only a run where no symbol commits anything fails.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*model.Run, error) {
	symbols := req.Symbols
	if len(symbols) == 0 {
		active, err := o.store.ListSymbols(ctx, true)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: list symbols")
		}
		for _, s := range active {
			symbols = append(symbols, s.Symbol)
		}
	}
	if len(symbols) == 0 {
		return nil, eris.New("pipeline: no symbols to run")
	}

	srcs, err := o.sources.Select(req.Sources)
	if err != nil {
		return nil, err
	}

	run, err := o.store.CreateRun(ctx, req.Trigger, symbols)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("run_id", run.ID))
	log.Info("run starting",
		zap.String("trigger", string(req.Trigger)),
		zap.Int("symbols", len(symbols)),
		zap.Int("sources", len(srcs)))
	o.events.Record(monitoring.Event{Kind: monitoring.EventRunStart, RunID: run.ID, Detail: string(req.Trigger)})

	if err := o.store.UpdateRunStatus(ctx, run.ID, model.RunRunning); err != nil {
		log.Warn("pipeline: update run status", zap.Error(err))
	}

	runCtx := ctx
	if o.cfg.Pipeline.RunDeadlineSecs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(o.cfg.Pipeline.RunDeadlineSecs)*time.Second)
		defer cancel()
	}

	now := time.Now().UTC()
	sum := model.RunSummary{SymbolsRequested: len(symbols)}

	// Fetch phase: all selected sources in parallel, each internally
	// parallel across symbols up to the per-source cap.
	fetchStart := time.Now()
	out := o.fetchPhase(runCtx, run.ID, srcs, symbols, now)
	sum.SourceErrors = int(out.sourceErrs.Load())
	sum.Phases = append(sum.Phases, model.PhaseResult{
		Name:       "fetch",
		Status:     "complete",
		DurationMS: time.Since(fetchStart).Milliseconds(),
		Detail:     fmt.Sprintf("%d sources, %d observations", len(srcs), out.totalObs()),
	})

	// The audit trail and price bars land before any symbol transforms:
	// the calc engine reads the bar history back out of the store.
	if obs := out.allObs(); len(obs) > 0 {
		if err := o.store.SaveObservations(runCtx, obs); err != nil {
			log.Error("pipeline: save observations", zap.Error(err))
		}
	}
	if len(out.bars) > 0 {
		if err := o.store.UpsertPriceBars(runCtx, out.bars); err != nil {
			log.Error("pipeline: save price bars", zap.Error(err))
		}
	}

	asked := askedFields(o.reg, srcs)

	// Transform phase: each symbol is reconciled, gated, committed, and
	// scored by a single owning task.
	commitStart := time.Now()
	outcomes := make([]symbolOutcome, len(symbols))
	g := new(errgroup.Group)
	g.SetLimit(atLeastOne(o.cfg.Pipeline.MaxConcurrentSymbols))
	for i, sym := range symbols {
		g.Go(func() error {
			outcomes[i] = o.processSymbol(runCtx, run.ID, sym, out, asked, now)
			return nil
		})
	}
	_ = g.Wait()

	for _, oc := range outcomes {
		if oc.err != nil {
			sum.SymbolsFailed++
			sum.Manifest = append(sum.Manifest, model.ManifestEntry{
				Symbol: oc.symbol, Status: "failed", Reason: oc.err.Error(),
			})
			continue
		}
		// A symbol counts as committed only when at least one non-null
		// value landed; a sweep of reasoned absences is not a commit.
		if oc.committed > 0 {
			sum.SymbolsCommitted++
		}
		sum.FieldsCommitted += oc.committed
		sum.FieldsMissing += oc.missing + oc.rejected
		sum.FieldsFlagged += oc.flagged
		sum.Manifest = append(sum.Manifest, oc.manifest...)
	}
	sum.Phases = append(sum.Phases, model.PhaseResult{
		Name:       "commit",
		Status:     "complete",
		DurationMS: time.Since(commitStart).Milliseconds(),
		Detail: fmt.Sprintf("%d committed, %d missing, %d flagged",
			sum.FieldsCommitted, sum.FieldsMissing, sum.FieldsFlagged),
	})

	status := runStatus(ctx, &sum)
	errMsg := ""
	switch status {
	case model.RunFailed:
		errMsg = "no symbol committed any values"
	case model.RunCancelled:
		errMsg = ctx.Err().Error()
	}

	// The run record must finalize even when the run context is done.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := o.store.FinishRun(finCtx, run.ID, status, &sum, errMsg); err != nil {
		log.Error("pipeline: finish run", zap.Error(err))
	}
	o.events.Record(monitoring.Event{Kind: monitoring.EventRunFinish, RunID: run.ID, Detail: string(status)})

	log.Info("run finished",
		zap.String("status", string(status)),
		zap.Int("symbols_committed", sum.SymbolsCommitted),
		zap.Int("fields_committed", sum.FieldsCommitted),
		zap.Int("fields_missing", sum.FieldsMissing),
		zap.Int("fields_flagged", sum.FieldsFlagged),
		zap.Int("source_errors", sum.SourceErrors))

	final, err := o.store.GetRun(finCtx, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: reload run")
	}
	return final, nil
}

// runStatus decides the terminal status. Cancellation from the caller
// wins; otherwise the tallies rule: nothing committed is a failure, a
// clean sweep is success, everything in between is partial.
func runStatus(ctx context.Context, sum *model.RunSummary) model.RunStatus {
	if ctx.Err() != nil {
		return model.RunCancelled
	}
	if sum.SymbolsCommitted == 0 {
		return model.RunFailed
	}
	if len(sum.Manifest) == 0 && sum.SymbolsFailed == 0 {
		return model.RunSuccess
	}
	return model.RunPartial
}

// fetchOutput accumulates the fetch phase's results across sources.
type fetchOutput struct {
	mu         sync.Mutex
	obs        map[string][]model.Observation          // symbol -> present observations
	misses     map[string]map[string]map[string]string // symbol -> field -> source -> null reason
	bars       []model.PriceBar
	sourceErrs atomic.Int64
}

func newFetchOutput() *fetchOutput {
	return &fetchOutput{
		obs:    make(map[string][]model.Observation),
		misses: make(map[string]map[string]map[string]string),
	}
}

func (fo *fetchOutput) addObs(symbol string, obs model.Observation) {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	fo.obs[symbol] = append(fo.obs[symbol], obs)
}

func (fo *fetchOutput) addMiss(symbol, field, src, reason string) {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	bySym := fo.misses[symbol]
	if bySym == nil {
		bySym = make(map[string]map[string]string)
		fo.misses[symbol] = bySym
	}
	byField := bySym[field]
	if byField == nil {
		byField = make(map[string]string)
		bySym[field] = byField
	}
	byField[src] = reason
}

func (fo *fetchOutput) addBars(bars []model.PriceBar) {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	fo.bars = append(fo.bars, bars...)
}

func (fo *fetchOutput) observationsFor(symbol string) []model.Observation {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	return fo.obs[symbol]
}

func (fo *fetchOutput) missesFor(symbol string) map[string]map[string]string {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	return fo.misses[symbol]
}

func (fo *fetchOutput) totalObs() int {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	n := 0
	for _, list := range fo.obs {
		n += len(list)
	}
	return n
}

func (fo *fetchOutput) allObs() []model.Observation {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	var out []model.Observation
	for _, list := range fo.obs {
		out = append(out, list...)
	}
	return out
}

// fetchPhase fans out across the run's sources.
func (o *Orchestrator) fetchPhase(ctx context.Context, runID string, srcs []source.Source, symbols []string, now time.Time) *fetchOutput {
	out := newFetchOutput()
	g := new(errgroup.Group)
	g.SetLimit(atLeastOne(o.cfg.Pipeline.MaxConcurrentSources))
	for _, src := range srcs {
		g.Go(func() error {
			o.fetchSource(ctx, runID, src, symbols, now, out)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// fetchSource runs one source across all symbols, bounded by the
// per-source symbol cap. Failures never abort the run; they become
// per-field miss reasons for reconciliation to explain. An open breaker
// rejects each symbol's fetch instantly, so a downed source costs the run
// almost nothing.
func (o *Orchestrator) fetchSource(ctx context.Context, runID string, src source.Source, symbols []string, now time.Time, out *fetchOutput) {
	name := src.Name()
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("source", name), zap.String("run_id", runID))

	defs := o.reg.BySource(name)
	if len(defs) == 0 {
		log.Debug("no registry fields for source")
		return
	}
	fields := make([]model.FieldDef, len(defs))
	keys := make([]string, len(defs))
	for i, f := range defs {
		fields[i] = *f
		keys[i] = f.Key
	}

	if ms, ok := src.(source.MarkedSource); ok {
		state, err := o.store.GetSourceState(ctx, name)
		switch {
		case err != nil:
			log.Warn("pipeline: load source state", zap.Error(err))
		case state != nil:
			ms.SetMarkers(source.Markers{ETag: state.ETag, Cursor: state.Cursor})
		}
	}

	start := time.Now()
	var okSymbols, failedSymbols atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(atLeastOne(o.cfg.Pipeline.MaxConcurrentSymbols))
	for _, sym := range symbols {
		g.Go(func() error {
			res, err := src.Fetch(ctx, sym, fields, now)
			if err != nil {
				failedSymbols.Add(1)
				out.sourceErrs.Add(1)
				reason := model.ReasonExtractionFailed
				if errors.Is(err, resilience.ErrCircuitOpen) || resilience.IsTransient(err) || ctx.Err() != nil {
					reason = model.ReasonSourceDown
				}
				for _, k := range keys {
					out.addMiss(sym, k, name, reason)
				}
				log.Warn("source fetch failed",
					zap.String("symbol", sym),
					zap.String("class", resilience.ClassifyError(err)),
					zap.Error(err))
				return nil
			}
			okSymbols.Add(1)
			for k, fr := range res.ByKey {
				switch fr.Outcome {
				case model.OutcomePresent:
					obs := *fr.Obs
					obs.RunID = runID
					out.addObs(sym, obs)
				case model.OutcomeNotOffered:
					out.addMiss(sym, k, name, model.ReasonNotOffered)
				case model.OutcomeError:
					out.addMiss(sym, k, name, model.ReasonExtractionFailed)
					out.sourceErrs.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if bp, ok := src.(source.BarProvider); ok {
		if bars := bp.Bars(symbols); len(bars) > 0 {
			out.addBars(bars)
		}
	}

	if okSymbols.Load() > 0 {
		fetchedAt := time.Now().UTC()
		state := store.SourceState{SourceID: name, LastSuccess: &fetchedAt, LastRunID: runID}
		if ms, ok := src.(source.MarkedSource); ok {
			m := ms.Markers()
			state.ETag, state.Cursor = m.ETag, m.Cursor
		}
		if err := o.store.SetSourceState(ctx, state); err != nil {
			log.Warn("pipeline: save source state", zap.Error(err))
		}
	}

	log.Info("source fetch complete",
		zap.Int64("symbols_ok", okSymbols.Load()),
		zap.Int64("symbols_failed", failedSymbols.Load()),
		zap.Duration("elapsed", time.Since(start)))
}

// askedFields returns the fetched fields covered by the run's sources,
// keyed by field key. Fields outside this set keep their committed values
// untouched for the run.
func askedFields(reg *model.FieldRegistry, srcs []source.Source) map[string]*model.FieldDef {
	out := make(map[string]*model.FieldDef)
	for _, src := range srcs {
		for _, f := range reg.BySource(src.Name()) {
			out[f.Key] = f
		}
	}
	return out
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
