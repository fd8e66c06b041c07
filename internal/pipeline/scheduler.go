package pipeline

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/stockpulse/pipeline-cli/internal/config"
	"github.com/stockpulse/pipeline-cli/internal/model"
	"github.com/stockpulse/pipeline-cli/internal/source"
	"github.com/stockpulse/pipeline-cli/internal/store"
)

// Runner executes pipeline runs. *Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*model.Run, error)
}

// eventPoller is a source that surfaces discrete events instead of
// answering cadence checks. *source.Newsfeed satisfies it.
type eventPoller interface {
	Poll(ctx context.Context) ([]source.Announcement, error)
}

// Scheduler evaluates source cadences on a fixed tick and turns due
// sources, feed announcements, and manual requests into runs on a single
// runner. One scheduler instance owns the cadence state; runs execute one
// at a time on its goroutine.
type Scheduler struct {
	cfg     config.SchedulerConfig
	runner  Runner
	sources *source.Registry
	store   store.Store
	manual  chan RunRequest
}

// NewScheduler builds a scheduler over the runner and source registry.
func NewScheduler(cfg config.SchedulerConfig, runner Runner, sources *source.Registry, st store.Store) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		runner:  runner,
		sources: sources,
		store:   st,
		manual:  make(chan RunRequest, 4),
	}
}

// Enqueue hands a manual or event request to the scheduler loop without
// blocking. It reports false when the queue is full.
func (s *Scheduler) Enqueue(req RunRequest) bool {
	select {
	case s.manual <- req:
		return true
	default:
		return false
	}
}

// Run ticks until the context is cancelled. The first evaluation happens
// immediately so a freshly started scheduler does not sit idle for a full
// interval.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.TickSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log := zap.L().With(zap.String("component", "scheduler"))
	log.Info("scheduler starting", zap.Duration("tick", interval))

	s.primeMarkers(ctx, log)
	s.tick(ctx, log)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopping")
			return ctx.Err()
		case req := <-s.manual:
			s.execute(ctx, log, req)
		case <-ticker.C:
			s.tick(ctx, log)
		}
	}
}

// primeMarkers seeds each marked source with its persisted ETag and
// cursor so a restart does not replay the whole feed as fresh events.
func (s *Scheduler) primeMarkers(ctx context.Context, log *zap.Logger) {
	for _, src := range s.sources.All() {
		ms, ok := src.(source.MarkedSource)
		if !ok {
			continue
		}
		state, err := s.store.GetSourceState(ctx, src.Name())
		if err != nil {
			log.Warn("scheduler: load source state", zap.String("source", src.Name()), zap.Error(err))
			continue
		}
		if state != nil {
			ms.SetMarkers(source.Markers{ETag: state.ETag, Cursor: state.Cursor})
		}
	}
}

// tick evaluates every source. Event-driven sources are polled for
// announcements; the rest answer their cadence check against the last
// recorded success and the due ones share one scheduled run.
func (s *Scheduler) tick(ctx context.Context, log *zap.Logger) {
	now := time.Now().UTC()
	var due []string
	for _, src := range s.sources.All() {
		if p, ok := src.(eventPoller); ok {
			s.pollEvents(ctx, log, src, p)
			continue
		}
		state, err := s.store.GetSourceState(ctx, src.Name())
		if err != nil {
			log.Warn("scheduler: load source state", zap.String("source", src.Name()), zap.Error(err))
			continue
		}
		var last *time.Time
		if state != nil {
			last = state.LastSuccess
		}
		if src.ShouldRun(now, last) {
			due = append(due, src.Name())
		}
	}
	if len(due) == 0 {
		log.Debug("no sources due")
		return
	}
	log.Info("sources due", zap.Strings("sources", due))
	s.execute(ctx, log, RunRequest{Trigger: model.TriggerScheduled, Sources: due})
}

// pollEvents drains fresh announcements from an event source and runs
// the affected tracked symbols across all sources. Markers persist even
// when nothing fresh arrived, so an advanced cursor survives restarts.
func (s *Scheduler) pollEvents(ctx context.Context, log *zap.Logger, src source.Source, p eventPoller) {
	fresh, err := p.Poll(ctx)
	if err != nil {
		log.Error("scheduler: poll events", zap.String("source", src.Name()), zap.Error(err))
		return
	}
	s.persistMarkers(ctx, log, src)
	if len(fresh) == 0 {
		return
	}

	tracked := make(map[string]bool)
	active, err := s.store.ListSymbols(ctx, true)
	if err != nil {
		log.Error("scheduler: list symbols", zap.Error(err))
		return
	}
	for _, sym := range active {
		tracked[sym.Symbol] = true
	}

	seen := make(map[string]bool)
	var symbols []string
	for _, ann := range fresh {
		if !tracked[ann.Symbol] || seen[ann.Symbol] {
			continue
		}
		seen[ann.Symbol] = true
		symbols = append(symbols, ann.Symbol)
	}
	if len(symbols) == 0 {
		log.Debug("no tracked symbols in fresh announcements", zap.Int("announcements", len(fresh)))
		return
	}
	sort.Strings(symbols)
	log.Info("event run triggered",
		zap.String("source", src.Name()),
		zap.Int("announcements", len(fresh)),
		zap.Strings("symbols", symbols))
	s.execute(ctx, log, RunRequest{Trigger: model.TriggerEvent, Symbols: symbols})
}

// persistMarkers writes a marked source's current ETag and cursor back to
// the store, preserving the recorded last success.
func (s *Scheduler) persistMarkers(ctx context.Context, log *zap.Logger, src source.Source) {
	ms, ok := src.(source.MarkedSource)
	if !ok {
		return
	}
	state := store.SourceState{SourceID: src.Name()}
	if existing, err := s.store.GetSourceState(ctx, src.Name()); err == nil && existing != nil {
		state = *existing
	}
	m := ms.Markers()
	state.ETag, state.Cursor = m.ETag, m.Cursor
	if err := s.store.SetSourceState(ctx, state); err != nil {
		log.Warn("scheduler: save source state", zap.String("source", src.Name()), zap.Error(err))
	}
}

// execute runs one request inline on the scheduler goroutine, which
// serializes runs and keeps a slow run from stacking up behind a tick.
func (s *Scheduler) execute(ctx context.Context, log *zap.Logger, req RunRequest) {
	run, err := s.runner.Run(ctx, req)
	if err != nil {
		log.Error("scheduler: run failed", zap.String("trigger", string(req.Trigger)), zap.Error(err))
		return
	}
	log.Info("run complete",
		zap.String("run_id", run.ID),
		zap.String("trigger", string(req.Trigger)),
		zap.String("status", string(run.Status)))
}
