package resilience

import (
	"context"
	"sync"
	"time"
)

// Pacer is the rate-limiting hook the wrapper calls around each attempt.
// It is satisfied by ratelimit.Limiter.
type Pacer interface {
	Wait(ctx context.Context) error
	On429()
	OnSuccess()
}

// Attempt outcomes reported to observers. Transient means the attempt
// failed but will be retried; exhausted means the failure was transient
// but the retry schedule ran out.
const (
	AttemptSuccess   = "success"
	AttemptTransient = "transient"
	AttemptExhausted = "exhausted"
	AttemptPermanent = "permanent"
)

// AttemptEvent describes one attempt of a wrapped operation.
type AttemptEvent struct {
	Source    string
	Operation string
	Attempt   int // 1-based
	Outcome   string
	Err       error
	Latency   time.Duration
}

// Observer receives one AttemptEvent per attempt a wrapper makes.
// Install observers during startup wiring, before traffic.
type Observer func(AttemptEvent)

// Wrapper composes the full resilience stack for one source: the circuit
// breaker gates the whole operation, each attempt waits on the pacer, and
// transient failures retry with exponential backoff. One Execute call that
// exhausts its retries counts as a single failure toward the breaker.
type Wrapper struct {
	source  string
	retry   RetryConfig
	breaker *CircuitBreaker
	pacer   Pacer
	observe Observer
}

// NewWrapper creates a wrapper for one source. pacer may be nil.
func NewWrapper(source string, retry RetryConfig, breaker *CircuitBreaker, pacer Pacer) *Wrapper {
	return &Wrapper{
		source:  source,
		retry:   retry,
		breaker: breaker,
		pacer:   pacer,
	}
}

// Source returns the source ID this wrapper guards.
func (w *Wrapper) Source() string {
	return w.source
}

// SetObserver installs the attempt telemetry hook.
func (w *Wrapper) SetObserver(fn Observer) {
	w.observe = fn
}

// State returns the current circuit state for this source.
func (w *Wrapper) State() CircuitState {
	return w.breaker.State()
}

// Execute runs one logical source operation through the breaker, pacer,
// and retry schedule. Returns ErrCircuitOpen without any network activity
// if the source's circuit is open.
func (w *Wrapper) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	_, err := CallVal(ctx, w, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// CallVal is like Wrapper.Execute but preserves a return value.
func CallVal[T any](ctx context.Context, w *Wrapper, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	return ExecuteVal(ctx, w.breaker, func(ctx context.Context) (T, error) {
		cfg := applyDefaults(w.retry)
		if w.breaker.State() == CircuitHalfOpen {
			// A probe gets exactly one attempt. Retrying a probe would turn
			// recovery testing back into hammering a struggling source.
			cfg.MaxAttempts = 1
		}
		if cfg.OnRetry == nil {
			cfg.OnRetry = RetryLogger(w.source, operation)
		}
		attempt := 0
		return DoVal(ctx, cfg, func(ctx context.Context) (T, error) {
			var zero T
			if w.pacer != nil {
				if err := w.pacer.Wait(ctx); err != nil {
					return zero, err
				}
			}
			attempt++
			start := time.Now()
			val, err := fn(ctx)
			if w.pacer != nil {
				switch {
				case IsRateLimited(err):
					w.pacer.On429()
				case err == nil:
					w.pacer.OnSuccess()
				}
			}
			if w.observe != nil {
				w.observe(AttemptEvent{
					Source:    w.source,
					Operation: operation,
					Attempt:   attempt,
					Outcome:   attemptOutcome(err, attempt, cfg.MaxAttempts),
					Err:       err,
					Latency:   time.Since(start),
				})
			}
			return val, err
		})
	})
}

func attemptOutcome(err error, attempt, maxAttempts int) string {
	switch {
	case err == nil:
		return AttemptSuccess
	case !IsTransient(err):
		return AttemptPermanent
	case attempt >= maxAttempts:
		return AttemptExhausted
	default:
		return AttemptTransient
	}
}

// Wrappers hands out one wrapper per source, sharing the breaker registry
// so circuit state is visible to status surfaces.
type Wrappers struct {
	mu       sync.RWMutex
	wrappers map[string]*Wrapper
	retry    RetryConfig
	breakers *SourceBreakers
	pacerFor func(source string) Pacer
	observer Observer
}

// NewWrappers creates a wrapper registry. pacerFor resolves the rate
// limiter for a source at first use; it may return nil.
func NewWrappers(retry RetryConfig, breakers *SourceBreakers, pacerFor func(source string) Pacer) *Wrappers {
	return &Wrappers{
		wrappers: make(map[string]*Wrapper),
		retry:    retry,
		breakers: breakers,
		pacerFor: pacerFor,
	}
}

// Get returns the wrapper for the named source, creating one if needed.
func (ws *Wrappers) Get(source string) *Wrapper {
	ws.mu.RLock()
	w, ok := ws.wrappers[source]
	ws.mu.RUnlock()
	if ok {
		return w
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if w, ok = ws.wrappers[source]; ok {
		return w
	}
	var pacer Pacer
	if ws.pacerFor != nil {
		pacer = ws.pacerFor(source)
	}
	w = NewWrapper(source, ws.retry, ws.breakers.Get(source), pacer)
	w.observe = ws.observer
	ws.wrappers[source] = w
	return w
}

// Observe installs fn on every wrapper this registry hands out, including
// ones already created.
func (ws *Wrappers) Observe(fn Observer) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.observer = fn
	for _, w := range ws.wrappers {
		w.observe = fn
	}
}

// States returns a snapshot of all known circuit states.
func (ws *Wrappers) States() map[string]CircuitState {
	return ws.breakers.States()
}

// Breaker returns the circuit breaker guarding the named source, creating
// its wrapper if needed. Status surfaces use it to read failure counters
// and to reset a breaker manually.
func (ws *Wrappers) Breaker(source string) *CircuitBreaker {
	return ws.Get(source).breaker
}
