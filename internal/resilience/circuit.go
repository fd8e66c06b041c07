// Package resilience provides circuit breaker and retry patterns for
// upstream source calls.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state. Requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the source is considered down. Requests are
	// rejected immediately without touching the network.
	CircuitOpen
	// CircuitHalfOpen allows a single probe request to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures within Window
	// that opens the circuit. Default: 3.
	FailureThreshold int

	// Window is the rolling interval failures are counted over. Failures
	// older than this no longer count toward the threshold. Default: 1h.
	Window time.Duration

	// Cooldown is how long the circuit stays open before allowing a probe.
	// Each failed probe doubles the current cooldown up to MaxCooldown; a
	// successful probe resets it. Default: 5m.
	Cooldown time.Duration

	// MaxCooldown caps the doubled cooldown. Default: 1h.
	MaxCooldown time.Duration

	// ShouldTrip optionally overrides which errors count as failures.
	// If nil, every non-nil error counts.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		Window:           time.Hour,
		Cooldown:         5 * time.Minute,
		MaxCooldown:      time.Hour,
	}
}

// CircuitBreaker implements the circuit breaker pattern for a single source.
//
// A failure here means one fully retried operation that still did not
// succeed, so the breaker reacts to sustained outages rather than to
// individual flaky requests.
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	// failureTimes holds the timestamps of the current consecutive failure
	// streak, pruned to cfg.Window. A success clears it.
	failureTimes  []time.Time
	openedAt      time.Time
	cooldown      time.Duration
	probeInFlight bool

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	return &CircuitBreaker{
		cfg:      cfg,
		state:    CircuitClosed,
		cooldown: cfg.Cooldown,
		nowFunc:  time.Now,
	}
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen
// without invoking fn if the circuit is open, or if a half-open probe is
// already in flight. On success the failure streak resets; on failure it
// grows and may open the circuit.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allowRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.recordResult(err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allowRequest(); err != nil {
		return zero, err
	}

	val, err := fn(ctx)
	cb.recordResult(err)
	return val, err
}

// State returns the current circuit state. An open circuit whose cooldown
// has elapsed reports half-open; the transition itself happens when the
// next request asks to proceed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// Probing reports whether a half-open probe is currently in flight.
func (cb *CircuitBreaker) Probing() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == CircuitHalfOpen && cb.probeInFlight
}

// Reset forces the circuit back to closed state and restores the initial
// cooldown. Useful for tests or manual recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	old := cb.state
	cb.state = CircuitClosed
	cb.failureTimes = nil
	cb.cooldown = cb.cfg.Cooldown
	cb.probeInFlight = false
	if old != CircuitClosed && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(old, CircuitClosed)
	}
}

// Counters returns the current failure streak length, state, and cooldown
// for observability.
func (cb *CircuitBreaker) Counters() (failures int, state CircuitState, cooldown time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.failureTimes), cb.state, cb.cooldown
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.nowFunc().Sub(cb.openedAt) >= cb.cooldown {
			cb.transition(CircuitHalfOpen)
			cb.probeInFlight = true
			return nil // Allow the single probe.
		}
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.probeInFlight {
			return ErrCircuitOpen
		}
		cb.probeInFlight = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	shouldTrip := cb.cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = func(e error) bool { return e != nil }
	}

	if err == nil || !shouldTrip(err) {
		// Success.
		switch cb.state {
		case CircuitHalfOpen:
			cb.transition(CircuitClosed)
			cb.failureTimes = nil
			cb.cooldown = cb.cfg.Cooldown
			cb.probeInFlight = false
		case CircuitClosed:
			cb.failureTimes = nil
		}
		return
	}

	// Failure.
	now := cb.nowFunc()
	cb.failureTimes = append(cb.failureTimes, now)
	cb.pruneFailures(now)

	switch cb.state {
	case CircuitClosed:
		if len(cb.failureTimes) >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
			cb.openedAt = now
		}
	case CircuitHalfOpen:
		// Failed probe: reopen and double the cooldown.
		cb.transition(CircuitOpen)
		cb.openedAt = now
		cb.probeInFlight = false
		cb.cooldown *= 2
		if cb.cooldown > cb.cfg.MaxCooldown {
			cb.cooldown = cb.cfg.MaxCooldown
		}
	}
}

// pruneFailures drops streak entries older than the rolling window.
// Caller must hold cb.mu.
func (cb *CircuitBreaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-cb.cfg.Window)
	i := 0
	for i < len(cb.failureTimes) && cb.failureTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.failureTimes = cb.failureTimes[i:]
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// SourceBreakers manages circuit breakers for multiple sources.
type SourceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
	onChange func(source string, from, to CircuitState)
}

// NewSourceBreakers creates a registry of per-source circuit breakers.
// onChange, if non-nil, is invoked with the source ID on every transition.
func NewSourceBreakers(cfg CircuitBreakerConfig, onChange func(source string, from, to CircuitState)) *SourceBreakers {
	return &SourceBreakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		onChange: onChange,
	}
}

// Get returns the circuit breaker for the named source, creating one if needed.
func (sb *SourceBreakers) Get(source string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[source]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	// Double-check after acquiring write lock.
	if cb, ok = sb.breakers[source]; ok {
		return cb
	}
	cfg := sb.cfg
	if sb.onChange != nil {
		cfg.OnStateChange = func(from, to CircuitState) {
			sb.onChange(source, from, to)
		}
	}
	cb = NewCircuitBreaker(cfg)
	sb.breakers[source] = cb
	return cb
}

// States returns a snapshot of all circuit breaker states.
func (sb *SourceBreakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	states := make(map[string]CircuitState, len(sb.breakers))
	for name, cb := range sb.breakers {
		states[name] = cb.State()
	}
	return states
}
