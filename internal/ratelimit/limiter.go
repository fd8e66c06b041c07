// Package ratelimit paces outbound requests per source. Every source gets
// a dual token bucket: a sustained requests-per-minute budget plus a
// minimum spacing between consecutive requests, so a burst quota can never
// be spent in one instant against a host that expects polite crawling.
package ratelimit

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Settings configures one source's limiter.
type Settings struct {
	RequestsPerMinute int
	MinDelayMS        int
}

// Limiter is a dual token bucket with adaptive backoff. On429 halves the
// sustained rate down to a quarter of the configured budget; OnSuccess
// restores it by 20% per call, never past the configured budget.
type Limiter struct {
	mu       sync.Mutex
	budget   *rate.Limiter
	spacing  *rate.Limiter
	baseRate rate.Limit
	minRate  rate.Limit
	current  rate.Limit
	source   string
}

// NewLimiter creates a limiter for one source.
func NewLimiter(source string, s Settings) *Limiter {
	if s.RequestsPerMinute <= 0 {
		s.RequestsPerMinute = 30
	}
	base := rate.Limit(float64(s.RequestsPerMinute) / 60.0)
	l := &Limiter{
		budget:   rate.NewLimiter(base, s.RequestsPerMinute),
		baseRate: base,
		minRate:  base / 4,
		current:  base,
		source:   source,
	}
	if s.MinDelayMS > 0 {
		// Burst 1 makes the spacing bucket a pure inter-request gap.
		l.spacing = rate.NewLimiter(rate.Limit(1000.0/float64(s.MinDelayMS)), 1)
	}
	return l
}

// Wait blocks until both buckets allow a request, or the context ends.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.budget.Wait(ctx); err != nil {
		return eris.Wrapf(err, "ratelimit: %s budget wait", l.source)
	}
	if l.spacing != nil {
		if err := l.spacing.Wait(ctx); err != nil {
			return eris.Wrapf(err, "ratelimit: %s spacing wait", l.source)
		}
	}
	return nil
}

// On429 halves the sustained rate after an upstream throttle response.
func (l *Limiter) On429() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newRate := l.current * 0.5
	if newRate < l.minRate {
		newRate = l.minRate
	}
	l.current = newRate
	l.budget.SetLimit(newRate)
	zap.L().Warn("ratelimit: reducing rate after 429",
		zap.String("source", l.source),
		zap.Float64("new_rate_per_sec", float64(newRate)),
	)
}

// OnSuccess restores the sustained rate by 20%, up to the configured budget.
func (l *Limiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current >= l.baseRate {
		return
	}
	newRate := l.current * 1.2
	if newRate > l.baseRate {
		newRate = l.baseRate
	}
	l.current = newRate
	l.budget.SetLimit(newRate)
}

// Rate returns the current sustained rate in requests per second.
func (l *Limiter) Rate() rate.Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Registry hands out one shared limiter per source ID. Limiters are
// created on first use and live for the process lifetime, so adaptive
// state survives across runs.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	settings func(source string) Settings
}

// NewRegistry creates a registry. The settings func resolves per-source
// configuration at first use.
func NewRegistry(settings func(source string) Settings) *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		settings: settings,
	}
}

// For returns the limiter for the given source, creating it on first use.
func (r *Registry) For(source string) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[source]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[source]; ok {
		return l
	}
	l = NewLimiter(source, r.settings(source))
	r.limiters[source] = l
	return l
}
