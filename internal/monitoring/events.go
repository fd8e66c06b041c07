package monitoring

import (
	"sort"
	"sync"
	"time"
)

// EventKind classifies observability events.
type EventKind string

const (
	// EventFetch is one wrapped attempt against a source.
	EventFetch EventKind = "fetch"
	// EventRateLimited records an upstream 429.
	EventRateLimited EventKind = "rate_limited"
	// EventBreakerOpen and EventBreakerClose mark circuit transitions.
	EventBreakerOpen  EventKind = "breaker_open"
	EventBreakerClose EventKind = "breaker_close"
	// EventGateReject records a value refused by the validation gate.
	EventGateReject EventKind = "gate_reject"
	// EventStale records a field served past twice its freshness window.
	EventStale EventKind = "stale"
	// EventDivergence records sources disagreeing beyond tolerance.
	EventDivergence EventKind = "divergence"
	EventRunStart   EventKind = "run_start"
	EventRunFinish  EventKind = "run_finish"
)

// Outcomes for fetch events. A transient outcome means the attempt failed
// but will be retried; exhausted means retries ran out.
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
	OutcomeExhausted = "exhausted"
)

// Event is one observability record. Events carry identifiers and
// outcomes, never field values.
type Event struct {
	Kind      EventKind `json:"kind"`
	SourceID  string    `json:"source_id,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	FieldKey  string    `json:"field_key,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	LatencyMS int64     `json:"latency_ms,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// SourceStats aggregates fetch outcomes for one source since process start.
type SourceStats struct {
	SourceID     string    `json:"source_id"`
	Attempts     int       `json:"attempts"`
	Successes    int       `json:"successes"`
	Failures     int       `json:"failures"`
	RateLimited  int       `json:"rate_limited"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastOutcome  string    `json:"last_outcome,omitempty"`
	LastEventAt  time.Time `json:"last_event_at"`
}

type sourceTally struct {
	SourceStats
	latencySum int64
	latencyN   int
}

// DefaultEventCapacity is the ring size of the process-wide event log.
const DefaultEventCapacity = 512

// Events is the process-wide event log the wrapper, orchestrator, and
// gate record into. Control surfaces read it back out.
var Events = NewEventLog(DefaultEventCapacity)

// EventLog is a fixed-capacity ring of recent events plus running
// per-source tallies. Safe for concurrent use.
type EventLog struct {
	mu      sync.Mutex
	buf     []Event
	next    int
	count   int
	tallies map[string]*sourceTally
}

// NewEventLog creates an event log holding up to capacity recent events.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &EventLog{
		buf:     make([]Event, capacity),
		tallies: make(map[string]*sourceTally),
	}
}

// Record appends an event, stamping At if unset, and folds it into the
// per-source tallies.
func (l *EventLog) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.next] = ev
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}

	if ev.SourceID == "" {
		return
	}
	t := l.tallies[ev.SourceID]
	if t == nil {
		t = &sourceTally{SourceStats: SourceStats{SourceID: ev.SourceID}}
		l.tallies[ev.SourceID] = t
	}
	t.LastEventAt = ev.At

	switch ev.Kind {
	case EventFetch:
		t.Attempts++
		t.LastOutcome = ev.Outcome
		switch ev.Outcome {
		case OutcomeSuccess:
			t.Successes++
		case OutcomePermanent, OutcomeExhausted:
			t.Failures++
		}
		if ev.LatencyMS > 0 {
			t.latencySum += ev.LatencyMS
			t.latencyN++
		}
	case EventRateLimited:
		t.RateLimited++
	}
}

// Recent returns up to n events, newest first. n <= 0 returns everything
// still in the ring.
func (l *EventLog) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > l.count {
		n = l.count
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// CountSince counts ring events of the given kind at or after cutoff.
func (l *EventLog) CountSince(kind EventKind, cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for i := 1; i <= l.count; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		ev := l.buf[idx]
		if ev.Kind == kind && !ev.At.Before(cutoff) {
			n++
		}
	}
	return n
}

// Stats returns per-source tallies sorted by source ID.
func (l *EventLog) Stats() []SourceStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]SourceStats, 0, len(l.tallies))
	for _, t := range l.tallies {
		st := t.SourceStats
		if t.latencyN > 0 {
			st.AvgLatencyMS = float64(t.latencySum) / float64(t.latencyN)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}
