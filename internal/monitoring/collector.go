package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/stockpulse/pipeline-cli/internal/model"
	"github.com/stockpulse/pipeline-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal   int     `json:"runs_total"`
	RunsSuccess int     `json:"runs_success"`
	RunsPartial int     `json:"runs_partial"`
	RunsFailed  int     `json:"runs_failed"`
	RunsQueued  int     `json:"runs_queued"`
	RunsRunning int     `json:"runs_running"`
	RunFailRate float64 `json:"run_fail_rate"`
	AvgRunSecs  float64 `json:"avg_run_secs"`

	// Field tallies summed over finished runs in the window.
	FieldsCommitted int `json:"fields_committed"`
	FieldsMissing   int `json:"fields_missing"`
	FieldsFlagged   int `json:"fields_flagged"`
	SourceErrors    int `json:"source_errors"`

	// Critically stale fields served within the window.
	StaleAlerts int `json:"stale_alerts"`

	// Per-source fetch tallies since process start.
	Sources []SourceStats `json:"sources,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store and the event log.
type Collector struct {
	store  store.Store
	events *EventLog
}

// NewCollector creates a new metrics collector. events may be nil when no
// event log is wired in (one-shot CLI invocations).
func NewCollector(st store.Store, events *EventLog) *Collector {
	return &Collector{store: st, events: events}
}

// Collect gathers a snapshot of pipeline metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		StartedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	var totalRunSecs float64
	var timedRuns int

	for _, r := range runs {
		switch r.Status {
		case model.RunSuccess:
			snap.RunsSuccess++
		case model.RunPartial:
			snap.RunsPartial++
		case model.RunFailed:
			snap.RunsFailed++
		case model.RunQueued:
			snap.RunsQueued++
		case model.RunRunning:
			snap.RunsRunning++
		}
		if r.FinishedAt != nil {
			totalRunSecs += r.Duration().Seconds()
			timedRuns++
		}
		snap.FieldsCommitted += r.Summary.FieldsCommitted
		snap.FieldsMissing += r.Summary.FieldsMissing
		snap.FieldsFlagged += r.Summary.FieldsFlagged
		snap.SourceErrors += r.Summary.SourceErrors
	}

	finished := snap.RunsSuccess + snap.RunsPartial + snap.RunsFailed
	if finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if timedRuns > 0 {
		snap.AvgRunSecs = totalRunSecs / float64(timedRuns)
	}

	if c.events != nil {
		snap.Sources = c.events.Stats()
		snap.StaleAlerts = c.events.CountSince(EventStale, cutoff)
	}

	return snap, nil
}
