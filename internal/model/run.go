package model

import "time"

// RunStatus is the terminal (or in-flight) state of a pipeline run.
type RunStatus string

const (
	RunQueued  RunStatus = "queued"
	RunRunning RunStatus = "running"
	// RunSuccess means every requested symbol committed all expected fields.
	RunSuccess RunStatus = "success"
	// RunPartial means at least one symbol committed and at least one field
	// is missing or flagged somewhere.
	RunPartial RunStatus = "partial"
	// RunFailed means no symbol committed any values.
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerEvent     Trigger = "event"
)

// Run is one end-to-end pipeline execution over a set of symbols.
type Run struct {
	ID         string     `json:"id"`
	Trigger    Trigger    `json:"trigger"`
	Symbols    []string   `json:"symbols"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Summary    RunSummary `json:"summary"`
	Error      string     `json:"error,omitempty"`
}

// RunSummary is the fixed-shape tally reported when a run finishes.
type RunSummary struct {
	SymbolsRequested int             `json:"symbols_requested"`
	SymbolsCommitted int             `json:"symbols_committed"`
	SymbolsFailed    int             `json:"symbols_failed"`
	FieldsCommitted  int             `json:"fields_committed"`
	FieldsMissing    int             `json:"fields_missing"`
	FieldsFlagged    int             `json:"fields_flagged"`
	SourceErrors     int             `json:"source_errors"`
	Phases           []PhaseResult   `json:"phases,omitempty"`
	Manifest         []ManifestEntry `json:"manifest,omitempty"`
}

// PhaseResult times one pipeline phase within a run.
type PhaseResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Detail     string `json:"detail,omitempty"`
}

// ManifestEntry names one field that a finished run could not commit
// cleanly, with the reason. Partial runs always carry a manifest.
type ManifestEntry struct {
	Symbol   string `json:"symbol"`
	FieldKey string `json:"field_key"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// Duration returns the run's wall time, or zero if it has not finished.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Finished reports whether the run reached a terminal status.
func (r *Run) Finished() bool {
	switch r.Status {
	case RunSuccess, RunPartial, RunFailed, RunCancelled:
		return true
	}
	return false
}
