package model

import "time"

// GateStatus is the validation gate's verdict on a reconciled value.
type GateStatus string

const (
	// GateStaged means the value has been reconciled but the validation
	// gate has not ruled on it yet.
	GateStaged GateStatus = "staged"
	// GateAccepted means the value passed all hard rules and range checks.
	GateAccepted GateStatus = "accepted"
	// GateWarning means the value is implausible but structurally sound.
	// It is stored and served, carrying the warning.
	GateWarning GateStatus = "warning"
	// GateRejected means a hard rule failed. The value is not committed; the
	// previous accepted value, if any, remains current.
	GateRejected GateStatus = "rejected"
)

// Flags attached to reconciled rows alongside the gate verdict. The calc
// engine flags best-effort results computed over a short window; the
// validation gate flags implausible but structurally sound values.
const (
	FlagInsufficientHistory = "insufficient_history"
	FlagOutOfRange          = "out_of_range"
)

// ReconciledValue is the single canonical value for one field of one symbol
// in one period, chosen across all contributing source observations.
type ReconciledValue struct {
	Symbol       string     `json:"symbol"`
	FieldKey     string     `json:"field_key"`
	Period       string     `json:"period"`
	Value        any        `json:"value"`
	NullReason   string     `json:"null_reason,omitempty"`
	SourceID     string     `json:"source_id"`
	Sources      []string   `json:"sources,omitempty"`
	Agreement    float64    `json:"agreement"`
	Divergent    bool       `json:"divergent,omitempty"`
	Gate         GateStatus `json:"gate"`
	GateReason   string     `json:"gate_reason,omitempty"`
	Flags        []string   `json:"flags,omitempty"`
	ObservedAt   time.Time  `json:"observed_at"`
	ReconciledAt time.Time  `json:"reconciled_at"`
	RunID        string     `json:"run_id"`
}

// Null reports whether the value is a recorded absence rather than a datum.
func (v *ReconciledValue) Null() bool {
	return v.Value == nil
}

// Float returns the reconciled value coerced to float64.
func (v *ReconciledValue) Float() (float64, bool) {
	return Float(v.Value)
}

// Stale reports whether the value is older than its field's freshness
// window at the given instant.
func (v *ReconciledValue) Stale(f *FieldDef, now time.Time) bool {
	return now.Sub(v.ObservedAt) > f.Cadence.FreshnessWindow()
}

// CriticallyStale reports whether the value is older than twice its field's
// freshness window at the given instant.
func (v *ReconciledValue) CriticallyStale(f *FieldDef, now time.Time) bool {
	return now.Sub(v.ObservedAt) > 2*f.Cadence.FreshnessWindow()
}
