package model

import (
	"strconv"
	"time"
)

// FieldOutcome classifies what a source had to say about one requested field.
type FieldOutcome string

const (
	// OutcomePresent means the source returned a usable value.
	OutcomePresent FieldOutcome = "present"
	// OutcomeNotOffered means the source does not carry this field at all.
	// It is not an error and does not count against the source.
	OutcomeNotOffered FieldOutcome = "not_offered"
	// OutcomeError means the source should have returned the field but the
	// value was missing, unparseable, or failed extraction.
	OutcomeError FieldOutcome = "error"
)

// Observation is one raw value for one field of one symbol as reported by a
// single source during a single run. Observations are immutable once stored;
// reconciliation reads them, never edits them.
type Observation struct {
	Symbol     string    `json:"symbol"`
	FieldKey   string    `json:"field_key"`
	SourceID   string    `json:"source_id"`
	Period     string    `json:"period"`
	Value      any       `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
	RunID      string    `json:"run_id"`
	Attempts   int       `json:"attempts"`
}

// Float returns the observation's value coerced to float64. Strings holding
// numbers coerce too, since CSV-backed sources report everything as text.
func (o *Observation) Float() (float64, bool) {
	return Float(o.Value)
}

// Float coerces a stored field value to float64. Calculation and
// reconciliation both compare values numerically regardless of which Go
// type the source handed over.
func Float(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// Null reasons recorded when a value cannot be produced. They travel with
// the stored row so a blank cell is always distinguishable from "not yet
// fetched".
const (
	ReasonSourceDown          = "source_down"
	ReasonNotOffered          = "not_offered"
	ReasonExtractionFailed    = "extraction_failed"
	ReasonInputMissing        = "input_missing"
	ReasonInsufficientHistory = "insufficient_history"
	ReasonDivisionByZero      = "division_by_zero"
	ReasonUndefined           = "undefined"
	ReasonRejected            = "rejected"
)
