package model

import "time"

// ConfidenceScore summarises how complete, fresh, and well-corroborated a
// symbol's reconciled data is, on a 0-100 scale.
type ConfidenceScore struct {
	Symbol               string    `json:"symbol"`
	Completeness         float64   `json:"completeness"`
	Freshness            float64   `json:"freshness"`
	Agreement            float64   `json:"agreement"`
	PriorityCompleteness float64   `json:"priority_completeness"`
	Composite            float64   `json:"composite"`
	ComputedAt           time.Time `json:"computed_at"`
	RunID                string    `json:"run_id"`
}

// Confidence dimension weights. They sum to 1; the composite is the
// weighted sum of the four dimensions.
const (
	WeightCompleteness         = 0.40
	WeightFreshness            = 0.30
	WeightAgreement            = 0.15
	WeightPriorityCompleteness = 0.15
)

// Band buckets the composite for display.
func (s *ConfidenceScore) Band() string {
	switch {
	case s.Composite >= 85:
		return "high"
	case s.Composite >= 60:
		return "medium"
	case s.Composite >= 35:
		return "low"
	}
	return "poor"
}
