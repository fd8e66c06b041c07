package reconcile

import (
	"time"

	"go.uber.org/zap"

	"github.com/stockpulse/pipeline-cli/internal/model"
)

// Scorer summarises a symbol's reconciled values into a confidence score.
type Scorer struct {
	reg *model.FieldRegistry
}

// NewScorer returns a Scorer over the given field registry. The registry
// defines the denominator: every tracked field counts, filled or not.
func NewScorer(reg *model.FieldRegistry) *Scorer {
	return &Scorer{reg: reg}
}

// Score computes the four confidence dimensions and their weighted
// composite, each on a 0-100 scale. A registry with no fields scores zero
// across the board.
func (s *Scorer) Score(symbol string, values []model.ReconciledValue, now time.Time, runID string) *model.ConfidenceScore {
	sc := &model.ConfidenceScore{Symbol: symbol, ComputedAt: now, RunID: runID}
	if len(s.reg.Fields) == 0 {
		return sc
	}

	byKey := make(map[string]*model.ReconciledValue, len(values))
	for i := range values {
		byKey[values[i].FieldKey] = &values[i]
	}

	sc.Completeness = s.scoreCompleteness(byKey)
	sc.Freshness = s.scoreFreshness(byKey, now)
	sc.Agreement = s.scoreAgreement(byKey)
	sc.PriorityCompleteness = s.scorePriorityCompleteness(byKey)
	sc.Composite = model.WeightCompleteness*sc.Completeness +
		model.WeightFreshness*sc.Freshness +
		model.WeightAgreement*sc.Agreement +
		model.WeightPriorityCompleteness*sc.PriorityCompleteness
	return sc
}

// scoreCompleteness is the share of tracked fields carrying a non-null
// reconciled value.
func (s *Scorer) scoreCompleteness(byKey map[string]*model.ReconciledValue) float64 {
	filled := 0
	for i := range s.reg.Fields {
		if v, ok := byKey[s.reg.Fields[i].Key]; ok && !v.Null() {
			filled++
		}
	}
	return float64(filled) / float64(len(s.reg.Fields)) * 100
}

// scoreFreshness averages per-field freshness over every tracked field.
// Missing and null fields contribute zero rather than shrinking the
// denominator, so a sparse symbol cannot look fresh.
func (s *Scorer) scoreFreshness(byKey map[string]*model.ReconciledValue, now time.Time) float64 {
	total := 0.0
	for i := range s.reg.Fields {
		f := &s.reg.Fields[i]
		v, ok := byKey[f.Key]
		if !ok || v.Null() {
			continue
		}
		total += freshnessDecay(f.Cadence.FreshnessWindow(), now.Sub(v.ObservedAt))
	}
	return total / float64(len(s.reg.Fields))
}

// freshnessDecay scores one value's age against its cadence window: full
// credit inside the window, linear decay from 100 to 50 between one and two
// windows, zero past that.
func freshnessDecay(window, age time.Duration) float64 {
	switch {
	case age <= window:
		return 100
	case age <= 2*window:
		return 100 - 50*float64(age-window)/float64(window)
	default:
		return 0
	}
}

// scoreAgreement averages the corroboration bucket of fields reconciled from
// two or more sources. Full agreement (ratio at least 0.95) counts 1.0,
// partial (at least 0.80) counts 0.5, anything lower counts nothing. A
// symbol with no multi-source values gets a neutral 50: nothing corroborated
// and nothing contradicted.
func (s *Scorer) scoreAgreement(byKey map[string]*model.ReconciledValue) float64 {
	total := 0.0
	n := 0
	for i := range s.reg.Fields {
		v, ok := byKey[s.reg.Fields[i].Key]
		if !ok || v.Null() || len(v.Sources) < 2 {
			continue
		}
		n++
		switch {
		case v.Agreement >= 0.95:
			total += 1.0
		case v.Agreement >= 0.80:
			total += 0.5
		}
	}
	if n == 0 {
		return 50
	}
	return total / float64(n) * 100
}

// scorePriorityCompleteness weights each priority tier's fill ratio by its
// tier weight. Metadata-tier fields count in the optional bucket. Tiers the
// registry does not use drop out and the remaining weights are renormalised,
// so a fully populated symbol reaches 100 whatever tiers its registry
// declares.
func (s *Scorer) scorePriorityCompleteness(byKey map[string]*model.ReconciledValue) float64 {
	filled := make(map[model.Priority]int)
	total := make(map[model.Priority]int)
	for i := range s.reg.Fields {
		f := &s.reg.Fields[i]
		p := f.Priority
		if p == model.PriorityMetadata {
			p = model.PriorityOptional
		}
		total[p]++
		if v, ok := byKey[f.Key]; ok && !v.Null() {
			filled[p]++
		}
	}

	tiers := []model.Priority{model.PriorityCritical, model.PriorityImportant, model.PriorityStandard, model.PriorityOptional}
	score := 0.0
	totalWeight := 0.0
	for _, p := range tiers {
		if total[p] == 0 {
			continue
		}
		w := p.Weight()
		totalWeight += w
		score += w * float64(filled[p]) / float64(total[p])
	}
	if totalWeight == 0 {
		zap.L().Warn("reconcile: registry has no weighted priority tiers, priority completeness is zero")
		return 0
	}
	return score / totalWeight * 100
}
