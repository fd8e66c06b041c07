// Package reconcile merges per-source observations into one canonical value
// per (symbol, field, period) and scores how trustworthy a symbol's
// reconciled data set is.
//
// Preference follows the field's declared source order: the first declared
// source that produced an observation wins, and every other observation is
// checked against the winner's value. Divergence never blocks a value; it is
// recorded on the row and surfaced for review.
package reconcile

import (
	"reflect"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/stockpulse/pipeline-cli/internal/calc"
	"github.com/stockpulse/pipeline-cli/internal/model"
)

// Reconciler picks canonical values across source observations.
type Reconciler struct {
	defaultTol float64
}

// New returns a Reconciler using the given relative tolerance, in percent,
// for fields that do not override it.
func New(defaultTolerancePct float64) *Reconciler {
	return &Reconciler{defaultTol: defaultTolerancePct}
}

// Reconcile merges one period's observations of a field into a single staged
// value. It returns nil when there are no observations: recording an absence
// is the caller's job, since only the caller knows why nothing arrived.
func (r *Reconciler) Reconcile(f *model.FieldDef, period string, obs []model.Observation, now time.Time, runID string) *model.ReconciledValue {
	if len(obs) == 0 {
		return nil
	}

	ranked := make([]model.Observation, len(obs))
	copy(ranked, obs)
	sort.SliceStable(ranked, func(i, j int) bool {
		return preference(f, ranked[i].SourceID) < preference(f, ranked[j].SourceID)
	})

	top := ranked[0]
	sources := make([]string, len(ranked))
	agree := 0
	for i := range ranked {
		sources[i] = ranked[i].SourceID
		if r.agrees(f, top.Value, ranked[i].Value) {
			agree++
		}
	}

	v := &model.ReconciledValue{
		Symbol:       top.Symbol,
		FieldKey:     f.Key,
		Period:       period,
		Value:        top.Value,
		SourceID:     top.SourceID,
		Sources:      sources,
		Agreement:    float64(agree) / float64(len(ranked)),
		Divergent:    agree < len(ranked),
		Gate:         model.GateStaged,
		ObservedAt:   top.ObservedAt,
		ReconciledAt: now,
		RunID:        runID,
	}
	if v.Divergent {
		zap.L().Debug("sources diverge",
			zap.String("symbol", top.Symbol),
			zap.String("field", f.Key),
			zap.String("period", period),
			zap.Strings("sources", sources),
			zap.Float64("agreement", v.Agreement))
	}
	return v
}

// preference ranks a source by its position in the field's source list.
// Sources the field does not declare sort last, after every declared one.
func preference(f *model.FieldDef, sourceID string) int {
	for i, s := range f.Sources {
		if s == sourceID {
			return i
		}
	}
	return len(f.Sources)
}

// agrees reports whether a candidate value corroborates the canonical one.
// Numeric values agree within the field's relative tolerance; everything
// else must match exactly, with structured payloads compared deeply. A
// canonical zero admits no relative band, so only an exact zero agrees with
// it.
func (r *Reconciler) agrees(f *model.FieldDef, canonical, candidate any) bool {
	if f.Type == model.TypeStructured {
		return reflect.DeepEqual(canonical, candidate)
	}
	cv, cok := model.Float(canonical)
	xv, xok := model.Float(candidate)
	if !cok || !xok {
		return canonical == candidate
	}

	diff := xv - cv
	if diff < 0 {
		diff = -diff
	}
	limit := cv * f.Tolerance(r.defaultTol) / 100
	if limit < 0 {
		limit = -limit
	}
	return diff <= limit
}

// FromCalc wraps a computed result as a calculated field's staged value. The
// calculation engine is the only contributor to calc-sourced fields, so
// there is nothing to corroborate against and agreement is always full.
func FromCalc(symbol string, f *model.FieldDef, period string, res calc.Result, now time.Time, runID string) *model.ReconciledValue {
	v := &model.ReconciledValue{
		Symbol:       symbol,
		FieldKey:     f.Key,
		Period:       period,
		Value:        res.Value,
		NullReason:   res.Reason,
		SourceID:     model.SourceCalc,
		Sources:      []string{model.SourceCalc},
		Agreement:    1,
		Gate:         model.GateStaged,
		ObservedAt:   now,
		ReconciledAt: now,
		RunID:        runID,
	}
	if res.InsufficientHistory {
		v.Flags = append(v.Flags, model.FlagInsufficientHistory)
	}
	return v
}

// FromMissing records that no source produced the field this period. The
// reason mirrors the fetch outcome, e.g. source_down or extraction_failed.
func FromMissing(symbol string, f *model.FieldDef, period, reason string, now time.Time, runID string) *model.ReconciledValue {
	return &model.ReconciledValue{
		Symbol:       symbol,
		FieldKey:     f.Key,
		Period:       period,
		NullReason:   reason,
		Gate:         model.GateStaged,
		ObservedAt:   now,
		ReconciledAt: now,
		RunID:        runID,
	}
}
