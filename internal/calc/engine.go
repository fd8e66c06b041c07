// Package calc evaluates the registry's calculated fields from the values
// the sources delivered. Formulas run in dependency order, so a ratio built
// on another derived figure always sees that figure already resolved. A
// missing or null input never becomes a zero: the result is a recorded null
// naming what was absent.
package calc

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/stockpulse/pipeline-cli/internal/model"
)

// Result is the outcome of computing one field: a value, a best-effort
// value from a shorter history than the formula wants, or a null carrying
// the reason no value could be produced.
type Result struct {
	Value               any    `json:"value"`
	Reason              string `json:"reason,omitempty"`
	InsufficientHistory bool   `json:"insufficient_history,omitempty"`
}

// Null reports whether the result is a recorded absence.
func (r Result) Null() bool { return r.Value == nil }

// Inputs carries everything formulas may read for one symbol: the current
// resolved field values, the same fields one year earlier for growth
// comparisons, and the price-bar history in ascending date order with the
// run's trading day last when it is available.
type Inputs struct {
	Values  map[string]any
	Prior   map[string]any
	History []model.PriceBar
}

// Engine computes every calculated field of a registry. The evaluation
// order is fixed once at construction; a registry whose calculated fields
// form a cycle, or name a field no formula exists for, fails construction.
type Engine struct {
	reg   *model.FieldRegistry
	order []string
}

// New builds the evaluation order for the registry's calculated fields and
// verifies each one has a registered formula.
func New(reg *model.FieldRegistry) (*Engine, error) {
	for _, f := range reg.Calculated() {
		if _, ok := formulas[f.Key]; !ok {
			return nil, eris.Errorf("calc: no formula registered for calculated field %q", f.Key)
		}
	}
	order, err := buildOrder(reg)
	if err != nil {
		return nil, err
	}
	return &Engine{reg: reg, order: order}, nil
}

// Order returns the evaluation order fixed at construction.
func (e *Engine) Order() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// ComputeAll evaluates every calculated field for one symbol. Each result
// is keyed by field; computed values feed the formulas that depend on
// them, and a null upstream propagates as a null naming the gap.
func (e *Engine) ComputeAll(symbol string, in Inputs) map[string]Result {
	scratch := make(map[string]any, len(in.Values)+len(e.order))
	for k, v := range in.Values {
		if v != nil {
			scratch[k] = v
		}
	}
	c := &fcx{values: scratch, prior: in.Prior, history: in.History}

	out := make(map[string]Result, len(e.order))
	nulls := 0
	for _, key := range e.order {
		f := e.reg.ByKey(key)
		if missing := missingDeps(f, scratch); len(missing) > 0 {
			out[key] = null(model.ReasonInputMissing + ": " + strings.Join(missing, ", "))
			nulls++
			continue
		}
		res := formulas[key](c)
		out[key] = res
		if res.Value != nil {
			scratch[key] = res.Value
		} else {
			nulls++
		}
	}

	zap.L().Debug("computed calculated fields",
		zap.String("symbol", symbol),
		zap.Int("fields", len(out)),
		zap.Int("nulls", nulls))
	return out
}

// missingDeps returns the declared dependencies absent from the resolved
// values, in declaration order.
func missingDeps(f *model.FieldDef, values map[string]any) []string {
	var missing []string
	for _, dep := range f.DependsOn {
		if _, ok := values[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	return missing
}

// fcx is the read surface a formula sees while computing one field.
type fcx struct {
	values  map[string]any
	prior   map[string]any
	history []model.PriceBar
}

// num fetches one resolved value as a float.
func (c *fcx) num(key string) (float64, bool) {
	v, ok := c.values[key]
	if !ok {
		return 0, false
	}
	return model.Float(v)
}

// nums fetches the named values as floats, reporting the first one that is
// present but not numeric. The engine has already handled absent inputs.
func (c *fcx) nums(keys ...string) ([]float64, string) {
	out := make([]float64, len(keys))
	for i, key := range keys {
		v, ok := c.num(key)
		if !ok {
			return nil, key
		}
		out[i] = v
	}
	return out, ""
}

// priorNum fetches one value from the prior-year snapshot as a float.
func (c *fcx) priorNum(key string) (float64, bool) {
	v, ok := c.prior[key]
	if !ok || v == nil {
		return 0, false
	}
	return model.Float(v)
}

func value(v any) Result           { return Result{Value: v} }
func null(reason string) Result    { return Result{Reason: reason} }
func shortWindow(v any) Result     { return Result{Value: v, InsufficientHistory: true} }
func nonNumeric(key string) Result { return null(model.ReasonInputMissing + ": " + key + " not numeric") }

// ratio divides a by b, recording a null when the denominator is zero.
func ratio(a, b float64) Result {
	if b == 0 {
		return null(model.ReasonDivisionByZero)
	}
	return value(round2(a / b))
}

// pct divides a by b and scales to a percentage.
func pct(a, b float64) Result {
	if b == 0 {
		return null(model.ReasonDivisionByZero)
	}
	return value(round2(a / b * 100))
}

// growthPct is the year-over-year change of cur against prev, as a
// percentage of the prior magnitude so a loss-to-profit swing stays signed.
func growthPct(cur, prev float64) Result {
	if prev == 0 {
		return null(model.ReasonDivisionByZero)
	}
	mag := prev
	if mag < 0 {
		mag = -mag
	}
	return value(round2((cur - prev) / mag * 100))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
