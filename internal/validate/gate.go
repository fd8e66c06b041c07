// Package validate rules staged reconciled values before they commit.
// Structural rules reject, plausibility bounds warn, and staleness of
// already-committed values is reported for alerting. A rejected value is
// never committed, so the previously accepted value stays current.
package validate

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stockpulse/pipeline-cli/internal/config"
	"github.com/stockpulse/pipeline-cli/internal/model"
)

// Bound is one field's plausible range, inclusive on both ends.
type Bound struct {
	Min float64
	Max float64
}

// Gate applies the commit rules to staged values.
type Gate struct {
	reg     *model.FieldRegistry
	bounds  map[string]Bound
	epsilon float64
}

// New builds a Gate over the registry with the configured bounds table.
func New(reg *model.FieldRegistry, cfg config.ValidationConfig) *Gate {
	bounds := make(map[string]Bound, len(cfg.Bounds))
	for key, b := range cfg.Bounds {
		bounds[key] = Bound{Min: b.Min, Max: b.Max}
	}
	eps := cfg.IdentityEpsilon
	if eps <= 0 {
		eps = 0.01
	}
	return &Gate{reg: reg, bounds: bounds, epsilon: eps}
}

// Summary tallies one symbol's gate outcomes.
type Summary struct {
	Accepted int
	Warnings int
	Rejected int
}

// Apply rules every staged value in place and returns the tally. Cross-field
// rules see the whole set, so price bounds and derived identities check the
// other staged values of the same period. Null values pass: a recorded
// absence is a fact, not a claim to verify.
func (g *Gate) Apply(values []*model.ReconciledValue) Summary {
	set := make(map[string]*model.ReconciledValue, len(values))
	for _, v := range values {
		set[v.FieldKey+"|"+v.Period] = v
	}

	var sum Summary
	for _, v := range values {
		g.applyOne(v, set)
		switch v.Gate {
		case model.GateRejected:
			sum.Rejected++
		case model.GateWarning:
			sum.Warnings++
		default:
			sum.Accepted++
		}
	}
	return sum
}

func (g *Gate) applyOne(v *model.ReconciledValue, set map[string]*model.ReconciledValue) {
	if v.Null() {
		v.Gate = model.GateAccepted
		return
	}

	if reason := g.hardReject(v, set); reason != "" {
		v.Gate = model.GateRejected
		v.GateReason = reason
		zap.L().Warn("gate: rejected",
			zap.String("symbol", v.Symbol),
			zap.String("field", v.FieldKey),
			zap.String("period", v.Period),
			zap.String("reason", reason))
		return
	}

	if reason := g.implausible(v); reason != "" {
		v.Gate = model.GateWarning
		v.GateReason = reason
		v.Flags = append(v.Flags, model.FlagOutOfRange)
		zap.L().Debug("gate: accepted with warning",
			zap.String("symbol", v.Symbol),
			zap.String("field", v.FieldKey),
			zap.String("reason", reason))
		return
	}

	v.Gate = model.GateAccepted
}

// hardReject returns the first broken structural rule, or "" when the value
// is structurally sound.
func (g *Gate) hardReject(v *model.ReconciledValue, set map[string]*model.ReconciledValue) string {
	f := g.reg.ByKey(v.FieldKey)
	if f == nil {
		return "field not in registry"
	}

	val, numeric := v.Float()
	if f.Type == model.TypeNumber && !numeric {
		return fmt.Sprintf("%v is not numeric", v.Value)
	}
	if numeric && f.Unit == "count" && val < 0 {
		return fmt.Sprintf("negative count %v", v.Value)
	}
	if numeric {
		if reason := g.priceBounds(v, val, set); reason != "" {
			return reason
		}
		if v.FieldKey == "day_range" {
			if reason := g.rangeIdentity(v, val, set); reason != "" {
				return reason
			}
		}
	}
	return ""
}

// priceBounds enforces low <= open,close <= high within one period's bar.
// Counterparts missing from the staged set leave the rule unevaluated. An
// inverted band rejects both ends, since neither can be trusted.
func (g *Gate) priceBounds(v *model.ReconciledValue, val float64, set map[string]*model.ReconciledValue) string {
	switch v.FieldKey {
	case "low":
		if high, ok := stagedNum(set, "high", v.Period); ok && val > high {
			return fmt.Sprintf("low %.2f above high %.2f", val, high)
		}
	case "high":
		if low, ok := stagedNum(set, "low", v.Period); ok && val < low {
			return fmt.Sprintf("high %.2f below low %.2f", val, low)
		}
	case "open", "close":
		if low, ok := stagedNum(set, "low", v.Period); ok && val < low {
			return fmt.Sprintf("%s %.2f below low %.2f", v.FieldKey, val, low)
		}
		if high, ok := stagedNum(set, "high", v.Period); ok && val > high {
			return fmt.Sprintf("%s %.2f above high %.2f", v.FieldKey, val, high)
		}
	}
	return ""
}

// rangeIdentity checks day_range against high minus low when both ends are
// staged for the same period.
func (g *Gate) rangeIdentity(v *model.ReconciledValue, val float64, set map[string]*model.ReconciledValue) string {
	high, hok := stagedNum(set, "high", v.Period)
	low, lok := stagedNum(set, "low", v.Period)
	if !hok || !lok {
		return ""
	}
	want := high - low
	diff := val - want
	if diff < 0 {
		diff = -diff
	}
	if diff > g.epsilon {
		return fmt.Sprintf("day_range %.2f does not match high - low %.2f", val, want)
	}
	return ""
}

// implausible checks the configured plausible range. Out-of-range values are
// stored and served; the warning travels with them.
func (g *Gate) implausible(v *model.ReconciledValue) string {
	b, ok := g.bounds[v.FieldKey]
	if !ok {
		return ""
	}
	val, numeric := v.Float()
	if !numeric {
		return ""
	}
	if val < b.Min || val > b.Max {
		return fmt.Sprintf("%.2f outside plausible range [%g, %g]", val, b.Min, b.Max)
	}
	return ""
}

func stagedNum(set map[string]*model.ReconciledValue, key, period string) (float64, bool) {
	v, ok := set[key+"|"+period]
	if !ok || v.Null() {
		return 0, false
	}
	return v.Float()
}

// Staleness is one committed value that has outlived its freshness window.
type Staleness struct {
	FieldKey string
	Period   string
	Age      time.Duration
	Critical bool
}

// SweepStale reports which of a symbol's current values are past their
// cadence's freshness window. Critical entries, past twice the window, are
// worth alerting on; plain stale ones only degrade the freshness score.
func (g *Gate) SweepStale(values []model.ReconciledValue, now time.Time) []Staleness {
	var out []Staleness
	for i := range values {
		v := &values[i]
		if v.Null() {
			continue
		}
		f := g.reg.ByKey(v.FieldKey)
		if f == nil || !v.Stale(f, now) {
			continue
		}
		out = append(out, Staleness{
			FieldKey: v.FieldKey,
			Period:   v.Period,
			Age:      now.Sub(v.ObservedAt),
			Critical: v.CriticallyStale(f, now),
		})
	}
	return out
}
