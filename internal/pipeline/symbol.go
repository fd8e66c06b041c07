package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/stockpulse/pipeline-cli/internal/calc"
	"github.com/stockpulse/pipeline-cli/internal/model"
	"github.com/stockpulse/pipeline-cli/internal/monitoring"
	"github.com/stockpulse/pipeline-cli/internal/reconcile"
)

// symbolOutcome is one symbol's tally from the transform phase.
type symbolOutcome struct {
	symbol    string
	committed int
	missing   int
	flagged   int
	rejected  int
	manifest  []model.ManifestEntry
	err       error
}

// processSymbol reconciles, gates, commits, and scores a single symbol.
// The symbol's current values feed the calc engine alongside whatever
// this run fetched, so a quarterly field committed last month still
// powers today's daily ratios.
func (o *Orchestrator) processSymbol(ctx context.Context, runID, symbol string, fo *fetchOutput, asked map[string]*model.FieldDef, now time.Time) symbolOutcome {
	oc := symbolOutcome{symbol: symbol}
	if err := ctx.Err(); err != nil {
		oc.err = eris.Wrap(err, "pipeline: symbol skipped")
		return oc
	}
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("symbol", symbol), zap.String("run_id", runID))

	current, err := o.store.CurrentValues(ctx, symbol)
	if err != nil {
		oc.err = eris.Wrapf(err, "pipeline: current values for %s", symbol)
		return oc
	}
	values := make(map[string]any)
	periods := make(map[string]string)
	haveRow := make(map[string]bool)
	for _, v := range current {
		haveRow[v.FieldKey] = true
		if !v.Null() {
			values[v.FieldKey] = v.Value
			periods[v.FieldKey] = v.Period
		}
	}

	var staged []*model.ReconciledValue
	grouped := groupObs(fo.observationsFor(symbol))
	misses := fo.missesFor(symbol)

	askedKeys := make([]string, 0, len(asked))
	for k := range asked {
		askedKeys = append(askedKeys, k)
	}
	sort.Strings(askedKeys)

	for _, key := range askedKeys {
		f := asked[key]
		byPeriod := grouped[key]
		if len(byPeriod) == 0 {
			reason := missReason(misses[key])
			if !haveRow[key] {
				// First sighting of the field and nothing arrived: record
				// the absence so readers see a reasoned null instead of a
				// silent gap.
				staged = append(staged, reconcile.FromMissing(symbol, f, model.PeriodFor(f.Cadence, now), reason, now, runID))
			} else if reason != model.ReasonNotOffered {
				// The committed row stays current; the gap is a manifest
				// entry and the value ages toward staleness on its own.
				oc.missing++
				oc.manifest = append(oc.manifest, model.ManifestEntry{
					Symbol: symbol, FieldKey: key, Status: "missing", Reason: reason,
				})
			}
			continue
		}

		periodKeys := make([]string, 0, len(byPeriod))
		for p := range byPeriod {
			periodKeys = append(periodKeys, p)
		}
		sort.Strings(periodKeys)
		for _, period := range periodKeys {
			v := o.recon.Reconcile(f, period, byPeriod[period], now, runID)
			if v == nil {
				continue
			}
			staged = append(staged, v)
			if v.Divergent {
				o.events.Record(monitoring.Event{
					Kind:     monitoring.EventDivergence,
					SourceID: v.SourceID,
					Symbol:   symbol,
					FieldKey: key,
					RunID:    runID,
					Detail:   divergenceDetail(v),
				})
			}
			if !v.Null() && (periods[key] == "" || v.Period >= periods[key]) {
				values[key] = v.Value
				periods[key] = v.Period
			}
		}
	}

	history, err := o.store.PriceHistory(ctx, symbol, 252)
	if err != nil {
		log.Warn("pipeline: price history", zap.Error(err))
		history = nil
	}
	oldestFirst(history)

	priors := o.loadPriors(ctx, symbol, periods)
	results := o.engine.ComputeAll(symbol, calc.Inputs{Values: values, Prior: priors, History: history})
	for _, key := range o.engine.Order() {
		f := o.reg.ByKey(key)
		if f == nil {
			continue
		}
		period := calcPeriod(o.reg, f, periods, now)
		v := reconcile.FromCalc(symbol, f, period, results[key], now, runID)
		staged = append(staged, v)
		if !v.Null() {
			periods[key] = period
		}
	}

	gateSum := o.gate.Apply(staged)
	log.Debug("gate applied",
		zap.Int("accepted", gateSum.Accepted),
		zap.Int("warnings", gateSum.Warnings),
		zap.Int("rejected", gateSum.Rejected))

	commit := make([]model.ReconciledValue, 0, len(staged))
	for _, v := range staged {
		switch {
		case v.Gate == model.GateRejected:
			oc.rejected++
			oc.manifest = append(oc.manifest, model.ManifestEntry{
				Symbol: symbol, FieldKey: v.FieldKey, Status: "rejected", Reason: v.GateReason,
			})
			o.events.Record(monitoring.Event{
				Kind:     monitoring.EventGateReject,
				SourceID: v.SourceID,
				Symbol:   symbol,
				FieldKey: v.FieldKey,
				RunID:    runID,
				Detail:   v.GateReason,
			})
			continue
		case v.Null():
			oc.missing++
			oc.manifest = append(oc.manifest, model.ManifestEntry{
				Symbol: symbol, FieldKey: v.FieldKey, Status: "missing", Reason: v.NullReason,
			})
		case v.Gate == model.GateWarning || len(v.Flags) > 0:
			oc.flagged++
			oc.committed++
			reason := v.GateReason
			if reason == "" {
				reason = strings.Join(v.Flags, ",")
			}
			oc.manifest = append(oc.manifest, model.ManifestEntry{
				Symbol: symbol, FieldKey: v.FieldKey, Status: "flagged", Reason: reason,
			})
		default:
			oc.committed++
		}
		commit = append(commit, *v)
	}
	if len(commit) > 0 {
		if err := o.store.UpsertReconciled(ctx, commit); err != nil {
			oc.err = eris.Wrapf(err, "pipeline: commit %s", symbol)
			return oc
		}
	}

	final, err := o.store.CurrentValues(ctx, symbol)
	if err != nil {
		oc.err = eris.Wrapf(err, "pipeline: reload values for %s", symbol)
		return oc
	}
	score := o.scorer.Score(symbol, final, now, runID)
	if err := o.store.SaveConfidence(ctx, score); err != nil {
		oc.err = eris.Wrapf(err, "pipeline: save confidence for %s", symbol)
		return oc
	}
	for _, st := range o.gate.SweepStale(final, now) {
		if !st.Critical {
			continue
		}
		o.events.Record(monitoring.Event{
			Kind:     monitoring.EventStale,
			Symbol:   symbol,
			FieldKey: st.FieldKey,
			RunID:    runID,
			Detail:   st.Age.Truncate(time.Hour).String() + " old",
		})
	}

	log.Debug("symbol committed",
		zap.Int("fields", oc.committed),
		zap.Int("missing", oc.missing),
		zap.Int("flagged", oc.flagged),
		zap.Float64("confidence", score.Composite))
	return oc
}

// missReason folds per-source miss reasons into one field-level reason.
// Any extraction failure outranks a downed source, which outranks the
// field simply not being offered.
func missReason(bySource map[string]string) string {
	if len(bySource) == 0 {
		return model.ReasonSourceDown
	}
	reason := model.ReasonNotOffered
	for _, r := range bySource {
		if r == model.ReasonExtractionFailed {
			return model.ReasonExtractionFailed
		}
		if r == model.ReasonSourceDown {
			reason = model.ReasonSourceDown
		}
	}
	return reason
}

// groupObs indexes a symbol's observations by field key and period.
func groupObs(obs []model.Observation) map[string]map[string][]model.Observation {
	out := make(map[string]map[string][]model.Observation)
	for _, ob := range obs {
		byPeriod := out[ob.FieldKey]
		if byPeriod == nil {
			byPeriod = make(map[string][]model.Observation)
			out[ob.FieldKey] = byPeriod
		}
		byPeriod[ob.Period] = append(byPeriod[ob.Period], ob)
	}
	return out
}

// calcPeriod stamps a calculated value with the period of its inputs, so
// day_range computed from Friday's bar lands in Friday's period and
// margins land in the statement quarter. Same-cadence inputs win; any
// input period beats falling back to the calendar.
func calcPeriod(reg *model.FieldRegistry, f *model.FieldDef, periods map[string]string, now time.Time) string {
	best := ""
	for _, depKey := range f.DependsOn {
		dep := reg.ByKey(depKey)
		if dep == nil || dep.Cadence != f.Cadence {
			continue
		}
		if p := periods[depKey]; p > best {
			best = p
		}
	}
	if best == "" {
		for _, depKey := range f.DependsOn {
			if p := periods[depKey]; p > best {
				best = p
			}
		}
	}
	if best == "" {
		best = model.PeriodFor(f.Cadence, now)
	}
	return best
}

// loadPriors fetches the year-ago snapshot for the growth formulas.
func (o *Orchestrator) loadPriors(ctx context.Context, symbol string, periods map[string]string) map[string]any {
	priors := make(map[string]any)
	for _, key := range calc.PriorKeys() {
		period := periods[key]
		if period == "" {
			continue
		}
		prev := model.PrevQuarter(period, 4)
		if prev == "" {
			continue
		}
		v, err := o.store.GetValue(ctx, symbol, key, prev)
		if err != nil || v == nil || v.Null() {
			continue
		}
		priors[key] = v.Value
	}
	return priors
}

// oldestFirst reverses the store's newest-first bar order in place; the
// calc engine expects ascending dates with the trading day last.
func oldestFirst(bars []model.PriceBar) {
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
}

func divergenceDetail(v *model.ReconciledValue) string {
	return fmt.Sprintf("agreement %.2f across %s", v.Agreement, strings.Join(v.Sources, ","))
}
