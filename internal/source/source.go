// Package source defines the adapter contract for upstream data providers
// and the registry the orchestrator selects adapters from.
//
// Every adapter answers each requested field with exactly one of three
// outcomes: an observation, not offered here, or an extraction error.
// That fixed shape is what lets reconciliation tell a source that
// legitimately lacks a field apart from one that failed to produce it.
package source

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/stockpulse/pipeline-cli/internal/model"
)

// Source IDs as they appear in field definitions and run reports.
const (
	SourceBhavcopy  = "bhavcopy"
	SourceFundsAPI  = "fundsapi"
	SourceWebRatios = "webratios"
	SourceHoldings  = "holdings"
	SourceNewsfeed  = "newsfeed"
)

// ErrShape marks a structural extraction failure: the payload arrived but
// no longer matches what the adapter was written against (renamed columns,
// moved page markup, missing response envelope). Shape errors are never
// retried; they need an operator, not another attempt.
var ErrShape = eris.New("source: payload shape changed")

// A Source fetches raw field observations for one symbol from one
// upstream provider.
type Source interface {
	// Name returns the source ID.
	Name() string

	// Cadence is the scheduling cadence of the source as a whole. Sources
	// carrying fields of mixed cadence report their fastest one.
	Cadence() model.Cadence

	// Fields lists every field key this source can produce.
	Fields() []string

	// ShouldRun reports whether a scheduled run should include this source,
	// given the time of its last successful fetch. A nil lastSuccess means
	// the source has never succeeded and is always due.
	ShouldRun(now time.Time, lastSuccess *time.Time) bool

	// Fetch retrieves the requested fields for one symbol. ref anchors the
	// period keys on returned observations. The result must answer every
	// requested field; an unanswered field is an adapter bug, not a signal.
	Fetch(ctx context.Context, symbol string, fields []model.FieldDef, ref time.Time) (*FetchResult, error)
}

// Markers are the per-source fetch markers persisted between runs: an
// HTTP ETag for conditional requests and an adapter-defined cursor.
type Markers struct {
	ETag   string
	Cursor string
}

// MarkedSource is implemented by adapters that carry fetch markers across
// runs. The orchestrator loads markers from source state before a run and
// persists whatever the adapter reports afterward.
type MarkedSource interface {
	SetMarkers(m Markers)
	Markers() Markers
}

// BarProvider is implemented by sources that can hand over full OHLC bars
// for the price history store after a fetch.
type BarProvider interface {
	Bars(symbols []string) []model.PriceBar
}

// FieldResult is one adapter's answer for one requested field.
type FieldResult struct {
	Outcome model.FieldOutcome
	Obs     *model.Observation // set when Outcome is OutcomePresent
	Err     error              // set when Outcome is OutcomeError
}

// FetchResult holds one adapter's answers for one symbol. Keys are field
// keys; every requested field appears exactly once.
type FetchResult struct {
	Symbol string
	ByKey  map[string]FieldResult
}

// NewFetchResult creates an empty result for one symbol.
func NewFetchResult(symbol string) *FetchResult {
	return &FetchResult{
		Symbol: symbol,
		ByKey:  make(map[string]FieldResult),
	}
}

// Add records a present observation.
func (r *FetchResult) Add(obs model.Observation) {
	r.ByKey[obs.FieldKey] = FieldResult{Outcome: model.OutcomePresent, Obs: &obs}
}

// NotOffered records an expected absence for one field.
func (r *FetchResult) NotOffered(key string) {
	r.ByKey[key] = FieldResult{Outcome: model.OutcomeNotOffered}
}

// Fail records an extraction failure for one field.
func (r *FetchResult) Fail(key string, err error) {
	r.ByKey[key] = FieldResult{Outcome: model.OutcomeError, Err: err}
}

// FailAll records the same extraction failure for every given field.
func (r *FetchResult) FailAll(fields []model.FieldDef, err error) {
	for _, f := range fields {
		r.Fail(f.Key, err)
	}
}

// Observations returns the present observations in field-key order.
func (r *FetchResult) Observations() []model.Observation {
	keys := make([]string, 0, len(r.ByKey))
	for k, fr := range r.ByKey {
		if fr.Outcome == model.OutcomePresent {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]model.Observation, 0, len(keys))
	for _, k := range keys {
		out = append(out, *r.ByKey[k].Obs)
	}
	return out
}

// Errors returns the fields that failed extraction, keyed by field key.
func (r *FetchResult) Errors() map[string]error {
	out := make(map[string]error)
	for k, fr := range r.ByKey {
		if fr.Outcome == model.OutcomeError {
			out[k] = fr.Err
		}
	}
	return out
}

// Counts returns how many fields resolved to each outcome.
func (r *FetchResult) Counts() (present, notOffered, failed int) {
	for _, fr := range r.ByKey {
		switch fr.Outcome {
		case model.OutcomePresent:
			present++
		case model.OutcomeNotOffered:
			notOffered++
		case model.OutcomeError:
			failed++
		}
	}
	return present, notOffered, failed
}

// fieldSet builds a membership set from a list of field keys.
func fieldSet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}

// splitOffered answers NotOffered for every requested field outside the
// offered set and returns the ones the adapter has to produce.
func splitOffered(res *FetchResult, offered map[string]bool, fields []model.FieldDef) []model.FieldDef {
	var mine []model.FieldDef
	for _, f := range fields {
		if offered[f.Key] {
			mine = append(mine, f)
		} else {
			res.NotOffered(f.Key)
		}
	}
	return mine
}
