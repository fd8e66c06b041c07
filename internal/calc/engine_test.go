package calc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockpulse/pipeline-cli/internal/model"
)

// testRegistry covers the formula families: plain arithmetic, chained
// derivations, growth against the prior year, and rolling windows.
func testRegistry(t *testing.T) *model.FieldRegistry {
	t.Helper()

	fetched := []string{
		"close", "open", "high", "low", "prev_close", "volume", "trades_count",
		"shares_outstanding", "revenue", "operating_profit", "depreciation",
		"tax_expense", "net_profit", "eps", "total_equity", "total_debt",
		"cash_and_equivalents", "operating_cash_flow", "capital_expenditure",
		"dividend_per_share",
	}
	calculated := []struct {
		key  string
		deps []string
	}{
		{"ebitda", []string{"operating_profit", "depreciation"}},
		{"ebitda_margin", []string{"ebitda", "revenue"}},
		{"pre_tax_profit", []string{"net_profit", "tax_expense"}},
		{"effective_tax_rate", []string{"tax_expense", "pre_tax_profit"}},
		{"net_debt", []string{"total_debt", "cash_and_equivalents"}},
		{"free_cash_flow", []string{"operating_cash_flow", "capital_expenditure"}},
		{"roe", []string{"net_profit", "total_equity"}},
		{"pe_ratio", []string{"close", "eps"}},
		{"peg_ratio", []string{"pe_ratio", "eps_growth_yoy"}},
		{"eps_growth_yoy", []string{"eps"}},
		{"revenue_growth_yoy", []string{"revenue"}},
		{"day_range", []string{"high", "low"}},
		{"day_change_pct", []string{"close", "prev_close"}},
		{"avg_trade_size", []string{"volume", "trades_count"}},
		{"market_cap", []string{"close", "shares_outstanding"}},
		{"market_cap_category", []string{"market_cap"}},
		{"enterprise_value", []string{"market_cap", "total_debt", "cash_and_equivalents"}},
		{"ev_ebitda", []string{"enterprise_value", "ebitda"}},
		{"week52_high", []string{"high"}},
		{"week52_low", []string{"low"}},
		{"pct_from_52w_high", []string{"close", "week52_high"}},
		{"return_1m", []string{"close"}},
		{"return_1y", []string{"close"}},
		{"avg_volume_20d", []string{"volume"}},
		{"volume_ratio", []string{"volume", "avg_volume_20d"}},
		{"dividend_yield", []string{"dividend_per_share", "close"}},
	}

	var defs []model.FieldDef
	id := 1
	for _, key := range fetched {
		defs = append(defs, model.FieldDef{
			ID: id, Key: key, Category: model.CategoryPriceVolume,
			Type: model.TypeNumber, Priority: model.PriorityStandard,
			Cadence: model.CadenceDaily, Sources: []string{"bhavcopy"},
		})
		id++
	}
	for _, c := range calculated {
		defs = append(defs, model.FieldDef{
			ID: id, Key: c.key, Category: model.CategoryRatios,
			Type: model.TypeNumber, Priority: model.PriorityStandard,
			Cadence: model.CadenceDaily, Sources: []string{model.SourceCalc},
			DependsOn: c.deps,
		})
		id++
	}

	reg, err := model.NewFieldRegistry(defs)
	require.NoError(t, err)
	return reg
}

// testBars builds n synthetic ascending bars: close 2000+i, high close+10,
// low close-10, volume 1000*(i+1).
func testBars(n int) []model.PriceBar {
	start := time.Date(2023, time.January, 2, 0, 0, 0, 0, time.UTC)
	bars := make([]model.PriceBar, n)
	for i := range bars {
		c := 2000.0 + float64(i)
		bars[i] = model.PriceBar{
			Symbol: "RELIANCE",
			Date:   start.AddDate(0, 0, i).Format("2006-01-02"),
			Open:   c - 5,
			High:   c + 10,
			Low:    c - 10,
			Close:  c,
			Volume: int64(1000 * (i + 1)),
		}
	}
	return bars
}

func testValues() map[string]any {
	return map[string]any{
		"close":                2940.25,
		"open":                 2900.00,
		"high":                 2955.50,
		"low":                  2888.10,
		"prev_close":           2895.70,
		"volume":               int64(8123456),
		"trades_count":         int64(254321),
		"shares_outstanding":   6766000000.0,
		"revenue":              236500.0,
		"operating_profit":     40000.0,
		"depreciation":         5000.0,
		"tax_expense":          6075.0,
		"net_profit":           17925.0,
		"eps":                  98.20,
		"total_equity":         828000.0,
		"total_debt":           295000.0,
		"cash_and_equivalents": 150000.0,
		"operating_cash_flow":  28000.0,
		"capital_expenditure":  9500.0,
		"dividend_per_share":   9.0,
	}
}

func resNum(t *testing.T, out map[string]Result, key string) float64 {
	t.Helper()
	r, ok := out[key]
	require.True(t, ok, "no result for %s", key)
	require.Empty(t, r.Reason, "unexpected null for %s", key)
	f, ok := model.Float(r.Value)
	require.True(t, ok, "non-numeric value for %s", key)
	return f
}

func TestNew_OrderIsDeterministic(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	e1, err := New(reg)
	require.NoError(t, err)
	e2, err := New(reg)
	require.NoError(t, err)

	assert.Equal(t, e1.Order(), e2.Order())
	assert.Len(t, e1.Order(), len(reg.Calculated()))

	pos := make(map[string]int)
	for i, key := range e1.Order() {
		pos[key] = i
	}
	// Every calculated dependency evaluates before its dependents.
	for _, f := range reg.Calculated() {
		for _, dep := range f.DependsOn {
			if d := reg.ByKey(dep); d != nil && d.Calculated() {
				assert.Less(t, pos[dep], pos[f.Key], "%s should run before %s", dep, f.Key)
			}
		}
	}
}

func TestNew_MissingFormulaFails(t *testing.T) {
	t.Parallel()
	reg, err := model.NewFieldRegistry([]model.FieldDef{
		{ID: 1, Key: "close", Type: model.TypeNumber, Cadence: model.CadenceDaily, Sources: []string{"bhavcopy"}},
		{ID: 2, Key: "bogus_metric", Type: model.TypeNumber, Cadence: model.CadenceDaily, Sources: []string{model.SourceCalc}, DependsOn: []string{"close"}},
	})
	require.NoError(t, err)

	_, err = New(reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no formula registered for calculated field "bogus_metric"`)
}

func TestComputeAll_FullInputs(t *testing.T) {
	t.Parallel()
	e, err := New(testRegistry(t))
	require.NoError(t, err)

	out := e.ComputeAll("RELIANCE", Inputs{
		Values:  testValues(),
		Prior:   map[string]any{"revenue": 215000.0, "eps": 88.0},
		History: testBars(260),
	})

	assert.InDelta(t, 45000.0, resNum(t, out, "ebitda"), 1e-9)
	assert.InDelta(t, 19.03, resNum(t, out, "ebitda_margin"), 1e-9)
	assert.InDelta(t, 24000.0, resNum(t, out, "pre_tax_profit"), 1e-9)
	assert.InDelta(t, 25.31, resNum(t, out, "effective_tax_rate"), 1e-9)
	assert.InDelta(t, 145000.0, resNum(t, out, "net_debt"), 1e-9)
	assert.InDelta(t, 18500.0, resNum(t, out, "free_cash_flow"), 1e-9)
	assert.InDelta(t, 2.16, resNum(t, out, "roe"), 1e-9)
	assert.InDelta(t, 29.94, resNum(t, out, "pe_ratio"), 1e-9)
	assert.InDelta(t, 67.40, resNum(t, out, "day_range"), 1e-9)
	assert.InDelta(t, 1.54, resNum(t, out, "day_change_pct"), 1e-9)
	assert.InDelta(t, 31.94, resNum(t, out, "avg_trade_size"), 1e-9)
	assert.InDelta(t, 0.31, resNum(t, out, "dividend_yield"), 1e-9)

	// 2940.25 * 6.766e9 / 1e7 -> crore
	assert.InDelta(t, 1989373.15, resNum(t, out, "market_cap"), 1e-6)
	assert.Equal(t, "large_cap", out["market_cap_category"].Value)
	assert.InDelta(t, 2134373.15, resNum(t, out, "enterprise_value"), 1e-6)
	assert.InDelta(t, 47.43, resNum(t, out, "ev_ebitda"), 1e-9)

	// growth against the prior-year snapshot
	assert.InDelta(t, 10.0, resNum(t, out, "revenue_growth_yoy"), 1e-9)
	assert.InDelta(t, 11.59, resNum(t, out, "eps_growth_yoy"), 1e-9)
	assert.InDelta(t, 2.58, resNum(t, out, "peg_ratio"), 1e-9)

	// windows over the full 260-bar history carry no flag
	assert.InDelta(t, 2269.0, resNum(t, out, "week52_high"), 1e-9)
	assert.InDelta(t, 1998.0, resNum(t, out, "week52_low"), 1e-9)
	assert.InDelta(t, 29.58, resNum(t, out, "pct_from_52w_high"), 1e-9)
	assert.InDelta(t, 31.38, resNum(t, out, "return_1m"), 1e-9)
	assert.InDelta(t, 46.50, resNum(t, out, "return_1y"), 1e-9)
	assert.InDelta(t, 250500.0, resNum(t, out, "avg_volume_20d"), 1e-9)
	assert.InDelta(t, 32.43, resNum(t, out, "volume_ratio"), 1e-9)
	for _, key := range []string{"week52_high", "return_1y", "avg_volume_20d"} {
		assert.False(t, out[key].InsufficientHistory, "%s flagged on a full window", key)
	}
}

func TestComputeAll_MissingInputPropagatesAsNull(t *testing.T) {
	t.Parallel()
	e, err := New(testRegistry(t))
	require.NoError(t, err)

	values := testValues()
	delete(values, "shares_outstanding")

	out := e.ComputeAll("RELIANCE", Inputs{Values: values, History: testBars(260)})

	// market_cap cannot be computed; everything built on it records the
	// immediate gap, never a zero.
	assert.True(t, out["market_cap"].Null())
	assert.Equal(t, "input_missing: shares_outstanding", out["market_cap"].Reason)
	assert.True(t, out["market_cap_category"].Null())
	assert.Equal(t, "input_missing: market_cap", out["market_cap_category"].Reason)
	assert.True(t, out["enterprise_value"].Null())
	assert.Equal(t, "input_missing: market_cap", out["enterprise_value"].Reason)
	assert.True(t, out["ev_ebitda"].Null())
	assert.Equal(t, "input_missing: enterprise_value", out["ev_ebitda"].Reason)

	// Fields independent of the gap still compute.
	assert.InDelta(t, 45000.0, resNum(t, out, "ebitda"), 1e-9)
	assert.InDelta(t, 29.94, resNum(t, out, "pe_ratio"), 1e-9)
}

func TestComputeAll_ExplicitNilCountsAsMissing(t *testing.T) {
	t.Parallel()
	e, err := New(testRegistry(t))
	require.NoError(t, err)

	values := testValues()
	values["eps"] = nil

	out := e.ComputeAll("RELIANCE", Inputs{Values: values})

	assert.Equal(t, "input_missing: eps", out["pe_ratio"].Reason)
}

func TestComputeAll_MultipleMissingInputsListed(t *testing.T) {
	t.Parallel()
	e, err := New(testRegistry(t))
	require.NoError(t, err)

	values := testValues()
	delete(values, "close")
	delete(values, "eps")

	out := e.ComputeAll("RELIANCE", Inputs{Values: values})

	assert.Equal(t, "input_missing: close, eps", out["pe_ratio"].Reason)
}

func TestComputeAll_DivisionByZero(t *testing.T) {
	t.Parallel()
	e, err := New(testRegistry(t))
	require.NoError(t, err)

	values := testValues()
	values["eps"] = 0.0

	out := e.ComputeAll("RELIANCE", Inputs{Values: values})

	assert.True(t, out["pe_ratio"].Null())
	assert.Equal(t, model.ReasonDivisionByZero, out["pe_ratio"].Reason)
	// peg_ratio sits downstream of the null pe_ratio.
	assert.Equal(t, "input_missing: pe_ratio", out["peg_ratio"].Reason)
}

func TestComputeAll_GrowthWithoutPriorYear(t *testing.T) {
	t.Parallel()
	e, err := New(testRegistry(t))
	require.NoError(t, err)

	out := e.ComputeAll("RELIANCE", Inputs{Values: testValues()})

	assert.True(t, out["revenue_growth_yoy"].Null())
	assert.Equal(t, "input_missing: revenue (prior year)", out["revenue_growth_yoy"].Reason)
	assert.Equal(t, "input_missing: eps (prior year)", out["eps_growth_yoy"].Reason)
}

func TestComputeAll_ShortHistoryFlagsBestEffort(t *testing.T) {
	t.Parallel()
	e, err := New(testRegistry(t))
	require.NoError(t, err)

	out := e.ComputeAll("RELIANCE", Inputs{Values: testValues(), History: testBars(10)})

	// 10 bars: closes 2000..2009, highs 2010..2019, volumes 1000..10000.
	r := out["week52_high"]
	require.False(t, r.Null())
	assert.True(t, r.InsufficientHistory)
	assert.InDelta(t, 2019.0, mustFloat(t, r.Value), 1e-9)

	r = out["return_1m"]
	require.False(t, r.Null())
	assert.True(t, r.InsufficientHistory)
	// Best effort runs from the oldest bar: (2940.25-2000)/2000.
	assert.InDelta(t, 47.01, mustFloat(t, r.Value), 1e-9)

	r = out["avg_volume_20d"]
	require.False(t, r.Null())
	assert.True(t, r.InsufficientHistory)
	assert.InDelta(t, 5500.0, mustFloat(t, r.Value), 1e-9)
}

func TestComputeAll_EmptyHistoryIsNull(t *testing.T) {
	t.Parallel()
	e, err := New(testRegistry(t))
	require.NoError(t, err)

	out := e.ComputeAll("RELIANCE", Inputs{Values: testValues()})

	assert.Equal(t, model.ReasonInsufficientHistory, out["week52_high"].Reason)
	assert.Equal(t, model.ReasonInsufficientHistory, out["return_1y"].Reason)
	assert.Equal(t, model.ReasonInsufficientHistory, out["avg_volume_20d"].Reason)
	// The null window propagates into its dependents as a missing input.
	assert.Equal(t, "input_missing: week52_high", out["pct_from_52w_high"].Reason)
	assert.Equal(t, "input_missing: avg_volume_20d", out["volume_ratio"].Reason)
}

func TestComputeAll_DoesNotMutateInputs(t *testing.T) {
	t.Parallel()
	e, err := New(testRegistry(t))
	require.NoError(t, err)

	values := testValues()
	before := len(values)
	_ = e.ComputeAll("RELIANCE", Inputs{Values: values, History: testBars(30)})

	assert.Len(t, values, before)
	_, leaked := values["market_cap"]
	assert.False(t, leaked, "computed field written back into the caller's map")
}

func mustFloat(t *testing.T, v any) float64 {
	t.Helper()
	f, ok := model.Float(v)
	require.True(t, ok)
	return f
}
