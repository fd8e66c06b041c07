package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockpulse/pipeline-cli/internal/calc"
	"github.com/stockpulse/pipeline-cli/internal/model"
)

func numField(key string, sources ...string) *model.FieldDef {
	return &model.FieldDef{
		Key:      key,
		Category: model.CategoryPriceVolume,
		Type:     model.TypeNumber,
		Priority: model.PriorityCritical,
		Cadence:  model.CadenceDaily,
		Sources:  sources,
	}
}

func obsAt(symbol, key, source string, value any, at time.Time) model.Observation {
	return model.Observation{
		Symbol:     symbol,
		FieldKey:   key,
		SourceID:   source,
		Period:     "2026-08-21",
		Value:      value,
		ObservedAt: at,
		RunID:      "run-1",
	}
}

func TestReconcile_SingleSourceIsCanonical(t *testing.T) {
	f := numField("close", "bhavcopy")
	observed := time.Date(2026, 8, 21, 18, 0, 0, 0, time.UTC)
	reconciledAt := observed.Add(30 * time.Minute)

	v := New(2.0).Reconcile(f, "2026-08-21",
		[]model.Observation{obsAt("INFY", "close", "bhavcopy", 1834.5, observed)},
		reconciledAt, "run-1")

	require.NotNil(t, v)
	assert.Equal(t, "INFY", v.Symbol)
	assert.Equal(t, "close", v.FieldKey)
	assert.Equal(t, "2026-08-21", v.Period)
	assert.Equal(t, 1834.5, v.Value)
	assert.Equal(t, "bhavcopy", v.SourceID)
	assert.Equal(t, []string{"bhavcopy"}, v.Sources)
	assert.Equal(t, 1.0, v.Agreement)
	assert.False(t, v.Divergent)
	assert.Equal(t, model.GateStaged, v.Gate)
	assert.Equal(t, observed, v.ObservedAt)
	assert.Equal(t, reconciledAt, v.ReconciledAt)
	assert.Equal(t, "run-1", v.RunID)
}

func TestReconcile_Tolerance(t *testing.T) {
	now := time.Date(2026, 8, 21, 18, 0, 0, 0, time.UTC)
	withTol := numField("book_value_per_share", "fundsapi", "webratios")
	withTol.TolerancePct = 5

	strField := numField("sector", "fundsapi", "webratios")
	strField.Type = model.TypeString

	structField := numField("shareholding_pattern", "holdings", "webratios")
	structField.Type = model.TypeStructured

	tests := []struct {
		name      string
		field     *model.FieldDef
		a, b      any
		wantAgree bool
	}{
		{"within default 2pct", numField("close", "bhavcopy", "fundsapi"), 100.0, 101.5, true},
		{"at the 2pct boundary", numField("close", "bhavcopy", "fundsapi"), 100.0, 102.0, true},
		{"beyond default 2pct", numField("close", "bhavcopy", "fundsapi"), 100.0, 110.0, false},
		{"field override widens the band", withTol, 100.0, 104.0, true},
		{"field override still binds", withTol, 100.0, 106.0, false},
		{"negative canonical uses magnitude", numField("net_debt", "fundsapi", "webratios"), -100.0, -101.5, true},
		{"zero canonical admits only zero", numField("pledged_pct", "holdings", "webratios"), 0.0, 0.001, false},
		{"zero matches zero", numField("pledged_pct", "holdings", "webratios"), 0.0, 0.0, true},
		{"int and float coerce", numField("volume", "bhavcopy", "fundsapi"), int64(8123456), 8123456.0, true},
		{"strings need exact match", strField, "IT", "IT", true},
		{"strings differ", strField, "IT", "Technology", false},
		{"structured payloads match deeply", structField,
			map[string]any{"promoter": 50.1, "fii": 24.3}, map[string]any{"promoter": 50.1, "fii": 24.3}, true},
		{"structured payloads differ", structField,
			map[string]any{"promoter": 50.1, "fii": 24.3}, map[string]any{"promoter": 49.8, "fii": 24.3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := []model.Observation{
				obsAt("INFY", tt.field.Key, tt.field.Sources[0], tt.a, now),
				obsAt("INFY", tt.field.Key, tt.field.Sources[1], tt.b, now),
			}
			v := New(2.0).Reconcile(tt.field, "2026-08-21", obs, now, "run-1")
			require.NotNil(t, v)

			// The preferred source is canonical whether or not the rest agree.
			assert.Equal(t, tt.a, v.Value)
			assert.Equal(t, tt.field.Sources[0], v.SourceID)

			if tt.wantAgree {
				assert.False(t, v.Divergent)
				assert.Equal(t, 1.0, v.Agreement)
			} else {
				assert.True(t, v.Divergent)
				assert.Equal(t, 0.5, v.Agreement)
			}
		})
	}
}

func TestReconcile_DivergenceKeepsEverySource(t *testing.T) {
	f := numField("close", "bhavcopy", "fundsapi")
	now := time.Date(2026, 8, 21, 18, 0, 0, 0, time.UTC)

	v := New(2.0).Reconcile(f, "2026-08-21", []model.Observation{
		obsAt("INFY", "close", "bhavcopy", 100.0, now),
		obsAt("INFY", "close", "fundsapi", 110.0, now),
	}, now, "run-1")

	require.NotNil(t, v)
	assert.Equal(t, 100.0, v.Value)
	assert.True(t, v.Divergent)
	assert.Equal(t, []string{"bhavcopy", "fundsapi"}, v.Sources)
}

func TestReconcile_PreferenceFollowsFieldSourceOrder(t *testing.T) {
	f := numField("eps", "fundsapi", "webratios")
	now := time.Date(2026, 8, 21, 18, 0, 0, 0, time.UTC)

	// Arrival order is webratios first; the field prefers fundsapi.
	v := New(2.0).Reconcile(f, "2026Q1", []model.Observation{
		obsAt("INFY", "eps", "webratios", 88.0, now.Add(-time.Hour)),
		obsAt("INFY", "eps", "fundsapi", 98.2, now),
	}, now, "run-1")

	require.NotNil(t, v)
	assert.Equal(t, 98.2, v.Value)
	assert.Equal(t, "fundsapi", v.SourceID)
	assert.Equal(t, []string{"fundsapi", "webratios"}, v.Sources)
	assert.Equal(t, now, v.ObservedAt) // timestamp follows the winning observation
}

func TestReconcile_UndeclaredSourceRanksLast(t *testing.T) {
	f := numField("promoter_holding", "holdings", "webratios")
	now := time.Date(2026, 8, 21, 18, 0, 0, 0, time.UTC)

	v := New(2.0).Reconcile(f, "2026Q1", []model.Observation{
		obsAt("INFY", "promoter_holding", "manual", 49.0, now),
		obsAt("INFY", "promoter_holding", "webratios", 50.1, now),
	}, now, "run-1")

	require.NotNil(t, v)
	assert.Equal(t, 50.1, v.Value)
	assert.Equal(t, "webratios", v.SourceID)
	assert.Equal(t, []string{"webratios", "manual"}, v.Sources)
}

func TestReconcile_ThreeSourcePartialAgreement(t *testing.T) {
	f := numField("eps", "fundsapi", "webratios", "manual")
	now := time.Date(2026, 8, 21, 18, 0, 0, 0, time.UTC)

	v := New(2.0).Reconcile(f, "2026Q1", []model.Observation{
		obsAt("INFY", "eps", "fundsapi", 100.0, now),
		obsAt("INFY", "eps", "webratios", 101.0, now), // within 2%
		obsAt("INFY", "eps", "manual", 110.0, now),    // out of band
	}, now, "run-1")

	require.NotNil(t, v)
	assert.Equal(t, 100.0, v.Value)
	assert.True(t, v.Divergent)
	assert.InDelta(t, 2.0/3.0, v.Agreement, 1e-9)
}

func TestReconcile_NoObservationsIsNil(t *testing.T) {
	f := numField("close", "bhavcopy")
	now := time.Now().UTC()

	v := New(2.0).Reconcile(f, "2026-08-21", nil, now, "run-1")
	assert.Nil(t, v)
}

func TestFromCalc_WrapsResult(t *testing.T) {
	f := numField("pe_ratio", model.SourceCalc)
	now := time.Date(2026, 8, 21, 18, 0, 0, 0, time.UTC)

	v := FromCalc("INFY", f, "2026-08-21", calc.Result{Value: 24.5}, now, "run-1")

	require.NotNil(t, v)
	assert.Equal(t, 24.5, v.Value)
	assert.Equal(t, model.SourceCalc, v.SourceID)
	assert.Equal(t, []string{model.SourceCalc}, v.Sources)
	assert.Equal(t, 1.0, v.Agreement)
	assert.Equal(t, model.GateStaged, v.Gate)
	assert.Empty(t, v.Flags)
	assert.Equal(t, now, v.ObservedAt)
}

func TestFromCalc_FlagsShortHistory(t *testing.T) {
	f := numField("week52_high", model.SourceCalc)
	now := time.Date(2026, 8, 21, 18, 0, 0, 0, time.UTC)

	v := FromCalc("INFY", f, "2026-08-21", calc.Result{Value: 2269.0, InsufficientHistory: true}, now, "run-1")

	require.NotNil(t, v)
	assert.Equal(t, 2269.0, v.Value)
	assert.Equal(t, []string{model.FlagInsufficientHistory}, v.Flags)
}

func TestFromCalc_NullReasonCarries(t *testing.T) {
	f := numField("pe_ratio", model.SourceCalc)
	now := time.Date(2026, 8, 21, 18, 0, 0, 0, time.UTC)

	v := FromCalc("INFY", f, "2026-08-21", calc.Result{Reason: model.ReasonDivisionByZero}, now, "run-1")

	require.NotNil(t, v)
	assert.True(t, v.Null())
	assert.Equal(t, model.ReasonDivisionByZero, v.NullReason)
	assert.Equal(t, model.GateStaged, v.Gate)
}

func TestFromMissing_RecordsAbsence(t *testing.T) {
	f := numField("revenue", "fundsapi")
	now := time.Date(2026, 8, 21, 18, 0, 0, 0, time.UTC)

	v := FromMissing("INFY", f, "2026Q1", model.ReasonSourceDown, now, "run-1")

	require.NotNil(t, v)
	assert.True(t, v.Null())
	assert.Equal(t, model.ReasonSourceDown, v.NullReason)
	assert.Empty(t, v.SourceID)
	assert.Empty(t, v.Sources)
	assert.Equal(t, model.GateStaged, v.Gate)
	assert.Equal(t, "run-1", v.RunID)
}
