package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFields() []FieldDef {
	return []FieldDef{
		{ID: 1, Key: "close_price", Category: CategoryPriceVolume, Type: TypeNumber, Priority: PriorityCritical, Cadence: CadenceDaily, Sources: []string{"bhavcopy", "fundsapi"}},
		{ID: 2, Key: "volume", Category: CategoryPriceVolume, Type: TypeNumber, Priority: PriorityImportant, Cadence: CadenceDaily, Sources: []string{"bhavcopy"}},
		{ID: 3, Key: "shares_outstanding", Category: CategoryIdentity, Type: TypeNumber, Priority: PriorityImportant, Cadence: CadenceQuarterly, Sources: []string{"fundsapi"}},
		{ID: 4, Key: "market_cap", Category: CategoryValuation, Type: TypeNumber, Priority: PriorityCritical, Cadence: CadenceDaily, Sources: []string{SourceCalc}, DependsOn: []string{"close_price", "shares_outstanding"}},
	}
}

func TestNewFieldRegistry(t *testing.T) {
	t.Parallel()

	reg, err := NewFieldRegistry(testFields())
	require.NoError(t, err)

	t.Run("ByKey returns correct definition", func(t *testing.T) {
		t.Parallel()
		f := reg.ByKey("close_price")
		require.NotNil(t, f)
		assert.Equal(t, 1, f.ID)
		assert.Equal(t, CategoryPriceVolume, f.Category)
	})

	t.Run("ByKey returns nil for unknown key", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, reg.ByKey("nonexistent"))
	})

	t.Run("ByID returns correct definition", func(t *testing.T) {
		t.Parallel()
		f := reg.ByID(3)
		require.NotNil(t, f)
		assert.Equal(t, "shares_outstanding", f.Key)
	})

	t.Run("BySource groups fetched fields", func(t *testing.T) {
		t.Parallel()
		fields := reg.BySource("bhavcopy")
		require.Len(t, fields, 2)
		assert.Equal(t, "close_price", fields[0].Key)
		assert.Equal(t, "volume", fields[1].Key)
	})

	t.Run("Calculated and Fetched partition the registry", func(t *testing.T) {
		t.Parallel()
		assert.Len(t, reg.Calculated(), 1)
		assert.Len(t, reg.Fetched(), 3)
		assert.Equal(t, "market_cap", reg.Calculated()[0].Key)
	})

	t.Run("SourceIDs excludes calc", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, []string{"bhavcopy", "fundsapi"}, reg.SourceIDs())
	})
}

func TestNewFieldRegistryRejectsBadDefinitions(t *testing.T) {
	t.Parallel()

	t.Run("duplicate key", func(t *testing.T) {
		t.Parallel()
		_, err := NewFieldRegistry([]FieldDef{
			{ID: 1, Key: "close_price", Sources: []string{"bhavcopy"}},
			{ID: 2, Key: "close_price", Sources: []string{"fundsapi"}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate field key")
	})

	t.Run("duplicate id", func(t *testing.T) {
		t.Parallel()
		_, err := NewFieldRegistry([]FieldDef{
			{ID: 7, Key: "a", Sources: []string{"bhavcopy"}},
			{ID: 7, Key: "b", Sources: []string{"bhavcopy"}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate field id")
	})

	t.Run("calculated field without inputs", func(t *testing.T) {
		t.Parallel()
		_, err := NewFieldRegistry([]FieldDef{
			{ID: 1, Key: "market_cap", Sources: []string{SourceCalc}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "declares no inputs")
	})

	t.Run("depends_on unknown field", func(t *testing.T) {
		t.Parallel()
		_, err := NewFieldRegistry([]FieldDef{
			{ID: 1, Key: "market_cap", Sources: []string{SourceCalc}, DependsOn: []string{"close_price"}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown field")
	})

	t.Run("fetched field with depends_on", func(t *testing.T) {
		t.Parallel()
		_, err := NewFieldRegistry([]FieldDef{
			{ID: 1, Key: "close_price", Sources: []string{"bhavcopy"}, DependsOn: []string{"volume"}},
			{ID: 2, Key: "volume", Sources: []string{"bhavcopy"}},
		})
		require.Error(t, err)
	})

	t.Run("no sources", func(t *testing.T) {
		t.Parallel()
		_, err := NewFieldRegistry([]FieldDef{{ID: 1, Key: "close_price"}})
		require.Error(t, err)
	})
}

func TestPriorityWeight(t *testing.T) {
	t.Parallel()
	total := PriorityCritical.Weight() + PriorityImportant.Weight() +
		PriorityStandard.Weight() + PriorityOptional.Weight()
	assert.InDelta(t, 1.0, total, 1e-9)
	assert.Greater(t, PriorityCritical.Weight(), PriorityImportant.Weight())
	assert.Equal(t, PriorityOptional.Weight(), PriorityMetadata.Weight())
	assert.Zero(t, Priority("bogus").Weight())
}

func TestCadenceFreshnessWindow(t *testing.T) {
	t.Parallel()
	assert.Less(t, CadenceRealTime.FreshnessWindow(), CadenceDaily.FreshnessWindow())
	assert.Less(t, CadenceDaily.FreshnessWindow(), CadenceWeekly.FreshnessWindow())
	assert.Less(t, CadenceQuarterly.FreshnessWindow(), CadenceAnnual.FreshnessWindow())
}
