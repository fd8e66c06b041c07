package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// FieldType is the declared value type of a field.
type FieldType string

const (
	TypeNumber     FieldType = "number"
	TypeString     FieldType = "string"
	TypeBoolean    FieldType = "boolean"
	TypeDate       FieldType = "date"
	TypeEnum       FieldType = "enum"
	TypeStructured FieldType = "structured"
)

// Priority ranks how important a field is to downstream consumers.
// Confidence scoring weights field completeness by tier.
type Priority string

const (
	PriorityCritical  Priority = "critical"
	PriorityImportant Priority = "important"
	PriorityStandard  Priority = "standard"
	PriorityOptional  Priority = "optional"
	PriorityMetadata  Priority = "metadata"
)

// Weight returns the tier weight used by priority-weighted completeness.
// Metadata carries the same weight as optional; scoring folds the two tiers
// into a single bucket.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 0.50
	case PriorityImportant:
		return 0.30
	case PriorityStandard:
		return 0.15
	case PriorityOptional, PriorityMetadata:
		return 0.05
	}
	return 0
}

// Cadence is how often a field's value is expected to change upstream.
type Cadence string

const (
	CadenceRealTime  Cadence = "real_time"
	CadenceDaily     Cadence = "daily"
	CadenceWeekly    Cadence = "weekly"
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
	CadenceAnnual    Cadence = "annual"
	CadenceOnEvent   Cadence = "on_event"
)

// FreshnessWindow returns how old a value of this cadence may be before it
// stops counting as fresh. Values past 2x the window are critically stale.
func (c Cadence) FreshnessWindow() time.Duration {
	switch c {
	case CadenceRealTime:
		return 6 * time.Hour
	case CadenceDaily:
		return 2 * 24 * time.Hour
	case CadenceWeekly:
		return 10 * 24 * time.Hour
	case CadenceMonthly:
		return 45 * 24 * time.Hour
	case CadenceQuarterly:
		return 120 * 24 * time.Hour
	case CadenceAnnual:
		return 400 * 24 * time.Hour
	case CadenceOnEvent:
		return 90 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// Category groups related fields for reporting and API filtering.
type Category string

const (
	CategoryIdentity     Category = "identity"
	CategoryPriceVolume  Category = "price_volume"
	CategoryFundamentals Category = "fundamentals"
	CategoryBalanceSheet Category = "balance_sheet"
	CategoryCashflow     Category = "cashflow"
	CategoryRatios       Category = "ratios"
	CategoryGrowth       Category = "growth"
	CategoryHoldings     Category = "holdings"
	CategoryTechnical    Category = "technical"
	CategoryValuation    Category = "valuation"
	CategoryCorporate    Category = "corporate"
	CategoryNews         Category = "news"
)

// SourceCalc is the pseudo-source ID carried by calculated fields. Values
// for these fields are produced by the calculation engine, never fetched.
const SourceCalc = "calc"

// FieldDef describes one field the pipeline tracks for every symbol: where
// it comes from, how often it changes, and how it participates in
// reconciliation and derivation.
type FieldDef struct {
	ID           int       `yaml:"id" json:"id"`
	Key          string    `yaml:"key" json:"key"`
	Category     Category  `yaml:"category" json:"category"`
	Type         FieldType `yaml:"type" json:"type"`
	Unit         string    `yaml:"unit,omitempty" json:"unit,omitempty"`
	Priority     Priority  `yaml:"priority" json:"priority"`
	Cadence      Cadence   `yaml:"cadence" json:"cadence"`
	Sources      []string  `yaml:"sources,omitempty" json:"sources,omitempty"`
	DependsOn    []string  `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	TolerancePct float64   `yaml:"tolerance_pct,omitempty" json:"tolerance_pct,omitempty"`
	HistoryDepth int       `yaml:"history_depth,omitempty" json:"history_depth,omitempty"`
}

// Calculated reports whether this field is produced by the calculation
// engine rather than fetched from an external source.
func (f *FieldDef) Calculated() bool {
	return len(f.Sources) == 1 && f.Sources[0] == SourceCalc
}

// Tolerance returns the relative tolerance used when reconciling values of
// this field across sources, falling back to the given default.
func (f *FieldDef) Tolerance(defaultPct float64) float64 {
	if f.TolerancePct > 0 {
		return f.TolerancePct
	}
	return defaultPct
}

// FieldRegistry is an indexed, validated collection of field definitions.
type FieldRegistry struct {
	Fields     []FieldDef
	byKey      map[string]*FieldDef
	byID       map[int]*FieldDef
	byCategory map[Category][]*FieldDef
	bySource   map[string][]*FieldDef
	calculated []*FieldDef
	fetched    []*FieldDef
}

// NewFieldRegistry indexes the given definitions and validates their
// internal consistency. Duplicate IDs or keys, calculated fields without
// inputs, and depends_on references to unknown keys are all startup errors.
func NewFieldRegistry(fields []FieldDef) (*FieldRegistry, error) {
	r := &FieldRegistry{
		Fields:     fields,
		byKey:      make(map[string]*FieldDef, len(fields)),
		byID:       make(map[int]*FieldDef, len(fields)),
		byCategory: make(map[Category][]*FieldDef),
		bySource:   make(map[string][]*FieldDef),
	}
	for i := range r.Fields {
		f := &r.Fields[i]
		if f.Key == "" {
			return nil, eris.Errorf("model: field id %d has empty key", f.ID)
		}
		if _, dup := r.byKey[f.Key]; dup {
			return nil, eris.Errorf("model: duplicate field key %q", f.Key)
		}
		if _, dup := r.byID[f.ID]; dup {
			return nil, eris.Errorf("model: duplicate field id %d (key %q)", f.ID, f.Key)
		}
		if f.Calculated() && len(f.DependsOn) == 0 {
			return nil, eris.Errorf("model: calculated field %q declares no inputs", f.Key)
		}
		if !f.Calculated() && len(f.DependsOn) > 0 {
			return nil, eris.Errorf("model: field %q declares depends_on but is not calc-sourced", f.Key)
		}
		if len(f.Sources) == 0 {
			return nil, eris.Errorf("model: field %q declares no sources", f.Key)
		}
		r.byKey[f.Key] = f
		r.byID[f.ID] = f
		r.byCategory[f.Category] = append(r.byCategory[f.Category], f)
		for _, src := range f.Sources {
			r.bySource[src] = append(r.bySource[src], f)
		}
		if f.Calculated() {
			r.calculated = append(r.calculated, f)
		} else {
			r.fetched = append(r.fetched, f)
		}
	}
	// depends_on may only reference keys that exist in the registry.
	for i := range r.Fields {
		f := &r.Fields[i]
		for _, dep := range f.DependsOn {
			if _, ok := r.byKey[dep]; !ok {
				return nil, eris.Errorf("model: field %q depends on unknown field %q", f.Key, dep)
			}
		}
	}
	return r, nil
}

// ByKey returns the field definition for the given key, or nil if not found.
func (r *FieldRegistry) ByKey(key string) *FieldDef {
	return r.byKey[key]
}

// ByID returns the field definition for the given numeric ID, or nil.
func (r *FieldRegistry) ByID(id int) *FieldDef {
	return r.byID[id]
}

// ByCategory returns all fields in the given category, in registry order.
func (r *FieldRegistry) ByCategory(c Category) []*FieldDef {
	return r.byCategory[c]
}

// BySource returns all fields the given source contributes to, in registry
// order. The SourceCalc pseudo-source yields the calculated fields.
func (r *FieldRegistry) BySource(sourceID string) []*FieldDef {
	return r.bySource[sourceID]
}

// Calculated returns the fields produced by the calculation engine.
func (r *FieldRegistry) Calculated() []*FieldDef {
	return r.calculated
}

// Fetched returns the fields observed from external sources.
func (r *FieldRegistry) Fetched() []*FieldDef {
	return r.fetched
}

// SourceIDs returns the distinct external source IDs referenced by the
// registry, excluding the calc pseudo-source, in first-seen order.
func (r *FieldRegistry) SourceIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for i := range r.Fields {
		for _, src := range r.Fields[i].Sources {
			if src == SourceCalc || seen[src] {
				continue
			}
			seen[src] = true
			ids = append(ids, src)
		}
	}
	return ids
}
