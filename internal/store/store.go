package store

import (
	"context"
	"time"

	"github.com/stockpulse/pipeline-cli/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	Trigger      model.Trigger   `json:"trigger,omitempty"`
	StartedAfter time.Time       `json:"started_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// SourceState is the per-source bookkeeping persisted between runs: when
// the source last delivered, which run did it, and the markers adapters
// use to skip unchanged payloads (HTTP ETag, feed cursor).
type SourceState struct {
	SourceID    string     `json:"source_id"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastRunID   string     `json:"last_run_id,omitempty"`
	ETag        string     `json:"etag,omitempty"`
	Cursor      string     `json:"cursor,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Store defines the persistence interface for the extraction pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, trigger model.Trigger, symbols []string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary, errMsg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Observation audit trail
	SaveObservations(ctx context.Context, obs []model.Observation) error
	ListObservations(ctx context.Context, symbol, fieldKey, period string) ([]model.Observation, error)

	// Reconciled values
	UpsertReconciled(ctx context.Context, values []model.ReconciledValue) error
	GetValue(ctx context.Context, symbol, fieldKey, period string) (*model.ReconciledValue, error)
	CurrentValues(ctx context.Context, symbol string) ([]model.ReconciledValue, error)
	FieldHistory(ctx context.Context, symbol, fieldKey string, limit int) ([]model.ReconciledValue, error)

	// Confidence scores
	SaveConfidence(ctx context.Context, score *model.ConfidenceScore) error
	GetConfidence(ctx context.Context, symbol string) (*model.ConfidenceScore, error)
	ConfidenceHistory(ctx context.Context, symbol string, limit int) ([]model.ConfidenceScore, error)

	// Price history
	UpsertPriceBars(ctx context.Context, bars []model.PriceBar) error
	PriceHistory(ctx context.Context, symbol string, days int) ([]model.PriceBar, error)

	// Symbol universe
	UpsertSymbol(ctx context.Context, sym model.Symbol) error
	DeleteSymbol(ctx context.Context, symbol string) error
	ListSymbols(ctx context.Context, activeOnly bool) ([]model.Symbol, error)

	// Source state
	GetSourceState(ctx context.Context, sourceID string) (*SourceState, error)
	SetSourceState(ctx context.Context, state SourceState) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
