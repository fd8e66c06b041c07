package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/stockpulse/pipeline-cli/internal/model"
	"github.com/stockpulse/pipeline-cli/internal/pipeline"
	"github.com/stockpulse/pipeline-cli/internal/registry"
	"github.com/stockpulse/pipeline-cli/internal/resilience"
	"github.com/stockpulse/pipeline-cli/internal/source"
	"github.com/stockpulse/pipeline-cli/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "stockpulse.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// pipelineEnv holds the initialized store, field registry, source
// adapters, and orchestrator shared by the run/scheduler/serve commands.
type pipelineEnv struct {
	Store        store.Store
	Fields       *model.FieldRegistry
	Sources      *source.Registry
	Wrappers     *resilience.Wrappers
	Orchestrator *pipeline.Orchestrator
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for the mode, opens and migrates the
// store, loads the field registry, and wires the source adapters and
// orchestrator. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	fields, err := registry.LoadFields(cfg.Registry.Path)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	wrappers := pipeline.DefaultWrappers(cfg)
	sources := source.NewDefaultRegistry(cfg.Sources, wrappers, cfg.Pipeline.TempDir)
	if err := registry.ValidateSources(fields, sources.AllNames()); err != nil {
		_ = st.Close()
		return nil, err
	}

	orch, err := pipeline.New(cfg, st, fields, sources, wrappers)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	zap.L().Info("pipeline initialized",
		zap.Int("fields", len(fields.Fields)),
		zap.Strings("sources", sources.AllNames()),
		zap.String("store", cfg.Store.Driver),
	)

	return &pipelineEnv{
		Store:        st,
		Fields:       fields,
		Sources:      sources,
		Wrappers:     wrappers,
		Orchestrator: orch,
	}, nil
}
