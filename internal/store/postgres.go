package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/stockpulse/pipeline-cli/internal/db"
	"github.com/stockpulse/pipeline-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO runs (id, trigger_type, symbols, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
	"update_run_status": `UPDATE runs SET status = $1 WHERE id = $2`,
	"get_run":           `SELECT ` + runColumns + ` FROM runs WHERE id = $1`,
	"get_value":         `SELECT ` + reconciledColumns + ` FROM reconciled_values WHERE symbol = $1 AND field_key = $2 AND period = $3`,
	"get_confidence":    `SELECT ` + confidenceColumns + ` FROM confidence_scores WHERE symbol = $1 ORDER BY computed_at DESC LIMIT 1`,
	"get_source_state":  `SELECT source_id, last_success, last_run_id, etag, cursor, updated_at FROM source_state WHERE source_id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	trigger_type TEXT NOT NULL,
	symbols      JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	summary      JSONB,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS observations (
	symbol      TEXT NOT NULL,
	field_key   TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	period      TEXT NOT NULL,
	value       JSONB NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL,
	run_id      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (symbol, field_key, source_id, period)
);

CREATE TABLE IF NOT EXISTS reconciled_values (
	symbol        TEXT NOT NULL,
	field_key     TEXT NOT NULL,
	period        TEXT NOT NULL,
	value         JSONB NOT NULL,
	null_reason   TEXT NOT NULL DEFAULT '',
	source_id     TEXT NOT NULL,
	sources       JSONB NOT NULL DEFAULT 'null',
	agreement     DOUBLE PRECISION NOT NULL DEFAULT 1,
	divergent     BOOLEAN NOT NULL DEFAULT false,
	gate          TEXT NOT NULL,
	gate_reason   TEXT NOT NULL DEFAULT '',
	flags         JSONB NOT NULL DEFAULT 'null',
	observed_at   TIMESTAMPTZ NOT NULL,
	reconciled_at TIMESTAMPTZ NOT NULL,
	run_id        TEXT NOT NULL,
	PRIMARY KEY (symbol, field_key, period)
);

CREATE TABLE IF NOT EXISTS confidence_scores (
	symbol                TEXT NOT NULL,
	run_id                TEXT NOT NULL,
	completeness          DOUBLE PRECISION NOT NULL,
	freshness             DOUBLE PRECISION NOT NULL,
	agreement             DOUBLE PRECISION NOT NULL,
	priority_completeness DOUBLE PRECISION NOT NULL,
	composite             DOUBLE PRECISION NOT NULL,
	computed_at           TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (symbol, run_id)
);

CREATE TABLE IF NOT EXISTS price_history (
	symbol     TEXT NOT NULL,
	trade_date TEXT NOT NULL,
	open       DOUBLE PRECISION NOT NULL,
	high       DOUBLE PRECISION NOT NULL,
	low        DOUBLE PRECISION NOT NULL,
	close      DOUBLE PRECISION NOT NULL,
	prev_close DOUBLE PRECISION NOT NULL DEFAULT 0,
	volume     BIGINT NOT NULL DEFAULT 0,
	turnover   DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (symbol, trade_date)
);

CREATE TABLE IF NOT EXISTS symbols (
	symbol   TEXT PRIMARY KEY,
	name     TEXT NOT NULL DEFAULT '',
	isin     TEXT NOT NULL DEFAULT '',
	sector   TEXT NOT NULL DEFAULT '',
	active   BOOLEAN NOT NULL DEFAULT true,
	added_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS source_state (
	source_id    TEXT PRIMARY KEY,
	last_success TIMESTAMPTZ,
	last_run_id  TEXT NOT NULL DEFAULT '',
	etag         TEXT NOT NULL DEFAULT '',
	cursor       TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_observations_run_id ON observations(run_id);
CREATE INDEX IF NOT EXISTS idx_reconciled_run_id ON reconciled_values(run_id);
CREATE INDEX IF NOT EXISTS idx_confidence_computed ON confidence_scores(symbol, computed_at DESC);
`

// Column slices for the bulk upsert paths.
var (
	obsColumnList        = []string{"symbol", "field_key", "source_id", "period", "value", "observed_at", "run_id", "attempts"}
	reconciledColumnList = []string{"symbol", "field_key", "period", "value", "null_reason", "source_id", "sources", "agreement", "divergent", "gate", "gate_reason", "flags", "observed_at", "reconciled_at", "run_id"}
	barColumnList        = []string{"symbol", "trade_date", "open", "high", "low", "close", "prev_close", "volume", "turnover"}
)

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, trigger model.Trigger, symbols []string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	symbolsJSON, err := json.Marshal(symbols)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal symbols")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, trigger_type, symbols, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, string(trigger), symbolsJSON, string(model.RunQueued), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Trigger:   trigger,
		Symbols:   symbols,
		Status:    model.RunQueued,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1 WHERE id = $2`,
		string(status), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary, errMsg string) error {
	var summaryJSON []byte
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal summary")
		}
		summaryJSON = b
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, summary = $2, error = $3, finished_at = $4 WHERE id = $5`,
		string(status), summaryJSON, errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`,
		runID,
	)
	r, err := scanRunPg(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Trigger != "" {
		query += fmt.Sprintf(` AND trigger_type = $%d`, argIdx)
		args = append(args, string(filter.Trigger))
		argIdx++
	}
	if !filter.StartedAfter.IsZero() {
		query += fmt.Sprintf(` AND started_at > $%d`, argIdx)
		args = append(args, filter.StartedAfter)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRunPg(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) SaveObservations(ctx context.Context, obs []model.Observation) error {
	if len(obs) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(obs))
	for i := range obs {
		o := &obs[i]
		valueJSON, err := json.Marshal(o.Value)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal observation %s/%s", o.Symbol, o.FieldKey)
		}
		rows = append(rows, []any{o.Symbol, o.FieldKey, o.SourceID, o.Period, valueJSON, o.ObservedAt, o.RunID, o.Attempts})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "observations",
		Columns:      obsColumnList,
		ConflictKeys: []string{"symbol", "field_key", "source_id", "period"},
	}, rows)
	return eris.Wrap(err, "postgres: save observations")
}

func (s *PostgresStore) ListObservations(ctx context.Context, symbol, fieldKey, period string) ([]model.Observation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+obsColumns+` FROM observations
		 WHERE symbol = $1 AND field_key = $2 AND period = $3 ORDER BY source_id`,
		symbol, fieldKey, period,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list observations")
	}
	defer rows.Close()

	var obs []model.Observation
	for rows.Next() {
		var o model.Observation
		var valueJSON []byte
		if err := rows.Scan(&o.Symbol, &o.FieldKey, &o.SourceID, &o.Period, &valueJSON, &o.ObservedAt, &o.RunID, &o.Attempts); err != nil {
			return nil, eris.Wrap(err, "postgres: scan observation")
		}
		if err := json.Unmarshal(valueJSON, &o.Value); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal observation value")
		}
		obs = append(obs, o)
	}
	return obs, eris.Wrap(rows.Err(), "postgres: list observations iterate")
}

func (s *PostgresStore) UpsertReconciled(ctx context.Context, values []model.ReconciledValue) error {
	if len(values) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(values))
	for i := range values {
		v := &values[i]
		valueJSON, err := json.Marshal(v.Value)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal value %s/%s", v.Symbol, v.FieldKey)
		}
		sourcesJSON, err := json.Marshal(v.Sources)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal sources %s/%s", v.Symbol, v.FieldKey)
		}
		flagsJSON, err := json.Marshal(v.Flags)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal flags %s/%s", v.Symbol, v.FieldKey)
		}
		rows = append(rows, []any{
			v.Symbol, v.FieldKey, v.Period, valueJSON, v.NullReason, v.SourceID, sourcesJSON,
			v.Agreement, v.Divergent, string(v.Gate), v.GateReason, flagsJSON, v.ObservedAt, v.ReconciledAt, v.RunID,
		})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "reconciled_values",
		Columns:      reconciledColumnList,
		ConflictKeys: []string{"symbol", "field_key", "period"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert reconciled values")
}

func (s *PostgresStore) GetValue(ctx context.Context, symbol, fieldKey, period string) (*model.ReconciledValue, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reconciledColumns+` FROM reconciled_values WHERE symbol = $1 AND field_key = $2 AND period = $3`,
		symbol, fieldKey, period,
	)
	v, err := scanValuePg(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get value %s/%s", symbol, fieldKey)
	}
	return v, nil
}

// CurrentValues returns the latest-period row of every field the symbol
// has reconciled values for.
func (s *PostgresStore) CurrentValues(ctx context.Context, symbol string) ([]model.ReconciledValue, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.symbol, r.field_key, r.period, r.value, r.null_reason, r.source_id, r.sources,
		        r.agreement, r.divergent, r.gate, r.gate_reason, r.flags, r.observed_at, r.reconciled_at, r.run_id
		 FROM reconciled_values r
		 JOIN (
		   SELECT field_key, MAX(period) AS period
		   FROM reconciled_values WHERE symbol = $1 GROUP BY field_key
		 ) latest ON r.field_key = latest.field_key AND r.period = latest.period
		 WHERE r.symbol = $1
		 ORDER BY r.field_key`,
		symbol,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: current values")
	}
	defer rows.Close()
	return collectValuesPg(rows, "postgres: current values")
}

func (s *PostgresStore) FieldHistory(ctx context.Context, symbol, fieldKey string, limit int) ([]model.ReconciledValue, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+reconciledColumns+` FROM reconciled_values
		 WHERE symbol = $1 AND field_key = $2 ORDER BY period DESC LIMIT $3`,
		symbol, fieldKey, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: field history")
	}
	defer rows.Close()
	return collectValuesPg(rows, "postgres: field history")
}

func (s *PostgresStore) SaveConfidence(ctx context.Context, score *model.ConfidenceScore) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO confidence_scores (`+confidenceColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (symbol, run_id) DO UPDATE SET
		   completeness = $3, freshness = $4, agreement = $5,
		   priority_completeness = $6, composite = $7, computed_at = $8`,
		score.Symbol, score.RunID, score.Completeness, score.Freshness, score.Agreement,
		score.PriorityCompleteness, score.Composite, score.ComputedAt,
	)
	return eris.Wrapf(err, "postgres: save confidence %s", score.Symbol)
}

func (s *PostgresStore) GetConfidence(ctx context.Context, symbol string) (*model.ConfidenceScore, error) {
	var sc model.ConfidenceScore
	err := s.pool.QueryRow(ctx,
		`SELECT `+confidenceColumns+` FROM confidence_scores WHERE symbol = $1 ORDER BY computed_at DESC LIMIT 1`,
		symbol,
	).Scan(&sc.Symbol, &sc.RunID, &sc.Completeness, &sc.Freshness, &sc.Agreement,
		&sc.PriorityCompleteness, &sc.Composite, &sc.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get confidence %s", symbol)
	}
	return &sc, nil
}

func (s *PostgresStore) ConfidenceHistory(ctx context.Context, symbol string, limit int) ([]model.ConfidenceScore, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+confidenceColumns+` FROM confidence_scores
		 WHERE symbol = $1 ORDER BY computed_at DESC LIMIT $2`,
		symbol, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: confidence history")
	}
	defer rows.Close()

	var scores []model.ConfidenceScore
	for rows.Next() {
		var sc model.ConfidenceScore
		if err := rows.Scan(&sc.Symbol, &sc.RunID, &sc.Completeness, &sc.Freshness, &sc.Agreement,
			&sc.PriorityCompleteness, &sc.Composite, &sc.ComputedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan confidence")
		}
		scores = append(scores, sc)
	}
	return scores, eris.Wrap(rows.Err(), "postgres: confidence history iterate")
}

func (s *PostgresStore) UpsertPriceBars(ctx context.Context, bars []model.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(bars))
	for i := range bars {
		b := &bars[i]
		rows = append(rows, []any{b.Symbol, b.Date, b.Open, b.High, b.Low, b.Close, b.PrevClose, b.Volume, b.Turnover})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "price_history",
		Columns:      barColumnList,
		ConflictKeys: []string{"symbol", "trade_date"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert price bars")
}

// PriceHistory returns up to days bars for the symbol, most recent first.
func (s *PostgresStore) PriceHistory(ctx context.Context, symbol string, days int) ([]model.PriceBar, error) {
	if days <= 0 {
		days = 252
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+barColumns+` FROM price_history
		 WHERE symbol = $1 ORDER BY trade_date DESC LIMIT $2`,
		symbol, days,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: price history")
	}
	defer rows.Close()

	var bars []model.PriceBar
	for rows.Next() {
		var b model.PriceBar
		if err := rows.Scan(&b.Symbol, &b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.PrevClose, &b.Volume, &b.Turnover); err != nil {
			return nil, eris.Wrap(err, "postgres: scan bar")
		}
		bars = append(bars, b)
	}
	return bars, eris.Wrap(rows.Err(), "postgres: price history iterate")
}

func (s *PostgresStore) UpsertSymbol(ctx context.Context, sym model.Symbol) error {
	if sym.AddedAt.IsZero() {
		sym.AddedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO symbols (symbol, name, isin, sector, active, added_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (symbol) DO UPDATE SET name = $2, isin = $3, sector = $4, active = $5`,
		sym.Symbol, sym.Name, sym.ISIN, sym.Sector, sym.Active, sym.AddedAt,
	)
	return eris.Wrapf(err, "postgres: upsert symbol %s", sym.Symbol)
}

func (s *PostgresStore) DeleteSymbol(ctx context.Context, symbol string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM symbols WHERE symbol = $1`, symbol)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete symbol %s", symbol)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("symbol not found: %s", symbol)
	}
	return nil
}

func (s *PostgresStore) ListSymbols(ctx context.Context, activeOnly bool) ([]model.Symbol, error) {
	query := `SELECT symbol, name, isin, sector, active, added_at FROM symbols`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY symbol`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list symbols")
	}
	defer rows.Close()

	var syms []model.Symbol
	for rows.Next() {
		var sym model.Symbol
		if err := rows.Scan(&sym.Symbol, &sym.Name, &sym.ISIN, &sym.Sector, &sym.Active, &sym.AddedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan symbol")
		}
		syms = append(syms, sym)
	}
	return syms, eris.Wrap(rows.Err(), "postgres: list symbols iterate")
}

func (s *PostgresStore) GetSourceState(ctx context.Context, sourceID string) (*SourceState, error) {
	var st SourceState
	var lastSuccess *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT source_id, last_success, last_run_id, etag, cursor, updated_at FROM source_state WHERE source_id = $1`,
		sourceID,
	).Scan(&st.SourceID, &lastSuccess, &st.LastRunID, &st.ETag, &st.Cursor, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get source state %s", sourceID)
	}
	st.LastSuccess = lastSuccess
	return &st, nil
}

func (s *PostgresStore) SetSourceState(ctx context.Context, state SourceState) error {
	state.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_state (source_id, last_success, last_run_id, etag, cursor, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source_id) DO UPDATE SET
		   last_success = $2, last_run_id = $3, etag = $4, cursor = $5, updated_at = $6`,
		state.SourceID, state.LastSuccess, state.LastRunID, state.ETag, state.Cursor, state.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: set source state %s", state.SourceID)
}

func scanRunPg(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var symbolsJSON []byte
	var summaryJSON []byte
	var finished *time.Time

	if err := row.Scan(&r.ID, &r.Trigger, &symbolsJSON, &r.Status, &summaryJSON, &r.Error, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(symbolsJSON, &r.Symbols); err != nil {
		return nil, eris.Wrap(err, "unmarshal symbols")
	}
	if summaryJSON != nil {
		if err := json.Unmarshal(summaryJSON, &r.Summary); err != nil {
			return nil, eris.Wrap(err, "unmarshal summary")
		}
	}
	r.FinishedAt = finished
	return &r, nil
}

func scanValuePg(row pgx.Row) (*model.ReconciledValue, error) {
	var v model.ReconciledValue
	var valueJSON, sourcesJSON, flagsJSON []byte

	if err := row.Scan(&v.Symbol, &v.FieldKey, &v.Period, &valueJSON, &v.NullReason, &v.SourceID, &sourcesJSON,
		&v.Agreement, &v.Divergent, &v.Gate, &v.GateReason, &flagsJSON, &v.ObservedAt, &v.ReconciledAt, &v.RunID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(valueJSON, &v.Value); err != nil {
		return nil, eris.Wrap(err, "unmarshal value")
	}
	if err := json.Unmarshal(sourcesJSON, &v.Sources); err != nil {
		return nil, eris.Wrap(err, "unmarshal sources")
	}
	if err := json.Unmarshal(flagsJSON, &v.Flags); err != nil {
		return nil, eris.Wrap(err, "unmarshal flags")
	}
	return &v, nil
}

func collectValuesPg(rows pgx.Rows, what string) ([]model.ReconciledValue, error) {
	var values []model.ReconciledValue
	for rows.Next() {
		v, err := scanValuePg(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: scan", what)
		}
		values = append(values, *v)
	}
	return values, eris.Wrapf(rows.Err(), "%s: iterate", what)
}
