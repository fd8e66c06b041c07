package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/stockpulse/pipeline-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	trigger_type TEXT NOT NULL,
	symbols      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	summary      TEXT,
	error        TEXT NOT NULL DEFAULT '',
	started_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at  DATETIME
);

CREATE TABLE IF NOT EXISTS observations (
	symbol      TEXT NOT NULL,
	field_key   TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	period      TEXT NOT NULL,
	value       TEXT NOT NULL,
	observed_at DATETIME NOT NULL,
	run_id      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (symbol, field_key, source_id, period)
);

CREATE TABLE IF NOT EXISTS reconciled_values (
	symbol        TEXT NOT NULL,
	field_key     TEXT NOT NULL,
	period        TEXT NOT NULL,
	value         TEXT NOT NULL,
	null_reason   TEXT NOT NULL DEFAULT '',
	source_id     TEXT NOT NULL,
	sources       TEXT NOT NULL DEFAULT 'null',
	agreement     REAL NOT NULL DEFAULT 1,
	divergent     INTEGER NOT NULL DEFAULT 0,
	gate          TEXT NOT NULL,
	gate_reason   TEXT NOT NULL DEFAULT '',
	flags         TEXT NOT NULL DEFAULT 'null',
	observed_at   DATETIME NOT NULL,
	reconciled_at DATETIME NOT NULL,
	run_id        TEXT NOT NULL,
	PRIMARY KEY (symbol, field_key, period)
);

CREATE TABLE IF NOT EXISTS confidence_scores (
	symbol                TEXT NOT NULL,
	run_id                TEXT NOT NULL,
	completeness          REAL NOT NULL,
	freshness             REAL NOT NULL,
	agreement             REAL NOT NULL,
	priority_completeness REAL NOT NULL,
	composite             REAL NOT NULL,
	computed_at           DATETIME NOT NULL,
	PRIMARY KEY (symbol, run_id)
);

CREATE TABLE IF NOT EXISTS price_history (
	symbol     TEXT NOT NULL,
	trade_date TEXT NOT NULL,
	open       REAL NOT NULL,
	high       REAL NOT NULL,
	low        REAL NOT NULL,
	close      REAL NOT NULL,
	prev_close REAL NOT NULL DEFAULT 0,
	volume     INTEGER NOT NULL DEFAULT 0,
	turnover   REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (symbol, trade_date)
);

CREATE TABLE IF NOT EXISTS symbols (
	symbol   TEXT PRIMARY KEY,
	name     TEXT NOT NULL DEFAULT '',
	isin     TEXT NOT NULL DEFAULT '',
	sector   TEXT NOT NULL DEFAULT '',
	active   INTEGER NOT NULL DEFAULT 1,
	added_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS source_state (
	source_id    TEXT PRIMARY KEY,
	last_success DATETIME,
	last_run_id  TEXT NOT NULL DEFAULT '',
	etag         TEXT NOT NULL DEFAULT '',
	cursor       TEXT NOT NULL DEFAULT '',
	updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_observations_run_id ON observations(run_id);
CREATE INDEX IF NOT EXISTS idx_reconciled_run_id ON reconciled_values(run_id);
CREATE INDEX IF NOT EXISTS idx_confidence_computed ON confidence_scores(symbol, computed_at);
`

// Column lists shared by the point and list queries of each table.
const (
	runColumns        = `id, trigger_type, symbols, status, summary, error, started_at, finished_at`
	obsColumns        = `symbol, field_key, source_id, period, value, observed_at, run_id, attempts`
	reconciledColumns = `symbol, field_key, period, value, null_reason, source_id, sources, agreement, divergent, gate, gate_reason, flags, observed_at, reconciled_at, run_id`
	confidenceColumns = `symbol, run_id, completeness, freshness, agreement, priority_completeness, composite, computed_at`
	barColumns        = `symbol, trade_date, open, high, low, close, prev_close, volume, turnover`
)

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, trigger model.Trigger, symbols []string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	symbolsJSON, err := json.Marshal(symbols)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal symbols")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, trigger_type, symbols, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(trigger), string(symbolsJSON), string(model.RunQueued), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Trigger:   trigger,
		Symbols:   symbols,
		Status:    model.RunQueued,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ?`,
		string(status), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary, errMsg string) error {
	var summaryJSON any
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal summary")
		}
		summaryJSON = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), summaryJSON, errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Trigger != "" {
		query += ` AND trigger_type = ?`
		args = append(args, string(filter.Trigger))
	}
	if !filter.StartedAfter.IsZero() {
		query += ` AND started_at > ?`
		args = append(args, filter.StartedAfter)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) SaveObservations(ctx context.Context, obs []model.Observation) error {
	if len(obs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO observations (`+obsColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (symbol, field_key, source_id, period) DO UPDATE SET
		   value = excluded.value, observed_at = excluded.observed_at,
		   run_id = excluded.run_id, attempts = excluded.attempts`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare observation upsert")
	}
	defer stmt.Close() //nolint:errcheck

	for i := range obs {
		o := &obs[i]
		valueJSON, err := json.Marshal(o.Value)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal observation %s/%s", o.Symbol, o.FieldKey)
		}
		if _, err := stmt.ExecContext(ctx,
			o.Symbol, o.FieldKey, o.SourceID, o.Period, string(valueJSON), o.ObservedAt, o.RunID, o.Attempts,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert observation %s/%s", o.Symbol, o.FieldKey)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit observations")
}

func (s *SQLiteStore) ListObservations(ctx context.Context, symbol, fieldKey, period string) ([]model.Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+obsColumns+` FROM observations
		 WHERE symbol = ? AND field_key = ? AND period = ? ORDER BY source_id`,
		symbol, fieldKey, period,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list observations")
	}
	defer rows.Close()

	var obs []model.Observation
	for rows.Next() {
		var o model.Observation
		var valueJSON string
		if err := rows.Scan(&o.Symbol, &o.FieldKey, &o.SourceID, &o.Period, &valueJSON, &o.ObservedAt, &o.RunID, &o.Attempts); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan observation")
		}
		if err := json.Unmarshal([]byte(valueJSON), &o.Value); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal observation value")
		}
		obs = append(obs, o)
	}
	return obs, eris.Wrap(rows.Err(), "sqlite: list observations iterate")
}

func (s *SQLiteStore) UpsertReconciled(ctx context.Context, values []model.ReconciledValue) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO reconciled_values (`+reconciledColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (symbol, field_key, period) DO UPDATE SET
		   value = excluded.value, null_reason = excluded.null_reason,
		   source_id = excluded.source_id, sources = excluded.sources,
		   agreement = excluded.agreement, divergent = excluded.divergent,
		   gate = excluded.gate, gate_reason = excluded.gate_reason,
		   flags = excluded.flags,
		   observed_at = excluded.observed_at, reconciled_at = excluded.reconciled_at,
		   run_id = excluded.run_id`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare value upsert")
	}
	defer stmt.Close() //nolint:errcheck

	for i := range values {
		v := &values[i]
		valueJSON, err := json.Marshal(v.Value)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal value %s/%s", v.Symbol, v.FieldKey)
		}
		sourcesJSON, err := json.Marshal(v.Sources)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal sources %s/%s", v.Symbol, v.FieldKey)
		}
		flagsJSON, err := json.Marshal(v.Flags)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal flags %s/%s", v.Symbol, v.FieldKey)
		}
		if _, err := stmt.ExecContext(ctx,
			v.Symbol, v.FieldKey, v.Period, string(valueJSON), v.NullReason, v.SourceID, string(sourcesJSON),
			v.Agreement, v.Divergent, string(v.Gate), v.GateReason, string(flagsJSON), v.ObservedAt, v.ReconciledAt, v.RunID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert value %s/%s", v.Symbol, v.FieldKey)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit reconciled values")
}

func (s *SQLiteStore) GetValue(ctx context.Context, symbol, fieldKey, period string) (*model.ReconciledValue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reconciledColumns+` FROM reconciled_values
		 WHERE symbol = ? AND field_key = ? AND period = ?`,
		symbol, fieldKey, period,
	)
	v, err := scanValue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get value %s/%s", symbol, fieldKey)
	}
	return v, nil
}

// CurrentValues returns the latest-period row of every field the symbol
// has reconciled values for. Period keys sort chronologically within a
// field, so MAX(period) per field picks the current row.
func (s *SQLiteStore) CurrentValues(ctx context.Context, symbol string) ([]model.ReconciledValue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.symbol, r.field_key, r.period, r.value, r.null_reason, r.source_id, r.sources,
		        r.agreement, r.divergent, r.gate, r.gate_reason, r.flags, r.observed_at, r.reconciled_at, r.run_id
		 FROM reconciled_values r
		 JOIN (
		   SELECT field_key, MAX(period) AS period
		   FROM reconciled_values WHERE symbol = ? GROUP BY field_key
		 ) latest ON r.field_key = latest.field_key AND r.period = latest.period
		 WHERE r.symbol = ?
		 ORDER BY r.field_key`,
		symbol, symbol,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: current values")
	}
	defer rows.Close()
	return collectValues(rows, "sqlite: current values")
}

func (s *SQLiteStore) FieldHistory(ctx context.Context, symbol, fieldKey string, limit int) ([]model.ReconciledValue, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reconciledColumns+` FROM reconciled_values
		 WHERE symbol = ? AND field_key = ? ORDER BY period DESC LIMIT ?`,
		symbol, fieldKey, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: field history")
	}
	defer rows.Close()
	return collectValues(rows, "sqlite: field history")
}

func (s *SQLiteStore) SaveConfidence(ctx context.Context, score *model.ConfidenceScore) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO confidence_scores (`+confidenceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (symbol, run_id) DO UPDATE SET
		   completeness = excluded.completeness, freshness = excluded.freshness,
		   agreement = excluded.agreement, priority_completeness = excluded.priority_completeness,
		   composite = excluded.composite, computed_at = excluded.computed_at`,
		score.Symbol, score.RunID, score.Completeness, score.Freshness, score.Agreement,
		score.PriorityCompleteness, score.Composite, score.ComputedAt,
	)
	return eris.Wrapf(err, "sqlite: save confidence %s", score.Symbol)
}

func (s *SQLiteStore) GetConfidence(ctx context.Context, symbol string) (*model.ConfidenceScore, error) {
	var sc model.ConfidenceScore
	err := s.db.QueryRowContext(ctx,
		`SELECT `+confidenceColumns+` FROM confidence_scores
		 WHERE symbol = ? ORDER BY computed_at DESC LIMIT 1`,
		symbol,
	).Scan(&sc.Symbol, &sc.RunID, &sc.Completeness, &sc.Freshness, &sc.Agreement,
		&sc.PriorityCompleteness, &sc.Composite, &sc.ComputedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get confidence %s", symbol)
	}
	return &sc, nil
}

func (s *SQLiteStore) ConfidenceHistory(ctx context.Context, symbol string, limit int) ([]model.ConfidenceScore, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+confidenceColumns+` FROM confidence_scores
		 WHERE symbol = ? ORDER BY computed_at DESC LIMIT ?`,
		symbol, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: confidence history")
	}
	defer rows.Close()

	var scores []model.ConfidenceScore
	for rows.Next() {
		var sc model.ConfidenceScore
		if err := rows.Scan(&sc.Symbol, &sc.RunID, &sc.Completeness, &sc.Freshness, &sc.Agreement,
			&sc.PriorityCompleteness, &sc.Composite, &sc.ComputedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan confidence")
		}
		scores = append(scores, sc)
	}
	return scores, eris.Wrap(rows.Err(), "sqlite: confidence history iterate")
}

func (s *SQLiteStore) UpsertPriceBars(ctx context.Context, bars []model.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO price_history (`+barColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (symbol, trade_date) DO UPDATE SET
		   open = excluded.open, high = excluded.high, low = excluded.low, close = excluded.close,
		   prev_close = excluded.prev_close, volume = excluded.volume, turnover = excluded.turnover`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare bar upsert")
	}
	defer stmt.Close() //nolint:errcheck

	for i := range bars {
		b := &bars[i]
		if _, err := stmt.ExecContext(ctx,
			b.Symbol, b.Date, b.Open, b.High, b.Low, b.Close, b.PrevClose, b.Volume, b.Turnover,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert bar %s/%s", b.Symbol, b.Date)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit price bars")
}

// PriceHistory returns up to days bars for the symbol, most recent first.
func (s *SQLiteStore) PriceHistory(ctx context.Context, symbol string, days int) ([]model.PriceBar, error) {
	if days <= 0 {
		days = 252
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+barColumns+` FROM price_history
		 WHERE symbol = ? ORDER BY trade_date DESC LIMIT ?`,
		symbol, days,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: price history")
	}
	defer rows.Close()

	var bars []model.PriceBar
	for rows.Next() {
		var b model.PriceBar
		if err := rows.Scan(&b.Symbol, &b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.PrevClose, &b.Volume, &b.Turnover); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan bar")
		}
		bars = append(bars, b)
	}
	return bars, eris.Wrap(rows.Err(), "sqlite: price history iterate")
}

func (s *SQLiteStore) UpsertSymbol(ctx context.Context, sym model.Symbol) error {
	if sym.AddedAt.IsZero() {
		sym.AddedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO symbols (symbol, name, isin, sector, active, added_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (symbol) DO UPDATE SET
		   name = excluded.name, isin = excluded.isin, sector = excluded.sector, active = excluded.active`,
		sym.Symbol, sym.Name, sym.ISIN, sym.Sector, sym.Active, sym.AddedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert symbol %s", sym.Symbol)
}

func (s *SQLiteStore) DeleteSymbol(ctx context.Context, symbol string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM symbols WHERE symbol = ?`, symbol)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete symbol %s", symbol)
	}
	return checkRowsAffected(res, "symbol", symbol)
}

func (s *SQLiteStore) ListSymbols(ctx context.Context, activeOnly bool) ([]model.Symbol, error) {
	query := `SELECT symbol, name, isin, sector, active, added_at FROM symbols`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY symbol`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list symbols")
	}
	defer rows.Close()

	var syms []model.Symbol
	for rows.Next() {
		var sym model.Symbol
		if err := rows.Scan(&sym.Symbol, &sym.Name, &sym.ISIN, &sym.Sector, &sym.Active, &sym.AddedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan symbol")
		}
		syms = append(syms, sym)
	}
	return syms, eris.Wrap(rows.Err(), "sqlite: list symbols iterate")
}

func (s *SQLiteStore) GetSourceState(ctx context.Context, sourceID string) (*SourceState, error) {
	var st SourceState
	var lastSuccess sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT source_id, last_success, last_run_id, etag, cursor, updated_at
		 FROM source_state WHERE source_id = ?`,
		sourceID,
	).Scan(&st.SourceID, &lastSuccess, &st.LastRunID, &st.ETag, &st.Cursor, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get source state %s", sourceID)
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		st.LastSuccess = &t
	}
	return &st, nil
}

func (s *SQLiteStore) SetSourceState(ctx context.Context, state SourceState) error {
	state.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_state (source_id, last_success, last_run_id, etag, cursor, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_id) DO UPDATE SET
		   last_success = excluded.last_success, last_run_id = excluded.last_run_id,
		   etag = excluded.etag, cursor = excluded.cursor, updated_at = excluded.updated_at`,
		state.SourceID, state.LastSuccess, state.LastRunID, state.ETag, state.Cursor, state.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: set source state %s", state.SourceID)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

// scannable abstracts over *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var symbolsJSON string
	var summaryJSON sql.NullString
	var finished sql.NullTime

	if err := row.Scan(&r.ID, &r.Trigger, &symbolsJSON, &r.Status, &summaryJSON, &r.Error, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(symbolsJSON), &r.Symbols); err != nil {
		return nil, eris.Wrap(err, "unmarshal symbols")
	}
	if summaryJSON.Valid {
		if err := json.Unmarshal([]byte(summaryJSON.String), &r.Summary); err != nil {
			return nil, eris.Wrap(err, "unmarshal summary")
		}
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

func scanValue(row scannable) (*model.ReconciledValue, error) {
	var v model.ReconciledValue
	var valueJSON, sourcesJSON, flagsJSON string

	if err := row.Scan(&v.Symbol, &v.FieldKey, &v.Period, &valueJSON, &v.NullReason, &v.SourceID, &sourcesJSON,
		&v.Agreement, &v.Divergent, &v.Gate, &v.GateReason, &flagsJSON, &v.ObservedAt, &v.ReconciledAt, &v.RunID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(valueJSON), &v.Value); err != nil {
		return nil, eris.Wrap(err, "unmarshal value")
	}
	if err := json.Unmarshal([]byte(sourcesJSON), &v.Sources); err != nil {
		return nil, eris.Wrap(err, "unmarshal sources")
	}
	if err := json.Unmarshal([]byte(flagsJSON), &v.Flags); err != nil {
		return nil, eris.Wrap(err, "unmarshal flags")
	}
	return &v, nil
}

func collectValues(rows *sql.Rows, what string) ([]model.ReconciledValue, error) {
	var values []model.ReconciledValue
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: scan", what)
		}
		values = append(values, *v)
	}
	return values, eris.Wrapf(rows.Err(), "%s: iterate", what)
}
