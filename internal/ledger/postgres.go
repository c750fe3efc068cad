package ledger

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

	"github.com/sells-group/research-engine/internal/db"
	"github.com/sells-group/research-engine/internal/model"
)

// PostgresLedger implements Ledger using pgxpool.
type PostgresLedger struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresLedger with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresLedger, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
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

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresLedger{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	status     TEXT NOT NULL DEFAULT 'running',
	phases     JSONB NOT NULL DEFAULT '[]',
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_phases (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id          TEXT NOT NULL REFERENCES runs(id),
	name            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'running',
	total_batches   INTEGER NOT NULL DEFAULT 0,
	skipped_batches INTEGER NOT NULL DEFAULT 0,
	flagged_items   INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at     TIMESTAMPTZ,
	UNIQUE (run_id, name)
);

CREATE TABLE IF NOT EXISTS item_failures (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	phase       TEXT NOT NULL,
	batch_index INTEGER NOT NULL,
	item_id     TEXT NOT NULL,
	error_kind  TEXT NOT NULL,
	error       TEXT NOT NULL,
	flags       JSONB NOT NULL DEFAULT '[]',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_phases_run_id ON run_phases(run_id);
CREATE INDEX IF NOT EXISTS idx_item_failures_run_phase ON item_failures(run_id, phase);
`

func (s *PostgresLedger) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresLedger) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresLedger) CreateRun(ctx context.Context, phases []string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	if phases == nil {
		phases = []string{}
	}

	phasesJSON, err := json.Marshal(phases)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal phases")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, phases, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, string(model.RunStatusRunning), string(phasesJSON), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Status:    model.RunStatusRunning,
		Phases:    phases,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresLedger) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(status), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresLedger) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, phases, error, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get run")
	}
	return r, nil
}

func (s *PostgresLedger) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, phases, error, created_at, updated_at FROM runs WHERE 1=1`
	var args []any
	argN := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argN)
		args = append(args, string(filter.Status))
		argN++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argN)
	args = append(args, listLimit(filter.Limit))
	argN++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argN)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresLedger) RecordPhase(ctx context.Context, p *model.PhaseRun) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_phases (id, run_id, name, status, total_batches, skipped_batches, flagged_items, error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (run_id, name) DO UPDATE SET
			status = EXCLUDED.status,
			total_batches = EXCLUDED.total_batches,
			skipped_batches = EXCLUDED.skipped_batches,
			flagged_items = EXCLUDED.flagged_items,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at`,
		p.ID, p.RunID, p.Name, string(p.Status), p.TotalBatches, p.SkippedBatches, p.FlaggedItems, p.Error, p.StartedAt, p.FinishedAt,
	)
	return eris.Wrapf(err, "postgres: record phase %s for run %s", p.Name, p.RunID)
}

func (s *PostgresLedger) ListPhaseRuns(ctx context.Context, runID string) ([]model.PhaseRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, name, status, total_batches, skipped_batches, flagged_items, error, started_at, finished_at
		 FROM run_phases WHERE run_id = $1 ORDER BY started_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list phases")
	}
	defer rows.Close()

	var out []model.PhaseRun
	for rows.Next() {
		var p model.PhaseRun
		if err := rows.Scan(&p.ID, &p.RunID, &p.Name, &p.Status, &p.TotalBatches, &p.SkippedBatches,
			&p.FlaggedItems, &p.Error, &p.StartedAt, &p.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan phase")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list phases iterate")
}

// RecordFailures bulk-loads failures with COPY.
func (s *PostgresLedger) RecordFailures(ctx context.Context, failures []model.ItemFailure) error {
	if len(failures) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(failures))
	for i := range failures {
		row, err := failureRow(&failures[i])
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	_, err := db.CopyFrom(ctx, s.pool, "item_failures", failureColumns, rows)
	return eris.Wrap(err, "postgres: record failures")
}

func (s *PostgresLedger) ListFailures(ctx context.Context, filter FailureFilter) ([]model.ItemFailure, error) {
	query := `SELECT id, run_id, phase, batch_index, item_id, error_kind, error, flags, created_at FROM item_failures WHERE 1=1`
	var args []any
	argN := 1
	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argN)
		args = append(args, filter.RunID)
		argN++
	}
	if filter.Phase != "" {
		query += fmt.Sprintf(` AND phase = $%d`, argN)
		args = append(args, filter.Phase)
		argN++
	}
	query += fmt.Sprintf(` ORDER BY created_at, batch_index, item_id LIMIT $%d`, argN)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failures")
	}
	defer rows.Close()

	var out []model.ItemFailure
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list failures iterate")
}
