package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/research-engine/internal/model"
)

// SQLiteLedger implements Ledger using modernc.org/sqlite.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteLedger{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'running',
	phases     TEXT NOT NULL DEFAULT '[]',
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_phases (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL REFERENCES runs(id),
	name            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'running',
	total_batches   INTEGER NOT NULL DEFAULT 0,
	skipped_batches INTEGER NOT NULL DEFAULT 0,
	flagged_items   INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	started_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at     DATETIME,
	UNIQUE (run_id, name)
);

CREATE TABLE IF NOT EXISTS item_failures (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	phase       TEXT NOT NULL,
	batch_index INTEGER NOT NULL,
	item_id     TEXT NOT NULL,
	error_kind  TEXT NOT NULL,
	error       TEXT NOT NULL,
	flags       TEXT NOT NULL DEFAULT '[]',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_phases_run_id ON run_phases(run_id);
CREATE INDEX IF NOT EXISTS idx_item_failures_run_phase ON item_failures(run_id, phase);
`

func (s *SQLiteLedger) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

func (s *SQLiteLedger) CreateRun(ctx context.Context, phases []string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	if phases == nil {
		phases = []string{}
	}

	phasesJSON, err := json.Marshal(phases)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal phases")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, phases, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(model.RunStatusRunning), string(phasesJSON), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Status:    model.RunStatusRunning,
		Phases:    phases,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteLedger) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteLedger) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, phases, error, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
	}
	return r, err
}

func (s *SQLiteLedger) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, phases, error, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

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
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteLedger) RecordPhase(ctx context.Context, p *model.PhaseRun) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now().UTC()
	}
	var finished sql.NullTime
	if p.FinishedAt != nil {
		finished = sql.NullTime{Time: *p.FinishedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_phases (id, run_id, name, status, total_batches, skipped_batches, flagged_items, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, name) DO UPDATE SET
			status = excluded.status,
			total_batches = excluded.total_batches,
			skipped_batches = excluded.skipped_batches,
			flagged_items = excluded.flagged_items,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		p.ID, p.RunID, p.Name, string(p.Status), p.TotalBatches, p.SkippedBatches, p.FlaggedItems, p.Error, p.StartedAt, finished,
	)
	return eris.Wrapf(err, "sqlite: record phase %s for run %s", p.Name, p.RunID)
}

func (s *SQLiteLedger) ListPhaseRuns(ctx context.Context, runID string) ([]model.PhaseRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, status, total_batches, skipped_batches, flagged_items, error, started_at, finished_at
		 FROM run_phases WHERE run_id = ? ORDER BY started_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list phases")
	}
	defer rows.Close()

	var out []model.PhaseRun
	for rows.Next() {
		var (
			p        model.PhaseRun
			finished sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.RunID, &p.Name, &p.Status, &p.TotalBatches, &p.SkippedBatches,
			&p.FlaggedItems, &p.Error, &p.StartedAt, &finished); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan phase")
		}
		if finished.Valid {
			t := finished.Time
			p.FinishedAt = &t
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list phases iterate")
}

func (s *SQLiteLedger) RecordFailures(ctx context.Context, failures []model.ItemFailure) error {
	if len(failures) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin failures tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO item_failures (id, run_id, phase, batch_index, item_id, error_kind, error, flags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare failure insert")
	}
	defer stmt.Close()

	for i := range failures {
		row, err := failureRow(&failures[i])
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return eris.Wrapf(err, "sqlite: insert failure for item %s", failures[i].ItemID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit failures")
}

func (s *SQLiteLedger) ListFailures(ctx context.Context, filter FailureFilter) ([]model.ItemFailure, error) {
	query := `SELECT id, run_id, phase, batch_index, item_id, error_kind, error, flags, created_at FROM item_failures WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.Phase != "" {
		query += ` AND phase = ?`
		args = append(args, filter.Phase)
	}
	query += ` ORDER BY created_at, batch_index, item_id LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
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
	return out, eris.Wrap(rows.Err(), "sqlite: list failures iterate")
}

// helpers

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var (
		r          model.Run
		phasesJSON string
	)
	err := row.Scan(&r.ID, &r.Status, &phasesJSON, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan run")
	}
	if err := json.Unmarshal([]byte(phasesJSON), &r.Phases); err != nil {
		return nil, eris.Wrap(err, "unmarshal run phases")
	}
	return &r, nil
}

func scanFailure(row scannable) (*model.ItemFailure, error) {
	var (
		f         model.ItemFailure
		flagsJSON string
	)
	if err := row.Scan(&f.ID, &f.RunID, &f.Phase, &f.BatchIndex, &f.ItemID, &f.ErrorKind, &f.Error, &flagsJSON, &f.CreatedAt); err != nil {
		return nil, eris.Wrap(err, "scan failure")
	}
	if err := json.Unmarshal([]byte(flagsJSON), &f.Flags); err != nil {
		return nil, eris.Wrap(err, "unmarshal failure flags")
	}
	return &f, nil
}

// failureColumns is the column order produced by failureRow.
var failureColumns = []string{"id", "run_id", "phase", "batch_index", "item_id", "error_kind", "error", "flags", "created_at"}

// failureRow assigns an id and timestamp when missing and returns the values
// in failureColumns order.
func failureRow(f *model.ItemFailure) ([]any, error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	flags := f.Flags
	if flags == nil {
		flags = []model.QualityFlag{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return nil, eris.Wrap(err, "marshal failure flags")
	}
	return []any{f.ID, f.RunID, f.Phase, f.BatchIndex, f.ItemID, f.ErrorKind, f.Error, string(flagsJSON), f.CreatedAt}, nil
}
