// Package ledger records pipeline runs, per-phase outcomes and per-item
// failures. Checkpoint files stay the source of truth for resume; the ledger
// is history for operators.
package ledger

import (
	"context"
	"errors"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/resilience"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("ledger: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// FailureFilter specifies criteria for listing item failures.
type FailureFilter struct {
	RunID string `json:"run_id,omitempty"`
	Phase string `json:"phase,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

const defaultListLimit = 100

// Ledger is the persistence interface for run history.
type Ledger interface {
	// Runs
	CreateRun(ctx context.Context, phases []string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, errMsg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Phases
	RecordPhase(ctx context.Context, phase *model.PhaseRun) error
	ListPhaseRuns(ctx context.Context, runID string) ([]model.PhaseRun, error)

	// Failures
	RecordFailures(ctx context.Context, failures []model.ItemFailure) error
	ListFailures(ctx context.Context, filter FailureFilter) ([]model.ItemFailure, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the ledger backend named by driver ("sqlite" or
// "postgres") and applies migrations.
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Ledger, error) {
	var (
		l   Ledger
		err error
	)
	switch driver {
	case "sqlite":
		l, err = NewSQLite(dsn)
	case "postgres":
		l, err = NewPostgres(ctx, dsn, poolCfg)
	default:
		return nil, resilience.NewConfigurationError("ledger: unknown driver %q (want sqlite or postgres)", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := l.Migrate(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
