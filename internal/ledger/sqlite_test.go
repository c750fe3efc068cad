package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/resilience"
)

func newTestSQLiteLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, l.Migrate(context.Background()))
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSQLite_RunLifecycle(t *testing.T) {
	l := newTestSQLiteLedger(t)
	ctx := context.Background()

	run, err := l.CreateRun(ctx, []string{"fetch", "dedupe"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	require.NoError(t, l.UpdateRunStatus(ctx, run.ID, model.RunStatusFailed, "phase dedupe failed"))

	got, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, []string{"fetch", "dedupe"}, got.Phases)
	assert.Equal(t, "phase dedupe failed", got.Error)
}

func TestSQLite_RunNotFound(t *testing.T) {
	l := newTestSQLiteLedger(t)
	ctx := context.Background()

	_, err := l.GetRun(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	err = l.UpdateRunStatus(ctx, "missing", model.RunStatusComplete, "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListRunsFilter(t *testing.T) {
	l := newTestSQLiteLedger(t)
	ctx := context.Background()

	for range 3 {
		_, err := l.CreateRun(ctx, nil)
		require.NoError(t, err)
	}
	done, err := l.CreateRun(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, l.UpdateRunStatus(ctx, done.ID, model.RunStatusComplete, ""))

	all, err := l.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	complete, err := l.ListRuns(ctx, RunFilter{Status: model.RunStatusComplete})
	require.NoError(t, err)
	require.Len(t, complete, 1)
	assert.Equal(t, done.ID, complete[0].ID)

	page, err := l.ListRuns(ctx, RunFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestSQLite_RecordPhaseUpserts(t *testing.T) {
	l := newTestSQLiteLedger(t)
	ctx := context.Background()

	run, err := l.CreateRun(ctx, []string{"fetch"})
	require.NoError(t, err)

	p := &model.PhaseRun{RunID: run.ID, Name: "fetch", Status: model.PhaseStatusRunning, TotalBatches: 3}
	require.NoError(t, l.RecordPhase(ctx, p))
	assert.NotEmpty(t, p.ID)

	finished := time.Now().UTC()
	p.Status = model.PhaseStatusComplete
	p.SkippedBatches = 1
	p.FlaggedItems = 4
	p.FinishedAt = &finished
	require.NoError(t, l.RecordPhase(ctx, p))

	phases, err := l.ListPhaseRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, model.PhaseStatusComplete, phases[0].Status)
	assert.Equal(t, 3, phases[0].TotalBatches)
	assert.Equal(t, 1, phases[0].SkippedBatches)
	assert.Equal(t, 4, phases[0].FlaggedItems)
	require.NotNil(t, phases[0].FinishedAt)
}

func TestSQLite_Failures(t *testing.T) {
	l := newTestSQLiteLedger(t)
	ctx := context.Background()

	run, err := l.CreateRun(ctx, []string{"fetch", "enrich"})
	require.NoError(t, err)

	require.NoError(t, l.RecordFailures(ctx, nil))
	require.NoError(t, l.RecordFailures(ctx, []model.ItemFailure{
		{RunID: run.ID, Phase: "fetch", BatchIndex: 0, ItemID: "a", ErrorKind: "TransientFetchError", Error: "timeout",
			Flags: []model.QualityFlag{model.FlagWorkerFailed, model.FlagRetriesExhausted}},
		{RunID: run.ID, Phase: "fetch", BatchIndex: 1, ItemID: "b", ErrorKind: "Unknown", Error: "panic: boom",
			Flags: []model.QualityFlag{model.FlagWorkerPanicked}},
		{RunID: run.ID, Phase: "enrich", BatchIndex: 0, ItemID: "c", ErrorKind: "PermanentFetchError", Error: "404"},
	}))

	all, err := l.ListFailures(ctx, FailureFilter{RunID: run.ID})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	fetch, err := l.ListFailures(ctx, FailureFilter{RunID: run.ID, Phase: "fetch"})
	require.NoError(t, err)
	require.Len(t, fetch, 2)
	assert.Equal(t, "a", fetch[0].ItemID)
	assert.Equal(t, []model.QualityFlag{model.FlagWorkerFailed, model.FlagRetriesExhausted}, fetch[0].Flags)
	assert.NotEmpty(t, fetch[0].ID)

	enrich, err := l.ListFailures(ctx, FailureFilter{Phase: "enrich"})
	require.NoError(t, err)
	require.Len(t, enrich, 1)
	assert.Empty(t, enrich[0].Flags)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, "mysql", "", nil)
	require.Error(t, err)
	assert.True(t, resilience.IsKind(err, resilience.KindConfiguration))

	l, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	defer l.Close()

	run, err := l.CreateRun(ctx, []string{"p"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
}
