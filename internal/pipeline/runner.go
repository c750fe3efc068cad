// Package pipeline runs an ordered set of dependent phases over the batch
// scheduler. Each phase is resumable on its own; the runner decides which
// phases may run and feeds them their dependencies' checkpointed output.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/ledger"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/resilience"
	"github.com/sells-group/research-engine/internal/scheduler"
)

// Store is the checkpoint persistence the runner reads phase state from.
type Store interface {
	scheduler.Store
	LoadPhaseItems(ctx context.Context, phase string) ([]model.Item, error)
}

// Inputs maps a dependency phase name to its checkpointed output items.
type Inputs map[string][]model.Item

// ItemSource produces the items for a phase.
type ItemSource func(ctx context.Context, inputs Inputs) ([]model.Item, error)

// Phase declares one unit of a run.
type Phase struct {
	Name      string
	DependsOn []string
	// Items produces the phase's input. When nil, the outputs of DependsOn
	// are concatenated in declaration order.
	Items  ItemSource
	Worker scheduler.Worker
	// Finalize post-processes each batch before it is checkpointed.
	Finalize scheduler.Finalizer
	// BatchSize and MaxConcurrency override the runner defaults when > 0.
	BatchSize      int
	MaxConcurrency int
}

// PhaseResult is the outcome of one phase within a run.
type PhaseResult struct {
	Name   string
	Status model.PhaseStatus
	Report *scheduler.PhaseReport
	Err    error
}

// RunReport summarizes a run.
type RunReport struct {
	RunID    string
	Status   model.RunStatus
	Phases   []PhaseResult
	Duration time.Duration
}

// Phase returns the result for name, or nil if the phase was not reached.
func (r *RunReport) Phase(name string) *PhaseResult {
	for i := range r.Phases {
		if r.Phases[i].Name == name {
			return &r.Phases[i]
		}
	}
	return nil
}

// Runner executes phases in dependency order.
type Runner struct {
	store    Store
	sched    *scheduler.Scheduler
	ledger   ledger.Ledger
	defaults scheduler.Options
	newID    func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithLedger records runs, phases and item failures. Ledger errors are logged
// and never fail the run.
func WithLedger(l ledger.Ledger) Option {
	return func(r *Runner) { r.ledger = l }
}

// WithIDFunc overrides run id generation.
func WithIDFunc(fn func() string) Option {
	return func(r *Runner) { r.newID = fn }
}

// NewRunner creates a Runner. defaults supplies batch size, concurrency,
// drain timeout and the shared limiter for every phase.
func NewRunner(store Store, defaults scheduler.Options, opts ...Option) *Runner {
	r := &Runner{
		store:    store,
		sched:    scheduler.New(store),
		defaults: defaults,
		newID:    func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes phases. Complete phases are skipped. A phase whose
// dependencies are not all complete fails with a DependencyError without
// stopping the others. Cancellation stops the run after the in-flight batch
// is checkpointed. The returned error combines every phase failure.
func (r *Runner) Run(ctx context.Context, phases []Phase) (*RunReport, error) {
	start := time.Now()
	ordered, err := r.plan(ctx, phases)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(ordered))
	for i, p := range ordered {
		names[i] = p.Name
	}

	rep := &RunReport{RunID: r.newID(), Status: model.RunStatusRunning}
	if r.ledger != nil {
		run, lerr := r.ledger.CreateRun(context.WithoutCancel(ctx), names)
		if lerr != nil {
			zap.L().Warn("pipeline: ledger create run failed", zap.Error(lerr))
		} else {
			rep.RunID = run.ID
		}
	}

	log := zap.L().With(zap.String("correlation_id", rep.RunID))
	log.Info("pipeline: run starting", zap.Strings("phases", names))

	var errs []error
	for _, p := range ordered {
		if cerr := ctx.Err(); cerr != nil {
			ierr := resilience.NewInterruptedError(eris.Wrapf(cerr, "pipeline: interrupted before phase %s", p.Name))
			errs = append(errs, ierr)
			rep.Status = model.RunStatusInterrupted
			break
		}

		res := r.runPhase(ctx, rep.RunID, p, log)
		rep.Phases = append(rep.Phases, res)
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
		if res.Status == model.PhaseStatusInterrupted {
			rep.Status = model.RunStatusInterrupted
			break
		}
	}

	runErr := multierr.Combine(errs...)
	switch {
	case rep.Status == model.RunStatusInterrupted:
	case runErr != nil:
		rep.Status = model.RunStatusFailed
	default:
		rep.Status = model.RunStatusComplete
	}
	rep.Duration = time.Since(start)

	if r.ledger != nil {
		msg := ""
		if runErr != nil {
			msg = runErr.Error()
		}
		if lerr := r.ledger.UpdateRunStatus(context.WithoutCancel(ctx), rep.RunID, rep.Status, msg); lerr != nil {
			log.Warn("pipeline: ledger update run failed", zap.Error(lerr))
		}
	}

	log.Info("pipeline: run finished",
		zap.String("status", string(rep.Status)),
		zap.Int("phases", len(rep.Phases)),
		zap.Duration("duration", rep.Duration),
		zap.Error(runErr),
	)
	return rep, runErr
}

func (r *Runner) runPhase(ctx context.Context, runID string, p Phase, log *zap.Logger) PhaseResult {
	plog := log.With(zap.String("phase", p.Name))
	res := PhaseResult{Name: p.Name}

	if r.store.IsPhaseComplete(ctx, p.Name) {
		plog.Info("pipeline: phase already complete, skipping")
		res.Status = model.PhaseStatusSkipped
		r.recordPhase(ctx, runID, &res, time.Now())
		return res
	}

	var missing []string
	for _, dep := range p.DependsOn {
		if !r.store.IsPhaseComplete(ctx, dep) {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		res.Status = model.PhaseStatusBlocked
		res.Err = resilience.NewDependencyError(p.Name, missing)
		plog.Warn("pipeline: phase blocked", zap.Strings("incomplete", missing))
		r.recordPhase(ctx, runID, &res, time.Now())
		return res
	}

	started := time.Now()
	res.Status = model.PhaseStatusRunning
	r.recordPhase(ctx, runID, &res, started)

	items, err := r.phaseItems(ctx, p)
	if err != nil {
		res.Status = statusFor(err)
		res.Err = err
		plog.Error("pipeline: phase input failed", zap.Error(err))
		r.recordPhase(ctx, runID, &res, started)
		return res
	}

	opts := r.defaults
	opts.CorrelationID = runID
	opts.Finalize = p.Finalize
	if p.BatchSize > 0 {
		opts.BatchSize = p.BatchSize
	}
	if p.MaxConcurrency > 0 {
		opts.MaxConcurrency = p.MaxConcurrency
	}

	prep, err := r.sched.RunPhase(ctx, p.Name, items, opts, p.Worker)
	res.Report = prep
	if prep != nil {
		r.recordFailures(ctx, runID, p.Name, prep.Failures)
	}
	if err != nil {
		res.Status = statusFor(err)
		res.Err = eris.Wrapf(err, "pipeline: phase %s", p.Name)
		plog.Error("pipeline: phase failed", zap.String("status", string(res.Status)), zap.Error(err))
	} else {
		res.Status = model.PhaseStatusComplete
	}
	r.recordPhase(ctx, runID, &res, started)
	return res
}

// phaseItems resolves a phase's input from its dependencies' checkpoints.
func (r *Runner) phaseItems(ctx context.Context, p Phase) ([]model.Item, error) {
	inputs := make(Inputs, len(p.DependsOn))
	for _, dep := range p.DependsOn {
		items, err := r.store.LoadPhaseItems(ctx, dep)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: load output of %s", dep)
		}
		inputs[dep] = items
	}
	if p.Items != nil {
		items, err := p.Items(ctx, inputs)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: phase %s items", p.Name)
		}
		return items, nil
	}
	var all []model.Item
	for _, dep := range p.DependsOn {
		all = append(all, inputs[dep]...)
	}
	return all, nil
}

func statusFor(err error) model.PhaseStatus {
	if resilience.IsKind(err, resilience.KindInterrupted) {
		return model.PhaseStatusInterrupted
	}
	return model.PhaseStatusFailed
}

func (r *Runner) recordPhase(ctx context.Context, runID string, res *PhaseResult, started time.Time) {
	if r.ledger == nil {
		return
	}
	pr := &model.PhaseRun{
		RunID:     runID,
		Name:      res.Name,
		Status:    res.Status,
		StartedAt: started,
	}
	if res.Report != nil {
		pr.TotalBatches = res.Report.TotalBatches
		pr.SkippedBatches = res.Report.SkippedBatches
		pr.FlaggedItems = res.Report.FlaggedItems
	}
	if res.Err != nil {
		pr.Error = res.Err.Error()
	}
	if res.Status != model.PhaseStatusRunning {
		now := time.Now().UTC()
		pr.FinishedAt = &now
	}
	if err := r.ledger.RecordPhase(context.WithoutCancel(ctx), pr); err != nil {
		zap.L().Warn("pipeline: ledger record phase failed", zap.String("phase", res.Name), zap.Error(err))
	}
}

func (r *Runner) recordFailures(ctx context.Context, runID, phase string, failures []scheduler.Failure) {
	if r.ledger == nil || len(failures) == 0 {
		return
	}
	out := make([]model.ItemFailure, len(failures))
	for i, f := range failures {
		out[i] = model.ItemFailure{
			RunID:      runID,
			Phase:      phase,
			BatchIndex: f.BatchIndex,
			ItemID:     f.ItemID,
			ErrorKind:  f.Kind.String(),
			Error:      f.Err,
			Flags:      f.Flags,
		}
	}
	if err := r.ledger.RecordFailures(context.WithoutCancel(ctx), out); err != nil {
		zap.L().Warn("pipeline: ledger record failures failed", zap.String("phase", phase), zap.Int("count", len(out)), zap.Error(err))
	}
}
