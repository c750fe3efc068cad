// Package scheduler runs a phase: it splits items into batches, resumes after
// the last durable batch, processes each batch with a bounded worker pool and
// checkpoints every batch exactly once.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/research-engine/internal/checkpoint"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/ratelimit"
	"github.com/sells-group/research-engine/internal/resilience"
)

// Store is the checkpoint persistence the scheduler writes through.
type Store interface {
	SaveBatch(ctx context.Context, phase string, index int, items []model.Item) error
	LoadBatch(ctx context.Context, phase string, index int) ([]model.Item, bool, error)
	ResumePoint(ctx context.Context, phase string, totalBatches int) int
	MarkPhaseComplete(ctx context.Context, phase string) error
	IsPhaseComplete(ctx context.Context, phase string) bool
	SaveManifest(ctx context.Context, m checkpoint.Manifest) error
	LoadManifest(ctx context.Context, phase string) (*checkpoint.Manifest, bool, error)
}

// WorkContext is handed to every worker call. It replaces ambient state: the
// correlation id and logger identify the run, phase and batch, and Limiter is
// the run's shared rate limiter registry.
type WorkContext struct {
	CorrelationID string
	Phase         string
	BatchIndex    int
	Limiter       *ratelimit.Registry
	Logger        *zap.Logger
}

// Worker processes one item. A returned error or a panic replaces the item
// with a flagged placeholder; neither aborts the batch.
type Worker func(ctx context.Context, wc WorkContext, item model.Item) (model.Item, error)

// Finalizer post-processes a batch's results before they are checkpointed,
// e.g. deduplication.
type Finalizer func(ctx context.Context, wc WorkContext, items []model.Item) ([]model.Item, error)

// Options configures a phase run.
type Options struct {
	BatchSize      int
	MaxConcurrency int
	// DrainTimeout bounds how long an in-flight batch may keep running after
	// ctx is cancelled. Zero waits for the batch to finish. A batch cut off by
	// the timeout is not checkpointed.
	DrainTimeout  time.Duration
	CorrelationID string
	Limiter       *ratelimit.Registry
	Finalize      Finalizer
}

func (o Options) validate() error {
	if o.BatchSize < 1 {
		return resilience.NewConfigurationError("scheduler: batch size must be >= 1, got %d", o.BatchSize)
	}
	if o.MaxConcurrency < 1 {
		return resilience.NewConfigurationError("scheduler: max concurrency must be >= 1, got %d", o.MaxConcurrency)
	}
	if o.DrainTimeout < 0 {
		return resilience.NewConfigurationError("scheduler: drain timeout must be >= 0, got %s", o.DrainTimeout)
	}
	return nil
}

// Failure describes an item replaced by a placeholder.
type Failure struct {
	BatchIndex int
	ItemID     string
	Kind       resilience.Kind
	Err        string
	Flags      []model.QualityFlag
}

// PhaseReport summarizes a phase run.
type PhaseReport struct {
	Phase            string
	TotalItems       int
	TotalBatches     int
	ResumeFrom       int
	SkippedBatches   int
	ProcessedBatches int
	WorkerCalls      int
	FlaggedItems     int
	Failures         []Failure
	Complete         bool
	Duration         time.Duration
}

// Scheduler runs phases against a checkpoint store.
type Scheduler struct {
	store Store
}

// New creates a Scheduler.
func New(store Store) *Scheduler {
	return &Scheduler{store: store}
}

// Split partitions items into consecutive batches of size n. The last batch
// may be shorter. The result depends only on the item order and n.
func Split(items []model.Item, n int) [][]model.Item {
	if n < 1 {
		return nil
	}
	out := make([][]model.Item, 0, (len(items)+n-1)/n)
	for start := 0; start < len(items); start += n {
		out = append(out, items[start:min(start+n, len(items))])
	}
	return out
}

// RunPhase processes items for phase and marks the phase complete once every
// batch is durable. Batches before the resume point, and any later batch that
// already has a valid checkpoint, are skipped without calling worker.
//
// When ctx is cancelled no new batch starts. The in-flight batch keeps
// running on a context detached from ctx, is checkpointed, and RunPhase
// returns an interrupted error. A CheckpointIOError aborts the phase.
func (s *Scheduler) RunPhase(ctx context.Context, phase string, items []model.Item, opts Options, worker Worker) (*PhaseReport, error) {
	start := time.Now()
	if err := checkpoint.ValidatePhaseName(phase); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if worker == nil {
		return nil, resilience.NewConfigurationError("scheduler: worker is required")
	}
	if err := model.ValidateIDs(items); err != nil {
		return nil, resilience.NewConfigurationError("scheduler: phase %q: %v", phase, err)
	}

	log := zap.L().With(
		zap.String("correlation_id", opts.CorrelationID),
		zap.String("phase", phase),
	)

	if err := s.checkManifest(ctx, phase, items, opts.BatchSize); err != nil {
		return nil, err
	}

	batches := Split(items, opts.BatchSize)
	rep := &PhaseReport{
		Phase:        phase,
		TotalItems:   len(items),
		TotalBatches: len(batches),
	}
	rep.ResumeFrom = s.store.ResumePoint(ctx, phase, len(batches))
	rep.SkippedBatches = rep.ResumeFrom

	log.Info("phase starting",
		zap.Int("items", len(items)),
		zap.Int("batches", len(batches)),
		zap.Int("resume_from", rep.ResumeFrom),
		zap.Int("batch_size", opts.BatchSize),
		zap.Int("max_concurrency", opts.MaxConcurrency),
	)

	for i := rep.ResumeFrom; i < len(batches); i++ {
		if err := ctx.Err(); err != nil {
			rep.Duration = time.Since(start)
			log.Warn("phase interrupted before batch", zap.Int("batch", i))
			return rep, resilience.NewInterruptedError(eris.Wrapf(err, "phase %s: interrupted before batch %d", phase, i))
		}
		if _, ok, err := s.store.LoadBatch(ctx, phase, i); err != nil {
			return rep, err
		} else if ok {
			rep.SkippedBatches++
			continue
		}

		if err := s.runBatch(ctx, phase, i, batches[i], opts, worker, rep, log); err != nil {
			rep.Duration = time.Since(start)
			return rep, err
		}
		rep.ProcessedBatches++

		if err := ctx.Err(); err != nil && i+1 < len(batches) {
			rep.Duration = time.Since(start)
			log.Warn("phase interrupted after checkpoint", zap.Int("batch", i))
			return rep, resilience.NewInterruptedError(eris.Wrapf(err, "phase %s: interrupted after batch %d", phase, i))
		}
	}

	if err := s.store.MarkPhaseComplete(context.WithoutCancel(ctx), phase); err != nil {
		rep.Duration = time.Since(start)
		return rep, err
	}
	rep.Complete = true
	rep.Duration = time.Since(start)

	log.Info("phase complete",
		zap.Int("processed_batches", rep.ProcessedBatches),
		zap.Int("skipped_batches", rep.SkippedBatches),
		zap.Int("worker_calls", rep.WorkerCalls),
		zap.Int("flagged_items", rep.FlaggedItems),
		zap.Duration("duration", rep.Duration),
	)
	return rep, nil
}

// checkManifest saves the phase fingerprint on first run and rejects a resume
// whose item list or batch size differs from the checkpointed one.
func (s *Scheduler) checkManifest(ctx context.Context, phase string, items []model.Item, batchSize int) error {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	want := checkpoint.NewManifest(phase, ids, batchSize)

	have, ok, err := s.store.LoadManifest(ctx, phase)
	if err != nil {
		return err
	}
	if ok {
		if have.Fingerprint != want.Fingerprint {
			return resilience.NewConfigurationError(
				"scheduler: phase %q was checkpointed with %d items at batch size %d; now %d items at batch size %d; reset the phase to rerun it",
				phase, have.TotalItems, have.BatchSize, want.TotalItems, want.BatchSize)
		}
		return nil
	}
	return s.store.SaveManifest(context.WithoutCancel(ctx), want)
}

// runBatch processes one batch and checkpoints it.
func (s *Scheduler) runBatch(ctx context.Context, phase string, index int, batch []model.Item, opts Options, worker Worker, rep *PhaseReport, log *zap.Logger) error {
	blog := log.With(zap.Int("batch", index))
	wc := WorkContext{
		CorrelationID: opts.CorrelationID,
		Phase:         phase,
		BatchIndex:    index,
		Limiter:       opts.Limiter,
		Logger:        blog,
	}

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var hardCancelled atomic.Bool
	stopDrain := make(chan struct{})
	stopWatch := sync.OnceFunc(func() { close(stopDrain) })
	defer stopWatch()
	go func() {
		select {
		case <-stopDrain:
			return
		case <-ctx.Done():
		}
		blog.Info("shutdown requested, draining in-flight batch", zap.Duration("drain_timeout", opts.DrainTimeout))
		if opts.DrainTimeout <= 0 {
			return
		}
		timer := time.NewTimer(opts.DrainTimeout)
		defer timer.Stop()
		select {
		case <-stopDrain:
		case <-timer.C:
			hardCancelled.Store(true)
			cancelWork()
		}
	}()

	blog.Debug("batch starting", zap.Int("items", len(batch)))

	results := make([]model.Item, len(batch))
	var (
		mu       sync.Mutex
		failures []Failure
		calls    atomic.Int64
	)

	g := new(errgroup.Group)
	g.SetLimit(opts.MaxConcurrency)
	for idx, item := range batch {
		g.Go(func() error {
			calls.Add(1)
			out, f := runItem(workCtx, wc, item, worker)
			results[idx] = out
			if f != nil {
				f.BatchIndex = index
				mu.Lock()
				failures = append(failures, *f)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	stopWatch()
	rep.WorkerCalls += int(calls.Load())

	if hardCancelled.Load() {
		blog.Warn("drain timeout exceeded, batch discarded without checkpoint")
		return resilience.NewInterruptedError(
			eris.Errorf("phase %s: batch %d cut off after drain timeout %s", phase, index, opts.DrainTimeout))
	}

	if opts.Finalize != nil {
		finalized, err := opts.Finalize(workCtx, wc, results)
		if err != nil {
			return eris.Wrapf(err, "phase %s: finalize batch %d", phase, index)
		}
		results = finalized
	}

	if err := s.store.SaveBatch(context.WithoutCancel(ctx), phase, index, results); err != nil {
		blog.Error("checkpoint write failed, aborting phase", zap.Error(err))
		return err
	}

	flagged := 0
	for _, it := range results {
		if it.QualityFlags.Len() > 0 {
			flagged++
		}
	}
	rep.FlaggedItems += flagged
	rep.Failures = append(rep.Failures, failures...)

	blog.Info("batch checkpointed",
		zap.Int("items", len(results)),
		zap.Int("failed", len(failures)),
		zap.Int("flagged", flagged),
	)
	return nil
}

// runItem calls worker with panic isolation. On failure it returns a
// placeholder carrying the input payload, flags and the error text.
func runItem(ctx context.Context, wc WorkContext, item model.Item, worker Worker) (out model.Item, f *Failure) {
	ilog := wc.Logger.With(zap.String("item", item.ID))
	wc.Logger = ilog

	defer func() {
		if r := recover(); r != nil {
			ilog.Error("worker panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			out = placeholder(item, fmt.Sprintf("panic: %v", r), model.FlagWorkerPanicked)
			f = &Failure{
				ItemID: item.ID,
				Kind:   resilience.KindUnknown,
				Err:    out.Error,
				Flags:  out.QualityFlags.Slice(),
			}
		}
	}()

	res, err := worker(ctx, wc, item.Clone())
	if err == nil && res.ID != item.ID {
		err = eris.Errorf("worker returned item %q for input %q", res.ID, item.ID)
	}
	if err != nil {
		kind := resilience.KindOf(err)
		flags := []model.QualityFlag{model.FlagWorkerFailed}
		switch kind {
		case resilience.KindRetriesExhausted:
			flags = append(flags, model.FlagRetriesExhausted)
		case resilience.KindPermanent:
			flags = append(flags, model.FlagPermanentFetchFailure)
		}
		ilog.Warn("worker failed, recording placeholder", zap.Stringer("kind", kind), zap.Error(err))
		out = placeholder(item, err.Error(), flags...)
		return out, &Failure{
			ItemID: item.ID,
			Kind:   kind,
			Err:    out.Error,
			Flags:  out.QualityFlags.Slice(),
		}
	}
	return res, nil
}

func placeholder(item model.Item, msg string, flags ...model.QualityFlag) model.Item {
	out := item.Clone()
	out.Flag(flags...)
	out.Error = msg
	return out
}
