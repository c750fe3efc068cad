// Package fetch implements tiered acquisition: a cheap fetch, a sufficiency
// check against required fields, and escalation to an expensive fetch tier
// until the data is sufficient or the attempt budget is spent.
package fetch

import (
	"context"
	"errors"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/ratelimit"
	"github.com/sells-group/research-engine/internal/resilience"
)

// Stage identifies a fetch tier.
type Stage int

const (
	// StageCheap is the low-cost tier, e.g. a static HTTP fetch.
	StageCheap Stage = iota
	// StageEscalated is the high-cost tier, e.g. a headless browser render.
	StageEscalated
)

func (s Stage) String() string {
	switch s {
	case StageCheap:
		return "cheap"
	case StageEscalated:
		return "escalated"
	default:
		return "unknown"
	}
}

// DefaultMaxAttempts is the default fetch budget across both tiers.
const DefaultMaxAttempts = 3

// MissingUnspecified is reported when data is insufficient but neither the
// evaluator nor the caller named a missing field.
const MissingUnspecified = "unspecified"

// FetchFunc acquires raw data for url at the given tier. Errors should be
// classified with the resilience package; permanent errors stop the fetcher.
type FetchFunc func(ctx context.Context, url string, stage Stage) (model.Payload, error)

// SufficiencyFunc decides whether data covers every required field. An error
// is treated as insufficient.
type SufficiencyFunc func(ctx context.Context, data model.Payload, required []string) (sufficient bool, missing []string, err error)

// Attempt records one fetch call and its evaluation.
type Attempt struct {
	URL           string
	Stage         Stage
	Number        int
	Data          model.Payload
	Sufficient    bool
	MissingFields []string
	Err           error
}

// Result is the terminal outcome of a fetch. Either Sufficient is true or
// MissingFields is non-empty.
type Result struct {
	Data          model.Payload
	Sufficient    bool
	MissingFields []string
	Attempts      []Attempt
	Escalated     bool
	Flags         model.FlagSet
	// Err is the permanent error that ended the fetch early, if any.
	Err error
}

// Calls returns the number of fetch calls made.
func (r *Result) Calls() int { return len(r.Attempts) }

// Fetcher runs the tiered fetch state machine. It is safe for concurrent use.
type Fetcher struct {
	fetch       FetchFunc
	evaluate    SufficiencyFunc
	maxAttempts int
	limiter     *ratelimit.Registry
	breakers    *resilience.BreakerSet
	keyFor      func(url string) string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithMaxAttempts sets the total fetch budget across both tiers.
func WithMaxAttempts(n int) Option {
	return func(f *Fetcher) { f.maxAttempts = n }
}

// WithLimiter acquires a token for the url's resource key before every call.
func WithLimiter(r *ratelimit.Registry) Option {
	return func(f *Fetcher) { f.limiter = r }
}

// WithBreakers guards the escalated tier with one breaker per service and the
// cheap tier with one breaker per resource key, so a dead host only trips its
// own circuit.
func WithBreakers(b *resilience.BreakerSet) Option {
	return func(f *Fetcher) { f.breakers = b }
}

// WithKeyFunc overrides how a url maps to a rate limiter key.
func WithKeyFunc(fn func(url string) string) Option {
	return func(f *Fetcher) { f.keyFor = fn }
}

// New creates a Fetcher.
func New(fetch FetchFunc, evaluate SufficiencyFunc, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		fetch:       fetch,
		evaluate:    evaluate,
		maxAttempts: DefaultMaxAttempts,
		keyFor:      ratelimit.KeyForURL,
	}
	for _, o := range opts {
		o(f)
	}
	if f.fetch == nil || f.evaluate == nil {
		return nil, resilience.NewConfigurationError("fetch: fetch and sufficiency functions are required")
	}
	if f.maxAttempts < 1 {
		return nil, resilience.NewConfigurationError("fetch: max attempts must be >= 1, got %d", f.maxAttempts)
	}
	return f, nil
}

type state int

const (
	stateCheapFetch state = iota
	stateEvaluate
	stateEscalatedFetch
	stateReEvaluate
	stateDoneSufficient
	stateDoneInsufficient
)

// Fetch acquires data for url until it covers required or the budget is
// spent. It never returns an error for fetch or evaluator failures; those are
// reflected in the Result. The only error is context cancellation.
func (f *Fetcher) Fetch(ctx context.Context, url string, required []string) (*Result, error) {
	log := zap.L().With(zap.String("url", url))
	res := &Result{}

	var cur *Attempt
	st := stateCheapFetch
	for {
		switch st {
		case stateCheapFetch, stateEscalatedFetch:
			if err := ctx.Err(); err != nil {
				return nil, resilience.NewInterruptedError(err)
			}
			stage := StageCheap
			if st == stateEscalatedFetch {
				stage = StageEscalated
				res.Escalated = true
			}
			a, err := f.attempt(ctx, url, stage, len(res.Attempts)+1)
			if err != nil {
				return nil, err
			}
			res.Attempts = append(res.Attempts, a)
			cur = &res.Attempts[len(res.Attempts)-1]

			if resilience.IsKind(a.Err, resilience.KindPermanent) {
				res.Err = a.Err
				res.Flags.Add(model.FlagPermanentFetchFailure)
				st = stateDoneInsufficient
				continue
			}
			if stage == StageCheap {
				st = stateEvaluate
			} else {
				st = stateReEvaluate
			}

		case stateEvaluate, stateReEvaluate:
			if err := f.judge(ctx, cur, required); err != nil {
				return nil, err
			}
			log.Debug("fetch: attempt evaluated",
				zap.Stringer("stage", cur.Stage),
				zap.Int("attempt", cur.Number),
				zap.Bool("sufficient", cur.Sufficient),
				zap.Strings("missing", cur.MissingFields),
			)
			switch {
			case cur.Sufficient:
				st = stateDoneSufficient
			case len(res.Attempts) < f.maxAttempts:
				st = stateEscalatedFetch
			default:
				st = stateDoneInsufficient
			}

		case stateDoneSufficient:
			res.Sufficient = true
			res.Data = cur.Data
			if res.Escalated {
				res.Flags.Add(model.FlagEscalatedFetchUsed)
			}
			return res, nil

		case stateDoneInsufficient:
			best := bestEffort(res.Attempts)
			res.Data = best.Data
			res.MissingFields = missingOrRequired(best.MissingFields, required)
			res.Flags.Add(model.FlagInsufficientFetch)
			if res.Escalated {
				res.Flags.Add(model.FlagEscalatedFetchUsed)
			}
			for _, a := range res.Attempts {
				if resilience.IsKind(a.Err, resilience.KindRetriesExhausted) {
					res.Flags.Add(model.FlagRetriesExhausted)
				}
			}
			log.Info("fetch: insufficient after attempts",
				zap.Int("attempts", len(res.Attempts)),
				zap.Bool("escalated", res.Escalated),
				zap.Strings("missing", res.MissingFields),
				zap.Error(res.Err),
			)
			return res, nil
		}
	}
}

// attempt makes one fetch call. Only cancellation is returned as an error;
// fetch failures are recorded on the Attempt.
func (f *Fetcher) attempt(ctx context.Context, url string, stage Stage, n int) (Attempt, error) {
	a := Attempt{URL: url, Stage: stage, Number: n}

	if f.limiter != nil {
		if err := f.limiter.Acquire(ctx, f.keyFor(url)); err != nil {
			return a, resilience.NewInterruptedError(err)
		}
	}

	call := func(ctx context.Context) (model.Payload, error) {
		return f.fetch(ctx, url, stage)
	}
	var (
		data model.Payload
		err  error
	)
	if f.breakers != nil {
		data, err = resilience.Call(ctx, f.breakers.Get(f.breakerName(url, stage)), call)
	} else {
		data, err = call(ctx)
	}
	if err != nil && ctx.Err() != nil {
		return a, resilience.NewInterruptedError(ctx.Err())
	}
	if err != nil {
		zap.L().Debug("fetch: attempt failed",
			zap.String("url", url),
			zap.Stringer("stage", stage),
			zap.Int("attempt", n),
			zap.Error(err),
		)
		a.Err = eris.Wrapf(err, "fetch: %s attempt %d", stage, n)
		return a, nil
	}
	a.Data = data
	return a, nil
}

// breakerName returns the circuit guarding a call. Cheap fetches go to the
// item's own host; escalated fetches go to one shared service.
func (f *Fetcher) breakerName(url string, stage Stage) string {
	if stage == StageCheap {
		return "fetch:" + stage.String() + ":" + f.keyFor(url)
	}
	return "fetch:" + stage.String()
}

// judge runs the sufficiency check on a. A failed fetch or a failing
// evaluator leaves a insufficient with every required field missing.
func (f *Fetcher) judge(ctx context.Context, a *Attempt, required []string) error {
	if a.Err != nil {
		a.MissingFields = missingOrRequired(nil, required)
		return nil
	}
	ok, missing, err := f.evaluate(ctx, a.Data, required)
	if err != nil {
		if ctx.Err() != nil {
			return resilience.NewInterruptedError(ctx.Err())
		}
		zap.L().Warn("fetch: sufficiency check failed, treating as insufficient",
			zap.String("url", a.URL),
			zap.Int("attempt", a.Number),
			zap.Error(err),
		)
		a.MissingFields = missingOrRequired(nil, required)
		return nil
	}
	a.Sufficient = ok
	if !ok {
		a.MissingFields = missingOrRequired(missing, required)
	}
	return nil
}

// bestEffort picks the attempt with data and the fewest missing fields,
// preferring the later attempt on ties.
func bestEffort(attempts []Attempt) Attempt {
	best := -1
	for i, a := range attempts {
		if a.Data == nil {
			continue
		}
		if best < 0 || len(a.MissingFields) <= len(attempts[best].MissingFields) {
			best = i
		}
	}
	if best < 0 {
		return attempts[len(attempts)-1]
	}
	return attempts[best]
}

func missingOrRequired(missing, required []string) []string {
	if len(missing) > 0 {
		return slices.Clone(missing)
	}
	if len(required) > 0 {
		return slices.Clone(required)
	}
	return []string{MissingUnspecified}
}

// IsInterrupted reports whether err came from Fetch being cancelled.
func IsInterrupted(err error) bool {
	return resilience.IsKind(err, resilience.KindInterrupted) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
