// Package dedupe resolves duplicate items. Items are blocked by a cheap
// normalized key and an equivalence oracle is consulted only for pairs that
// share a block.
package dedupe

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/resilience"
)

// DefaultThreshold is the minimum oracle confidence for a merge.
const DefaultThreshold = 90

// Verdict is an equivalence oracle's answer for a pair.
type Verdict struct {
	IsDuplicate bool `json:"is_duplicate"`
	Confidence  int  `json:"confidence"`
}

// Oracle decides whether two items denote the same entity.
type Oracle func(ctx context.Context, a, b model.Item) (Verdict, error)

// KeyFunc maps an item to its blocking key. Items with an empty key are never
// compared with anything.
type KeyFunc func(model.Item) string

// ShouldMerge applies the merge rule: the oracle must say duplicate AND be at
// least threshold confident. A confident "not duplicate" and an unsure
// "duplicate" both keep the items apart.
func ShouldMerge(v Verdict, threshold int) bool {
	return v.IsDuplicate && v.Confidence >= threshold
}

// Deduplicator merges duplicate items.
type Deduplicator struct {
	threshold   int
	key         KeyFunc
	concurrency int
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithThreshold sets the merge confidence threshold (0-100).
func WithThreshold(n int) Option {
	return func(d *Deduplicator) { d.threshold = n }
}

// WithKey sets the blocking key function.
func WithKey(fn KeyFunc) Option {
	return func(d *Deduplicator) { d.key = fn }
}

// WithConcurrency sets how many blocks are resolved in parallel.
func WithConcurrency(n int) Option {
	return func(d *Deduplicator) { d.concurrency = n }
}

// New creates a Deduplicator. The default key is PersonKey over the "name"
// payload field.
func New(opts ...Option) (*Deduplicator, error) {
	d := &Deduplicator{
		threshold:   DefaultThreshold,
		key:         FieldKey("name"),
		concurrency: 1,
	}
	for _, o := range opts {
		o(d)
	}
	if d.threshold < 0 || d.threshold > 100 {
		return nil, resilience.NewConfigurationError("dedupe: confidence threshold must be within 0-100, got %d", d.threshold)
	}
	if d.key == nil {
		return nil, resilience.NewConfigurationError("dedupe: key function is required")
	}
	if d.concurrency < 1 {
		return nil, resilience.NewConfigurationError("dedupe: concurrency must be >= 1, got %d", d.concurrency)
	}
	return d, nil
}

// Report summarizes a dedupe pass.
type Report struct {
	Items        []model.Item
	Blocks       int
	OracleCalls  int
	OracleErrors int
	Merges       int
}

// Dedupe returns items with duplicates merged, in order of each surviving
// cluster's first member.
func (d *Deduplicator) Dedupe(ctx context.Context, items []model.Item, oracle Oracle) ([]model.Item, error) {
	rep, err := d.Run(ctx, items, oracle)
	if err != nil {
		return nil, err
	}
	return rep.Items, nil
}

// cluster is a merged representative and the input position of its first
// member.
type cluster struct {
	first int
	rep   model.Item
}

// Run is Dedupe with statistics. Oracle errors are logged and treated as "not
// duplicate"; only context cancellation aborts.
func (d *Deduplicator) Run(ctx context.Context, items []model.Item, oracle Oracle) (*Report, error) {
	if oracle == nil {
		return nil, resilience.NewConfigurationError("dedupe: oracle is required")
	}

	// Block in input order.
	var (
		order  []string
		blocks = make(map[string][]int)
		loners []int
	)
	for i, it := range items {
		k := d.key(it)
		if k == "" {
			loners = append(loners, i)
			continue
		}
		if _, ok := blocks[k]; !ok {
			order = append(order, k)
		}
		blocks[k] = append(blocks[k], i)
	}

	var calls, oracleErrs, merges atomic.Int64
	resolved := make([][]cluster, len(order))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for bi, k := range order {
		members := blocks[k]
		g.Go(func() error {
			var cs []cluster
			for _, idx := range members {
				it := items[idx]
				merged := false
				for ci := range cs {
					if err := gctx.Err(); err != nil {
						return err
					}
					v, err := oracle(gctx, cs[ci].rep, it)
					calls.Add(1)
					if err != nil {
						if gctx.Err() != nil {
							return gctx.Err()
						}
						oracleErrs.Add(1)
						zap.L().Warn("dedupe: oracle failed, treating pair as distinct",
							zap.String("a", cs[ci].rep.ID),
							zap.String("b", it.ID),
							zap.Error(err),
						)
						continue
					}
					if ShouldMerge(v, d.threshold) {
						cs[ci].rep = Merge(cs[ci].rep, it)
						merges.Add(1)
						merged = true
						break
					}
				}
				if !merged {
					cs = append(cs, cluster{first: idx, rep: it.Clone()})
				}
			}
			resolved[bi] = cs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, resilience.NewInterruptedError(eris.Wrap(err, "dedupe"))
	}

	var all []cluster
	for _, cs := range resolved {
		all = append(all, cs...)
	}
	for _, i := range loners {
		all = append(all, cluster{first: i, rep: items[i].Clone()})
	}
	slices.SortFunc(all, func(a, b cluster) int { return a.first - b.first })

	out := make([]model.Item, len(all))
	for i, c := range all {
		out[i] = c.rep
	}

	rep := &Report{
		Items:        out,
		Blocks:       len(order),
		OracleCalls:  int(calls.Load()),
		OracleErrors: int(oracleErrs.Load()),
		Merges:       int(merges.Load()),
	}
	zap.L().Debug("dedupe: pass complete",
		zap.Int("input", len(items)),
		zap.Int("output", len(out)),
		zap.Int("blocks", rep.Blocks),
		zap.Int("oracle_calls", rep.OracleCalls),
		zap.Int("merges", rep.Merges),
	)
	return rep, nil
}

// Merge folds b into a. The record with more non-empty fields wins and keeps
// its id; its empty fields are filled from the other record. Quality flags
// are unioned and the result is flagged deduplicated.
func Merge(a, b model.Item) model.Item {
	winner, loser := a, b
	if b.Payload.CountNonEmpty() > a.Payload.CountNonEmpty() {
		winner, loser = b, a
	}

	out := winner.Clone()
	if out.Payload == nil {
		out.Payload = model.Payload{}
	}
	for k, v := range loser.Payload {
		if model.IsEmptyValue(v) || out.Payload.NonEmpty(k) {
			continue
		}
		out.Payload[k] = v
	}

	out.QualityFlags = winner.QualityFlags.Union(loser.QualityFlags)
	out.QualityFlags.Add(model.FlagDeduplicated)

	out.MergedFrom = append(out.MergedFrom, loser.ID)
	out.MergedFrom = append(out.MergedFrom, loser.MergedFrom...)
	if out.Error == "" {
		out.Error = loser.Error
	}
	return out
}
