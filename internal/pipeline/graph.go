package pipeline

import (
	"context"
	"slices"
	"strings"

	"github.com/sells-group/research-engine/internal/checkpoint"
	"github.com/sells-group/research-engine/internal/resilience"
)

// plan validates phases and returns them in dependency order. Ties are broken
// by declaration order so the same declaration always yields the same plan.
//
// A dependency must be declared in the run or already be complete on disk
// from an earlier run.
func (r *Runner) plan(ctx context.Context, phases []Phase) ([]Phase, error) {
	if len(phases) == 0 {
		return nil, resilience.NewConfigurationError("pipeline: no phases to run")
	}

	index := make(map[string]int, len(phases))
	for i, p := range phases {
		if err := checkpoint.ValidatePhaseName(p.Name); err != nil {
			return nil, err
		}
		if _, dup := index[p.Name]; dup {
			return nil, resilience.NewConfigurationError("pipeline: duplicate phase %q", p.Name)
		}
		if p.Worker == nil {
			return nil, resilience.NewConfigurationError("pipeline: phase %q has no worker", p.Name)
		}
		if p.Items == nil && len(p.DependsOn) == 0 {
			return nil, resilience.NewConfigurationError("pipeline: phase %q has neither an item source nor dependencies", p.Name)
		}
		if p.BatchSize < 0 || p.MaxConcurrency < 0 {
			return nil, resilience.NewConfigurationError("pipeline: phase %q has a negative batch size or concurrency", p.Name)
		}
		index[p.Name] = i
	}

	for _, p := range phases {
		for _, dep := range p.DependsOn {
			if dep == p.Name {
				return nil, resilience.NewConfigurationError("pipeline: phase %q depends on itself", p.Name)
			}
			if _, ok := index[dep]; ok {
				continue
			}
			if !r.store.IsPhaseComplete(ctx, dep) {
				return nil, resilience.NewConfigurationError(
					"pipeline: phase %q depends on unknown phase %q (not declared and not complete)", p.Name, dep)
			}
		}
	}

	placed := make([]bool, len(phases))
	ordered := make([]Phase, 0, len(phases))
	for len(ordered) < len(phases) {
		next := -1
		for i, p := range phases {
			if placed[i] {
				continue
			}
			ready := true
			for _, dep := range p.DependsOn {
				if j, ok := index[dep]; ok && !placed[j] {
					ready = false
					break
				}
			}
			if ready {
				next = i
				break
			}
		}
		if next < 0 {
			var stuck []string
			for i, p := range phases {
				if !placed[i] {
					stuck = append(stuck, p.Name)
				}
			}
			slices.Sort(stuck)
			return nil, resilience.NewConfigurationError("pipeline: dependency cycle among phases: %s", strings.Join(stuck, ", "))
		}
		placed[next] = true
		ordered = append(ordered, phases[next])
	}
	return ordered, nil
}
