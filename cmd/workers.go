package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/dedupe"
	"github.com/sells-group/research-engine/internal/fetch"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/pipeline"
	"github.com/sells-group/research-engine/internal/resilience"
	"github.com/sells-group/research-engine/internal/scheduler"
	"github.com/sells-group/research-engine/internal/scrape"
)

// Payload keys the fetch worker adds next to the page fields.
const (
	fieldEmail         = "email"
	fieldFetchAttempts = "fetch_attempts"
	fieldMissingFields = "missing_fields"
)

// buildPhases turns a manifest into runner phases.
func buildPhases(m *runManifest, env *engineEnv) ([]pipeline.Phase, error) {
	phases := make([]pipeline.Phase, 0, len(m.Phases))
	for _, ps := range m.Phases {
		p := pipeline.Phase{
			Name:           ps.Name,
			DependsOn:      ps.DependsOn,
			BatchSize:      ps.BatchSize,
			MaxConcurrency: ps.MaxConcurrency,
		}

		if ps.Items != "" {
			path := m.itemsPath(ps)
			p.Items = func(context.Context, pipeline.Inputs) ([]model.Item, error) {
				return readItems(path)
			}
		}

		switch ps.Worker {
		case workerFetch:
			if env.Fetcher == nil {
				return nil, resilience.NewConfigurationError("phase %q: fetch worker requires a fetcher", ps.Name)
			}
			p.Worker = fetchWorker(env.Fetcher, ps.URLField, ps.Required)
		default:
			p.Worker = passthroughWorker
		}

		if ps.Dedupe {
			if env.Dedupe == nil || env.Equivalence == nil {
				return nil, resilience.NewConfigurationError("phase %q: dedupe requires a deduplicator and oracle", ps.Name)
			}
			p.Finalize = dedupeFinalizer(env.Dedupe, env.Equivalence)
		}
		phases = append(phases, p)
	}
	return phases, nil
}

// passthroughWorker copies items unchanged; combined with dedupe it forms a
// pure merge phase.
func passthroughWorker(_ context.Context, _ scheduler.WorkContext, item model.Item) (model.Item, error) {
	return item.Clone(), nil
}

// fetchWorker acquires the page at the item's URL field and merges the page
// fields into the item. Fields the item already carries are kept.
func fetchWorker(f *fetch.Fetcher, urlField string, required []string) scheduler.Worker {
	return func(ctx context.Context, wc scheduler.WorkContext, item model.Item) (model.Item, error) {
		url := item.Payload.String(urlField)
		if url == "" {
			return item, resilience.NewPermanentError(eris.Errorf("item %s has no %q field", item.ID, urlField), 0)
		}

		res, err := f.Fetch(ctx, url, required)
		if err != nil {
			return item, err
		}

		out := item.Clone()
		if out.Payload == nil {
			out.Payload = model.Payload{}
		}
		for k, v := range res.Data {
			if model.IsEmptyValue(v) || out.Payload.NonEmpty(k) {
				continue
			}
			out.Payload[k] = v
		}
		if !out.Payload.NonEmpty(fieldEmail) {
			if emails, ok := res.Data[scrape.FieldEmails].([]any); ok && len(emails) > 0 {
				out.Payload[fieldEmail] = emails[0]
				out.Flag(model.FlagInferred)
			}
		}
		out.Payload[fieldFetchAttempts] = res.Calls()
		if len(res.MissingFields) > 0 {
			out.Payload[fieldMissingFields] = res.MissingFields
		}
		out.QualityFlags = out.QualityFlags.Union(res.Flags)
		if res.Err != nil {
			out.Error = res.Err.Error()
		}

		wc.Logger.Debug("fetched",
			zap.String("item", item.ID),
			zap.Bool("sufficient", res.Sufficient),
			zap.Int("attempts", res.Calls()),
		)
		return out, nil
	}
}

// dedupeFinalizer merges duplicates within a batch.
func dedupeFinalizer(d *dedupe.Deduplicator, o dedupe.Oracle) scheduler.Finalizer {
	return func(ctx context.Context, wc scheduler.WorkContext, items []model.Item) ([]model.Item, error) {
		rep, err := d.Run(ctx, items, o)
		if err != nil {
			return nil, err
		}
		if rep.Merges > 0 {
			wc.Logger.Info("batch deduplicated",
				zap.Int("input", len(items)),
				zap.Int("output", len(rep.Items)),
				zap.Int("oracle_calls", rep.OracleCalls),
			)
		}
		return rep.Items, nil
	}
}
