package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/checkpoint"
	"github.com/sells-group/research-engine/internal/config"
	"github.com/sells-group/research-engine/internal/dedupe"
	"github.com/sells-group/research-engine/internal/fetch"
	"github.com/sells-group/research-engine/internal/ledger"
	"github.com/sells-group/research-engine/internal/oracle"
	"github.com/sells-group/research-engine/internal/ratelimit"
	"github.com/sells-group/research-engine/internal/resilience"
	"github.com/sells-group/research-engine/internal/scrape"
	anthropicpkg "github.com/sells-group/research-engine/pkg/anthropic"
	"github.com/sells-group/research-engine/pkg/firecrawl"
	"github.com/sells-group/research-engine/pkg/jina"
)

// engineEnv holds the stores and clients shared by the commands.
type engineEnv struct {
	Store    *checkpoint.Store
	Ledger   ledger.Ledger // may be nil
	Limiter  *ratelimit.Registry
	Breakers *resilience.BreakerSet

	Fetcher     *fetch.Fetcher
	Dedupe      *dedupe.Deduplicator
	Equivalence dedupe.Oracle
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.Ledger != nil {
		_ = e.Ledger.Close()
	}
}

// openStore opens the checkpoint directory.
func openStore(c *config.Config) (*checkpoint.Store, error) {
	return checkpoint.NewStore(c.Checkpoint.Dir)
}

// openLedger connects the run ledger. An empty driver disables it.
func openLedger(ctx context.Context, c *config.Config) (ledger.Ledger, error) {
	if c.Ledger.Driver == "" {
		return nil, nil
	}
	return ledger.Open(ctx, c.Ledger.Driver, c.Ledger.DSN, &ledger.PoolConfig{
		MaxConns: c.Ledger.MaxConns,
		MinConns: c.Ledger.MinConns,
	})
}

// initEnv builds everything a run needs. Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config) (*engineEnv, error) {
	st, err := openStore(c)
	if err != nil {
		return nil, err
	}
	lim, err := c.Limiter()
	if err != nil {
		return nil, err
	}
	env := &engineEnv{
		Store:    st,
		Limiter:  lim,
		Breakers: resilience.NewBreakerSet(c.Breaker.Settings()),
	}

	env.Ledger, err = openLedger(ctx, c)
	if err != nil {
		// History is optional; checkpoints alone make a run resumable.
		zap.L().Warn("ledger unavailable, run history will not be recorded", zap.Error(err))
		env.Ledger = nil
	}

	var llm *oracle.Anthropic
	if c.Anthropic.Key != "" {
		llm, err = oracle.NewAnthropic(
			anthropicpkg.NewClient(c.Anthropic.Key),
			oracle.WithModel(c.Anthropic.Model),
			oracle.WithRetry(c.Retry.Policy()),
			oracle.WithBreaker(env.Breakers.Get("anthropic")),
		)
		if err != nil {
			return nil, err
		}
	} else {
		zap.L().Debug("RESEARCH_ANTHROPIC_KEY not set, using exact-name dedupe and field presence checks")
	}

	env.Fetcher, err = newFetcher(c, env, llm)
	if err != nil {
		return nil, err
	}

	env.Dedupe, err = dedupe.New(
		dedupe.WithThreshold(c.Dedupe.ConfidenceThreshold),
		dedupe.WithKey(dedupeKey(c.Dedupe)),
		dedupe.WithConcurrency(max(1, c.Dedupe.Concurrency)),
	)
	if err != nil {
		return nil, err
	}
	if llm != nil {
		env.Equivalence = llm.Equivalent
	} else {
		env.Equivalence = oracle.ExactName(c.Dedupe.KeyField)
	}
	return env, nil
}

// newFetcher wires the static tier, the render tier (when a Firecrawl key is
// configured) and a sufficiency evaluator into a multi-stage fetcher. The
// tiers do their own rate limiting so they can react to 429s.
func newFetcher(c *config.Config, env *engineEnv, llm *oracle.Anthropic) (*fetch.Fetcher, error) {
	retry := c.Retry.Policy()

	static := scrape.NewStatic(
		scrape.WithHTTPClient(&http.Client{
			Timeout: time.Duration(c.Fetch.TimeoutSecs) * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		}),
		scrape.WithStaticLimiter(env.Limiter),
		scrape.WithStaticRetry(retry),
		scrape.WithUserAgent(c.Fetch.UserAgent),
	)

	var escalated fetch.TierFunc
	if c.Firecrawl.Key != "" {
		fc := firecrawl.NewClient(c.Firecrawl.Key, firecrawl.WithBaseURL(c.Firecrawl.BaseURL))
		escalated = scrape.NewRender(fc,
			scrape.WithRenderLimiter(env.Limiter),
			scrape.WithRenderRetry(retry),
			scrape.WithRenderWait(c.Fetch.RenderWaitMs),
		).Fetch
	} else if c.Jina.Enabled {
		escalated = scrape.NewReader(
			jina.NewClient(c.Jina.Key, jina.WithBaseURL(c.Jina.BaseURL)),
			scrape.WithReaderLimiter(env.Limiter),
			scrape.WithReaderRetry(retry),
		).Fetch
	} else {
		zap.L().Debug("no render service configured, escalated fetches reuse the static tier")
	}

	evaluate := fetch.FieldPresence
	if c.Fetch.UseLLMEvaluate && llm != nil {
		evaluate = llm.Sufficient
	}

	return fetch.New(
		fetch.Tiered(static.Fetch, escalated),
		evaluate,
		fetch.WithMaxAttempts(c.Fetch.MaxAttempts),
		fetch.WithBreakers(env.Breakers),
	)
}

// dedupeKey returns the blocking key function for the configured mode.
func dedupeKey(c config.DedupeConfig) dedupe.KeyFunc {
	if c.KeyMode == "folded" {
		return dedupe.FoldedFieldKey(c.KeyField)
	}
	return dedupe.FieldKey(c.KeyField)
}
