package scrape

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/ratelimit"
	"github.com/sells-group/research-engine/internal/resilience"
	"github.com/sells-group/research-engine/pkg/firecrawl"
)

// RenderLimiterKey is the rate limiter key for the render service. It is
// shared across every target host.
const RenderLimiterKey = "firecrawl"

// Render fetches pages through a Firecrawl-compatible rendering API.
type Render struct {
	client  firecrawl.Client
	limiter *ratelimit.Registry
	retry   resilience.RetryPolicy
	waitFor int
}

// RenderOption configures a Render tier.
type RenderOption func(*Render)

// WithRenderLimiter throttles calls to the render service.
func WithRenderLimiter(r *ratelimit.Registry) RenderOption {
	return func(rt *Render) { rt.limiter = r }
}

// WithRenderRetry sets the retry policy for transient failures.
func WithRenderRetry(p resilience.RetryPolicy) RenderOption {
	return func(rt *Render) { rt.retry = p }
}

// WithRenderWait asks the renderer to wait ms milliseconds for client-side
// content before capturing the page.
func WithRenderWait(ms int) RenderOption {
	return func(rt *Render) { rt.waitFor = ms }
}

// NewRender creates a Render tier.
func NewRender(client firecrawl.Client, opts ...RenderOption) *Render {
	r := &Render{client: client, retry: resilience.DefaultRetryPolicy()}
	for _, o := range opts {
		o(r)
	}
	if r.retry.OnRetry == nil {
		r.retry.OnRetry = resilience.RetryLogger(SourceRender, "scrape")
	}
	return r
}

// Fetch implements fetch.TierFunc.
func (r *Render) Fetch(ctx context.Context, url string) (model.Payload, error) {
	return resilience.Execute(ctx, r.retry, func(ctx context.Context) (model.Payload, error) {
		return r.fetchOnce(ctx, url)
	})
}

func (r *Render) fetchOnce(ctx context.Context, url string) (model.Payload, error) {
	if r.limiter != nil {
		if err := r.limiter.Acquire(ctx, RenderLimiterKey); err != nil {
			return nil, err
		}
	}

	resp, err := r.client.Scrape(ctx, firecrawl.ScrapeRequest{
		URL:             url,
		Formats:         []string{"markdown"},
		OnlyMainContent: true,
		WaitFor:         r.waitFor,
	})
	if err != nil {
		var apiErr *firecrawl.APIError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == 429 && r.limiter != nil {
				r.limiter.Penalize(RenderLimiterKey)
			}
			return nil, resilience.ClassifyHTTPStatus(eris.Wrapf(err, "render: %s", url), apiErr.StatusCode)
		}
		return nil, eris.Wrapf(err, "render: %s", url)
	}
	if !resp.Success {
		return nil, resilience.NewTransientError(eris.Errorf("render: scrape of %s not successful", url), 0)
	}
	if r.limiter != nil {
		r.limiter.Reward(RenderLimiterKey)
	}

	d := resp.Data
	title := d.Title
	if title == "" {
		title = d.Metadata.Title
	}
	status := d.StatusCode
	if status == 0 {
		status = d.Metadata.StatusCode
	}
	if status >= 400 {
		return nil, resilience.ClassifyHTTPStatus(eris.Errorf("render: %s returned status %d", url, status), status)
	}
	return pagePayload(SourceRender, url, status, title, d.Metadata.Description, d.Markdown), nil
}
