package scrape

import (
	"context"
	"errors"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/ratelimit"
	"github.com/sells-group/research-engine/internal/resilience"
	"github.com/sells-group/research-engine/pkg/jina"
)

// ReaderLimiterKey is the rate limiter key for the reader service.
const ReaderLimiterKey = "jina"

// Reader fetches pages through the Jina reader API. It is the escalated
// tier when no Firecrawl key is configured.
type Reader struct {
	client  jina.Client
	limiter *ratelimit.Registry
	retry   resilience.RetryPolicy
}

// ReaderOption configures a Reader tier.
type ReaderOption func(*Reader)

// WithReaderLimiter throttles calls to the reader service.
func WithReaderLimiter(r *ratelimit.Registry) ReaderOption {
	return func(rd *Reader) { rd.limiter = r }
}

// WithReaderRetry sets the retry policy for transient failures.
func WithReaderRetry(p resilience.RetryPolicy) ReaderOption {
	return func(rd *Reader) { rd.retry = p }
}

// NewReader creates a Reader tier.
func NewReader(client jina.Client, opts ...ReaderOption) *Reader {
	r := &Reader{client: client, retry: resilience.DefaultRetryPolicy()}
	for _, o := range opts {
		o(r)
	}
	if r.retry.OnRetry == nil {
		r.retry.OnRetry = resilience.RetryLogger(SourceReader, "scrape")
	}
	return r
}

// Fetch implements fetch.TierFunc.
func (r *Reader) Fetch(ctx context.Context, url string) (model.Payload, error) {
	return resilience.Execute(ctx, r.retry, func(ctx context.Context) (model.Payload, error) {
		return r.fetchOnce(ctx, url)
	})
}

func (r *Reader) fetchOnce(ctx context.Context, url string) (model.Payload, error) {
	if r.limiter != nil {
		if err := r.limiter.Acquire(ctx, ReaderLimiterKey); err != nil {
			return nil, err
		}
	}

	resp, err := r.client.Read(ctx, url)
	if err != nil {
		var apiErr *jina.APIError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == http.StatusTooManyRequests && r.limiter != nil {
				r.limiter.Penalize(ReaderLimiterKey)
			}
			return nil, resilience.ClassifyHTTPStatus(eris.Wrapf(err, "reader: %s", url), apiErr.StatusCode)
		}
		return nil, eris.Wrapf(err, "reader: %s", url)
	}
	if r.limiter != nil {
		r.limiter.Reward(ReaderLimiterKey)
	}

	status := resp.Code
	if status == 0 {
		status = http.StatusOK
	}
	if status >= 400 {
		return nil, resilience.ClassifyHTTPStatus(eris.Errorf("reader: %s returned status %d", url, status), status)
	}
	d := resp.Data
	return pagePayload(SourceReader, url, status, d.Title, d.Description, d.Content), nil
}
