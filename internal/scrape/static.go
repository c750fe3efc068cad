package scrape

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/ratelimit"
	"github.com/sells-group/research-engine/internal/resilience"
)

const (
	defaultUserAgent = "Mozilla/5.0 (compatible; ResearchBot/1.0)"
	defaultMaxBody   = 1 << 20
)

// Static fetches pages with plain HTTP GETs.
type Static struct {
	client    *http.Client
	limiter   *ratelimit.Registry
	retry     resilience.RetryPolicy
	userAgent string
	maxBody   int64
}

// StaticOption configures a Static tier.
type StaticOption func(*Static)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) StaticOption {
	return func(s *Static) { s.client = c }
}

// WithStaticLimiter throttles requests per host through the registry and
// feeds 429 responses back into it.
func WithStaticLimiter(r *ratelimit.Registry) StaticOption {
	return func(s *Static) { s.limiter = r }
}

// WithStaticRetry sets the retry policy for transient failures.
func WithStaticRetry(p resilience.RetryPolicy) StaticOption {
	return func(s *Static) { s.retry = p }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) StaticOption {
	return func(s *Static) { s.userAgent = ua }
}

// NewStatic creates a Static tier.
func NewStatic(opts ...StaticOption) *Static {
	s := &Static{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
		retry:     resilience.DefaultRetryPolicy(),
		userAgent: defaultUserAgent,
		maxBody:   defaultMaxBody,
	}
	for _, o := range opts {
		o(s)
	}
	if s.retry.OnRetry == nil {
		s.retry.OnRetry = resilience.RetryLogger(SourceStatic, "get")
	}
	return s
}

// Fetch implements fetch.TierFunc. Blocked pages come back as a payload with
// FieldBlocked set and no text, which makes them insufficient rather than
// failed.
func (s *Static) Fetch(ctx context.Context, url string) (model.Payload, error) {
	return resilience.Execute(ctx, s.retry, func(ctx context.Context) (model.Payload, error) {
		return s.fetchOnce(ctx, url)
	})
}

func (s *Static) fetchOnce(ctx context.Context, url string) (model.Payload, error) {
	key := ratelimit.KeyForURL(url)
	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx, key); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "static: create request"), 0)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "static: fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "static: read body"), resp.StatusCode)
	}

	if block := DetectBlock(resp.StatusCode, resp.Header, raw); block != BlockNone {
		zap.L().Debug("static: blocked page", zap.String("url", url), zap.String("block", string(block)))
		p := pagePayload(SourceStatic, url, resp.StatusCode, "", "", "")
		p[FieldBlocked] = string(block)
		return p, nil
	}

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusTooManyRequests && s.limiter != nil {
			s.limiter.Penalize(key)
		}
		return nil, resilience.ClassifyHTTPStatus(eris.Errorf("static: %s returned status %d", url, resp.StatusCode), resp.StatusCode)
	}
	if s.limiter != nil {
		s.limiter.Reward(key)
	}

	body := string(raw)
	return pagePayload(SourceStatic, url, resp.StatusCode,
		extractTitle(body), extractDescription(body), htmlToText(body)), nil
}
