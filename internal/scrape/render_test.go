package scrape

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-engine/internal/ratelimit"
	"github.com/sells-group/research-engine/internal/resilience"
	"github.com/sells-group/research-engine/pkg/firecrawl"
)

type mockFirecrawl struct {
	mock.Mock
}

func (m *mockFirecrawl) Scrape(ctx context.Context, req firecrawl.ScrapeRequest) (*firecrawl.ScrapeResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*firecrawl.ScrapeResponse), args.Error(1)
}

// onScrape registers the next Scrape outcome.
func (m *mockFirecrawl) onScrape(resp *firecrawl.ScrapeResponse, err error) *mock.Call {
	var ret any
	if resp != nil {
		ret = resp
	}
	return m.On("Scrape", mock.Anything, mock.AnythingOfType("firecrawl.ScrapeRequest")).Return(ret, err)
}

// lastRequest returns the most recent request sent to the client.
func (m *mockFirecrawl) lastRequest() firecrawl.ScrapeRequest {
	return m.Calls[len(m.Calls)-1].Arguments.Get(1).(firecrawl.ScrapeRequest)
}

func TestRender_ExtractsMarkdown(t *testing.T) {
	fc := new(mockFirecrawl)
	fc.onScrape(&firecrawl.ScrapeResponse{
		Success: true,
		Data: firecrawl.PageData{
			Markdown:   "# Jane Smith\nProfessor, Vision Lab\njane@uni.edu",
			StatusCode: 200,
			Metadata:   firecrawl.Metadata{Title: "Jane Smith", Description: "Faculty profile"},
		},
	}, nil)

	p, err := NewRender(fc, WithRenderRetry(resilience.NoRetry())).Fetch(context.Background(), "https://uni.edu/jane")
	require.NoError(t, err)
	assert.Equal(t, "https://uni.edu/jane", fc.lastRequest().URL)
	assert.True(t, fc.lastRequest().OnlyMainContent)
	assert.Equal(t, SourceRender, p.String(FieldSource))
	assert.Equal(t, "Jane Smith", p.String(FieldTitle))
	assert.Equal(t, "Faculty profile", p.String(FieldDescription))
	assert.Contains(t, p.String(FieldText), "Vision Lab")
	assert.Equal(t, []any{"jane@uni.edu"}, p[FieldEmails])
}

func TestRender_WaitForPassedThrough(t *testing.T) {
	fc := new(mockFirecrawl)
	fc.onScrape(&firecrawl.ScrapeResponse{
		Success: true,
		Data:    firecrawl.PageData{Markdown: "content", StatusCode: 200},
	}, nil)

	_, err := NewRender(fc, WithRenderRetry(resilience.NoRetry()), WithRenderWait(1500)).
		Fetch(context.Background(), "https://uni.edu/spa")
	require.NoError(t, err)
	assert.Equal(t, 1500, fc.lastRequest().WaitFor)
}

func TestRender_ServerErrorRetriedThenExhausted(t *testing.T) {
	fc := new(mockFirecrawl)
	fc.onScrape(nil, &firecrawl.APIError{StatusCode: 503, Body: "busy"})

	_, err := NewRender(fc, WithRenderRetry(fastRetry(2))).Fetch(context.Background(), "https://uni.edu/jane")
	require.Error(t, err)
	assert.True(t, resilience.IsKind(err, resilience.KindRetriesExhausted))
	fc.AssertNumberOfCalls(t, "Scrape", 3)
}

func TestRender_ClientErrorIsPermanent(t *testing.T) {
	fc := new(mockFirecrawl)
	fc.onScrape(nil, &firecrawl.APIError{StatusCode: 402, Body: "payment required"})

	_, err := NewRender(fc, WithRenderRetry(fastRetry(2))).Fetch(context.Background(), "https://uni.edu/jane")
	require.Error(t, err)
	assert.True(t, resilience.IsKind(err, resilience.KindPermanent))
	fc.AssertNumberOfCalls(t, "Scrape", 1)
}

func TestRender_TargetNotFoundIsPermanent(t *testing.T) {
	fc := new(mockFirecrawl)
	fc.onScrape(&firecrawl.ScrapeResponse{
		Success: true,
		Data:    firecrawl.PageData{Metadata: firecrawl.Metadata{StatusCode: 404}},
	}, nil)

	_, err := NewRender(fc, WithRenderRetry(fastRetry(2))).Fetch(context.Background(), "https://uni.edu/gone")
	require.Error(t, err)
	assert.True(t, resilience.IsKind(err, resilience.KindPermanent))
}

func TestRender_UnsuccessfulIsTransient(t *testing.T) {
	fc := new(mockFirecrawl)
	fc.onScrape(&firecrawl.ScrapeResponse{Success: false}, nil).Once()
	fc.onScrape(&firecrawl.ScrapeResponse{Success: true, Data: firecrawl.PageData{Markdown: "ok", StatusCode: 200}}, nil)

	p, err := NewRender(fc, WithRenderRetry(fastRetry(2))).Fetch(context.Background(), "https://uni.edu/jane")
	require.NoError(t, err)
	assert.Equal(t, "ok", p.String(FieldText))
	fc.AssertNumberOfCalls(t, "Scrape", 2)
}

func TestRender_RateLimitedPenalizesService(t *testing.T) {
	fc := new(mockFirecrawl)
	fc.onScrape(nil, &firecrawl.APIError{StatusCode: 429})
	reg, err := ratelimit.New(ratelimit.Profile{Rate: 40}, nil)
	require.NoError(t, err)

	_, err = NewRender(fc, WithRenderRetry(resilience.NoRetry()), WithRenderLimiter(reg)).Fetch(context.Background(), "https://uni.edu/jane")
	require.Error(t, err)
	assert.Equal(t, 20.0, reg.Limits()[RenderLimiterKey])
}
