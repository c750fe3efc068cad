package firecrawl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-api-key", WithBaseURL(srv.URL))
}

func TestScrape(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantErr    bool
		wantStatus int
		wantMD     string
	}{
		{
			name: "happy path",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/scrape", r.URL.Path)
				assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				var req ScrapeRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "https://example.com/people/jane", req.URL)
				assert.Equal(t, []string{"markdown"}, req.Formats)
				assert.True(t, req.OnlyMainContent)

				json.NewEncoder(w).Encode(ScrapeResponse{
					Success: true,
					Data: PageData{
						URL:        "https://example.com/people/jane",
						Markdown:   "# Jane Smith\nProfessor",
						StatusCode: 200,
						Metadata:   Metadata{Title: "Jane Smith", Description: "Faculty page"},
					},
				})
			},
			wantMD: "# Jane Smith\nProfessor",
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit"}`))
			},
			wantErr:    true,
			wantStatus: 429,
		},
		{
			name: "auth error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"Unauthorized"}`))
			},
			wantErr:    true,
			wantStatus: 401,
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(`{not json`))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, tt.handler)
			resp, err := c.Scrape(context.Background(), ScrapeRequest{
				URL:             "https://example.com/people/jane",
				Formats:         []string{"markdown"},
				OnlyMainContent: true,
			})

			if tt.wantErr {
				require.Error(t, err)
				if tt.wantStatus > 0 {
					var apiErr *APIError
					require.ErrorAs(t, err, &apiErr)
					assert.Equal(t, tt.wantStatus, apiErr.StatusCode)
				}
				return
			}
			require.NoError(t, err)
			assert.True(t, resp.Success)
			assert.Equal(t, tt.wantMD, resp.Data.Markdown)
			assert.Equal(t, "Jane Smith", resp.Data.Metadata.Title)
		})
	}
}

func TestScrape_ContextCancelled(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Scrape(ctx, ScrapeRequest{URL: "https://example.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAPIError_Message(t *testing.T) {
	err := &APIError{StatusCode: 502, Body: "bad gateway"}
	assert.Equal(t, "firecrawl: HTTP 502: bad gateway", err.Error())
}
