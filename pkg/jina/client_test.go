package jina

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/https://example.com/people/jane", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "markdown", r.Header.Get("X-Return-Format"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":200,"data":{"title":"Jane Smith","description":"Faculty page",` +
			`"url":"https://example.com/people/jane","content":"# Jane Smith\nProfessor","usage":{"tokens":42}}}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := c.Read(context.Background(), "https://example.com/people/jane")
	require.NoError(t, err)

	assert.Equal(t, 200, resp.Code)
	assert.Equal(t, "Jane Smith", resp.Data.Title)
	assert.Equal(t, "Faculty page", resp.Data.Description)
	assert.Equal(t, "# Jane Smith\nProfessor", resp.Data.Content)
	assert.Equal(t, 42, resp.Data.Usage.Tokens)
}

func TestRead_NoKeyOmitsAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"code":200,"data":{}}`))
	}))
	defer srv.Close()

	_, err := NewClient("", WithBaseURL(srv.URL)).Read(context.Background(), "https://example.com")
	require.NoError(t, err)
}

func TestRead_ErrorStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Read(context.Background(), "https://example.com")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "slow down")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRead_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Read(context.Background(), "https://example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}
