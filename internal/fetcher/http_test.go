package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/resilience"
)

func newTestFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		UserAgent:   "test-agent",
		Timeout:     5 * time.Second,
		DefaultRate: 1000,
	})
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "token", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	resp, err := newTestFetcher().Fetch(context.Background(), Request{
		URL:     srv.URL + "/data",
		Headers: map[string]string{"X-Api-Key": "token"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "text/plain", resp.ContentType)
	assert.Equal(t, "hello world", string(resp.Body))
	assert.False(t, resp.Truncated)
}

func TestFetch_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   model.ErrorKind
	}{
		{http.StatusRequestTimeout, model.ErrorKindTransient},
		{http.StatusTooManyRequests, model.ErrorKindTransient},
		{http.StatusInternalServerError, model.ErrorKindTransient},
		{http.StatusBadGateway, model.ErrorKindTransient},
		{http.StatusServiceUnavailable, model.ErrorKindTransient},
		{http.StatusGatewayTimeout, model.ErrorKindTransient},
		{http.StatusBadRequest, model.ErrorKindPermanent},
		{http.StatusForbidden, model.ErrorKindPermanent},
		{http.StatusNotFound, model.ErrorKindPermanent},
		{http.StatusNotImplemented, model.ErrorKindPermanent},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestFetcher().Fetch(context.Background(), Request{URL: srv.URL})
			require.Error(t, err)
			assert.Equal(t, tt.kind, resilience.Classify(err))
			assert.Contains(t, err.Error(), "http")
		})
	}
}

func TestFetch_InvalidURL(t *testing.T) {
	f := newTestFetcher()
	for _, raw := range []string{"", "ftp://example.com/x", "not a url", "http://"} {
		_, err := f.Fetch(context.Background(), Request{URL: raw})
		require.Error(t, err, raw)
		assert.Equal(t, model.ErrorKindPermanent, resilience.Classify(err), raw)
	}
}

func TestFetch_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), Request{URL: addr})
	require.Error(t, err)
	assert.Equal(t, model.ErrorKindTransient, resilience.Classify(err))
}

func TestFetch_TruncatesLargeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{MaxBodyBytes: 4, DefaultRate: 1000})
	resp, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Equal(t, "0123", string(resp.Body))
}

func TestFetch_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newTestFetcher().Fetch(ctx, Request{URL: srv.URL})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetch_RateLimitHalvesHostRate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher()
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimited(err))

	var lim *resilience.AdaptiveLimiter
	for _, l := range f.limiters {
		lim = l
	}
	require.NotNil(t, lim)
	assert.Equal(t, rate.Limit(500), lim.Limit())
	assert.Equal(t, int32(1), calls.Load(), "fetcher never retries on its own")
}

func TestLimiterFor_HostRates(t *testing.T) {
	f := NewHTTPFetcher(HTTPOptions{HostRates: map[string]float64{"api.example.com": 5}})
	assert.Equal(t, rate.Limit(5), f.limiterFor("api.example.com").Limit())
	assert.Equal(t, rate.Limit(20), f.limiterFor("other.example.com").Limit())
	assert.Same(t, f.limiterFor("api.example.com"), f.limiterFor("api.example.com"))
}

func TestNewHTTPFetcher_Defaults(t *testing.T) {
	f := NewHTTPFetcher(HTTPOptions{})
	assert.Equal(t, 30*time.Second, f.client.Timeout)
	assert.Equal(t, "research-orchestrator/1.0", f.opts.UserAgent)
	assert.Equal(t, int64(10<<20), f.opts.MaxBodyBytes)
}
