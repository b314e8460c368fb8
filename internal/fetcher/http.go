package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-orchestrator/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64

	// HostRates sets requests per second for specific hosts.
	HostRates map[string]float64
	// DefaultRate applies to every other host. Zero means 20/s.
	DefaultRate float64
}

// HTTPFetcher implements Fetcher with net/http and per-host adaptive rate
// limiting. It makes exactly one request per call; retries belong to the
// scheduler.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*resilience.AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "research-orchestrator/1.0"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.DefaultRate <= 0 {
		opts.DefaultRate = 20
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: make(map[string]*resilience.AdaptiveLimiter),
	}
}

// limiterFor returns the host's limiter, creating it on first use.
func (f *HTTPFetcher) limiterFor(host string) *resilience.AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lim, ok := f.limiters[host]; ok {
		return lim
	}
	perSecond := f.opts.DefaultRate
	if r, ok := f.opts.HostRates[host]; ok && r > 0 {
		perSecond = r
	}
	burst := int(perSecond)
	lim := resilience.NewAdaptiveLimiter(host, perSecond, burst)
	f.limiters[host] = lim
	return lim
}

// Fetch performs one GET. 408, 429 and 5xx responses and network failures are
// transient; any other non-2xx status or an unusable URL is permanent.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, resilience.NewPermanentError(eris.Errorf("fetch: invalid url %q", req.URL))
	}

	lim := f.limiterFor(u.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "create request"))
	}
	httpReq.Header.Set("User-Agent", f.opts.UserAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "fetch")
		}
		return nil, resilience.NewTransientError(eris.Wrapf(err, "fetch %s", req.URL), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := eris.Errorf("http %d from %s", resp.StatusCode, req.URL)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			terr := resilience.NewTransientError(statusErr, resp.StatusCode)
			lim.Observe(terr)
			return nil, terr
		}
		return nil, resilience.NewPermanentError(statusErr)
	}
	lim.Observe(nil)

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "read body %s", req.URL), 0)
	}
	out := &Response{
		URL:         req.URL,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
	if int64(len(body)) > f.opts.MaxBodyBytes {
		out.Body = body[:f.opts.MaxBodyBytes]
		out.Truncated = true
	}
	return out, nil
}
