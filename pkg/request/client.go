package request

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"wbmigrate/pkg/config"
	"wbmigrate/pkg/logging"
	"wbmigrate/pkg/store"
	"wbmigrate/pkg/tracker"
	"wbmigrate/pkg/version"
)

var defaultUserAgent = fmt.Sprintf("wbmigrate/%s (Wikibase migration tool)", version.Version)

// Client performs HTTP requests with per-provider rate limiting, retries,
// optional response caching and usage counters. One client is shared by all
// API consumers so MediaWiki session cookies survive across calls.
type Client struct {
	httpClient *retryablehttp.Client
	cache      store.Cacher
	tracker    *tracker.Tracker

	rps   rate.Limit
	burst int

	mu       sync.Mutex // Protects limiters map
	limiters map[string]*rate.Limiter
}

// New creates a Client from the request settings. Zero values fall back to
// the tool defaults (300s timeout, 4 retries, 8 requests/s per provider).
func New(cfg config.RequestConfig, cache store.Cacher, t *tracker.Tracker) *Client {
	timeout := time.Duration(cfg.Timeout)
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 4
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 8
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	// The jar carries MediaWiki session cookies between login, token fetch
	// and edits.
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})

	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.Logger = retryLogger{}
	rc.HTTPClient.Timeout = timeout
	rc.HTTPClient.Jar = jar

	return &Client{
		httpClient: rc,
		cache:      cache,
		tracker:    t,
		rps:        rate.Limit(rps),
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Get performs a GET request with caching if a key is provided.
func (c *Client) Get(ctx context.Context, u, cacheKey string) ([]byte, error) {
	return c.GetWithHeaders(ctx, u, nil, cacheKey)
}

// GetWithHeaders performs a GET request with custom headers and optional caching.
func (c *Client) GetWithHeaders(ctx context.Context, u string, headers map[string]string, cacheKey string) ([]byte, error) {
	provider, err := providerOf(u)
	if err != nil {
		return nil, err
	}

	if body, ok := c.cacheLookup(ctx, provider, cacheKey); ok {
		return body, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.send(req, provider, headers, cacheKey)
}

// PostForm performs a form-encoded POST request. POSTs are never cached
// unless the caller opts in via PostFormWithCache.
func (c *Client) PostForm(ctx context.Context, u string, form url.Values) ([]byte, error) {
	return c.PostFormWithCache(ctx, u, form, nil, "")
}

// PostFormWithCache performs a form-encoded POST request with custom headers
// and optional response caching. SPARQL queries go through here: they are
// POSTs on the wire but read-only, so caching them is safe.
func (c *Client) PostFormWithCache(ctx context.Context, u string, form url.Values, headers map[string]string, cacheKey string) ([]byte, error) {
	provider, err := providerOf(u)
	if err != nil {
		return nil, err
	}

	if body, ok := c.cacheLookup(ctx, provider, cacheKey); ok {
		return body, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.send(req, provider, headers, cacheKey)
}

// cacheLookup checks the response cache and tracks the outcome. A miss with
// an empty key is not tracked; it only means the caller opted out.
func (c *Client) cacheLookup(ctx context.Context, provider, cacheKey string) ([]byte, bool) {
	if cacheKey == "" {
		return nil, false
	}
	if val, hit := c.cache.GetCache(ctx, cacheKey); hit {
		c.tracker.TrackCacheHit(provider)
		slog.Debug("Cache Hit", "provider", provider, "key", cacheKey)
		return val, true
	}
	c.tracker.TrackCacheMiss(provider)
	slog.Debug("Cache Miss", "provider", provider, "key", cacheKey)
	return nil, false
}

// send rate-limits, executes and tracks one request, caching the body on
// success when a key is provided.
func (c *Client) send(req *http.Request, provider string, headers map[string]string, cacheKey string) ([]byte, error) {
	uaSet := false
	for k, v := range headers {
		req.Header.Set(k, v)
		if http.CanonicalHeaderKey(k) == "User-Agent" {
			uaSet = true
		}
	}
	if !uaSet {
		req.Header.Set("User-Agent", defaultUserAgent)
	}

	if err := c.limiter(provider).Wait(req.Context()); err != nil {
		return nil, err
	}

	start := time.Now()
	body, err := c.execute(req)
	c.logRequest(req, provider, time.Since(start), err)

	if err != nil {
		c.tracker.TrackAPIFailure(provider)
		return nil, err
	}
	c.tracker.TrackAPISuccess(provider)

	if cacheKey != "" {
		// Detached context: a cancelled caller should not lose the body
		// we already paid for.
		if err := c.cache.SetCache(context.Background(), cacheKey, body); err != nil {
			slog.Error("Failed to cache response", "url", req.URL, "error", err)
		}
	}
	return body, nil
}

func (c *Client) logRequest(req *http.Request, provider string, elapsed time.Duration, err error) {
	logger := logging.RequestLogger
	if logger == nil {
		logger = slog.Default()
	}
	if err != nil {
		logger.Warn("API Request", "method", req.Method, "provider", provider, "path", req.URL.Path, "duration", elapsed, "error", err)
		return
	}
	logger.Info("API Request", "method", req.Method, "provider", provider, "path", req.URL.Path, "duration", elapsed)
}

// execute runs one request through the retrying client and reads the body.
// Retries on 429 and 5xx happen inside; anything still >= 400 afterwards is
// a hard failure and surfaces with a body excerpt for diagnosis.
func (c *Client) execute(req *http.Request) ([]byte, error) {
	rreq, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap request: %w", err)
	}

	resp, err := c.httpClient.Do(rreq)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	if resp.StatusCode >= 400 {
		if msg := excerpt(body); msg != "" {
			return nil, fmt.Errorf("api error: status %d: %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("api error: status %d", resp.StatusCode)
	}
	return body, nil
}

func (c *Client) limiter(provider string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[provider]
	if !ok {
		l = rate.NewLimiter(c.rps, c.burst)
		c.limiters[provider] = l
	}
	return l
}

func providerOf(u string) (string, error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	return normalizeProvider(parsed.Host), nil
}

// normalizeProvider groups hosts into one throttling bucket per service, so
// www.wikidata.org and query.wikidata.org share a limiter.
func normalizeProvider(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		return host
	}
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// retryLogger adapts slog to the retryablehttp leveled logger.
type retryLogger struct{}

func (retryLogger) Error(msg string, kv ...any) { slog.Error(msg, kv...) }
func (retryLogger) Warn(msg string, kv ...any)  { slog.Warn(msg, kv...) }
func (retryLogger) Info(msg string, kv ...any)  { slog.Debug(msg, kv...) }
func (retryLogger) Debug(msg string, kv ...any) { slog.Debug(msg, kv...) }
