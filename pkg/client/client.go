// Package client provides the HTTP client used to talk to the flipbook host,
// with randomized User-Agents, per-request timeouts, throttle tracking and an
// optional Redis cache for viewer configuration payloads.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/flipbook-mirror/pkg/cache"
	"github.com/Sternrassler/flipbook-mirror/pkg/pagekey"
	"github.com/Sternrassler/flipbook-mirror/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for flipbook host requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flipbook_requests_total",
		Help: "Total flipbook host requests by kind and status",
	}, []string{"kind", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flipbook_request_duration_seconds",
		Help:    "Flipbook host request duration in seconds by kind",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flipbook_errors_total",
		Help: "Total flipbook host errors by class",
	}, []string{"class"})
)

// Request kinds used as metric labels.
const (
	KindConfig = "config"
	KindPage   = "page"
)

// DefaultBaseURL is the public flipbook host.
const DefaultBaseURL = "https://online.fliphtml5.com"

// DefaultUserAgents is the pool a random User-Agent is drawn from per request.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.110 Safari/537.36 Edge/16.17017",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/61.0.3163.100 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_12_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/11.1 Safari/605.1.15",
}

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx replies and unexpected non-error statuses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx replies.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassThrottled represents 429 and 503 replies.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassNetwork represents transport errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL of the flipbook host, without trailing slash
	BaseURL string

	// UserAgents is the pool sampled for every request
	UserAgents []string

	// Redis enables caching of viewer configuration payloads (optional)
	Redis *redis.Client

	// ConfigTimeout bounds the single config.js request
	ConfigTimeout time.Duration

	// PageTimeout bounds each page image request
	PageTimeout time.Duration

	// PageRetry controls retries of one page image request
	PageRetry RetryConfig
}

// DefaultConfig returns the default configuration without a cache.
func DefaultConfig() Config {
	return Config{
		BaseURL:       DefaultBaseURL,
		UserAgents:    DefaultUserAgents,
		ConfigTimeout: 50 * time.Second,
		PageTimeout:   10 * time.Second,
		PageRetry:     DefaultRetryConfig(),
	}
}

// Client talks to the flipbook host.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	cache      *cache.Manager
	throttle   *ratelimit.Tracker
	config     Config
	logger     zerolog.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	if len(cfg.UserAgents) == 0 {
		return nil, fmt.Errorf("at least one user-agent is required")
	}

	if cfg.ConfigTimeout <= 0 || cfg.PageTimeout <= 0 {
		return nil, fmt.Errorf("timeouts must be positive")
	}

	if cfg.PageRetry.MaxAttempts < 1 {
		return nil, fmt.Errorf("page retry max_attempts must be >= 1 (got %d)", cfg.PageRetry.MaxAttempts)
	}

	logger := log.With().Str("component", "flipbook-client").Logger()

	c := &Client{
		httpClient: &http.Client{},
		baseURL:    base,
		throttle:   ratelimit.NewTracker(logger),
		config:     cfg,
		logger:     logger,
	}

	if cfg.Redis != nil {
		c.cache = cache.NewManager(cfg.Redis)
	}

	return c, nil
}

// response is a fully read HTTP reply.
type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// UserAgent returns a User-Agent drawn at random from the configured pool.
func (c *Client) UserAgent() string {
	return c.config.UserAgents[rand.IntN(len(c.config.UserAgents))]
}

// ConfigURL returns the viewer configuration URL of a document.
func (c *Client) ConfigURL(documentID string) string {
	return c.baseURL.JoinPath(documentID, "javascript", "config.js").String()
}

// PageURL returns the image URL of one page in the given encoding.
func (c *Client) PageURL(documentID string, key pagekey.Key, ext string) string {
	return c.baseURL.JoinPath(documentID, "files", "large", string(key)+"."+ext).String()
}

// FetchConfig downloads the viewer configuration of a document. It is never
// retried. With a cache configured, fresh entries are served from Redis and
// stale entries are revalidated with a conditional request.
func (c *Client) FetchConfig(ctx context.Context, documentID string) ([]byte, error) {
	key := cache.ConfigKey(documentID)

	var cached *cache.Entry
	if c.cache != nil {
		entry, err := c.cache.Get(ctx, key)
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("document", documentID).Msg("Cache get error")
		}
		if entry != nil && !entry.IsExpired() {
			c.logger.Debug().Str("document", documentID).Msg("Config served from cache")
			return entry.Data, nil
		}
		cached = entry
	}

	target := c.ConfigURL(documentID)
	resp, err := c.do(ctx, KindConfig, target, c.config.ConfigTimeout, func(req *http.Request) {
		if cache.ShouldMakeConditionalRequest(cached) {
			cache.AddConditionalHeaders(req, cached)
			cache.ConditionalRequestsSent.Inc()
		}
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		cache.NotModifiedResponses.Inc()
		c.logger.Debug().Str("document", documentID).Msg("304 Not Modified - using cached config")
		if err := c.cache.UpdateTTL(ctx, key, cache.ExpiresFrom(resp.Header)); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update cache TTL")
		}
		return cached.Data, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.statusError(target, resp.StatusCode)
	}

	if c.cache != nil {
		entry := cache.NewEntry(resp.StatusCode, resp.Header, resp.Body)
		if err := c.cache.Set(ctx, key, entry); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache config")
		}
	}

	return resp.Body, nil
}

// FetchPageImage downloads one page image. Only a 200 reply succeeds; any
// other status is returned as a *RequestError.
func (c *Client) FetchPageImage(ctx context.Context, documentID string, key pagekey.Key, ext string) ([]byte, error) {
	target := c.PageURL(documentID, key, ext)

	var body []byte
	err := retryWithBackoff(ctx, c.config.PageRetry, func() error {
		resp, err := c.do(ctx, KindPage, target, c.config.PageTimeout, nil)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return c.statusError(target, resp.StatusCode)
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}

	return body, nil
}

// do executes one GET with a fresh User-Agent and its own timeout, and reads
// the whole body before the timeout context is released.
func (c *Client) do(ctx context.Context, kind, target string, timeout time.Duration, prepare func(*http.Request)) (*response, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return nil, &RequestError{URL: target, ErrorClass: ErrorClassNetwork, Message: "throttle wait", Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.UserAgent())
	if prepare != nil {
		prepare(req)
	}

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(kind).Observe(time.Since(startTime).Seconds())
	}()

	c.logger.Debug().Str("kind", kind).Str("url", target).Msg("Executing request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(kind, "network_error").Inc()
		return nil, &RequestError{URL: target, ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	c.throttle.Observe(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(kind, "network_error").Inc()
		return nil, &RequestError{URL: target, StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Message: "read body", Err: err}
	}

	requestsTotal.WithLabelValues(kind, strconv.Itoa(resp.StatusCode)).Inc()

	return &response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// statusError builds and records a RequestError for an unsuccessful status.
func (c *Client) statusError(target string, status int) error {
	errClass := classifyStatus(status)
	errorsTotal.WithLabelValues(string(errClass)).Inc()

	c.logger.Debug().
		Str("url", target).
		Int("status", status).
		Str("error_class", string(errClass)).
		Msg("Request error")

	return &RequestError{
		URL:        target,
		StatusCode: status,
		ErrorClass: errClass,
		Message:    http.StatusText(status),
	}
}

// classifyStatus categorizes an unsuccessful HTTP status.
func classifyStatus(status int) ErrorClass {
	switch {
	case ratelimit.IsThrottleStatus(status):
		return ErrorClassThrottled
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// ThrottleState returns the current throttle tracker state.
func (c *Client) ThrottleState() ratelimit.State {
	return c.throttle.GetState()
}
