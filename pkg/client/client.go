// Package client provides the HTTP page client for the remote paginated
// source, with status classification, body guard stripping, an optional
// request rate cap, and request metrics.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/pagesync/pkg/logging"
	"github.com/Sternrassler/pagesync/pkg/source"
)

// PagePlaceholder is replaced by the page number in Config.URLTemplate.
const PagePlaceholder = "{page}"

// Prometheus metrics for source HTTP requests.
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagesync_http_requests_total",
		Help: "Total source HTTP requests by status",
	}, []string{"status"})

	httpRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagesync_http_request_duration_seconds",
		Help:    "Source HTTP request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagesync_http_errors_total",
		Help: "Total source HTTP errors by class",
	}, []string{"class"})
)

// Client fetches single pages from the source over HTTP.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// URLTemplate is the page URL with a {page} placeholder,
	// e.g. "https://example.org/api/list?page={page}".
	URLTemplate string

	// UserAgent header sent with every request.
	UserAgent string

	// BodyPrefixLen is the number of guard bytes the source writes before
	// its JSON body. They are discarded before decoding.
	BodyPrefixLen int

	// Timeout for a single HTTP request.
	Timeout time.Duration

	// RequestsPerSecond caps the request rate. Zero disables the cap.
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns a default configuration for urlTemplate.
func DefaultConfig(urlTemplate string) Config {
	return Config{
		URLTemplate:   urlTemplate,
		UserAgent:     "pagesync/0.1.0",
		BodyPrefixLen: 13,
		Timeout:       30 * time.Second,
		Burst:         1,
	}
}

// New creates a new page client.
func New(cfg Config) (*Client, error) {
	if cfg.URLTemplate == "" {
		return nil, fmt.Errorf("url template is required")
	}

	if !strings.Contains(cfg.URLTemplate, PagePlaceholder) {
		return nil, fmt.Errorf("url template must contain %s", PagePlaceholder)
	}

	if cfg.BodyPrefixLen < 0 {
		return nil, fmt.Errorf("body_prefix_len must be >= 0 (got %d)", cfg.BodyPrefixLen)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		if cfg.Burst <= 0 {
			cfg.Burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: limiter,
		config:  cfg,
		logger:  logging.NewLogger("page-client"),
	}, nil
}

// PageURL returns the URL of page.
func (c *Client) PageURL(page int) string {
	return strings.ReplaceAll(c.config.URLTemplate, PagePlaceholder, strconv.Itoa(page))
}

// FetchPage implements source.PageFetcher. It performs exactly one request;
// retrying is left to the caller.
func (c *Client) FetchPage(ctx context.Context, page int) (*source.RawPage, error) {
	startTime := time.Now()
	defer func() {
		httpRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", source.ErrContextCancelled, ctxErr)
			}
			// The next token lies beyond the request deadline.
			httpRequestsTotal.WithLabelValues("rate_limited").Inc()
			return nil, &source.SourceError{Page: page, Class: source.ErrorClassTransient, Message: "rate limiter wait", Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.PageURL(page), nil)
	if err != nil {
		return nil, &source.SourceError{Page: page, Class: source.ErrorClassFatal, Message: "create request", Err: err}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Int("page", page).
		Str("url", req.URL.String()).
		Msg("Fetching page")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		class := source.ErrorClassConnection
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			class = source.ErrorClassTransient
		}
		httpErrorsTotal.WithLabelValues(string(class)).Inc()
		httpRequestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Error().Err(err).Int("page", page).Str("error_class", string(class)).Msg("HTTP request failed")
		return nil, &source.SourceError{Page: page, Class: class, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	httpRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		class := classifyStatus(resp.StatusCode)
		httpErrorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Int("page", page).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Source request error")
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &source.SourceError{Page: page, Class: class, StatusCode: resp.StatusCode, Message: resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		httpErrorsTotal.WithLabelValues(string(source.ErrorClassTransient)).Inc()
		return nil, &source.SourceError{Page: page, Class: source.ErrorClassTransient, StatusCode: resp.StatusCode, Message: "read body", Err: err}
	}

	p, err := decodePage(body, c.config.BodyPrefixLen)
	if err != nil {
		httpErrorsTotal.WithLabelValues(string(source.ErrorClassTransient)).Inc()
		return nil, &source.SourceError{Page: page, Class: source.ErrorClassTransient, StatusCode: resp.StatusCode, Message: "decode body", Err: err}
	}
	return p, nil
}

// errShortBody is returned when the body is shorter than the guard prefix.
var errShortBody = errors.New("body shorter than guard prefix")

// decodePage strips prefixLen guard bytes and decodes the JSON page.
func decodePage(body []byte, prefixLen int) (*source.RawPage, error) {
	if len(body) < prefixLen {
		return nil, fmt.Errorf("%w: %d < %d", errShortBody, len(body), prefixLen)
	}

	var p source.RawPage
	if err := json.Unmarshal(body[prefixLen:], &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// classifyStatus maps a non-200 status to an error class.
func classifyStatus(status int) source.ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return source.ErrorClassTransient
	case status >= 500:
		// Includes the 520 some CDNs return for an overloaded origin.
		return source.ErrorClassTransient
	default:
		return source.ErrorClassFatal
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
