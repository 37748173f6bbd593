// Package commerce is a small REST client for the storefront's commerce API.
// It produces the loader functions the fetch orchestrator runs and maps
// transport and HTTP failures onto the fetcherr taxonomy.
package commerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-fetch/pkg/fetcherr"
	"github.com/Sternrassler/storefront-fetch/pkg/logging"
)

// Prometheus metrics for commerce API requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_commerce_requests_total",
		Help: "Total commerce API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storefront_commerce_request_duration_seconds",
		Help:    "Commerce API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_commerce_errors_total",
		Help: "Total commerce API errors by class",
	}, []string{"class"})
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, e.g. "https://shop.example.com/wp-json/wc/v3".
	BaseURL string

	// ConsumerKey and ConsumerSecret are sent as HTTP basic auth when set.
	ConsumerKey    string
	ConsumerSecret string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout for a single request.
	Timeout time.Duration

	// RespectCacheHeaders lets Cache-Control and Expires response headers
	// override the TTL a loader's result is cached with.
	RespectCacheHeaders bool
}

// DefaultConfig returns a configuration with safe defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:             baseURL,
		UserAgent:           "storefront-fetch/dev",
		Timeout:             15 * time.Second,
		RespectCacheHeaders: true,
	}
}

// Client talks to the commerce REST API.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

// New creates a new commerce client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https (got %q)", base.Scheme)
	}
	if (cfg.ConsumerKey == "") != (cfg.ConsumerSecret == "") {
		return nil, fmt.Errorf("consumer key and secret must be set together")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "storefront-fetch/dev"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    base,
		config:     cfg,
		logger:     logging.NewLogger("commerce"),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// GetJSON performs a GET request against path and decodes the JSON body into
// out. It returns the response headers so callers can read pagination and
// caching hints.
//
// Transport failures are returned as *fetcherr.NetworkError and non-2xx
// responses as *fetcherr.HTTPError.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) (http.Header, error) {
	start := time.Now()
	route := routeLabel(path)
	defer func() {
		requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.config.ConsumerKey != "" {
		req.SetBasicAuth(c.config.ConsumerKey, c.config.ConsumerSecret)
	}

	logger := c.requestLogger(ctx)
	logger.Debug().
		Str("endpoint", path).
		Str("method", req.Method).
		Msg("Executing commerce request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		netErr := &fetcherr.NetworkError{Op: "GET " + path, Err: err}
		class := fetcherr.Classify(netErr)
		errorsTotal.WithLabelValues(string(class)).Inc()
		requestsTotal.WithLabelValues(route, "network_error").Inc()
		logger.Warn().
			Err(err).
			Str("endpoint", path).
			Str("error_class", string(class)).
			Msg("Commerce request failed")
		return nil, netErr
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(route, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		httpErr := &fetcherr.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
		errorsTotal.WithLabelValues(string(httpErr.Class())).Inc()
		logger.Warn().
			Str("endpoint", path).
			Int("status_code", resp.StatusCode).
			Str("error_class", string(httpErr.Class())).
			Msg("Commerce request error")
		return resp.Header, httpErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return resp.Header, &fetcherr.NetworkError{Op: "read " + path, Err: err}
			}
			return resp.Header, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	logger.Debug().
		Str("endpoint", path).
		Int("status_code", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Commerce request complete")

	return resp.Header, nil
}

// requestLogger prefers the fetch-scoped logger carried by ctx.
func (c *Client) requestLogger(ctx context.Context) *zerolog.Logger {
	return logging.FromContext(ctx, &c.logger)
}

// routeLabel replaces numeric path segments so metric labels stay bounded.
func routeLabel(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		if _, err := strconv.ParseUint(seg, 10, 64); err == nil {
			segments[i] = ":id"
		}
	}
	return "/" + strings.Join(segments, "/")
}
