// Package dispatch sends Flux queries to the server and hands back the live
// response body for streaming consumption.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/basekick-labs/fluxq/internal/circuitbreaker"
	"github.com/basekick-labs/fluxq/internal/metrics"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// Config holds the server connection settings
type Config struct {
	URL       string
	Org       string
	Token     string
	UserAgent string
	Timeout   time.Duration // Connect and response-header timeout; bodies stream without a deadline
	Gzip      bool
}

// Dialect controls the CSV shape the server produces
type Dialect struct {
	Header         bool     `json:"header"`
	Delimiter      string   `json:"delimiter,omitempty"`
	Annotations    []string `json:"annotations,omitempty"`
	CommentPrefix  string   `json:"commentPrefix,omitempty"`
	DateTimeFormat string   `json:"dateTimeFormat,omitempty"`
}

// DefaultDialect requests every annotation the decoder understands
func DefaultDialect() Dialect {
	return Dialect{
		Header:      true,
		Annotations: []string{"datatype", "group", "default"},
	}
}

type queryRequest struct {
	Query   string  `json:"query"`
	Type    string  `json:"type"`
	Dialect Dialect `json:"dialect"`
}

// Client dispatches queries over HTTP
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	gzip    atomic.Bool
	logger  zerolog.Logger
}

// New creates a client. breaker may be nil.
func New(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger zerolog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "fluxq"
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}

	c := &Client{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{Transport: transport},
		breaker: breaker,
		logger:  logger.With().Str("component", "dispatcher").Str("server", base.Host).Logger(),
	}
	c.gzip.Store(cfg.Gzip)

	c.logger.Debug().Bool("gzip", cfg.Gzip).Msg("Dispatcher initialized")
	return c, nil
}

// EnableGzip compresses requests and asks for compressed responses
func (c *Client) EnableGzip() { c.gzip.Store(true) }

// DisableGzip turns compression off
func (c *Client) DisableGzip() { c.gzip.Store(false) }

// IsGzipEnabled reports whether compression is on
func (c *Client) IsGzipEnabled() bool { return c.gzip.Load() }

// Query posts query with the default dialect and returns the annotated CSV body.
// The caller owns the returned body.
func (c *Client) Query(ctx context.Context, query string) (io.ReadCloser, error) {
	return c.QueryRaw(ctx, query, DefaultDialect())
}

// QueryRaw posts query with a caller-chosen dialect and returns the undecoded body
func (c *Client) QueryRaw(ctx context.Context, query string, dialect Dialect) (io.ReadCloser, error) {
	m := metrics.Get()
	m.IncDispatchRequests()

	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			m.IncDispatchRejected()
			return nil, err
		}
	}

	body, err := c.post(ctx, query, dialect)
	if c.breaker != nil {
		c.breaker.Done(err)
	}
	if err != nil {
		m.IncDispatchErrors()
		return nil, err
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, query string, dialect Dialect) (io.ReadCloser, error) {
	payload, err := json.Marshal(queryRequest{Query: query, Type: "flux", Dialect: dialect})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	gz := c.gzip.Load()
	var reqBody io.Reader = bytes.NewReader(payload)
	if gz {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("failed to compress request: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress request: %w", err)
		}
		reqBody = &buf
	}

	u := c.endpoint("/api/v2/query")
	if c.cfg.Org != "" {
		q := u.Query()
		q.Set("org", c.cfg.Org)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/csv")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Token "+c.cfg.Token)
	}
	if gz {
		req.Header.Set("Content-Encoding", "gzip")
		req.Header.Set("Accept-Encoding", "gzip")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Msg("Query request failed")
		return nil, fmt.Errorf("query request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := newServiceError(resp)
		c.logger.Warn().
			Int("status", se.StatusCode).
			Str("error", se.Message).
			Msg("Query rejected by server")
		return nil, se
	}

	c.logger.Debug().
		Int("status", resp.StatusCode).
		Dur("ttfb", time.Since(start)).
		Msg("Query accepted, streaming response")

	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("invalid gzip response: %w", err)
		}
		return &gzipBody{zr: zr, body: resp.Body}, nil
	}
	return resp.Body, nil
}

// Ping checks server health: true on 2xx, false on any other status, error
// when the server cannot be reached.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	metrics.Get().IncPing()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/ping").String(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Ping failed")
		return false, fmt.Errorf("ping failed: %w", err)
	}
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody)); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to drain ping response")
	}
	resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode <= 299, nil
}

// Close releases idle connections
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) endpoint(path string) *url.URL {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return &u
}

// gzipBody decompresses a response body and closes both layers
type gzipBody struct {
	zr   *gzip.Reader
	body io.ReadCloser
}

func (g *gzipBody) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipBody) Close() error {
	g.zr.Close()
	return g.body.Close()
}
