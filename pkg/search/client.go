// Package search implements signed search calls against the product
// registry and single-shot name resolution on top of them.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/wmtools/regresolve/pkg/match"
	"github.com/wmtools/regresolve/pkg/ratelimit"
	"github.com/wmtools/regresolve/pkg/session"
)

// Prometheus metrics for search calls.
var (
	searchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "regresolve_search_requests_total",
		Help: "Total search requests by result status",
	}, []string{"status"})

	searchRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "regresolve_search_request_duration_seconds",
		Help:    "Search request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	searchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "regresolve_search_errors_total",
		Help: "Total search transport errors by class",
	}, []string{"class"})
)

// Candidate is one row of a search response.
type Candidate struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// Result pairs an input query name with its resolved registration code.
// Code is empty when resolution failed.
type Result struct {
	QueryName string
	Code      string
}

// searchRequest is the registry search payload.
type searchRequest struct {
	Name string `json:"name"`
}

// searchResponse is the registry search result envelope.
type searchResponse struct {
	Rows []Candidate `json:"rows"`
}

// Config holds the search client configuration.
type Config struct {
	// BaseURL is the registry API base URL.
	BaseURL string

	// SearchPath is the search endpoint path.
	SearchPath string

	// PrefixLen is the number of leading runes used for the fallback
	// prefix search when the full name yields no rows.
	PrefixLen int

	// Strategy selects the candidate matching mode.
	Strategy match.Strategy

	// Timeout per search call.
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:    baseURL,
		SearchPath: "/api/product/search",
		PrefixLen:  8,
		Strategy:   match.StrategyExact,
		Timeout:    15 * time.Second,
	}
}

// Client issues signed search calls through a session pool and the
// rate governor.
type Client struct {
	httpClient *http.Client
	pool       *session.Pool
	governor   *ratelimit.Governor
	signer     Signer
	cfg        Config
	logger     zerolog.Logger
}

// New creates a search client.
func New(cfg Config, pool *session.Pool, governor *ratelimit.Governor, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("session pool is required")
	}
	if governor == nil {
		return nil, fmt.Errorf("rate governor is required")
	}
	if cfg.SearchPath == "" {
		cfg.SearchPath = "/api/product/search"
	}
	if cfg.PrefixLen <= 0 {
		cfg.PrefixLen = 8
	}
	if cfg.Strategy == "" {
		cfg.Strategy = match.StrategyExact
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		pool:       pool,
		governor:   governor,
		signer:     HMACSigner,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetSigner replaces the request signer (for testing).
func (c *Client) SetSigner(signer Signer) {
	c.signer = signer
}

// PrefixTerm returns the fallback search term for query: its first
// PrefixLen runes.
func (c *Client) PrefixTerm(query string) string {
	runes := []rune(query)
	if len(runes) <= c.cfg.PrefixLen {
		return query
	}
	return string(runes[:c.cfg.PrefixLen])
}

// Strategy returns the configured matching strategy.
func (c *Client) Strategy() match.Strategy {
	return c.cfg.Strategy
}

// Search performs one signed search call for term. Zero server-side
// matches yield an empty slice, not an error; any transport failure
// (network, non-2xx, malformed body) yields an *APIError. Rate-limit
// responses additionally feed the governor's backoff.
func (c *Client) Search(ctx context.Context, term string) ([]Candidate, error) {
	sess, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.governor.Wait(ctx, ratelimit.OpSearch); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(searchRequest{Name: term})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.SearchPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sig, ok := c.signer(payload, sess.Credentials.SigningKey); ok {
		req.Header.Set("X-Signature", sig)
	}
	if sess.Credentials.Token != "" {
		req.AddCookie(&http.Cookie{Name: "session", Value: sess.Credentials.Token})
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	searchRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		searchErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		searchRequestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Warn().Err(err).Str("term", term).Msg("Search request failed")
		return nil, &APIError{Class: ErrorClassNetwork, Message: "search call", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		class := classifyStatus(resp.StatusCode)
		if class == ErrorClassRateLimit {
			c.governor.Report(ratelimit.OpSearch, ratelimit.OutcomeRateLimited)
		}
		searchErrorsTotal.WithLabelValues(string(class)).Inc()
		searchRequestsTotal.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()
		c.logger.Warn().
			Str("term", term).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Search request rejected")
		return nil, &APIError{StatusCode: resp.StatusCode, Class: class, Message: resp.Status}
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		searchErrorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
		searchRequestsTotal.WithLabelValues("malformed").Inc()
		return nil, &APIError{StatusCode: resp.StatusCode, Class: ErrorClassServer, Message: "decode search response", Err: err}
	}

	c.governor.Report(ratelimit.OpSearch, ratelimit.OutcomeSuccess)
	searchRequestsTotal.WithLabelValues("ok").Inc()

	c.logger.Debug().
		Str("term", term).
		Int("rows", len(body.Rows)).
		Msg("Search completed")

	if body.Rows == nil {
		return []Candidate{}, nil
	}
	return body.Rows, nil
}

// Resolve performs a single-shot resolution of query: full-name search,
// then prefix-fallback search, then candidate selection. It carries no
// retry logic; transport errors propagate to the caller's retry layer.
func (c *Client) Resolve(ctx context.Context, query string) (Result, error) {
	candidates, err := c.Search(ctx, query)
	if err != nil {
		return Result{}, err
	}

	if len(candidates) == 0 {
		candidates, err = c.Search(ctx, c.PrefixTerm(query))
		if err != nil {
			return Result{}, err
		}
		if len(candidates) == 0 {
			return Result{QueryName: query}, nil
		}
	}

	return SelectResult(c.cfg.Strategy, query, candidates), nil
}

// SelectResult applies the matching strategy to a non-empty candidate
// list, guarding against the registry echoing an unrelated record even
// for single-row responses. No match yields an empty code.
func SelectResult(strategy match.Strategy, query string, candidates []Candidate) Result {
	names := make([]string, len(candidates))
	for i, cand := range candidates {
		names[i] = cand.Name
	}
	if idx, ok := match.Select(strategy, query, names); ok {
		return Result{QueryName: query, Code: candidates[idx].Code}
	}
	return Result{QueryName: query}
}
