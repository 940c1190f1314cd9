// Package resolver drives queries through retrying resolution passes
// and collects one result per query, in input order.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/wmtools/regresolve/pkg/match"
	"github.com/wmtools/regresolve/pkg/search"
)

// Prometheus metrics for resolution scheduling.
var (
	resolverQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "regresolve_resolver_queries_total",
		Help: "Queries reaching a terminal state, by outcome",
	}, []string{"outcome"})

	resolverRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "regresolve_resolver_retries_total",
		Help: "Resolution passes retried after transport errors",
	})

	resolverRetryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "regresolve_resolver_retry_exhausted_total",
		Help: "Queries failed after exhausting the attempt budget",
	})

	resolverBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "regresolve_resolver_backoff_seconds",
		Help:    "Backoff duration between retried resolution passes",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})
)

// State is the lifecycle state of a query in the scheduler.
type State int

const (
	// StatePending means the query has not reached a terminal state.
	StatePending State = iota

	// StateSuccess means the query resolved to a non-empty code.
	StateSuccess

	// StateFailed means resolution ended without a code: zero rows from
	// both strategies, no exact match, or an exhausted attempt budget.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Searcher is the slice of the search client the scheduler needs.
type Searcher interface {
	// Search performs one signed search call for term.
	Search(ctx context.Context, term string) ([]search.Candidate, error)

	// PrefixTerm returns the fallback search term for a query.
	PrefixTerm(query string) string

	// Strategy returns the candidate matching strategy.
	Strategy() match.Strategy
}

// entry is the per-query retry state. It is owned exclusively by the
// scheduler: other components report outcomes, the scheduler decides
// transitions.
type entry struct {
	query    string
	attempts int

	// fullNameExhausted survives retries: once the full name has proved
	// to yield zero rows, a retried query resumes at the prefix
	// fallback instead of restarting the progression.
	fullNameExhausted bool

	state  State
	result search.Result
}

// Config holds the scheduler configuration.
type Config struct {
	// MaxAttempts bounds the number of resolution passes per query.
	// Rate-limit responses consume the same budget as other transport
	// errors; the governor's widened delay is their dedicated handling.
	MaxAttempts int

	// BaseDelay is the first retry backoff; it doubles per attempt.
	BaseDelay time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
	}
}

// Scheduler executes resolution passes for individual queries. It
// guarantees at most one in-flight resolution per query (Step is called
// by a single owner per entry) and a terminal state within MaxAttempts
// transport-error cycles.
type Scheduler struct {
	searcher Searcher
	cfg      Config
	logger   zerolog.Logger
}

// NewScheduler creates a scheduler driving the given searcher.
func NewScheduler(searcher Searcher, cfg Config, logger zerolog.Logger) (*Scheduler, error) {
	if searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1 (got %d)", cfg.MaxAttempts)
	}
	if cfg.BaseDelay <= 0 {
		return nil, fmt.Errorf("base delay must be > 0 (got %v)", cfg.BaseDelay)
	}
	return &Scheduler{searcher: searcher, cfg: cfg, logger: logger}, nil
}

// Step executes one resolution pass for e. A pass runs the next search
// strategy in the progression, transitions the entry on deterministic
// answers, and backs off in place on transport errors. The returned
// error is non-nil only for context cancellation.
func (s *Scheduler) Step(ctx context.Context, e *entry) error {
	if e.state != StatePending {
		return nil
	}
	e.attempts++

	if !e.fullNameExhausted {
		candidates, err := s.searcher.Search(ctx, e.query)
		if err != nil {
			return s.retry(ctx, e, err)
		}
		if len(candidates) > 0 {
			s.finish(e, candidates)
			return nil
		}
		e.fullNameExhausted = true
	}

	term := s.searcher.PrefixTerm(e.query)
	candidates, err := s.searcher.Search(ctx, term)
	if err != nil {
		return s.retry(ctx, e, err)
	}
	if len(candidates) == 0 {
		// Confirmed empty after both strategies: deterministic server
		// answer, never retried.
		s.terminal(e, search.Result{QueryName: e.query})
		return nil
	}
	s.finish(e, candidates)
	return nil
}

// finish applies candidate selection and records the terminal result.
// "Rows present but no exact match" is terminal on first occurrence.
func (s *Scheduler) finish(e *entry, candidates []search.Candidate) {
	s.terminal(e, search.SelectResult(s.searcher.Strategy(), e.query, candidates))
}

func (s *Scheduler) terminal(e *entry, result search.Result) {
	e.result = result
	if result.Code != "" {
		e.state = StateSuccess
	} else {
		e.state = StateFailed
	}
	resolverQueriesTotal.WithLabelValues(e.state.String()).Inc()

	s.logger.Debug().
		Str("query", e.query).
		Str("code", result.Code).
		Int("attempts", e.attempts).
		Str("state", e.state.String()).
		Msg("Query reached terminal state")
}

// retry handles a transport error: fail the query once the attempt
// budget is spent, otherwise back off exponentially and leave the entry
// pending for the next pass.
func (s *Scheduler) retry(ctx context.Context, e *entry, cause error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("resolution pass for %q: %w", e.query, ctx.Err())
	}

	if e.attempts >= s.cfg.MaxAttempts {
		resolverRetryExhaustedTotal.Inc()
		s.logger.Warn().
			Str("query", e.query).
			Int("attempts", e.attempts).
			Err(cause).
			Msg("Attempt budget exhausted - recording empty code")
		s.terminal(e, search.Result{QueryName: e.query})
		return nil
	}

	backoff := s.cfg.BaseDelay << (e.attempts - 1)
	resolverRetriesTotal.Inc()
	resolverBackoffSeconds.Observe(backoff.Seconds())

	s.logger.Warn().
		Str("query", e.query).
		Int("attempt", e.attempts).
		Dur("backoff", backoff).
		Err(cause).
		Msg("Transport error - retrying after backoff")

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff for %q: %w", e.query, ctx.Err())
	case <-timer.C:
		return nil
	}
}
