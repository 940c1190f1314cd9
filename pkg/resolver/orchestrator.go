package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/wmtools/regresolve/pkg/search"
)

var resolverCacheShortcutsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "regresolve_resolver_cache_shortcuts_total",
	Help: "Queries answered from the resolved-code cache without scheduling",
})

// CodeCache is an optional cache of resolved codes, consulted before a
// query is scheduled and updated after success. Any Get error counts as
// a miss; the cache never changes resolution semantics.
type CodeCache interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name string, code string) error
}

// Orchestrator turns an ordered query list into an ordered result list
// by driving the scheduler over the pending set until it drains.
type Orchestrator struct {
	sched       *Scheduler
	cache       CodeCache
	concurrency int
	logger      zerolog.Logger
}

// NewOrchestrator creates an orchestrator. cache may be nil. A
// concurrency above 1 resolves that many queries in parallel; shared
// rate-governor and session-pool state stays consistent through their
// own locking, and each query is still driven by exactly one worker.
func NewOrchestrator(sched *Scheduler, cache CodeCache, concurrency int, logger zerolog.Logger) (*Orchestrator, error) {
	if sched == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be >= 1 (got %d)", concurrency)
	}
	return &Orchestrator{
		sched:       sched,
		cache:       cache,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Run resolves all queries and returns one result per query, in input
// order, regardless of completion order. Individual failures yield
// empty codes and never abort the batch; only an empty query list or
// context cancellation returns an error.
func (o *Orchestrator) Run(ctx context.Context, queries []string) ([]search.Result, error) {
	if len(queries) == 0 {
		return nil, fmt.Errorf("query list is empty")
	}

	start := time.Now()
	entries := make([]*entry, len(queries))
	for i, q := range queries {
		entries[i] = &entry{query: q, result: search.Result{QueryName: q}}
	}

	o.shortcutFromCache(ctx, entries)

	var err error
	if o.concurrency > 1 {
		err = o.runParallel(ctx, entries)
	} else {
		err = o.runSequential(ctx, entries)
	}
	if err != nil {
		return nil, err
	}

	o.storeToCache(ctx, entries)

	results := make([]search.Result, len(entries))
	resolved := 0
	for i, e := range entries {
		results[i] = e.result
		if e.result.Code != "" {
			resolved++
		}
	}

	o.logger.Info().
		Int("queries", len(queries)).
		Int("resolved", resolved).
		Int("unresolved", len(queries)-resolved).
		Dur("duration", time.Since(start)).
		Msg("Batch complete")

	return results, nil
}

// runSequential drives pending entries FIFO by input order, one
// scheduling pass at a time, until the pending set is empty. A retried
// query goes to the back of the line, so one slow item cannot starve
// the rest of the batch.
func (o *Orchestrator) runSequential(ctx context.Context, entries []*entry) error {
	for {
		pending := false
		for _, e := range entries {
			if e.state != StatePending {
				continue
			}
			pending = true
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("batch aborted: %w", err)
			}
			if err := o.sched.Step(ctx, e); err != nil {
				return err
			}
		}
		if !pending {
			return nil
		}
	}
}

// runParallel fans entries out to a bounded worker pool. Each worker
// owns one entry start-to-terminal, preserving the at-most-one
// in-flight pass per query.
func (o *Orchestrator) runParallel(ctx context.Context, entries []*entry) error {
	queue := make(chan *entry, len(entries))
	for _, e := range entries {
		if e.state == StatePending {
			queue <- e
		}
	}
	close(queue)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := 0; i < o.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for e := range queue {
				for e.state == StatePending {
					if err := ctx.Err(); err != nil {
						return
					}
					if err := o.sched.Step(ctx, e); err != nil {
						mu.Lock()
						if firstErr == nil {
							firstErr = err
						}
						mu.Unlock()
						o.logger.Debug().
							Int("worker_id", workerID).
							Str("query", e.query).
							Msg("Worker stopping (context cancelled)")
						return
					}
				}
			}
		}(i)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("batch aborted: %w", err)
	}
	return nil
}

// shortcutFromCache marks entries terminal when the cache already holds
// a code for the query.
func (o *Orchestrator) shortcutFromCache(ctx context.Context, entries []*entry) {
	if o.cache == nil {
		return
	}
	for _, e := range entries {
		code, err := o.cache.Get(ctx, e.query)
		if err != nil || code == "" {
			continue
		}
		e.state = StateSuccess
		e.result = search.Result{QueryName: e.query, Code: code}
		resolverCacheShortcutsTotal.Inc()
		o.logger.Debug().Str("query", e.query).Str("code", code).Msg("Resolved from cache")
	}
}

// storeToCache records freshly resolved codes. Failed resolutions are
// not cached: an empty code may succeed on a later run.
func (o *Orchestrator) storeToCache(ctx context.Context, entries []*entry) {
	if o.cache == nil {
		return
	}
	for _, e := range entries {
		if e.state != StateSuccess {
			continue
		}
		if err := o.cache.Set(ctx, e.query, e.result.Code); err != nil {
			o.logger.Warn().Err(err).Str("query", e.query).Msg("Failed to cache resolved code")
		}
	}
}
