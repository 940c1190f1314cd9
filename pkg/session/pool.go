package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for session pooling.
var (
	sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "regresolve_sessions_created_total",
		Help: "Sessions created, each costing one credential-fetch call",
	})

	sessionPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "regresolve_session_pool_size",
		Help: "Current number of pooled sessions",
	})

	sessionRotationWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "regresolve_session_rotation_wait_seconds",
		Help:    "Time spent waiting for the oldest session to cool down",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5},
	})
)

// Session is a pooled credential set. lastUsedAt is owned by the pool
// and stamped at hand-out time.
type Session struct {
	Credentials Credentials

	lastUsedAt time.Time
}

// Pool owns a bounded collection of sessions. Below capacity it creates
// sessions; at capacity it rotates through them oldest-first, enforcing
// a minimum interval between uses of the same session.
type Pool struct {
	mu       sync.Mutex
	provider Provider
	capacity int
	minReuse time.Duration
	sessions []*Session
	creating int

	// landed is closed and replaced whenever an in-flight creation
	// finishes, waking acquirers that found the pool empty with all
	// capacity held by creators.
	landed chan struct{}

	logger zerolog.Logger
}

// NewPool creates a session pool. Capacity is fixed for the pool's
// lifetime; a capacity of 1 serializes all callers through one session.
func NewPool(provider Provider, capacity int, minReuse time.Duration, logger zerolog.Logger) (*Pool, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if capacity < 1 {
		return nil, fmt.Errorf("capacity must be >= 1 (got %d)", capacity)
	}
	if minReuse < 0 {
		return nil, fmt.Errorf("min reuse interval must be >= 0 (got %v)", minReuse)
	}
	return &Pool{
		provider: provider,
		capacity: capacity,
		minReuse: minReuse,
		landed:   make(chan struct{}),
		logger:   logger,
	}, nil
}

// Size returns the current number of pooled sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Acquire hands out a session. While the pool is below capacity it
// creates one (the only path that costs a credential fetch); at capacity
// it selects the session with the oldest lastUsedAt, waiting out the
// remainder of the minimum reuse interval if needed. The hand-out stamp
// happens atomically with selection so two callers can never pick the
// same stale session.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	p.mu.Lock()

	for {
		// Creation path. The in-flight counter keeps concurrent creators
		// from overshooting capacity while the fetch runs outside the lock.
		if len(p.sessions)+p.creating < p.capacity {
			p.creating++
			p.mu.Unlock()

			creds := p.provider.Fetch(ctx)

			p.mu.Lock()
			p.creating--
			if err := ctx.Err(); err != nil {
				p.signalLanded()
				p.mu.Unlock()
				return nil, fmt.Errorf("session acquire: %w", err)
			}
			s := &Session{Credentials: creds, lastUsedAt: time.Now()}
			p.sessions = append(p.sessions, s)
			size := len(p.sessions)
			p.signalLanded()
			p.mu.Unlock()

			sessionsCreatedTotal.Inc()
			sessionPoolSize.Set(float64(size))
			p.logger.Debug().
				Int("pool_size", size).
				Int("capacity", p.capacity).
				Bool("anonymous", creds.Anonymous()).
				Msg("Session created")
			return s, nil
		}

		if len(p.sessions) > 0 {
			break
		}

		// All capacity is held by in-flight creators and nothing has
		// landed yet. Wait for a creation to finish, then re-evaluate:
		// a landed session becomes rotatable, a failed creation frees
		// capacity for this caller to create.
		landed := p.landed
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("session acquire: %w", ctx.Err())
		case <-landed:
		}
		p.mu.Lock()
	}

	// Rotation path: oldest lastUsedAt wins, ties by pool order.
	oldest := p.sessions[0]
	for _, s := range p.sessions[1:] {
		if s.lastUsedAt.Before(oldest.lastUsedAt) {
			oldest = s
		}
	}

	now := time.Now()
	ready := oldest.lastUsedAt.Add(p.minReuse)
	if ready.Before(now) {
		ready = now
	}
	oldest.lastUsedAt = ready
	p.mu.Unlock()

	wait := time.Until(ready)
	sessionRotationWaitSeconds.Observe(wait.Seconds())
	if wait > 0 {
		p.logger.Debug().Dur("wait", wait).Msg("Waiting for session cooldown")
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("session acquire: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return oldest, nil
}

// signalLanded wakes acquirers blocked on an empty pool. Called with
// the mutex held whenever an in-flight creation finishes, successfully
// or not.
func (p *Pool) signalLanded() {
	close(p.landed)
	p.landed = make(chan struct{})
}
