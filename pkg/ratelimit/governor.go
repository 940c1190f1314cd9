// Package ratelimit implements an adaptive inter-request delay governor.
// The registry API publishes no rate-limit headers; the only feedback is
// 429/503 responses. The governor therefore self-tunes: it widens the
// inter-request delay immediately on rate-limit signals and narrows it
// slowly after sustained success.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for governor behavior.
var (
	governorDelaySeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "regresolve_governor_delay_seconds",
		Help: "Current inter-request delay per operation class",
	}, []string{"op_class"})

	governorBackoffsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "regresolve_governor_backoffs_total",
		Help: "Delay increases triggered by rate-limit signals per operation class",
	}, []string{"op_class"})

	governorSpeedupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "regresolve_governor_speedups_total",
		Help: "Delay decreases earned by sustained success per operation class",
	}, []string{"op_class"})

	governorWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "regresolve_governor_wait_seconds",
		Help:    "Time callers spent waiting for their turn per operation class",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"op_class"})
)

// OpClass identifies a rate-limited operation class. Each class has its
// own timer and delay bounds.
type OpClass string

const (
	// OpCredentialFetch covers session-initialization calls. The registry
	// tolerates far fewer of these than searches, so the floor is higher.
	OpCredentialFetch OpClass = "credential_fetch"

	// OpSearch covers signed search calls.
	OpSearch OpClass = "search"
)

// Outcome is the caller-reported result of a rate-limited operation.
type Outcome string

const (
	// OutcomeSuccess reports a well-formed, non-rate-limited response.
	OutcomeSuccess Outcome = "success"

	// OutcomeRateLimited reports a 429/503-class response.
	OutcomeRateLimited Outcome = "rate_limited"
)

// ClassConfig holds the delay bounds for one operation class.
type ClassConfig struct {
	// InitialDelay is the delay before any feedback has been observed.
	InitialDelay time.Duration

	// MinDelay is the floor the delay may be narrowed to.
	MinDelay time.Duration

	// MaxDelay is the ceiling the delay may be widened to.
	MaxDelay time.Duration
}

// Config holds the governor configuration.
type Config struct {
	// SpeedUpThreshold is the number of consecutive successes required
	// before a delay decrease is considered.
	SpeedUpThreshold int

	// SpeedUpFactor multiplies the delay on a speed-up (must be < 1).
	SpeedUpFactor float64

	// BackoffFactor multiplies the delay on a rate-limit signal (must be > 1).
	BackoffFactor float64

	// AdjustCooldown is the minimum time between delay decreases. Together
	// with SpeedUpThreshold it keeps bursts of quick successes from
	// oscillating the delay. Backoff ignores this gate.
	AdjustCooldown time.Duration

	// Classes maps each operation class to its delay bounds.
	Classes map[OpClass]ClassConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		SpeedUpThreshold: 10,
		SpeedUpFactor:    0.95,
		BackoffFactor:    1.5,
		AdjustCooldown:   15 * time.Second,
		Classes: map[OpClass]ClassConfig{
			OpCredentialFetch: {
				InitialDelay: 2 * time.Second,
				MinDelay:     1 * time.Second,
				MaxDelay:     60 * time.Second,
			},
			OpSearch: {
				InitialDelay: 500 * time.Millisecond,
				MinDelay:     200 * time.Millisecond,
				MaxDelay:     30 * time.Second,
			},
		},
	}
}

// classState is the mutable per-class timer state. All fields are
// guarded by the governor mutex.
type classState struct {
	delay        time.Duration
	nextTurnAt   time.Time
	successes    int
	failures     int
	lastAdjustAt time.Time
}

// Governor tracks per-class timing state and gates callers. All callers
// contend on the same per-class timers; the mutex is the single-writer
// discipline the shared state requires.
type Governor struct {
	mu      sync.Mutex
	cfg     Config
	classes map[OpClass]*classState
	logger  zerolog.Logger
}

// NewGovernor creates a governor from cfg. It validates the adjustment
// factors and that every class carries usable bounds.
func NewGovernor(cfg Config, logger zerolog.Logger) (*Governor, error) {
	if cfg.SpeedUpThreshold < 1 {
		return nil, fmt.Errorf("speed_up_threshold must be >= 1 (got %d)", cfg.SpeedUpThreshold)
	}
	if cfg.SpeedUpFactor <= 0 || cfg.SpeedUpFactor >= 1 {
		return nil, fmt.Errorf("speed_up_factor must be in (0, 1) (got %g)", cfg.SpeedUpFactor)
	}
	if cfg.BackoffFactor <= 1 {
		return nil, fmt.Errorf("backoff_factor must be > 1 (got %g)", cfg.BackoffFactor)
	}
	if len(cfg.Classes) == 0 {
		return nil, fmt.Errorf("at least one operation class is required")
	}

	classes := make(map[OpClass]*classState, len(cfg.Classes))
	for op, cc := range cfg.Classes {
		if cc.MinDelay <= 0 || cc.MaxDelay < cc.MinDelay {
			return nil, fmt.Errorf("class %s: invalid delay bounds [%v, %v]", op, cc.MinDelay, cc.MaxDelay)
		}
		delay := cc.InitialDelay
		if delay < cc.MinDelay {
			delay = cc.MinDelay
		}
		if delay > cc.MaxDelay {
			delay = cc.MaxDelay
		}
		classes[op] = &classState{delay: delay}
		governorDelaySeconds.WithLabelValues(string(op)).Set(delay.Seconds())
	}

	return &Governor{
		cfg:     cfg,
		classes: classes,
		logger:  logger,
	}, nil
}

// Wait blocks until the caller may perform an operation of the given
// class, then stamps the class timer. The first call for a class never
// waits. The turn is reserved under the mutex before sleeping, so two
// concurrent callers can never be granted the same slot.
func (g *Governor) Wait(ctx context.Context, op OpClass) error {
	g.mu.Lock()
	st, ok := g.classes[op]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("unknown operation class %q", op)
	}

	now := time.Now()
	turn := st.nextTurnAt
	if turn.Before(now) {
		turn = now
	}
	st.nextTurnAt = turn.Add(st.delay)
	g.mu.Unlock()

	wait := time.Until(turn)
	governorWaitSeconds.WithLabelValues(string(op)).Observe(wait.Seconds())
	if wait <= 0 {
		return nil
	}

	g.logger.Debug().
		Str("op_class", string(op)).
		Dur("wait", wait).
		Msg("Waiting for rate governor turn")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("governor wait for %s: %w", op, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Report feeds the outcome of a completed operation back into the
// governor. Success narrows the delay only after SpeedUpThreshold
// successes and an elapsed AdjustCooldown; a rate-limit signal widens it
// immediately, regardless of any pending speed-up state.
func (g *Governor) Report(op OpClass, outcome Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.classes[op]
	if !ok {
		return
	}
	cc := g.cfg.Classes[op]
	now := time.Now()

	switch outcome {
	case OutcomeSuccess:
		st.successes++
		if st.failures > 0 {
			st.failures--
		}
		if st.successes < g.cfg.SpeedUpThreshold {
			return
		}
		if now.Sub(st.lastAdjustAt) < g.cfg.AdjustCooldown {
			return
		}
		st.delay = clamp(time.Duration(float64(st.delay)*g.cfg.SpeedUpFactor), cc.MinDelay, cc.MaxDelay)
		st.successes = 0
		st.lastAdjustAt = now
		governorSpeedupsTotal.WithLabelValues(string(op)).Inc()
		governorDelaySeconds.WithLabelValues(string(op)).Set(st.delay.Seconds())

		g.logger.Debug().
			Str("op_class", string(op)).
			Dur("delay", st.delay).
			Msg("Rate governor narrowed delay")

	case OutcomeRateLimited:
		st.failures++
		st.successes = 0
		st.delay = clamp(time.Duration(float64(st.delay)*g.cfg.BackoffFactor), cc.MinDelay, cc.MaxDelay)
		st.lastAdjustAt = now
		governorBackoffsTotal.WithLabelValues(string(op)).Inc()
		governorDelaySeconds.WithLabelValues(string(op)).Set(st.delay.Seconds())

		g.logger.Warn().
			Str("op_class", string(op)).
			Dur("delay", st.delay).
			Int("recent_failures", st.failures).
			Msg("Rate limit signal - widening delay")
	}
}

// Delay returns the current delay for the given class. Used by tests
// and status reporting.
func (g *Governor) Delay(op OpClass) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.classes[op]; ok {
		return st.delay
	}
	return 0
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
