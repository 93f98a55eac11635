// Package breaker implements a circuit breaker held per dependency name.
// Every caller of a dependency consults the same breaker, so failures
// accumulated while serving one operation count against the dependency for
// all others: it is the dependency that is unhealthy, not the caller.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when a call is short-circuited without reaching
// the dependency.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker open.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before admitting a
	// trial call.
	ResetTimeout time.Duration
	// HalfOpenMaxAttempts is the number of consecutive trial successes that
	// close the breaker again.
	HalfOpenMaxAttempts int
	Logger              *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxAttempts <= 0 {
		c.HalfOpenMaxAttempts = 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Op is the guarded call.
type Op func(ctx context.Context) (any, error)

// Fallback runs when the primary call fails or is short-circuited. cause is
// the primary error, ErrCircuitOpen included.
type Fallback func(ctx context.Context, cause error) (any, error)

// Outcome reports one Execute result. Success with FromFallback set means the
// primary call never succeeded but the fallback did; Err still carries the
// primary failure so callers can tell the paths apart.
type Outcome struct {
	Success      bool
	Data         any
	Err          error
	FallbackErr  error
	FromFallback bool
	State        State
}

// Breaker guards one named dependency.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu                 sync.Mutex
	state              State
	failureCount       int
	successCount       int
	lastFailureTime    time.Time
	totalRequests      int64
	totalFailures      int64
	totalSuccesses     int64
	totalShortCircuits int64
	circuitOpenCount   int64
}

// New creates a closed breaker for the named dependency.
func New(name string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: cfg.Logger.With("breaker", name),
		now:    time.Now,
		state:  Closed,
	}
}

// NewWithClock is New with an injected clock for tests.
func NewWithClock(name string, cfg Config, now func() time.Time) *Breaker {
	b := New(name, cfg)
	b.now = now
	return b
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs op under the breaker. When the breaker is open and the reset
// timeout has not elapsed, op is never invoked and the fallback (if any)
// serves the call.
func (b *Breaker) Execute(ctx context.Context, op Op, fallback Fallback) Outcome {
	if !b.preCall() {
		return b.failureOutcome(ctx, fmt.Errorf("%w: %s", ErrCircuitOpen, b.name), fallback)
	}

	data, err := op(ctx)
	if err != nil {
		b.recordFailure()
		return b.failureOutcome(ctx, err, fallback)
	}

	b.recordSuccess()
	return Outcome{Success: true, Data: data, State: b.State()}
}

// Do is a typed Execute. The fallback may be nil.
func Do[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error), fallback func(ctx context.Context, cause error) (T, error)) (T, Outcome) {
	var fb Fallback
	if fallback != nil {
		fb = func(ctx context.Context, cause error) (any, error) {
			return fallback(ctx, cause)
		}
	}

	out := b.Execute(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	}, fb)

	var zero T
	if out.Data == nil {
		return zero, out
	}
	v, ok := out.Data.(T)
	if !ok {
		return zero, out
	}
	return v, out
}

// State returns the current breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ShortCircuits reports whether a call made now would be rejected without
// reaching the dependency. It does not advance the state machine, so an open
// breaker whose reset timeout has elapsed reports false: the next real call
// is the half-open trial.
func (b *Breaker) ShortCircuits() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Open && b.now().Sub(b.lastFailureTime) < b.cfg.ResetTimeout
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Name               string     `json:"name"`
	State              State      `json:"state"`
	FailureCount       int        `json:"failureCount"`
	SuccessCount       int        `json:"successCount"`
	LastFailureTime    *time.Time `json:"lastFailureTime,omitempty"`
	TotalRequests      int64      `json:"totalRequests"`
	TotalFailures      int64      `json:"totalFailures"`
	TotalSuccesses     int64      `json:"totalSuccesses"`
	TotalShortCircuits int64      `json:"totalShortCircuits"`
	CircuitOpenCount   int64      `json:"circuitOpenCount"`
}

// Snapshot returns the breaker's current state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:               b.name,
		State:              b.state,
		FailureCount:       b.failureCount,
		SuccessCount:       b.successCount,
		TotalRequests:      b.totalRequests,
		TotalFailures:      b.totalFailures,
		TotalSuccesses:     b.totalSuccesses,
		TotalShortCircuits: b.totalShortCircuits,
		CircuitOpenCount:   b.circuitOpenCount,
	}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		s.LastFailureTime = &t
	}
	return s
}

// Reset forces the breaker closed and clears the consecutive counters.
// Aggregate totals are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.logger.Info("circuit reset")
}

// preCall admits or short-circuits a call, moving an open breaker to
// half-open once the reset timeout has elapsed.
func (b *Breaker) preCall() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailureTime) >= b.cfg.ResetTimeout {
			b.state = HalfOpen
			b.failureCount = 0
			b.successCount = 0
			b.logger.Info("circuit half-open, admitting trial call")
			return true
		}
		b.totalShortCircuits++
		return false
	default:
		return true
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenMaxAttempts {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
			b.logger.Info("circuit closed")
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.lastFailureTime = b.now()
	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.tripLocked()
		}
	case HalfOpen:
		b.tripLocked()
	}
}

func (b *Breaker) tripLocked() {
	b.state = Open
	b.successCount = 0
	b.circuitOpenCount++
	b.logger.Warn("circuit opened", "consecutive_failures", b.failureCount)
}

func (b *Breaker) failureOutcome(ctx context.Context, cause error, fallback Fallback) Outcome {
	out := Outcome{Err: cause}
	if fallback != nil {
		data, fbErr := fallback(ctx, cause)
		if fbErr != nil {
			out.FallbackErr = fbErr
		} else {
			out.Success = true
			out.Data = data
			out.FromFallback = true
		}
	}
	out.State = b.State()
	return out
}
