// Package circuit provides a circuit breaker for quarry's infrastructure
// calls (Postgres, Redis, Kafka, InfluxDB).
package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/bardlex/quarry/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit allows limited requests to test recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is wrapped by every error returned while the circuit is open.
var ErrOpen = stderrors.New("circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	Name            string        // Dependency name used in errors
	MaxFailures     int           // Consecutive-window failures before opening
	SuccessRequired int           // Successful probes required to close from half-open
	OpenTimeout     time.Duration // How long to stay open before probing
	ResetInterval   time.Duration // How often the failure count decays in closed state
}

// DefaultConfig returns the configuration used for database dependencies.
func DefaultConfig() *Config {
	return &Config{
		Name:            "dependency",
		MaxFailures:     5,
		SuccessRequired: 3,
		OpenTimeout:     30 * time.Second,
		ResetInterval:   60 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern. Errors the caller caused
// (validation failures, cancelled contexts) do not count against the
// dependency.
type Breaker struct {
	config Config
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
	onChange      func(from, to State)
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	b := &Breaker{config: *config, now: time.Now}
	b.lastResetTime = b.now()
	return b
}

// OnStateChange registers fn to be called after every transition. fn runs
// with the breaker unlocked.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Execute runs fn unless the circuit is open.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn unless the circuit is open and returns its result.
func ExecuteWithResult[T any](ctx context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if state, ok := b.allow(); !ok {
		return zero, errors.Wrap(ErrOpen, errors.ErrorTypeInternal, "circuit_breaker", b.config.Name+" unavailable").
			WithContext("state", state.String())
	}

	result, err := fn()
	b.record(err)
	return result, err
}

func (b *Breaker) allow() (State, bool) {
	b.mu.Lock()
	now := b.now()

	var from, to State
	allowed := true
	switch b.state {
	case StateClosed:
		if now.Sub(b.lastResetTime) > b.config.ResetInterval {
			b.failures = 0
			b.lastResetTime = now
		}
	case StateOpen:
		if now.Sub(b.lastFailTime) > b.config.OpenTimeout {
			from, to = b.transition(StateHalfOpen)
		} else {
			allowed = false
		}
	}
	state, cb := b.state, b.onChange
	b.mu.Unlock()

	if from != to && cb != nil {
		cb(from, to)
	}
	return state, allowed
}

// countable reports whether err reflects on the dependency's health.
func countable(err error) bool {
	switch {
	case err == nil:
		return false
	case stderrors.Is(err, context.Canceled):
		return false
	case errors.IsType(err, errors.ErrorTypeValidation):
		return false
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	var from, to State
	switch {
	case countable(err):
		b.failures++
		b.lastFailTime = b.now()
		switch b.state {
		case StateClosed:
			if b.failures >= b.config.MaxFailures {
				from, to = b.transition(StateOpen)
			}
		case StateHalfOpen:
			from, to = b.transition(StateOpen)
		}
	case err == nil:
		b.successes++
		if b.state == StateHalfOpen && b.successes >= b.config.SuccessRequired {
			from, to = b.transition(StateClosed)
			b.failures = 0
			b.lastResetTime = b.now()
		}
	}
	cb := b.onChange
	b.mu.Unlock()

	if from != to && cb != nil {
		cb(from, to)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) (State, State) {
	from := b.state
	b.state = to
	b.successes = 0
	return from, to
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// Stats returns a snapshot of the counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:        b.state,
		Failures:     b.failures,
		Successes:    b.successes,
		LastFailTime: b.lastFailTime,
	}
}

// Reset manually closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from, to := b.transition(StateClosed)
	b.failures = 0
	b.lastResetTime = b.now()
	cb := b.onChange
	b.mu.Unlock()

	if from != to && cb != nil {
		cb(from, to)
	}
}
