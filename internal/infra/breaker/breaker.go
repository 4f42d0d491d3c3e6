// Package breaker provides per-destination circuit breakers backed by
// sony/gobreaker's two-step breaker, held in an explicitly owned registry.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/fixora/sagacore/internal/domain"
)

// State represents circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
	StateUnknown  State = "unknown"
)

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold    uint32        // consecutive failures that open the breaker
	ResetTimeout        time.Duration // time spent open before trial calls are allowed
	HalfOpenMaxAttempts uint32        // consecutive half-open successes that close it
}

// DefaultConfig returns the breaker settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		ResetTimeout:        60 * time.Second,
		HalfOpenMaxAttempts: 2,
	}
}

// Counts represents circuit breaker statistics
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

// StateChangeListener is notified on every transition.
type StateChangeListener func(destination string, from, to State)

// CircuitBreaker guards calls to one destination.
type CircuitBreaker struct {
	destination string
	cb          *gobreaker.TwoStepCircuitBreaker

	mu              sync.Mutex
	lastFailureTime time.Time
}

// New creates a breaker for destination.
func New(destination string, cfg Config, onChange StateChangeListener) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 1
	}
	threshold := cfg.FailureThreshold
	b := &CircuitBreaker{destination: destination}
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        destination,
		MaxRequests: cfg.HalfOpenMaxAttempts,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if onChange != nil {
				onChange(name, mapState(from), mapState(to))
			}
		},
	})
	return b
}

// Destination returns the key this breaker guards.
func (b *CircuitBreaker) Destination() string { return b.destination }

// Allow reserves a call. The caller must invoke done exactly once with the
// outcome. When the breaker rejects the call a *domain.CircuitOpenError is returned.
func (b *CircuitBreaker) Allow() (func(success bool), error) {
	done, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &domain.CircuitOpenError{Destination: b.destination}
		}
		return nil, err
	}
	return func(success bool) {
		if !success {
			b.mu.Lock()
			b.lastFailureTime = time.Now()
			b.mu.Unlock()
		}
		done(success)
	}, nil
}

// CanExecute reports whether a call would currently be let through.
func (b *CircuitBreaker) CanExecute() bool {
	s := b.State()
	return s == StateClosed || s == StateHalfOpen
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports half_open.
func (b *CircuitBreaker) State() State {
	return mapState(b.cb.State())
}

// RecordSuccess records a successful call made outside Allow.
func (b *CircuitBreaker) RecordSuccess() {
	if done, err := b.Allow(); err == nil {
		done(true)
	}
}

// RecordFailure records a failed call made outside Allow.
func (b *CircuitBreaker) RecordFailure() {
	if done, err := b.Allow(); err == nil {
		done(false)
	}
}

// Counts returns the counters of the current generation.
func (b *CircuitBreaker) Counts() Counts {
	c := b.cb.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// LastFailureTime returns when the last failure was recorded.
func (b *CircuitBreaker) LastFailureTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailureTime
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
