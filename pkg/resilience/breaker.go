package resilience

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the current state of the circuit breaker
type BreakerState int

const (
	// BreakerClosed - requests flow normally
	BreakerClosed BreakerState = iota
	// BreakerOpen - requests fail immediately
	BreakerOpen
	// BreakerHalfOpen - a limited number of probe requests are allowed
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrBreakerOpen is returned when the breaker rejects a call outright
	ErrBreakerOpen = errors.New("circuit breaker is open")
	// ErrTooManyProbes is returned when the half-open probe budget is spent
	ErrTooManyProbes = errors.New("too many requests in half-open state")
)

// BreakerConfig configures circuit breaker behavior
type BreakerConfig struct {
	MaxFailures    uint32        // consecutive failures before opening
	OpenTimeout    time.Duration // how long to stay open before probing
	HalfOpenProbes uint32        // concurrent probes allowed while half-open
}

// DefaultBreakerConfig returns defaults for processor gateways
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:    5,
		OpenTimeout:    30 * time.Second,
		HalfOpenProbes: 1,
	}
}

// Breaker implements the circuit breaker pattern around processor calls
type Breaker struct {
	mu         sync.Mutex
	state      BreakerState
	failures   uint32
	probes     uint32
	lastChange time.Time
	config     BreakerConfig
}

// NewBreaker creates a circuit breaker in the closed state
func NewBreaker(config BreakerConfig) *Breaker {
	return &Breaker{
		state:      BreakerClosed,
		lastChange: time.Now(),
		config:     config,
	}
}

// State returns the current breaker state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Do executes fn if the breaker allows it, recording the outcome
func (b *Breaker) Do(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	switch b.state {
	case BreakerOpen:
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.probes >= b.config.HalfOpenProbes {
			return ErrTooManyProbes
		}
		b.probes++
	}
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen && b.probes > 0 {
		b.probes--
	}

	if err == nil {
		// Any success while half-open closes the circuit
		if b.state == BreakerHalfOpen {
			b.transitionLocked(BreakerClosed)
		}
		b.failures = 0
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.config.MaxFailures {
		b.transitionLocked(BreakerOpen)
	}
}

// maybeHalfOpenLocked moves an expired open breaker to half-open
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == BreakerOpen && time.Since(b.lastChange) >= b.config.OpenTimeout {
		b.transitionLocked(BreakerHalfOpen)
	}
}

func (b *Breaker) transitionLocked(next BreakerState) {
	if b.state == next {
		return
	}
	b.state = next
	b.lastChange = time.Now()
	b.probes = 0
	if next == BreakerClosed {
		b.failures = 0
	}
}
