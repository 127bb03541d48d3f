// Package breaker implements the storage-layer circuit breaker.
//
// It protects the trace storage backend from cascading failure: once a
// run of consecutive failures crosses a threshold, writes are suspended
// for a cooldown period instead of being attempted (and failing) one by
// one.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is one of Closed, Open, HalfOpen.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls breaker thresholds. The zero value is invalid; use
// DefaultConfig.
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int

	// ResetTimeout is how long the breaker stays Open before probing again.
	ResetTimeout time.Duration

	// HalfOpenFailurePreload is the failure count a breaker carries back
	// into Closed after a half-open success. A single success closes the
	// circuit immediately, but the circuit isn't assumed fully healthy:
	// preloading the closed-state counter means only (Threshold -
	// HalfOpenFailurePreload) further failures are needed to re-open it,
	// instead of a fresh run of Threshold failures.
	HalfOpenFailurePreload int

	OnStateChange func(from, to State)
}

// DefaultConfig matches the storage breaker's required behavior: opens
// after 10 consecutive failures, stays open 60s, and on recovery from
// half-open carries a failure count of 5 back into Closed so it re-opens
// after only 5 further failures.
func DefaultConfig() *Config {
	return &Config{
		Threshold:              10,
		ResetTimeout:           60 * time.Second,
		HalfOpenFailurePreload: 5,
	}
}

// Breaker is a circuit breaker around an arbitrary operation.
type Breaker interface {
	Call(ctx context.Context, fn func() error) error
	State() State
	Reset()
	Stats() Stats
}

// Stats is a snapshot of the breaker's internal counters, used for
// /metrics exposition.
type Stats struct {
	State             State
	ConsecutiveFailures int
	LastFailureTime   time.Time
}

type breaker struct {
	config *Config
	logger *zap.Logger

	mu              sync.RWMutex
	state           State
	failureCount    int
	lastFailureTime time.Time
}

// New creates a storage circuit breaker. A nil config uses DefaultConfig.
func New(config *Config, logger *zap.Logger) Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Threshold <= 0 {
		config.Threshold = 10
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.HalfOpenFailurePreload < 0 {
		config.HalfOpenFailurePreload = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &breaker{config: config, logger: logger, state: StateClosed}
}

// Call runs fn if the breaker permits it, and records the outcome.
// Client-input errors (ErrClientFault-wrapped) never count as failures.
func (b *breaker) Call(ctx context.Context, fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err == nil || errors.Is(err, ErrClientFault))
	return err
}

// ErrClientFault marks an error that should not be attributed to the
// storage backend (e.g. a caller passed a malformed trace). Wrap with
// fmt.Errorf("...: %w", ErrClientFault) to opt an error out of breaker
// accounting.
var ErrClientFault = errors.New("client fault")

func (b *breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.config.ResetTimeout {
			b.setState(StateHalfOpen)
			b.failureCount = 0
			b.logger.Info("storage breaker entering half-open")
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		return nil
	default:
		return fmt.Errorf("breaker: unknown state %v", b.state)
	}
}

func (b *breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case StateClosed:
			b.failureCount = 0
		case StateHalfOpen:
			b.logger.Info("storage breaker closed", zap.Int("failure_count", b.config.HalfOpenFailurePreload))
			b.failureCount = b.config.HalfOpenFailurePreload
			b.setState(StateClosed)
		}
		return
	}

	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.Threshold {
			b.logger.Warn("storage breaker open",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.Threshold))
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.logger.Warn("storage breaker re-opened from half-open")
		b.setState(StateOpen)
	}
}

func (b *breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(from, to)
	}
}

func (b *breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	from := b.state
	b.state = StateClosed
	b.failureCount = 0
	if b.config.OnStateChange != nil && from != StateClosed {
		go b.config.OnStateChange(from, StateClosed)
	}
}

func (b *breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.failureCount,
		LastFailureTime:     b.lastFailureTime,
	}
}

var ErrCircuitOpen = errors.New("storage circuit breaker is open")
