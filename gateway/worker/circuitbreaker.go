package worker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState is the circuit breaker's position in the
// Closed -> Open -> HalfOpen -> Closed cycle (spec.md §3).
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig configures failure/success thresholds and timing.
// Field names mirror spec.md §6's circuit_breaker config block.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	WindowDuration   time.Duration
	TimeoutDuration  time.Duration
}

// DefaultCircuitBreakerConfig returns conservative defaults in the absence
// of an explicit config, consistent with the teacher's DefaultConfig idiom.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		WindowDuration:   30 * time.Second,
		TimeoutDuration:  30 * time.Second,
	}
}

func normalizeBreakerConfig(cfg CircuitBreakerConfig) CircuitBreakerConfig {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 30 * time.Second
	}
	if cfg.TimeoutDuration <= 0 {
		cfg.TimeoutDuration = 30 * time.Second
	}
	return cfg
}

// CircuitBreaker is a per-worker failure gate. It is advisory, not a
// correctness gate (spec.md §5): spurious transitions under contention are
// acceptable, which is why state changes use a plain mutex rather than a
// lock-free CAS ladder — correctness of the state machine matters more
// than avoiding the lock here, and contention is confined to one worker.
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	logger *zap.Logger

	mu              sync.Mutex
	state           BreakerState
	failuresInWindow int
	windowStart     time.Time
	successesHalfOpen int
	openedAt        time.Time
}

// NewCircuitBreaker constructs a breaker starting Closed.
func NewCircuitBreaker(cfg CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		cfg:         normalizeBreakerConfig(cfg),
		logger:      logger,
		state:       StateClosed,
		windowStart: time.Now(),
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CanExecute implements spec.md §3's can_execute(): true in Closed, true
// (as a probe) in HalfOpen, false in Open. Open transitions to HalfOpen
// here, lazily, once timeout_duration has elapsed.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.TimeoutDuration {
			b.state = StateHalfOpen
			b.successesHalfOpen = 0
			b.logger.Info("circuit breaker half-open")
			return true
		}
		return false
	default:
		return false
	}
}

// RecordOutcome applies one dispatch outcome to the state machine
// (spec.md §3's transition table).
func (b *CircuitBreaker) RecordOutcome(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *CircuitBreaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.rollWindow()
	case StateHalfOpen:
		b.successesHalfOpen++
		if b.successesHalfOpen >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failuresInWindow = 0
			b.windowStart = time.Now()
			b.logger.Info("circuit breaker closed after successful probes")
		}
	case StateOpen:
		// A success while Open shouldn't happen (CanExecute gates calls),
		// but a racing goroutine may have started before the state flipped.
	}
}

func (b *CircuitBreaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.rollWindow()
		b.failuresInWindow++
		if b.failuresInWindow >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
			b.logger.Warn("circuit breaker open",
				zap.Int("failures_in_window", b.failuresInWindow))
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = time.Now()
		b.successesHalfOpen = 0
		b.logger.Warn("circuit breaker re-opened after half-open probe failure")
	case StateOpen:
	}
}

// rollWindow resets the failure count once window_duration has elapsed,
// so failures outside the observation window don't accumulate forever.
func (b *CircuitBreaker) rollWindow() {
	if time.Since(b.windowStart) >= b.cfg.WindowDuration {
		b.failuresInWindow = 0
		b.windowStart = time.Now()
	}
}

// Reset forces the breaker back to Closed, used by admin/control endpoints.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failuresInWindow = 0
	b.successesHalfOpen = 0
	b.windowStart = time.Now()
}
