// Package circuitbreaker stops calling a retrieval or model backend that keeps
// failing, so queries refuse quickly with backend_error instead of waiting out
// their deadline.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen  = errors.New("circuit breaker is open")
	ErrHalfOpenBusy = errors.New("circuit breaker is testing the backend")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker rejects calls.
	Cooldown time.Duration
	// HalfOpenRequests bounds concurrent trial calls. SuccessThreshold trial
	// successes close the breaker; one trial failure reopens it.
	HalfOpenRequests int
	SuccessThreshold int
	// IsFailure decides whether an error counts against the backend.
	IsFailure     func(error) bool
	OnStateChange func(name string, from State, to State)
	Logger        *zap.Logger
}

type outcome int

const (
	ignored outcome = iota
	succeeded
	failed
)

type CircuitBreaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu        sync.Mutex
	state     State
	epoch     uint64
	failures  int
	successes int
	trials    int
	openedAt  time.Time
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
}

// Execute runs fn unless the breaker is open. An error returned after ctx is
// done is the caller's cancellation or deadline and never counts against the
// backend. A panic in fn counts as a failure and is propagated.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	epoch, err := cb.acquire()
	if err != nil {
		return err
	}

	result := failed
	defer func() { cb.release(epoch, result) }()

	err = fn()
	switch {
	case ctx.Err() != nil:
		result = ignored
	case cb.cfg.IsFailure(err):
		result = failed
	default:
		result = succeeded
	}
	return err
}

func (cb *CircuitBreaker) acquire() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.cooldownElapsed()
	switch cb.state {
	case StateOpen:
		return 0, ErrCircuitOpen
	case StateHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenRequests {
			return 0, ErrHalfOpenBusy
		}
		cb.trials++
	}
	return cb.epoch, nil
}

// release ignores results from calls started before the last transition.
func (cb *CircuitBreaker) release(epoch uint64, result outcome) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if epoch != cb.epoch {
		return
	}
	if cb.state == StateHalfOpen {
		cb.trials--
	}

	switch result {
	case succeeded:
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.transition(StateClosed)
			}
		}
	case failed:
		if cb.state == StateHalfOpen {
			cb.transition(StateOpen)
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) cooldownElapsed() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		cb.transition(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.epoch++
	cb.failures, cb.successes, cb.trials = 0, 0, 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
	cb.cfg.Logger.Warn("Backend circuit breaker state changed",
		zap.String("backend", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}
