// Package retry implements the retry engine and process-global
// 3-state circuit breaker (4.I): exponential backoff with jitter
// gated by error classification, and CLOSED/OPEN/HALF_OPEN admission
// control shared across every caller.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/harrison/ralphy/internal/errs"
)

// CircuitState is one of the three admission states from 4.I.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

const (
	failureThreshold     = 3
	defaultResetTimeout  = 30 * time.Second
	maxHalfOpenTrials    = 2
)

// CircuitBreaker is the process-wide admission-control authority,
// constructed once and passed by reference (Design Note "process-global
// singletons").
type CircuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     *time.Time
	halfOpenAttempts    int
	resetTimeout        time.Duration
}

// NewCircuitBreaker constructs a breaker in the CLOSED state using the
// spec's fixed 30s reset timeout.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{state: CircuitClosed, resetTimeout: defaultResetTimeout}
}

// NewCircuitBreakerWithResetTimeout constructs a breaker whose OPEN-to-
// HALF_OPEN reset timeout is operator-configurable, per SPEC_FULL.md's
// ambient config surface for retry/circuit-breaker thresholds.
func NewCircuitBreakerWithResetTimeout(resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{state: CircuitClosed, resetTimeout: resetTimeout}
}

// CanAttempt reports whether a call is currently admitted, transitioning
// OPEN to HALF_OPEN once resetTimeout has elapsed.
func (cb *CircuitBreaker) CanAttempt() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.canAttemptLocked()
}

func (cb *CircuitBreaker) canAttemptLocked() (bool, error) {
	switch cb.state {
	case CircuitClosed:
		return true, nil
	case CircuitHalfOpen:
		if cb.halfOpenAttempts < maxHalfOpenTrials {
			return true, nil
		}
		cb.transitionToOpenLocked()
		return false, cb.openErrorLocked()
	case CircuitOpen:
		if cb.lastFailureTime != nil && time.Since(*cb.lastFailureTime) >= cb.resetTimeoutOrDefault() {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 0
			return true, nil
		}
		return false, cb.openErrorLocked()
	default:
		return true, nil
	}
}

func (cb *CircuitBreaker) resetTimeoutOrDefault() time.Duration {
	if cb.resetTimeout > 0 {
		return cb.resetTimeout
	}
	return defaultResetTimeout
}

func (cb *CircuitBreaker) openErrorLocked() error {
	remaining := cb.resetTimeoutOrDefault()
	if cb.lastFailureTime != nil {
		remaining -= time.Since(*cb.lastFailureTime)
		if remaining < 0 {
			remaining = 0
		}
	}
	return fmt.Errorf("retry: circuit breaker OPEN, retry in %s", remaining.Round(time.Second))
}

func (cb *CircuitBreaker) transitionToOpenLocked() {
	now := time.Now()
	cb.state = CircuitOpen
	cb.lastFailureTime = &now
	cb.halfOpenAttempts = 0
}

// RecordSuccess closes the circuit and resets counters.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
	}
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.lastFailureTime = nil
}

// RecordFailure accounts err against the circuit if it classifies as a
// connection-pattern failure (network/timeout/process), opening the
// circuit once consecutiveFailures reaches the threshold. Errors outside
// that class don't count against the breaker at all.
func (cb *CircuitBreaker) RecordFailure(err *errs.Error) {
	if !isConnectionClass(err) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.halfOpenAttempts++
		cb.transitionToOpenLocked()
		return
	}

	cb.consecutiveFailures++
	if cb.consecutiveFailures >= failureThreshold {
		cb.transitionToOpenLocked()
	}
}

// State returns the breaker's current state and consecutive-failure
// count, for inspection/tests.
func (cb *CircuitBreaker) State() (CircuitState, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.consecutiveFailures
}

// Options configures withRetry.
type Options struct {
	MaxRetries int           // default 3
	BaseDelay  time.Duration // default 1s
	MaxDelay   time.Duration // default 30s
	Breaker    *CircuitBreaker
}

func (o Options) withDefaults() Options {
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 30 * time.Second
	}
	return o
}

// WithRetry runs fn; on a retryable error it schedules a backoff-and-
// retry, clamped by MaxDelay with up to 25% jitter, consulting the
// circuit breaker if one was supplied. Non-retryable errors and a
// circuit in OPEN/exhausted-HALF_OPEN state abort immediately.
func WithRetry(ctx context.Context, fn func(ctx context.Context) error, opts Options) error {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= opts.MaxRetries+1; attempt++ {
		if opts.Breaker != nil {
			if ok, err := opts.Breaker.CanAttempt(); !ok {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			if opts.Breaker != nil {
				opts.Breaker.RecordSuccess()
			}
			return nil
		}

		classified := errs.Normalize(err)
		if opts.Breaker != nil {
			opts.Breaker.RecordFailure(classified)
		}
		lastErr = err

		if !errs.IsRetryable(classified) || attempt > opts.MaxRetries {
			return lastErr
		}

		delay := backoffDelay(attempt, opts.BaseDelay, opts.MaxDelay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func isConnectionClass(e *errs.Error) bool {
	return e.Code == errs.CodeNetwork || e.Code == errs.CodeTimeout || e.Code == errs.CodeProcess
}

func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4)) // up to 25%
	return delay + jitter
}

// WaitForConnectionRestore polls CanAttempt every 5s until it is
// admitted or timeout elapses (default 5 minutes).
func WaitForConnectionRestore(ctx context.Context, cb *CircuitBreaker, timeout time.Duration) error {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		if ok, _ := cb.CanAttempt(); ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("retry: timed out waiting for connection restore after %s", timeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
