// Package post resolves post AT-URIs to their text content, coalescing
// concurrent lookups into batched AppView requests and guarding those
// requests with a circuit breaker.
package post

import (
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

const (
	failureThreshold = 5
	successThreshold = 2
	openDuration     = 30 * time.Second
	failureWindow    = 30 * time.Second
)

// CircuitBreaker protects the upstream AppView from a sustained outage:
// after failureThreshold failures within failureWindow it trips open
// and short-circuits calls for openDuration, then allows a limited
// number of half-open probes before fully closing again.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         breakerState
	failures      *slidingwindow.Limiter
	openUntil     time.Time
	halfOpenProbe int
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker() *CircuitBreaker {
	// The limiter admits failureThreshold-1 failures per window; the
	// failure it rejects is the failureThreshold-th, which trips the breaker.
	limiter, _, _ := slidingwindow.NewLimiter(failureWindow, failureThreshold-1, func() (slidingwindow.Window, slidingwindow.StopFunc) {
		return slidingwindow.NewLocalWindow()
	})
	return &CircuitBreaker{state: stateClosed, failures: limiter}
}

// Allow reports whether a request may proceed. It also advances Open
// breakers into HalfOpen once their cooldown elapses.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Now().After(cb.openUntil) {
			cb.state = stateHalfOpen
			cb.halfOpenProbe = 0
			return true
		}
		return false
	case stateHalfOpen:
		return true
	}
	return true
}

// RecordSuccess reports a successful call outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateHalfOpen:
		cb.halfOpenProbe++
		if cb.halfOpenProbe >= successThreshold {
			cb.state = stateClosed
		}
	case stateOpen:
		// A success while nominally open means Allow let a probe through
		// (cooldown elapsed); treat it the same as the half-open case.
		cb.state = stateHalfOpen
		cb.halfOpenProbe = 1
	}
}

// RecordFailure reports a failed call outcome.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateHalfOpen {
		cb.trip()
		return
	}

	if !cb.failures.Allow() {
		cb.trip()
	}
}

// trip must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = stateOpen
	cb.openUntil = time.Now().Add(openDuration)
}

// StateValue reports the current state as a metrics-friendly integer:
// 0=closed, 1=half-open, 2=open.
func (cb *CircuitBreaker) StateValue() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateClosed:
		return 0
	case stateHalfOpen:
		return 1
	default:
		return 2
	}
}
