package post

import "testing"

func TestCircuitBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker()
	if !cb.Allow() {
		t.Fatal("expected new breaker to allow requests")
	}
	if cb.StateValue() != 0 {
		t.Errorf("expected closed state value 0, got %v", cb.StateValue())
	}
}

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker()
	for i := 0; i < failureThreshold; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.Allow() {
		t.Fatal("expected breaker to be open after exceeding failure threshold")
	}
	if cb.StateValue() != 2 {
		t.Errorf("expected open state value 2, got %v", cb.StateValue())
	}
}

func TestCircuitBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	cb := NewCircuitBreaker()
	cb.mu.Lock()
	cb.state = stateHalfOpen
	cb.mu.Unlock()

	for i := 0; i < successThreshold; i++ {
		if !cb.Allow() {
			t.Fatal("expected half-open breaker to allow probes")
		}
		cb.RecordSuccess()
	}
	if cb.StateValue() != 0 {
		t.Errorf("expected breaker to close after successThreshold successes, got state %v", cb.StateValue())
	}
}

func TestCircuitBreakerHalfOpenReopensOnFailure(t *testing.T) {
	cb := NewCircuitBreaker()
	cb.mu.Lock()
	cb.state = stateHalfOpen
	cb.mu.Unlock()

	cb.RecordFailure()
	if cb.StateValue() != 2 {
		t.Errorf("expected a half-open failure to reopen the breaker, got state %v", cb.StateValue())
	}
}
