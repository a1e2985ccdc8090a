package gateway

import (
	"testing"
	"time"
)

func TestCircuitBreakerOpensAndHalfOpens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newCircuitBreaker(2, time.Second)
	b.now = func() time.Time { return now }
	var transitions []bool
	b.onChange = func(open bool) { transitions = append(transitions, open) }

	if !b.Allow() {
		t.Fatalf("expected closed breaker to allow")
	}
	b.RecordFailure()
	if !b.Allow() {
		t.Fatalf("expected one failure to keep the breaker closed")
	}
	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("expected breaker to open at the threshold")
	}

	now = now.Add(1500 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("expected a single trial call after the cooldown")
	}
	if b.Allow() {
		t.Fatalf("expected second caller to wait for the trial call")
	}

	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("expected failed trial to reopen the breaker")
	}

	now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected trial call after the second cooldown")
	}
	b.RecordSuccess()
	if !b.Allow() || !b.Allow() {
		t.Fatalf("expected closed breaker after a successful trial")
	}
	if len(transitions) != 2 || !transitions[0] || transitions[1] {
		t.Fatalf("expected open then close transitions, got %v", transitions)
	}
}
