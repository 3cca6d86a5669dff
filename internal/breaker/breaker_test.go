package breaker

import (
	"context"
	"testing"
	"time"
)

func TestBreakerMonotonicityToUnhealthy(t *testing.T) {
	b := NewUpstreamBreaker()
	policy := DefaultPolicy()
	policy.ConsecutiveFailuresThreshold = 3

	for i := 0; i < 2; i++ {
		b.RecordFailure(policy, time.Now())
		if b.State() != Healthy {
			t.Fatalf("expected still HEALTHY after %d failures, got %v", i+1, b.State())
		}
	}
	b.RecordFailure(policy, time.Now())
	if b.State() != Unhealthy {
		t.Fatalf("expected UNHEALTHY after reaching threshold, got %v", b.State())
	}
}

func TestBreakerCannotHalfOpenBeforeRecoveryInterval(t *testing.T) {
	b := NewUpstreamBreaker()
	policy := DefaultPolicy()
	policy.RecoveryIntervalMs = 5000
	failTime := time.Now()
	b.RecordFailure(policy, failTime)
	b.RecordFailure(policy, failTime)
	b.RecordFailure(policy, failTime)

	// elapsed < recoveryIntervalMs * 0.8 (i.e. well under the jitter floor)
	soon := failTime.Add(1 * time.Second)
	if b.Eligible(policy, soon) {
		t.Fatalf("expected ineligible well before recovery interval")
	}
}

func TestBreakerHalfOpenRecoversOnSuccess(t *testing.T) {
	b := NewUpstreamBreaker()
	policy := DefaultPolicy()
	policy.RecoveryIntervalMs = 1000
	failTime := time.Now().Add(-2 * time.Second)
	b.RecordFailure(policy, failTime)
	b.RecordFailure(policy, failTime)
	b.RecordFailure(policy, failTime)

	if !b.Eligible(policy, time.Now()) {
		t.Fatalf("expected eligible after recovery interval elapsed")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected HALF_OPEN after eligible probe, got %v", b.State())
	}

	wasHalfOpen := b.RecordSuccess(policy)
	if !wasHalfOpen {
		t.Fatalf("expected RecordSuccess to report half-open recovery")
	}
	if b.State() != Healthy {
		t.Fatalf("expected HEALTHY after successful probe, got %v", b.State())
	}
}

func TestSelectPicksHighestPriorityPartition(t *testing.T) {
	a := &Upstream{ID: "a", Priority: 1, Weight: 100, Breaker: NewUpstreamBreaker()}
	b := &Upstream{ID: "b", Priority: 2, Weight: 100, Breaker: NewUpstreamBreaker()}
	got := Select([]*Upstream{a, b}, time.Now())
	if got.ID != "a" {
		t.Fatalf("expected priority-1 upstream to be selected, got %v", got.ID)
	}
}

func TestControllerFailoverOnRetryableStatus(t *testing.T) {
	a := &Upstream{ID: "A", Priority: 1, Weight: 100, Breaker: NewUpstreamBreaker()}
	b := &Upstream{ID: "B", Priority: 2, Weight: 100, Breaker: NewUpstreamBreaker()}
	policy := DefaultPolicy()
	policy.ConsecutiveFailuresThreshold = 1
	policy.RetryableStatusCodes = map[int]bool{500: true}

	calls := 0
	dispatch := func(ctx context.Context, u *Upstream, timeout time.Duration) (int, error) {
		calls++
		if u.ID == "A" {
			return 500, nil
		}
		return 200, nil
	}

	result, err := Do(context.Background(), []*Upstream{a, b}, policy, dispatch)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if result.FinalStatus != 200 || result.FinalUpstream.ID != "B" {
		t.Fatalf("expected final success on B, got %+v", result)
	}
	if len(result.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(result.Attempts))
	}
	if result.Attempts[0].RequestType != Retry || result.Attempts[1].RequestType != Final {
		t.Fatalf("unexpected request types: %+v", result.Attempts)
	}
	if a.Breaker.State() != Unhealthy {
		t.Fatalf("expected A to be UNHEALTHY after the 500, got %v", a.Breaker.State())
	}
	if b.Breaker.State() != Healthy {
		t.Fatalf("expected B to remain HEALTHY, got %v", b.Breaker.State())
	}
}

func TestControllerAllIneligibleReturns503Reason(t *testing.T) {
	a := &Upstream{ID: "A", Priority: 1, Weight: 100, Breaker: NewUpstreamBreaker()}
	policy := DefaultPolicy()
	policy.RecoveryIntervalMs = 5000
	a.Breaker.RecordFailure(policy, time.Now())
	a.Breaker.RecordFailure(policy, time.Now())
	a.Breaker.RecordFailure(policy, time.Now())

	dispatch := func(ctx context.Context, u *Upstream, timeout time.Duration) (int, error) {
		t.Fatalf("dispatch should not be called when no upstream is eligible")
		return 0, nil
	}

	result, err := Do(context.Background(), []*Upstream{a}, policy, dispatch)
	if err == nil {
		t.Fatalf("expected an error result")
	}
	if len(result.Attempts) != 0 {
		t.Fatalf("expected zero attempts logged, got %d", len(result.Attempts))
	}
}
