package breaker

import (
	"context"
	"time"

	"github.com/clasp-gateway/clasp/internal/gatewayerr"
)

// RequestType classifies one attempt for the access log's failover record:
// exactly one of final|retry|recovery.
type RequestType string

const (
	Final    RequestType = "final"
	Retry    RequestType = "retry"
	Recovery RequestType = "recovery"
)

// Attempt is one dispatch record, independent of whether it succeeded.
type Attempt struct {
	Upstream      *Upstream
	AttemptNumber int
	RequestType   RequestType
	Status        int
	Duration      time.Duration
	Err           error
}

// DispatchFunc performs one HTTP round trip against u with the given
// timeout and returns the upstream's status code (or an error for
// network/timeout failures).
type DispatchFunc func(ctx context.Context, u *Upstream, timeout time.Duration) (status int, err error)

// Result is the outcome of a full failover loop.
type Result struct {
	Attempts    []Attempt
	FinalStatus int
	FinalErr    error
	FinalUpstream *Upstream
}

// Do runs the failover attempt loop over candidates, calling dispatch
// for each eligible upstream in turn until one attempt is terminal (success,
// or the candidate pool is exhausted).
func Do(ctx context.Context, candidates []*Upstream, policy Policy, dispatch DispatchFunc) (*Result, error) {
	attempted := make(map[string]bool)
	skipped := make(map[string]bool)
	attemptNumber := 0
	var attempts []Attempt

	for len(attempted)+len(skipped) < len(candidates) {
		remaining := make([]*Upstream, 0, len(candidates))
		for _, u := range candidates {
			if !attempted[u.ID] && !skipped[u.ID] {
				remaining = append(remaining, u)
			}
		}
		if len(remaining) == 0 {
			break
		}

		now := time.Now()
		u := Select(remaining, now)
		if u == nil {
			break
		}

		wasHalfOpenBeforeDispatch := u.Breaker.State() == HalfOpen
		if !u.Breaker.Eligible(policy, now) {
			skipped[u.ID] = true
			continue
		}
		attempted[u.ID] = true
		attemptNumber++
		isHalfOpenProbe := wasHalfOpenBeforeDispatch || u.Breaker.State() == HalfOpen

		timeout := time.Duration(policy.RequestTimeoutMs) * time.Millisecond
		if state := u.Breaker.State(); state == Unhealthy || state == HalfOpen {
			timeout = time.Duration(policy.RecoveryTimeoutMs) * time.Millisecond
		}

		started := time.Now()
		status, err := dispatch(ctx, u, timeout)
		elapsed := time.Since(started)

		exhausted := len(attempted)+len(skipped) >= len(candidates)
		isTerminal := (err == nil && !policy.RetryableStatusCodes[status]) || exhausted

		if err != nil || policy.RetryableStatusCodes[status] {
			u.Breaker.RecordFailure(policy, time.Now())
		} else {
			u.Breaker.RecordSuccess(policy)
		}

		reqType := Retry
		if isHalfOpenProbe {
			reqType = Recovery
		} else if isTerminal {
			reqType = Final
		}

		attempts = append(attempts, Attempt{
			Upstream:      u,
			AttemptNumber: attemptNumber,
			RequestType:   reqType,
			Status:        status,
			Duration:      elapsed,
			Err:           err,
		})

		if isTerminal {
			return &Result{Attempts: attempts, FinalStatus: status, FinalErr: err, FinalUpstream: u}, nil
		}
	}

	if attemptNumber == 0 {
		return &Result{Attempts: attempts}, gatewayerr.WithReason(
			gatewayerr.AllUpstreamsIneligible, 503, "Service Unavailable",
			"All upstreams are unhealthy and within recovery interval")
	}

	return &Result{Attempts: attempts}, gatewayerr.New(
		gatewayerr.AllUpstreamsFailed, 503, "Service Unavailable")
}
