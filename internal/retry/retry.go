// Package retry decides whether a failed step attempt is retried and after
// what delay.
package retry

import (
	"fmt"
	"time"

	"github.com/animus-labs/flowgate/internal/domain"
)

// Default applies when neither the step nor the template set a policy.
var Default = domain.RetryPolicy{
	MaxAttempts: 3,
	Base:        time.Second,
	MaxDelay:    time.Minute,
}

// Resolve picks the step override, else the template default, else Default.
// Zero fields of the chosen policy are filled from Default.
func Resolve(step, template *domain.RetryPolicy) domain.RetryPolicy {
	var p domain.RetryPolicy
	switch {
	case !step.IsZero():
		p = *step
	case !template.IsZero():
		p = *template
	default:
		return Default
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = Default.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = Default.Base
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = Default.MaxDelay
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	return p
}

// Delay returns base * 2^k for the k-th retry (0-based), capped at MaxDelay.
func Delay(p domain.RetryPolicy, k int) time.Duration {
	if k < 0 {
		k = 0
	}
	d := p.Base
	for i := 0; i < k; i++ {
		if d >= p.MaxDelay || d > p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Schedule lists every retry delay the policy can produce, in order.
func Schedule(p domain.RetryPolicy) []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for k := 0; k < p.MaxAttempts-1; k++ {
		out = append(out, Delay(p, k))
	}
	return out
}

type Decision struct {
	Retry       bool
	Delay       time.Duration
	NextAttempt int
	// Err is set when the step will not be retried.
	Err error
}

// Decide is called after attempt failedAttempt (1-based) failed. MaxAttempts
// counts total attempts, so the last retry is attempt MaxAttempts.
func Decide(p domain.RetryPolicy, failedAttempt int, retryable bool, cause error) Decision {
	if cause == nil {
		cause = domain.ErrStepFailure
	}
	if !retryable {
		return Decision{Err: cause}
	}
	if failedAttempt >= p.MaxAttempts {
		return Decision{Err: fmt.Errorf("%w after %d attempts: %v", domain.ErrRetriesExhausted, failedAttempt, cause)}
	}
	return Decision{
		Retry:       true,
		Delay:       Delay(p, failedAttempt-1),
		NextAttempt: failedAttempt + 1,
	}
}
