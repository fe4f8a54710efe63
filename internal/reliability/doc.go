// Package reliability provides caller-side retry policies for RPC calls.
//
// The RPC core never retries on its own: a timed-out call is reported to the caller, and the
// caller decides whether to try again with a fresh correlation identifier. This package holds
// the policies the client facade uses to make that decision:
//   - ExponentialBackoff: growing delays with optional jitter
//   - FixedDelay: a constant delay between attempts
//
// CircuitBreaker stops calls after consecutive broker failures so a dead broker is not
// hammered by every caller's retries. Timeouts are not broker failures and are left to the
// retry policy.
//
// Only errors that report themselves retryable (an IsRetryable() bool method anywhere in the
// wrapped chain) are retried.
//
// Example usage:
//
//	policy := NewExponentialBackoff(200*time.Millisecond, 5*time.Second, 2.0, 3)
//	err := Retry(ctx, policy, func(ctx context.Context, attempt int) error {
//	    _, err := sender.Send(ctx, msg.Clone(), payload, cfg)
//	    return err
//	})
package reliability
