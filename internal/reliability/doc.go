// Package reliability provides the retry and backoff policies used by agentbus.
//
// The same RetryPolicy interface drives two loops:
//   - Reconnect backoff: the connection supervisor asks NextDelay for the wait
//     before each reconnect attempt. Policies with a negative attempt limit
//     retry forever.
//   - Handler retries: the dispatch loop calls Retry with a bounded policy so a
//     poison message is tried a few times and then rejected.
//
// Errors can opt out of retries by implementing IsRetryable() bool, for
// example by wrapping them with Permanent.
//
// CircuitBreaker guards calls to an external dependency, such as a hosted
// model, that should be skipped for a while once it keeps failing.
//
// Example usage:
//
//	policy := NewExponentialBackoff(time.Second, 30*time.Second, 2.0, -1)
//	delay := policy.NextDelay(attempt)
package reliability
