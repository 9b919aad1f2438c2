// Package retry provides exponential backoff retry logic for transient failures.
//
// Do and DoWithResult retry infrastructure calls such as KV compare-and-swap
// loops and watch resubscription:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    return client.Connect(ctx)
//	})
//
// Executor retries per-service upstream calls. Before each attempt it asks a
// Gate for permission, so an open circuit fails fast without sleeping. The
// context the Gate returns is passed to the attempt:
//
//	exec, _ := retry.NewExecutor(cfg, retry.WithGate(breakers.Gate))
//	body, err := retry.RunWithResult(ctx, exec, "users", call)
//
// The delay after failed attempt n is min(InitialDelay*Multiplier^(n-1), MaxDelay),
// plus up to 25% jitter when AddJitter is set. Errors wrapped with NonRetryable
// stop the loop immediately. Exhaustion yields *ExhaustedError.
package retry
