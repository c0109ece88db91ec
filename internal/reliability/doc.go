// Package reliability provides the retry policies used when establishing
// transport subscriptions.
//
// Example usage:
//
//	policy := NewFixedDelay(5*time.Second, 100)
//	err := Retry(ctx, policy, func(attempt int) error {
//	    return subscribeOnce()
//	})
package reliability
