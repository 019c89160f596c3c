// Package reliability provides the retry and circuit breaking primitives
// used by flows and producers.
//
// Flows re-establish a lost channel under a FixedDelay policy, and producers
// may guard publishing with a Breaker:
//
//	err := reliability.Retry(ctx, reliability.NewFixedDelay(3*time.Second, 20), func() error {
//	    return flow.rebind(ctx)
//	})
//
//	cb := reliability.NewBreaker(reliability.BreakerSettings{Name: "publish", FailureThreshold: 5})
//	err = cb.Execute(func() error { return publish() })
package reliability
