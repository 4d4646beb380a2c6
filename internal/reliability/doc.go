// Package reliability holds the retry policies and the supervisor that
// keeps consuming loops running across broker outages.
//
// Retry runs a single operation with backoff; Supervise restarts a loop
// that ends with a retryable error:
//
//	err := reliability.Supervise(ctx, responder.Run,
//	    reliability.WithName("responder"),
//	    reliability.WithLogger(logger),
//	)
package reliability
