// Package interceptors wraps responder handlers with cross-cutting
// behaviour: logging, validation and a processing deadline.
//
// Interceptors run in the order they were added; the first one sees the
// request first and the reply last.
//
//	handler := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewValidationInterceptor(interceptors.AgentMessageValidator)).
//		Add(interceptors.NewTimeoutInterceptor(30 * time.Second)).
//		Then(myHandler)
package interceptors
