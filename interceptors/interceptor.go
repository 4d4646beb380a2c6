package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/agentmq/messaging"
)

// Interceptor processes a request before it reaches the final handler
type Interceptor interface {
	// Intercept handles req, usually by calling next.
	Intercept(ctx context.Context, req *messaging.Request, next messaging.HandlerFunc) (any, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, req *messaging.Request, next messaging.HandlerFunc) (any, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, req *messaging.Request, next messaging.HandlerFunc) (any, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, req *messaging.Request, next messaging.HandlerFunc) (any, error) {
	return i.fn(ctx, req, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterceptorChain{logger: logger}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names lists the interceptors in call order.
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, in := range c.interceptors {
		names[i] = in.Name()
	}
	return names
}

// Then returns final wrapped by every interceptor in the chain.
func (c *InterceptorChain) Then(final messaging.HandlerFunc) messaging.HandlerFunc {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, req *messaging.Request) (any, error) {
			return interceptor.Intercept(ctx, req, next)
		}
	}
	c.logger.Debug("interceptor chain built", "interceptors", c.Names())
	return handler
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, req *messaging.Request, next messaging.HandlerFunc) (any, error) {
	start := time.Now()
	i.logger.Info("processing request",
		"messageId", req.MessageID,
		"correlationId", req.CorrelationID,
		"redeliveryCount", req.RedeliveryCount,
	)

	reply, err := next(ctx, req)
	if err != nil {
		i.logger.Error("request failed",
			"messageId", req.MessageID,
			"duration", time.Since(start),
			"error", err,
		)
		return nil, err
	}

	i.logger.Info("request handled",
		"messageId", req.MessageID,
		"duration", time.Since(start),
		"reply", reply != nil,
	)
	return reply, nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// RequestValidator checks a request before it is handled.
type RequestValidator func(ctx context.Context, req *messaging.Request) error

// AgentMessageValidator accepts requests whose payload is a complete
// AgentMessage.
func AgentMessageValidator(_ context.Context, req *messaging.Request) error {
	_, err := req.AgentMessage()
	return err
}

// ValidationInterceptor rejects requests that fail validation. A rejected
// request counts as a failed attempt, so an invalid request ends up in the
// backout queue.
type ValidationInterceptor struct {
	validate RequestValidator
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validate RequestValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validate: validate}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, req *messaging.Request, next messaging.HandlerFunc) (any, error) {
	if err := i.validate(ctx, req); err != nil {
		return nil, fmt.Errorf("request validation failed: %w", err)
	}
	return next(ctx, req)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// TimeoutInterceptor fails a request whose handler runs longer than the
// timeout. The handler's context is cancelled; a handler that ignores it
// keeps running in the background but its result is discarded.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, req *messaging.Request, next messaging.HandlerFunc) (any, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	type result struct {
		reply any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("handler panicked: %v", p)}
			}
		}()
		reply, err := next(timeoutCtx, req)
		done <- result{reply, err}
	}()

	select {
	case r := <-done:
		return r.reply, r.err
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("request processing timeout after %v for message %s", i.timeout, req.MessageID)
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
