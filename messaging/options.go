package messaging

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/agentmq/internal/metrics"
	"github.com/glimte/agentmq/internal/reliability"
)

// Option configures a Requester, Responder, StatePublisher or StateListener.
// Options that do not apply to a component are ignored by it.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	onCommitted func(*Request)
	now         func() time.Time
	retry       reliability.RetryPolicy
}

func newOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records to m. Nil disables metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracerProvider sets where spans go. The global provider is the default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithCommitHook registers a Responder callback that runs after a request is
// committed and before its reply is sent.
func WithCommitHook(fn func(*Request)) Option {
	return func(o *options) {
		o.onCommitted = fn
	}
}

// WithClock replaces time.Now for StatePublisher announcements.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRetryPolicy sets how a StatePublisher retries a failed publish and how
// a Responder retries dialing for a reply. Errors the policy deems final are
// returned at once.
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(o *options) {
		o.retry = policy
	}
}
