// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package agentmq wires the messaging components to one configuration:
// requesters and responders on the shared request queue, and the state
// publisher and listeners on the state exchange.
package agentmq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/glimte/agentmq/config"
	"github.com/glimte/agentmq/health"
	"github.com/glimte/agentmq/internal/metrics"
	"github.com/glimte/agentmq/internal/rabbitmq"
	"github.com/glimte/agentmq/internal/reliability"
	"github.com/glimte/agentmq/messaging"
	"github.com/glimte/agentmq/monitor"
	"github.com/glimte/agentmq/state"
)

// Broker connection types, for callers that supply their own dialer.
type (
	Dialer     = rabbitmq.Dialer
	Connection = rabbitmq.Connection
	Channel    = rabbitmq.Channel
)

// Client provides the main entry point for agentmq
type Client struct {
	cfg     config.Config
	dialer  rabbitmq.Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.TracerProvider
	health  *health.Registry
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	tracer     trace.TracerProvider
	dialer     rabbitmq.Dialer
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithMetrics registers the agentmq collectors on reg.
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(c *clientConfig) {
		c.registerer = reg
	}
}

// WithTracerProvider sets the provider for spans. Without it spans go to
// the global provider when tracing is enabled in the config, and nowhere
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *clientConfig) {
		c.tracer = tp
	}
}

// WithDialer replaces the broker dialer built from the config.
func WithDialer(d Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialer = d
	}
}

// New validates cfg and prepares a client. No connection is opened until a
// component is used.
func New(cfg config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cc := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cc)
	}

	dialer := cc.dialer
	if dialer == nil {
		d, err := rabbitmq.NewDialer(cfg.Broker, rabbitmq.WithLogger(cc.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create dialer: %w", err)
		}
		dialer = d
	}

	var m *metrics.Metrics
	if cc.registerer != nil {
		m = metrics.New(cc.registerer)
		if err := m.Register(); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	tp := cc.tracer
	if tp == nil && !cfg.Tracing.Enabled {
		tp = noop.NewTracerProvider()
	}

	c := &Client{
		cfg:     cfg,
		dialer:  dialer,
		logger:  cc.logger,
		metrics: m,
		tracer:  tp,
		health:  health.NewRegistry(),
	}

	c.health.SetMetadata("agent", cfg.State.AgentName)
	c.health.Register(health.NewBrokerChecker(dialer, "", ""))
	c.health.Register(health.NewQueueChecker(dialer, cfg.Inbound.RequestQueue))
	backout := health.NewQueueChecker(dialer, cfg.Inbound.BackoutQueue)
	backout.WarnDepth = 1
	c.health.Register(backout)

	c.logger.Debug("agentmq client created", "config", cfg.String())
	return c, nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() config.Config {
	return c.cfg
}

// Dialer returns the broker dialer shared by every component.
func (c *Client) Dialer() Dialer {
	return c.dialer
}

func (c *Client) options(extra []messaging.Option) []messaging.Option {
	opts := []messaging.Option{
		messaging.WithLogger(c.logger),
		messaging.WithMetrics(c.metrics),
	}
	if c.tracer != nil {
		opts = append(opts, messaging.WithTracerProvider(c.tracer))
	}
	return append(opts, extra...)
}

// Requester returns a requester for the outbound side.
func (c *Client) Requester(opts ...messaging.Option) *messaging.Requester {
	return messaging.NewRequester(c.cfg.Outbound, c.dialer, c.options(opts)...)
}

// Responder returns a responder on the inbound request queue. It does not
// consume until started.
func (c *Client) Responder(handler messaging.HandlerFunc, opts ...messaging.Option) *messaging.Responder {
	return messaging.NewResponder(c.cfg.Inbound, c.dialer, handler, c.options(opts)...)
}

// StatePublisher returns a publisher for the state exchange.
func (c *Client) StatePublisher(opts ...messaging.Option) *messaging.StatePublisher {
	return messaging.NewStatePublisher(c.cfg.State, c.dialer, c.options(opts)...)
}

// StateListener returns a listener calling callback for every update.
func (c *Client) StateListener(callback messaging.StateCallback, opts ...messaging.Option) *messaging.StateListener {
	return messaging.NewStateListener(c.cfg.State, c.dialer, callback, c.options(opts)...)
}

// WatchState starts a listener that keeps cell up to date. The caller owns
// the returned listener and shuts it down.
func (c *Client) WatchState(ctx context.Context, cell *state.Cell) (*messaging.StateListener, error) {
	l := c.StateListener(cell.OnStateChange)
	if err := l.Start(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// Serve runs a responder for handler until ctx is done, reconnecting with
// backoff after broker failures. It returns early only on a failure that a
// reconnect cannot fix.
func (c *Client) Serve(ctx context.Context, handler messaging.HandlerFunc, opts ...messaging.Option) error {
	r := c.Responder(handler, opts...)
	defer r.Shutdown()
	return reliability.Supervise(ctx, r.Run,
		reliability.WithName("responder"),
		reliability.WithLogger(c.logger),
	)
}

// Listen runs a state listener until ctx is done, resubscribing after
// broker failures. Updates published while disconnected are not seen.
func (c *Client) Listen(ctx context.Context, callback messaging.StateCallback, opts ...messaging.Option) error {
	l := c.StateListener(callback, opts...)
	defer l.Shutdown()
	return reliability.Supervise(ctx, l.Run,
		reliability.WithName("state-listener"),
		reliability.WithLogger(c.logger),
	)
}

// Health returns the registry with the broker, request queue and backout
// queue checks. Callers may register more.
func (c *Client) Health() *health.Registry {
	return c.health
}

// Monitor returns a management API client for the configured broker.
func (c *Client) Monitor(opts ...monitor.ClientOption) *monitor.Client {
	opts = append([]monitor.ClientOption{monitor.WithLogger(c.logger)}, opts...)
	return monitor.NewClientFromConfig(c.cfg, opts...)
}
