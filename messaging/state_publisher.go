package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/agentmq/config"
	"github.com/glimte/agentmq/internal/jsoncodec"
	"github.com/glimte/agentmq/internal/metrics"
	"github.com/glimte/agentmq/internal/rabbitmq"
	"github.com/glimte/agentmq/internal/reliability"
)

// StatePublisher broadcasts state updates on the state exchange. Delivery to
// subscribers is not acknowledged: a publish succeeds once the broker has
// accepted the message.
type StatePublisher struct {
	dialer  rabbitmq.Dialer
	cfg     config.StateConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
	retry   reliability.RetryPolicy
}

// NewStatePublisher creates a publisher for the exchange in cfg. A failed
// publish is retried three times with backoff unless WithRetryPolicy says
// otherwise.
func NewStatePublisher(cfg config.StateConfig, dialer rabbitmq.Dialer, opts ...Option) *StatePublisher {
	o := newOptions(opts)
	if cfg.ExchangeKind == "" {
		cfg.ExchangeKind = "fanout"
	}
	retry := o.retry
	if retry == nil {
		retry = reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, 3)
	}
	return &StatePublisher{
		dialer:  dialer,
		cfg:     cfg,
		logger:  o.logger,
		metrics: o.metrics,
		tracer:  o.tracer,
		now:     o.now,
		retry:   retry,
	}
}

// Publish wraps object in a StateUpdate announcing it and publishes it.
func (p *StatePublisher) Publish(ctx context.Context, object any) error {
	raw, err := encodePayload(object)
	if err != nil {
		return err
	}
	announcement := p.cfg.Announcement
	if announcement == "" {
		announcement = "New state available"
	}
	return p.PublishUpdate(ctx, StateUpdate{
		Message: fmt.Sprintf("%s %s", announcement, p.now().UTC().Format(time.RFC3339)),
		Object:  raw,
	})
}

// PublishUpdate publishes a prepared update.
func (p *StatePublisher) PublishUpdate(ctx context.Context, update StateUpdate) (err error) {
	ctx, span := p.tracer.Start(ctx, "agentmq.publish "+p.cfg.Exchange, trace.WithSpanKind(trace.SpanKindProducer))
	defer func() {
		endSpan(span, err)
		p.metrics.ObserveStatePublished(p.cfg.Exchange, err)
	}()

	body, err := jsoncodec.Marshal(update)
	if err != nil {
		return fmt.Errorf("messaging: encode state update: %w", err)
	}

	attempt := 0
	return reliability.Retry(ctx, p.retry, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			p.logger.Warn("retrying state publish", "exchange", p.cfg.Exchange, "attempt", attempt)
		}
		return p.publish(ctx, span, body)
	})
}

func (p *StatePublisher) publish(ctx context.Context, span trace.Span, body []byte) error {
	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := rabbitmq.OpenChannel(conn)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := rabbitmq.DeclareExchange(ch, p.cfg.Exchange, p.cfg.ExchangeKind); err != nil {
		return err
	}

	publisher, err := rabbitmq.NewPublisher(ch)
	if err != nil {
		return err
	}

	env := Envelope{
		Body:        body,
		Format:      FormatString,
		MessageType: MessageTypeState,
	}
	msg := env.Publishing()
	injectTrace(ctx, msg.Headers)
	span.SetAttributes(messageAttributes(p.cfg.Exchange, msg)...)

	if err := publisher.Publish(ctx, p.cfg.Exchange, p.cfg.RoutingKey, msg); err != nil {
		return err
	}

	p.logger.Debug("state published",
		"exchange", p.cfg.Exchange,
		"messageId", msg.MessageId,
		"bytes", len(body),
	)
	return nil
}
