package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/agentmq/config"
	"github.com/glimte/agentmq/internal/ids"
	"github.com/glimte/agentmq/internal/jsoncodec"
	"github.com/glimte/agentmq/internal/metrics"
	"github.com/glimte/agentmq/internal/rabbitmq"
)

// Requester sends requests and waits for correlated replies. Every call opens
// its own connection and a private reply queue, so concurrent calls never see
// each other's replies.
type Requester struct {
	dialer  rabbitmq.Dialer
	cfg     config.OutboundConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewRequester creates a requester for the request queue in cfg.
func NewRequester(cfg config.OutboundConfig, dialer rabbitmq.Dialer, opts ...Option) *Requester {
	o := newOptions(opts)
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = config.DefaultReplyTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.DefaultPollInterval
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = config.DefaultConfirmTimeout
	}
	return &Requester{
		dialer:  dialer,
		cfg:     cfg,
		logger:  o.logger,
		metrics: o.metrics,
		tracer:  o.tracer,
	}
}

// SendAndAwait sends payload to the request queue and waits up to timeout
// for the reply. A non-positive timeout uses the configured reply timeout.
//
// The outcome is a reply, a *TimeoutError (errors.Is ErrTimeout), a
// *ConnectionError when the broker cannot be reached, or another broker
// error. The reply queue is deleted before SendAndAwait returns.
func (r *Requester) SendAndAwait(ctx context.Context, payload any, timeout time.Duration) (*Reply, error) {
	return r.send(ctx, r.cfg.RequestQueue, payload, timeout)
}

// SendTo sends to the request queue of a known agent.
func (r *Requester) SendTo(ctx context.Context, agent string, payload any, timeout time.Duration) (*Reply, error) {
	info, ok := r.cfg.Agent(agent)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}
	queue := info.RequestQueue
	if queue == "" {
		queue = r.cfg.RequestQueue
	}
	return r.send(ctx, queue, payload, timeout)
}

// Agents returns the configured agent directory.
func (r *Requester) Agents() []config.AgentInfo {
	return append([]config.AgentInfo(nil), r.cfg.Agents...)
}

func (r *Requester) send(ctx context.Context, queue string, payload any, timeout time.Duration) (reply *Reply, err error) {
	if timeout <= 0 {
		timeout = r.cfg.ReplyTimeout
	}
	body, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "agentmq.request "+queue, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		endSpan(span, err)
		r.metrics.ObserveRequest(queue, requestOutcome(err), time.Since(start))
	}()

	conn, err := r.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			r.logger.Debug("failed to close requester connection", "error", cerr)
		}
	}()

	ch, err := rabbitmq.OpenChannel(conn)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	replyQueue := ids.QueueName(r.cfg.ReplyQueuePrefix)
	if _, err := rabbitmq.DeclareQueue(ch, rabbitmq.TemporaryQueue(replyQueue)); err != nil {
		return nil, err
	}
	defer r.deleteReplyQueue(ch, replyQueue)

	receiver, err := rabbitmq.NewReceiver(ch, replyQueue, rabbitmq.ConsumeOptions{AutoAck: true, Exclusive: true})
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := receiver.Cancel(); cerr != nil {
			r.logger.Debug("failed to cancel reply consumer", "queue", replyQueue, "error", cerr)
		}
	}()

	publisher, err := rabbitmq.NewPublisher(ch,
		rabbitmq.WithMandatory(true),
		rabbitmq.WithConfirmTimeout(r.cfg.ConfirmTimeout),
	)
	if err != nil {
		return nil, err
	}

	env := Envelope{
		Body:          body,
		CorrelationID: ids.CorrelationID(),
		ReplyTo:       replyQueue,
		Format:        FormatString,
		MessageType:   MessageTypeRequest,
	}
	msg := env.Publishing()
	injectTrace(ctx, msg.Headers)
	span.SetAttributes(messageAttributes(queue, msg)...)

	if err := publisher.Publish(ctx, "", queue, msg); err != nil {
		return nil, err
	}

	r.logger.Debug("request sent",
		"queue", queue,
		"messageId", msg.MessageId,
		"correlationId", msg.CorrelationId,
		"replyTo", replyQueue,
	)

	deadline := start.Add(timeout)
	polls := 0
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &TimeoutError{
				CorrelationID: msg.CorrelationId,
				ReplyQueue:    replyQueue,
				Timeout:       timeout,
				Polls:         polls,
			}
		}

		polls++
		d, err := receiver.Receive(ctx, min(remaining, r.cfg.PollInterval))
		if errors.Is(err, rabbitmq.ErrNoMessage) {
			r.logger.Debug("no reply yet", "replyTo", replyQueue, "poll", polls)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("messaging: awaiting reply on %s: %w", replyQueue, err)
		}

		// the responder echoes our message id; a plain echo of the
		// correlation id is accepted too
		if d.CorrelationId != msg.MessageId && d.CorrelationId != msg.CorrelationId {
			r.logger.Warn("dropping reply with foreign correlation id",
				"replyTo", replyQueue,
				"correlationId", d.CorrelationId,
				"expected", msg.MessageId,
			)
			continue
		}
		if !jsoncodec.Valid(d.Body) {
			r.logger.Warn("dropping reply that is not valid JSON",
				"replyTo", replyQueue,
				"messageId", d.MessageId,
			)
			continue
		}

		r.logger.Debug("reply received",
			"messageId", d.MessageId,
			"correlationId", d.CorrelationId,
			"elapsed", time.Since(start),
		)
		return &Reply{
			Envelope: EnvelopeFromDelivery(d),
			Payload:  json.RawMessage(d.Body),
		}, nil
	}
}

func (r *Requester) deleteReplyQueue(ch rabbitmq.Channel, queue string) {
	if _, err := rabbitmq.DeleteQueue(ch, queue); err != nil {
		r.logger.Warn("failed to delete reply queue", "queue", queue, "error", err)
	}
}

func requestOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeReplied
	case errors.Is(err, ErrTimeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeError
	}
}
