package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes with publisher confirms on a single channel. Publishes
// are sequential: each waits for its confirmation before returning.
type Publisher struct {
	ch             Channel
	confirms       chan amqp.Confirmation
	returns        chan amqp.Return
	confirmTimeout time.Duration
	mandatory      bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithMandatory makes unroutable messages fail with ErrMandatoryFailed
// instead of being dropped by the broker.
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// NewPublisher puts ch into confirm mode. ch must not be in transaction mode.
func NewPublisher(ch Channel, options ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		ch:             ch,
		confirmTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	if err := ch.Confirm(false); err != nil {
		return nil, &ChannelError{Op: "confirm", Err: err, Timestamp: time.Now()}
	}
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 1))

	return p, nil
}

// Publish sends msg and waits for the broker to confirm it.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	wrap := func(err error) error {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  p.mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	if err := p.ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		p.mandatory,
		false, // immediate
		msg,
	); err != nil {
		return wrap(err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return wrap(ErrConnectionClosed)
		}
		if !confirm.Ack {
			return wrap(ErrPublishNotConfirmed)
		}
		// the broker sends basic.return ahead of the ack
		select {
		case ret, ok := <-p.returns:
			if ok {
				return wrap(fmt.Errorf("%w: %d %s", ErrMandatoryFailed, ret.ReplyCode, ret.ReplyText))
			}
		default:
		}
		return nil

	case ret, ok := <-p.returns:
		if !ok {
			return wrap(ErrConnectionClosed)
		}
		// drain the ack that follows the return
		select {
		case <-p.confirms:
		case <-timer.C:
		}
		return wrap(fmt.Errorf("%w: %d %s", ErrMandatoryFailed, ret.ReplyCode, ret.ReplyText))

	case <-timer.C:
		return wrap(ErrPublishTimeout)

	case <-ctx.Done():
		return wrap(ctx.Err())
	}
}

// PublishInTx publishes on a channel in transaction mode. The message is
// only routed when the transaction commits.
func PublishInTx(ctx context.Context, ch Channel, exchange, routingKey string, msg amqp.Publishing) error {
	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}
