package rabbitmq

import (
	"context"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumeOptions configures a Receiver.
type ConsumeOptions struct {
	Tag       string // consumer tag; generated when empty
	AutoAck   bool
	Exclusive bool
}

// Receiver turns a consumer's delivery stream into bounded-wait receives.
type Receiver struct {
	ch         Channel
	queue      string
	tag        string
	deliveries <-chan amqp.Delivery
}

// NewReceiver starts consuming queue on ch.
func NewReceiver(ch Channel, queue string, opts ConsumeOptions) (*Receiver, error) {
	tag := opts.Tag
	if tag == "" {
		tag = "agentmq-" + uuid.NewString()
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		opts.AutoAck,
		opts.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	return &Receiver{
		ch:         ch,
		queue:      queue,
		tag:        tag,
		deliveries: deliveries,
	}, nil
}

// Queue returns the consumed queue name.
func (r *Receiver) Queue() string {
	return r.queue
}

// Tag returns the consumer tag.
func (r *Receiver) Tag() string {
	return r.tag
}

// Receive waits up to wait for the next delivery. It returns ErrNoMessage
// when the wait elapses, a *ConsumerError wrapping ErrConsumerClosed when the
// broker ended the consumer, and ctx.Err() when ctx is done first.
func (r *Receiver) Receive(ctx context.Context, wait time.Duration) (amqp.Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case d, ok := <-r.deliveries:
		if !ok {
			return amqp.Delivery{}, &ConsumerError{
				Queue:       r.queue,
				ConsumerTag: r.tag,
				Op:          "receive",
				Err:         ErrConsumerClosed,
				Timestamp:   time.Now(),
			}
		}
		return d, nil
	case <-timer.C:
		return amqp.Delivery{}, ErrNoMessage
	case <-ctx.Done():
		return amqp.Delivery{}, ctx.Err()
	}
}

// Cancel stops the consumer. Deliveries already handed out stay unacked
// until they are settled or the channel closes.
func (r *Receiver) Cancel() error {
	return r.ch.Cancel(r.tag, false)
}
