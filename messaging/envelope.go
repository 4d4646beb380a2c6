package messaging

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/agentmq/internal/ids"
	"github.com/glimte/agentmq/internal/rabbitmq"
)

// Format tags and message types carried on every message.
const (
	FormatString = "string"

	MessageTypeRequest = "request"
	MessageTypeReply   = "reply"
	MessageTypeState   = "state"

	contentTypeJSON = "application/json"
)

// Envelope is a message and the metadata the protocol relies on.
type Envelope struct {
	Body          []byte
	MessageID     string
	CorrelationID string
	ReplyTo       string
	Format        string
	MessageType   string
	// RedeliveryCount is the number of earlier failed deliveries.
	RedeliveryCount int
	Headers         amqp.Table
	Timestamp       time.Time
}

// EnvelopeFromDelivery reads an envelope from a broker delivery.
func EnvelopeFromDelivery(d amqp.Delivery) Envelope {
	return Envelope{
		Body:            d.Body,
		MessageID:       d.MessageId,
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Format:          rabbitmq.HeaderString(d.Headers, rabbitmq.HeaderFormat),
		MessageType:     d.Type,
		RedeliveryCount: rabbitmq.RedeliveryCount(d),
		Headers:         d.Headers,
		Timestamp:       d.Timestamp,
	}
}

// Publishing builds the broker message. The message id is stamped here when
// the envelope has none, so every message leaves with a fresh id.
func (e Envelope) Publishing() amqp.Publishing {
	headers := rabbitmq.CloneTable(e.Headers)
	if e.Format != "" {
		headers[rabbitmq.HeaderFormat] = e.Format
	}

	msgID := e.MessageID
	if msgID == "" {
		msgID = ids.MessageID()
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		MessageId:     msgID,
		CorrelationId: e.CorrelationID,
		ReplyTo:       e.ReplyTo,
		Type:          e.MessageType,
		Timestamp:     ts,
		Body:          e.Body,
	}
}
