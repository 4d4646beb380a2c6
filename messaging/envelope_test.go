package messaging

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/agentmq/internal/rabbitmq"
)

func TestEnvelopePublishing(t *testing.T) {
	headers := amqp.Table{"tenant": "a"}
	env := Envelope{
		Body:          []byte(`{}`),
		CorrelationID: "c1",
		ReplyTo:       "agent.reply.1",
		Format:        FormatString,
		MessageType:   MessageTypeRequest,
		Headers:       headers,
	}

	msg := env.Publishing()
	assert.NotEmpty(t, msg.MessageId)
	assert.Equal(t, "c1", msg.CorrelationId)
	assert.Equal(t, "agent.reply.1", msg.ReplyTo)
	assert.Equal(t, MessageTypeRequest, msg.Type)
	assert.Equal(t, contentTypeJSON, msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Equal(t, FormatString, msg.Headers[rabbitmq.HeaderFormat])
	assert.Equal(t, "a", msg.Headers["tenant"])
	assert.NotContains(t, headers, rabbitmq.HeaderFormat, "caller headers are not modified")

	again := env.Publishing()
	assert.NotEqual(t, msg.MessageId, again.MessageId)
}

func TestEnvelopeKeepsExplicitFields(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := Envelope{MessageID: "m1", Timestamp: ts}.Publishing()

	assert.Equal(t, "m1", msg.MessageId)
	assert.Equal(t, ts, msg.Timestamp)
	assert.NotNil(t, msg.Headers)
	assert.NotContains(t, msg.Headers, rabbitmq.HeaderFormat)
}

func TestEnvelopeFromDelivery(t *testing.T) {
	d := amqp.Delivery{
		MessageId:     "m1",
		CorrelationId: "c1",
		ReplyTo:       "r",
		Type:          MessageTypeReply,
		Body:          []byte(`"x"`),
		Headers: amqp.Table{
			rabbitmq.HeaderFormat:        "json",
			rabbitmq.HeaderDeliveryCount: int64(3),
		},
	}

	env := EnvelopeFromDelivery(d)
	assert.Equal(t, "m1", env.MessageID)
	assert.Equal(t, "c1", env.CorrelationID)
	assert.Equal(t, "r", env.ReplyTo)
	assert.Equal(t, MessageTypeReply, env.MessageType)
	assert.Equal(t, "json", env.Format)
	assert.Equal(t, 3, env.RedeliveryCount)
	require.Equal(t, `"x"`, string(env.Body))
}
