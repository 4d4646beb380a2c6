package rabbitmqtest

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/agentmq/internal/rabbitmq"
)

func dial(t *testing.T, b *Broker) (rabbitmq.Connection, rabbitmq.Channel) {
	t.Helper()
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, ch
}

func receive(t *testing.T, deliveries <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()
	select {
	case d, ok := <-deliveries:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery")
		return amqp.Delivery{}
	}
}

func TestTransactionalAckAndPublish(t *testing.T) {
	b := New()
	b.DeclareQueue("in", nil)
	b.DeclareQueue("out", nil)
	require.NoError(t, b.Enqueue("in", amqp.Publishing{MessageId: "1"}))

	_, ch := dial(t, b)
	require.NoError(t, ch.Tx())
	deliveries, err := ch.Consume("in", "c", false, false, false, false, nil)
	require.NoError(t, err)

	d := receive(t, deliveries)
	require.NoError(t, ch.PublishWithContext(context.Background(), "", "out", false, false, amqp.Publishing{MessageId: "copy"}))
	require.NoError(t, ch.Ack(d.DeliveryTag, false))

	assert.Equal(t, 0, b.Depth("out"), "publish visible before commit")
	assert.Equal(t, 1, b.Unacked("in"), "ack applied before commit")

	require.NoError(t, ch.TxCommit())
	assert.Equal(t, 1, b.Depth("out"))
	assert.Equal(t, 0, b.Unacked("in"))
}

func TestTransactionRollbackDiscardsWork(t *testing.T) {
	b := New()
	b.DeclareQueue("in", nil)
	require.NoError(t, b.Enqueue("in", amqp.Publishing{MessageId: "1"}))

	_, ch := dial(t, b)
	require.NoError(t, ch.Tx())
	deliveries, err := ch.Consume("in", "c", false, false, false, false, nil)
	require.NoError(t, err)

	d := receive(t, deliveries)
	require.NoError(t, ch.Ack(d.DeliveryTag, false))
	require.NoError(t, ch.TxRollback())

	assert.Equal(t, 1, b.Unacked("in"))
	require.NoError(t, ch.Close())
	assert.Equal(t, 1, b.Depth("in"), "unacked message requeued on close")
}

func TestRequeueCountsDeliveries(t *testing.T) {
	b := New()
	b.DeclareQueue("quorum", amqp.Table{"x-queue-type": "quorum"})
	b.DeclareQueue("classic", nil)
	for _, q := range []string{"quorum", "classic"} {
		require.NoError(t, b.Enqueue(q, amqp.Publishing{MessageId: q}))
	}

	_, ch := dial(t, b)
	require.NoError(t, ch.Qos(1, 0, false))

	for _, q := range []string{"quorum", "classic"} {
		deliveries, err := ch.Consume(q, "c-"+q, false, false, false, false, nil)
		require.NoError(t, err)

		first := receive(t, deliveries)
		assert.False(t, first.Redelivered)
		require.NoError(t, ch.Nack(first.DeliveryTag, false, true))

		second := receive(t, deliveries)
		assert.True(t, second.Redelivered)
		require.NoError(t, ch.Nack(second.DeliveryTag, false, true))

		third := receive(t, deliveries)
		if q == "quorum" {
			assert.Equal(t, int64(2), third.Headers["x-delivery-count"])
			assert.Equal(t, 2, rabbitmq.RedeliveryCount(third))
		} else {
			assert.Nil(t, third.Headers)
			assert.Equal(t, 1, rabbitmq.RedeliveryCount(third))
		}
		require.NoError(t, ch.Ack(third.DeliveryTag, false))
		require.NoError(t, ch.Cancel("c-"+q, false))
	}
}

func TestUnknownDeliveryTag(t *testing.T) {
	b := New()
	_, ch := dial(t, b)

	err := ch.Ack(42, false)
	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
}

func TestPrefetchLimitsUnacked(t *testing.T) {
	b := New()
	b.DeclareQueue("in", nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Enqueue("in", amqp.Publishing{}))
	}

	_, ch := dial(t, b)
	require.NoError(t, ch.Qos(1, 0, false))
	deliveries, err := ch.Consume("in", "c", false, false, false, false, nil)
	require.NoError(t, err)

	d := receive(t, deliveries)
	assert.Eventually(t, func() bool { return b.Depth("in") == 2 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return b.Depth("in") < 2 }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, ch.Ack(d.DeliveryTag, false))
	receive(t, deliveries)
}

func TestExclusiveQueueLifecycle(t *testing.T) {
	b := New()
	owner, ownerCh := dial(t, b)
	_, otherCh := dial(t, b)

	_, err := ownerCh.QueueDeclare("reply.1", false, true, true, false, nil)
	require.NoError(t, err)

	_, err = otherCh.Consume("reply.1", "", true, false, false, false, nil)
	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.ResourceLocked, amqpErr.Code)

	require.NoError(t, owner.Close())
	assert.False(t, b.HasQueue("reply.1"))
}

func TestAutoDeleteAfterLastConsumer(t *testing.T) {
	b := New()
	_, ch := dial(t, b)

	_, err := ch.QueueDeclare("tmp", false, true, false, false, nil)
	require.NoError(t, err)
	_, err = ch.Consume("tmp", "c", true, false, false, false, nil)
	require.NoError(t, err)
	assert.True(t, b.HasQueue("tmp"))

	require.NoError(t, ch.Cancel("c", false))
	assert.False(t, b.HasQueue("tmp"))
}

func TestExchangeRouting(t *testing.T) {
	b := New()
	_, ch := dial(t, b)
	ctx := context.Background()

	require.NoError(t, ch.ExchangeDeclare("state", amqp.ExchangeFanout, true, false, false, false, nil))
	require.NoError(t, ch.ExchangeDeclare("events", amqp.ExchangeTopic, true, false, false, false, nil))
	for _, q := range []string{"a", "b", "t1", "t2"} {
		_, err := ch.QueueDeclare(q, false, false, false, false, nil)
		require.NoError(t, err)
	}
	require.NoError(t, ch.QueueBind("a", "", "state", false, nil))
	require.NoError(t, ch.QueueBind("b", "ignored", "state", false, nil))
	require.NoError(t, ch.QueueBind("t1", "flights.#", "events", false, nil))
	require.NoError(t, ch.QueueBind("t2", "flights.*.price", "events", false, nil))

	require.NoError(t, ch.PublishWithContext(ctx, "state", "", false, false, amqp.Publishing{Body: []byte("s")}))
	assert.Equal(t, 1, b.Depth("a"))
	assert.Equal(t, 1, b.Depth("b"))

	require.NoError(t, ch.PublishWithContext(ctx, "events", "flights.lhr.price", false, false, amqp.Publishing{}))
	require.NoError(t, ch.PublishWithContext(ctx, "events", "flights", false, false, amqp.Publishing{}))
	assert.Equal(t, 2, b.Depth("t1"))
	assert.Equal(t, 1, b.Depth("t2"))

	err := ch.PublishWithContext(ctx, "missing", "", false, false, amqp.Publishing{})
	assert.Error(t, err)
}

func TestConfirmsAndReturns(t *testing.T) {
	b := New()
	b.DeclareQueue("in", nil)
	_, ch := dial(t, b)

	require.NoError(t, ch.Confirm(false))
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	returns := ch.NotifyReturn(make(chan amqp.Return, 1))

	require.NoError(t, ch.PublishWithContext(context.Background(), "", "in", true, false, amqp.Publishing{}))
	assert.Equal(t, amqp.Confirmation{DeliveryTag: 1, Ack: true}, <-confirms)

	require.NoError(t, ch.PublishWithContext(context.Background(), "", "gone", true, false, amqp.Publishing{MessageId: "x"}))
	ret := <-returns
	assert.Equal(t, "x", ret.MessageId)
	assert.Equal(t, uint64(2), (<-confirms).DeliveryTag)

	assert.Error(t, ch.Tx(), "tx after confirm")
}

func TestDropConnectionsNotifies(t *testing.T) {
	b := New()
	conn, ch := dial(t, b)
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	b.DropConnections()

	err := <-connClosed
	require.NotNil(t, err)
	assert.Equal(t, amqp.ConnectionForced, err.Code)
	assert.NotNil(t, <-chClosed)
	assert.True(t, conn.IsClosed())
	assert.Equal(t, 0, b.OpenConnections())
}

func TestFailDials(t *testing.T) {
	b := New()
	b.FailDials(ErrDialRefused)

	_, err := b.Dial(context.Background())
	assert.ErrorIs(t, err, ErrDialRefused)

	b.FailDials(nil)
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	assert.Equal(t, 2, b.Dials())
}

func TestGetAndMessages(t *testing.T) {
	b := New()
	b.DeclareQueue("q", nil)
	require.NoError(t, b.Enqueue("q", amqp.Publishing{MessageId: "1"}))
	require.NoError(t, b.Enqueue("q", amqp.Publishing{MessageId: "2"}))

	msgs := b.Messages("q")
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].MessageId)

	m, ok := b.Get("q")
	require.True(t, ok)
	assert.Equal(t, "1", m.MessageId)
	assert.Equal(t, 1, b.Depth("q"))
	assert.Equal(t, []string{"q"}, b.QueueNames())

	assert.Error(t, b.Enqueue("missing", amqp.Publishing{}))
}
