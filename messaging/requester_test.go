package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/agentmq/config"
	"github.com/glimte/agentmq/internal/rabbitmq"
	"github.com/glimte/agentmq/internal/rabbitmq/rabbitmqtest"
)

func TestSendAndAwaitPingPong(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()
	startResponder(t, b, cfg.Inbound, pong)

	req := NewRequester(cfg.Outbound, b, WithLogger(quietLogger()))
	start := time.Now()
	reply, err := req.SendAndAwait(context.Background(), AgentMessage{Message: "ping", ThreadID: "t1"}, 5*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var answer string
	require.NoError(t, reply.Decode(&answer))
	assert.Equal(t, "pong", answer)
	assert.Equal(t, MessageTypeReply, reply.MessageType)
	assert.Equal(t, FormatString, reply.Format)
	assert.NotEmpty(t, reply.MessageID)

	assert.Empty(t, replyQueues(b, cfg.Outbound.ReplyQueuePrefix))
}

func TestSendAndAwaitTimeoutCleansUp(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()
	b.DeclareQueue(cfg.Outbound.RequestQueue, amqp.Table{"x-queue-type": "quorum"})

	req := NewRequester(cfg.Outbound, b, WithLogger(quietLogger()))
	_, err := req.SendAndAwait(context.Background(), AgentMessage{Message: "anyone?", ThreadID: "t1"}, 200*time.Millisecond)

	require.ErrorIs(t, err, ErrTimeout)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 200*time.Millisecond, timeout.Timeout)
	assert.GreaterOrEqual(t, timeout.Polls, 2)

	assert.False(t, b.HasQueue(timeout.ReplyQueue))
	assert.Empty(t, replyQueues(b, cfg.Outbound.ReplyQueuePrefix))
	assert.Equal(t, 0, b.OpenConnections())

	// the request is still waiting for a responder
	msgs := b.Messages(cfg.Outbound.RequestQueue)
	require.Len(t, msgs, 1)
	assert.Equal(t, timeout.ReplyQueue, msgs[0].ReplyTo)
	assert.Equal(t, MessageTypeRequest, msgs[0].Type)
	assert.Equal(t, FormatString, msgs[0].Headers[rabbitmq.HeaderFormat])
	assert.JSONEq(t, `{"message":"anyone?","thread_id":"t1"}`, string(msgs[0].Body))
}

func TestConcurrentRequestsGetTheirOwnReplies(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()

	aStarted := make(chan struct{})
	bReceived := make(chan struct{})
	handler := func(ctx context.Context, req *Request) (any, error) {
		m, err := req.AgentMessage()
		if err != nil {
			return nil, err
		}
		if m.Message == "A" {
			close(aStarted)
			select {
			case <-bReceived:
			case <-time.After(5 * time.Second):
				return nil, errors.New("B was never answered")
			}
		}
		return "reply-" + m.Message, nil
	}
	// two responders so B can be handled while A is held
	startResponder(t, b, cfg.Inbound, handler)
	startResponder(t, b, cfg.Inbound, handler)

	req := NewRequester(cfg.Outbound, b, WithLogger(quietLogger()))

	var wg sync.WaitGroup
	var replyA, replyB string
	var errA, errB error

	wg.Add(1)
	go func() {
		defer wg.Done()
		r, err := req.SendAndAwait(context.Background(), AgentMessage{Message: "A", ThreadID: "t1"}, 5*time.Second)
		if errA = err; err == nil {
			errA = r.Decode(&replyA)
		}
	}()

	select {
	case <-aStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("A never reached a responder")
	}

	r, err := req.SendAndAwait(context.Background(), AgentMessage{Message: "B", ThreadID: "t2"}, 5*time.Second)
	if errB = err; err == nil {
		errB = r.Decode(&replyB)
	}
	close(bReceived)
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, "reply-A", replyA)
	assert.Equal(t, "reply-B", replyB)
}

func TestRequesterIgnoresForeignReplies(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()
	b.DeclareQueue(cfg.Outbound.RequestQueue, nil)

	type result struct {
		reply *Reply
		err   error
	}
	done := make(chan result, 1)
	req := NewRequester(cfg.Outbound, b, WithLogger(quietLogger()))
	go func() {
		r, err := req.SendAndAwait(context.Background(), AgentMessage{Message: "hi", ThreadID: "t1"}, 5*time.Second)
		done <- result{r, err}
	}()

	var request rabbitmqtest.Message
	require.Eventually(t, func() bool {
		msgs := b.Messages(cfg.Outbound.RequestQueue)
		if len(msgs) == 0 {
			return false
		}
		request = msgs[0]
		return true
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Enqueue(request.ReplyTo, amqp.Publishing{CorrelationId: "someone-else", Body: []byte(`"wrong"`)}))
	require.NoError(t, b.Enqueue(request.ReplyTo, amqp.Publishing{CorrelationId: request.MessageId, Body: []byte(`not json`)}))
	require.NoError(t, b.Enqueue(request.ReplyTo, amqp.Publishing{CorrelationId: request.MessageId, Body: []byte(`"right"`)}))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, request.MessageId, res.reply.CorrelationID)
	assert.JSONEq(t, `"right"`, string(res.reply.Payload))
}

func TestRequesterAcceptsEchoedCorrelationID(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()
	b.DeclareQueue(cfg.Outbound.RequestQueue, nil)

	done := make(chan error, 1)
	req := NewRequester(cfg.Outbound, b, WithLogger(quietLogger()))
	go func() {
		_, err := req.SendAndAwait(context.Background(), map[string]string{"q": "x"}, 5*time.Second)
		done <- err
	}()

	var request rabbitmqtest.Message
	require.Eventually(t, func() bool {
		msgs := b.Messages(cfg.Outbound.RequestQueue)
		if len(msgs) == 0 {
			return false
		}
		request = msgs[0]
		return true
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Enqueue(request.ReplyTo, amqp.Publishing{CorrelationId: request.CorrelationId, Body: []byte(`{}`)}))
	assert.NoError(t, <-done)
}

func TestSendAndAwaitConnectionError(t *testing.T) {
	b := rabbitmqtest.New()
	b.FailDials(rabbitmqtest.ErrDialRefused)
	cfg := testConfig()

	dialer, err := rabbitmq.NewDialer(cfg.Broker,
		rabbitmq.WithLogger(quietLogger()),
		rabbitmq.WithDialFunc(func(string, amqp.Config) (rabbitmq.Connection, error) {
			return b.Dial(context.Background())
		}),
	)
	require.NoError(t, err)

	req := NewRequester(cfg.Outbound, dialer, WithLogger(quietLogger()))
	_, err = req.SendAndAwait(context.Background(), AgentMessage{Message: "ping", ThreadID: "t1"}, time.Second)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, rabbitmqtest.ErrDialRefused)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestSendAndAwaitMissingRequestQueue(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()

	req := NewRequester(cfg.Outbound, b, WithLogger(quietLogger()))
	_, err := req.SendAndAwait(context.Background(), AgentMessage{Message: "ping", ThreadID: "t1"}, time.Second)

	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.ErrorIs(t, err, rabbitmq.ErrMandatoryFailed)
	assert.Empty(t, replyQueues(b, cfg.Outbound.ReplyQueuePrefix))
	assert.Equal(t, 0, b.OpenConnections())
}

func TestSendAndAwaitContextCancelled(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()
	b.DeclareQueue(cfg.Outbound.RequestQueue, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := NewRequester(cfg.Outbound, b, WithLogger(quietLogger()))
	_, err := req.SendAndAwait(ctx, AgentMessage{Message: "ping", ThreadID: "t1"}, 5*time.Second)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, replyQueues(b, cfg.Outbound.ReplyQueuePrefix))
}

func TestSendToKnownAgent(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()
	cfg.Outbound.Agents = []config.AgentInfo{
		{Name: "flights", Description: "searches flights", RequestQueue: "flights.requests"},
	}
	inbound := cfg.Inbound
	inbound.RequestQueue = "flights.requests"
	inbound.BackoutQueue = "flights.requests.backout"
	startResponder(t, b, inbound, pong)

	req := NewRequester(cfg.Outbound, b, WithLogger(quietLogger()))
	reply, err := req.SendTo(context.Background(), "flights", AgentMessage{Message: "ping", ThreadID: "t1"}, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(reply.Payload))

	_, err = req.SendTo(context.Background(), "hotels", AgentMessage{Message: "ping", ThreadID: "t1"}, 0)
	assert.ErrorIs(t, err, ErrUnknownAgent)

	require.Len(t, req.Agents(), 1)
	assert.Equal(t, "flights(searches flights)", req.Agents()[0].Info())
}

func TestSendAndAwaitRejectsBadPayload(t *testing.T) {
	req := NewRequester(testConfig().Outbound, rabbitmqtest.New(), WithLogger(quietLogger()))

	_, err := req.SendAndAwait(context.Background(), nil, time.Second)
	assert.Error(t, err)

	_, err = req.SendAndAwait(context.Background(), make(chan int), time.Second)
	assert.Error(t, err)
}

func TestRequesterConfirmTimeout(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()

	cfg.Outbound.ConfirmTimeout = 0
	assert.Equal(t, config.DefaultConfirmTimeout, NewRequester(cfg.Outbound, b).cfg.ConfirmTimeout)

	cfg.Outbound.ConfirmTimeout = 750 * time.Millisecond
	req := NewRequester(cfg.Outbound, b, WithLogger(quietLogger()))
	assert.Equal(t, 750*time.Millisecond, req.cfg.ConfirmTimeout)

	startResponder(t, b, cfg.Inbound, pong)
	reply, err := req.SendAndAwait(context.Background(), AgentMessage{Message: "ping", ThreadID: "t1"}, 5*time.Second)
	require.NoError(t, err)
	var answer string
	require.NoError(t, reply.Decode(&answer))
	assert.Equal(t, "pong", answer)
}
