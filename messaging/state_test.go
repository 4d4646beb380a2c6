package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/agentmq/internal/rabbitmq"
	"github.com/glimte/agentmq/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/agentmq/internal/reliability"
)

type flightInfo struct {
	Flight string  `json:"flight"`
	Price  float64 `json:"price"`
}

type updates struct {
	mu  sync.Mutex
	got []StateUpdate
}

func (u *updates) add(update StateUpdate) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.got = append(u.got, update)
}

func (u *updates) list() []StateUpdate {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]StateUpdate(nil), u.got...)
}

func TestPublishRoundTrip(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()

	var got updates
	startListener(t, b, cfg.State, got.add)
	startListener(t, b, cfg.State, got.add)

	clock := func() time.Time { return time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC) }
	pub := NewStatePublisher(cfg.State, b, WithLogger(quietLogger()), WithClock(clock))
	want := flightInfo{Flight: "SK4021", Price: 129.5}
	require.NoError(t, pub.Publish(context.Background(), want))

	require.Eventually(t, func() bool { return len(got.list()) == 2 }, 2*time.Second, 5*time.Millisecond)
	for _, update := range got.list() {
		assert.Equal(t, "New state available 2026-10-16T09:30:00Z", update.Message)
		var f flightInfo
		require.NoError(t, update.DecodeObject(&f))
		assert.Equal(t, want, f)
	}
	assert.Equal(t, 2, b.OpenConnections(), "only the listeners stay connected")
}

func TestListenerSkipsUndecodableUpdates(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()

	var got updates
	l := startListener(t, b, cfg.State, got.add)

	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	require.NoError(t, ch.PublishWithContext(context.Background(), cfg.State.Exchange, "", false, false,
		amqp.Publishing{MessageId: "garbage", Body: []byte(`<xml/>`)}))

	pub := NewStatePublisher(cfg.State, b, WithLogger(quietLogger()))
	require.NoError(t, pub.PublishUpdate(context.Background(), StateUpdate{Message: "manual", Object: []byte(`{"flight":"DY1"}`)}))

	require.Eventually(t, func() bool { return len(got.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "manual", got.list()[0].Message)

	select {
	case <-l.Done():
		t.Fatal("listener stopped on a bad message")
	default:
	}
}

func TestListenerRecoversCallbackPanic(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()

	var calls atomic.Int32
	l := startListener(t, b, cfg.State, func(update StateUpdate) {
		if calls.Add(1) == 1 {
			panic("callback bug")
		}
	})

	pub := NewStatePublisher(cfg.State, b, WithLogger(quietLogger()))
	require.NoError(t, pub.Publish(context.Background(), flightInfo{Flight: "a"}))
	require.NoError(t, pub.Publish(context.Background(), flightInfo{Flight: "b"}))

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, l.Err())
}

func TestListenerShutdown(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()
	cfg.State.ReceiveWait = time.Hour

	var calls atomic.Int32
	l := NewStateListener(cfg.State, b, func(StateUpdate) { calls.Add(1) }, WithLogger(quietLogger()))
	require.NoError(t, l.Start(context.Background()))
	assert.ErrorIs(t, l.Start(context.Background()), ErrAlreadyStarted)

	queue := l.Queue()
	require.NotEmpty(t, queue)
	assert.Contains(t, queue, cfg.State.AgentName+"_")
	assert.True(t, b.HasQueue(queue))

	l.Stop()
	l.Stop()
	l.Shutdown()

	<-l.Done()
	assert.NoError(t, l.Err())
	assert.False(t, b.HasQueue(queue), "subscription queue goes away with the listener")

	pub := NewStatePublisher(cfg.State, b, WithLogger(quietLogger()))
	require.NoError(t, pub.Publish(context.Background(), flightInfo{Flight: "late"}))
	assert.Never(t, func() bool { return calls.Load() != 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestListenerEndsOnBrokerFailure(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()

	l := startListener(t, b, cfg.State, func(StateUpdate) {})
	b.DropConnections()

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not end")
	}
	assert.ErrorIs(t, l.Err(), rabbitmq.ErrConsumerClosed)
}

func TestListenerSubscribeFailure(t *testing.T) {
	b := rabbitmqtest.New()
	b.FailDials(rabbitmqtest.ErrDialRefused)

	l := NewStateListener(testConfig().State, b, func(StateUpdate) {}, WithLogger(quietLogger()))
	assert.ErrorIs(t, l.Start(context.Background()), rabbitmqtest.ErrDialRefused)
	assert.ErrorIs(t, l.Run(context.Background()), rabbitmqtest.ErrDialRefused)
}

func TestListenerRun(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()

	got := make(chan StateUpdate, 1)
	l := NewStateListener(cfg.State, b, func(u StateUpdate) { got <- u }, WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	require.Eventually(t, func() bool { return l.Queue() != "" }, time.Second, 5*time.Millisecond)

	pub := NewStatePublisher(cfg.State, b, WithLogger(quietLogger()))
	require.NoError(t, pub.Publish(context.Background(), flightInfo{Flight: "run"}))

	select {
	case u := <-got:
		var f flightInfo
		require.NoError(t, u.DecodeObject(&f))
		assert.Equal(t, "run", f.Flight)
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
	}

	cancel()
	assert.NoError(t, <-errc)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := rabbitmqtest.New()
	pub := NewStatePublisher(testConfig().State, b, WithLogger(quietLogger()))

	// fire and forget: nobody listening is not an error
	assert.NoError(t, pub.Publish(context.Background(), flightInfo{Flight: "x"}))
	assert.Equal(t, 0, b.OpenConnections())
}

func TestDurableSubscriptionKeepsUpdatesBetweenRuns(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()
	cfg.State.Subscription = "agent.state.audit"
	cfg.State.Durable = true

	var first updates
	l := NewStateListener(cfg.State, b, first.add, WithLogger(quietLogger()))
	require.NoError(t, l.Start(context.Background()))
	assert.Equal(t, "agent.state.audit", l.Queue())
	l.Shutdown()
	assert.True(t, b.HasQueue("agent.state.audit"), "durable subscription outlives its listener")

	pub := NewStatePublisher(cfg.State, b, WithLogger(quietLogger()))
	require.NoError(t, pub.Publish(context.Background(), flightInfo{Flight: "while-away"}))
	assert.Equal(t, 1, b.Depth("agent.state.audit"))
	assert.Empty(t, first.list())

	var second updates
	startListener(t, b, cfg.State, second.add)
	require.Eventually(t, func() bool { return len(second.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	var f flightInfo
	require.NoError(t, second.list()[0].DecodeObject(&f))
	assert.Equal(t, "while-away", f.Flight)
}

func TestNamedSubscriptionIsTemporaryUnlessDurable(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()
	cfg.State.Subscription = "agent.state.dashboard"

	l := NewStateListener(cfg.State, b, func(StateUpdate) {}, WithLogger(quietLogger()))
	require.NoError(t, l.Start(context.Background()))
	assert.Equal(t, "agent.state.dashboard", l.Queue())
	assert.True(t, b.HasQueue("agent.state.dashboard"))

	l.Shutdown()
	assert.False(t, b.HasQueue("agent.state.dashboard"))
}

func TestDurableSubscriptionWithoutName(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()
	cfg.State.Durable = true

	l := NewStateListener(cfg.State, b, func(StateUpdate) {}, WithLogger(quietLogger()))
	require.NoError(t, l.Start(context.Background()))
	queue := l.Queue()
	assert.Contains(t, queue, cfg.State.AgentName+"_")

	l.Shutdown()
	assert.False(t, b.HasQueue(queue), "unnamed subscription never becomes durable")
}

func TestPublishRetriesFailedDial(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := testConfig()

	var got updates
	startListener(t, b, cfg.State, got.add)

	b.FailDials(rabbitmqtest.ErrDialRefused)
	dials := b.Dials()
	pub := NewStatePublisher(cfg.State, b, WithLogger(quietLogger()),
		WithRetryPolicy(reliability.NewFixedDelay(50*time.Millisecond, 3)))

	go func() {
		// the broker comes back while the publisher is waiting to retry
		for b.Dials() == dials {
			time.Sleep(time.Millisecond)
		}
		b.FailDials(nil)
	}()

	require.NoError(t, pub.Publish(context.Background(), flightInfo{Flight: "retried"}))
	require.Eventually(t, func() bool { return len(got.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, b.Dials()-dials, 2)
}

func TestPublishGivesUpAfterRetries(t *testing.T) {
	b := rabbitmqtest.New()
	b.FailDials(rabbitmqtest.ErrDialRefused)

	pub := NewStatePublisher(testConfig().State, b, WithLogger(quietLogger()),
		WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 2)))

	err := pub.Publish(context.Background(), flightInfo{Flight: "lost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, rabbitmqtest.ErrDialRefused)
	var retryErr *reliability.RetryError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, 3, retryErr.Attempts)
	assert.Equal(t, 3, b.Dials())
}
