package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/agentmq/config"
	"github.com/glimte/agentmq/internal/ids"
	"github.com/glimte/agentmq/internal/jsoncodec"
	"github.com/glimte/agentmq/internal/metrics"
	"github.com/glimte/agentmq/internal/rabbitmq"
)

// StateCallback receives every state update. It runs on the listener
// goroutine, so it should return quickly; a panic is recovered and logged.
type StateCallback func(update StateUpdate)

// StateListener subscribes to the state exchange and hands each update to a
// callback. By default the subscription queue is private and lives as long as
// the listener; a durable named subscription keeps collecting updates between
// runs.
type StateListener struct {
	dialer   rabbitmq.Dialer
	cfg      config.StateConfig
	callback StateCallback
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	mu    sync.Mutex
	queue string
	err   error

	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
}

type subscription struct {
	conn     rabbitmq.Connection
	ch       rabbitmq.Channel
	receiver *rabbitmq.Receiver
}

// NewStateListener creates a listener. Nothing happens until Start or Run.
func NewStateListener(cfg config.StateConfig, dialer rabbitmq.Dialer, callback StateCallback, opts ...Option) *StateListener {
	o := newOptions(opts)
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = config.DefaultStateWait
	}
	if cfg.ExchangeKind == "" {
		cfg.ExchangeKind = "fanout"
	}
	if cfg.AgentName == "" {
		cfg.AgentName = "agent"
	}
	if cfg.Durable && cfg.Subscription == "" {
		// a generated name would leave an orphaned queue behind on every run
		o.logger.Warn("durable subscription needs a name, using a temporary queue", "exchange", cfg.Exchange)
		cfg.Durable = false
	}
	return &StateListener{
		dialer:   dialer,
		cfg:      cfg,
		callback: callback,
		logger:   o.logger.With("exchange", cfg.Exchange),
		metrics:  o.metrics,
		tracer:   o.tracer,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start subscribes and then listens in the background. Subscription errors
// are returned directly; once Start returns nil, every update published to
// the exchange reaches the callback.
func (l *StateListener) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	l.wg.Add(1)
	sub, err := l.subscribe(ctx)
	if err != nil {
		l.wg.Done()
		l.started.Store(false)
		return err
	}

	go func() {
		defer l.wg.Done()
		err := l.listen(ctx, sub)
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	}()
	return nil
}

// Run subscribes and listens until Stop is called or ctx is done.
func (l *StateListener) Run(ctx context.Context) error {
	l.wg.Add(1)
	defer l.wg.Done()

	sub, err := l.subscribe(ctx)
	if err != nil {
		return err
	}
	return l.listen(ctx, sub)
}

// Stop asks the listener to end. It is safe to call repeatedly.
func (l *StateListener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}

// Shutdown stops the listener and waits for it. The callback is not called
// after Shutdown returns.
func (l *StateListener) Shutdown() {
	l.Stop()
	l.wg.Wait()
}

// Done is closed when the listener started by Start has ended.
func (l *StateListener) Done() <-chan struct{} {
	return l.done
}

// Err returns the error that ended the listener started by Start, if any.
func (l *StateListener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Queue returns the name of the subscription queue, once subscribed.
func (l *StateListener) Queue() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue
}

func (l *StateListener) stopped() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

func (l *StateListener) subscribe(ctx context.Context) (_ *subscription, err error) {
	if l.stopped() {
		return nil, ErrStopped
	}

	conn, err := l.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()

	ch, err := rabbitmq.OpenChannel(conn)
	if err != nil {
		return nil, err
	}
	if err := rabbitmq.DeclareExchange(ch, l.cfg.Exchange, l.cfg.ExchangeKind); err != nil {
		return nil, err
	}

	name := l.cfg.Subscription
	if name == "" {
		name = ids.QueueName(l.cfg.AgentName + "_")
	}
	if _, err := rabbitmq.DeclareQueue(ch, rabbitmq.SubscriptionQueue(name, l.cfg.Durable)); err != nil {
		return nil, err
	}
	if err := rabbitmq.BindQueue(ch, name, l.cfg.RoutingKey, l.cfg.Exchange); err != nil {
		return nil, err
	}

	// listeners sharing a durable subscription compete for its updates
	receiver, err := rabbitmq.NewReceiver(ch, name, rabbitmq.ConsumeOptions{AutoAck: true, Exclusive: !l.cfg.Durable})
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.queue = name
	l.mu.Unlock()

	l.logger.Info("state listener subscribed", "queue", name, "durable", l.cfg.Durable)
	return &subscription{conn: conn, ch: ch, receiver: receiver}, nil
}

func (l *StateListener) listen(ctx context.Context, sub *subscription) error {
	l.metrics.ListenerStarted()
	defer l.metrics.ListenerStopped()
	defer func() {
		// a temporary queue is exclusive and auto-delete, so closing the
		// connection removes it; a durable one stays behind
		_ = sub.receiver.Cancel()
		_ = sub.ch.Close()
		_ = sub.conn.Close()
	}()

	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stop:
			cancel()
		case <-recvCtx.Done():
		}
	}()

	for {
		if l.stopped() || ctx.Err() != nil {
			l.logger.Info("state listener stopped")
			return nil
		}

		d, err := sub.receiver.Receive(recvCtx, l.cfg.ReceiveWait)
		switch {
		case errors.Is(err, rabbitmq.ErrNoMessage):
			continue
		case err != nil && recvCtx.Err() != nil:
			continue
		case err != nil:
			l.logger.Error("state listener receive failed", "error", err)
			return err
		}

		l.handle(ctx, d)
	}
}

func (l *StateListener) handle(ctx context.Context, d amqp.Delivery) {
	_, span := l.tracer.Start(extractTrace(ctx, d.Headers), "agentmq.receive "+l.cfg.Exchange,
		trace.WithSpanKind(trace.SpanKindConsumer))

	var update StateUpdate
	if err := jsoncodec.Unmarshal(d.Body, &update); err != nil {
		derr := &DecodeError{MessageID: d.MessageId, Err: err}
		l.metrics.ObserveStateReceived(l.cfg.Exchange, derr)
		l.logger.Warn("skipping undecodable state update", "messageId", d.MessageId, "error", err)
		endSpan(span, derr)
		return
	}
	l.metrics.ObserveStateReceived(l.cfg.Exchange, nil)
	defer span.End()

	if l.stopped() {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("state callback panicked", "messageId", d.MessageId, "panic", p)
		}
	}()
	l.callback(update)
}
