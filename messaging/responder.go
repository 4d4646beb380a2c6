package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/agentmq/config"
	"github.com/glimte/agentmq/internal/jsoncodec"
	"github.com/glimte/agentmq/internal/metrics"
	"github.com/glimte/agentmq/internal/rabbitmq"
	"github.com/glimte/agentmq/internal/reliability"
)

// HandlerFunc handles one request. A non-nil reply is sent to the request's
// reply-to queue after the request is committed. An error, or a panic, makes
// the request a failure subject to redelivery and quarantine.
type HandlerFunc func(ctx context.Context, req *Request) (reply any, err error)

// Responder consumes the shared request queue inside channel transactions.
//
// Each received message ends in exactly one of three ways:
//   - committed: the handler succeeded and the message is gone from the queue
//   - retried in place: the failure count is below the backout threshold and
//     the message goes back to the queue
//   - quarantined: the failure count reached the threshold and a copy is
//     moved to the backout queue in the same transaction that removes the
//     original
type Responder struct {
	dialer      rabbitmq.Dialer
	cfg         config.InboundConfig
	handler     HandlerFunc
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	onCommitted func(*Request)
	replyRetry  reliability.RetryPolicy

	mu   sync.Mutex
	conn rabbitmq.Connection
	err  error

	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
}

type session struct {
	conn     rabbitmq.Connection
	ch       rabbitmq.Channel
	receiver *rabbitmq.Receiver
}

// NewResponder creates a responder. Zero values in cfg take the package
// defaults. A classic request queue always uses republish mode, since the
// broker keeps no delivery count for it.
func NewResponder(cfg config.InboundConfig, dialer rabbitmq.Dialer, handler HandlerFunc, opts ...Option) *Responder {
	o := newOptions(opts)
	if cfg.BackoutThreshold <= 0 {
		cfg.BackoutThreshold = config.DefaultBackoutThreshold
	}
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = config.DefaultInboundWait
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.QueueType == "" {
		cfg.QueueType = config.QueueQuorum
	}
	switch {
	case cfg.QueueType == config.QueueClassic && cfg.RedeliveryMode == config.RedeliveryBroker:
		o.logger.Warn("classic request queue keeps no delivery count, counting attempts by republish",
			"queue", cfg.RequestQueue)
		cfg.RedeliveryMode = config.RedeliveryRepublish
	case cfg.QueueType == config.QueueClassic && cfg.RedeliveryMode == "":
		cfg.RedeliveryMode = config.RedeliveryRepublish
	case cfg.RedeliveryMode == "":
		cfg.RedeliveryMode = config.RedeliveryBroker
	}
	replyRetry := o.retry
	if replyRetry == nil {
		replyRetry = reliability.NewFixedDelay(250*time.Millisecond, 2)
	}

	return &Responder{
		dialer:      dialer,
		cfg:         cfg,
		handler:     handler,
		logger:      o.logger.With("queue", cfg.RequestQueue),
		metrics:     o.metrics,
		tracer:      o.tracer,
		onCommitted: o.onCommitted,
		replyRetry:  replyRetry,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run consumes until Stop is called or ctx is done, then returns nil. Any
// other return is a broker-level failure: the connection is closed, the
// message in flight goes back to the queue, and the caller decides whether
// to run again.
func (r *Responder) Run(ctx context.Context) error {
	r.wg.Add(1)
	defer r.wg.Done()

	if r.stopped() {
		return nil
	}
	s, err := r.open(ctx)
	if err != nil {
		return err
	}
	return r.loop(ctx, s)
}

// Start subscribes to the request queue and consumes in the background.
// Subscription errors are returned directly. The result of the background
// loop is available from Err once Done is closed.
func (r *Responder) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if r.stopped() {
		r.started.Store(false)
		return ErrStopped
	}

	r.wg.Add(1)
	s, err := r.open(ctx)
	if err != nil {
		r.wg.Done()
		r.started.Store(false)
		return err
	}

	go func() {
		defer r.wg.Done()
		err := r.loop(ctx, s)
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.done)
	}()
	return nil
}

// Stop asks the loop to end. It does not wait; see Shutdown. Safe to call
// more than once.
func (r *Responder) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

// Shutdown stops the responder and waits for every running loop to return.
// No handler runs after Shutdown returns.
func (r *Responder) Shutdown() {
	r.Stop()
	r.wg.Wait()
}

// Done is closed when the loop started by Start has returned.
func (r *Responder) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that ended the loop started by Start, if any.
func (r *Responder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Responder) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *Responder) open(ctx context.Context) (_ *session, err error) {
	conn, err := r.dialer.Dial(ctx)
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
	if _, err := rabbitmq.DeclareQueue(ch, rabbitmq.RequestQueue(r.cfg.RequestQueue, r.cfg.QueueType)); err != nil {
		return nil, err
	}
	if _, err := rabbitmq.DeclareQueue(ch, rabbitmq.BackoutQueue(r.cfg.BackoutQueue)); err != nil {
		return nil, err
	}
	if err := ch.Qos(r.cfg.Prefetch, 0, false); err != nil {
		return nil, &ChannelError{Op: "qos", Err: err, Timestamp: time.Now()}
	}
	if err := ch.Tx(); err != nil {
		return nil, &ChannelError{Op: "tx", Err: err, Timestamp: time.Now()}
	}

	receiver, err := rabbitmq.NewReceiver(ch, r.cfg.RequestQueue, rabbitmq.ConsumeOptions{})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	r.logger.Info("responder subscribed",
		"backoutQueue", r.cfg.BackoutQueue,
		"threshold", r.cfg.BackoutThreshold,
		"redeliveryMode", r.cfg.RedeliveryMode,
	)
	return &session{conn: conn, ch: ch, receiver: receiver}, nil
}

func (r *Responder) close(s *session) {
	r.mu.Lock()
	if r.conn == s.conn {
		r.conn = nil
	}
	r.mu.Unlock()

	if err := s.receiver.Cancel(); err != nil {
		r.logger.Debug("failed to cancel consumer", "error", err)
	}
	if err := s.ch.Close(); err != nil {
		r.logger.Debug("failed to close channel", "error", err)
	}
	if err := s.conn.Close(); err != nil {
		r.logger.Debug("failed to close connection", "error", err)
	}
}

func (r *Responder) loop(ctx context.Context, s *session) error {
	defer r.close(s)

	// Stop interrupts the wait, not a message being processed.
	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-recvCtx.Done():
		}
	}()

	for {
		if r.stopped() || ctx.Err() != nil {
			r.logger.Info("responder stopped")
			return nil
		}

		d, err := s.receiver.Receive(recvCtx, r.cfg.ReceiveWait)
		switch {
		case errors.Is(err, rabbitmq.ErrNoMessage):
			continue
		case err != nil && recvCtx.Err() != nil:
			continue
		case err != nil:
			r.logger.Error("responder receive failed", "error", err)
			return err
		}

		if err := r.process(ctx, s, d); err != nil {
			r.logger.Error("responder transaction failed", "messageId", d.MessageId, "error", err)
			return err
		}
	}
}

// process handles one delivery. The returned error is a broker failure that
// ends the loop; handler failures are settled here.
func (r *Responder) process(ctx context.Context, s *session, d amqp.Delivery) (err error) {
	req := &Request{
		Envelope: EnvelopeFromDelivery(d),
		Payload:  json.RawMessage(d.Body),
	}
	logger := r.logger.With("messageId", req.MessageID, "correlationId", req.CorrelationID)

	ctx, span := r.tracer.Start(extractTrace(ctx, d.Headers), "agentmq.process "+r.cfg.RequestQueue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", req.MessageID),
			attribute.Int("messaging.rabbitmq.redelivery_count", req.RedeliveryCount),
		),
	)
	defer func() { endSpan(span, err) }()

	reply, failure := r.invoke(ctx, req)

	// settling must finish even when ctx is cancelled mid-handler
	settleCtx := context.WithoutCancel(ctx)

	if failure != nil {
		span.RecordError(failure)
		return r.fail(settleCtx, s, d, req, failure, logger)
	}

	if err := s.ch.Ack(d.DeliveryTag, false); err != nil {
		return r.rollback(s, &ChannelError{Op: "ack", Err: err, Timestamp: time.Now()})
	}
	if err := s.ch.TxCommit(); err != nil {
		return &ChannelError{Op: "commit", Err: err, Timestamp: time.Now()}
	}
	r.metrics.ObserveMessage(r.cfg.RequestQueue, metrics.OutcomeCommitted)
	logger.Debug("request committed")

	r.committed(req, logger)

	if reply == nil {
		return nil
	}
	if req.ReplyTo == "" {
		logger.Debug("handler returned a reply but the request has no reply-to")
		return nil
	}
	if err := r.sendReply(settleCtx, s.conn, req.Envelope, reply); err != nil {
		// the request stays committed; the requester will time out
		logger.Error("failed to send reply", "replyTo", req.ReplyTo, "error", err)
	}
	return nil
}

// invoke validates the payload and runs the handler, converting panics into
// errors. The reply is encoded here so an unencodable reply counts as a
// failure before anything is committed.
func (r *Responder) invoke(ctx context.Context, req *Request) (body []byte, err error) {
	if !jsoncodec.Valid(req.Payload) {
		return nil, &DecodeError{MessageID: req.MessageID, Err: errors.New("payload is not valid JSON")}
	}

	start := time.Now()
	defer func() {
		r.metrics.ObserveHandler(r.cfg.RequestQueue, time.Since(start))
		if p := recover(); p != nil {
			body, err = nil, &HandlerError{MessageID: req.MessageID, Panic: p}
		}
	}()

	reply, err := r.handler(ctx, req)
	if err != nil {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			return nil, err
		}
		return nil, &HandlerError{MessageID: req.MessageID, Err: err}
	}
	if reply == nil {
		return nil, nil
	}

	body, err = encodePayload(reply)
	if err != nil {
		return nil, &HandlerError{MessageID: req.MessageID, Err: err}
	}
	return body, nil
}

func (r *Responder) committed(req *Request, logger *slog.Logger) {
	if r.onCommitted == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error("commit hook panicked", "panic", p)
		}
	}()
	r.onCommitted(req)
}

func (r *Responder) fail(ctx context.Context, s *session, d amqp.Delivery, req *Request, cause error, logger *slog.Logger) error {
	// the failure being handled is an attempt too
	attempts := req.RedeliveryCount + 1
	if attempts >= r.cfg.BackoutThreshold {
		return r.quarantine(ctx, s, d, attempts, cause, logger)
	}

	logger.Warn("request failed, returning it to the queue",
		"attempt", attempts,
		"threshold", r.cfg.BackoutThreshold,
		"error", cause,
	)

	switch r.cfg.RedeliveryMode {
	case config.RedeliveryRepublish:
		msg := rabbitmq.Republish(d)
		delete(msg.Headers, rabbitmq.HeaderDeliveryCount)
		msg.Headers[rabbitmq.HeaderRedeliveryCount] = int64(attempts)
		if err := rabbitmq.PublishInTx(ctx, s.ch, "", r.cfg.RequestQueue, msg); err != nil {
			return r.rollback(s, err)
		}
		if err := s.ch.Ack(d.DeliveryTag, false); err != nil {
			return r.rollback(s, &ChannelError{Op: "ack", Err: err, Timestamp: time.Now()})
		}
	default:
		if err := s.ch.Nack(d.DeliveryTag, false, true); err != nil {
			return r.rollback(s, &ChannelError{Op: "nack", Err: err, Timestamp: time.Now()})
		}
	}

	if err := s.ch.TxCommit(); err != nil {
		return &ChannelError{Op: "commit", Err: err, Timestamp: time.Now()}
	}
	r.metrics.ObserveMessage(r.cfg.RequestQueue, metrics.OutcomeRetried)
	return nil
}

func (r *Responder) quarantine(ctx context.Context, s *session, d amqp.Delivery, attempts int, cause error, logger *slog.Logger) error {
	qerr := func(err error) error {
		return &QuarantineError{
			MessageID:    d.MessageId,
			BackoutQueue: r.cfg.BackoutQueue,
			Attempts:     attempts,
			Err:          err,
		}
	}

	msg := rabbitmq.Quarantined(d, r.cfg.RequestQueue, attempts, cause)
	if err := rabbitmq.PublishInTx(ctx, s.ch, "", r.cfg.BackoutQueue, msg); err != nil {
		return r.rollback(s, qerr(err))
	}
	if err := s.ch.Ack(d.DeliveryTag, false); err != nil {
		return r.rollback(s, qerr(err))
	}
	if err := s.ch.TxCommit(); err != nil {
		return qerr(err)
	}

	r.metrics.ObserveMessage(r.cfg.RequestQueue, metrics.OutcomeQuarantined)
	logger.Error("message quarantined",
		"backoutQueue", r.cfg.BackoutQueue,
		"attempts", attempts,
		"error", cause,
	)
	return nil
}

func (r *Responder) rollback(s *session, err error) error {
	if rbErr := s.ch.TxRollback(); rbErr != nil {
		r.logger.Warn("transaction rollback failed", "error", rbErr)
	}
	return err
}

// Reply sends payload to original's reply-to queue, correlated by the
// original message id. It uses the running loop's connection when there is
// one and dials otherwise.
//
// Replies are best effort: a failure is returned but never undoes the
// receive of the original request.
func (r *Responder) Reply(ctx context.Context, original Envelope, payload any) error {
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	return r.sendReply(ctx, conn, original, body)
}

func (r *Responder) sendReply(ctx context.Context, conn rabbitmq.Connection, original Envelope, body []byte) (err error) {
	defer func() { r.metrics.ObserveReply(err) }()

	if original.ReplyTo == "" {
		return ErrNoReplyTo
	}

	if conn == nil || conn.IsClosed() {
		var fresh rabbitmq.Connection
		err := reliability.Retry(ctx, r.replyRetry, func(ctx context.Context) error {
			var err error
			fresh, err = r.dialer.Dial(ctx)
			return err
		})
		if err != nil {
			return err
		}
		defer fresh.Close()
		conn = fresh
	}

	if r.cfg.ReplyKey != "" {
		wrapped, err := jsoncodec.Marshal(map[string]json.RawMessage{r.cfg.ReplyKey: body})
		if err != nil {
			return err
		}
		body = wrapped
	}

	ch, err := rabbitmq.OpenChannel(conn)
	if err != nil {
		return err
	}
	defer ch.Close()

	publisher, err := rabbitmq.NewPublisher(ch, rabbitmq.WithMandatory(true))
	if err != nil {
		return err
	}

	format := original.Format
	if format == "" {
		format = FormatString
	}
	env := Envelope{
		Body:          body,
		CorrelationID: original.MessageID,
		Format:        format,
		MessageType:   MessageTypeReply,
	}
	msg := env.Publishing()
	injectTrace(ctx, msg.Headers)

	if err := publisher.Publish(ctx, "", original.ReplyTo, msg); err != nil {
		return err
	}

	r.logger.Debug("reply sent",
		"replyTo", original.ReplyTo,
		"messageId", msg.MessageId,
		"correlationId", msg.CorrelationId,
	)
	return nil
}
