package rabbitmqtest

import (
	"context"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/agentmq/internal/rabbitmq"
)

var (
	_ rabbitmq.Connection = (*Connection)(nil)
	_ rabbitmq.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger   = (*Channel)(nil)
)

// Connection is a connection to a Broker.
type Connection struct {
	b         *Broker
	closed    bool
	channels  map[*Channel]struct{}
	listeners []chan *amqp.Error
}

// Channel opens a channel.
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		b:         c.b,
		conn:      c,
		unacked:   make(map[uint64]*inflight),
		consumers: make(map[string]*consumer),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.listeners = append(c.listeners, receiver)
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

// Close closes the connection, its channels and the exclusive queues it owns.
func (c *Connection) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *Connection) closeLocked(cause *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for ch := range c.channels {
		ch.closeLocked(cause)
	}
	for _, q := range c.b.queues {
		if q.exclusive && q.owner == c {
			c.b.deleteQueueLocked(q)
		}
	}
	for _, l := range c.listeners {
		if cause != nil {
			select {
			case l <- cause:
			default:
			}
		}
		close(l)
	}
	c.listeners = nil
	delete(c.b.conns, c)
	c.b.notifyLocked()
}

// Channel is a channel on a Connection.
type Channel struct {
	b        *Broker
	conn     *Connection
	closed   bool
	prefetch int

	nextTag   uint64
	unacked   map[uint64]*inflight
	consumers map[string]*consumer

	tx      bool
	pending []func()

	confirm    bool
	publishSeq uint64
	confirms   []chan amqp.Confirmation
	returns    []chan amqp.Return
	listeners  []chan *amqp.Error
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ex, ok := ch.b.exchanges[name]; ok {
		if ex.kind != kind {
			return preconditionFailed("inequivalent arg 'type' for exchange '" + name + "'")
		}
		return nil
	}
	ch.b.exchanges[name] = &exchange{name: name, kind: kind}
	return nil
}

func (ch *Channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := ch.b.exchanges[name]; !ok {
		return notFound("exchange", name)
	}
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		name = generatedName("amq.gen-")
	}
	if q, ok := ch.b.queues[name]; ok {
		if q.exclusive && q.owner != ch.conn {
			return amqp.Queue{}, resourceLocked(name)
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}
	q := &queue{
		name:       name,
		durable:    durable,
		autoDelete: autoDelete,
		exclusive:  exclusive,
		args:       rabbitmq.CloneTable(args),
	}
	if exclusive {
		q.owner = ch.conn
	}
	ch.b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := ch.b.queues[name]
	if !ok {
		return amqp.Queue{}, notFound("queue", name)
	}
	if q.exclusive && q.owner != ch.conn {
		return amqp.Queue{}, resourceLocked(name)
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := ch.b.exchanges[exchangeName]
	if !ok {
		return notFound("exchange", exchangeName)
	}
	if _, ok := ch.b.queues[name]; !ok {
		return notFound("queue", name)
	}
	for _, bnd := range ex.bindings {
		if bnd.queue == name && bnd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return 0, amqp.ErrClosed
	}
	q, ok := ch.b.queues[name]
	if !ok {
		return 0, nil
	}
	if q.exclusive && q.owner != ch.conn {
		return 0, resourceLocked(name)
	}
	if ifUnused && len(q.consumers) > 0 {
		return 0, preconditionFailed("queue '" + name + "' in use")
	}
	if ifEmpty && len(q.ready) > 0 {
		return 0, preconditionFailed("queue '" + name + "' not empty")
	}
	return ch.b.deleteQueueLocked(q), nil
}

func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := ch.b.queues[queueName]
	if !ok {
		return nil, notFound("queue", queueName)
	}
	if q.exclusive && q.owner != ch.conn {
		return nil, resourceLocked(queueName)
	}
	if tag == "" {
		tag = generatedName("ctag-")
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag '" + tag + "'", Server: true}
	}

	c := &consumer{
		tag:     tag,
		ch:      ch,
		q:       q,
		autoAck: autoAck,
		out:     make(chan amqp.Delivery),
		done:    make(chan struct{}),
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	q.hadConsumer = true
	go ch.b.runConsumer(c)
	return c.out, nil
}

func (ch *Channel) Cancel(tag string, noWait bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if c, ok := ch.consumers[tag]; ok {
		ch.b.cancelLocked(c)
	}
	return nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := ch.b.exchanges[exchangeName]; !ok {
		return notFound("exchange", exchangeName)
	}

	pub := clonePublishing(msg)
	if ch.tx {
		ch.pending = append(ch.pending, func() {
			_, _ = ch.b.routeLocked(exchangeName, key, pub)
		})
		return nil
	}

	routed, err := ch.b.routeLocked(exchangeName, key, pub)
	if err != nil {
		return err
	}
	if mandatory && !routed {
		ret := amqp.Return{
			ReplyCode:     amqp.NoRoute,
			ReplyText:     "NO_ROUTE",
			Exchange:      exchangeName,
			RoutingKey:    key,
			MessageId:     pub.MessageId,
			CorrelationId: pub.CorrelationId,
			ReplyTo:       pub.ReplyTo,
			Headers:       pub.Headers,
			Body:          pub.Body,
		}
		for _, l := range ch.returns {
			select {
			case l <- ret:
			default:
			}
		}
	}
	if ch.confirm {
		ch.publishSeq++
		confirmation := amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: true}
		for _, l := range ch.confirms {
			select {
			case l <- confirmation:
			default:
			}
		}
	}
	ch.b.notifyLocked()
	return nil
}

func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(f *inflight) {})
}

func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, func(f *inflight) {
		if requeue {
			ch.b.requeueLocked(f)
		}
	})
}

func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// settle removes the given deliveries from the unacked set and applies fn to
// each, immediately or at commit when the channel is transactional.
func (ch *Channel) settle(tag uint64, multiple bool, fn func(*inflight)) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := ch.unacked[tag]; !ok {
		return preconditionFailed("unknown delivery tag")
	}
	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	}

	apply := func() {
		for _, t := range tags {
			f, ok := ch.unacked[t]
			if !ok {
				continue
			}
			delete(ch.unacked, t)
			fn(f)
		}
	}
	if ch.tx {
		ch.pending = append(ch.pending, apply)
		return nil
	}
	apply()
	ch.b.notifyLocked()
	return nil
}

func (ch *Channel) Tx() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.confirm {
		return preconditionFailed("cannot switch from confirm to tx mode")
	}
	ch.tx = true
	return nil
}

func (ch *Channel) TxCommit() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if !ch.tx {
		return preconditionFailed("channel is not transactional")
	}
	for _, op := range ch.pending {
		op()
	}
	ch.pending = nil
	ch.b.notifyLocked()
	return nil
}

func (ch *Channel) TxRollback() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if !ch.tx {
		return preconditionFailed("channel is not transactional")
	}
	ch.pending = nil
	return nil
}

func (ch *Channel) Confirm(noWait bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.tx {
		return preconditionFailed("cannot switch from tx to confirm mode")
	}
	ch.confirm = true
	return nil
}

func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

func (ch *Channel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.returns = append(ch.returns, c)
	return c
}

func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.listeners = append(ch.listeners, c)
	return c
}

// Close closes the channel. Its consumers stop and unacked deliveries go
// back to their queues.
func (ch *Channel) Close() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return nil
	}
	ch.closeLocked(nil)
	return nil
}

func (ch *Channel) closeLocked(cause *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	ch.pending = nil

	for _, c := range ch.consumers {
		ch.b.cancelLocked(c)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		tags = append(tags, t)
	}
	// requeue in reverse so the oldest delivery ends up at the head
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, t := range tags {
		ch.b.requeueLocked(ch.unacked[t])
	}
	ch.unacked = map[uint64]*inflight{}

	for _, l := range ch.confirms {
		close(l)
	}
	for _, l := range ch.returns {
		close(l)
	}
	for _, l := range ch.listeners {
		if cause != nil {
			select {
			case l <- cause:
			default:
			}
		}
		close(l)
	}
	ch.confirms, ch.returns, ch.listeners = nil, nil, nil
	delete(ch.conn.channels, ch)
	ch.b.notifyLocked()
}

func (ch *Channel) canDeliver(c *consumer) bool {
	if ch.closed {
		return false
	}
	return c.autoAck || ch.prefetch <= 0 || len(ch.unacked) < ch.prefetch
}

func (ch *Channel) deliverLocked(c *consumer, m *message) amqp.Delivery {
	ch.nextTag++
	tag := ch.nextTag

	var headers amqp.Table
	if m.pub.Headers != nil || (m.returned > 0 && c.q.quorum()) {
		headers = rabbitmq.CloneTable(m.pub.Headers)
	}
	if m.returned > 0 && c.q.quorum() {
		headers[rabbitmq.HeaderDeliveryCount] = int64(m.returned)
	}

	d := amqp.Delivery{
		Acknowledger:    ch,
		Headers:         headers,
		ContentType:     m.pub.ContentType,
		ContentEncoding: m.pub.ContentEncoding,
		DeliveryMode:    m.pub.DeliveryMode,
		Priority:        m.pub.Priority,
		CorrelationId:   m.pub.CorrelationId,
		ReplyTo:         m.pub.ReplyTo,
		Expiration:      m.pub.Expiration,
		MessageId:       m.pub.MessageId,
		Timestamp:       m.pub.Timestamp,
		Type:            m.pub.Type,
		UserId:          m.pub.UserId,
		AppId:           m.pub.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     m.returned > 0,
		Exchange:        m.exchange,
		RoutingKey:      m.key,
		Body:            append([]byte(nil), m.pub.Body...),
	}
	if !c.autoAck {
		ch.unacked[tag] = &inflight{q: c.q, m: m}
	}
	return d
}
