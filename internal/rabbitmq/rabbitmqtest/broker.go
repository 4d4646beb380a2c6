// Package rabbitmqtest provides an in-memory broker implementing the
// rabbitmq.Connection and rabbitmq.Channel interfaces.
//
// It covers what agentmq relies on: the default, direct, fanout and topic
// exchanges; durable, exclusive and auto-delete queues; consumers with and
// without auto-ack; prefetch; channel transactions; publisher confirms and
// mandatory returns; requeue with the Redelivered flag and, on quorum queues,
// the x-delivery-count header; and requeue of unacked messages when a
// channel closes.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/agentmq/internal/rabbitmq"
)

// Broker is an in-memory AMQP broker. The zero value is not usable; call New.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	exchanges map[string]*exchange
	conns     map[*Connection]struct{}
	changed   chan struct{}
	dialErr   error
	dials     int
}

type exchange struct {
	name     string
	kind     string
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name        string
	durable     bool
	autoDelete  bool
	exclusive   bool
	args        amqp.Table
	owner       *Connection
	ready       []*message
	consumers   []*consumer
	hadConsumer bool
	deleted     bool
}

func (q *queue) quorum() bool {
	return rabbitmq.HeaderString(q.args, "x-queue-type") == "quorum"
}

type message struct {
	pub      amqp.Publishing
	exchange string
	key      string
	returned int
}

type inflight struct {
	q *queue
	m *message
}

type consumer struct {
	tag     string
	ch      *Channel
	q       *queue
	autoAck bool
	out     chan amqp.Delivery
	done    chan struct{}
	once    sync.Once
}

func (c *consumer) stop() {
	c.once.Do(func() { close(c.done) })
}

// Message is a queued message as seen by tests.
type Message struct {
	amqp.Publishing
	Exchange   string
	RoutingKey string
	// Requeues counts how many times the message went back to the queue.
	Requeues int
}

var _ rabbitmq.Dialer = (*Broker)(nil)

// New returns a broker with the default and amq.* exchanges declared.
func New() *Broker {
	b := &Broker{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]*exchange),
		conns:     make(map[*Connection]struct{}),
		changed:   make(chan struct{}),
	}
	for name, kind := range map[string]string{
		"":           amqp.ExchangeDirect,
		"amq.direct": amqp.ExchangeDirect,
		"amq.fanout": amqp.ExchangeFanout,
		"amq.topic":  amqp.ExchangeTopic,
	} {
		b.exchanges[name] = &exchange{name: name, kind: kind}
	}
	return b
}

// Dial opens a new connection, or fails with the error set by FailDials.
func (b *Broker) Dial(ctx context.Context) (rabbitmq.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &Connection{b: b, channels: make(map[*Channel]struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// FailDials makes every following Dial return err. A nil err restores dialing.
func (b *Broker) FailDials(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Dials returns the number of Dial calls so far.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenConnections returns the number of connections not yet closed.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// DropConnections closes every connection as the server would on a forced
// shutdown: close listeners receive a CONNECTION_FORCED error.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		c.closeLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true, Recover: true})
	}
}

// HasQueue reports whether a queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueNames returns the existing queues, sorted.
func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Depth returns the number of ready messages in a queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of messages from a queue delivered but not yet
// settled.
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.conns {
		for ch := range c.channels {
			for _, f := range ch.unacked {
				if f.q.name == name {
					n++
				}
			}
		}
	}
	return n
}

// ConsumerCount returns the number of consumers on a queue.
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Messages returns copies of the ready messages in a queue, head first.
func (b *Broker) Messages(name string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.snapshot())
	}
	return out
}

// Get removes and returns the head of a queue.
func (b *Broker) Get(name string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok || len(q.ready) == 0 {
		return Message{}, false
	}
	m := q.ready[0]
	q.ready = q.ready[1:]
	return m.snapshot(), true
}

// Enqueue appends msg to a queue, bypassing exchanges.
func (b *Broker) Enqueue(name string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return notFound("queue", name)
	}
	q.ready = append(q.ready, &message{pub: clonePublishing(msg), key: name})
	b.notifyLocked()
	return nil
}

// DeclareQueue creates a durable queue, for tests that need one up front.
func (b *Broker) DeclareQueue(name string, args amqp.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name, durable: true, args: args}
	}
}

func (m *message) snapshot() Message {
	return Message{
		Publishing: clonePublishing(m.pub),
		Exchange:   m.exchange,
		RoutingKey: m.key,
		Requeues:   m.returned,
	}
}

// notifyLocked wakes consumers waiting for a state change.
func (b *Broker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Broker) routeLocked(exchangeName, key string, pub amqp.Publishing) (bool, error) {
	if exchangeName == "" {
		q, ok := b.queues[key]
		if !ok {
			return false, nil
		}
		q.ready = append(q.ready, &message{pub: pub, key: key})
		return true, nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return false, notFound("exchange", exchangeName)
	}

	routed := false
	seen := make(map[string]bool)
	for _, bnd := range ex.bindings {
		if seen[bnd.queue] || !matches(ex.kind, bnd.key, key) {
			continue
		}
		q, ok := b.queues[bnd.queue]
		if !ok {
			continue
		}
		seen[bnd.queue] = true
		q.ready = append(q.ready, &message{pub: clonePublishing(pub), exchange: exchangeName, key: key})
		routed = true
	}
	return routed, nil
}

func (b *Broker) deleteQueueLocked(q *queue) int {
	if q.deleted {
		return 0
	}
	q.deleted = true
	delete(b.queues, q.name)
	for _, c := range q.consumers {
		c.stop()
		delete(c.ch.consumers, c.tag)
	}
	q.consumers = nil
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bnd := range ex.bindings {
			if bnd.queue != q.name {
				kept = append(kept, bnd)
			}
		}
		ex.bindings = kept
	}
	n := len(q.ready)
	q.ready = nil
	b.notifyLocked()
	return n
}

func (b *Broker) cancelLocked(c *consumer) {
	c.stop()
	delete(c.ch.consumers, c.tag)
	q := c.q
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.autoDelete && q.hadConsumer && len(q.consumers) == 0 {
		b.deleteQueueLocked(q)
	}
}

func (b *Broker) requeueLocked(f *inflight) {
	if f.q.deleted {
		return
	}
	f.m.returned++
	f.q.ready = append([]*message{f.m}, f.q.ready...)
}

// next blocks until c can take a message, or c is stopped.
func (b *Broker) next(c *consumer) (amqp.Delivery, bool) {
	for {
		b.mu.Lock()
		select {
		case <-c.done:
			b.mu.Unlock()
			return amqp.Delivery{}, false
		default:
		}
		q := c.q
		if len(q.ready) > 0 && c.ch.canDeliver(c) {
			m := q.ready[0]
			q.ready = q.ready[1:]
			d := c.ch.deliverLocked(c, m)
			b.mu.Unlock()
			return d, true
		}
		wait := b.changed
		b.mu.Unlock()

		select {
		case <-wait:
		case <-c.done:
			return amqp.Delivery{}, false
		}
	}
}

func (b *Broker) runConsumer(c *consumer) {
	defer close(c.out)
	for {
		d, ok := b.next(c)
		if !ok {
			return
		}
		select {
		case c.out <- d:
		case <-c.done:
			return
		}
	}
}

// matches implements direct, fanout and topic routing.
func matches(kind, pattern, key string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

func clonePublishing(p amqp.Publishing) amqp.Publishing {
	out := p
	if p.Headers != nil {
		out.Headers = rabbitmq.CloneTable(p.Headers)
	}
	out.Body = append([]byte(nil), p.Body...)
	return out
}

func notFound(kind, name string) *amqp.Error {
	return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no %s '%s'", kind, name), Server: true}
}

func resourceLocked(name string) *amqp.Error {
	return &amqp.Error{Code: amqp.ResourceLocked, Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name), Server: true}
}

func preconditionFailed(reason string) *amqp.Error {
	return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - " + reason, Server: true}
}

// ErrDialRefused is a convenient error for FailDials.
var ErrDialRefused = errors.New("dial tcp: connection refused")

func generatedName(prefix string) string {
	return prefix + uuid.NewString()
}
