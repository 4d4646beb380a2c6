package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/agentmq/config"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// RequestQueue is the durable queue shared by requesters and responders.
// Quorum queues keep the x-delivery-count header the responder uses to
// decide when to quarantine.
func RequestQueue(name string, queueType config.QueueType) QueueDeclaration {
	args := amqp.Table{}
	if queueType != "" {
		args["x-queue-type"] = string(queueType)
	}
	return QueueDeclaration{Name: name, Durable: true, Arguments: args}
}

// BackoutQueue is the durable quarantine queue.
func BackoutQueue(name string) QueueDeclaration {
	return QueueDeclaration{Name: name, Durable: true}
}

// TemporaryQueue is a non-durable, exclusive, auto-delete queue: it disappears
// with its owning connection. Used for reply destinations and subscriptions.
func TemporaryQueue(name string) QueueDeclaration {
	return QueueDeclaration{Name: name, AutoDelete: true, Exclusive: true}
}

// SubscriptionQueue is the queue a state listener binds to the state
// exchange. A durable subscription outlives its listener and collects updates
// published while nobody is connected; otherwise the queue is temporary.
func SubscriptionQueue(name string, durable bool) QueueDeclaration {
	if !durable {
		return TemporaryQueue(name)
	}
	return QueueDeclaration{Name: name, Durable: true}
}

// DeclareQueue declares a queue on ch.
func DeclareQueue(ch Channel, q QueueDeclaration) (amqp.Queue, error) {
	queue, err := ch.QueueDeclare(
		q.Name,
		q.Durable,
		q.AutoDelete,
		q.Exclusive,
		false, // no-wait
		q.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, topologyError("queue", q.Name, "declare", err)
	}
	return queue, nil
}

// InspectQueue passively declares name and returns its counters.
func InspectQueue(ch Channel, name string) (amqp.Queue, error) {
	queue, err := ch.QueueDeclarePassive(name, false, false, false, false, nil)
	if err != nil {
		return amqp.Queue{}, topologyError("queue", name, "inspect", err)
	}
	return queue, nil
}

// DeleteQueue deletes a queue and returns the number of messages it held.
func DeleteQueue(ch Channel, name string) (int, error) {
	n, err := ch.QueueDelete(name, false, false, false)
	if err != nil {
		return 0, topologyError("queue", name, "delete", err)
	}
	return n, nil
}

// DeclareExchange declares a durable exchange of the given kind.
func DeclareExchange(ch Channel, name, kind string) error {
	err := ch.ExchangeDeclare(
		name,
		kind,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return topologyError("exchange", name, "declare", err)
	}
	return nil
}

// BindQueue binds queue to exchange with key.
func BindQueue(ch Channel, queue, key, exchange string) error {
	if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
		return topologyError("binding", queue+"->"+exchange, "create", err)
	}
	return nil
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
