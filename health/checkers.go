package health

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/agentmq/internal/rabbitmq"
)

// BrokerChecker dials the broker and passively checks an exchange. A
// missing exchange is degraded: the broker is up but nothing has declared
// the topology yet.
type BrokerChecker struct {
	dialer   rabbitmq.Dialer
	exchange string
	kind     string
}

// NewBrokerChecker checks exchange (of the given kind) on connections from
// dialer. An empty exchange checks amq.direct.
func NewBrokerChecker(dialer rabbitmq.Dialer, exchange, kind string) *BrokerChecker {
	if exchange == "" {
		exchange, kind = "amq.direct", amqp.ExchangeDirect
	}
	return &BrokerChecker{dialer: dialer, exchange: exchange, kind: kind}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) (result CheckResult) {
	start := time.Now()
	result = CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"exchange": c.exchange},
	}
	defer func() {
		result.Duration = time.Since(start)
		result.Details["response_time_ms"] = result.Duration.Milliseconds()
	}()

	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return unhealthy(result, "failed to connect", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return unhealthy(result, "failed to open channel", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclarePassive(c.exchange, c.kind, true, false, false, false, nil); err != nil {
		result.Status = StatusDegraded
		result.Message = "exchange check failed"
		result.Error = err.Error()
		return result
	}

	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	return result
}

// QueueChecker inspects a queue. A missing queue is unhealthy. A queue at or
// over WarnDepth messages is degraded, as is a queue without consumers when
// RequireConsumer is set.
type QueueChecker struct {
	dialer rabbitmq.Dialer
	queue  string

	WarnDepth       int
	RequireConsumer bool
}

// NewQueueChecker creates a checker for queue.
func NewQueueChecker(dialer rabbitmq.Dialer, queue string) *QueueChecker {
	return &QueueChecker{dialer: dialer, queue: queue}
}

func (c *QueueChecker) Name() string {
	return "queue:" + c.queue
}

func (c *QueueChecker) Check(ctx context.Context) (result CheckResult) {
	start := time.Now()
	result = CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"queue": c.queue},
	}
	defer func() { result.Duration = time.Since(start) }()

	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return unhealthy(result, "failed to connect", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return unhealthy(result, "failed to open channel", err)
	}
	defer ch.Close()

	q, err := rabbitmq.InspectQueue(ch, c.queue)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return unhealthy(result, "queue does not exist", err)
		}
		return unhealthy(result, "failed to inspect queue", err)
	}

	result.Details["messages"] = q.Messages
	result.Details["consumers"] = q.Consumers

	switch {
	case c.WarnDepth > 0 && q.Messages >= c.WarnDepth:
		result.Status = StatusDegraded
		result.Message = "queue depth over threshold"
	case c.RequireConsumer && q.Consumers == 0:
		result.Status = StatusDegraded
		result.Message = "queue has no consumers"
	default:
		result.Status = StatusHealthy
		result.Message = "queue is healthy"
	}
	return result
}

func unhealthy(result CheckResult, msg string, err error) CheckResult {
	result.Status = StatusUnhealthy
	result.Message = msg
	result.Error = err.Error()
	return result
}
