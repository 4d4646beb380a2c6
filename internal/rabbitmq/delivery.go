package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header names used on agentmq messages.
const (
	// HeaderDeliveryCount is maintained by quorum queues.
	HeaderDeliveryCount = "x-delivery-count"
	// HeaderRedeliveryCount is maintained by agentmq when it republishes or
	// quarantines a message itself.
	HeaderRedeliveryCount = "x-redelivery-count"
	HeaderFormat          = "x-format"
	HeaderOriginalQueue   = "x-original-queue"
	HeaderLastError       = "x-last-error"
	HeaderQuarantinedAt   = "x-quarantined-at"
	// HeaderOriginalDeliveryCount is the redelivery counter the message
	// carried when it was quarantined.
	HeaderOriginalDeliveryCount = "x-original-delivery-count"
)

// RedeliveryCount is the number of earlier failed deliveries of d: the larger
// of the broker's and agentmq's own counters. A bare redelivered flag counts
// as one.
func RedeliveryCount(d amqp.Delivery) int {
	n := HeaderInt(d.Headers, HeaderDeliveryCount)
	if own := HeaderInt(d.Headers, HeaderRedeliveryCount); own > n {
		n = own
	}
	if n == 0 && d.Redelivered {
		n = 1
	}
	return n
}

// HeaderInt safely extracts an int from headers
func HeaderInt(headers amqp.Table, key string) int {
	if headers == nil {
		return 0
	}
	switch val := headers[key].(type) {
	case int:
		return val
	case int8:
		return int(val)
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		return int(val)
	case uint8:
		return int(val)
	case uint16:
		return int(val)
	case uint32:
		return int(val)
	case float32:
		return int(val)
	case float64:
		return int(val)
	}
	return 0
}

// HeaderString safely extracts a string from headers
func HeaderString(headers amqp.Table, key string) string {
	if headers == nil {
		return ""
	}
	if val, ok := headers[key].(string); ok {
		return val
	}
	return ""
}

// CloneTable returns a shallow copy of t, never nil.
func CloneTable(t amqp.Table) amqp.Table {
	out := make(amqp.Table, len(t)+4)
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Republish copies every property and the body of d into a new Publishing.
func Republish(d amqp.Delivery) amqp.Publishing {
	return amqp.Publishing{
		Headers:         CloneTable(d.Headers),
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		UserId:          d.UserId,
		AppId:           d.AppId,
		Body:            append([]byte(nil), d.Body...),
	}
}

// Quarantined copies d for the backout queue, recording the failed attempt
// count, the source queue and the last error. The broker's own counter
// header is kept as delivered, and the counter d arrived with is also
// stored under HeaderOriginalDeliveryCount.
func Quarantined(d amqp.Delivery, queue string, attempts int, cause error) amqp.Publishing {
	msg := Republish(d)
	msg.DeliveryMode = amqp.Persistent
	msg.Headers[HeaderOriginalDeliveryCount] = int64(RedeliveryCount(d))
	msg.Headers[HeaderRedeliveryCount] = int64(attempts)
	msg.Headers[HeaderOriginalQueue] = queue
	msg.Headers[HeaderQuarantinedAt] = time.Now().Unix()
	if cause != nil {
		msg.Headers[HeaderLastError] = cause.Error()
	}
	return msg
}
