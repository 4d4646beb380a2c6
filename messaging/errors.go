package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/agentmq/internal/rabbitmq"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("messaging: timed out waiting for reply")

	ErrNoReplyTo      = errors.New("messaging: message has no reply-to destination")
	ErrUnknownAgent   = errors.New("messaging: unknown agent")
	ErrAlreadyStarted = errors.New("messaging: already started")
	ErrStopped        = errors.New("messaging: stopped")
)

// Broker failures surface as these types.
type (
	ConnectionError = rabbitmq.ConnectionError
	ChannelError    = rabbitmq.ChannelError
	ConsumerError   = rabbitmq.ConsumerError
	PublishError    = rabbitmq.PublishError
	TopologyError   = rabbitmq.TopologyError
)

// TimeoutError is returned when no matching reply arrived in time.
type TimeoutError struct {
	CorrelationID string
	ReplyQueue    string
	Timeout       time.Duration
	Polls         int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("messaging: no reply for %s on %s within %s (%d polls)",
		e.CorrelationID, e.ReplyQueue, e.Timeout, e.Polls)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// DecodeError means a payload was not valid application data.
type DecodeError struct {
	MessageID string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("messaging: decode message %s: %v", e.MessageID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// HandlerError wraps an error returned by, or a panic raised in, a request
// handler.
type HandlerError struct {
	MessageID string
	Err       error
	Panic     any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("messaging: handler panicked on message %s: %v", e.MessageID, e.Panic)
	}
	return fmt.Sprintf("messaging: handler failed on message %s: %v", e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// QuarantineError is returned when a poison message could not be moved to
// the backout queue.
type QuarantineError struct {
	MessageID    string
	BackoutQueue string
	Attempts     int
	Err          error
}

func (e *QuarantineError) Error() string {
	return fmt.Sprintf("messaging: quarantine message %s to %s after %d attempts: %v",
		e.MessageID, e.BackoutQueue, e.Attempts, e.Err)
}

func (e *QuarantineError) Unwrap() error {
	return e.Err
}
