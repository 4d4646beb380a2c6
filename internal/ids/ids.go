// Package ids generates message and correlation identifiers.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// MessageID returns a time-sortable ULID. It plays the part of the
// broker-assigned message id and is stamped when a message is sent.
func MessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// CorrelationID returns a random UUID.
func CorrelationID() string {
	return uuid.NewString()
}

// QueueName returns prefix followed by a random UUID, used for per-request
// reply queues and per-listener subscriptions.
func QueueName(prefix string) string {
	return prefix + uuid.NewString()
}
