// Package broker defines the boundary the monitor and the messaging layer
// consume from a message broker: an administration view for queue depth and
// short-lived transactional sessions for browsing and moving messages.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBrokerUnavailable wraps connection and management failures.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrMessageNotFound means the addressed message id is no longer on the queue.
	ErrMessageNotFound = errors.New("message not found")
	// ErrSessionClosed is returned by operations on a committed, rolled back or closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrQueueNotFound is returned when the addressed queue does not exist.
	ErrQueueNotFound = errors.New("queue not found")
)

// Well-known headers.
const (
	HeaderOriginalDestination = "x-original-destination"
	HeaderDeathReason         = "x-death-reason"
	HeaderDeliveryCount       = "x-delivery-count"
	HeaderTraceID             = "x-trace-id"
	HeaderFrom                = "x-from"
	HeaderReissuedFrom        = "x-reissued-from"
)

// QueueInfo is what the administration interface reports for one queue.
type QueueInfo struct {
	Name      string
	Messages  int // ready
	Unacked   int // delivered, not yet acknowledged
	Consumers int
}

// Message is a broker message as seen by sessions.
type Message struct {
	ID              string
	Queue           string
	EnqueuedAt      time.Time
	RedeliveryCount int
	Headers         map[string]string
	CorrelationID   string
	ReplyTo         string
	ContentType     string
	Body            []byte
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	c := m
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return c
}

// Admin reads destination statistics.
type Admin interface {
	ListQueues(ctx context.Context) ([]QueueInfo, error)
	Close() error
}

// Connector opens transactional sessions.
type Connector interface {
	Session(ctx context.Context) (Session, error)
	Close() error
}

// Session is a single-caller transactional unit of work.
// Browse never consumes. Take removes the message with the given id from the
// queue as part of the transaction; Publish is buffered until Commit.
// After Commit or Rollback the session may be reused for another transaction
// until Close.
type Session interface {
	Browse(ctx context.Context, queue string, limit int, yield func(Message) bool) error
	Take(ctx context.Context, queue, messageID string) (Message, error)
	Publish(ctx context.Context, queue string, msg Message) error
	Commit() error
	Rollback() error
	Close() error
}
