// Package transport defines the broker contract the server depends on as an
// external collaborator: per-address queues, message-level ACKs, and a
// validated-user header stamped by the broker's own authentication layer.
// Connection establishment, queue creation, and ACK mechanics are the
// broker's concern; this package only names the interfaces the rest of the
// server programs against.
package transport

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ValidatedUserHeader is the message property the broker stamps with the
// authenticated principal name. Missing means the broker rejected or never
// ran authentication on this message.
const ValidatedUserHeader = "validated-user"

// Frame is the envelope carried over the wire: routing metadata plus an
// opaque payload already encoded by internal/codec. TTL, priority, and
// persistence are broker QoS concerns and are out of scope here — this
// server only asks the broker to place Payload at Destination.
type Frame struct {
	ID            string
	CorrelationID string
	Destination   string
	Properties    map[string]string
	Payload       []byte
}

// NewFrame builds a Frame with a fresh id.
func NewFrame(destination string, payload []byte) Frame {
	return Frame{
		ID:          uuid.NewString(),
		Destination: destination,
		Properties:  map[string]string{},
		Payload:     payload,
	}
}

// ValidatedUser returns the broker-stamped validated-user property, if any.
func (f Frame) ValidatedUser() (string, bool) {
	v, ok := f.Properties[ValidatedUserHeader]
	return v, ok
}

// Producer sends frames to broker-addressed destinations. A Producer is not
// safe for concurrent use by multiple goroutines unless the implementation
// documents otherwise; the Session Pool is what serializes access.
type Producer interface {
	Send(ctx context.Context, frame Frame) error
	Close() error
}

// Handler processes one ingress frame. ack must be called exactly once to
// acknowledge the broker delivery.
type Handler func(ctx context.Context, frame Frame, ack func())

// Consumer receives frames delivered to a single address and dispatches
// them to a Handler.
type Consumer interface {
	// Start begins delivering frames to handler until the consumer is
	// closed or ctx is cancelled.
	Start(ctx context.Context, handler Handler) error
	Close() error
}

// Session is a single authenticated connection to the broker; it creates
// Producers and Consumers bound to that connection.
type Session interface {
	NewProducer(destination string) (Producer, error)
	NewConsumer(address string) (Consumer, error)
	Close() error
}

// QueueStatus describes one broker-side queue as observed by the reaper's
// reconciliation query.
type QueueStatus struct {
	Address       string
	ConsumerCount int
}

// Transport creates sessions and answers the reaper's reconciliation
// queries. A concrete implementation wraps a real broker client (STOMP,
// AMQP, NATS, ...); internal/transport/memory provides an in-process
// reference implementation for tests and for embedding the server without
// an external broker dependency.
type Transport interface {
	NewSession() (Session, error)

	// QueuesWithPrefix returns the status of every broker queue whose
	// address begins with prefix, used by the reaper to distinguish
	// deployed/undeployed and live/dead client queues.
	QueuesWithPrefix(ctx context.Context, prefix string) ([]QueueStatus, error)

	Close() error
}

// DefaultSendTimeout bounds how long a Producer.Send may block when an
// implementation chooses to impose one; the interface itself does not
// require a timeout. No per-call timeout is imposed on application-level
// RPC calls — this is a transport-internal safety valve, not an RPC
// timeout.
const DefaultSendTimeout = 5 * time.Second
