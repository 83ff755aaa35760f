// Package memory is an in-process reference implementation of
// internal/transport, adapted from a topic/pipe/connection broker model to
// the queue-plus-consumer-liveness model the reaper's reconciliation query
// needs. It has no network dependency and is used by the server's own
// tests and by callers embedding the server without a real broker.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tenzoki/rpcserver/internal/transport"
)

// Broker is the shared in-process switchboard. Multiple Sessions created
// from the same Broker see the same set of queues, the way multiple broker
// connections share server-side queue state.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
}

type queue struct {
	ch        chan transport.Frame
	consumers int
}

// NewBroker creates an empty in-process broker.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

func (b *Broker) queueFor(address string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[address]
	if !ok {
		q = &queue{ch: make(chan transport.Frame, 256)}
		b.queues[address] = q
	}
	return q
}

// DeleteQueue simulates a client tearing down its queue entirely — the
// reaper's "undeployed" case.
func (b *Broker) DeleteQueue(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, address)
}

// QueuesWithPrefix implements transport.Transport's reconciliation query
// directly against the broker's queue table.
func (b *Broker) QueuesWithPrefix(_ context.Context, prefix string) ([]transport.QueueStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []transport.QueueStatus
	for addr, q := range b.queues {
		if len(prefix) > len(addr) || addr[:len(prefix)] != prefix {
			continue
		}
		out = append(out, transport.QueueStatus{Address: addr, ConsumerCount: q.consumers})
	}
	return out, nil
}

// NewSession returns a new Session backed by this Broker.
func (b *Broker) NewSession() (transport.Session, error) {
	return &session{broker: b}, nil
}

// Close is a no-op: the Broker itself owns the queues, not any one session.
func (b *Broker) Close() error { return nil }

type session struct {
	broker *Broker
	mu     sync.Mutex
	closed bool
}

func (s *session) NewProducer(destination string) (transport.Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory: session closed")
	}
	return &producer{broker: s.broker, destination: destination}, nil
}

func (s *session) NewConsumer(address string) (transport.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory: session closed")
	}
	return &consumer{broker: s.broker, address: address}, nil
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type producer struct {
	broker      *Broker
	destination string
}

func (p *producer) Send(ctx context.Context, frame transport.Frame) error {
	dest := frame.Destination
	if dest == "" {
		dest = p.destination
	}
	q := p.broker.queueFor(dest)
	select {
	case q.ch <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *producer) Close() error { return nil }

type consumer struct {
	broker  *Broker
	address string

	mu      sync.Mutex
	cancel  func()
	started bool
}

func (c *consumer) Start(ctx context.Context, handler transport.Handler) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("memory: consumer already started")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	q := c.broker.queueFor(c.address)

	c.broker.mu.Lock()
	q.consumers++
	c.broker.mu.Unlock()

	go func() {
		defer func() {
			c.broker.mu.Lock()
			q.consumers--
			c.broker.mu.Unlock()
		}()
		for {
			select {
			case frame := <-q.ch:
				handler(runCtx, frame, func() {})
			case <-runCtx.Done():
				return
			}
		}
	}()

	return nil
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}
