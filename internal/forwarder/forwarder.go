// Package forwarder implements the Observation Forwarder: a single,
// dedicated, strictly-ordered worker that delivers every stream emission as
// an Observation message, guaranteeing per-stream FIFO and that a request's
// reply is always sent before any observation that reply's encoding
// produced.
package forwarder

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tenzoki/rpcserver/internal/codec"
	"github.com/tenzoki/rpcserver/internal/registry"
	"github.com/tenzoki/rpcserver/internal/sessionpool"
	"github.com/tenzoki/rpcserver/internal/transport"
)

const sendTimeout = 5 * time.Second

func frameFor(destination string, payload []byte) transport.Frame {
	return transport.NewFrame(destination, payload)
}

type job struct {
	requestID     uint64
	observationID uint64
	notification  codec.Notification
}

// Forwarder is the Observation Forwarder. It
// implements codec.Sender.
type Forwarder struct {
	queue    chan job
	pool     *sessionpool.Pool
	registry *registry.Registry
	logger   logrus.FieldLogger

	mu     sync.Mutex
	gates  map[uint64]chan struct{}
	closed bool
	done   chan struct{}
}

// New creates a Forwarder. queueSize bounds how many pending emissions may
// be buffered before Enqueue blocks the producing goroutine.
func New(pool *sessionpool.Pool, reg *registry.Registry, logger logrus.FieldLogger, queueSize int) *Forwarder {
	if queueSize <= 0 {
		queueSize = 256
	}
	f := &Forwarder{
		queue:    make(chan job, queueSize),
		pool:     pool,
		registry: reg,
		logger:   logger,
		gates:    make(map[uint64]chan struct{}),
		done:     make(chan struct{}),
	}
	go f.run()
	return f
}

// OpenGate registers requestID as not-yet-ready-to-forward. Called by
// codec.NewReplyCodecContext before any stream subscription can produce an
// emission. Every OpenGate is paired with exactly one later ReleaseGate
// (dispatcher.serve calls it once per request on every return path; deliver
// calls it once per nested gate it opens for an emission's own streams) —
// ReleaseGate removes the map entry, so gates never accumulate past the
// requests currently in flight between open and release.
func (f *Forwarder) OpenGate(requestID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.gates[requestID]; !ok {
		f.gates[requestID] = make(chan struct{})
	}
}

// ReleaseGate marks requestID's reply as sent, unblocking any queued or
// future emission for that request, and forgets the gate so it does not
// linger for the rest of the server's lifetime. Safe to call even if no
// gate is open for requestID (never opened, or already released) — then it
// is a no-op, since gateFor treats an absent entry as already open.
func (f *Forwarder) ReleaseGate(requestID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate, ok := f.gates[requestID]
	if !ok {
		return
	}
	select {
	case <-gate:
	default:
		close(gate)
	}
	delete(f.gates, requestID)
}

func (f *Forwarder) gateFor(requestID uint64) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gate, ok := f.gates[requestID]; ok {
		return gate
	}
	// No (or already-released) gate for this request: treat as open rather
	// than fabricating a map entry that would never be cleaned up.
	alreadyOpen := make(chan struct{})
	close(alreadyOpen)
	return alreadyOpen
}

// Enqueue implements codec.Sender. It never blocks the caller for longer
// than the queue has room; the ordering guarantee comes from the single
// worker goroutine in run, not from Enqueue itself.
func (f *Forwarder) Enqueue(requestID, observationID uint64, n codec.Notification) {
	select {
	case f.queue <- job{requestID, observationID, n}:
	case <-f.done:
	}
}

func (f *Forwarder) run() {
	for {
		select {
		case j := <-f.queue:
			f.deliver(j)
		case <-f.done:
			return
		}
	}
}

func (f *Forwarder) deliver(j job) {
	gate := f.gateFor(j.requestID)
	select {
	case <-gate:
	case <-f.done:
		return
	}

	snap := f.registry.Snapshot()
	clientAddress, ok := snap[j.observationID]
	if !ok {
		// Cancelled — subscription no longer registered, skip.
		return
	}

	encodeCtx := codec.NewReplyCodecContext(j.requestID, clientAddress, f.registry, f)
	defer f.ReleaseGate(j.requestID)

	obsMsg := codec.Observation{ObservationID: j.observationID}
	switch j.notification.Kind {
	case codec.NotificationNext:
		value, err := codec.EncodeObservationValue(encodeCtx, j.notification.Value)
		if err != nil {
			f.logger.WithError(err).WithField("observation_id", j.observationID).Warn("dropping emission: encode failed")
			return
		}
		obsMsg.Kind = codec.NotificationNext
		obsMsg.Value = value
	case codec.NotificationError:
		obsMsg.Kind = codec.NotificationError
		obsMsg.Error = j.notification.Err.Error()
	case codec.NotificationCompleted:
		obsMsg.Kind = codec.NotificationCompleted
	}

	payload, err := codec.MarshalServerMessage(codec.ServerMessage{Type: codec.ServerMessageObservation, Observation: &obsMsg})
	if err != nil {
		f.logger.WithError(err).WithField("observation_id", j.observationID).Warn("dropping emission: marshal failed")
		return
	}

	pair, err := f.pool.ClaimSticky(sessionpool.StickyKeyForRequest(j.requestID))
	if err != nil {
		f.logger.WithError(err).WithField("observation_id", j.observationID).Warn("dropping emission: no session available")
		return
	}
	defer pair.Release()

	sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := pair.Send(sendCtx, frameFor(clientAddress, payload)); err != nil {
		f.logger.WithError(err).WithField("observation_id", j.observationID).Warn("dropping emission: transport send failed")
	}
}

// Close stops the worker. Pending jobs in the queue are discarded; in-flight
// sends may be dropped during shutdown.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	close(f.done)
	return nil
}
