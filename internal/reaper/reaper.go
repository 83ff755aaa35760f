// Package reaper implements the periodic reconciliation between the
// Subscription Registry and live broker queues:
// subscriptions whose client queue has vanished entirely (undeployed) or
// whose queue exists but has no consumers left (abandoned) are invalidated.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tenzoki/rpcserver/internal/registry"
	"github.com/tenzoki/rpcserver/internal/transport"
)

// Reaper runs the reconciliation sweep at a fixed interval on its own
// goroutine.
type Reaper struct {
	registry    *registry.Registry
	transport   transport.Transport
	queuePrefix string
	interval    time.Duration
	logger      logrus.FieldLogger

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// New creates a Reaper. queuePrefix is the client-queue address prefix the
// reaper queries the transport for (e.g. "RPC_CLIENT_QUEUE.").
func New(reg *registry.Registry, transp transport.Transport, queuePrefix string, interval time.Duration, logger logrus.FieldLogger) *Reaper {
	return &Reaper{
		registry:    reg,
		transport:   transp,
		queuePrefix: queuePrefix,
		interval:    interval,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Start schedules the reaper on its own loop.
func (r *Reaper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sweep runs one reconciliation pass. It is exported so Close can run a
// final pass synchronously and so tests can drive it deterministically
// instead of waiting on the ticker.
func (r *Reaper) Sweep(ctx context.Context) {
	snapshot := r.registry.Snapshot()
	if len(snapshot) == 0 {
		r.registry.Cleanup()
		return
	}

	byClient := make(map[string][]uint64)
	for id, clientAddress := range snapshot {
		byClient[clientAddress] = append(byClient[clientAddress], id)
	}

	statuses, err := r.transport.QueuesWithPrefix(ctx, r.queuePrefix)
	if err != nil {
		r.logger.WithError(err).Warn("reaper: failed to query broker queues, skipping sweep")
		return
	}

	deployed := make(map[string]bool, len(statuses))
	dead := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		deployed[s.Address] = true
		if s.ConsumerCount == 0 {
			dead[s.Address] = true
		}
	}

	var undeployed, abandoned int
	for clientAddress, ids := range byClient {
		if !deployed[clientAddress] {
			r.registry.Invalidate(ids)
			undeployed += len(ids)
			continue
		}
		if dead[clientAddress] {
			r.registry.Invalidate(ids)
			abandoned += len(ids)
		}
	}

	if undeployed > 0 || abandoned > 0 {
		r.logger.WithFields(logrus.Fields{
			"undeployed": undeployed,
			"abandoned":  abandoned,
		}).Info("reaper: invalidated orphaned subscriptions")
	}

	r.registry.Cleanup()
}

// Close cancels the scheduled loop, runs one final reaping pass (an
// invalidate-all rather than a selective sweep, so every cancel-handle is
// guaranteed to fire even if the transport is already unreachable), and
// waits for the loop goroutine to exit. Idempotent.
func (r *Reaper) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	r.registry.InvalidateAll()
	r.registry.Cleanup()
}
