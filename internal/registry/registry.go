// Package registry implements the Subscription Registry: a concurrent
// mapping from ObservationId to (ClientAddress, cancel-handle) with a
// removal listener that is the single invariant-preserving point — every
// removal path invokes the cancel-handle exactly once.
package registry

import (
	"sync"

	"github.com/tenzoki/rpcserver/internal/rpcerr"
)

// Record is a Subscription record: the client the observation is destined
// for, and the handle that cancels the underlying stream subscription.
type Record struct {
	ClientAddress string
	Cancel        func()
}

// Registry is the Subscription Registry. The zero
// value is not usable; construct with New.
type Registry struct {
	mu      sync.Mutex
	entries map[uint64]Record
	closed  bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[uint64]Record)}
}

// Insert adds a new subscription record. It is an error for id to already
// be present, and an error if the registry has been closed.
func (r *Registry) Insert(id uint64, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return rpcerr.ErrClosed
	}
	if _, exists := r.entries[id]; exists {
		return rpcerr.Protocol("observation id already registered", nil)
	}
	r.entries[id] = rec
	return nil
}

// Invalidate removes each present id, synchronously invoking its
// cancel-handle. Ids that are not present are silently skipped — invalidate
// is idempotent.
func (r *Registry) Invalidate(ids []uint64) {
	r.mu.Lock()
	var toCancel []func()
	for _, id := range ids {
		if rec, ok := r.entries[id]; ok {
			delete(r.entries, id)
			toCancel = append(toCancel, rec.Cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range toCancel {
		if cancel != nil {
			cancel()
		}
	}
}

// InvalidateAll removes every entry, invoking each cancel-handle exactly
// once. It does not close the registry: Insert keeps succeeding afterwards.
// Close calls this and then marks the registry closed.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	toCancel := make([]func(), 0, len(r.entries))
	for id, rec := range r.entries {
		delete(r.entries, id)
		toCancel = append(toCancel, rec.Cancel)
	}
	r.mu.Unlock()

	for _, cancel := range toCancel {
		if cancel != nil {
			cancel()
		}
	}
}

// Close invalidates every remaining entry and rejects further Insert
// calls. Idempotent.
func (r *Registry) Close() {
	r.InvalidateAll()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Snapshot returns a weakly-consistent view of id -> ClientAddress for
// every currently-registered subscription, used by the reaper's
// reconciliation pass.
func (r *Registry) Snapshot() map[uint64]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[uint64]string, len(r.entries))
	for id, rec := range r.entries {
		out[id] = rec.ClientAddress
	}
	return out
}

// Len reports the number of currently-registered subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Cleanup is advisory: this implementation performs removals synchronously
// on every path, so there is nothing deferred to drain. It exists to
// satisfy the documented contract and as a hook for implementations that do
// defer removal.
func (r *Registry) Cleanup() {}
