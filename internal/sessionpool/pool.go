// Package sessionpool implements the Session Pool: a bounded set of
// (session, producer) pairs, each serialized against concurrent use, handed
// out either anonymously (any free pair) or sticky (same pair for a given
// key across the lifetime of that key).
package sessionpool

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/tenzoki/rpcserver/internal/rpcerr"
	"github.com/tenzoki/rpcserver/internal/transport"
)

// StickyKeyForRequest is the canonical sticky-claim key for a RequestId, so
// the dispatcher (sending the reply) and the forwarder (sending that
// reply's observations) always hash to the same slot.
func StickyKeyForRequest(requestID uint64) string {
	return strconv.FormatUint(requestID, 10)
}

// Pair is one (session, producer) owned by the pool. Callers obtained a
// Pair via Claim or ClaimSticky must call Release when done; operations on
// a Pair between Claim and Release are serialized against every other
// claimant of the same Pair, including concurrent sticky claims that hash
// to the same slot.
type Pair struct {
	pool *Pool
	slot *slot
}

// Send serializes the frame send against any other concurrent use of this
// Pair's underlying producer.
func (p *Pair) Send(ctx context.Context, frame transport.Frame) error {
	return p.slot.producer.Send(ctx, frame)
}

// Release returns the Pair to the pool. A sticky claim's slot remains
// mapped to its key after Release; only the exclusive lock is released.
func (p *Pair) Release() {
	p.slot.mu.Unlock()
}

type slot struct {
	mu       sync.Mutex
	session  transport.Session
	producer transport.Producer
}

// Pool is the Session Pool.
type Pool struct {
	slots []*slot

	mu       sync.Mutex
	closed   bool
	round    uint64
	stickyOf map[uint64]int // key hash -> slot index, for documentation/inspection
}

// New eagerly creates bound pairs, each with its own broker session and an
// unbound producer. Session creation failure at construction time is
// BrokerUnavailable.
func New(transp transport.Transport, bound int) (*Pool, error) {
	if bound <= 0 {
		bound = 1
	}

	slots := make([]*slot, 0, bound)
	for i := 0; i < bound; i++ {
		sess, err := transp.NewSession()
		if err != nil {
			for _, s := range slots {
				s.session.Close()
			}
			return nil, fmt.Errorf("%w: session creation failed: %w", rpcerr.ErrBrokerUnavailable, err)
		}
		producer, err := sess.NewProducer("")
		if err != nil {
			sess.Close()
			for _, s := range slots {
				s.session.Close()
			}
			return nil, rpcerr.Transport("producer creation failed", err)
		}
		slots = append(slots, &slot{session: sess, producer: producer})
	}

	return &Pool{slots: slots, stickyOf: make(map[uint64]int)}, nil
}

// Claim returns an anonymous pair: the next slot in round-robin order,
// blocking until that slot's previous claimant releases it. The claim has
// no affinity to any key.
func (p *Pool) Claim() (*Pair, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, rpcerr.ErrClosed
	}
	idx := int(p.round % uint64(len(p.slots)))
	p.round++
	s := p.slots[idx]
	p.mu.Unlock()

	s.mu.Lock()
	return &Pair{pool: p, slot: s}, nil
}

// ClaimSticky returns the pair assigned to key, hashed to a slot with
// xxhash. The same key always maps to the same slot for the lifetime of the
// pool (modulo pool capacity); concurrent sticky claims that land on the
// same slot are serialized by that slot's own lock rather than rejected or
// load-balanced away.
func (p *Pool) ClaimSticky(key string) (*Pair, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, rpcerr.ErrClosed
	}
	idx := int(xxhash.Sum64String(key) % uint64(len(p.slots)))
	p.stickyOf[xxhash.Sum64String(key)] = idx
	s := p.slots[idx]
	p.mu.Unlock()

	s.mu.Lock()
	return &Pair{pool: p, slot: s}, nil
}

// Close drains and closes every (producer, session) pair. Idempotent.
// Further Claim/ClaimSticky calls after Close fail with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	slots := p.slots
	p.mu.Unlock()

	var firstErr error
	for _, s := range slots {
		s.mu.Lock()
		if err := s.producer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.session.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mu.Unlock()
	}
	return firstErr
}
