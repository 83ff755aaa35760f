// Package server wires the Ingress Consumers and the Lifecycle around the
// dispatcher, forwarder, registry, session pool, and reaper.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tenzoki/rpcserver/internal/auth"
	"github.com/tenzoki/rpcserver/internal/config"
	"github.com/tenzoki/rpcserver/internal/dispatcher"
	"github.com/tenzoki/rpcserver/internal/forwarder"
	"github.com/tenzoki/rpcserver/internal/reaper"
	"github.com/tenzoki/rpcserver/internal/registry"
	"github.com/tenzoki/rpcserver/internal/rpcerr"
	"github.com/tenzoki/rpcserver/internal/sessionpool"
	"github.com/tenzoki/rpcserver/internal/transport"
)

// ClientQueuePrefix is the well-known prefix for per-client egress
// addresses, used by the reaper's reconciliation query.
const ClientQueuePrefix = "RPC_CLIENT_QUEUE."

// terminationWait bounds how long Close waits for the dispatcher's worker
// pool to drain in-flight invocations.
const terminationWait = 500 * time.Millisecond

// Server is the RPC server's Lifecycle: it owns the Registry, Session
// Pool, Forwarder, Dispatcher, Reaper, and the Ingress Consumers bound to
// the well-known server queue.
type Server struct {
	cfg       *config.Config
	transport transport.Transport
	logger    logrus.FieldLogger

	registry   *registry.Registry
	pool       *sessionpool.Pool
	forwarder  *forwarder.Forwarder
	dispatcher *dispatcher.Dispatcher
	reaper     *reaper.Reaper

	mu        sync.Mutex
	started   bool
	closed    bool
	sessions  []transport.Session
	consumers []transport.Consumer
	cancel    context.CancelFunc
}

// New constructs a Server against host's exported methods. legalName is the
// server's own identity, substituted as the NODE principal.
func New(cfg *config.Config, transp transport.Transport, host interface{}, legalName string, resolver auth.Resolver, logger logrus.FieldLogger) (*Server, error) {
	reg := registry.New()

	pool, err := sessionpool.New(transp, cfg.Pool.ProducerPoolBound)
	if err != nil {
		return nil, err
	}

	fwd := forwarder.New(pool, reg, logger, 4096)

	disp, err := dispatcher.New(host, legalName, resolver, reg, pool, fwd, logger, cfg.Pool.RPCThreadPoolSize)
	if err != nil {
		pool.Close()
		fwd.Close()
		return nil, err
	}

	r := reaper.New(reg, transp, ClientQueuePrefix, time.Duration(cfg.Reaper.IntervalMs)*time.Millisecond, logger)

	return &Server{
		cfg:        cfg,
		transport:  transp,
		logger:     logger,
		registry:   reg,
		pool:       pool,
		forwarder:  fwd,
		dispatcher: disp,
		reaper:     r,
	}, nil
}

// Start schedules the reaper and brings up consumerPoolSize ingress
// consumers bound to the server's request queue.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return rpcerr.ErrClosed
	}
	if s.started {
		return nil
	}
	s.started = true

	s.reaper.Start()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for i := 0; i < s.cfg.Pool.ConsumerPoolSize; i++ {
		sess, err := s.transport.NewSession()
		if err != nil {
			return rpcerr.Transport("ingress session creation failed", err)
		}
		consumer, err := sess.NewConsumer(s.cfg.RequestQueue)
		if err != nil {
			sess.Close()
			return rpcerr.Transport("ingress consumer creation failed", err)
		}
		if err := consumer.Start(ctx, s.dispatcher.HandleFrame); err != nil {
			sess.Close()
			return rpcerr.Transport("ingress consumer start failed", err)
		}

		s.sessions = append(s.sessions, sess)
		s.consumers = append(s.consumers, consumer)
	}

	return nil
}

// Close runs the shutdown sequence: cancel the
// reaper and run one final reaping pass, shut down the dispatcher and wait
// up to terminationWait, close every consumer/session, then drain and close
// the Session Pool. Idempotent; messages arriving after cancel but before
// consumer close are silently dropped.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	sessions := s.sessions
	consumers := s.consumers
	s.mu.Unlock()

	s.reaper.Close()

	if cancel != nil {
		cancel()
	}

	dispatcherDone := make(chan struct{})
	go func() {
		s.dispatcher.Close()
		close(dispatcherDone)
	}()
	select {
	case <-dispatcherDone:
	case <-time.After(terminationWait):
		s.logger.Warn("server: dispatcher did not terminate within the termination wait")
	}

	s.forwarder.Close()

	for _, c := range consumers {
		c.Close()
	}
	for _, sess := range sessions {
		sess.Close()
	}

	return s.pool.Close()
}
