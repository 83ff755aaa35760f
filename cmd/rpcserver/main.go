// Command rpcserver runs the RPC broker server: it loads configuration,
// brings up the session pool, dispatcher, forwarder, and reaper, and blocks
// until a termination signal triggers a clean shutdown.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/tenzoki/rpcserver/internal/auth"
	"github.com/tenzoki/rpcserver/internal/config"
	"github.com/tenzoki/rpcserver/internal/logging"
	"github.com/tenzoki/rpcserver/internal/server"
	"github.com/tenzoki/rpcserver/internal/transport/memory"
)

func main() {
	configPath := flag.String("config", "", "path to config YAML (optional; built-in defaults used if empty)")
	legalName := flag.String("legal-name", "NODE", "the server's own legal identity, substituted as the NODE principal")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := logging.New(*debug)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	// The in-process broker is the only transport bundled with this binary;
	// a real deployment wires a STOMP/AMQP/NATS client behind
	// internal/transport.Transport instead (see internal/transport).
	broker := memory.NewBroker()

	host := &noopHost{}

	srv, err := server.New(cfg, broker, host, *legalName, noopResolver{}, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to construct server")
	}

	if err := srv.Start(); err != nil {
		logger.WithError(err).Fatal("failed to start server")
	}
	logger.WithFields(logrus.Fields{
		"request_queue":       cfg.RequestQueue,
		"consumer_pool_size":  cfg.Pool.ConsumerPoolSize,
		"rpc_thread_pool":     cfg.Pool.RPCThreadPoolSize,
		"producer_pool_bound": cfg.Pool.ProducerPoolBound,
	}).Info("rpcserver started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, closing server")
	if err := srv.Close(); err != nil {
		logger.WithError(err).Error("error during shutdown")
	}
	logger.Info("rpcserver stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// noopHost is a placeholder host object with no RPC methods. Embedders of
// this binary replace it with their own method-bearing type; this command
// only demonstrates wiring the server together end-to-end.
type noopHost struct{}

// noopResolver recognizes no users, so every request falls back to the
// NODE principal rule or is rejected, until an embedder supplies a real
// auth.Resolver backed by their user-authentication service.
type noopResolver struct{}

func (noopResolver) Resolve(validatedName string) (auth.UserPrincipal, bool) {
	return auth.UserPrincipal{}, false
}
