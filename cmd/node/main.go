// Package main implements the hive node service: one member of a
// decentralized task scheduling cluster.
//
// Every node runs the same components:
//   - Membership: heartbeats, failure detection, join voting and leave
//   - Consensus: leader election and the replicated scheduling log
//   - Scheduler: placement on the leader, execution and validation everywhere
//   - Trust: per-node reputation that gates placement and validation
//
// There is no coordinator. Clients may send requests to any node; writes are
// forwarded to the elected leader.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                 Node                    │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /api/tasks        - Submit, list     │
//	│    /api/tasks/{id}   - Inspect, cancel  │
//	│    /api/state        - Scheduler state  │
//	│    /api/members      - Membership view  │
//	│    /api/join, leave  - Membership ops   │
//	│    /api/validations  - BFT votes        │
//	│    /api/nodes/{id}   - Trust, blacklist │
//	│    /rpc/{kind}       - Peer messages    │
//	│    /health, /metrics - Operations       │
//	└─────────────────────────────────────────┘
//
// Configuration is read from the YAML file named by HIVE_CONFIG (optional)
// and then overridden by HIVE_* environment variables; see internal/config.
//
// Example usage:
//
//	# Start a three node cluster
//	HIVE_NODE_ID=n1 HIVE_LISTEN=:8081 HIVE_BOOTSTRAP=true \
//	HIVE_PEERS=n1=http://localhost:8081,n2=http://localhost:8082,n3=http://localhost:8083 \
//	./node
//
//	# Add a fourth node through any member
//	HIVE_NODE_ID=n4 HIVE_LISTEN=:8084 HIVE_SEEDS=http://localhost:8081 ./node
//
//	# Submit work
//	curl -X POST localhost:8082/api/tasks \
//	  -d '{"type":"compute","priority":5,"payload":"aGVsbG8="}'
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/hive/internal/config"
	"github.com/dreamware/hive/internal/logging"
	"github.com/dreamware/hive/internal/node"
)

const (
	// shutdownTimeout bounds how long in-flight HTTP requests may take to
	// finish once shutdown starts.
	shutdownTimeout = 5 * time.Second

	// leaveDrain is how long the node keeps serving after announcing its
	// departure, so the leave gossip reaches peers before the node goes
	// silent and is suspected instead.
	leaveDrain = time.Second
)

func main() {
	cfg, err := config.Load(getenv("HIVE_CONFIG", ""))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ln, err := net.Listen("tcp", cfg.Node.Listen)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", cfg.Node.Listen), zap.Error(err))
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, ln, logger); err != nil {
		logger.Fatal("node failed", zap.Error(err))
	}
	logger.Info("node stopped")
}

// run serves the node on ln until ctx is cancelled, then leaves the cluster
// and shuts down.
//
// Shutdown sequence:
//  1. Announce the leave so peers stop scheduling work here
//  2. Keep serving for leaveDrain so the announcement propagates
//  3. Stop consensus, membership and the scheduler
//  4. Drain HTTP requests for up to shutdownTimeout
//
// If the node or the HTTP server fails first, the remaining steps after 1
// still run and the first error is returned.
func run(ctx context.Context, cfg config.Config, ln net.Listener, logger *zap.Logger, opts ...node.Option) error {
	n, err := node.New(cfg, append([]node.Option{node.WithLogger(logger)}, opts...)...)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Warn("close node", zap.Error(err))
		}
	}()

	// Configure HTTP server with security timeouts
	srv := &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 5 * time.Second, // Prevent slowloris attacks
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		logger.Info("listening",
			zap.String("node", cfg.Node.ID),
			zap.String("listen", ln.Addr().String()),
			zap.String("advertise", cfg.AdvertiseAddr()))
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return n.Run(gctx) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
			logger.Info("leaving cluster", zap.String("node", cfg.Node.ID))
			if err := n.Leave(); err != nil {
				logger.Warn("leave", zap.Error(err))
			}
			select {
			case <-time.After(leaveDrain):
			case <-gctx.Done():
			}
		case <-gctx.Done():
		}
		cancelRun()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// getenv retrieves an environment variable with a fallback default value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
