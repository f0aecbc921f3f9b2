package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/agentcore/commbus"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
	agentgrpc "github.com/jeeves-cluster-organization/agentcore/coreengine/grpc"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/observability"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cmd, cfg, root.configPath)
		},
	}
}

func serve(ctx context.Context, cmd *cobra.Command, cfg *config.ServerConfig, configPath string) error {
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	logger.Info("agentcore_starting", "version", Version, "grpc_address", cfg.GRPCAddress)

	if cfg.OTLPEndpoint != "" {
		shutdown, err := observability.InitTracer(cfg.ServiceName, Version, cfg.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("tracer_shutdown_failed", "error", err)
			}
		}()
	}

	router, bus, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	// Output events fan out to stream subscribers; only commands and
	// queries are guarded.
	bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(5, 30*time.Second,
		[]string{"ChannelOutput", "SessionFinished"}, logger))
	bus.Subscribe("SessionFinished", func(_ context.Context, msg commbus.Message) (any, error) {
		if done, ok := msg.(*commbus.SessionFinished); ok {
			logger.Info("session_finished",
				"trace_id", done.TraceID,
				"status", done.Status,
				"iterations", done.Iterations,
			)
		}
		return nil, nil
	})

	var watcher *configWatcher
	if cfg.WatchConfig && configPath != "" {
		if watcher, err = newConfigWatcher(configPath, router, logger); err != nil {
			return err
		}
	}

	stopCleanup := router.StartCleanupLoop(cfg.CleanupEvery())
	defer stopCleanup()

	server := agentgrpc.NewGracefulServer(
		agentgrpc.NewAgentServer(router, bus, logger),
		cfg.GRPCAddress,
		logger,
		agentgrpc.ServerOptions(logger, agentgrpc.NewLimiter(cfg.RateLimit, cfg.RateBurst))...,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, shutdownTimeout)
	})

	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics_server_started", "address", cfg.MetricsAddress)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return metricsServer.Shutdown(sctx)
		})
	}

	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("agentcore_stopped", "active_sessions", router.ActiveSessions())
	return err
}
