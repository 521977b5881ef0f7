package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	mmhttp "github.com/fyrsmithlabs/mathmentor/internal/http"
	"github.com/fyrsmithlabs/mathmentor/internal/knowledge"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API with health, metrics, solve, evaluate, knowledge,
review and memory endpoints.

The server shuts down gracefully on SIGINT or SIGTERM: in-flight requests
finish (bounded by server.shutdown_timeout), then the knowledge watcher,
solution memory and telemetry are closed in that order.

Examples:
  # Defaults (localhost:9090)
  mathmentor serve

  # Custom port, reloading the knowledge base on change
  MATHMENTOR_KNOWLEDGE_WATCH=true mathmentor serve --port 8080`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides server.http_port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, fullApp)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	port := a.cfg.Server.Port
	if servePort > 0 {
		port = servePort
	}

	var watcher *knowledge.Watcher
	if a.cfg.Knowledge.Watch {
		watcher, err = a.knowledge.Watch(ctx, a.cfg.Knowledge.Path, 0)
		if err != nil {
			a.logger.Warn(ctx, "knowledge watcher disabled", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := mmhttp.NewServer(mmhttp.Services{
		Runner:    a.runner,
		Evaluator: a.evaluator,
		Knowledge: a.knowledge,
		Memory:    a.memory,
		Gateway:   a.gateway,
	}, a.logger, &mmhttp.Config{Host: a.cfg.Server.Host, Port: port})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	a.logger.Info(ctx, "starting mathmentor",
		zap.String("version", version),
		zap.String("host", a.cfg.Server.Host),
		zap.Int("port", port),
		zap.Int("knowledge_chunks", a.knowledge.Count()),
		zap.Bool("knowledge_watch", watcher != nil),
		zap.Duration("shutdown_timeout", a.cfg.Server.ShutdownTimeout.Duration()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil {
		a.logger.Warn(ctx, "server stopped with error", zap.Error(err))
	}
	a.logger.Info(ctx, "server shutdown complete")
	return nil
}
