package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomluvoe/agentgw/internal/config"
	"github.com/tomluvoe/agentgw/internal/cron"
	"github.com/tomluvoe/agentgw/internal/service"
	"github.com/tomluvoe/agentgw/internal/web"
	"github.com/tomluvoe/agentgw/internal/webhooks"
)

const shutdownTimeout = 10 * time.Second

// buildServeCmd creates the "serve" command that starts the daemon.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentgw daemon",
		Long: `Start the agentgw daemon.

The daemon will:
1. Load configuration from the specified file (or agentgw.yaml)
2. Open the session and vector stores under the data directory
3. Load skills and register builtin tools
4. Start the webhook dispatcher and cron scheduler when enabled
5. Serve the HTTP API

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  agentgw serve

  # Start with custom config
  agentgw serve --config /etc/agentgw/production.yaml

  # Start with debug logging
  agentgw serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := loggerFromConfig(cfg, debug)

	svc, err := service.Bootstrap(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	pidFile := filepath.Join(cfg.Storage.DataDir, "agentgw.pid")
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("failed to write pid file", "path", pidFile, "error", err)
	} else {
		defer os.Remove(pidFile)
	}

	var dispatcher *webhooks.Dispatcher
	if cfg.Webhooks.Enabled {
		subs, err := webhooks.LoadSubscriptions(cfg.Storage.WebhooksFile)
		if err != nil {
			return fmt.Errorf("failed to load webhook subscriptions: %w", err)
		}
		dispatcher = webhooks.NewDispatcher(subs, webhooks.WithDispatchLogger(logger))
		dispatcher.Start()
		defer dispatcher.Stop()
		svc.SetEvents(dispatcher)
		logger.Info("webhook dispatcher started", "subscriptions", len(subs))
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var scheduler *cron.Scheduler
	if cfg.Scheduler.Enabled {
		specs, err := cron.LoadJobs(cfg.Storage.JobsFile)
		if err != nil {
			return fmt.Errorf("failed to load jobs: %w", err)
		}
		if err := os.MkdirAll(cfg.Storage.LogDir, 0o755); err != nil {
			return fmt.Errorf("failed to create log dir: %w", err)
		}
		runner := cron.RunnerFunc(func(ctx context.Context, skillName, message string) (string, error) {
			result, _, err := svc.Run(ctx, skillName, message, "")
			return result, err
		})
		scheduler, err = cron.NewScheduler(specs, runner, cfg.Storage.LogDir, cron.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to build scheduler: %w", err)
		}
		scheduler.Start(ctx)
		logger.Info("scheduler started", "jobs", len(scheduler.Jobs()))
	}

	if err := svc.Skills().Watch(); err != nil {
		logger.Warn("skill hot reload unavailable", "error", err)
	}

	server := web.NewServer(web.Options{
		Config:    cfg,
		Service:   svc,
		Scheduler: scheduler,
		Logger:    logger,
		Version:   version,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Warn("scheduler shutdown timed out", "error", err)
		}
	}
	return nil
}
