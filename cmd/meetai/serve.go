package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"meetai/internal/channel"
	"meetai/internal/config"
	"meetai/internal/metrics"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		Long:  "Serves the provider webhook, health and metrics endpoints, and runs the reconciliation sweep when enabled. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(withWorker)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the post-processing worker in this process")
	return cmd
}

func runServe(withWorker bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Stream.APISecret == "" {
		logger.Warn("stream.apiSecret is empty, every webhook will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.startAlerts(ctx)

	var wg sync.WaitGroup
	if cfg.Reconcile.Enabled {
		rec := a.reconciler()
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Run(ctx, config.Seconds(cfg.Reconcile.IntervalSeconds))
		}()
		logger.Info("reconciliation enabled", "interval", config.Seconds(cfg.Reconcile.IntervalSeconds))
	}

	if withWorker {
		w, err := a.worker(ctx)
		if err != nil {
			return fmt.Errorf("worker: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.backend.Consume(ctx, w.Handle); err != nil {
				logger.Error("worker stopped", "err", err)
			}
		}()
	}

	checks := map[string]channel.Check{
		"store": a.store.Ping,
		"agent_service": func(ctx context.Context) error {
			_, err := a.agents.Health(ctx)
			return err
		},
		"dispatch": a.backend.Ping,
	}

	wcfg := channel.WebhookConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Path:         cfg.Server.WebhookPath,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Verifier:     a.stream,
		Handler:      a.orchestrator(),
		Checks:       checks,
		Bus:          a.bus,
		Logger:       logger,
	}
	if cfg.Server.DebugEvents {
		wcfg.Events = a.bus
		logger.Warn("debug event log exposed", "path", "/debug/events")
	}
	if cfg.Metrics.Enabled {
		wcfg.Metrics = metrics.Collector.Handler()
		wcfg.MetricsPath = cfg.Metrics.Endpoint
	}

	logger.Info("meetai starting", "version", version, "dispatch", cfg.Dispatch.Backend, "agent_service", cfg.AgentService.BaseURL)
	serveErr := channel.NewWebhook(wcfg).Start(ctx)

	// Start returns once ctx is cancelled or the listener fails.
	stop()
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		if serveErr == nil {
			serveErr = fmt.Errorf("shutdown timed out")
		}
	}
	return serveErr
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the post-processing worker",
		Long:  "Consumes post-processing jobs from the configured dispatch backend, archives transcripts and completes meetings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			a.startAlerts(ctx)

			w, err := a.worker(ctx)
			if err != nil {
				return fmt.Errorf("worker: %w", err)
			}
			logger.Info("worker started", "backend", cfg.Dispatch.Backend, "max_attempts", maxJobAttempts(cfg))
			err = a.backend.Consume(ctx, w.Handle)
			logger.Info("worker stopped")
			return err
		},
	}
}

const alertDrainTimeout = 30 * time.Second

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			alerts := a.newNotifier()

			rep, err := a.reconciler().RunOnce(ctx)

			// Alerts raised by the sweep go out before the process exits.
			dctx, cancel := context.WithTimeout(ctx, alertDrainTimeout)
			alerts.Drain(dctx)
			cancel()

			if err != nil {
				return err
			}
			return printJSON(rep)
		},
	}
}
