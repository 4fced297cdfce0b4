package main

import (
	"context"
	"fmt"

	"meetai/internal/alert"
	"meetai/internal/bus"
	"meetai/internal/config"
	"meetai/internal/dispatch"
	"meetai/internal/lifecycle"
	"meetai/internal/postprocess"
	"meetai/internal/provider"
	"meetai/internal/store"
)

// app holds the long-lived components shared by serve, worker and the
// admin commands. Constructing it performs no network I/O.
type app struct {
	cfg     *config.Config
	store   *store.SQLiteStore
	bus     *bus.EventBus
	stream  *provider.Stream
	agents  *provider.AgentService
	backend dispatch.Backend
}

func newApp(cfg *config.Config) (*app, error) {
	st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	a := &app{
		cfg:   cfg,
		store: st,
		bus:   bus.NewEventBus(logger),
		stream: provider.NewStream(provider.StreamConfig{
			APIKey:    cfg.Stream.APIKey,
			APISecret: cfg.Stream.APISecret,
			BaseURL:   cfg.Stream.BaseURL,
			Timeout:   config.Seconds(cfg.Stream.TimeoutSeconds),
			Retries:   2,
			Logger:    logger,
		}),
		agents: provider.NewAgentService(provider.AgentServiceConfig{
			BaseURL: cfg.AgentService.BaseURL,
			Timeout: config.Seconds(cfg.AgentService.TimeoutSeconds),
			Retries: cfg.AgentService.Retries,
			Logger:  logger,
		}),
	}
	a.backend = newBackend(cfg, st)
	return a, nil
}

func newBackend(cfg *config.Config, st *store.SQLiteStore) dispatch.Backend {
	if cfg.Dispatch.Backend == "amqp" {
		c := cfg.Dispatch.AMQP
		return dispatch.NewAMQP(dispatch.AMQPConfig{
			URL:            c.URL,
			Exchange:       c.Exchange,
			Queue:          c.Queue,
			RoutingKey:     c.RoutingKey,
			Prefetch:       c.Prefetch,
			MaxRetries:     c.MaxRetries,
			ConnectionName: "meetai-" + version,
			Logger:         logger,
		})
	}
	c := cfg.Dispatch.Outbox
	return dispatch.NewOutbox(st, dispatch.OutboxConfig{
		PollInterval: config.Seconds(c.PollIntervalSeconds),
		BatchSize:    c.BatchSize,
		MaxAttempts:  c.MaxAttempts,
		Logger:       logger,
	})
}

// maxJobAttempts is the attempt number after which the backend gives up.
func maxJobAttempts(cfg *config.Config) int {
	if cfg.Dispatch.Backend == "amqp" {
		return cfg.Dispatch.AMQP.MaxRetries + 1
	}
	return cfg.Dispatch.Outbox.MaxAttempts
}

func (a *app) Close() {
	if err := a.backend.Close(); err != nil {
		logger.Warn("dispatch close", "err", err)
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("store close", "err", err)
	}
}

func (a *app) orchestrator() *lifecycle.Orchestrator {
	return lifecycle.New(lifecycle.Config{
		Meetings:        a.store,
		Agents:          a.store,
		AgentControl:    a.agents,
		CallControl:     a.stream,
		Dispatcher:      a.backend,
		Bus:             a.bus,
		Logger:          logger,
		CallType:        a.cfg.Stream.CallType,
		EventName:       a.cfg.Dispatch.EventName,
		AgentTimeout:    config.Seconds(a.cfg.AgentService.TimeoutSeconds),
		CallTimeout:     config.Seconds(a.cfg.Stream.TimeoutSeconds),
		DispatchTimeout: config.Seconds(a.cfg.Dispatch.TimeoutSeconds),
	})
}

func (a *app) reconciler() *lifecycle.Reconciler {
	rc := a.cfg.Reconcile
	return lifecycle.NewReconciler(lifecycle.ReconcilerConfig{
		Meetings:     a.store,
		Agents:       a.store,
		AgentControl: a.agents,
		ActiveCalls:  a.agents,
		Bus:          a.bus,
		Logger:       logger,
		Grace:        config.Seconds(rc.GraceSeconds),
		MaxAttempts:  rc.MaxJoinAttempts,
		BatchSize:    rc.BatchSize,
		CallType:     a.cfg.Stream.CallType,
		AgentTimeout: config.Seconds(a.cfg.AgentService.TimeoutSeconds),
	})
}

// newNotifier subscribes an alert notifier to the bus. Without Telegram the
// alerts are only logged.
func (a *app) newNotifier() *alert.Notifier {
	tg := a.cfg.Alerts.Telegram
	var n *alert.Notifier
	if tg.Enabled {
		var err error
		n, err = alert.NewTelegram(tg.Token, tg.ChatID, logger)
		if err != nil {
			logger.Warn("telegram alerts unavailable, logging instead", "err", err)
		}
	}
	if n == nil {
		n = alert.NewNotifier(nil, 0, logger)
	}
	n.Subscribe(a.bus)
	return n
}

// startAlerts delivers alerts in the background until ctx is done.
func (a *app) startAlerts(ctx context.Context) {
	go a.newNotifier().Run(ctx)
}

func (a *app) worker(ctx context.Context) (*postprocess.Worker, error) {
	wc := a.cfg.Worker
	var archiver postprocess.Archiver
	if wc.MinIO.Configured() {
		arch, err := postprocess.NewMinIOArchiver(postprocess.MinIOConfig{
			Endpoint:  wc.MinIO.Endpoint,
			AccessKey: wc.MinIO.AccessKey,
			SecretKey: wc.MinIO.SecretKey,
			Bucket:    wc.MinIO.Bucket,
			UseSSL:    wc.MinIO.UseSSL,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		if err := arch.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		archiver = arch
		logger.Info("transcript archival enabled", "endpoint", wc.MinIO.Endpoint, "bucket", wc.MinIO.Bucket)
	} else {
		logger.Info("minio not configured, transcripts will not be archived")
	}
	return postprocess.NewWorker(postprocess.WorkerConfig{
		Meetings:     a.store,
		Archiver:     archiver,
		HTTPClient:   provider.SharedHTTPClient(config.Seconds(wc.FetchTimeoutSeconds)),
		FetchTimeout: config.Seconds(wc.FetchTimeoutSeconds),
		MaxAttempts:  maxJobAttempts(a.cfg),
		Bus:          a.bus,
		Logger:       logger,
	}), nil
}
