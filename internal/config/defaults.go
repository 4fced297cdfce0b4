package config

import "meetai/internal/domain"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         3000,
			WebhookPath:  "/api/webhook",
			MaxBodyBytes: 1 << 20,
		},
		Store: StoreConfig{
			DBPath: "~/.meetai/meetai.db",
		},
		Stream: StreamConfig{
			BaseURL:        "https://video.stream-io-api.com",
			CallType:       "default",
			TimeoutSeconds: 10,
		},
		AgentService: AgentServiceConfig{
			BaseURL:        "http://localhost:8000",
			TimeoutSeconds: 10,
			Retries:        2,
		},
		Dispatch: DispatchConfig{
			Backend:        "outbox",
			EventName:      domain.ProcessingEvent,
			TimeoutSeconds: 5,
			AMQP: AMQPConfig{
				Exchange:   "meetai.meetings",
				Queue:      "meetai-processing",
				RoutingKey: "meetings.processing",
				Prefetch:   1,
				MaxRetries: 3,
			},
			Outbox: OutboxConfig{
				PollIntervalSeconds: 2,
				BatchSize:           10,
				MaxAttempts:         5,
			},
		},
		Worker: WorkerConfig{
			FetchTimeoutSeconds: 30,
			MinIO: MinIOConfig{
				Bucket: "meetai-artifacts",
			},
		},
		Reconcile: ReconcileConfig{
			Enabled:         true,
			IntervalSeconds: 60,
			GraceSeconds:    30,
			MaxJoinAttempts: 3,
			BatchSize:       20,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
