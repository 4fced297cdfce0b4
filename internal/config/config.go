package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Config is the root configuration for meetai.
type Config struct {
	General      GeneralConfig      `json:"general"`
	Server       ServerConfig       `json:"server"`
	Store        StoreConfig        `json:"store"`
	Stream       StreamConfig       `json:"stream"`
	AgentService AgentServiceConfig `json:"agentService"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Worker       WorkerConfig       `json:"worker"`
	Reconcile    ReconcileConfig    `json:"reconcile"`
	Alerts       AlertsConfig       `json:"alerts"`
	Metrics      MetricsConfig      `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat,omitempty"` // "text" | "json"
}

type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	WebhookPath  string `json:"webhookPath"`
	MaxBodyBytes int64  `json:"maxBodyBytes"`
	// DebugEvents exposes the in-memory lifecycle event log under /debug/.
	DebugEvents bool `json:"debugEvents,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

// StreamConfig holds the call provider credentials. APISecret is also the
// webhook signing secret.
type StreamConfig struct {
	APIKey         string `json:"apiKey"`
	APISecret      string `json:"apiSecret"`
	BaseURL        string `json:"baseUrl"`
	CallType       string `json:"callType"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type AgentServiceConfig struct {
	BaseURL        string `json:"baseUrl"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	Retries        int    `json:"retries"` // applies to leave/health only
}

type DispatchConfig struct {
	Backend        string       `json:"backend"` // "outbox" | "amqp"
	EventName      string       `json:"eventName"`
	TimeoutSeconds int          `json:"timeoutSeconds"`
	AMQP           AMQPConfig   `json:"amqp"`
	Outbox         OutboxConfig `json:"outbox"`
}

type AMQPConfig struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	Queue      string `json:"queue"`
	RoutingKey string `json:"routingKey"`
	Prefetch   int    `json:"prefetch"`
	MaxRetries int    `json:"maxRetries"`
}

type OutboxConfig struct {
	PollIntervalSeconds int `json:"pollIntervalSeconds"`
	BatchSize           int `json:"batchSize"`
	MaxAttempts         int `json:"maxAttempts"`
}

type WorkerConfig struct {
	FetchTimeoutSeconds int         `json:"fetchTimeoutSeconds"`
	MinIO               MinIOConfig `json:"minio"`
}

type MinIOConfig struct {
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
	Bucket    string `json:"bucket"`
	UseSSL    bool   `json:"useSSL"`
}

// Configured reports whether archival to MinIO is possible.
func (m MinIOConfig) Configured() bool {
	return m.Endpoint != "" && m.AccessKey != "" && m.SecretKey != ""
}

// ReconcileConfig configures the sweep over active meetings whose agent never joined.
type ReconcileConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalSeconds int  `json:"intervalSeconds"`
	GraceSeconds    int  `json:"graceSeconds"`
	MaxJoinAttempts int  `json:"maxJoinAttempts"`
	BatchSize       int  `json:"batchSize"`
}

type AlertsConfig struct {
	Telegram TelegramAlertConfig `json:"telegram"`
}

type TelegramAlertConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chatId,omitempty"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// Seconds converts a validated seconds field to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// DefaultConfigDir returns the default config directory (~/.meetai).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meetai"
	}
	return filepath.Join(home, ".meetai")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config file at path, expands ${VAR} references, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	ApplyEnv(cfg)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefaults behaves like Load but falls back to Defaults plus the
// environment when the file does not exist.
func LoadOrDefaults(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	cfg = Defaults()
	ApplyEnv(cfg)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	if err := Validate(cfg); err != nil {
		return nil, false, fmt.Errorf("config validation: %w", err)
	}
	return cfg, false, nil
}

// ApplyEnv overrides config values with well-known environment variables.
func ApplyEnv(cfg *Config) {
	setFromEnv(&cfg.AgentService.BaseURL, "AGENT_SERVICE_URL")
	setFromEnv(&cfg.Stream.APIKey, "STREAM_API_KEY")
	setFromEnv(&cfg.Stream.APISecret, "STREAM_API_SECRET")
	setFromEnv(&cfg.Dispatch.AMQP.URL, "RABBITMQ_URL")
	setFromEnv(&cfg.Worker.MinIO.Endpoint, "MINIO_ENDPOINT")
	setFromEnv(&cfg.Worker.MinIO.AccessKey, "MINIO_ACCESS_KEY")
	setFromEnv(&cfg.Worker.MinIO.SecretKey, "MINIO_SECRET_KEY")
	setFromEnv(&cfg.Alerts.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setFromEnv(&cfg.Store.DBPath, "MEETAI_DB_PATH")
	cfg.Worker.MinIO.Endpoint = ParseMinIOEndpoint(cfg.Worker.MinIO.Endpoint)
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.WebhookPath, "/") {
		errs = append(errs, "server.webhookPath must start with /")
	}
	if cfg.Server.MaxBodyBytes < 1024 {
		errs = append(errs, "server.maxBodyBytes must be >= 1024")
	}

	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}

	if cfg.Stream.BaseURL == "" {
		errs = append(errs, "stream.baseUrl is required")
	}
	if cfg.Stream.CallType == "" {
		errs = append(errs, "stream.callType is required")
	}
	if cfg.Stream.TimeoutSeconds < 1 {
		errs = append(errs, "stream.timeoutSeconds must be >= 1")
	}

	if cfg.AgentService.BaseURL == "" {
		errs = append(errs, "agentService.baseUrl is required")
	}
	if cfg.AgentService.TimeoutSeconds < 1 {
		errs = append(errs, "agentService.timeoutSeconds must be >= 1")
	}
	if cfg.AgentService.Retries < 0 || cfg.AgentService.Retries > 5 {
		errs = append(errs, "agentService.retries must be between 0 and 5")
	}

	switch cfg.Dispatch.Backend {
	case "outbox":
		if cfg.Dispatch.Outbox.PollIntervalSeconds < 1 {
			errs = append(errs, "dispatch.outbox.pollIntervalSeconds must be >= 1")
		}
		if cfg.Dispatch.Outbox.BatchSize < 1 {
			errs = append(errs, "dispatch.outbox.batchSize must be >= 1")
		}
		if cfg.Dispatch.Outbox.MaxAttempts < 1 {
			errs = append(errs, "dispatch.outbox.maxAttempts must be >= 1")
		}
	case "amqp":
		if cfg.Dispatch.AMQP.URL == "" {
			errs = append(errs, "dispatch.amqp.url is required for the amqp backend")
		}
		if cfg.Dispatch.AMQP.Exchange == "" || cfg.Dispatch.AMQP.Queue == "" {
			errs = append(errs, "dispatch.amqp.exchange and dispatch.amqp.queue are required")
		}
		if cfg.Dispatch.AMQP.MaxRetries < 0 {
			errs = append(errs, "dispatch.amqp.maxRetries must be >= 0")
		}
	default:
		errs = append(errs, "dispatch.backend must be one of: outbox, amqp")
	}
	if cfg.Dispatch.EventName == "" {
		errs = append(errs, "dispatch.eventName is required")
	}
	if cfg.Dispatch.TimeoutSeconds < 1 {
		errs = append(errs, "dispatch.timeoutSeconds must be >= 1")
	}

	if cfg.Worker.FetchTimeoutSeconds < 1 {
		errs = append(errs, "worker.fetchTimeoutSeconds must be >= 1")
	}

	if cfg.Reconcile.Enabled {
		if cfg.Reconcile.IntervalSeconds < 1 {
			errs = append(errs, "reconcile.intervalSeconds must be >= 1")
		}
		if cfg.Reconcile.MaxJoinAttempts < 1 {
			errs = append(errs, "reconcile.maxJoinAttempts must be >= 1")
		}
	}
	if cfg.Reconcile.GraceSeconds < 0 {
		errs = append(errs, "reconcile.graceSeconds must be >= 0")
	}

	if cfg.Alerts.Telegram.Enabled && (cfg.Alerts.Telegram.Token == "" || cfg.Alerts.Telegram.ChatID == 0) {
		errs = append(errs, "alerts.telegram requires token and chatId when enabled")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// ParseMinIOEndpoint strips a scheme and any path so the value is host:port.
func ParseMinIOEndpoint(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	if strings.Contains(endpoint, "${") {
		return ""
	}
	if i := strings.Index(endpoint, "/"); i >= 0 {
		endpoint = endpoint[:i]
	}
	return endpoint
}
