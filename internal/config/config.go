// Package config loads and validates audit service configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Storage      StorageConfig      `mapstructure:"storage"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Progress     ProgressConfig     `mapstructure:"progress"`
	Crawl        CrawlConfig        `mapstructure:"crawl"`
	Analyze      AnalyzeConfig      `mapstructure:"analyze"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	Audience string        `mapstructure:"audience"`
	Leeway   time.Duration `mapstructure:"leeway"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// QueueConfig selects the work queue backend and its delivery behaviour.
type QueueConfig struct {
	// Backend is "redis" or "memory".
	Backend       string        `mapstructure:"backend"`
	Visibility    time.Duration `mapstructure:"visibility"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MaxDeliveries int           `mapstructure:"max_deliveries"`
	// StatsInterval is how often queue depth is sampled; zero disables sampling.
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// RedisConfig holds broker connection parameters.
type RedisConfig struct {
	Addr            string        `mapstructure:"addr"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	Prefix          string        `mapstructure:"prefix"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PoolSize        int           `mapstructure:"pool_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ConnectBackoff  time.Duration `mapstructure:"connect_backoff"`
}

// OrchestratorConfig tunes stage retries.
type OrchestratorConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	ConflictRetries int           `mapstructure:"conflict_retries"`
}

// WorkerConfig governs the worker pool.
type WorkerConfig struct {
	Count              int           `mapstructure:"count"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	CancelPollInterval time.Duration `mapstructure:"cancel_poll_interval"`
	StageTimeout       time.Duration `mapstructure:"stage_timeout"`
	ErrorBackoff       time.Duration `mapstructure:"error_backoff"`
}

// DatabaseConfig controls access to the status store. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig sets where stage results are archived.
type StorageConfig struct {
	// Backend is "gcs", "local", "memory" or "none".
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for lifecycle notifications. An empty project
// keeps notifications in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	Ordered   bool   `mapstructure:"ordered"`
}

// ProgressConfig buffers lifecycle events on their way to sinks.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// CrawlConfig configures the crawl stage and its politeness.
type CrawlConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxDepth       int           `mapstructure:"max_depth"`
	MaxPages       int           `mapstructure:"max_pages"`
	RetryAfter     time.Duration `mapstructure:"retry_after"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	BlockedHosts   []string      `mapstructure:"blocked_hosts"`
	// PerHost is a list rather than a map because viper splits keys on dots.
	PerHost []HostRate `mapstructure:"per_host"`
}

// HostRate overrides the crawl rate for one host.
type HostRate struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// PerHostRPS indexes PerHost by lower-cased host.
func (c CrawlConfig) PerHostRPS() map[string]float64 {
	if len(c.PerHost) == 0 {
		return nil
	}
	out := make(map[string]float64, len(c.PerHost))
	for _, hr := range c.PerHost {
		out[strings.ToLower(strings.TrimSpace(hr.Host))] = hr.RPS
	}
	return out
}

// AnalyzeConfig selects the analyzer. An empty endpoint uses the built-in
// summary.
type AnalyzeConfig struct {
	Endpoint         string        `mapstructure:"endpoint"`
	Token            string        `mapstructure:"token"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
}

// TelemetryConfig controls tracing. An empty project keeps spans in process.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if raw := strings.TrimSpace(os.Getenv("PORT")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.leeway", "30s")
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.visibility", "30s")
	v.SetDefault("queue.poll_interval", "250ms")
	v.SetDefault("queue.max_deliveries", 5)
	v.SetDefault("queue.stats_interval", "15s")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "audit")
	v.SetDefault("redis.pool_size", 0)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.max_retries", 1)
	v.SetDefault("redis.connect_attempts", 5)
	v.SetDefault("redis.connect_backoff", "500ms")
	v.SetDefault("orchestrator.max_attempts", 3)
	v.SetDefault("orchestrator.backoff_base", "5s")
	v.SetDefault("orchestrator.backoff_max", "5m")
	v.SetDefault("orchestrator.conflict_retries", 3)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.heartbeat_interval", "0s")
	v.SetDefault("worker.cancel_poll_interval", "500ms")
	v.SetDefault("worker.stage_timeout", "15m")
	v.SetDefault("worker.error_backoff", "1s")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "audit_units")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.prefix", "results")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "audit-lifecycle")
	v.SetDefault("pubsub.ordered", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("crawl.user_agent", "site-audit/1.0")
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("crawl.request_timeout", "15s")
	v.SetDefault("crawl.max_depth", 2)
	v.SetDefault("crawl.max_pages", 50)
	v.SetDefault("crawl.retry_after", "5s")
	v.SetDefault("crawl.rate_limit_rps", 2.0)
	v.SetDefault("crawl.rate_limit_burst", 2)
	v.SetDefault("crawl.blocked_hosts", []string{})
	v.SetDefault("analyze.endpoint", "")
	v.SetDefault("analyze.token", "")
	v.SetDefault("analyze.timeout", "2m")
	v.SetDefault("analyze.max_response_bytes", 8<<20)
	v.SetDefault("telemetry.service_name", "site-audit")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("auth.secret must be set when auth is enabled")
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return fmt.Errorf("redis.addr must be set when queue.backend is redis")
		}
	default:
		return fmt.Errorf("queue.backend must be redis or memory, got %q", c.Queue.Backend)
	}
	if c.Queue.Visibility <= 0 {
		return fmt.Errorf("queue.visibility must be > 0")
	}
	if c.Worker.HeartbeatInterval > 0 && c.Worker.HeartbeatInterval >= c.Queue.Visibility {
		return fmt.Errorf("worker.heartbeat_interval must be shorter than queue.visibility")
	}
	if c.Worker.Count < 0 {
		return fmt.Errorf("worker.count must be >= 0")
	}
	if c.Orchestrator.MaxAttempts <= 0 {
		return fmt.Errorf("orchestrator.max_attempts must be > 0")
	}
	if c.Orchestrator.BackoffMax > 0 && c.Orchestrator.BackoffMax < c.Orchestrator.BackoffBase {
		return fmt.Errorf("orchestrator.backoff_max must be >= orchestrator.backoff_base")
	}
	switch c.Storage.Backend {
	case "memory", "none":
	case "gcs":
		if strings.TrimSpace(c.Storage.GCSBucket) == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	case "local":
		if strings.TrimSpace(c.Storage.LocalDir) == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.backend is local")
		}
	default:
		return fmt.Errorf("storage.backend must be gcs, local, memory or none, got %q", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && strings.TrimSpace(c.PubSub.TopicName) == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	if c.Crawl.MaxDepth < 0 || c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0 and crawl.max_pages > 0")
	}
	return nil
}

// HeartbeatInterval is the configured heartbeat or a third of the queue
// visibility.
func (c Config) HeartbeatInterval() time.Duration {
	if c.Worker.HeartbeatInterval > 0 {
		return c.Worker.HeartbeatInterval
	}
	return c.Queue.Visibility / 3
}
