// Package config defines the top-level configuration for the order engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by ORDERPILOT_* environment
// variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Queue    QueueConfig    `toml:"queue"`
	Executor ExecutorConfig `toml:"executor"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Feed     FeedConfig     `toml:"feed"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds the order-manager tick loop and admission parameters.
type EngineConfig struct {
	TickInterval       duration `toml:"tick_interval"`
	MaxConcurrentExecs int      `toml:"max_concurrent_execs"`
	MaxExecsPerUser    int      `toml:"max_execs_per_user"`
	MaxExecRetries     int      `toml:"max_exec_retries"`
	EvalParallelism    int      `toml:"eval_parallelism"`
	AdmitPerTick       int      `toml:"admit_per_tick"`
	MinRiskScore       float64  `toml:"min_risk_score"`
	AutotradeUserID    string   `toml:"autotrade_user_id"`
	AutotradeStopPct   float64  `toml:"autotrade_stop_pct"`
	AutotradeTargetPct float64  `toml:"autotrade_target_pct"`
	DefaultMaxSlippage float64  `toml:"default_max_slippage"`

	// AdmitRateLimit caps opportunity admissions per token within
	// AdmitRateWindow. Zero disables the throttle.
	AdmitRateLimit  int      `toml:"admit_rate_limit"`
	AdmitRateWindow duration `toml:"admit_rate_window"`
}

// QueueConfig holds the opportunity queue parameters.
type QueueConfig struct {
	MaxSize            int    `toml:"max_size"`
	Strategy           string `toml:"strategy"`            // "priority" or "fifo"
	ConflictResolution string `toml:"conflict_resolution"` // "reject" or "replace_lower"
}

// ExecutorConfig holds execution worker-pool parameters.
type ExecutorConfig struct {
	Workers     int      `toml:"workers"`
	CallTimeout duration `toml:"call_timeout"`
	LockTTL     duration `toml:"lock_ttl"`
	// PaperFee is the simulated fee fraction charged by the paper adapter.
	PaperFee float64 `toml:"paper_fee"`
	// RelayURL is the execution relay endpoint used in live mode. The relay
	// holds the signing keys and performs the actual on-chain swap.
	RelayURL    string `toml:"relay_url"`
	RelayAPIKey string `toml:"relay_api_key"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds the cold-storage archival schedule.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// FeedConfig holds market data feed parameters.
type FeedConfig struct {
	WSURL string   `toml:"ws_url"`
	Pairs []string `toml:"pairs"`
	// MaxSnapshotAge rejects cached snapshots older than this. Zero disables
	// the staleness check.
	MaxSnapshotAge duration `toml:"max_snapshot_age"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string `toml:"telegram_token"`
	TelegramChatID    string `toml:"telegram_chat_id"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`
}

// duration wraps time.Duration with TOML string decoding ("5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			TickInterval:       duration{2 * time.Second},
			MaxConcurrentExecs: 8,
			MaxExecsPerUser:    2,
			MaxExecRetries:     3,
			EvalParallelism:    4,
			AdmitPerTick:       4,
			MinRiskScore:       0.5,
			AutotradeUserID:    "autotrade",
			AutotradeStopPct:   0.05,
			AutotradeTargetPct: 0.10,
			DefaultMaxSlippage: 0.01,
			AdmitRateLimit:     10,
			AdmitRateWindow:    duration{time.Minute},
		},
		Queue: QueueConfig{
			MaxSize:            256,
			Strategy:           "priority",
			ConflictResolution: "reject",
		},
		Executor: ExecutorConfig{
			Workers:     4,
			CallTimeout: duration{30 * time.Second},
			LockTTL:     duration{time.Minute},
			PaperFee:    0.003,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "orderpilot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "orderpilot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 90,
		},
		Feed: FeedConfig{
			MaxSnapshotAge: duration{2 * time.Minute},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"paper": true,
	"live":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: paper, live)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.TickInterval.Duration <= 0 {
		errs = append(errs, "engine: tick_interval must be > 0")
	}
	if c.Engine.MaxConcurrentExecs < 1 {
		errs = append(errs, "engine: max_concurrent_execs must be >= 1")
	}
	if c.Engine.MaxExecsPerUser < 1 {
		errs = append(errs, "engine: max_execs_per_user must be >= 1")
	}
	if c.Engine.MaxExecsPerUser > c.Engine.MaxConcurrentExecs {
		errs = append(errs, "engine: max_execs_per_user must not exceed max_concurrent_execs")
	}
	if c.Engine.MaxExecRetries < 1 {
		errs = append(errs, "engine: max_exec_retries must be >= 1")
	}
	if c.Engine.MinRiskScore < 0 || c.Engine.MinRiskScore > 1 {
		errs = append(errs, "engine: min_risk_score must be within [0, 1]")
	}
	if c.Engine.DefaultMaxSlippage < 0 || c.Engine.DefaultMaxSlippage > 1 {
		errs = append(errs, "engine: default_max_slippage must be within [0, 1]")
	}

	// Queue
	if c.Queue.MaxSize < 1 {
		errs = append(errs, "queue: max_size must be >= 1")
	}
	switch c.Queue.Strategy {
	case "priority", "fifo":
	default:
		errs = append(errs, fmt.Sprintf("queue: unknown strategy %q (valid: priority, fifo)", c.Queue.Strategy))
	}
	switch c.Queue.ConflictResolution {
	case "reject", "replace_lower":
	default:
		errs = append(errs, fmt.Sprintf("queue: unknown conflict_resolution %q (valid: reject, replace_lower)", c.Queue.ConflictResolution))
	}

	// Executor
	if c.Executor.Workers < 1 {
		errs = append(errs, "executor: workers must be >= 1")
	}
	if c.Executor.CallTimeout.Duration <= 0 {
		errs = append(errs, "executor: call_timeout must be > 0")
	}
	if strings.ToLower(c.Mode) == "live" && c.Executor.RelayURL == "" {
		errs = append(errs, "executor: relay_url is required in live mode")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only required when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Feed
	if c.Feed.WSURL == "" {
		errs = append(errs, "feed: ws_url must not be empty")
	}

	// Notify: telegram credentials come in pairs.
	tt := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tt != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must both be set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
