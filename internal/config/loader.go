package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ORDERPILOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ORDERPILOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setDuration(&cfg.Engine.TickInterval, "ORDERPILOT_ENGINE_TICK_INTERVAL")
	setInt(&cfg.Engine.MaxConcurrentExecs, "ORDERPILOT_ENGINE_MAX_CONCURRENT_EXECS")
	setInt(&cfg.Engine.MaxExecsPerUser, "ORDERPILOT_ENGINE_MAX_EXECS_PER_USER")
	setInt(&cfg.Engine.MaxExecRetries, "ORDERPILOT_ENGINE_MAX_EXEC_RETRIES")
	setInt(&cfg.Engine.EvalParallelism, "ORDERPILOT_ENGINE_EVAL_PARALLELISM")
	setInt(&cfg.Engine.AdmitPerTick, "ORDERPILOT_ENGINE_ADMIT_PER_TICK")
	setFloat64(&cfg.Engine.MinRiskScore, "ORDERPILOT_ENGINE_MIN_RISK_SCORE")
	setStr(&cfg.Engine.AutotradeUserID, "ORDERPILOT_ENGINE_AUTOTRADE_USER_ID")
	setFloat64(&cfg.Engine.AutotradeStopPct, "ORDERPILOT_ENGINE_AUTOTRADE_STOP_PCT")
	setFloat64(&cfg.Engine.AutotradeTargetPct, "ORDERPILOT_ENGINE_AUTOTRADE_TARGET_PCT")
	setFloat64(&cfg.Engine.DefaultMaxSlippage, "ORDERPILOT_ENGINE_DEFAULT_MAX_SLIPPAGE")
	setInt(&cfg.Engine.AdmitRateLimit, "ORDERPILOT_ENGINE_ADMIT_RATE_LIMIT")
	setDuration(&cfg.Engine.AdmitRateWindow, "ORDERPILOT_ENGINE_ADMIT_RATE_WINDOW")

	// ── Queue ──
	setInt(&cfg.Queue.MaxSize, "ORDERPILOT_QUEUE_MAX_SIZE")
	setStr(&cfg.Queue.Strategy, "ORDERPILOT_QUEUE_STRATEGY")
	setStr(&cfg.Queue.ConflictResolution, "ORDERPILOT_QUEUE_CONFLICT_RESOLUTION")

	// ── Executor ──
	setInt(&cfg.Executor.Workers, "ORDERPILOT_EXECUTOR_WORKERS")
	setDuration(&cfg.Executor.CallTimeout, "ORDERPILOT_EXECUTOR_CALL_TIMEOUT")
	setDuration(&cfg.Executor.LockTTL, "ORDERPILOT_EXECUTOR_LOCK_TTL")
	setFloat64(&cfg.Executor.PaperFee, "ORDERPILOT_EXECUTOR_PAPER_FEE")
	setStr(&cfg.Executor.RelayURL, "ORDERPILOT_EXECUTOR_RELAY_URL")
	setStr(&cfg.Executor.RelayAPIKey, "ORDERPILOT_EXECUTOR_RELAY_API_KEY")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ORDERPILOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ORDERPILOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ORDERPILOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ORDERPILOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ORDERPILOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ORDERPILOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ORDERPILOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ORDERPILOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ORDERPILOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ORDERPILOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ORDERPILOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORDERPILOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORDERPILOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORDERPILOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ORDERPILOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ORDERPILOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ORDERPILOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ORDERPILOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "ORDERPILOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ORDERPILOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ORDERPILOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ORDERPILOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ORDERPILOT_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ORDERPILOT_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "ORDERPILOT_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "ORDERPILOT_ARCHIVE_RETENTION_DAYS")

	// ── Feed ──
	setStr(&cfg.Feed.WSURL, "ORDERPILOT_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Pairs, "ORDERPILOT_FEED_PAIRS")
	setDuration(&cfg.Feed.MaxSnapshotAge, "ORDERPILOT_FEED_MAX_SNAPSHOT_AGE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ORDERPILOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ORDERPILOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ORDERPILOT_NOTIFY_DISCORD_WEBHOOK_URL")

	// ── Top-level ──
	setStr(&cfg.Mode, "ORDERPILOT_MODE")
	setStr(&cfg.LogLevel, "ORDERPILOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
