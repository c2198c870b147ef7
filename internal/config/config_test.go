package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Feed.WSURL = "wss://stats.example.com/ws"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate once feed is set: %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "backtest"
	cfg.Engine.TickInterval = duration{0}
	cfg.Queue.Strategy = "lifo"
	cfg.Redis.Addr = ""
	// Feed.WSURL left empty on purpose.

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "backtest"`,
		"tick_interval must be > 0",
		`unknown strategy "lifo"`,
		"redis: addr must not be empty",
		"feed: ws_url must not be empty",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestValidateLiveModeRequiresRelay(t *testing.T) {
	cfg := Defaults()
	cfg.Feed.WSURL = "wss://stats.example.com/ws"
	cfg.Mode = "live"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "relay_url is required in live mode") {
		t.Fatalf("err = %v, want relay_url requirement", err)
	}

	cfg.Executor.RelayURL = "https://relay.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("live config with relay should validate: %v", err)
	}
}

func TestValidateArchiveRequiresS3(t *testing.T) {
	cfg := Defaults()
	cfg.Feed.WSURL = "wss://stats.example.com/ws"
	cfg.Archive.Enabled = true
	cfg.S3.Bucket = ""

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "s3: bucket must not be empty") {
		t.Fatalf("err = %v, want s3 bucket requirement", err)
	}
}

func TestValidateTelegramCredentialsPaired(t *testing.T) {
	cfg := Defaults()
	cfg.Feed.WSURL = "wss://stats.example.com/ws"
	cfg.Notify.TelegramToken = "token"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "telegram_token and telegram_chat_id") {
		t.Fatalf("err = %v, want telegram pairing error", err)
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "live"
log_level = "debug"

[engine]
tick_interval = "500ms"
max_concurrent_execs = 16

[executor]
relay_url = "https://relay.example.com"

[feed]
ws_url = "wss://stats.example.com/ws"
pairs = ["0xaaa", "0xbbb"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ORDERPILOT_POSTGRES_PASSWORD", "env-secret")
	t.Setenv("ORDERPILOT_ENGINE_MAX_CONCURRENT_EXECS", "32")
	t.Setenv("ORDERPILOT_FEED_PAIRS", "0xccc, 0xddd")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Mode != "live" {
		t.Errorf("mode = %q, want live", cfg.Mode)
	}
	if cfg.Engine.TickInterval.Duration != 500*time.Millisecond {
		t.Errorf("tick_interval = %v, want 500ms", cfg.Engine.TickInterval.Duration)
	}
	// Env wins over file.
	if cfg.Engine.MaxConcurrentExecs != 32 {
		t.Errorf("max_concurrent_execs = %d, want 32 (env override)", cfg.Engine.MaxConcurrentExecs)
	}
	if cfg.Postgres.Password != "env-secret" {
		t.Errorf("postgres password = %q, want env-secret", cfg.Postgres.Password)
	}
	if len(cfg.Feed.Pairs) != 2 || cfg.Feed.Pairs[0] != "0xccc" || cfg.Feed.Pairs[1] != "0xddd" {
		t.Errorf("feed pairs = %v, want [0xccc 0xddd]", cfg.Feed.Pairs)
	}
	// Untouched fields keep defaults.
	if cfg.Queue.MaxSize != 256 {
		t.Errorf("queue max_size = %d, want default 256", cfg.Queue.MaxSize)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Executor.RelayAPIKey = "relay-secret"
	cfg.Notify.TelegramToken = "tg-secret"
	cfg.Feed.Pairs = []string{"0xaaa"}

	red := RedactedConfig(&cfg)

	for name, got := range map[string]string{
		"postgres password": red.Postgres.Password,
		"redis password":    red.Redis.Password,
		"s3 secret key":     red.S3.SecretKey,
		"relay api key":     red.Executor.RelayAPIKey,
		"telegram token":    red.Notify.TelegramToken,
	} {
		if got != "***" {
			t.Errorf("%s = %q, want redacted", name, got)
		}
	}

	// Empty secrets stay empty rather than leaking that redaction ran.
	if red.S3.AccessKey != "" {
		t.Errorf("empty access key redacted to %q", red.S3.AccessKey)
	}

	// Original untouched, slice copied.
	if cfg.Postgres.Password != "pg-secret" {
		t.Error("original config mutated")
	}
	red.Feed.Pairs[0] = "mutated"
	if cfg.Feed.Pairs[0] != "0xaaa" {
		t.Error("redacted copy shares pairs slice with original")
	}
}
