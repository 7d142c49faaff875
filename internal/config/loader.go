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
// built-in defaults, applies ALLOCBOT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known ALLOCBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ALLOCBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ALLOCBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ALLOCBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ALLOCBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ALLOCBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ALLOCBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ALLOCBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ALLOCBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ALLOCBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ALLOCBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ALLOCBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ALLOCBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ALLOCBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ALLOCBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ALLOCBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ALLOCBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ALLOCBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ALLOCBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ALLOCBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ALLOCBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ALLOCBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "ALLOCBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ALLOCBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ALLOCBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ALLOCBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ALLOCBOT_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ALLOCBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ALLOCBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ALLOCBOT_SERVER_CORS_ORIGINS")
	setStringSlice(&cfg.Server.APIKeys, "ALLOCBOT_SERVER_API_KEYS")
	setInt(&cfg.Server.RateLimit, "ALLOCBOT_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ALLOCBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ALLOCBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ALLOCBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ALLOCBOT_NOTIFY_EVENTS")

	// ── Venue ──
	setStr(&cfg.Venue.Kind, "ALLOCBOT_VENUE_KIND")
	setStr(&cfg.Venue.BaseURL, "ALLOCBOT_VENUE_BASE_URL")
	setStr(&cfg.Venue.APIKey, "ALLOCBOT_VENUE_API_KEY")
	setStr(&cfg.Venue.APISecret, "ALLOCBOT_VENUE_API_SECRET")
	setStr(&cfg.Venue.APIPassphrase, "ALLOCBOT_VENUE_API_PASSPHRASE")
	setStr(&cfg.Venue.SecretPath, "ALLOCBOT_VENUE_SECRET_PATH")
	setStr(&cfg.Venue.SecretPass, "ALLOCBOT_VENUE_SECRET_PASSWORD")
	setFloat64(&cfg.Venue.SlippageBps, "ALLOCBOT_VENUE_SLIPPAGE_BPS")

	// ── Feed ──
	setStr(&cfg.Feed.Kind, "ALLOCBOT_FEED_KIND")
	setStr(&cfg.Feed.URL, "ALLOCBOT_FEED_URL")
	setStr(&cfg.Feed.Channel, "ALLOCBOT_FEED_CHANNEL")
	setStr(&cfg.Feed.File, "ALLOCBOT_FEED_FILE")

	// ── Account ──
	setFloat64(&cfg.Account.Equity, "ALLOCBOT_ACCOUNT_EQUITY")
	setInt(&cfg.Account.MaxOpenPositions, "ALLOCBOT_ACCOUNT_MAX_OPEN_POSITIONS")
	setFloat64(&cfg.Account.MaxGrossExposure, "ALLOCBOT_ACCOUNT_MAX_GROSS_EXPOSURE")

	// ── Controller ──
	setDuration(&cfg.Controller.SnapshotInterval, "ALLOCBOT_CONTROLLER_SNAPSHOT_INTERVAL")
	setDuration(&cfg.Controller.LockTTL, "ALLOCBOT_CONTROLLER_LOCK_TTL")
	setUint64(&cfg.Controller.Seed, "ALLOCBOT_CONTROLLER_SEED")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ALLOCBOT_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "ALLOCBOT_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.After, "ALLOCBOT_ARCHIVE_AFTER")

	// ── Top-level ──
	setStringSlice(&cfg.Instruments, "ALLOCBOT_INSTRUMENTS")
	setStr(&cfg.Mode, "ALLOCBOT_MODE")
	setStr(&cfg.LogLevel, "ALLOCBOT_LOG_LEVEL")
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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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
