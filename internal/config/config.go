// Package config defines the top-level configuration for allocbot and
// provides validation helpers.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ALLOCBOT_* environment variables.
type Config struct {
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Venue       VenueConfig       `toml:"venue"`
	Feed        FeedConfig        `toml:"feed"`
	Account     AccountConfig     `toml:"account"`
	Controller  ControllerConfig  `toml:"controller"`
	Regime      RegimeConfig      `toml:"regime"`
	Allocator   AllocatorConfig   `toml:"allocator"`
	Sizer       SizerConfig       `toml:"sizer"`
	Risk        RiskConfig        `toml:"risk"`
	Performance PerformanceConfig `toml:"performance"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Archive     ArchiveConfig     `toml:"archive"`
	Strategies  []StrategyEntry   `toml:"strategies"`
	Instruments []string          `toml:"instruments"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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
	Enabled         bool   `toml:"enabled"`
	Addr            string `toml:"addr"`
	Password        string `toml:"password"`
	DB              int    `toml:"db"`
	PoolSize        int    `toml:"pool_size"`
	MaxRetries      int    `toml:"max_retries"`
	TLSEnabled      bool   `toml:"tls_enabled"`
	CacheTTLMinutes int    `toml:"cache_ttl_minutes"`
	StreamMaxLen    int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds the HTTP monitoring API settings.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKeys guards the API when non-empty. /api/health and /metrics stay open.
	APIKeys []string `toml:"api_keys"`
	// RateLimit is the number of requests per client per minute. Zero disables
	// it. Requires Redis.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel settings.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// Each event type may send ThrottleBurst alerts, refilled one per
	// ThrottleInterval. Zero interval disables throttling.
	ThrottleInterval duration `toml:"throttle_interval"`
	ThrottleBurst    int      `toml:"throttle_burst"`
}

// VenueConfig selects and tunes the order venue.
type VenueConfig struct {
	// Kind is "paper" or "rest". Live mode requires "rest".
	Kind string `toml:"kind"`

	BaseURL       string   `toml:"base_url"`
	APIKey        string   `toml:"api_key"`
	APISecret     string   `toml:"api_secret"`
	APIPassphrase string   `toml:"api_passphrase"`
	SecretPath    string   `toml:"secret_path"`
	SecretPass    string   `toml:"secret_password"`
	Timeout       duration `toml:"timeout"`

	SlippageBps float64 `toml:"slippage_bps"`
	RejectRate  float64 `toml:"reject_rate"`
	Seed        uint64  `toml:"seed"`

	LotSize                float64  `toml:"lot_size"`
	MinQuantity            float64  `toml:"min_quantity"`
	RatePerSecond          float64  `toml:"rate_per_second"`
	Burst                  int      `toml:"burst"`
	MaxConsecutiveFailures uint32   `toml:"max_consecutive_failures"`
	BreakerTimeout         duration `toml:"breaker_timeout"`
	ReportBuffer           int      `toml:"report_buffer"`
}

// FeedConfig selects the market data source.
type FeedConfig struct {
	// Kind is "ws", "redis" or "csv".
	Kind    string `toml:"kind"`
	URL     string `toml:"url"`
	Channel string `toml:"channel"`
	// File is a local path or s3://bucket/key for csv feeds.
	File   string   `toml:"file"`
	Buffer int      `toml:"buffer"`
	Retry  duration `toml:"retry"`
}

// AccountConfig holds account-level capital and exposure limits.
type AccountConfig struct {
	Equity           float64 `toml:"equity"`
	MaxOpenPositions int     `toml:"max_open_positions"`
	MaxGrossExposure float64 `toml:"max_gross_exposure"`
}

// ControllerConfig tunes the per-instrument loop.
type ControllerConfig struct {
	IntentTTL        duration `toml:"intent_ttl"`
	QueueCapacity    int      `toml:"queue_capacity"`
	DedupTTL         duration `toml:"dedup_ttl"`
	TrackerCapacity  int      `toml:"tracker_capacity"`
	SnapshotInterval duration `toml:"snapshot_interval"`
	LockTTL          duration `toml:"lock_ttl"`
	Seed             uint64   `toml:"seed"`
}

// RegimeConfig calibrates the regime detector.
type RegimeConfig struct {
	Regimes            []string  `toml:"regimes"`
	MinHistory         int       `toml:"min_history"`
	SpectralWindow     int       `toml:"spectral_window"`
	SpectralSegment    int       `toml:"spectral_segment"`
	SpectralThresholds []float64 `toml:"spectral_thresholds"`
	HMMWeight          float64   `toml:"hmm_weight"`
	SpectralWeight     float64   `toml:"spectral_weight"`
	HMMStayProb        float64   `toml:"hmm_stay_prob"`
	StaleAfter         duration  `toml:"stale_after"`
	VolShortSpan       int       `toml:"vol_short_span"`
	VolLongSpan        int       `toml:"vol_long_span"`
}

// AllocatorConfig calibrates the Thompson-sampling allocator.
type AllocatorConfig struct {
	RiskBudget           float64 `toml:"risk_budget"`
	Lookback             int     `toml:"lookback"`
	Discount             float64 `toml:"discount"`
	AdaptiveDecay        bool    `toml:"adaptive_decay"`
	DecaySensitivity     float64 `toml:"decay_sensitivity"`
	Significance         float64 `toml:"significance"`
	CorrelationThreshold float64 `toml:"correlation_threshold"`
	MinOverlap           int     `toml:"min_overlap"`
}

// SizerConfig calibrates the position sizer.
type SizerConfig struct {
	Steepness       float64     `toml:"steepness"`
	Exponent        float64     `toml:"exponent"`
	Deadband        float64     `toml:"deadband"`
	RiskPerPosition float64     `toml:"risk_per_position"`
	MaxPositionPct  float64     `toml:"max_position_pct"`
	Kelly           KellyConfig `toml:"kelly"`
}

// KellyConfig enables the portfolio-level fractional Kelly multiplier.
type KellyConfig struct {
	Enabled    bool     `toml:"enabled"`
	Fraction   float64  `toml:"fraction"`
	MinHistory duration `toml:"min_history"`
	MinObs     int      `toml:"min_obs"`
}

// RiskConfig tunes the triple-barrier executor and the drawdown breaker.
type RiskConfig struct {
	MaxExitRetries int            `toml:"max_exit_retries"`
	EntryTimeout   duration       `toml:"entry_timeout"`
	Drawdown       DrawdownConfig `toml:"drawdown"`
}

// DrawdownConfig sets the graduated drawdown levels and the daily loss
// limit, as fractions of equity.
type DrawdownConfig struct {
	WarningPct         float64 `toml:"warning_pct"`
	ReducingPct        float64 `toml:"reducing_pct"`
	HaltPct            float64 `toml:"halt_pct"`
	RecoveryPct        float64 `toml:"recovery_pct"`
	WarningMultiplier  float64 `toml:"warning_multiplier"`
	ReducingMultiplier float64 `toml:"reducing_multiplier"`
	DailyLossPct       float64 `toml:"daily_loss_pct"`
}

// PerformanceConfig holds the demotion policy.
type PerformanceConfig struct {
	DSRThreshold float64 `toml:"dsr_threshold"`
	MinTrades    int     `toml:"min_trades"`
	WinRateDecay float64 `toml:"win_rate_decay"`
}

// MetricsConfig exposes Prometheus collectors.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// ArchiveConfig schedules the closed-position archiver.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	After     duration `toml:"after"`
	BatchSize int      `toml:"batch_size"`
	Prefix    string   `toml:"prefix"`
}

// StrategyEntry declares one strategy. It runs on every listed instrument, or
// on all instruments when Instruments is empty.
type StrategyEntry struct {
	ID            string         `toml:"id"`
	Kind          string         `toml:"kind"`
	Instruments   []string       `toml:"instruments"`
	PriorAlpha    float64        `toml:"prior_alpha"`
	WinPriorAlpha float64        `toml:"win_prior_alpha"`
	WinPriorBeta  float64        `toml:"win_prior_beta"`
	Trials        int            `toml:"trials"`
	RequireRegime bool           `toml:"require_regime"`
	TakeProfitPct float64        `toml:"take_profit_pct"`
	StopLossPct   float64        `toml:"stop_loss_pct"`
	TimeLimit     duration       `toml:"time_limit"`
	Params        map[string]any `toml:"params"`
}

// RunsOn reports whether the strategy trades instrument.
func (s StrategyEntry) RunsOn(instrument string) bool {
	if len(s.Instruments) == 0 {
		return true
	}
	for _, i := range s.Instruments {
		if i == instrument {
			return true
		}
	}
	return false
}

// duration wraps time.Duration so it can be decoded from TOML strings like
// "5m" or "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "allocbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "allocbot-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Notify: NotifyConfig{
			Events:           []string{"fatal", "halt", "demotion", "readmission"},
			ThrottleInterval: duration{time.Minute},
			ThrottleBurst:    5,
		},
		Venue: VenueConfig{
			Kind:                   "paper",
			Timeout:                duration{10 * time.Second},
			RatePerSecond:          10,
			Burst:                  5,
			MaxConsecutiveFailures: 3,
			BreakerTimeout:         duration{30 * time.Second},
			ReportBuffer:           256,
			Seed:                   1,
		},
		Feed: FeedConfig{
			Kind:    "redis",
			Channel: "bars",
			Buffer:  256,
			Retry:   duration{5 * time.Second},
		},
		Account: AccountConfig{
			Equity:           100_000,
			MaxOpenPositions: 10,
			MaxGrossExposure: 1.0,
		},
		Controller: ControllerConfig{
			IntentTTL:        duration{time.Minute},
			QueueCapacity:    64,
			DedupTTL:         duration{2 * time.Minute},
			TrackerCapacity:  1024,
			SnapshotInterval: duration{10 * time.Second},
			LockTTL:          duration{30 * time.Second},
			Seed:             1,
		},
		Regime: RegimeConfig{
			Regimes:            []string{"mean_reverting", "normal", "trending"},
			MinHistory:         500,
			SpectralWindow:     256,
			SpectralSegment:    64,
			SpectralThresholds: []float64{0.5, 1.5},
			HMMWeight:          0.5,
			SpectralWeight:     0.5,
			HMMStayProb:        0.95,
			StaleAfter:         duration{5 * time.Minute},
			VolShortSpan:       20,
			VolLongSpan:        250,
		},
		Allocator: AllocatorConfig{
			RiskBudget:           1.0,
			Lookback:             90,
			Discount:             0.99,
			DecaySensitivity:     0.04,
			Significance:         0.3,
			CorrelationThreshold: 0.7,
			MinOverlap:           10,
		},
		Sizer: SizerConfig{
			Steepness:       1.0,
			Exponent:        0.5,
			Deadband:        0.05,
			RiskPerPosition: 0.10,
			MaxPositionPct:  0.10,
			Kelly: KellyConfig{
				Fraction:   0.25,
				MinHistory: duration{365 * 24 * time.Hour},
				MinObs:     252,
			},
		},
		Risk: RiskConfig{
			MaxExitRetries: 5,
			EntryTimeout:   duration{30 * time.Second},
			Drawdown: DrawdownConfig{
				WarningPct:        0.10,
				ReducingPct:       0.15,
				HaltPct:           0.20,
				RecoveryPct:       0.05,
				WarningMultiplier: 0.5,
				DailyLossPct:      0.03,
			},
		},
		Performance: PerformanceConfig{
			DSRThreshold: 0.95,
			MinTrades:    20,
			WinRateDecay: 0.99,
		},
		Metrics: MetricsConfig{Enabled: true},
		Archive: ArchiveConfig{
			Interval:  duration{time.Hour},
			After:     duration{7 * 24 * time.Hour},
			BatchSize: 1000,
			Prefix:    "archive/positions",
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"paper":  true,
	"live":   true,
	"replay": true,
	"server": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validFeeds = map[string]bool{"ws": true, "redis": true, "csv": true}

// Validate checks the configuration for internal consistency and returns an
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		add("unknown mode %q (valid: paper, live, replay, server)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Postgres
	if mode == "live" && !c.Postgres.Enabled {
		add("postgres: must be enabled in live mode")
	}
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be in [0, pool_max_conns]")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}
	if mode == "server" && !c.Redis.Enabled {
		add("redis: must be enabled in server mode")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" && c.S3.Region == "" {
			add("s3: endpoint or region must be set")
		}
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
	}
	if c.Archive.Enabled {
		if !c.S3.Enabled || !c.Postgres.Enabled {
			add("archive: requires s3 and postgres")
		}
		if c.Archive.Interval.Duration <= 0 || c.Archive.After.Duration <= 0 {
			add("archive: interval and after must be > 0")
		}
		if c.Archive.BatchSize < 1 {
			add("archive: batch_size must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled || mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			add("server: rate_limit requires redis")
		}
	}

	// Venue
	switch c.Venue.Kind {
	case "paper":
		if mode == "live" {
			add("venue: live mode requires kind \"rest\"")
		}
	case "rest":
		if c.Venue.BaseURL == "" {
			add("venue: base_url must not be empty")
		}
		if c.Venue.APIKey == "" {
			add("venue: api_key must not be empty")
		}
		if c.Venue.APISecret == "" && c.Venue.SecretPath == "" {
			add("venue: either api_secret or secret_path must be set")
		}
		if c.Venue.SecretPath != "" && c.Venue.SecretPass == "" {
			add("venue: secret_password is required when secret_path is set")
		}
	default:
		add("venue: unknown kind %q (valid: paper, rest)", c.Venue.Kind)
	}
	if c.Venue.SlippageBps < 0 {
		add("venue: slippage_bps must be >= 0")
	}
	if c.Venue.RejectRate < 0 || c.Venue.RejectRate > 1 {
		add("venue: reject_rate must be in [0, 1]")
	}
	if c.Venue.LotSize < 0 || c.Venue.MinQuantity < 0 {
		add("venue: lot_size and min_quantity must be >= 0")
	}
	if c.Venue.RatePerSecond < 0 {
		add("venue: rate_per_second must be >= 0")
	}

	// Feed
	if mode != "server" {
		if !validFeeds[c.Feed.Kind] {
			add("feed: unknown kind %q (valid: ws, redis, csv)", c.Feed.Kind)
		}
		switch c.Feed.Kind {
		case "ws":
			if c.Feed.URL == "" {
				add("feed: url must not be empty for ws feeds")
			}
		case "redis":
			if !c.Redis.Enabled {
				add("feed: redis feed requires redis")
			}
			if c.Feed.Channel == "" {
				add("feed: channel must not be empty")
			}
		case "csv":
			if c.Feed.File == "" && mode != "replay" {
				add("feed: file must not be empty for csv feeds")
			}
			if strings.HasPrefix(c.Feed.File, "s3://") && !c.S3.Enabled {
				add("feed: s3:// files require s3")
			}
		}
		if mode == "replay" && c.Feed.Kind != "csv" {
			add("feed: replay mode requires kind \"csv\"")
		}
	}

	// Account
	if !(c.Account.Equity > 0) || math.IsInf(c.Account.Equity, 0) {
		add("account: equity must be > 0")
	}
	if c.Account.MaxOpenPositions < 0 {
		add("account: max_open_positions must be >= 0")
	}
	if c.Account.MaxGrossExposure < 0 {
		add("account: max_gross_exposure must be >= 0")
	}

	// Controller
	if c.Controller.QueueCapacity < 1 {
		add("controller: queue_capacity must be >= 1")
	}
	if c.Controller.IntentTTL.Duration < 0 || c.Controller.DedupTTL.Duration < 0 {
		add("controller: intent_ttl and dedup_ttl must be >= 0")
	}
	if c.Controller.LockTTL.Duration < 0 {
		add("controller: lock_ttl must be >= 0")
	}

	// Regime
	k := len(c.Regime.Regimes)
	if k < 2 || k > 3 {
		add("regime: need 2 or 3 regimes, got %d", k)
	}
	if len(c.Regime.SpectralThresholds) != k-1 {
		add("regime: need %d spectral_thresholds, got %d", k-1, len(c.Regime.SpectralThresholds))
	}
	if c.Regime.MinHistory < 2 {
		add("regime: min_history must be >= 2")
	}

	// Allocator
	if c.Allocator.RiskBudget <= 0 || c.Allocator.RiskBudget > 1 {
		add("allocator: risk_budget must be in (0, 1]")
	}
	if c.Allocator.Lookback < 1 {
		add("allocator: lookback must be >= 1")
	}
	if c.Allocator.Discount <= 0 || c.Allocator.Discount > 1 {
		add("allocator: discount must be in (0, 1]")
	}

	// Sizer
	if c.Sizer.Exponent <= 0 || c.Sizer.Exponent >= 1 {
		add("sizer: exponent must be in (0, 1)")
	}
	if c.Sizer.MaxPositionPct <= 0 || c.Sizer.MaxPositionPct > 1 {
		add("sizer: max_position_pct must be in (0, 1]")
	}

	// Risk
	if c.Risk.MaxExitRetries < 1 {
		add("risk: max_exit_retries must be >= 1")
	}
	if dd := c.Risk.Drawdown; dd.HaltPct > 0 &&
		!(0 < dd.WarningPct && dd.WarningPct <= dd.ReducingPct && dd.ReducingPct <= dd.HaltPct && dd.HaltPct < 1) {
		add("risk: drawdown levels must satisfy 0 < warning_pct <= reducing_pct <= halt_pct < 1")
	}
	if dd := c.Risk.Drawdown; dd.DailyLossPct < 0 || dd.DailyLossPct >= 1 {
		add("risk: drawdown.daily_loss_pct must be in [0, 1)")
	}

	// Performance
	if c.Performance.DSRThreshold <= 0.5 || c.Performance.DSRThreshold >= 1 {
		add("performance: dsr_threshold must be in (0.5, 1)")
	}
	if c.Performance.MinTrades < 2 {
		add("performance: min_trades must be >= 2")
	}

	// Instruments and strategies
	if len(c.Instruments) == 0 && mode != "server" {
		add("instruments: at least one instrument is required")
	}
	seenInst := make(map[string]bool, len(c.Instruments))
	for _, inst := range c.Instruments {
		if inst == "" || seenInst[inst] {
			add("instruments: empty or duplicate instrument %q", inst)
		}
		seenInst[inst] = true
	}
	if len(c.Strategies) == 0 && mode != "server" {
		add("strategies: at least one strategy is required")
	}
	seen := make(map[string]bool, len(c.Strategies))
	for i, s := range c.Strategies {
		where := fmt.Sprintf("strategies[%d]", i)
		if s.ID == "" {
			add("%s: id must not be empty", where)
		} else if seen[s.ID] {
			add("%s: duplicate id %q", where, s.ID)
		}
		seen[s.ID] = true
		if s.Kind == "" {
			add("%s: kind must not be empty", where)
		}
		if s.PriorAlpha < 0 || s.WinPriorAlpha < 0 || s.WinPriorBeta < 0 {
			add("%s: priors must be >= 0", where)
		}
		if s.TakeProfitPct < 0 || s.StopLossPct < 0 || s.TimeLimit.Duration < 0 {
			add("%s: barriers must be >= 0", where)
		}
		for _, inst := range s.Instruments {
			if !seenInst[inst] {
				add("%s: instrument %q is not configured", where, inst)
			}
		}
	}
	for _, inst := range c.Instruments {
		n := 0
		for _, s := range c.Strategies {
			if s.RunsOn(inst) {
				n++
			}
		}
		if n == 0 && mode != "server" {
			add("instruments: %q has no strategies", inst)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
