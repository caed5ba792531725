package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"metalwatch/internal/logging"
	"metalwatch/internal/quote"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Logging      logging.Config     `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Source       SourceConfig       `mapstructure:"source"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Pricebook    PricebookConfig    `mapstructure:"pricebook"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Server       ServerConfig       `mapstructure:"server"`
	Alerting     AlertingConfig     `mapstructure:"alerting"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
	Export       ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the SQL backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SourceConfig covers the external price API.
type SourceConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	APIKeyHeader string `mapstructure:"api_key_header"`
	// PathTemplate is expanded per symbol; {symbol} is replaced with the metal code.
	PathTemplate   string        `mapstructure:"path_template"`
	Symbols        []string      `mapstructure:"symbols"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	Burst          int           `mapstructure:"burst"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// RetryConfig governs per-fetch retries.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Jitter         float64       `mapstructure:"jitter"`
}

// BreakerConfig tunes the circuit breaker shared by all fetches.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// SchedulerConfig governs refresh cadence.
type SchedulerConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	Interval     time.Duration  `mapstructure:"interval"`
	StartupDelay time.Duration  `mapstructure:"startup_delay"`
	RunOnStart   bool           `mapstructure:"run_on_start"`
	FetchTimeout time.Duration  `mapstructure:"fetch_timeout"`
	Concurrency  int            `mapstructure:"concurrency"`
	Adaptive     AdaptiveConfig `mapstructure:"adaptive"`
}

// AdaptiveConfig bounds the adaptive interval policy.
type AdaptiveConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Floor         time.Duration `mapstructure:"floor"`
	Ceiling       time.Duration `mapstructure:"ceiling"`
	MaxErrorTicks int           `mapstructure:"max_error_ticks"`
}

// PricebookConfig tunes the change-aware writer.
type PricebookConfig struct {
	ChangeThreshold decimal.Decimal `mapstructure:"change_threshold"`
	StaleAfter      time.Duration   `mapstructure:"stale_after"`
}

// CacheConfig sizes the response cache and sets TTLs per endpoint class.
type CacheConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxEntries         int           `mapstructure:"max_entries"`
	FallbackMaxEntries int           `mapstructure:"fallback_max_entries"`
	FallbackDeadline   time.Duration `mapstructure:"fallback_deadline"`
	PricesTTL          time.Duration `mapstructure:"prices_ttl"`
	HistoryTTL         time.Duration `mapstructure:"history_ttl"`
	StatisticsTTL      time.Duration `mapstructure:"statistics_ttl"`
	InvalidatePrefixes []string      `mapstructure:"invalidate_prefixes"`
}

// ServerConfig covers the HTTP API listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	MetricsEnabled  bool          `mapstructure:"metrics_enabled"`
}

// AlertingConfig defines signal notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// HousekeepingConfig schedules history pruning. An empty schedule disables it.
type HousekeepingConfig struct {
	Schedule         string        `mapstructure:"schedule"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("METALWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "metalwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "metalwatch.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("source.base_url", "https://www.goldapi.io")
	v.SetDefault("source.api_key_header", "x-access-token")
	v.SetDefault("source.path_template", "/api/{symbol}/USD")
	v.SetDefault("source.symbols", []string{"XAU", "XAG", "XPT", "XPD"})
	v.SetDefault("source.request_timeout", "5s")
	v.SetDefault("source.user_agent", "metalwatch/1.0")
	v.SetDefault("source.rate_limit", 0)
	v.SetDefault("source.burst", 4)
	v.SetDefault("source.retry.max_attempts", 3)
	v.SetDefault("source.retry.initial_backoff", "200ms")
	v.SetDefault("source.retry.max_backoff", "2s")
	v.SetDefault("source.retry.jitter", 0.2)

	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.recovery_timeout", "30s")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "15s")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.fetch_timeout", "20s")
	v.SetDefault("scheduler.concurrency", 0)
	v.SetDefault("scheduler.adaptive.enabled", false)
	v.SetDefault("scheduler.adaptive.floor", "30s")
	v.SetDefault("scheduler.adaptive.ceiling", "5m")
	v.SetDefault("scheduler.adaptive.max_error_ticks", 5)

	v.SetDefault("pricebook.change_threshold", "0.01")
	v.SetDefault("pricebook.stale_after", "2m")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_entries", 50)
	v.SetDefault("cache.fallback_max_entries", 500)
	v.SetDefault("cache.fallback_deadline", "6s")
	v.SetDefault("cache.prices_ttl", "10s")
	v.SetDefault("cache.history_ttl", "1m")
	v.SetDefault("cache.statistics_ttl", "30s")
	v.SetDefault("cache.invalidate_prefixes", []string{"GET /api/v1/prices"})

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.metrics_enabled", true)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("housekeeping.schedule", "@daily")
	v.SetDefault("housekeeping.history_retention", "720h")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		default:
			return data, nil
		}
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if len(c.Source.Symbols) == 0 {
		return fmt.Errorf("source.symbols must not be empty")
	}
	if _, err := c.TrackedSymbols(); err != nil {
		return err
	}
	if !strings.Contains(c.Source.PathTemplate, "{symbol}") {
		return fmt.Errorf("source.path_template must contain {symbol}")
	}
	if c.Source.RequestTimeout <= 0 {
		return fmt.Errorf("source.request_timeout must be greater than zero")
	}
	if c.Source.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("source.retry.max_attempts must be greater than zero")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be greater than zero")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Adaptive.Enabled && c.Scheduler.Adaptive.Floor > c.Scheduler.Adaptive.Ceiling {
		return fmt.Errorf("scheduler.adaptive.floor cannot exceed ceiling")
	}
	if c.Pricebook.ChangeThreshold.IsNegative() {
		return fmt.Errorf("pricebook.change_threshold cannot be negative")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be greater than zero")
	}
	if c.Cache.FallbackDeadline <= 0 {
		return fmt.Errorf("cache.fallback_deadline must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// TrackedSymbols parses the configured symbol list.
func (c *Config) TrackedSymbols() ([]quote.Symbol, error) {
	out := make([]quote.Symbol, 0, len(c.Source.Symbols))
	seen := make(map[quote.Symbol]struct{}, len(c.Source.Symbols))
	for _, raw := range c.Source.Symbols {
		sym, err := quote.ParseSymbol(raw)
		if err != nil {
			return nil, fmt.Errorf("source.symbols: %w", err)
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out, nil
}

// SymbolPaths expands the path template for every tracked symbol.
func (c *Config) SymbolPaths() map[quote.Symbol]string {
	symbols, _ := c.TrackedSymbols()
	paths := make(map[quote.Symbol]string, len(symbols))
	for _, sym := range symbols {
		paths[sym] = strings.ReplaceAll(c.Source.PathTemplate, "{symbol}", sym.String())
	}
	return paths
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
