package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"perp-signal-alerts/internal/logging"
)

// EnvPrefix is prepended to every environment override, e.g. PERPWATCHER_SCHEDULER_INTERVAL.
const EnvPrefix = "PERPWATCHER"

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Hyperliquid HyperliquidConfig `mapstructure:"hyperliquid"`
	Store       StoreConfig       `mapstructure:"store"`
	Detectors   DetectorsConfig   `mapstructure:"detectors"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	HistoryTTL      time.Duration `mapstructure:"history_ttl"`
}

// Enabled reports whether a database is configured.
func (d DatabaseConfig) Enabled() bool { return d.DSN != "" }

// RedisConfig configures the shared alert cooldown. An empty URL keeps cooldowns in process.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	Password  string `mapstructure:"password"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Enabled reports whether Redis is configured.
func (r RedisConfig) Enabled() bool { return r.URL != "" }

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// HyperliquidConfig captures venue connectivity.
type HyperliquidConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	WebsocketURL       string        `mapstructure:"websocket_url"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	UserAgent          string        `mapstructure:"user_agent"`
	LiquidationsStream bool          `mapstructure:"liquidations_stream"`
	LiquidationBuffer  int           `mapstructure:"liquidation_buffer"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay"`
}

// StoreConfig bounds the in-memory history.
type StoreConfig struct {
	Retention            time.Duration `mapstructure:"retention"`
	LiquidationRetention time.Duration `mapstructure:"liquidation_retention"`
}

// DetectorsConfig groups detector thresholds.
type DetectorsConfig struct {
	Funding      FundingConfig      `mapstructure:"funding"`
	Liquidation  LiquidationConfig  `mapstructure:"liquidation"`
	OpenInterest OpenInterestConfig `mapstructure:"open_interest"`
	Volume       VolumeConfig       `mapstructure:"volume"`
	Divergence   DivergenceConfig   `mapstructure:"divergence"`
}

// FundingConfig tunes the funding detector.
type FundingConfig struct {
	TopN int `mapstructure:"top_n"`
}

// LiquidationConfig tunes cascade detection.
type LiquidationConfig struct {
	RecentWindow time.Duration `mapstructure:"recent_window"`
	Window       time.Duration `mapstructure:"window"`
	Bucket       time.Duration `mapstructure:"bucket"`
	MinCount     int           `mapstructure:"min_count"`
	MinNotional  float64       `mapstructure:"min_notional"`
	CriticalRun  int           `mapstructure:"critical_run"`
}

// OpenInterestConfig tunes the open-interest detector.
type OpenInterestConfig struct {
	ThresholdPct float64 `mapstructure:"threshold_pct"`
}

// VolumeConfig tunes volume spike detection.
type VolumeConfig struct {
	MinSamples int           `mapstructure:"min_samples"`
	K          float64       `mapstructure:"k"`
	Window     time.Duration `mapstructure:"window"`
}

// DivergenceConfig tunes volume/price divergence detection.
type DivergenceConfig struct {
	MinSamples         int     `mapstructure:"min_samples"`
	VolumeThresholdPct float64 `mapstructure:"volume_threshold_pct"`
	PriceThresholdPct  float64 `mapstructure:"price_threshold_pct"`
	NoiseBandPct       float64 `mapstructure:"noise_band_pct"`
}

// AlertingConfig defines cooldown and routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram delivery channel.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// HTTPConfig configures the JSON query API.
type HTTPConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("app.name", "perpwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.history_ttl", "720h")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.key_prefix", "perpwatcher:cooldown:")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("hyperliquid.base_url", "https://api.hyperliquid.xyz")
	v.SetDefault("hyperliquid.websocket_url", "wss://api.hyperliquid.xyz/ws")
	v.SetDefault("hyperliquid.request_timeout", "10s")
	v.SetDefault("hyperliquid.user_agent", "perpwatcher/1.0")
	v.SetDefault("hyperliquid.liquidations_stream", true)
	v.SetDefault("hyperliquid.liquidation_buffer", 10000)
	v.SetDefault("hyperliquid.reconnect_delay", "5s")

	v.SetDefault("store.retention", "24h")
	v.SetDefault("store.liquidation_retention", "24h")

	v.SetDefault("detectors.funding.top_n", 5)
	v.SetDefault("detectors.liquidation.recent_window", "24h")
	v.SetDefault("detectors.liquidation.window", "5m")
	v.SetDefault("detectors.liquidation.bucket", "1m")
	v.SetDefault("detectors.liquidation.min_count", 3)
	v.SetDefault("detectors.liquidation.min_notional", 100000.0)
	v.SetDefault("detectors.liquidation.critical_run", 3)
	v.SetDefault("detectors.open_interest.threshold_pct", 10.0)
	v.SetDefault("detectors.volume.min_samples", 5)
	v.SetDefault("detectors.volume.k", 2.0)
	v.SetDefault("detectors.volume.window", "0s")
	v.SetDefault("detectors.divergence.min_samples", 5)
	v.SetDefault("detectors.divergence.volume_threshold_pct", 50.0)
	v.SetDefault("detectors.divergence.price_threshold_pct", 5.0)
	v.SetDefault("detectors.divergence.noise_band_pct", 1.0)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.cooldown", "15m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Store.Retention <= 0 {
		return fmt.Errorf("store.retention must be greater than zero")
	}
	if c.Store.LiquidationRetention < c.Detectors.Liquidation.Window {
		return fmt.Errorf("store.liquidation_retention must cover detectors.liquidation.window")
	}
	if c.Detectors.Liquidation.Bucket <= 0 || c.Detectors.Liquidation.Bucket > c.Detectors.Liquidation.Window {
		return fmt.Errorf("detectors.liquidation.bucket must be within (0, window]")
	}
	if c.Detectors.Liquidation.MinNotional < 0 {
		return fmt.Errorf("detectors.liquidation.min_notional cannot be negative")
	}
	if c.Detectors.OpenInterest.ThresholdPct < 0 {
		return fmt.Errorf("detectors.open_interest.threshold_pct cannot be negative")
	}
	if c.Detectors.Volume.K <= 0 {
		return fmt.Errorf("detectors.volume.k must be greater than zero")
	}
	if c.Detectors.Divergence.NoiseBandPct < 0 {
		return fmt.Errorf("detectors.divergence.noise_band_pct cannot be negative")
	}
	if c.Alerting.Cooldown <= 0 {
		return fmt.Errorf("alerting.cooldown must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled && c.Alerting.Telegram.BotToken == "" {
		return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required when http is enabled")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
