package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"coindrift/internal/clock"
	"coindrift/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Timezone  string          `mapstructure:"timezone"`
	Market    MarketConfig    `mapstructure:"market"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// MarketConfig covers the ranked market data source.
type MarketConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	VsCurrency     string        `mapstructure:"vs_currency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RatePerMinute  float64       `mapstructure:"rate_per_minute"`
	FetchLimit     int           `mapstructure:"fetch_limit"`
}

// TelegramConfig describes the notification and command transport.
type TelegramConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BotToken    string        `mapstructure:"bot_token"`
	ChatID      string        `mapstructure:"chat_id"`
	APIBase     string        `mapstructure:"api_base"`
	AdminID     int64         `mapstructure:"admin_id"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// TrackerConfig governs baseline selection and drift alerting.
type TrackerConfig struct {
	BasketSize       int     `mapstructure:"basket_size"`
	DropThresholdPct float64 `mapstructure:"drop_threshold_pct"`
	MinMarketCap     float64 `mapstructure:"min_market_cap"`
	MinVolume        float64 `mapstructure:"min_volume"`
	MinChangePct     float64 `mapstructure:"min_change_pct"`
}

// SchedulerConfig sets the two cadences and the daily trigger times.
type SchedulerConfig struct {
	BaselineAt    string        `mapstructure:"baseline_at"`
	SummaryAt     string        `mapstructure:"summary_at"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// StorageConfig selects and parameterises the persistence engine.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MetricsConfig enables the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COINDRIFT")
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
	v.SetDefault("app.name", "coindrift")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("timezone", "UTC")

	v.SetDefault("market.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("market.vs_currency", "usd")
	v.SetDefault("market.request_timeout", "10s")
	v.SetDefault("market.user_agent", "coindrift/1.0")
	v.SetDefault("market.rate_per_minute", 10.0)
	v.SetDefault("market.fetch_limit", 100)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.poll_timeout", "30s")

	v.SetDefault("tracker.basket_size", 10)
	v.SetDefault("tracker.drop_threshold_pct", -10.0)

	v.SetDefault("scheduler.baseline_at", "00:00")
	v.SetDefault("scheduler.summary_at", "23:50")
	v.SetDefault("scheduler.tick_interval", "1m")
	v.SetDefault("scheduler.check_interval", "5m")
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.path", "data")
	v.SetDefault("storage.max_open_conns", 10)
	v.SetDefault("storage.max_idle_conns", 5)
	v.SetDefault("storage.conn_max_lifetime", "30m")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")
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
	if c.Tracker.BasketSize < 1 || c.Tracker.BasketSize > 10 {
		return fmt.Errorf("tracker.basket_size must be between 1 and 10")
	}
	if c.Tracker.DropThresholdPct >= 0 {
		return fmt.Errorf("tracker.drop_threshold_pct must be negative")
	}
	if c.Market.FetchLimit < c.Tracker.BasketSize {
		return fmt.Errorf("market.fetch_limit must cover tracker.basket_size")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be greater than zero")
	}
	if c.Scheduler.CheckInterval <= 0 {
		return fmt.Errorf("scheduler.check_interval must be greater than zero")
	}
	if _, err := clock.ParseTimeOfDay(c.Scheduler.BaselineAt); err != nil {
		return fmt.Errorf("scheduler.baseline_at: %w", err)
	}
	if _, err := clock.ParseTimeOfDay(c.Scheduler.SummaryAt); err != nil {
		return fmt.Errorf("scheduler.summary_at: %w", err)
	}
	switch c.Storage.Driver {
	case "file":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the file driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be file or postgres, got %q", c.Storage.Driver)
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

// BaselineTime returns the parsed daily baseline trigger time.
func (c *Config) BaselineTime() clock.TimeOfDay {
	t, _ := clock.ParseTimeOfDay(c.Scheduler.BaselineAt)
	return t
}

// SummaryTime returns the parsed daily summary trigger time.
func (c *Config) SummaryTime() clock.TimeOfDay {
	t, _ := clock.ParseTimeOfDay(c.Scheduler.SummaryAt)
	return t
}
