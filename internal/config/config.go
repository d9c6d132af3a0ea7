package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/clduab11/priceslash/internal/logging"
	"github.com/clduab11/priceslash/internal/notify"
	"github.com/clduab11/priceslash/internal/router"
)

// Config materialises application configuration.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Logging       logging.Config      `mapstructure:"logging"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Streams       StreamsConfig       `mapstructure:"streams"`
	Consumers     ConsumersConfig     `mapstructure:"consumers"`
	Router        RouterConfig        `mapstructure:"router"`
	Validation    ValidationConfig    `mapstructure:"validation"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Subscribers   []SubscriberConfig  `mapstructure:"subscribers"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// RedisConfig covers the durable stream/key-value store.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the subscriber
// read contract.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StreamsConfig names the two pipeline topics.
type StreamsConfig struct {
	Detected  string `mapstructure:"detected"`
	Confirmed string `mapstructure:"confirmed"`
}

// ConsumersConfig governs both stage consumers.
type ConsumersConfig struct {
	BatchSize    int64         `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// RouterConfig carries the model catalog and circuit tuning.
type RouterConfig struct {
	CircuitThreshold int                  `mapstructure:"circuit_threshold"`
	ErrorCooldown    time.Duration        `mapstructure:"error_cooldown"`
	Endpoint         EndpointConfig       `mapstructure:"endpoint"`
	Models           []router.ModelConfig `mapstructure:"models"`
}

// EndpointConfig points at the chat-completion provider.
type EndpointConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// ValidationConfig tunes the AI validator.
type ValidationConfig struct {
	ConfidenceFloor int     `mapstructure:"confidence_floor"`
	Temperature     float64 `mapstructure:"temperature"`
}

// NotificationsConfig defines dedup and channel credentials.
type NotificationsConfig struct {
	DedupTTL time.Duration  `mapstructure:"dedup_ttl"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Email    EmailConfig    `mapstructure:"email"`
	SMS      SMSConfig      `mapstructure:"sms"`
}

// TelegramConfig 描述 Telegram 通道参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	APIBase  string `mapstructure:"api_base"`
}

// DiscordConfig toggles the webhook channel; targets carry the URLs.
type DiscordConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// EmailConfig points at the HTTP email provider.
type EmailConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIBase string `mapstructure:"api_base"`
	APIKey  string `mapstructure:"api_key"`
	From    string `mapstructure:"from"`
}

// SMSConfig points at the HTTP SMS provider.
type SMSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIBase string `mapstructure:"api_base"`
	APIKey  string `mapstructure:"api_key"`
	From    string `mapstructure:"from"`
}

// MetricsConfig controls the pull-only metrics listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// SubscriberConfig declares a static subscriber for deployments without a
// subscriber database.
type SubscriberConfig struct {
	ID              string            `mapstructure:"id"`
	MinProfitMargin float64           `mapstructure:"min_profit_margin"`
	Categories      []string          `mapstructure:"categories"`
	Retailers       []string          `mapstructure:"retailers"`
	MinPrice        float64           `mapstructure:"min_price"`
	MaxPrice        float64           `mapstructure:"max_price"`
	Targets         map[string]string `mapstructure:"targets"`
}

// ToSubscriber converts the config form to the notify domain type.
func (s SubscriberConfig) ToSubscriber() notify.Subscriber {
	return notify.Subscriber{
		ID: s.ID,
		Prefs: notify.Preferences{
			MinProfitMargin: decimal.NewFromFloat(s.MinProfitMargin),
			Categories:      s.Categories,
			Retailers:       s.Retailers,
			MinPrice:        decimal.NewFromFloat(s.MinPrice),
			MaxPrice:        decimal.NewFromFloat(s.MaxPrice),
		},
		Targets: s.Targets,
	}
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICESLASH")
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
	v.SetDefault("app.name", "priceslash")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.service", "priceslash")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.op_timeout", "5s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("streams.detected", "glitches:detected")
	v.SetDefault("streams.confirmed", "glitches:confirmed")

	v.SetDefault("consumers.batch_size", int64(25))
	v.SetDefault("consumers.poll_interval", "2s")
	v.SetDefault("consumers.max_retries", 5)

	v.SetDefault("router.circuit_threshold", 3)
	v.SetDefault("router.error_cooldown", "5m")
	v.SetDefault("router.endpoint.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("router.endpoint.timeout", "30s")
	v.SetDefault("router.endpoint.user_agent", "priceslash/1.0")

	v.SetDefault("validation.confidence_floor", 60)
	v.SetDefault("validation.temperature", 0.1)

	v.SetDefault("notifications.dedup_ttl", "24h")
	v.SetDefault("notifications.timeout", "10s")
	v.SetDefault("notifications.telegram.enabled", false)
	v.SetDefault("notifications.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notifications.discord.enabled", false)
	v.SetDefault("notifications.email.enabled", false)
	v.SetDefault("notifications.sms.enabled", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9091")
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

// Validate performs sanity checks on the configuration values. Anything
// here failing must prevent the process from starting.
func (c *Config) Validate() error {
	if c.Consumers.BatchSize <= 0 {
		return fmt.Errorf("consumers.batch_size must be greater than zero")
	}
	if c.Consumers.PollInterval <= 0 {
		return fmt.Errorf("consumers.poll_interval must be greater than zero")
	}
	if c.Consumers.MaxRetries <= 0 {
		return fmt.Errorf("consumers.max_retries must be greater than zero")
	}
	if c.Streams.Detected == "" || c.Streams.Confirmed == "" {
		return fmt.Errorf("streams.detected and streams.confirmed are required")
	}
	if c.Streams.Detected == c.Streams.Confirmed {
		return fmt.Errorf("streams.detected and streams.confirmed must differ")
	}
	if c.Notifications.DedupTTL <= 0 {
		return fmt.Errorf("notifications.dedup_ttl must be greater than zero")
	}
	for _, m := range c.Router.Models {
		if m.ID == "" {
			return fmt.Errorf("router.models entries need an id")
		}
		if m.Weight <= 0 {
			return fmt.Errorf("router model %s: weight must be positive", m.ID)
		}
	}
	if c.Notifications.Telegram.Enabled && c.Notifications.Telegram.BotToken == "" {
		return fmt.Errorf("notifications.telegram.bot_token 必须配置")
	}
	if c.Notifications.Email.Enabled {
		if c.Notifications.Email.APIBase == "" || c.Notifications.Email.APIKey == "" {
			return fmt.Errorf("notifications.email needs api_base and api_key")
		}
	}
	if c.Notifications.SMS.Enabled {
		if c.Notifications.SMS.APIBase == "" || c.Notifications.SMS.APIKey == "" {
			return fmt.Errorf("notifications.sms needs api_base and api_key")
		}
	}
	return nil
}

// RequireRun enforces the settings the long-running pipeline cannot start
// without.
func (c *Config) RequireRun() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required to run the pipeline")
	}
	if len(c.Router.Models) == 0 {
		return fmt.Errorf("router.models must list at least one model")
	}
	if c.Router.Endpoint.BaseURL == "" {
		return fmt.Errorf("router.endpoint.base_url is required")
	}
	return nil
}
