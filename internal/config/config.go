// Package config provides YAML-based configuration loading for Leadyard.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Leadyard configuration, loaded from leadyard.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Market   MarketConfig   `yaml:"market"`
	Plans    []PlanConfig   `yaml:"plans"`
	Notify   NotifyConfig   `yaml:"notify"`
	Feed     FeedConfig     `yaml:"feed"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig selects the relational store. Driver is mysql, postgres or sqlite.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file path
	MaxConns int    `yaml:"max_conns"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	JWTSecret      string   `yaml:"jwt_secret"`
}

// MarketConfig holds allocation defaults and the transient-retry policy.
type MarketConfig struct {
	DefaultMaxPurchases int           `yaml:"default_max_purchases"`
	PurchaseRetries     int           `yaml:"purchase_retries"`
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
}

// PlanConfig defines a subscription plan's per-period allowance.
type PlanConfig struct {
	Name          string `yaml:"name"`
	MaxViews      int    `yaml:"max_views"`
	IncludedLeads int    `yaml:"included_leads"`
	Unlimited     bool   `yaml:"unlimited"`
	PeriodDays    int    `yaml:"period_days"`
}

// NotifyConfig controls the notification queue and its delivery sinks.
type NotifyConfig struct {
	AMQPURL     string        `yaml:"amqp_url"`
	Queue       string        `yaml:"queue"`
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	SMTP        SMTPConfig    `yaml:"smtp"`
	Slack       SlackConfig   `yaml:"slack"`
	Discord     DiscordConfig `yaml:"discord"`
}

// SMTPConfig configures the email sink. Host empty disables it.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// SlackConfig configures the Slack activity sink. BotToken empty disables it.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig configures the Discord activity sink. BotToken empty disables it.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// FeedConfig selects the change feed. RedisAddr empty uses the in-process broker.
type FeedConfig struct {
	RedisAddr    string        `yaml:"redis_addr"`
	RedisDB      int           `yaml:"redis_db"`
	Prefix       string        `yaml:"prefix"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SweeperConfig holds 5-field cron expressions for the background sweeps.
type SweeperConfig struct {
	ExpirySchedule   string `yaml:"expiry_schedule"`
	RolloverSchedule string `yaml:"rollover_schedule"`
}

// LogConfig selects slog level and handler format (text or json).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML config file from path, applies environment overrides and
// returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse unmarshals YAML bytes into a validated Config without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Plan returns the named plan.
func (c *Config) Plan(name string) (PlanConfig, bool) {
	for _, p := range c.Plans {
		if p.Name == name {
			return p, true
		}
	}
	return PlanConfig{}, false
}

// applyEnv overlays secrets and endpoints from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("LEADYARD_DB_PASSWORD", &c.Database.Password)
	str("LEADYARD_JWT_SECRET", &c.Server.JWTSecret)
	str("LEADYARD_AMQP_URL", &c.Notify.AMQPURL)
	str("LEADYARD_REDIS_ADDR", &c.Feed.RedisAddr)
	str("LEADYARD_SMTP_PASSWORD", &c.Notify.SMTP.Password)
	str("LEADYARD_SLACK_TOKEN", &c.Notify.Slack.BotToken)
	str("LEADYARD_DISCORD_TOKEN", &c.Notify.Discord.BotToken)
	if v, ok := lookup("LEADYARD_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	case "postgres":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.User == "" {
			c.Database.User = "postgres"
		}
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "leadyard.db"
		}
	}
	if c.Database.Name == "" {
		c.Database.Name = "leadyard"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 16
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Market.DefaultMaxPurchases == 0 {
		c.Market.DefaultMaxPurchases = 5
	}
	if c.Market.PurchaseRetries == 0 {
		c.Market.PurchaseRetries = 3
	}
	if c.Market.RetryBackoff == 0 {
		c.Market.RetryBackoff = 50 * time.Millisecond
	}

	for i := range c.Plans {
		if c.Plans[i].PeriodDays == 0 {
			c.Plans[i].PeriodDays = 30
		}
	}

	if c.Notify.Queue == "" {
		c.Notify.Queue = "leadyard.notifications"
	}
	if c.Notify.Workers == 0 {
		c.Notify.Workers = 2
	}
	if c.Notify.MaxAttempts == 0 {
		c.Notify.MaxAttempts = 5
	}
	if c.Notify.Backoff == 0 {
		c.Notify.Backoff = time.Second
	}
	if c.Notify.SMTP.Port == 0 {
		c.Notify.SMTP.Port = 587
	}
	if c.Notify.SMTP.From == "" {
		c.Notify.SMTP.From = "no-reply@leadyard.local"
	}

	if c.Feed.Prefix == "" {
		c.Feed.Prefix = "leadyard:feed"
	}
	if c.Feed.PollInterval == 0 {
		c.Feed.PollInterval = 5 * time.Second
	}

	if c.Sweeper.ExpirySchedule == "" {
		c.Sweeper.ExpirySchedule = "*/5 * * * *"
	}
	if c.Sweeper.RolloverSchedule == "" {
		c.Sweeper.RolloverSchedule = "15 * * * *"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql, postgres or sqlite", c.Database.Driver))
	}
	if c.Market.DefaultMaxPurchases < 1 {
		errs = append(errs, "market.default_max_purchases must be positive")
	}
	if c.Market.PurchaseRetries < 0 {
		errs = append(errs, "market.purchase_retries must not be negative")
	}
	seen := make(map[string]bool)
	for i, p := range c.Plans {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("plans[%d].name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("plans[%d].name %q is duplicated", i, p.Name))
		}
		seen[p.Name] = true
		if !p.Unlimited && (p.MaxViews < 0 || p.IncludedLeads < 0) {
			errs = append(errs, fmt.Sprintf("plans[%d] allowances must not be negative", i))
		}
	}
	if c.Notify.MaxAttempts < 1 {
		errs = append(errs, "notify.max_attempts must be positive")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
