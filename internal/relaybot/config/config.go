package config

import (
	"errors"
	"time"
)

type Config struct {
	Service  ServiceConfig  `mapstructure:"service" yaml:"service"`
	Telegram TelegramConfig `mapstructure:"telegram" yaml:"telegram"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
	Feed     FeedConfig     `mapstructure:"feed" yaml:"feed"`
	Relay    RelayConfig    `mapstructure:"relay" yaml:"relay"`
	Notify   NotifyConfig   `mapstructure:"notify" yaml:"notify"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Nats     NatsConfig     `mapstructure:"nats" yaml:"nats"`
	Tap      TapConfig      `mapstructure:"tap" yaml:"tap"`
	Trace    TraceConfig    `mapstructure:"trace" yaml:"trace"`
}

type ServiceConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogFile  string `mapstructure:"log_file" yaml:"log_file"`
}

type TelegramConfig struct {
	Token       string        `mapstructure:"token" yaml:"token"`
	Mode        string        `mapstructure:"mode" yaml:"mode"` // polling | webhook
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	WebhookURL  string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	Secret      string        `mapstructure:"secret" yaml:"secret"`
	APIEndpoint string        `mapstructure:"api_endpoint" yaml:"api_endpoint"`
	Debug       bool          `mapstructure:"debug" yaml:"debug"`
}

type HTTPConfig struct {
	Addr      string  `mapstructure:"addr" yaml:"addr"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // requests/s per client
	Burst     int     `mapstructure:"burst" yaml:"burst"`
}

type FeedConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	RestURL        string        `mapstructure:"rest_url" yaml:"rest_url"`
	Stream         string        `mapstructure:"stream" yaml:"stream"` // aggTrade | trade
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ReadLimit      int64         `mapstructure:"read_limit" yaml:"read_limit"`
	QuoteTimeout   time.Duration `mapstructure:"quote_timeout" yaml:"quote_timeout"`
}

type RelayConfig struct {
	NotifyOnEnd     bool          `mapstructure:"notify_on_end" yaml:"notify_on_end"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type NotifyConfig struct {
	RatePerSec float64       `mapstructure:"rate_per_sec" yaml:"rate_per_sec"` // 0 disables throttling
	Burst      int           `mapstructure:"burst" yaml:"burst"`
	Breaker    BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

type BreakerConfig struct {
	Timeout             time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" yaml:"consecutive_failures"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`
}

type NatsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
}

// TapConfig enables the /ws/ticks fan-out. Without nats it runs on an
// in-process broker.
type TapConfig struct {
	Websocket  bool `mapstructure:"websocket" yaml:"websocket"`
	MaxSymbols int  `mapstructure:"max_symbols" yaml:"max_symbols"`
}

type TraceConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// Normalize fills defaults and checks the values the process cannot run without.
func (c *Config) Normalize() error {
	if c.Service.Name == "" {
		c.Service.Name = "relaybot"
	}
	if c.Service.LogLevel == "" {
		c.Service.LogLevel = "info"
	}
	if c.Telegram.Token == "" {
		return errors.New("telegram bot token is missing: set telegram.token or TELEGRAM_BOT_TOKEN")
	}
	if c.Telegram.Mode == "" {
		c.Telegram.Mode = ModePolling
	}
	switch c.Telegram.Mode {
	case ModePolling:
	case ModeWebhook:
		if c.Telegram.WebhookURL == "" {
			return errors.New("telegram.webhook_url is required in webhook mode")
		}
	default:
		return errors.New("telegram.mode must be polling or webhook")
	}
	if c.Telegram.PollTimeout <= 0 {
		c.Telegram.PollTimeout = 60 * time.Second
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Relay.ShutdownTimeout <= 0 {
		c.Relay.ShutdownTimeout = 10 * time.Second
	}
	if c.Nats.Enabled && c.Nats.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	if c.Tap.MaxSymbols <= 0 {
		c.Tap.MaxSymbols = 32
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	return nil
}
