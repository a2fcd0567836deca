// Package config loads the realtime agent configuration from REALTIME_*
// environment variables, optionally seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"time"

	"chat_realtime/internal/delivery"
	"chat_realtime/internal/domain"
	"chat_realtime/internal/presence"
	"chat_realtime/internal/realtime"
	"chat_realtime/internal/retry"
	"chat_realtime/internal/typing"
	"chat_realtime/internal/ws"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const Prefix = "REALTIME_"

type Config struct {
	ServerURL  string `env:"SERVER_URL,required"`
	UserID     string `env:"USER_ID,required"`
	DeviceID   string `env:"DEVICE_ID"`
	Platform   string `env:"PLATFORM"    envDefault:"headless"`
	AppVersion string `env:"APP_VERSION" envDefault:"dev"`

	// Optional sinks; empty disables the matching component.
	DatabaseURL    string `env:"DATABASE_URL"`
	AMQPURL        string `env:"AMQP_URL"`
	StreamURI      string `env:"STREAM_URI"`
	StreamName     string `env:"STREAM_NAME"      envDefault:"realtime-updates"`
	StreamMaxBytes int64  `env:"STREAM_MAX_BYTES" envDefault:"1073741824"`

	HTTPAddr         string   `env:"HTTP_ADDR"          envDefault:"127.0.0.1:8090"`
	HTTPAllowOrigins []string `env:"HTTP_ALLOW_ORIGINS" envSeparator:","`
	LogLevel         string   `env:"LOG_LEVEL"          envDefault:"info"`
	LogFormat        string   `env:"LOG_FORMAT"         envDefault:"text"`

	// UpdateBuffer sizes buffered subscriptions such as the incoming
	// message feed; sinks never drop and ignore it.
	UpdateBuffer int           `env:"UPDATE_BUFFER" envDefault:"256"`
	SinkTimeout  time.Duration `env:"SINK_TIMEOUT"  envDefault:"5s"`

	Delivery  DeliveryConfig  `envPrefix:"DELIVERY_"`
	Typing    TypingConfig    `envPrefix:"TYPING_"`
	Presence  PresenceConfig  `envPrefix:"PRESENCE_"`
	Reconnect ReconnectConfig `envPrefix:"RECONNECT_"`
}

type DeliveryConfig struct {
	AckTimeout              time.Duration `env:"ACK_TIMEOUT"                envDefault:"10s"`
	MaxRetries              int           `env:"MAX_RETRIES"                envDefault:"3"`
	RetryBase               time.Duration `env:"RETRY_BASE"                 envDefault:"1s"`
	RetryMax                time.Duration `env:"RETRY_MAX"`
	RetryJitter             float64       `env:"RETRY_JITTER"               envDefault:"0.2"`
	ResendQueuedOnReconnect bool          `env:"RESEND_QUEUED_ON_RECONNECT" envDefault:"true"`
}

type TypingConfig struct {
	Debounce        time.Duration `env:"DEBOUNCE"          envDefault:"250ms"`
	DebounceMaxWait time.Duration `env:"DEBOUNCE_MAX_WAIT" envDefault:"1s"`
	Heartbeat       time.Duration `env:"HEARTBEAT"         envDefault:"3s"`
	AutoStop        time.Duration `env:"AUTO_STOP"         envDefault:"2s"`
	ReceiverTimeout time.Duration `env:"RECEIVER_TIMEOUT"  envDefault:"4s"`
}

type PresenceConfig struct {
	BackgroundDelay   time.Duration `env:"BACKGROUND_DELAY" envDefault:"5s"`
	KeepaliveInterval time.Duration `env:"KEEPALIVE"        envDefault:"25s"`
	TTL               time.Duration `env:"TTL"              envDefault:"35s"`
	LookupTimeout     time.Duration `env:"LOOKUP_TIMEOUT"   envDefault:"2s"`
}

type ReconnectConfig struct {
	Base time.Duration `env:"BASE" envDefault:"1s"`
	Max  time.Duration `env:"MAX"  envDefault:"30s"`
}

// Load reads files (or ./.env when none are given) into the environment
// without overriding variables already set, then parses and validates.
// A missing ./.env is not an error; a missing named file is.
func Load(files ...string) (Config, error) {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return Config{}, fmt.Errorf("load env files: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting, each named by its variable.
func (c Config) Validate() error {
	var errs []error
	bad := func(name, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s%s: %s", Prefix, name, fmt.Sprintf(format, args...)))
	}
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			bad(name, "must be positive, got %s", d)
		}
	}

	positive("DELIVERY_ACK_TIMEOUT", c.Delivery.AckTimeout)
	positive("DELIVERY_RETRY_BASE", c.Delivery.RetryBase)
	if c.Delivery.RetryMax < 0 {
		bad("DELIVERY_RETRY_MAX", "must not be negative, got %s", c.Delivery.RetryMax)
	}
	if c.Delivery.MaxRetries < 1 {
		bad("DELIVERY_MAX_RETRIES", "must be at least 1, got %d", c.Delivery.MaxRetries)
	}
	if c.Delivery.RetryJitter < 0 || c.Delivery.RetryJitter >= 1 {
		bad("DELIVERY_RETRY_JITTER", "must be in [0,1), got %v", c.Delivery.RetryJitter)
	}

	positive("TYPING_DEBOUNCE", c.Typing.Debounce)
	positive("TYPING_DEBOUNCE_MAX_WAIT", c.Typing.DebounceMaxWait)
	positive("TYPING_HEARTBEAT", c.Typing.Heartbeat)
	positive("TYPING_AUTO_STOP", c.Typing.AutoStop)
	positive("TYPING_RECEIVER_TIMEOUT", c.Typing.ReceiverTimeout)
	if c.Typing.Heartbeat >= c.Typing.ReceiverTimeout {
		bad("TYPING_HEARTBEAT", "must be shorter than the receiver timeout %s", c.Typing.ReceiverTimeout)
	}
	if c.Typing.AutoStop >= c.Typing.ReceiverTimeout {
		bad("TYPING_AUTO_STOP", "must be shorter than the receiver timeout %s", c.Typing.ReceiverTimeout)
	}

	positive("PRESENCE_BACKGROUND_DELAY", c.Presence.BackgroundDelay)
	positive("PRESENCE_LOOKUP_TIMEOUT", c.Presence.LookupTimeout)
	positive("PRESENCE_KEEPALIVE", c.Presence.KeepaliveInterval)
	if c.Presence.KeepaliveInterval+presence.MinTTLMargin > c.Presence.TTL {
		bad("PRESENCE_KEEPALIVE", "must be at least %s below the ttl %s", presence.MinTTLMargin, c.Presence.TTL)
	}

	positive("RECONNECT_BASE", c.Reconnect.Base)
	if c.Reconnect.Max < c.Reconnect.Base {
		bad("RECONNECT_MAX", "must not be below the base %s", c.Reconnect.Base)
	}
	positive("SINK_TIMEOUT", c.SinkTimeout)
	if c.UpdateBuffer < 1 {
		bad("UPDATE_BUFFER", "must be at least 1, got %d", c.UpdateBuffer)
	}
	if c.StreamMaxBytes < 0 {
		bad("STREAM_MAX_BYTES", "must not be negative")
	}
	return errors.Join(errs...)
}

func (c Config) DeliveryConfig() delivery.Config {
	return delivery.Config{
		AckTimeout: c.Delivery.AckTimeout,
		MaxRetries: c.Delivery.MaxRetries,
		Backoff: retry.Backoff{
			Base:   c.Delivery.RetryBase,
			Max:    c.Delivery.RetryMax,
			Jitter: c.Delivery.RetryJitter,
		},
	}
}

func (c Config) TypingConfig() typing.Config {
	return typing.Config{
		Debounce:        c.Typing.Debounce,
		DebounceMaxWait: c.Typing.DebounceMaxWait,
		Heartbeat:       c.Typing.Heartbeat,
		AutoStop:        c.Typing.AutoStop,
		ReceiverTimeout: c.Typing.ReceiverTimeout,
	}
}

func (c Config) PresenceConfig() presence.Config {
	return presence.Config{
		BackgroundDelay:   c.Presence.BackgroundDelay,
		KeepaliveInterval: c.Presence.KeepaliveInterval,
		TTL:               c.Presence.TTL,
		LookupTimeout:     c.Presence.LookupTimeout,
		Device: domain.DeviceInfo{
			DeviceID:   c.DeviceID,
			Platform:   c.Platform,
			AppVersion: c.AppVersion,
		},
	}
}

func (c Config) RealtimeOptions() realtime.Options {
	return realtime.Options{
		ResendQueuedOnReconnect: c.Delivery.ResendQueuedOnReconnect,
		SinkTimeout:             c.SinkTimeout,
		UpdateBuffer:            c.UpdateBuffer,
	}
}

func (c Config) WSConfig() ws.Config {
	return ws.Config{
		URL:      c.ServerURL,
		UserID:   c.UserID,
		DeviceID: c.DeviceID,
		Reconnect: retry.Backoff{
			Base:   c.Reconnect.Base,
			Max:    c.Reconnect.Max,
			Jitter: 0.2,
		},
	}
}
