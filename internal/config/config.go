// Package config loads the daemon configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the syncd daemon configuration.
// All values except secrets have sensible defaults and can be overridden via
// environment variables.
type Config struct {
	// HTTP surface
	HTTPAddr        string // Default: :8080
	LiveSessionPath string // Default: /ws

	// Session auth
	JWTSecret string // Required

	// Stores
	DatabaseURL string // Required

	// Queue broker
	BrokerRedisURL    string // Default: redis://localhost:6379/0
	BrokerQueuePrefix string // Default: queue

	// Connection lifetime
	IdleTimeout       time.Duration // Default: 60s (T_IDLE_SECONDS)
	HeartbeatInterval time.Duration // Default: 30s (T_HEARTBEAT_SECONDS)

	// Retention
	RetentionDays int // Default: 30

	// Outbound channels
	MailFrom       string
	MailGatewayURL string
	MailGatewayKey string
	PushGatewayURL string
	PushGatewayKey string
	SMSGatewayURL  string
	SMSGatewayKey  string

	// Workers
	DispatchWorkers int // Default: 4

	// Shutdown
	ShutdownGrace time.Duration // Default: 15s
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:          ":8080",
		LiveSessionPath:   "/ws",
		BrokerRedisURL:    "redis://localhost:6379/0",
		BrokerQueuePrefix: "queue",
		IdleTimeout:       60 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		RetentionDays:     30,
		MailFrom:          "notifications@jotbook.app",
		DispatchWorkers:   4,
		ShutdownGrace:     15 * time.Second,
	}
}

// Load loads configuration from environment variables.
// Environment variables:
//   - JWT_SECRET: key used to verify bearer tokens at session handshake (required)
//   - DATABASE_URL: Postgres DSN (required)
//   - T_IDLE_SECONDS: session idle timeout (default: 60)
//   - T_HEARTBEAT_SECONDS: heartbeat interval (default: 30)
//   - BROKER_REDIS_URL: Redis backing the queues (default: redis://localhost:6379/0)
//   - BROKER_QUEUE_PREFIX: key prefix for queue state (default: queue)
//   - NOTIFICATION_RETENTION_DAYS: retention horizon (default: 30)
//   - MAIL_FROM: default sender address
//   - LIVE_SESSION_PATH: path the transport upgrades on (default: /ws)
//   - HTTP_ADDR: listen address (default: :8080)
//   - MAIL_GATEWAY_URL / MAIL_GATEWAY_KEY: mail provider endpoint
//   - PUSH_GATEWAY_URL / PUSH_GATEWAY_KEY: push gateway endpoint
//   - SMS_GATEWAY_URL / SMS_GATEWAY_KEY: text gateway endpoint
//   - DISPATCH_WORKERS: queue consumer concurrency (default: 4)
//   - SHUTDOWN_GRACE_SECONDS: drain window on shutdown (default: 15)
func Load() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("LIVE_SESSION_PATH"); v != "" {
		cfg.LiveSessionPath = v
	}
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if v := os.Getenv("BROKER_REDIS_URL"); v != "" {
		cfg.BrokerRedisURL = v
	}
	if v := os.Getenv("BROKER_QUEUE_PREFIX"); v != "" {
		cfg.BrokerQueuePrefix = v
	}

	if v := os.Getenv("T_IDLE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.IdleTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("T_HEARTBEAT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HeartbeatInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("NOTIFICATION_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetentionDays = n
		}
	}

	if v := os.Getenv("MAIL_FROM"); v != "" {
		cfg.MailFrom = v
	}
	cfg.MailGatewayURL = os.Getenv("MAIL_GATEWAY_URL")
	cfg.MailGatewayKey = os.Getenv("MAIL_GATEWAY_KEY")
	cfg.PushGatewayURL = os.Getenv("PUSH_GATEWAY_URL")
	cfg.PushGatewayKey = os.Getenv("PUSH_GATEWAY_KEY")
	cfg.SMSGatewayURL = os.Getenv("SMS_GATEWAY_URL")
	cfg.SMSGatewayKey = os.Getenv("SMS_GATEWAY_KEY")

	if v := os.Getenv("DISPATCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DispatchWorkers = n
		}
	}
	if v := os.Getenv("SHUTDOWN_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ShutdownGrace = time.Duration(n) * time.Second
		}
	}

	return cfg
}

// Validate reports missing required settings. The daemon refuses to start
// without them; everything else degrades to defaults.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}
