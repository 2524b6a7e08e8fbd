package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jotbook/realtime/internal/telemetry"
)

// NewClient connects to Redis from a URL (the BROKER_REDIS_URL
// environment value, e.g. redis://localhost:6379/0).
func NewClient(redisURL string) (*redis.Client, error) {
	ctx := telemetry.WithCorrelationID(context.Background(), telemetry.NewCorrelationID())
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation": "redis_connection",
		"service":   "cache",
	})

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.WithError(err).Error("Invalid Redis URL")
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.MaxRetries = 3

	logger = logger.WithFields(map[string]interface{}{
		"addr": opts.Addr,
		"db":   opts.DB,
	})
	logger.Info("Establishing Redis connection")

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Error("Failed to connect to Redis")
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis connected successfully")
	return client, nil
}

// NewInstrumentedClient connects to Redis with OpenTelemetry tracing enabled
func NewInstrumentedClient(redisURL string) (*redis.Client, error) {
	client, err := NewClient(redisURL)
	if err != nil {
		return nil, err
	}

	if err := telemetry.InstrumentRedisClient(client); err != nil {
		telemetry.GetGlobalLogger().WithError(err).Warn("Failed to instrument Redis client")
	}
	return client, nil
}
