package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()

	assert.Equal(t, InfoLevel, cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
	assert.False(t, cfg.Rotation)
}

func TestLogConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("LOG_FILE_MAX_SIZE", "250")
	t.Setenv("LOG_FILE_MAX_AGE", "not-a-number")

	cfg := LogConfigFromEnv()

	assert.Equal(t, DebugLevel, cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, 250, cfg.MaxSize)
	// Bad numeric value keeps the default
	assert.Equal(t, 28, cfg.MaxAge)
}

func TestCorrelationID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetCorrelationID(ctx))

	ctx = WithCorrelationID(ctx, "corr-123")
	assert.Equal(t, "corr-123", GetCorrelationID(ctx))

	// Empty id generates one
	ctx = WithCorrelationID(context.Background(), "")
	assert.NotEmpty(t, GetCorrelationID(ctx))
}

func TestContextualLogger_FieldsReachOutput(t *testing.T) {
	logger, err := NewLogger(DefaultLogConfig())
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)

	ctx := WithCorrelationID(context.Background(), "corr-xyz")
	logger.WithContext(ctx).
		WithFields(logrus.Fields{"queue": "email"}).
		WithField("attempt", 2).
		Info("delivery retried")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "corr-xyz", entry["correlation_id"])
	assert.Equal(t, "email", entry["queue"])
	assert.Equal(t, float64(2), entry["attempt"])
	assert.Equal(t, "delivery retried", entry["message"])
}

func TestContextualLogger_WithErrorKeepsFields(t *testing.T) {
	logger, err := NewLogger(DefaultLogConfig())
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)

	cl := logger.WithContext(WithCorrelationID(context.Background(), "corr-err"))
	cl.WithError(assert.AnError).Error("send failed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "corr-err", entry["correlation_id"])
	assert.Contains(t, entry["error"], "assert.AnError")
}
