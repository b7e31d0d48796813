package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tautly/eventgrid/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Adapter)
	assert.Equal(t, ".DLQ", cfg.Bus.DLQSuffix)
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Outbox.RetryDelay)
	assert.Equal(t, 5, cfg.Outbox.DeadLetterThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Outbox.StuckTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.Outbox.Retention)
	assert.Equal(t, 5, cfg.Consumer.MaxRetries)
	assert.Equal(t, "backward", cfg.Registry.Compatibility)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
adapter: redis
redis:
  addr: redis.internal:6380
outbox:
  batch_size: 10
  retry_delay: 2s
registry:
  compatibility: full
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Adapter)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 10, cfg.Outbox.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Outbox.RetryDelay)
	assert.Equal(t, "full", cfg.Registry.Compatibility)
	assert.Equal(t, time.Second, cfg.Outbox.Interval, "unset keys keep defaults")
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("EVENTGRID_ADAPTER", "nats")
	t.Setenv("EVENTGRID_NATS_URL", "nats://broker:4222")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats", cfg.Adapter)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
}

// Keys that default to their zero value must still be reachable from the
// environment.
func TestEnvSuppliesZeroDefaultedKeys(t *testing.T) {
	t.Setenv("EVENTGRID_POSTGRES_DSN", "postgres://app:secret@db:5432/eventgrid")
	t.Setenv("EVENTGRID_REDIS_USERNAME", "app")
	t.Setenv("EVENTGRID_REDIS_PASSWORD", "hunter2")
	t.Setenv("EVENTGRID_REDIS_DB", "3")
	t.Setenv("EVENTGRID_ADAPTER", "kafka")
	t.Setenv("EVENTGRID_KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	t.Setenv("EVENTGRID_KAFKA_AUTO_COMMIT", "true")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://app:secret@db:5432/eventgrid", cfg.Postgres.DSN)
	assert.Equal(t, "app", cfg.Redis.Username)
	assert.Equal(t, "hunter2", cfg.Redis.Password)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.AutoCommit)
}

func TestValidateRejectsUnknownAdapter(t *testing.T) {
	t.Setenv("EVENTGRID_ADAPTER", "carrier-pigeon")
	_, err := config.Load("")
	assert.Error(t, err)
}

func TestValidateRequiresKafkaBrokers(t *testing.T) {
	t.Setenv("EVENTGRID_ADAPTER", "kafka")
	_, err := config.Load("")
	assert.Error(t, err)
}

func TestValidateRejectsUnknownCompatibility(t *testing.T) {
	t.Setenv("EVENTGRID_REGISTRY_COMPATIBILITY", "sideways")
	_, err := config.Load("")
	assert.Error(t, err)
}
