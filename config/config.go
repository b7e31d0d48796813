// Package config loads the daemon configuration from a file and the
// EVENTGRID-prefixed environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Adapter  string         `mapstructure:"adapter"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Bus      BusConfig      `mapstructure:"bus"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Registry RegistryConfig `mapstructure:"registry"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type BusConfig struct {
	DLQSuffix string `mapstructure:"dlq_suffix"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	ClientID   string   `mapstructure:"client_id"`
	AutoCommit bool     `mapstructure:"auto_commit"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type OutboxConfig struct {
	BatchSize           int           `mapstructure:"batch_size"`
	Interval            time.Duration `mapstructure:"interval"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	DeadLetterThreshold int           `mapstructure:"dead_letter_threshold"`
	StuckTimeout        time.Duration `mapstructure:"stuck_timeout"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	Retention           time.Duration `mapstructure:"retention"`
	PurgeInterval       time.Duration `mapstructure:"purge_interval"`
}

type ConsumerConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     time.Duration `mapstructure:"jitter"`
}

type RegistryConfig struct {
	Compatibility string `mapstructure:"compatibility"`
}

// Load reads configuration from the optional file at path and from the
// environment. Environment keys are upper-cased with dots replaced by
// underscores, e.g. EVENTGRID_OUTBOX_BATCH_SIZE.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("eventgrid")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key, including zero-valued ones. Viper only
// unmarshals keys it knows about, so a key without a default would be
// invisible to environment-only configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("adapter", "memory")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("bus.dlq_suffix", ".DLQ")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "eventgrid")
	v.SetDefault("kafka.auto_commit", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.interval", time.Second)
	v.SetDefault("outbox.retry_delay", 10*time.Second)
	v.SetDefault("outbox.dead_letter_threshold", 5)
	v.SetDefault("outbox.stuck_timeout", 30*time.Minute)
	v.SetDefault("outbox.sweep_interval", 5*time.Minute)
	v.SetDefault("outbox.retention", 7*24*time.Hour)
	v.SetDefault("outbox.purge_interval", time.Hour)
	v.SetDefault("consumer.max_retries", 5)
	v.SetDefault("consumer.base_delay", time.Second)
	v.SetDefault("consumer.multiplier", 2.0)
	v.SetDefault("consumer.max_delay", 30*time.Second)
	v.SetDefault("consumer.jitter", 100*time.Millisecond)
	v.SetDefault("registry.compatibility", "backward")
}

func (c Config) Validate() error {
	switch c.Adapter {
	case "memory", "redis", "kafka", "nats":
	default:
		return fmt.Errorf("unknown adapter %q", c.Adapter)
	}
	if c.Adapter == "kafka" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required for the kafka adapter")
	}
	switch c.Registry.Compatibility {
	case "none", "backward", "forward", "full":
	default:
		return fmt.Errorf("unknown registry.compatibility %q", c.Registry.Compatibility)
	}
	if c.Outbox.DeadLetterThreshold < 1 {
		return fmt.Errorf("outbox.dead_letter_threshold must be at least 1")
	}
	return nil
}
