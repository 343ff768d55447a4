// Package config loads the service configuration from defaults, an optional
// config file and CDCRELAY_ prefixed environment variables.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration of the relay service
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DSN returns the connection URL of the database.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		Path:     c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

type NATSConfig struct {
	URL      string         `mapstructure:"url"`
	Name     string         `mapstructure:"name"`
	Username string         `mapstructure:"username"`
	Password string         `mapstructure:"password"`
	Token    string         `mapstructure:"token"`
	Outbound OutboundConfig `mapstructure:"outbound"`
	Inbound  InboundConfig  `mapstructure:"inbound"`
}

// OutboundConfig defines the stream local changes are published to.
type OutboundConfig struct {
	Stream          string        `mapstructure:"stream"`
	SubjectPrefix   string        `mapstructure:"subject_prefix"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
}

// InboundConfig defines the durable consumer external events are applied from.
type InboundConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Stream        string        `mapstructure:"stream"`
	Consumer      string        `mapstructure:"consumer"`
	FilterSubject string        `mapstructure:"filter_subject"`
	AckWait       time.Duration `mapstructure:"ack_wait"`
	MaxDeliver    int           `mapstructure:"max_deliver"`
	MaxAckPending int           `mapstructure:"max_ack_pending"`
	NakDelay      time.Duration `mapstructure:"nak_delay"`
}

// RedisConfig holds the configuration of the inbound deduplication cache
type RedisConfig struct {
	URL     string        `mapstructure:"url"`
	Enabled bool          `mapstructure:"enabled"`
	Prefix  string        `mapstructure:"prefix"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type RelayConfig struct {
	Consumer     string        `mapstructure:"consumer"`
	Source       string        `mapstructure:"source"`
	Kinds        []string      `mapstructure:"kinds"`
	BatchSize    int           `mapstructure:"batch_size"`
	Concurrency  int           `mapstructure:"concurrency"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffMin   time.Duration `mapstructure:"backoff_min"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	QueueBuffer  int           `mapstructure:"queue_buffer"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// Nested keys map to variables like CDCRELAY_DATABASE_POSTGRES_HOST.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "cdcrelay")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "cdcrelay")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 0)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "cdcrelay")
	v.SetDefault("nats.username", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.token", "")
	v.SetDefault("nats.outbound.stream", "CDCRELAY")
	v.SetDefault("nats.outbound.subject_prefix", "cdcrelay")
	v.SetDefault("nats.outbound.max_age", "168h")
	v.SetDefault("nats.outbound.duplicate_window", "2m")
	v.SetDefault("nats.inbound.enabled", true)
	v.SetDefault("nats.inbound.stream", "PARTNER")
	v.SetDefault("nats.inbound.consumer", "cdcrelay-applier")
	v.SetDefault("nats.inbound.filter_subject", "")
	v.SetDefault("nats.inbound.ack_wait", "30s")
	v.SetDefault("nats.inbound.max_deliver", 3)
	v.SetDefault("nats.inbound.max_ack_pending", 100)
	v.SetDefault("nats.inbound.nak_delay", "5s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.prefix", "cdcrelay:applied")
	v.SetDefault("redis.ttl", "24h")

	v.SetDefault("relay.consumer", "cdcrelay-outbound")
	v.SetDefault("relay.source", "cdcrelay")
	v.SetDefault("relay.kinds", []string{"Agency"})
	v.SetDefault("relay.batch_size", 100)
	v.SetDefault("relay.concurrency", 16)
	v.SetDefault("relay.max_attempts", 3)
	v.SetDefault("relay.backoff_min", "100ms")
	v.SetDefault("relay.backoff_max", "2s")
	v.SetDefault("relay.poll_interval", "5s")
	v.SetDefault("relay.queue_buffer", 64)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override file config
	v.SetEnvPrefix("CDCRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable zero value.
func (c *Config) Validate() error {
	switch {
	case c.Relay.Consumer == "":
		return fmt.Errorf("relay.consumer must not be empty")
	case c.Relay.Source == "":
		return fmt.Errorf("relay.source must not be empty")
	case len(c.Relay.Kinds) < 1:
		return fmt.Errorf("relay.kinds must not be empty")
	case c.NATS.Outbound.Stream == "" || c.NATS.Outbound.SubjectPrefix == "":
		return fmt.Errorf("nats.outbound.stream and nats.outbound.subject_prefix must be set")
	case c.NATS.Inbound.Enabled && (c.NATS.Inbound.Stream == "" || c.NATS.Inbound.Consumer == ""):
		return fmt.Errorf("nats.inbound.stream and nats.inbound.consumer must be set")
	case c.Relay.BackoffMin <= 0 || c.Relay.BackoffMin > c.Relay.BackoffMax:
		return fmt.Errorf("relay.backoff_min must be >0 and <= relay.backoff_max")
	}
	return nil
}
