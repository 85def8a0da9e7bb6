// Package config loads service settings from an optional YAML file and
// AUCTION_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
}

type PostgresConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Stream   string `mapstructure:"stream"`
	Consumer string `mapstructure:"consumer"`
}

// RelayConfig tunes outbox delivery.
type RelayConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

// RulesConfig tunes violation escalation.
type RulesConfig struct {
	EscalationThreshold string        `mapstructure:"escalation_threshold"`
	EscalationDelay     time.Duration `mapstructure:"escalation_delay"`
	MaxEscalationLevel  int           `mapstructure:"max_escalation_level"`
	SweepSchedule       string        `mapstructure:"sweep_schedule"`
}

type SettlementConfig struct {
	SweepSchedule string `mapstructure:"sweep_schedule"`
	BatchSize     int    `mapstructure:"batch_size"`
	Concurrency   int    `mapstructure:"concurrency"`
}

type LedgerConfig struct {
	ConflictRetries  uint `mapstructure:"conflict_retries"`
	IdempotencyCache int  `mapstructure:"idempotency_cache"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load merges defaults, the config file and the environment, in increasing
// precedence. An empty path searches ./config.yaml and ./configs/config.yaml;
// a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("AUCTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Relay.PollInterval <= 0:
		return errors.New("relay.poll_interval must be positive")
	case c.Relay.BatchSize <= 0:
		return errors.New("relay.batch_size must be positive")
	case c.Relay.MaxAttempts <= 0:
		return errors.New("relay.max_attempts must be positive")
	case c.Relay.BaseBackoff <= 0 || c.Relay.MaxBackoff < c.Relay.BaseBackoff:
		return errors.New("relay backoff must satisfy 0 < base_backoff <= max_backoff")
	case c.Rules.MaxEscalationLevel < 0:
		return errors.New("rules.max_escalation_level must not be negative")
	case c.Settlement.Concurrency <= 0:
		return errors.New("settlement.concurrency must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("postgres.dsn", "postgres://localhost:5432/auctionledger?sslmode=disable")
	v.SetDefault("postgres.max_conns", 20)
	v.SetDefault("postgres.auto_migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 30*time.Second)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream", "AUCTION_EVENTS")
	v.SetDefault("nats.consumer", "auction-projection")

	v.SetDefault("relay.poll_interval", 100*time.Millisecond)
	v.SetDefault("relay.batch_size", 100)
	v.SetDefault("relay.max_attempts", 10)
	v.SetDefault("relay.publish_timeout", 5*time.Second)
	v.SetDefault("relay.base_backoff", 200*time.Millisecond)
	v.SetDefault("relay.max_backoff", 30*time.Second)
	v.SetDefault("relay.rate_limit", 500.0)
	v.SetDefault("relay.rate_burst", 100)

	v.SetDefault("rules.escalation_threshold", "error")
	v.SetDefault("rules.escalation_delay", 15*time.Minute)
	v.SetDefault("rules.max_escalation_level", 3)
	v.SetDefault("rules.sweep_schedule", "@every 1m")

	v.SetDefault("settlement.sweep_schedule", "@every 5s")
	v.SetDefault("settlement.batch_size", 50)
	v.SetDefault("settlement.concurrency", 4)

	v.SetDefault("ledger.conflict_retries", 5)
	v.SetDefault("ledger.idempotency_cache", 10000)

	v.SetDefault("server.addr", ":9090")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
}
