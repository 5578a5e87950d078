// Package config loads service settings from defaults, an optional YAML file,
// a .env file and ESCROW_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "ESCROW_"

type Config struct {
	HTTP     HTTPConfig     `yaml:"http" envPrefix:"HTTP_"`
	Store    StoreConfig    `yaml:"store" envPrefix:"STORE_"`
	Database DatabaseConfig `yaml:"database" envPrefix:"DATABASE_"`
	Auth     AuthConfig     `yaml:"auth" envPrefix:"AUTH_"`
	Sweeper  SweeperConfig  `yaml:"sweeper" envPrefix:"SWEEPER_"`
	Outbox   OutboxConfig   `yaml:"outbox" envPrefix:"OUTBOX_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// StoreConfig selects the agreement registry: "memory" or "postgres".
type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxConns        int32         `yaml:"max_conns" env:"MAX_CONNS"`
	MinConns        int32         `yaml:"min_conns" env:"MIN_CONNS"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env:"MAX_CONN_LIFETIME"`
	RunMigrations   bool          `yaml:"run_migrations" env:"RUN_MIGRATIONS"`
}

type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer       string        `yaml:"issuer" env:"ISSUER"`
	TokenTTL     time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	ChallengeTTL time.Duration `yaml:"challenge_ttl" env:"CHALLENGE_TTL"`
}

type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	Batch    int           `yaml:"batch" env:"BATCH"`
}

// OutboxConfig drives the relay. Publisher is "none", "redis" or "rabbitmq".
type OutboxConfig struct {
	Publisher   string        `yaml:"publisher" env:"PUBLISHER"`
	Interval    time.Duration `yaml:"interval" env:"INTERVAL"`
	Batch       int           `yaml:"batch" env:"BATCH"`
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr" env:"ADDR"`
	Password      string `yaml:"password" env:"PASSWORD"`
	DB            int    `yaml:"db" env:"DB"`
	ChannelPrefix string `yaml:"channel_prefix" env:"CHANNEL_PREFIX"`
	LockPrefix    string `yaml:"lock_prefix" env:"LOCK_PREFIX"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url" env:"URL"`
	Exchange string `yaml:"exchange" env:"EXCHANGE"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Defaults returns a configuration that runs the in-memory store locally.
func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{Driver: "memory"},
		Database: DatabaseConfig{
			MaxConns:        10,
			MaxConnLifetime: time.Hour,
			RunMigrations:   true,
		},
		Auth: AuthConfig{
			Issuer:       "escrowflow",
			TokenTTL:     24 * time.Hour,
			ChallengeTTL: 5 * time.Minute,
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
			Batch:    100,
		},
		Outbox: OutboxConfig{
			Publisher:   "none",
			Interval:    time.Second,
			Batch:       50,
			MaxAttempts: 5,
		},
		Redis: RedisConfig{
			ChannelPrefix: "escrow",
			LockPrefix:    "escrow:lock",
		},
		RabbitMQ: RabbitMQConfig{Exchange: "escrow.events"},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// Load merges an optional YAML file at path, a .env file in the working
// directory and ESCROW_* variables over Defaults. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory or postgres", c.Store.Driver))
	}

	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 bytes"))
	}
	if c.Auth.TokenTTL <= 0 || c.Auth.ChallengeTTL <= 0 {
		errs = append(errs, errors.New("auth ttls must be positive"))
	}

	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		errs = append(errs, errors.New("sweeper.interval must be positive"))
	}

	switch c.Outbox.Publisher {
	case "none":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis publisher"))
		}
	case "rabbitmq":
		if c.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("rabbitmq.url is required for the rabbitmq publisher"))
		}
	default:
		errs = append(errs, fmt.Errorf("outbox.publisher %q must be none, redis or rabbitmq", c.Outbox.Publisher))
	}
	if c.Outbox.Interval <= 0 {
		errs = append(errs, errors.New("outbox.interval must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
