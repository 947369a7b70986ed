// Package config loads runtime settings from .env, an optional YAML file named
// by CONFIG_FILE, and the process environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"escrowflow/clock"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	PublisherLog      = "log"
	PublisherRedis    = "redis"
	PublisherRabbitMQ = "rabbitmq"
)

type Config struct {
	HTTPAddr       string `yaml:"http_addr"`
	LogMode        string `yaml:"log_mode"`
	StoreDriver    string `yaml:"store_driver"`
	DatabaseURL    string `yaml:"database_url"`
	Migrate        bool   `yaml:"migrate"`
	JWTSecret      string `yaml:"jwt_secret"`
	AdminPrincipal string `yaml:"admin_principal"`
	AdminPassword  string `yaml:"admin_password"`
	EscrowAccount  string `yaml:"escrow_account"`

	DB DBConfig `yaml:"db"`

	ClockSource   string `yaml:"clock_source"`
	EthRPCURL     string `yaml:"eth_rpc_url"`
	DisputeWindow uint64 `yaml:"dispute_window"`

	OutboxPublisher string        `yaml:"outbox_publisher"`
	RelayInterval   time.Duration `yaml:"relay_interval"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisStream     string        `yaml:"redis_stream"`
	AMQPURL         string        `yaml:"amqp_url"`
	AMQPQueue       string        `yaml:"amqp_queue"`
}

// DBConfig sizes the Postgres connection pool.
type DBConfig struct {
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	ApplicationName string        `yaml:"application_name"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		LogMode:         "dev",
		StoreDriver:     StoreMemory,
		Migrate:         true,
		EscrowAccount:   "escrow",
		ClockSource:     clock.SourceWall,
		OutboxPublisher: PublisherLog,
		RelayInterval:   time.Second,
		RedisStream:     "escrowflow:events",
		AMQPQueue:       "escrowflow.events",
		DB: DBConfig{
			MaxConns:        16,
			MinConns:        2,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			ApplicationName: "escrowflow",
		},
	}
}

// Load builds the configuration and validates it.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if cfg.DisputeWindow == 0 {
		cfg.DisputeWindow = clock.DefaultDisputeWindow(cfg.ClockSource)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(content, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = getenv("HTTP_ADDR", c.HTTPAddr)
	c.LogMode = getenv("LOG_MODE", c.LogMode)
	c.StoreDriver = strings.ToLower(getenv("STORE_DRIVER", c.StoreDriver))
	c.DatabaseURL = getenv("DATABASE_URL", c.DatabaseURL)
	c.JWTSecret = getenv("JWT_SECRET", c.JWTSecret)
	c.AdminPrincipal = getenv("ADMIN_PRINCIPAL", c.AdminPrincipal)
	c.AdminPassword = getenv("ADMIN_PASSWORD", c.AdminPassword)
	c.EscrowAccount = getenv("ESCROW_ACCOUNT", c.EscrowAccount)
	c.ClockSource = strings.ToLower(getenv("CLOCK_SOURCE", c.ClockSource))
	c.EthRPCURL = getenv("ETH_RPC_URL", c.EthRPCURL)
	c.OutboxPublisher = strings.ToLower(getenv("OUTBOX_PUBLISHER", c.OutboxPublisher))
	c.RedisAddr = getenv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getenv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisStream = getenv("REDIS_STREAM", c.RedisStream)
	c.AMQPURL = getenv("AMQP_URL", c.AMQPURL)
	c.AMQPQueue = getenv("AMQP_QUEUE", c.AMQPQueue)
	c.DB.ApplicationName = getenv("DB_APPLICATION_NAME", c.DB.ApplicationName)

	if v := os.Getenv("MIGRATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: MIGRATE: %w", err)
		}
		c.Migrate = b
	}
	if v := os.Getenv("DISPUTE_WINDOW"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: DISPUTE_WINDOW: %w", err)
		}
		c.DisputeWindow = n
	}
	if v := os.Getenv("RELAY_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: RELAY_INTERVAL: %w", err)
		}
		c.RelayInterval = d
	}
	for key, dst := range map[string]*int32{"DB_MAX_CONNS": &c.DB.MaxConns, "DB_MIN_CONNS": &c.DB.MinConns} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 32)
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			*dst = int32(n)
		}
	}
	for key, dst := range map[string]*time.Duration{"DB_MAX_CONN_LIFETIME": &c.DB.MaxConnLifetime, "DB_MAX_CONN_IDLE_TIME": &c.DB.MaxConnIdleTime} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.AdminPrincipal == "" {
		errs = append(errs, errors.New("ADMIN_PRINCIPAL is required"))
	}
	if len(c.AdminPassword) < 8 {
		errs = append(errs, errors.New("ADMIN_PASSWORD must be at least 8 characters"))
	}
	if c.EscrowAccount == "" {
		errs = append(errs, errors.New("ESCROW_ACCOUNT must not be empty"))
	}
	if c.AdminPrincipal != "" && c.AdminPrincipal == c.EscrowAccount {
		errs = append(errs, errors.New("ADMIN_PRINCIPAL and ESCROW_ACCOUNT must differ"))
	}

	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
		if c.DB.MaxConns < 1 || c.DB.MinConns < 0 || c.DB.MinConns > c.DB.MaxConns {
			errs = append(errs, fmt.Errorf("DB_MIN_CONNS %d / DB_MAX_CONNS %d out of range", c.DB.MinConns, c.DB.MaxConns))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.ClockSource {
	case clock.SourceWall:
	case clock.SourceBlock:
		if c.EthRPCURL == "" {
			errs = append(errs, errors.New("ETH_RPC_URL is required for the block clock"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CLOCK_SOURCE %q", c.ClockSource))
	}

	switch c.OutboxPublisher {
	case PublisherLog:
	case PublisherRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis publisher"))
		}
	case PublisherRabbitMQ:
		if c.AMQPURL == "" {
			errs = append(errs, errors.New("AMQP_URL is required for the rabbitmq publisher"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown OUTBOX_PUBLISHER %q", c.OutboxPublisher))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
