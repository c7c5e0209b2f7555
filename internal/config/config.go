package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/teresa-solution/tenant-schema-service/internal/schema"
)

type Database struct {
	Host            string        `env:"DB_HOST" envDefault:"localhost"`
	Port            int           `env:"DB_PORT" envDefault:"5432"`
	User            string        `env:"DB_USER" envDefault:"admin"`
	Password        string        `env:"DB_PASSWORD" envDefault:"securepassword"`
	Name            string        `env:"DB_NAME" envDefault:"tenant_registry"`
	SSLMode         string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns        int32         `env:"DB_MAX_CONNS" envDefault:"20"`
	MinConns        int32         `env:"DB_MIN_CONNS" envDefault:"2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"30m"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`
}

type SchemaPool struct {
	MinReady          int           `env:"SCHEMA_POOL_MIN_READY" envDefault:"3"`
	Prefix            string        `env:"SCHEMA_POOL_PREFIX" envDefault:"tp_"`
	SuffixLength      int           `env:"SCHEMA_POOL_SUFFIX_LENGTH" envDefault:"8"`
	ReplenishInterval time.Duration `env:"SCHEMA_POOL_REPLENISH_INTERVAL" envDefault:"300s"`
	NameAttempts      int           `env:"SCHEMA_POOL_NAME_ATTEMPTS" envDefault:"10"`
	ClaimTimeout      time.Duration `env:"SCHEMA_POOL_CLAIM_TIMEOUT" envDefault:"2s"`
	FallbackTimeout   time.Duration `env:"SCHEMA_POOL_FALLBACK_TIMEOUT" envDefault:"2m"`
	Enabled           bool          `env:"SCHEMA_POOL_ENABLED" envDefault:"true"`
}

type Redis struct {
	Addr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"` // empty disables the tenant cache
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	TTL      time.Duration `env:"TENANT_CACHE_TTL" envDefault:"1h"`
}

type Config struct {
	Database       Database
	SchemaPool     SchemaPool
	Redis          Redis
	DefaultSchema  string   `env:"DEFAULT_SCHEMA" envDefault:"public"`
	DefaultModules []string `env:"TENANT_DEFAULT_MODULES" envSeparator:"," envDefault:"customers,leads,reminders,files"`
	HTTPAddr       string   `env:"HTTP_ADDR" envDefault:":8081"`
	GRPCPort       int      `env:"GRPC_PORT" envDefault:"50051"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string   `env:"LOG_FORMAT" envDefault:"console"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if err := schema.ValidateName(c.DefaultSchema); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_SCHEMA: %w", err))
	}

	p := c.SchemaPool
	if p.MinReady < 0 {
		errs = append(errs, fmt.Errorf("SCHEMA_POOL_MIN_READY must not be negative, got %d", p.MinReady))
	}
	if p.ReplenishInterval <= 0 {
		errs = append(errs, fmt.Errorf("SCHEMA_POOL_REPLENISH_INTERVAL must be positive, got %s", p.ReplenishInterval))
	}
	if p.ClaimTimeout < 0 {
		errs = append(errs, fmt.Errorf("SCHEMA_POOL_CLAIM_TIMEOUT must not be negative, got %s", p.ClaimTimeout))
	}
	if p.FallbackTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SCHEMA_POOL_FALLBACK_TIMEOUT must be positive, got %s", p.FallbackTimeout))
	}
	if _, err := schema.NewNameGenerator(p.Prefix, p.SuffixLength, p.NameAttempts); err != nil {
		errs = append(errs, fmt.Errorf("schema pool naming: %w", err))
	}

	if c.Database.MaxConns < 1 {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.Database.MaxConns))
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS %d exceeds DB_MAX_CONNS %d", c.Database.MinConns, c.Database.MaxConns))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// DSN renders the database settings as a postgres URL.
func (d Database) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: url.Values{"sslmode": {d.SSLMode}}.Encode(),
	}
	return u.String()
}
