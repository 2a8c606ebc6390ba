// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Conditions    ConditionsConfig    `yaml:"conditions"`
	Templates     TemplatesConfig     `yaml:"templates"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// StoreConfig describes workflow persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	// DuplicateActivation is one of allow, reject, return_existing.
	DuplicateActivation string `yaml:"duplicate_activation"`
}

// ConditionsConfig declares the matter context keys applicability
// conditions may reference, mapped to bool, string, or number.
type ConditionsConfig struct {
	Schema map[string]string `yaml:"schema"`
}

// TemplatesConfig describes where to find workflow template YAML files.
type TemplatesConfig struct {
	Directories []string `yaml:"directories"`

	// Publish stores loaded templates on startup. Already published
	// (key, version) pairs are left alone.
	Publish bool `yaml:"publish"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// Lease bounds how long a request holds its key before it saves a
	// response. It must exceed server.handler_timeout, otherwise a retry
	// can claim the key while the first activation is still running.
	Lease time.Duration `yaml:"lease"`

	// Breaker guards the redis driver.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig describes the circuit breaker in front of a remote store.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Firm-Id", "X-Actor-Id",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "DOCKET_DATABASE_URL",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Workflow: WorkflowConfig{
			DuplicateActivation: "allow",
		},
		Templates: TemplatesConfig{
			Directories: []string{"/templates"},
			Publish:     true,
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "DOCKET_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
				Lease:      time.Minute,
				Breaker: BreakerConfig{
					FailureThreshold: 5,
					SuccessThreshold: 2,
					OpenTimeout:      30 * time.Second,
				},
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
		if c.Store.MaxConns < 1 {
			errs = append(errs, "store.max_conns must be at least 1")
		}
		if c.Store.MinConns > c.Store.MaxConns {
			errs = append(errs, "store.min_conns must not exceed store.max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}

	switch c.Workflow.DuplicateActivation {
	case "", "allow", "reject", "return_existing":
	default:
		errs = append(errs, fmt.Sprintf(
			"workflow.duplicate_activation %q must be allow, reject, or return_existing",
			c.Workflow.DuplicateActivation))
	}

	for key, typ := range c.Conditions.Schema {
		switch typ {
		case "bool", "string", "number":
		default:
			errs = append(errs, fmt.Sprintf("conditions.schema.%s: unknown type %q", key, typ))
		}
	}

	if len(c.Templates.Directories) == 0 {
		errs = append(errs, "templates.directories must list at least one directory")
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case "memory":
		case "redis":
			if c.Idempotency.Store.AddrEnv == "" {
				errs = append(errs, "idempotency.store.addr_env is required for the redis driver")
			}
			if b := c.Idempotency.Store.Breaker; b.FailureThreshold < 0 || b.SuccessThreshold < 0 || b.OpenTimeout < 0 {
				errs = append(errs, "idempotency.store.breaker values must not be negative")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q must be memory or redis",
				c.Idempotency.Store.Driver))
		}
		if c.Idempotency.Store.DefaultTTL <= 0 {
			errs = append(errs, "idempotency.store.default_ttl must be positive")
		}
		switch lease := c.Idempotency.Store.Lease; {
		case lease <= 0:
			errs = append(errs, "idempotency.store.lease must be positive")
		case c.Server.HandlerTimeout > 0 && lease <= c.Server.HandlerTimeout:
			errs = append(errs, fmt.Sprintf(
				"idempotency.store.lease %s must exceed server.handler_timeout %s",
				lease, c.Server.HandlerTimeout))
		}
	}

	if c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Exporter {
		case "otlp", "stdout":
		default:
			errs = append(errs, fmt.Sprintf("observability.tracing.exporter %q must be otlp or stdout",
				c.Observability.Tracing.Exporter))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads DOCKET_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOCKET_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DOCKET_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("DOCKET_WORKFLOW_DUPLICATE_ACTIVATION"); v != "" {
		cfg.Workflow.DuplicateActivation = v
	}
	if v := os.Getenv("DOCKET_TEMPLATES_DIRECTORIES"); v != "" {
		cfg.Templates.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("DOCKET_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Store.Driver = v
	}
	if v := os.Getenv("DOCKET_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
