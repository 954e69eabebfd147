// Package config handles loading, validating, and writing the plangov
// configuration from ~/.plangov/config.yaml.
//
// Values are layered: built-in defaults, then config.yaml, then a small set
// of PLANGOV_* environment variables for deployment secrets and endpoints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/ctrlai/plangov/internal/store"
)

// Environment overrides.
const (
	EnvStorageDriver = "PLANGOV_STORAGE_DRIVER"
	EnvStorageDSN    = "PLANGOV_STORAGE_DSN"
	EnvJWTSecret     = "PLANGOV_JWT_SECRET"
	EnvPort          = "PLANGOV_PORT"
)

// Config is the top-level plangov configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Governance GovernanceConfig `yaml:"governance"`
	Auth       AuthConfig       `yaml:"auth"`
	API        APIConfig        `yaml:"api"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig defines where the API server listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects the document store. An empty sqlite DSN means
// plangov.db inside the state directory.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// GovernanceConfig tunes the review workflow.
type GovernanceConfig struct {
	DecidePermissions []string `yaml:"decide_permissions"`
	SubmitPermissions []string `yaml:"submit_permissions"`
	StepTimeoutMs     int      `yaml:"step_timeout_ms"`
}

// StepTimeout returns the per-step storage timeout.
func (g GovernanceConfig) StepTimeout() time.Duration {
	return time.Duration(g.StepTimeoutMs) * time.Millisecond
}

// AuthConfig controls how API callers are identified. With an empty
// JWTSecret the API trusts the X-Actor-ID header, which is only suitable
// for a loopback-bound server.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// APIConfig rate-limits API calls per actor.
type APIConfig struct {
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	Burst              int     `yaml:"burst"`
}

// DashboardConfig controls the web dashboard served at /dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus endpoint at /metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads config.yaml from path over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	if _, err := os.Stat(path); err == nil {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		// Lists given in the file replace the defaults instead of being
		// merged element by element.
		if k.Exists("governance.decide_permissions") {
			cfg.Governance.DecidePermissions = nil
		}
		if k.Exists("governance.submit_permissions") {
			cfg.Governance.SubmitPermissions = nil
		}
		if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
			return nil, fmt.Errorf("decoding config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes a default config.yaml with a comment header.
func WriteDefault(path string) error {
	data, err := yamlv3.Marshal(applyDefaults())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# plangov configuration
#
# server:      API bind address (default 127.0.0.1:3200, loopback only)
# storage:     driver is memory, sqlite, or postgres; dsn is the database
#              path (sqlite) or connection string (postgres)
# governance:  permissions that allow deciding and submitting reviews
#              (an actor needs any one of each list); step_timeout_ms bounds
#              every storage call
# auth:        jwt_secret enables HS256 bearer tokens; leave empty to trust
#              the X-Actor-ID header
# api:         per-actor request rate limit
#
# Environment overrides: PLANGOV_STORAGE_DRIVER, PLANGOV_STORAGE_DSN,
# PLANGOV_JWT_SECRET, PLANGOV_PORT.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Storage: StorageConfig{
			Driver: store.DriverSQLite,
		},
		Governance: GovernanceConfig{
			DecidePermissions: []string{"planner:approve", "governance:admin"},
			SubmitPermissions: []string{"planner:submit", "governance:admin"},
			StepTimeoutMs:     5000,
		},
		Auth: AuthConfig{
			Issuer: "plangov",
		},
		API: APIConfig{
			RateLimitPerSecond: 10,
			Burst:              20,
		},
		Dashboard: DashboardConfig{Enabled: true},
		Metrics:   MetricsConfig{Enabled: true},
	}
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvStorageDriver); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv(EnvStorageDSN); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", EnvPort, err)
		}
		cfg.Server.Port = port
	}
	return nil
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	switch cfg.Storage.Driver {
	case store.DriverMemory, store.DriverSQLite:
	case store.DriverPostgres:
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("storage.driver %q unknown (use memory, sqlite, or postgres)", cfg.Storage.Driver)
	}

	if len(cfg.Governance.DecidePermissions) == 0 {
		return fmt.Errorf("governance.decide_permissions must not be empty")
	}
	if len(cfg.Governance.SubmitPermissions) == 0 {
		return fmt.Errorf("governance.submit_permissions must not be empty")
	}
	if cfg.Governance.StepTimeoutMs < 0 {
		return fmt.Errorf("governance.step_timeout_ms must be non-negative")
	}

	if cfg.API.RateLimitPerSecond < 0 {
		return fmt.Errorf("api.rate_limit_per_second must be non-negative")
	}
	if cfg.API.RateLimitPerSecond > 0 && cfg.API.Burst < 1 {
		return fmt.Errorf("api.burst must be at least 1 when rate limiting is on")
	}
	return nil
}
