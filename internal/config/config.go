// Package config loads static runtime configuration: storage backend
// selection, retention policy, and provider credentials by
// environment-variable reference, using gopkg.in/yaml.v3 to match the
// teacher's own config-file convention.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StorageConfig selects and configures one of C1's pluggable backends.
type StorageConfig struct {
	Backend  string `yaml:"backend"` // "memory" | "sqlite" | "postgres"
	SQLite   struct {
		Path string `yaml:"path"`
	} `yaml:"sqlite"`
	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password_env"` // name of the env var holding the password
		Database string `yaml:"database"`
		SSLMode  string `yaml:"ssl_mode"`
	} `yaml:"postgres"`
}

// RetentionConfig configures the bounded ShellExecution retention sweep.
type RetentionConfig struct {
	Schedule string `yaml:"schedule"` // cron expression, e.g. "*/5 * * * *"
	WindowMinutes int `yaml:"window_minutes"`
}

// ProviderConfig names the environment variable holding credentials for
// one LLM provider; the spec keeps provider wire formats abstract, so
// this only carries enough to construct a provider client.
type ProviderConfig struct {
	Name      string `yaml:"name"`
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
	Region    string `yaml:"region,omitempty"` // bedrock only
}

// PersistenceConfig selects sync vs async event persistence at world-load
// time (spec §9 open question: treated as load-time configuration, not
// runtime-changeable).
type PersistenceConfig struct {
	Mode string `yaml:"mode"` // "sync" | "async"
}

// LoggingConfig mirrors observability.LogConfig's YAML-facing fields.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration document.
type Config struct {
	Storage     StorageConfig      `yaml:"storage"`
	Retention   RetentionConfig    `yaml:"retention"`
	Providers   []ProviderConfig   `yaml:"providers"`
	Persistence PersistenceConfig  `yaml:"persistence"`
	Logging     LoggingConfig      `yaml:"logging"`
	TurnLimit   int                `yaml:"turn_limit"` // spec §9: configurable, default routing.DefaultTurnLimit
}

// Load reads and parses a YAML config document from path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "*/15 * * * *"
	}
	if cfg.Retention.WindowMinutes == 0 {
		cfg.Retention.WindowMinutes = 60
	}
	if cfg.Persistence.Mode == "" {
		cfg.Persistence.Mode = "async"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.TurnLimit == 0 {
		cfg.TurnLimit = 3
	}
}

// ResolveAPIKey looks up the environment variable named by envVar. Empty
// envVar yields an empty key (used by providers that need no credential,
// e.g. local test doubles).
func ResolveAPIKey(envVar string) string {
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}
