// Package config loads procflow engine configuration. A file is discovered
// in the working directory or the user home, decoded as YAML or TOML, and
// then overridden from PROCFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/procflow/environment"
)

const homeDirName = ".procflow"

var (
	projectConfigNames = []string{"procflow.yaml", "procflow.yml", "procflow.toml"}
	homeConfigNames    = []string{"config.yaml", "config.yml", "config.toml"}
)

// Store kinds.
const (
	StoreNone   = "none"
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid")

// Config is the engine configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`

	// Variables seed the environment of every run.
	Variables map[string]any `yaml:"variables,omitempty" toml:"variables,omitempty"`
}

// EngineConfig tunes process execution.
type EngineConfig struct {
	Prefetch int  `yaml:"prefetch" toml:"prefetch" env:"PROCFLOW_PREFETCH"`
	Strict   bool `yaml:"strict" toml:"strict" env:"PROCFLOW_STRICT"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" env:"PROCFLOW_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"PROCFLOW_LOG_FORMAT"`
}

// StoreConfig selects where run events are journaled.
type StoreConfig struct {
	Kind           string        `yaml:"kind" toml:"kind" env:"PROCFLOW_STORE"`
	DSN            string        `yaml:"dsn" toml:"dsn" env:"PROCFLOW_STORE_DSN"`
	RedisAddr      string        `yaml:"redis_addr" toml:"redis_addr" env:"PROCFLOW_REDIS_ADDR"`
	RedisPassword  string        `yaml:"redis_password" toml:"redis_password" env:"PROCFLOW_REDIS_PASSWORD"`
	RedisDB        int           `yaml:"redis_db" toml:"redis_db" env:"PROCFLOW_REDIS_DB"`
	TTL            time.Duration `yaml:"ttl" toml:"ttl" env:"PROCFLOW_STORE_TTL"`
	RetentionAge   time.Duration `yaml:"retention_age" toml:"retention_age" env:"PROCFLOW_RETENTION_AGE"`
	RetentionCount int           `yaml:"retention_count" toml:"retention_count" env:"PROCFLOW_RETENTION_COUNT"`
}

// TelemetryConfig enables trace export and the Prometheus endpoint.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" toml:"service_name" env:"PROCFLOW_SERVICE_NAME"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" toml:"otlp_endpoint" env:"PROCFLOW_OTLP_ENDPOINT"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" toml:"otlp_insecure" env:"PROCFLOW_OTLP_INSECURE"`
	PrometheusAddr string `yaml:"prometheus_addr" toml:"prometheus_addr" env:"PROCFLOW_PROMETHEUS_ADDR"`
}

// Default returns the configuration used when no file is found.
func Default() Config {
	return Config{
		Engine: EngineConfig{Prefetch: environment.DefaultPrefetch},
		Log:    LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{
			Kind: StoreMemory,
			DSN:  "procflow.db",
		},
		Telemetry: TelemetryConfig{ServiceName: "procflow"},
	}
}

// DiscoverPath resolves the config location with first-match semantics.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidate := filepath.Clean(clean)
		info, err := os.Stat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("config file %q not found", candidate)
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config path %q is a directory", candidate)
		}
		return candidate, true, nil
	}

	candidates := make([]string, 0, len(projectConfigNames)+len(homeConfigNames))
	for _, name := range projectConfigNames {
		candidates = append(candidates, filepath.Join(cwd, name))
	}
	for _, name := range homeConfigNames {
		candidates = append(candidates, filepath.Join(homeDir, homeDirName, name))
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load discovers and reads the configuration, applies environment
// overrides and validates the result. Without a config file the defaults
// are used.
func Load(explicitPath string) (Config, string, error) {
	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return Config{}, "", err
	}
	cfg := Default()
	if found {
		if cfg, err = LoadFile(path); err != nil {
			return Config{}, "", err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, "", err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, "", err
	}
	return cfg, path, nil
}

// LoadFile decodes a YAML or TOML file on top of the defaults.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from PROCFLOW_* environment variables. Unset
// variables leave the loaded values in place.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	return nil
}

// Validate checks enumerated values and bounds.
func (c Config) Validate() error {
	if c.Engine.Prefetch < 0 {
		return fmt.Errorf("%w: engine.prefetch %d is negative", ErrInvalid, c.Engine.Prefetch)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q, want text or json", ErrInvalid, c.Log.Format)
	}
	switch c.Store.Kind {
	case "", StoreNone, StoreMemory:
	case StoreSQLite:
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store.dsn is required for sqlite", ErrInvalid)
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("%w: store.redis_addr is required for redis", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: store.kind %q", ErrInvalid, c.Store.Kind)
	}
	if c.Store.RetentionCount < 0 {
		return fmt.Errorf("%w: store.retention_count %d is negative", ErrInvalid, c.Store.RetentionCount)
	}
	return nil
}

// Settings returns the run settings for new environments.
func (c Config) Settings() environment.Settings {
	return environment.Settings{
		Prefetch: c.Engine.Prefetch,
		Strict:   c.Engine.Strict,
	}
}

// NewLogger builds the configured slog logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: log.level %q", ErrInvalid, s)
}
