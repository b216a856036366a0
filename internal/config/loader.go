package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/amon/internal/errs"
)

// Snapshot is an atomically swappable configuration pointer. Readers always
// observe a fully built Config; Reload publishes a new one in one store.
type Snapshot struct {
	ptr atomic.Pointer[Config]
}

// NewSnapshot publishes the initial config.
func NewSnapshot(cfg *Config) *Snapshot {
	s := &Snapshot{}
	s.ptr.Store(cfg)
	return s
}

// Load returns the current config. Never nil once published.
func (s *Snapshot) Load() *Config { return s.ptr.Load() }

// Publish swaps in a new config.
func (s *Snapshot) Publish(cfg *Config) { s.ptr.Store(cfg) }

// ResolveDataDir applies the environment precedence for the data root:
// AMON_HOME, then AMON_DATA_DIR, then ~/.amon.
func ResolveDataDir() string {
	if v := os.Getenv("AMON_HOME"); v != "" {
		return v
	}
	if v := os.Getenv("AMON_DATA_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".amon"
	}
	return filepath.Join(home, ".amon")
}

// Load builds a Config by merging, in increasing precedence: compiled
// defaults, the global <data>/config.yaml, the project amon.project.yaml
// (optional, pass "" to skip), and CLI overrides (optional, may be nil).
// Missing files are not errors; unparsable files are CONFIG_INVALID.
func Load(dataDir, projectFile string, overrides *Overrides) (*Config, error) {
	cfg := Default()
	cfg.DataDir = dataDir

	globalFile := filepath.Join(dataDir, "config.yaml")
	if err := mergeFile(cfg, globalFile); err != nil {
		return nil, err
	}
	if projectFile != "" {
		if err := mergeFile(cfg, projectFile); err != nil {
			return nil, err
		}
	}
	if overrides != nil {
		overrides.apply(cfg)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Overrides carries CLI-level settings, the highest precedence layer.
type Overrides struct {
	Port     int
	LogLevel string
	Provider string
}

func (o *Overrides) apply(cfg *Config) {
	if o.Port > 0 {
		cfg.Server.Port = o.Port
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.Provider != "" {
		cfg.Model.Provider = o.Provider
	}
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrapf(errs.KindIO, err, "read config %s", path)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return errs.Wrapf(errs.KindConfigInvalid, err, "parse %s", path)
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Runtime.MaxParallelNodes <= 0 {
		return errs.New(errs.KindConfigInvalid, "runtime.max_parallel_nodes must be positive, got %d", cfg.Runtime.MaxParallelNodes)
	}
	if cfg.Runtime.MaxParallelRuns <= 0 {
		return errs.New(errs.KindConfigInvalid, "runtime.max_parallel_runs must be positive, got %d", cfg.Runtime.MaxParallelRuns)
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return errs.New(errs.KindConfigInvalid, "server.port out of range: %d", cfg.Server.Port)
	}
	switch cfg.Model.Provider {
	case "anthropic", "openai", "fake":
	default:
		return errs.New(errs.KindConfigInvalid, "unknown model provider %q", cfg.Model.Provider)
	}
	return nil
}

// MustLoad is Load for main(); it exits through the returned error message.
func MustLoad(dataDir string, overrides *Overrides) (*Config, error) {
	cfg, err := Load(dataDir, "", overrides)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
