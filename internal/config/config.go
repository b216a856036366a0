// Package config defines the platform configuration and its load precedence:
// CLI flags > project amon.project.yaml > global <data>/config.yaml >
// compiled defaults. A loaded Config is immutable; reloads publish a new
// snapshot atomically.
package config

import (
	"time"

	"github.com/haasonsaas/amon/internal/observability"
)

// Config is the merged platform configuration.
type Config struct {
	// DataDir is the platform data root (<data> in the layout). Resolved
	// from AMON_HOME, then AMON_DATA_DIR, then ~/.amon.
	DataDir string `yaml:"data_dir"`

	Runtime RuntimeConfig             `yaml:"runtime"`
	Daemon  DaemonConfig              `yaml:"daemon"`
	Billing BillingConfig             `yaml:"billing"`
	Model   ModelConfig               `yaml:"model"`
	Server  ServerConfig              `yaml:"server"`
	Vault   VaultConfig               `yaml:"vault"`
	Logging observability.LogConfig   `yaml:"logging"`
}

// RuntimeConfig bounds graph execution.
type RuntimeConfig struct {
	// MaxParallelNodes bounds the per-run worker pool.
	MaxParallelNodes int `yaml:"max_parallel_nodes"`

	// MaxParallelRuns bounds concurrently executing chat-triggered runs.
	MaxParallelRuns int `yaml:"max_parallel_runs"`

	// CancelGraceS is how long cancelled nodes get to wind down before
	// forced abandonment.
	CancelGraceS float64 `yaml:"cancel_grace_s"`

	// InactivityS is the default per-node inactivity timeout, reset by
	// any streamed progress token.
	InactivityS float64 `yaml:"inactivity_s"`

	// HardS is the default per-node wall-clock cap.
	HardS float64 `yaml:"hard_s"`

	// WarningAfterS emits a non-terminal warning event when no token has
	// been observed for this long.
	WarningAfterS float64 `yaml:"warning_after_s"`

	// PlanExpiryS is how long a parked run waits for confirmation before
	// its plan card is auto-rejected, unless the node declares its own.
	PlanExpiryS float64 `yaml:"plan_expiry_s"`
}

// DaemonConfig governs hooks, schedules, and watchers.
type DaemonConfig struct {
	// WatchDebounceMs is the per-path debounce window for filesystem
	// change events.
	WatchDebounceMs int `yaml:"watch_debounce_ms"`

	// IgnoreActors lists event actors the watcher must not re-trigger on;
	// "system" prevents self-trigger loops.
	IgnoreActors []string `yaml:"ignore_actors"`

	// MisfireGraceSeconds allows a late cron tick to still fire.
	MisfireGraceSeconds int `yaml:"misfire_grace_seconds"`

	// JitterSeconds spreads schedule firings by a uniform random delay.
	JitterSeconds int `yaml:"jitter_seconds"`

	// CooldownSeconds is the default per-hook cooldown.
	CooldownSeconds int `yaml:"cooldown_seconds"`

	// DedupeWindowSeconds is the live-bus dedupe coalescing window.
	DedupeWindowSeconds int `yaml:"dedupe_window_seconds"`
}

// BillingConfig bounds model spend.
type BillingConfig struct {
	// DailyBudget is the global per-day cost ceiling in USD. Zero means
	// no global ceiling.
	DailyBudget float64 `yaml:"daily_budget"`

	// PerProjectBudget is the per-project per-day ceiling. Zero means no
	// per-project ceiling.
	PerProjectBudget float64 `yaml:"per_project_budget"`

	// AutomationBudgetDaily caps daemon-triggered LLM runs per project
	// per day. Zero rejects all automated LLM runs.
	AutomationBudgetDaily float64 `yaml:"automation_budget_daily"`
}

// ModelConfig selects the ChatModel provider.
type ModelConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`

	// Name is the provider model identifier.
	Name string `yaml:"name"`

	// MaxTokens caps completion length.
	MaxTokens int `yaml:"max_tokens"`
}

// ServerConfig binds the HTTP API.
type ServerConfig struct {
	// Host is the bind address; the API is localhost-only by default.
	Host string `yaml:"host"`

	// Port is the HTTP port.
	Port int `yaml:"port"`

	// StreamRecoveryWindow bounds how many logged events a reconnecting
	// client may replay.
	StreamRecoveryWindow int `yaml:"stream_recovery_window"`
}

// VaultConfig governs soft deletion.
type VaultConfig struct {
	// TrashRetainDays bounds how long trash entries are kept.
	TrashRetainDays int `yaml:"trash_retain_days"`
}

// Default returns the compiled defaults; every loaded config starts here.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			MaxParallelNodes: 4,
			MaxParallelRuns:  2,
			CancelGraceS:     5,
			InactivityS:      60,
			HardS:            600,
			WarningAfterS:    30,
			PlanExpiryS:      3600,
		},
		Daemon: DaemonConfig{
			WatchDebounceMs:     800,
			IgnoreActors:        []string{"system"},
			MisfireGraceSeconds: 300,
			JitterSeconds:       30,
			CooldownSeconds:     30,
			DedupeWindowSeconds: 30,
		},
		Billing: BillingConfig{
			AutomationBudgetDaily: 0,
		},
		Model: ModelConfig{
			Provider:  "anthropic",
			MaxTokens: 4096,
		},
		Server: ServerConfig{
			Host:                 "127.0.0.1",
			Port:                 7777,
			StreamRecoveryWindow: 10000,
		},
		Vault: VaultConfig{
			TrashRetainDays: 30,
		},
		Logging: observability.LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// CancelGrace returns the cancellation grace period as a duration.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.Runtime.CancelGraceS * float64(time.Second))
}
