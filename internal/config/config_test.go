package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/amon/internal/errs"
)

func TestLoad_DefaultsWhenNoFiles(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir, "", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Runtime.MaxParallelNodes != 4 {
		t.Errorf("max_parallel_nodes = %d, want 4", cfg.Runtime.MaxParallelNodes)
	}
	if cfg.Daemon.WatchDebounceMs != 800 {
		t.Errorf("watch_debounce_ms = %d, want 800", cfg.Daemon.WatchDebounceMs)
	}
	if cfg.Vault.TrashRetainDays != 30 {
		t.Errorf("trash_retain_days = %d, want 30", cfg.Vault.TrashRetainDays)
	}
}

func TestLoad_GlobalThenProjectPrecedence(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(global, []byte("runtime:\n  max_parallel_nodes: 8\nserver:\n  port: 9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	project := filepath.Join(dir, "amon.project.yaml")
	if err := os.WriteFile(project, []byte("server:\n  port: 9100\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir, project, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Runtime.MaxParallelNodes != 8 {
		t.Errorf("global setting lost: max_parallel_nodes = %d", cfg.Runtime.MaxParallelNodes)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("project should override global: port = %d", cfg.Server.Port)
	}
}

func TestLoad_CLIOverridesWinOverAll(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "amon.project.yaml")
	if err := os.WriteFile(project, []byte("server:\n  port: 9100\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir, project, &Overrides{Port: 9999, LogLevel: "debug"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("CLI override lost: port = %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AMON_TEST_PROVIDER", "openai")
	global := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(global, []byte("model:\n  provider: ${AMON_TEST_PROVIDER}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir, "", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model.Provider != "openai" {
		t.Errorf("provider = %q, want openai", cfg.Model.Provider)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(global, []byte("runtime: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(dir, "", nil)
	if !errs.Is(err, errs.KindConfigInvalid) {
		t.Errorf("err = %v, want CONFIG_INVALID", err)
	}
}

func TestLoad_InvalidProvider(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(global, []byte("model:\n  provider: carrier-pigeon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(dir, "", nil)
	if !errs.Is(err, errs.KindConfigInvalid) {
		t.Errorf("err = %v, want CONFIG_INVALID", err)
	}
}

func TestResolveDataDir_EnvPrecedence(t *testing.T) {
	t.Setenv("AMON_HOME", "/tmp/amon-home")
	t.Setenv("AMON_DATA_DIR", "/tmp/amon-data")
	if got := ResolveDataDir(); got != "/tmp/amon-home" {
		t.Errorf("AMON_HOME should win, got %q", got)
	}
	t.Setenv("AMON_HOME", "")
	if got := ResolveDataDir(); got != "/tmp/amon-data" {
		t.Errorf("AMON_DATA_DIR fallback, got %q", got)
	}
}

func TestSnapshot_AtomicSwap(t *testing.T) {
	a := Default()
	b := Default()
	b.Server.Port = 1234

	snap := NewSnapshot(a)
	if snap.Load() != a {
		t.Fatal("initial snapshot mismatch")
	}
	snap.Publish(b)
	if snap.Load().Server.Port != 1234 {
		t.Error("published config not visible")
	}
}
