package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("model call", "key", "sk-ant-REDACTED")

	line := buf.String()
	if strings.Contains(line, "sk-ant-") {
		t.Errorf("secret leaked into log output: %s", line)
	}
	if !strings.Contains(line, "[REDACTED]") {
		t.Errorf("expected redaction marker in %s", line)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	logger.Info("should not appear")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Error("info line emitted at warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn line missing")
	}
}

func TestNewLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})
	logger.Info("hello", "component", "runtime")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["component"] != "runtime" {
		t.Errorf("component = %v", rec["component"])
	}
}

func TestHealthWindow_ErrorRate(t *testing.T) {
	h := NewHealthWindow(time.Minute)
	h.Observe(false)
	h.Observe(false)
	h.Observe(true)
	h.Observe(true)

	snap := h.Snapshot()
	if snap.RequestCount != 4 {
		t.Errorf("request count = %d, want 4", snap.RequestCount)
	}
	if snap.ErrorCount != 2 {
		t.Errorf("error count = %d, want 2", snap.ErrorCount)
	}
	if snap.ErrorRate != 0.5 {
		t.Errorf("error rate = %v, want 0.5", snap.ErrorRate)
	}
}

func TestHealthWindow_PrunesOldSamples(t *testing.T) {
	h := NewHealthWindow(time.Minute)
	base := time.Now()
	h.now = func() time.Time { return base }
	h.Observe(true)

	h.now = func() time.Time { return base.Add(2 * time.Minute) }
	h.Observe(false)

	snap := h.Snapshot()
	if snap.RequestCount != 1 {
		t.Errorf("request count = %d, want 1 after pruning", snap.RequestCount)
	}
	if snap.ErrorCount != 0 {
		t.Errorf("error count = %d, want 0", snap.ErrorCount)
	}
}

func TestNewMetrics_Registers(t *testing.T) {
	m := NewMetrics()
	m.RequestTotal.Inc()
	m.RunTotal.WithLabelValues("chat", "succeeded").Inc()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"amon_ui_request_total", "amon_run_total"} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}
