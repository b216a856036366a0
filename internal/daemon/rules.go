package daemon

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/events"
)

// Default safety knobs for hook rules.
const (
	DefaultCooldownSeconds = 30
	DefaultMaxConcurrency  = 1
)

// ActionSpec is what a matched hook or fired schedule dispatches: a built
// graph run, or a direct tool call that bypasses the LLM entirely.
type ActionSpec struct {
	// Kind is "graph" or "tool".
	Kind string `yaml:"kind"`

	// Mode and Prompt build a chat-style graph. Prompt accepts {path},
	// {type}, and {project} placeholders.
	Mode   string `yaml:"mode,omitempty"`
	Prompt string `yaml:"prompt,omitempty"`

	// Tool and Args invoke one tool deterministically. Arg values accept
	// the same placeholders.
	Tool string            `yaml:"tool,omitempty"`
	Args map[string]string `yaml:"args,omitempty"`
}

// HookRule is one trigger predicate plus its action.
type HookRule struct {
	ID        string `yaml:"id"`
	ProjectID string `yaml:"project_id"`

	// EventTypes filters by event type; empty matches nothing.
	EventTypes []string `yaml:"event_types"`
	// PathGlob filters on the event's path payload (doublestar syntax).
	PathGlob string `yaml:"path_glob,omitempty"`
	// MinSize filters out writes below this byte count.
	MinSize int64 `yaml:"min_size,omitempty"`
	// Actors allow-lists triggering actors; empty allows any not globally
	// ignored.
	Actors []string `yaml:"actors,omitempty"`

	CooldownSeconds int    `yaml:"cooldown_seconds,omitempty"`
	DedupeKey       string `yaml:"dedupe_key,omitempty"`
	MaxConcurrency  int    `yaml:"max_concurrency,omitempty"`

	// Risk "high" parks the resulting run for confirmation.
	Risk string `yaml:"risk,omitempty"`

	Action ActionSpec `yaml:"action"`
}

// HighRisk reports whether the rule requires confirmation before running.
func (r HookRule) HighRisk() bool { return r.Risk == string(events.RiskHigh) }

// ScheduleRule is one cron entry.
type ScheduleRule struct {
	ID        string     `yaml:"id"`
	ProjectID string     `yaml:"project_id"`
	Cron      string     `yaml:"cron"`
	Risk      string     `yaml:"risk,omitempty"`
	Action    ActionSpec `yaml:"action"`
}

// HighRisk reports whether the schedule requires confirmation.
func (r ScheduleRule) HighRisk() bool { return r.Risk == string(events.RiskHigh) }

type hookFile struct {
	Hooks []HookRule `yaml:"hooks"`
}

type scheduleFile struct {
	Schedules []ScheduleRule `yaml:"schedules"`
}

// HooksDir is where hook rule files live.
func HooksDir(dataDir string) string { return filepath.Join(dataDir, "hooks") }

// SchedulesDir is where schedule rule files live.
func SchedulesDir(dataDir string) string { return filepath.Join(dataDir, "schedules") }

// LoadHookRules reads every *.yaml under <data>/hooks. A missing directory
// means no hooks. Rules missing an id or project are rejected.
func LoadHookRules(dataDir string) ([]HookRule, error) {
	var out []HookRule
	err := loadRuleFiles(HooksDir(dataDir), func(data []byte, path string) error {
		var file hookFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return errs.Wrapf(errs.KindConfigInvalid, err, "parse %s", path)
		}
		for i, rule := range file.Hooks {
			if rule.ID == "" || rule.ProjectID == "" {
				return errs.New(errs.KindConfigInvalid, "%s: hook %d missing id or project_id", path, i)
			}
			if rule.CooldownSeconds <= 0 {
				rule.CooldownSeconds = DefaultCooldownSeconds
			}
			if rule.MaxConcurrency <= 0 {
				rule.MaxConcurrency = DefaultMaxConcurrency
			}
			out = append(out, rule)
		}
		return nil
	})
	return out, err
}

// LoadSchedules reads every *.yaml under <data>/schedules.
func LoadSchedules(dataDir string) ([]ScheduleRule, error) {
	var out []ScheduleRule
	err := loadRuleFiles(SchedulesDir(dataDir), func(data []byte, path string) error {
		var file scheduleFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return errs.Wrapf(errs.KindConfigInvalid, err, "parse %s", path)
		}
		for i, rule := range file.Schedules {
			if rule.ID == "" || rule.ProjectID == "" || rule.Cron == "" {
				return errs.New(errs.KindConfigInvalid, "%s: schedule %d missing id, project_id, or cron", path, i)
			}
			out = append(out, rule)
		}
		return nil
	})
	return out, err
}

func loadRuleFiles(dir string, parse func(data []byte, path string) error) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return errs.Wrap(errs.KindIO, err)
		}
		if err := parse(data, path); err != nil {
			return err
		}
	}
	return nil
}

// renderTemplate substitutes event fields into rule templates.
func renderTemplate(tpl string, ev events.Event) string {
	path, _ := ev.Payload["path"].(string)
	r := strings.NewReplacer(
		"{path}", path,
		"{type}", string(ev.Type),
		"{project}", ev.ProjectID,
		"{actor}", ev.Actor,
	)
	return r.Replace(tpl)
}
