// Package billing accumulates model spend per day and gates dispatch against
// the configured budgets. Records are appended to the global and project
// billing logs; the in-memory day accumulators are rebuilt from the global
// log on startup so restarts do not reset spend.
package billing

import (
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/eventlog"
	"github.com/haasonsaas/amon/internal/events"
)

// Usage is token consumption for one model call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Cost is a model's pricing per million tokens.
type Cost struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// Estimate computes the dollar cost of the usage.
func (c Cost) Estimate(u Usage) float64 {
	return (float64(u.InputTokens)*c.Input + float64(u.OutputTokens)*c.Output) / 1_000_000
}

// defaultPricing covers the providers the platform ships with. Unknown models
// fall back to the most expensive known rate so budget gating stays
// conservative.
var defaultPricing = map[string]Cost{
	"claude-sonnet-4":  {Input: 3, Output: 15},
	"claude-haiku-3-5": {Input: 0.8, Output: 4},
	"gpt-4o":           {Input: 2.5, Output: 10},
	"gpt-4o-mini":      {Input: 0.15, Output: 0.6},
}

var fallbackCost = Cost{Input: 3, Output: 15}

// PriceFor returns the cost table entry whose name prefixes the model id.
func PriceFor(model string) Cost {
	for name, cost := range defaultPricing {
		if strings.HasPrefix(model, name) {
			return cost
		}
	}
	return fallbackCost
}

// dayTotals is one project's accumulation for one day.
type dayTotals struct {
	cost          float64
	automatedCost float64
	inputTokens   int64
	outputTokens  int64
	runs          map[string]struct{}
}

// Ledger is the spend accumulator and budget gate.
type Ledger struct {
	mu      sync.Mutex
	cfg     config.BillingConfig
	global  *eventlog.Stream
	streams *eventlog.Registry
	now     func() time.Time

	// days is keyed by "2006-01-02" then project id. The empty project
	// key carries the global day total.
	days map[string]map[string]*dayTotals
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger opens the global billing stream under dataDir and replays today's
// records into the accumulators.
func NewLedger(cfg config.BillingConfig, dataDir string, streams *eventlog.Registry, opts ...Option) (*Ledger, error) {
	global, err := eventlog.Open(eventlog.GlobalBillingPath(dataDir))
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		cfg:     cfg,
		global:  global,
		streams: streams,
		now:     time.Now,
		days:    make(map[string]map[string]*dayTotals),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.replay(); err != nil {
		global.Close()
		return nil, err
	}
	return l, nil
}

// Close flushes the global stream.
func (l *Ledger) Close() error {
	return l.global.Close()
}

func (l *Ledger) replay() error {
	today := l.now().UTC().Format("2006-01-02")
	recorded, err := eventlog.ReadSince(l.global.Path(), 0, 0)
	if err != nil {
		return err
	}
	for _, ev := range recorded {
		if ev.Type != events.TypeBillingUsage {
			continue
		}
		if ev.TS.UTC().Format("2006-01-02") != today {
			continue
		}
		l.apply(ev)
	}
	return nil
}

func (l *Ledger) apply(ev events.Event) {
	day := ev.TS.UTC().Format("2006-01-02")
	cost, _ := ev.Payload["cost_usd"].(float64)
	in := asInt64(ev.Payload["input_tokens"])
	out := asInt64(ev.Payload["output_tokens"])
	automated := ev.Source == "hook" || ev.Source == "schedule"

	for _, key := range []string{"", ev.ProjectID} {
		byProject, ok := l.days[day]
		if !ok {
			byProject = make(map[string]*dayTotals)
			l.days[day] = byProject
		}
		totals, ok := byProject[key]
		if !ok {
			totals = &dayTotals{runs: make(map[string]struct{})}
			byProject[key] = totals
		}
		totals.cost += cost
		totals.inputTokens += in
		totals.outputTokens += out
		if automated {
			totals.automatedCost += cost
		}
		if ev.RunID != "" {
			totals.runs[ev.RunID] = struct{}{}
		}
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// RecordUsage prices the usage, appends billing.usage to the global and
// project logs, and folds it into the day accumulators. Returns the cost.
func (l *Ledger) RecordUsage(projectRoot, projectID, runID, source, provider, model string, u Usage) (float64, error) {
	cost := PriceFor(model).Estimate(u)

	ev := events.New(events.ScopeGlobal, events.TypeBillingUsage, projectID)
	ev.TS = l.now().UTC()
	ev.RunID = runID
	ev.Source = source
	ev.Payload = map[string]any{
		"provider":      provider,
		"model":         model,
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
		"cost_usd":      cost,
	}

	l.mu.Lock()
	l.apply(ev)
	l.mu.Unlock()

	if _, err := l.global.Append(ev); err != nil {
		return cost, err
	}
	if projectRoot != "" && l.streams != nil {
		projectEv := ev
		projectEv.Scope = events.ScopeProject
		if _, err := l.streams.Append(eventlog.ProjectBillingPath(projectRoot), projectEv); err != nil {
			return cost, err
		}
	}
	return cost, nil
}

func (l *Ledger) todayTotals(projectID string) (global, project *dayTotals) {
	day := l.now().UTC().Format("2006-01-02")
	byProject := l.days[day]
	if byProject == nil {
		return nil, nil
	}
	return byProject[""], byProject[projectID]
}

// CheckRunBudget gates an interactive LLM dispatch against the global and
// per-project day ceilings.
func (l *Ledger) CheckRunBudget(projectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkRunBudgetLocked(projectID)
}

func (l *Ledger) checkRunBudgetLocked(projectID string) error {
	global, project := l.todayTotals(projectID)
	if l.cfg.DailyBudget > 0 && global != nil && global.cost >= l.cfg.DailyBudget {
		return errs.New(errs.KindBudgetExceeded, "daily budget %.2f USD reached", l.cfg.DailyBudget)
	}
	if l.cfg.PerProjectBudget > 0 && project != nil && project.cost >= l.cfg.PerProjectBudget {
		return errs.New(errs.KindBudgetExceeded, "project %s daily budget %.2f USD reached", projectID, l.cfg.PerProjectBudget)
	}
	return nil
}

// CheckAutomationBudget gates daemon-triggered LLM runs. The default budget
// of zero rejects every automated LLM run.
func (l *Ledger) CheckAutomationBudget(projectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, project := l.todayTotals(projectID)
	spent := 0.0
	if project != nil {
		spent = project.automatedCost
	}
	if spent >= l.cfg.AutomationBudgetDaily {
		return errs.New(errs.KindBudgetExceeded,
			"automation budget %.2f USD reached for project %s", l.cfg.AutomationBudgetDaily, projectID)
	}
	return l.checkRunBudgetLocked(projectID)
}
