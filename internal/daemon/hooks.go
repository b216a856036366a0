package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/haasonsaas/amon/internal/bus"
	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/events"
	"github.com/haasonsaas/amon/internal/ids"
)

// Matcher evaluates hook rules against the live event feed. Matching emits
// hook.fired and dispatches the rule's action; cooldowns, dedupe keys, and
// concurrency caps suppress storms with a hook.suppressed record instead.
type Matcher struct {
	d     *Daemon
	rules []HookRule

	now func() time.Time

	mu         sync.Mutex
	lastFired  map[string]time.Time // rule id -> last dispatch
	seenDedupe map[string]time.Time // rendered dedupe key -> last dispatch
	inFlight   map[string]int       // rule id -> active runs

	sub  *bus.Subscription
	done chan struct{}
	wg   sync.WaitGroup
}

// NewMatcher creates a matcher over the loaded rules.
func NewMatcher(d *Daemon, rules []HookRule) *Matcher {
	return &Matcher{
		d:          d,
		rules:      rules,
		now:        time.Now,
		lastFired:  make(map[string]time.Time),
		seenDedupe: make(map[string]time.Time),
		inFlight:   make(map[string]int),
		done:       make(chan struct{}),
	}
}

// Start subscribes to the bus and evaluates every event.
func (m *Matcher) Start(ctx context.Context) {
	m.sub = m.d.deps.Bus.Subscribe(nil)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case ev, ok := <-m.sub.Events():
				if !ok {
					return
				}
				m.evaluate(ctx, ev)
			}
		}
	}()
}

// Stop detaches from the bus and waits for in-flight dispatches.
func (m *Matcher) Stop() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	m.wg.Wait()
}

func (m *Matcher) evaluate(ctx context.Context, ev events.Event) {
	for i := range m.rules {
		rule := m.rules[i]
		if !m.matches(rule, ev) {
			continue
		}
		if reason := m.admit(rule, ev); reason != "" {
			m.suppress(rule, ev, reason)
			continue
		}
		m.fire(ctx, rule, ev)
	}
}

// matches applies the rule predicates: event type, project, actor filters,
// path glob, and minimum size.
func (m *Matcher) matches(rule HookRule, ev events.Event) bool {
	if ev.ProjectID != rule.ProjectID {
		return false
	}
	var typeOK bool
	for _, t := range rule.EventTypes {
		if string(ev.Type) == t {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return false
	}
	for _, ignored := range m.d.deps.Config.IgnoreActors {
		if ev.Actor == ignored {
			return false
		}
	}
	if len(rule.Actors) > 0 {
		var actorOK bool
		for _, a := range rule.Actors {
			if ev.Actor == a {
				actorOK = true
				break
			}
		}
		if !actorOK {
			return false
		}
	}
	if rule.PathGlob != "" {
		path, _ := ev.Payload["path"].(string)
		ok, err := doublestar.Match(rule.PathGlob, path)
		if err != nil || !ok {
			return false
		}
	}
	if rule.MinSize > 0 {
		size, _ := ev.Payload["size"].(int64)
		if f, isFloat := ev.Payload["size"].(float64); isFloat {
			size = int64(f)
		}
		if size < rule.MinSize {
			return false
		}
	}
	return true
}

// admit applies the storm controls; a non-empty return is the suppression
// reason.
func (m *Matcher) admit(rule HookRule, ev events.Event) string {
	now := m.now()
	cooldown := time.Duration(rule.CooldownSeconds) * time.Second

	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.lastFired[rule.ID]; ok && now.Sub(last) < cooldown {
		return "cooldown"
	}
	if rule.DedupeKey != "" {
		key := rule.ID + "|" + renderTemplate(rule.DedupeKey, ev)
		if last, ok := m.seenDedupe[key]; ok && now.Sub(last) < cooldown {
			return "dedupe"
		}
		m.seenDedupe[key] = now
	}
	if m.inFlight[rule.ID] >= rule.MaxConcurrency {
		return "max_concurrency"
	}

	m.lastFired[rule.ID] = now
	m.inFlight[rule.ID]++
	return ""
}

func (m *Matcher) suppress(rule HookRule, trigger events.Event, reason string) {
	root := m.d.deps.Projects.Root(rule.ProjectID)
	ev := events.New(events.ScopeProject, events.TypeHookSuppressed, rule.ProjectID)
	ev.Actor = SystemActor
	ev.Payload = map[string]any{
		"hook_id": rule.ID,
		"reason":  reason,
		"trigger": string(trigger.Type),
	}
	m.d.emit(rule.ProjectID, root, ev)
}

func (m *Matcher) fire(ctx context.Context, rule HookRule, trigger events.Event) {
	root := m.d.deps.Projects.Root(rule.ProjectID)

	fired := events.New(events.ScopeProject, events.TypeHookFired, rule.ProjectID)
	fired.Actor = SystemActor
	fired.Payload = map[string]any{
		"hook_id": rule.ID,
		"trigger": string(trigger.Type),
		"path":    trigger.Payload["path"],
	}
	m.d.emit(rule.ProjectID, root, fired)

	g, err := buildAction(rule.Action, "hook-"+rule.ID+"-"+ids.NewOpaque(), trigger)
	if err != nil {
		m.d.logger.Error("hook action invalid", "hook", rule.ID, "error", err)
		m.release(rule.ID)
		return
	}

	run, err := m.d.submitRun("hook", rule.ID, rule.ProjectID, g, rule.HighRisk())
	if err != nil {
		if errs.KindOf(err) != errs.KindBudgetExceeded {
			m.d.logger.Error("hook dispatch failed", "hook", rule.ID, "error", err)
		}
		if _, serr := m.d.jobs.RecordFailure(rule.ID, err); serr != nil {
			m.d.logger.Error("job state save failed", "hook", rule.ID, "error", serr)
		}
		m.release(rule.ID)
		return
	}
	if err := m.d.jobs.RecordRun(rule.ID, m.now()); err != nil {
		m.d.logger.Warn("job state save failed", "hook", rule.ID, "error", err)
	}

	// Hold the concurrency slot until the run stops.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(rule.ID)
		select {
		case <-ctx.Done():
		case <-run.Done():
		}
	}()
}

func (m *Matcher) release(ruleID string) {
	m.mu.Lock()
	if m.inFlight[ruleID] > 0 {
		m.inFlight[ruleID]--
	}
	m.mu.Unlock()
}
