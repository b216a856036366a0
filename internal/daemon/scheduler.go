package daemon

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/events"
	"github.com/haasonsaas/amon/internal/graph"
	"github.com/haasonsaas/amon/internal/ids"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler evaluates cron rules on a tick loop. A tick that arrives within
// the misfire grace still fires; beyond it the occurrence is recorded as
// schedule.missed. Firings are spread by a uniform jitter.
type Scheduler struct {
	d     *Daemon
	rules []ScheduleRule

	now      func() time.Time
	tick     time.Duration
	jitterFn func(max time.Duration) time.Duration

	mu      sync.Mutex
	nextAt  map[string]time.Time
	stopped chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler over the loaded rules.
func NewScheduler(d *Daemon, rules []ScheduleRule) *Scheduler {
	return &Scheduler{
		d:     d,
		rules: rules,
		now:   time.Now,
		tick:  time.Second,
		jitterFn: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max))) // #nosec G404 -- spread, not secrecy
		},
		nextAt:  make(map[string]time.Time),
		stopped: make(chan struct{}),
	}
}

func (s *Scheduler) grace() time.Duration {
	g := s.d.deps.Config.MisfireGraceSeconds
	if g <= 0 {
		g = 300
	}
	return time.Duration(g) * time.Second
}

func (s *Scheduler) jitter() time.Duration {
	j := s.d.deps.Config.JitterSeconds
	if j < 0 {
		j = 0
	}
	return time.Duration(j) * time.Second
}

// Start seeds each rule's next occurrence, replays startup misfires, and
// begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	now := s.now()
	for _, rule := range s.rules {
		sched, err := cronParser.Parse(rule.Cron)
		if err != nil {
			s.d.logger.Error("invalid cron expression", "schedule", rule.ID, "cron", rule.Cron, "error", err)
			continue
		}
		s.recoverMisfire(rule, sched, now)
		s.mu.Lock()
		s.nextAt[rule.ID] = sched.Next(now)
		s.mu.Unlock()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopped:
				return
			case <-ticker.C:
				s.evaluate(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for in-flight dispatches.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}
	s.wg.Wait()
}

// recoverMisfire fires or records the single most recent occurrence missed
// while the daemon was down.
func (s *Scheduler) recoverMisfire(rule ScheduleRule, sched cron.Schedule, now time.Time) {
	st, err := s.d.jobs.Load(rule.ID)
	if err != nil || st.LastRunAt.IsZero() {
		return
	}
	var missed time.Time
	for t := sched.Next(st.LastRunAt); !t.IsZero() && t.Before(now); t = sched.Next(t) {
		missed = t
	}
	if missed.IsZero() {
		return
	}
	if now.Sub(missed) <= s.grace() {
		s.d.logger.Info("firing missed schedule within grace", "schedule", rule.ID, "due", missed)
		s.fire(context.Background(), rule, missed)
		return
	}
	root := s.d.deps.Projects.Root(rule.ProjectID)
	ev := events.New(events.ScopeProject, events.TypeScheduleMissed, rule.ProjectID)
	ev.Actor = SystemActor
	ev.Payload = map[string]any{"schedule_id": rule.ID, "due": missed.UTC().Format(time.RFC3339)}
	s.d.emit(rule.ProjectID, root, ev)
}

func (s *Scheduler) evaluate(ctx context.Context) {
	now := s.now()
	for _, rule := range s.rules {
		s.mu.Lock()
		due, ok := s.nextAt[rule.ID]
		fire := ok && !due.IsZero() && !now.Before(due)
		if fire {
			sched, err := cronParser.Parse(rule.Cron)
			if err == nil {
				s.nextAt[rule.ID] = sched.Next(now)
			} else {
				delete(s.nextAt, rule.ID)
			}
		}
		s.mu.Unlock()
		if !fire {
			continue
		}

		if now.Sub(due) > s.grace() {
			root := s.d.deps.Projects.Root(rule.ProjectID)
			ev := events.New(events.ScopeProject, events.TypeScheduleMissed, rule.ProjectID)
			ev.Actor = SystemActor
			ev.Payload = map[string]any{"schedule_id": rule.ID, "due": due.UTC().Format(time.RFC3339)}
			s.d.emit(rule.ProjectID, root, ev)
			continue
		}

		rule := rule
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if j := s.jitterFn(s.jitter()); j > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(j):
				}
			}
			s.fire(ctx, rule, due)
		}()
	}
}

// fire emits schedule.fired and dispatches the rule's action.
func (s *Scheduler) fire(ctx context.Context, rule ScheduleRule, due time.Time) {
	root := s.d.deps.Projects.Root(rule.ProjectID)

	ev := events.New(events.ScopeProject, events.TypeScheduleFired, rule.ProjectID)
	ev.Actor = SystemActor
	ev.Payload = map[string]any{"schedule_id": rule.ID, "due": due.UTC().Format(time.RFC3339)}
	s.d.emit(rule.ProjectID, root, ev)

	g, err := buildAction(rule.Action, "sched-"+rule.ID+"-"+ids.NewOpaque(), events.Event{ProjectID: rule.ProjectID})
	if err != nil {
		s.d.logger.Error("schedule action invalid", "schedule", rule.ID, "error", err)
		if _, serr := s.d.jobs.RecordFailure(rule.ID, err); serr != nil {
			s.d.logger.Error("job state save failed", "schedule", rule.ID, "error", serr)
		}
		return
	}

	run, err := s.d.submitRun("schedule", rule.ID, rule.ProjectID, g, rule.HighRisk())
	if err != nil {
		if errs.KindOf(err) != errs.KindBudgetExceeded {
			s.d.logger.Error("schedule dispatch failed", "schedule", rule.ID, "error", err)
		}
		if _, serr := s.d.jobs.RecordFailure(rule.ID, err); serr != nil {
			s.d.logger.Error("job state save failed", "schedule", rule.ID, "error", serr)
		}
		return
	}
	s.d.logger.Info("schedule fired", "schedule", rule.ID, "run_id", run.ID)
	if err := s.d.jobs.RecordRun(rule.ID, due); err != nil {
		s.d.logger.Warn("job state save failed", "schedule", rule.ID, "error", err)
	}
}

// buildAction turns an ActionSpec into a graph. Tool actions become a single
// tool_call node, which never touches the LLM or the automation budget.
func buildAction(action ActionSpec, graphID string, trigger events.Event) (*graph.Graph, error) {
	switch action.Kind {
	case "graph":
		mode := action.Mode
		if mode == "" {
			mode = graph.ModeSingle
		}
		return graph.Build(mode, graphID, renderTemplate(action.Prompt, trigger))
	case "tool":
		if action.Tool == "" {
			return nil, errs.New(errs.KindConfigInvalid, "tool action missing tool name")
		}
		args := make(map[string]any, len(action.Args))
		for k, v := range action.Args {
			args[k] = renderTemplate(v, trigger)
		}
		return &graph.Graph{
			ID: graphID,
			Nodes: []graph.Node{{
				ID:     "call",
				Type:   graph.NodeToolCall,
				Engine: graph.EngineTool,
				Tool:   action.Tool,
				Args:   args,
			}},
		}, nil
	default:
		return nil, errs.New(errs.KindConfigInvalid, "unknown action kind %q", action.Kind)
	}
}
