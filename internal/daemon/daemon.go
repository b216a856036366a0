// Package daemon converts external stimuli into graph runs under the same
// safety rules as chat: filesystem watchers, cron schedules, and hook rules
// all dispatch through the runtime, where policy and budget gates apply.
// Daemon-initiated runs carry actor "system" so their own file writes cannot
// re-trigger hooks.
package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/amon/internal/bus"
	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/eventlog"
	"github.com/haasonsaas/amon/internal/events"
	"github.com/haasonsaas/amon/internal/graph"
	"github.com/haasonsaas/amon/internal/project"
	"github.com/haasonsaas/amon/internal/runtime"
	"github.com/haasonsaas/amon/internal/vault"
)

// SystemActor marks daemon-originated events and runs.
const SystemActor = "system"

// Deps wires the daemon into the platform.
type Deps struct {
	Config   config.DaemonConfig
	DataDir  string
	Logger   *slog.Logger
	Bus      *bus.Bus
	Streams  *eventlog.Registry
	Runtime  *runtime.Runtime
	Projects *project.Store
	Vault    *vault.Vault

	// TrashRetainDays bounds the trash sweep; zero disables it.
	TrashRetainDays int
}

// Daemon owns the watchers, the scheduler, and the hook matcher.
type Daemon struct {
	deps   Deps
	logger *slog.Logger
	jobs   *jobStore

	mu       sync.Mutex
	watchers []*Watcher
	sched    *Scheduler
	matcher  *Matcher
	cancel   context.CancelFunc
	started  bool
}

// New creates a daemon. Start loads rules and begins watching.
func New(deps Deps) *Daemon {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		deps:   deps,
		logger: logger.With("component", "daemon"),
		jobs:   newJobStore(deps.DataDir, deps.Vault),
	}
}

// Start loads hook and schedule rules, spins up one watcher per project, and
// begins matching. Idempotent; a second call is a no-op.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	hooks, err := LoadHookRules(d.deps.DataDir)
	if err != nil {
		cancel()
		return err
	}
	schedules, err := LoadSchedules(d.deps.DataDir)
	if err != nil {
		cancel()
		return err
	}

	projects, err := d.deps.Projects.List()
	if err != nil {
		cancel()
		return err
	}
	for _, proj := range projects {
		w := NewWatcher(d, proj.ID, proj.Root)
		d.watchers = append(d.watchers, w)
		w.Start(ctx)
	}

	d.matcher = NewMatcher(d, hooks)
	d.matcher.Start(ctx)

	d.sched = NewScheduler(d, schedules)
	d.sched.Start(ctx)

	if d.deps.TrashRetainDays > 0 {
		go d.sweepTrash(ctx)
	}

	d.started = true
	d.logger.Info("daemon started",
		"projects", len(projects), "hooks", len(hooks), "schedules", len(schedules))
	return nil
}

// Stop halts all sub-components and flushes pending watcher batches.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}
	d.cancel()
	for _, w := range d.watchers {
		w.Stop()
	}
	if d.sched != nil {
		d.sched.Stop()
	}
	if d.matcher != nil {
		d.matcher.Stop()
	}
	d.started = false
}

// sweepTrash prunes expired trash entries once at startup and then every 12
// hours.
func (d *Daemon) sweepTrash(ctx context.Context) {
	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()
	for {
		removed, err := d.deps.Vault.SweepTrash(d.deps.TrashRetainDays)
		if err != nil {
			d.logger.Warn("trash sweep failed", "error", err)
		} else if removed > 0 {
			d.logger.Info("trash swept", "removed", removed)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// emit appends an event to the project log and publishes it live.
func (d *Daemon) emit(projectID, projectRoot string, ev events.Event) {
	ev.ProjectID = projectID
	stamped, err := d.deps.Streams.Append(eventlog.ProjectEventsPath(projectRoot), ev)
	if err != nil {
		d.logger.Error("daemon event append failed", "project_id", projectID, "type", ev.Type, "error", err)
		stamped = ev
	}
	d.deps.Bus.Publish(stamped)
}

// submitRun dispatches a daemon-triggered graph. High-risk rules get a
// confirm node prepended so the run parks as pending_confirmation instead of
// executing; the automation budget gate inside the runtime handles the rest.
func (d *Daemon) submitRun(source, ruleID, projectID string, g *graph.Graph, highRisk bool) (*runtime.Run, error) {
	proj, err := d.deps.Projects.Get(projectID)
	if err != nil {
		return nil, err
	}
	manifest, err := d.deps.Projects.LoadManifest(projectID)
	if err != nil {
		return nil, err
	}
	if highRisk {
		g = withConfirmGate(g, ruleID)
	}
	run, err := d.deps.Runtime.Submit(runtime.Submission{
		ProjectID:   projectID,
		ProjectRoot: proj.Root,
		Source:      source,
		Actor:       SystemActor,
		Graph:       g,
		Rules:       manifest.Policy,
	})
	if err != nil {
		return nil, errs.Wrapf(errs.KindOf(err), err, "dispatch %s %s", source, ruleID)
	}
	return run, nil
}

// withConfirmGate prepends a confirm node in front of every root so the run
// parks for user approval before any work starts.
func withConfirmGate(g *graph.Graph, ruleID string) *graph.Graph {
	hasIncoming := make(map[string]bool)
	for _, e := range g.Edges {
		hasIncoming[e.To] = true
	}

	gated := &graph.Graph{ID: g.ID, Mode: g.Mode}
	confirm := graph.Node{
		ID:   "approve",
		Type: graph.NodeConfirm,
		Plan: &graph.PlanSpec{
			Command: "automation.run",
			Args:    []string{ruleID},
			Risk:    string(events.RiskHigh),
		},
	}
	gated.Nodes = append(gated.Nodes, confirm)
	gated.Nodes = append(gated.Nodes, g.Nodes...)
	gated.Edges = append(gated.Edges, g.Edges...)
	for _, n := range g.Nodes {
		if !hasIncoming[n.ID] {
			gated.Edges = append(gated.Edges, graph.Edge{From: "approve", To: n.ID})
		}
	}
	return gated
}
