// Package runtime executes resolved task DAGs: topological scheduling with a
// bounded worker pool, per-node retries and timeouts, cancellation with a
// grace period, confirmation parking, and artifact emission. One Runtime
// serves every project; each Submit produces an isolated Run.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/amon/internal/billing"
	"github.com/haasonsaas/amon/internal/bus"
	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/eventlog"
	"github.com/haasonsaas/amon/internal/events"
	"github.com/haasonsaas/amon/internal/graph"
	"github.com/haasonsaas/amon/internal/ids"
	"github.com/haasonsaas/amon/internal/model"
	"github.com/haasonsaas/amon/internal/observability"
	"github.com/haasonsaas/amon/internal/policy"
	"github.com/haasonsaas/amon/internal/sandbox"
	"github.com/haasonsaas/amon/internal/vault"
)

// defaultPlanExpiry parks a run at most this long before auto-reject when the
// plan declares no expiry of its own.
const defaultPlanExpiry = time.Hour

// Deps wires the runtime's collaborators.
type Deps struct {
	Config config.RuntimeConfig
	// DataDir locates the global audit log.
	DataDir string
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Bus     *bus.Bus
	Streams *eventlog.Registry
	Model   model.ChatModel
	Sandbox *sandbox.Client
	Ledger  *billing.Ledger
	Vault   *vault.Vault
}

// Runtime schedules and executes runs.
type Runtime struct {
	deps   Deps
	logger *slog.Logger

	runSem chan struct{}

	mu       sync.Mutex
	active   map[string]*Run
	expiry   map[string]*time.Timer
	observer func(r *Run, approved bool)
	baseCtx  context.Context
	stop     context.CancelFunc
}

// New creates a runtime. Zero config values fall back to the documented
// defaults.
func New(deps Deps) *Runtime {
	if deps.Config.MaxParallelNodes <= 0 {
		deps.Config.MaxParallelNodes = 4
	}
	if deps.Config.MaxParallelRuns <= 0 {
		deps.Config.MaxParallelRuns = 2
	}
	if deps.Config.CancelGraceS <= 0 {
		deps.Config.CancelGraceS = 5
	}
	if deps.Config.InactivityS <= 0 {
		deps.Config.InactivityS = 60
	}
	if deps.Config.HardS <= 0 {
		deps.Config.HardS = 600
	}
	if deps.Config.WarningAfterS <= 0 {
		deps.Config.WarningAfterS = 30
	}
	if deps.Config.PlanExpiryS <= 0 {
		deps.Config.PlanExpiryS = defaultPlanExpiry.Seconds()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		deps:    deps,
		logger:  logger,
		runSem:  make(chan struct{}, deps.Config.MaxParallelRuns),
		active:  make(map[string]*Run),
		expiry:  make(map[string]*time.Timer),
		baseCtx: ctx,
		stop:    cancel,
	}
}

// Shutdown cancels every active run.
func (rt *Runtime) Shutdown() {
	rt.stop()
}

// planExpiry is the configured park-to-auto-reject window.
func (rt *Runtime) planExpiry() time.Duration {
	return time.Duration(rt.deps.Config.PlanExpiryS * float64(time.Second))
}

// Submission describes one run request.
type Submission struct {
	ProjectID   string
	ProjectRoot string
	ChatID      string
	// Source is chat, hook, or schedule; non-chat sources pass the
	// automation budget gate before any node runs.
	Source string
	Actor  string
	Graph  *graph.Graph
	// Vars seeds the run's session state.
	Vars map[string]any
	// History is the prior dialogue handed to agent_task nodes.
	History []model.Message
	// Rules is the project's tool policy.
	Rules policy.Rules
}

// Run is a handle on one executing (or parked) run.
type Run struct {
	ID string

	rt    *Runtime
	store *Store
	sub   Submission
	graph *graph.Graph

	mu    sync.Mutex
	state *State

	cancel context.CancelFunc
	done   chan struct{}
}

// Done closes when the executor stops: terminal status or parked awaiting
// confirmation. After an approved confirmation the handle carries a fresh
// channel for the resumed execution.
func (r *Run) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Snapshot returns a copy of the current run state.
func (r *Run) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Submit validates and persists the graph, applies the automation budget gate
// for daemon-triggered LLM runs, and starts execution in the background.
func (rt *Runtime) Submit(sub Submission) (*Run, error) {
	if sub.Graph == nil {
		return nil, errs.New(errs.KindProtocol, "submission carries no graph")
	}
	if err := sub.Graph.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindConfigInvalid, err)
	}
	if sub.Source == "" {
		sub.Source = "chat"
	}

	runID := ids.NewRunID()
	store := NewStore(sub.ProjectRoot, rt.deps.Vault)
	if err := store.SaveGraph(runID, sub.Graph); err != nil {
		return nil, err
	}

	st := &State{
		RunID:     runID,
		ProjectID: sub.ProjectID,
		ChatID:    sub.ChatID,
		GraphID:   sub.Graph.ID,
		Mode:      sub.Graph.Mode,
		Source:    sub.Source,
		Actor:     sub.Actor,
		Status:    StatusPending,
		StartedAt: time.Now().UTC(),
		Nodes:     make(map[string]*NodeState, len(sub.Graph.Nodes)),
		Session:   make(map[string]any),
	}
	for _, n := range sub.Graph.Nodes {
		st.Nodes[n.ID] = &NodeState{Status: NodePending}
	}
	for k, v := range sub.Vars {
		st.Session[k] = v
	}

	run := &Run{
		ID:    runID,
		rt:    rt,
		store: store,
		sub:   sub,
		graph: sub.Graph,
		state: st,
		done:  make(chan struct{}),
	}

	// Automated runs that would invoke a model are gated before anything
	// executes; an exceeded budget parks the run instead of starting it.
	if sub.Source != "chat" && sub.Graph.RequiresLLM() {
		if err := rt.deps.Ledger.CheckAutomationBudget(sub.ProjectID); err != nil {
			if errs.KindOf(err) != errs.KindBudgetExceeded {
				return nil, err
			}
			return run, rt.parkBeforeStart(run, err)
		}
	}

	if err := store.SaveState(st); err != nil {
		return nil, err
	}

	rt.mu.Lock()
	rt.active[runID] = run
	rt.mu.Unlock()

	go run.execute(rt.baseCtx)
	return run, nil
}

// parkBeforeStart records a budget-parked run that never started executing.
func (rt *Runtime) parkBeforeStart(r *Run, cause error) error {
	now := time.Now().UTC()
	r.state.Status = StatusPendingConfirmation
	r.state.Plan = &PlanCard{
		RunID:     r.ID,
		Command:   "run.resume",
		Origin:    ParkBudget,
		Risk:      "medium",
		CreatedAt: now,
		ExpiresAt: now.Add(rt.planExpiry()),
	}
	if err := r.store.SaveState(r.state); err != nil {
		return err
	}

	x := newExec(r)
	x.emitProject(events.TypeBillingBudgetExceeded, "", map[string]any{"error": cause.Error()})
	x.emitProject(events.TypePolicyLLMBlocked, "", map[string]any{"source": r.sub.Source})
	x.emitProject(events.TypePlanPending, "", planPayload(r.state.Plan))

	rt.mu.Lock()
	rt.active[r.ID] = r
	rt.mu.Unlock()
	rt.scheduleExpiry(r.ID, r.state.Plan.ExpiresAt)
	close(r.done)
	return nil
}

// SetPlanObserver registers a callback invoked after every plan resolution,
// including rejections the runtime initiates on its own (cancel of a parked
// run, plan card expiry). The orchestrator uses it to close the originating
// chat turn.
func (rt *Runtime) SetPlanObserver(fn func(r *Run, approved bool)) {
	rt.mu.Lock()
	rt.observer = fn
	rt.mu.Unlock()
}

func (rt *Runtime) notifyPlanResolved(r *Run, approved bool) {
	rt.mu.Lock()
	fn := rt.observer
	rt.mu.Unlock()
	if fn != nil {
		fn(r, approved)
	}
}

// Get returns the active run handle, if the run is live in this process.
func (rt *Runtime) Get(runID string) (*Run, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r, ok := rt.active[runID]
	return r, ok
}

// Cancel requests cancellation of a live run. Parked runs are rejected
// directly.
func (rt *Runtime) Cancel(runID string) error {
	rt.mu.Lock()
	r, ok := rt.active[runID]
	rt.mu.Unlock()
	if !ok {
		return errs.New(errs.KindConfigInvalid, "run %s is not active", runID)
	}

	r.mu.Lock()
	status := r.state.Status
	cancel := r.cancel
	r.mu.Unlock()

	if status == StatusPendingConfirmation {
		return rt.resolvePlan(r, false)
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// ConfirmRun resolves a parked run: approve resumes execution with the parked
// step granted, reject cancels the run. Artifacts already written stay.
func (rt *Runtime) ConfirmRun(runID string, approve bool) (*Run, error) {
	rt.mu.Lock()
	r, ok := rt.active[runID]
	rt.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.KindConfigInvalid, "run %s is not active", runID)
	}

	r.mu.Lock()
	status := r.state.Status
	r.mu.Unlock()
	if status != StatusPendingConfirmation {
		return nil, errs.New(errs.KindProtocol, "run %s is not awaiting confirmation (status %s)", runID, status)
	}

	if !approve {
		return r, rt.resolvePlan(r, false)
	}
	return r, rt.resumeApproved(r)
}

// resolvePlan rejects a parked plan and finalizes the run as cancelled.
func (rt *Runtime) resolvePlan(r *Run, approved bool) error {
	rt.cancelExpiry(r.ID)

	r.mu.Lock()
	plan := r.state.Plan
	r.state.Plan = nil
	r.state.Status = StatusCancelled
	now := time.Now().UTC()
	r.state.FinishedAt = &now
	for _, ns := range r.state.Nodes {
		if ns.Status == NodePending || ns.Status == NodeRunning {
			ns.Status = NodeSkipped
		}
	}
	err := r.store.SaveState(r.state)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	x := newExec(r)
	payload := planPayload(plan)
	payload["approved"] = approved
	x.emitProject(events.TypePlanResolved, "", payload)
	x.emitRunCompleted(StatusCancelled, "plan rejected")
	rt.finish(r, StatusCancelled)
	rt.notifyPlanResolved(r, false)
	return nil
}

// resumeApproved restarts execution with the parked step granted.
func (rt *Runtime) resumeApproved(r *Run) error {
	rt.cancelExpiry(r.ID)

	r.mu.Lock()
	plan := r.state.Plan
	r.state.Plan = nil
	r.state.Status = StatusRunning
	if r.state.Approved == nil {
		r.state.Approved = make(map[string]bool)
	}
	switch plan.Origin {
	case ParkBudget:
		r.state.BudgetWaived = true
	default:
		if plan.NodeID != "" {
			r.state.Approved[plan.NodeID] = true
		}
	}
	r.done = make(chan struct{})
	err := r.store.SaveState(r.state)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	x := newExec(r)
	payload := planPayload(plan)
	payload["approved"] = true
	x.emitProject(events.TypePlanResolved, "", payload)
	rt.notifyPlanResolved(r, true)

	go r.execute(rt.baseCtx)
	return nil
}

// scheduleExpiry auto-rejects a parked run when its plan card expires.
func (rt *Runtime) scheduleExpiry(runID string, at time.Time) {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if old, ok := rt.expiry[runID]; ok {
		old.Stop()
	}
	rt.expiry[runID] = time.AfterFunc(d, func() {
		rt.mu.Lock()
		r, ok := rt.active[runID]
		rt.mu.Unlock()
		if !ok {
			return
		}
		r.mu.Lock()
		parked := r.state.Status == StatusPendingConfirmation
		r.mu.Unlock()
		if parked {
			rt.logger.Info("plan card expired, auto-rejecting", "run_id", runID)
			_ = rt.resolvePlan(r, false)
		}
	})
}

func (rt *Runtime) cancelExpiry(runID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if t, ok := rt.expiry[runID]; ok {
		t.Stop()
		delete(rt.expiry, runID)
	}
}

// finish records run metrics and drops terminal runs from the active table.
func (rt *Runtime) finish(r *Run, status Status) {
	if rt.deps.Metrics != nil {
		rt.deps.Metrics.RunTotal.WithLabelValues(r.sub.Source, string(status)).Inc()
	}
	if status.Terminal() {
		rt.mu.Lock()
		delete(rt.active, r.ID)
		rt.mu.Unlock()
	}
}

func planPayload(plan *PlanCard) map[string]any {
	if plan == nil {
		return map[string]any{}
	}
	return map[string]any{
		"run_id":     plan.RunID,
		"node_id":    plan.NodeID,
		"command":    plan.Command,
		"args":       plan.Args,
		"risk":       plan.Risk,
		"origin":     plan.Origin,
		"expires_at": plan.ExpiresAt,
	}
}
