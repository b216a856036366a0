package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/amon/internal/artifacts"
	"github.com/haasonsaas/amon/internal/billing"
	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/eventlog"
	"github.com/haasonsaas/amon/internal/events"
	"github.com/haasonsaas/amon/internal/graph"
	"github.com/haasonsaas/amon/internal/model"
	"github.com/haasonsaas/amon/internal/policy"
	"github.com/haasonsaas/amon/internal/retry"
	"github.com/haasonsaas/amon/internal/sandbox"
	"github.com/haasonsaas/amon/internal/tool"
)

// exec carries the per-run execution context: policy gate, artifact manifest,
// tool registry, and the event emit helpers.
type exec struct {
	r  *Run
	rt *Runtime

	gate     *policy.Gate
	manifest *artifacts.Manifest
	tools    *tool.Registry
	caller   policy.Caller

	runLogPath     string
	projectLogPath string

	parkMu sync.Mutex
	park   *PlanCard
}

func newExec(r *Run) *exec {
	rt := r.rt
	caller := policy.Caller{
		ProjectID: r.sub.ProjectID,
		RunID:     r.ID,
		ChatID:    r.sub.ChatID,
		Source:    r.sub.Source,
	}
	audit := policy.NewAudit(eventlog.GlobalAuditPath(rt.deps.DataDir))
	gate := policy.NewGate(r.sub.Rules, r.sub.ProjectRoot, audit)

	manifest, err := artifacts.NewManifest(r.sub.ProjectRoot, r.ID, rt.deps.Vault)
	if err != nil {
		rt.logger.Warn("artifact manifest unavailable", "run_id", r.ID, "error", err)
	}

	registry := tool.NewRegistry()
	tool.RegisterFileTools(registry, tool.FilesConfig{
		ProjectRoot: r.sub.ProjectRoot,
		Vault:       rt.deps.Vault,
		Gate:        gate,
		Caller:      caller,
	})

	return &exec{
		r:              r,
		rt:             rt,
		gate:           gate,
		manifest:       manifest,
		tools:          registry,
		caller:         caller,
		runLogPath:     eventlog.RunEventsPath(r.sub.ProjectRoot, r.ID),
		projectLogPath: eventlog.ProjectEventsPath(r.sub.ProjectRoot),
	}
}

// event builds a record with the run's identity filled in.
func (x *exec) event(typ events.Type, nodeID string, payload map[string]any) events.Event {
	ev := events.New(events.ScopeRun, typ, x.r.sub.ProjectID)
	ev.RunID = x.r.ID
	ev.ChatID = x.r.sub.ChatID
	ev.NodeID = nodeID
	ev.Actor = x.r.sub.Actor
	ev.Source = x.r.sub.Source
	ev.Payload = payload
	return ev
}

// emitRun appends to the run's event file, mirrors to the project log (tokens
// stay run-local), and publishes to the live bus. Log failures are logged and
// swallowed; the bus always sees the event.
func (x *exec) emitRun(typ events.Type, nodeID string, payload map[string]any) {
	ev := x.event(typ, nodeID, payload)
	stamped, err := x.rt.deps.Streams.Append(x.runLogPath, ev)
	if err != nil {
		x.rt.logger.Error("run event append failed", "run_id", x.r.ID, "type", typ, "error", err)
		stamped = ev
	}
	if typ != events.TypeNodeToken {
		mirror := stamped
		mirror.Scope = events.ScopeProject
		if _, err := x.rt.deps.Streams.Append(x.projectLogPath, mirror); err != nil {
			x.rt.logger.Error("project event append failed", "run_id", x.r.ID, "error", err)
		}
	}
	x.rt.deps.Bus.Publish(stamped)
}

// emitProject appends to the project log only; used before a run starts
// executing.
func (x *exec) emitProject(typ events.Type, nodeID string, payload map[string]any) {
	ev := x.event(typ, nodeID, payload)
	ev.Scope = events.ScopeProject
	stamped, err := x.rt.deps.Streams.Append(x.projectLogPath, ev)
	if err != nil {
		x.rt.logger.Error("project event append failed", "run_id", x.r.ID, "error", err)
		stamped = ev
	}
	x.rt.deps.Bus.Publish(stamped)
}

func (x *exec) emitRunCompleted(status Status, message string) {
	payload := map[string]any{"status": string(status)}
	if message != "" {
		payload["message"] = message
	}
	x.emitRun(events.TypeRunCompleted, "", payload)
}

// requestPark records the first park request; later ones in the same layer
// lose.
func (x *exec) requestPark(card *PlanCard) {
	x.parkMu.Lock()
	defer x.parkMu.Unlock()
	if x.park == nil {
		x.park = card
	}
}

// execute drives the run to a terminal status or a parked confirmation.
func (r *Run) execute(base context.Context) {
	rt := r.rt

	ctx, cancel := context.WithCancel(base)
	defer cancel()

	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	// Wait for a run slot; cancellation while queued ends the run.
	select {
	case rt.runSem <- struct{}{}:
	case <-ctx.Done():
		r.finalize(newExec(r), StatusCancelled, "cancelled before execution started")
		return
	}
	defer func() { <-rt.runSem }()

	r.mu.Lock()
	r.state.Status = StatusRunning
	launched := r.state.Launched
	r.state.Launched = true
	r.mu.Unlock()

	x := newExec(r)
	if !launched {
		x.emitRun(events.TypeRunStarted, "", map[string]any{"graph_id": r.graph.ID, "mode": r.graph.Mode})
	}
	r.persist()

	layers, err := r.graph.Layers()
	if err != nil {
		r.finalize(x, StatusFailed, err.Error())
		return
	}

	for _, layer := range layers {
		if ctx.Err() != nil {
			break
		}

		ready := r.markSkippedAndCollectReady(x, layer)
		if len(ready) == 0 {
			continue
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(rt.deps.Config.MaxParallelNodes)
		for _, id := range ready {
			node := r.graph.NodeByID(id)
			group.Go(func() error {
				x.runNode(groupCtx, *node, node.ID)
				return nil
			})
		}
		r.waitWithGrace(ctx, group)
		r.persist()

		x.parkMu.Lock()
		card := x.park
		x.parkMu.Unlock()
		if card != nil {
			r.parkRun(x, card)
			return
		}
	}

	status := r.terminalStatus(ctx)
	r.finalize(x, status, "")
}

// markSkippedAndCollectReady walks a layer in declaration order: nodes with
// no satisfied incoming edge become skipped, the rest are ready.
func (r *Run) markSkippedAndCollectReady(x *exec, layer []string) []string {
	var ready []string
	var skipped []string

	r.mu.Lock()
	for _, id := range layer {
		ns := r.state.Nodes[id]
		if ns == nil || ns.Status != NodePending {
			continue
		}
		incoming := r.graph.Incoming(id)
		if len(incoming) == 0 {
			ready = append(ready, id)
			continue
		}
		satisfied := false
		for _, e := range incoming {
			src := r.state.Nodes[e.From]
			if src != nil && src.Status == NodeSucceeded && graph.EvalGuard(e.When, r.state.Session) {
				satisfied = true
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		} else {
			ns.Status = NodeSkipped
			skipped = append(skipped, id)
		}
	}
	r.mu.Unlock()

	for _, id := range skipped {
		x.emitRun(events.TypeNodeSkipped, id, nil)
	}
	return ready
}

// waitWithGrace waits for in-flight nodes; once the run context is cancelled
// they get cancel_grace_s to wind down before being abandoned.
func (r *Run) waitWithGrace(ctx context.Context, group *errgroup.Group) {
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	grace := time.Duration(r.rt.deps.Config.CancelGraceS * float64(time.Second))
	select {
	case <-done:
	case <-time.After(grace):
		r.rt.logger.Warn("nodes did not wind down within grace period", "run_id", r.ID)
	}
}

// terminalStatus derives the run status from node outcomes.
func (r *Run) terminalStatus(ctx context.Context) Status {
	if ctx.Err() != nil {
		return StatusCancelled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ns := range r.state.Nodes {
		if ns.Status == NodeFailed {
			return StatusFailed
		}
	}
	return StatusSucceeded
}

// finalize stamps the terminal status, skips leftovers, persists, and emits
// run.completed.
func (r *Run) finalize(x *exec, status Status, message string) {
	r.mu.Lock()
	r.state.Status = status
	if message != "" {
		r.state.Error = message
	}
	now := time.Now().UTC()
	r.state.FinishedAt = &now
	for _, ns := range r.state.Nodes {
		switch ns.Status {
		case NodePending:
			ns.Status = NodeSkipped
		case NodeRunning:
			// Forced abandonment after the grace period.
			ns.Status = NodeFailed
			if ns.Error == "" {
				ns.Error = "cancelled"
			}
		}
	}
	r.mu.Unlock()
	r.persist()

	x.emitRunCompleted(status, message)
	r.rt.finish(r, status)
	close(r.done)
}

// parkRun suspends the run awaiting confirmation. The executor goroutine
// returns; ConfirmRun resumes or rejects.
func (r *Run) parkRun(x *exec, card *PlanCard) {
	r.mu.Lock()
	r.state.Status = StatusPendingConfirmation
	r.state.Plan = card
	r.mu.Unlock()
	r.persist()

	x.emitRun(events.TypePlanPending, card.NodeID, planPayload(card))
	r.rt.scheduleExpiry(r.ID, card.ExpiresAt)
	r.rt.finish(r, StatusPendingConfirmation)
	close(r.done)
}

func (r *Run) persist() {
	r.mu.Lock()
	err := r.store.SaveState(r.state)
	r.mu.Unlock()
	if err != nil {
		r.rt.logger.Error("state persist failed", "run_id", r.ID, "error", err)
	}
}

func (r *Run) setNodeStatus(nodeKey string, mutate func(*NodeState)) {
	r.mu.Lock()
	ns := r.state.Nodes[nodeKey]
	if ns == nil {
		ns = &NodeState{Status: NodePending}
		r.state.Nodes[nodeKey] = ns
	}
	mutate(ns)
	r.mu.Unlock()
}

func (r *Run) setWrites(writes []graph.Write, value any) {
	if len(writes) == 0 {
		return
	}
	r.mu.Lock()
	for _, w := range writes {
		r.state.Session[w.Key] = value
	}
	r.mu.Unlock()
}

func (r *Run) sessionValue(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.state.Session[key]
	return v, ok
}

func (r *Run) confirmGranted(nodeKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Approved[nodeKey]
}

func (r *Run) budgetWaived() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.BudgetWaived
}

// runNode executes one node: pre-dispatch gates (confirm, budget, policy),
// then the retried attempt loop, then state and event bookkeeping.
func (x *exec) runNode(ctx context.Context, node graph.Node, nodeKey string) {
	r := x.r
	start := time.Now()

	// Confirm nodes park instead of executing, unless already approved.
	if node.Type == graph.NodeConfirm && !r.confirmGranted(nodeKey) {
		x.requestPark(x.planFromNode(node, nodeKey))
		return
	}

	// LLM-invoking nodes consult the spend ledger before dispatch.
	if nodeRequiresLLM(node) && !r.budgetWaived() {
		if err := x.checkBudget(); err != nil {
			x.emitRun(events.TypeBillingBudgetExceeded, nodeKey, map[string]any{"error": err.Error()})
			now := time.Now().UTC()
			x.requestPark(&PlanCard{
				RunID:     r.ID,
				NodeID:    nodeKey,
				Command:   "run.resume",
				Origin:    ParkBudget,
				Risk:      "medium",
				CreatedAt: now,
				ExpiresAt: now.Add(x.rt.planExpiry()),
			})
			return
		}
	}

	// Tool calls pass the policy gate before any attempt; an ask verdict
	// parks the run, a deny fails the node outright.
	if node.Type == graph.NodeToolCall && !r.confirmGranted(nodeKey) {
		verdict := x.gate.Decide(node.Tool, node.Args, x.caller)
		switch verdict.Decision {
		case policy.Deny:
			x.emitRun(events.TypeToolDenied, nodeKey, map[string]any{"tool": node.Tool, "reason": verdict.Reason})
			x.failNode(node, nodeKey, start, errs.New(errs.KindToolDenied, "tool %s denied: %s", node.Tool, verdict.Reason))
			return
		case policy.Ask:
			now := time.Now().UTC()
			x.requestPark(&PlanCard{
				RunID:     r.ID,
				NodeID:    nodeKey,
				Command:   node.Tool,
				Args:      argsPreview(node.Args),
				Risk:      "high",
				Origin:    ParkAskTool,
				CreatedAt: now,
				ExpiresAt: now.Add(x.rt.planExpiry()),
			})
			return
		}
	}

	r.setNodeStatus(nodeKey, func(ns *NodeState) {
		ns.Status = NodeRunning
		ns.StartedAt = timePtr(time.Now().UTC())
	})
	x.emitRun(events.TypeNodeStarted, nodeKey, map[string]any{"type": string(node.Type)})

	pol := node.Retry
	if pol.MaxAttempts <= 0 {
		pol = retry.DefaultPolicy()
	}
	if node.Type == graph.NodeMap {
		// Retry applies per child, never to the whole fan-out.
		pol = retry.Policy{MaxAttempts: 1}
	}
	res := retry.Do(ctx, pol,
		func(attempt int) {
			r.setNodeStatus(nodeKey, func(ns *NodeState) { ns.Attempts = attempt })
			if attempt > 1 {
				x.emitRun(events.TypeNodeRetry, nodeKey, map[string]any{"attempt": attempt})
			}
		},
		func(attempt int) error {
			return x.executeAttempt(ctx, node, nodeKey)
		},
	)

	if res.Err != nil {
		x.failNode(node, nodeKey, start, res.Err)
		return
	}

	r.setNodeStatus(nodeKey, func(ns *NodeState) {
		ns.Status = NodeSucceeded
		ns.FinishedAt = timePtr(time.Now().UTC())
	})
	x.emitRun(events.TypeNodeSucceeded, nodeKey, nil)
	x.observeNode(node, "succeeded", time.Since(start))
}

func (x *exec) failNode(node graph.Node, nodeKey string, start time.Time, err error) {
	x.r.setNodeStatus(nodeKey, func(ns *NodeState) {
		ns.Status = NodeFailed
		ns.Error = err.Error()
		ns.FinishedAt = timePtr(time.Now().UTC())
	})
	x.emitRun(events.TypeNodeFailed, nodeKey, map[string]any{
		"error": err.Error(),
		"kind":  string(errs.KindOf(err)),
	})
	x.observeNode(node, "failed", time.Since(start))
}

func (x *exec) observeNode(node graph.Node, status string, d time.Duration) {
	if x.rt.deps.Metrics != nil {
		x.rt.deps.Metrics.NodeDuration.WithLabelValues(string(node.Type), status).Observe(d.Seconds())
	}
}

func (x *exec) checkBudget() error {
	if x.r.sub.Source == "chat" {
		return x.rt.deps.Ledger.CheckRunBudget(x.r.sub.ProjectID)
	}
	return x.rt.deps.Ledger.CheckAutomationBudget(x.r.sub.ProjectID)
}

func (x *exec) planFromNode(node graph.Node, nodeKey string) *PlanCard {
	now := time.Now().UTC()
	expiry := x.rt.planExpiry()
	if node.Plan.ExpiryS > 0 {
		expiry = time.Duration(node.Plan.ExpiryS * float64(time.Second))
	}
	return &PlanCard{
		RunID:     x.r.ID,
		NodeID:    nodeKey,
		Command:   node.Plan.Command,
		Args:      node.Plan.Args,
		Risk:      node.Plan.Risk,
		Origin:    ParkConfirmNode,
		CreatedAt: now,
		ExpiresAt: now.Add(expiry),
	}
}

// executeAttempt dispatches one attempt of a node by type.
func (x *exec) executeAttempt(ctx context.Context, node graph.Node, nodeKey string) error {
	switch node.Type {
	case graph.NodeAgentTask:
		return x.runAgentTask(ctx, node, nodeKey)
	case graph.NodeWriteFile:
		return x.runWriteFile(node, nodeKey)
	case graph.NodeToolCall:
		return x.runToolCall(ctx, node, nodeKey)
	case graph.NodeCondition:
		x.r.mu.Lock()
		result := graph.EvalGuard(node.Predicate, x.r.state.Session)
		x.r.mu.Unlock()
		x.r.setWrites(node.Writes, result)
		return nil
	case graph.NodeMap:
		return x.runMap(ctx, node, nodeKey)
	case graph.NodeSandboxRun:
		return x.runSandbox(ctx, node, nodeKey)
	case graph.NodeConfirm:
		// Reached only after approval: record the grant and move on.
		x.r.setWrites(node.Writes, true)
		return nil
	default:
		return errs.New(errs.KindConfigInvalid, "node %s has unknown type %q", nodeKey, node.Type)
	}
}

func (x *exec) runWriteFile(node graph.Node, nodeKey string) error {
	if node.OutputPath == "" {
		return errs.New(errs.KindConfigInvalid, "write_file node %s has no output path", nodeKey)
	}
	if err := x.writeOutput(node.OutputPath, []byte(node.Content), nodeKey); err != nil {
		return err
	}
	x.r.setWrites(node.Writes, node.Content)
	return nil
}

func (x *exec) runToolCall(ctx context.Context, node graph.Node, nodeKey string) error {
	t, err := x.tools.Get(node.Tool)
	if err != nil {
		return err
	}
	callCtx, cancel := x.hardContext(ctx, node.Timeouts)
	defer cancel()

	x.emitRun(events.TypeToolCalled, nodeKey, map[string]any{"tool": node.Tool})
	result, err := t.Execute(callCtx, node.Args)
	if err != nil {
		return x.classifyCtx(callCtx, ctx, err)
	}
	x.emitRun(events.TypeToolCompleted, nodeKey, map[string]any{"tool": node.Tool, "is_error": result.IsError})
	if result.IsError {
		return errs.New(errs.KindIO, "tool %s reported: %s", node.Tool, result.Content)
	}
	x.r.setWrites(node.Writes, result.Content)
	return nil
}

func (x *exec) runSandbox(ctx context.Context, node graph.Node, nodeKey string) error {
	if x.rt.deps.Sandbox == nil {
		return errs.New(errs.KindConfigInvalid, "sandbox runner is not configured")
	}
	callCtx, cancel := x.hardContext(ctx, node.Timeouts)
	defer cancel()

	result, err := x.rt.deps.Sandbox.Exec(callCtx, sandbox.Request{
		Command:  node.Command,
		TimeoutS: int(x.hardSeconds(node.Timeouts)),
	})
	if err != nil {
		return x.classifyCtx(callCtx, ctx, err)
	}
	if err := sandbox.WriteResult(x.r.store.RunDir(x.r.ID), result); err != nil {
		return err
	}
	for rel, content := range result.Outputs {
		if err := x.writeOutput(rel, []byte(content), nodeKey); err != nil {
			return err
		}
	}
	if result.ExitCode != 0 {
		return errs.New(errs.KindIO, "sandbox command exited %d: %s", result.ExitCode, result.Stderr)
	}
	x.r.setWrites(node.Writes, result.Stdout)
	return nil
}

// runMap expands the fan-out and executes children under the same worker
// pool. Children inherit the parent's timeouts; the parent's retry policy
// applies per child.
func (x *exec) runMap(ctx context.Context, node graph.Node, nodeKey string) error {
	spec := node.Map
	var items []any
	switch {
	case spec.ItemsKey != "":
		raw, ok := x.r.sessionValue(spec.ItemsKey)
		if !ok {
			return errs.New(errs.KindConfigInvalid, "map node %s: session key %q is unset", nodeKey, spec.ItemsKey)
		}
		items = toList(raw)
	case spec.Count > 0:
		for i := 0; i < spec.Count; i++ {
			items = append(items, i+1)
		}
	default:
		return errs.New(errs.KindConfigInvalid, "map node %s declares neither items_key nor count", nodeKey)
	}
	if spec.MaxItems > 0 && len(items) > spec.MaxItems {
		items = items[:spec.MaxItems]
	}
	if len(items) == 0 {
		x.r.setWrites(node.Writes, []any{})
		return nil
	}

	children := make([]graph.Node, len(items))
	childKeys := make([]string, len(items))
	for i, item := range items {
		child := *spec.Child
		child.ID = fmt.Sprintf("%s[%d]", nodeKey, i+1)
		child.Prompt = substitute(child.Prompt, i+1, item)
		child.Content = substitute(child.Content, i+1, item)
		child.OutputPath = substitute(child.OutputPath, i+1, item)
		child.Timeouts = node.Timeouts
		if len(spec.Child.Writes) > 0 {
			child.Writes = make([]graph.Write, len(spec.Child.Writes))
			for j, w := range spec.Child.Writes {
				w.Key = substitute(w.Key, i+1, item)
				child.Writes[j] = w
			}
		}
		children[i] = child
		childKeys[i] = child.ID
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(x.rt.deps.Config.MaxParallelNodes)
	for i := range children {
		group.Go(func() error {
			x.runNode(groupCtx, children[i], childKeys[i])
			return nil
		})
	}
	_ = group.Wait()

	// Collect child outcomes: any failed child fails the map node.
	results := make([]any, 0, len(children))
	failed := 0
	x.r.mu.Lock()
	for i, child := range children {
		ns := x.r.state.Nodes[childKeys[i]]
		if ns == nil || ns.Status != NodeSucceeded {
			failed++
			continue
		}
		for _, w := range child.Writes {
			if v, ok := x.r.state.Session[w.Key]; ok {
				results = append(results, v)
				break
			}
		}
	}
	x.r.mu.Unlock()

	if failed > 0 {
		return errs.New(errs.KindIO, "map node %s: %d of %d children failed", nodeKey, failed, len(children))
	}
	x.r.setWrites(node.Writes, results)
	return nil
}

// runAgentTask streams a model completion with inactivity/hard timeouts and
// writes the final text through the vault.
func (x *exec) runAgentTask(ctx context.Context, node graph.Node, nodeKey string) error {
	req := model.Request{
		System:   "",
		Messages: append(append([]model.Message{}, x.r.sub.History...), model.Message{Role: "user", Text: x.buildPrompt(node)}),
	}

	text, last, err := x.streamModel(ctx, nodeKey, req, node.Timeouts)
	if err != nil {
		return err
	}

	if x.rt.deps.Ledger != nil && (last.InputTokens > 0 || last.OutputTokens > 0) {
		provider := x.rt.deps.Model.Name()
		if _, err := x.rt.deps.Ledger.RecordUsage(
			x.r.sub.ProjectRoot, x.r.sub.ProjectID, x.r.ID, x.r.sub.Source,
			provider, provider,
			billing.Usage{InputTokens: int64(last.InputTokens), OutputTokens: int64(last.OutputTokens)},
		); err != nil {
			x.rt.logger.Warn("usage record failed", "run_id", x.r.ID, "error", err)
		}
	}

	if node.OutputPath != "" {
		if err := x.writeOutput(node.OutputPath, []byte(text), nodeKey); err != nil {
			return err
		}
	}
	x.r.setWrites(node.Writes, coerceWrite(node.Writes, text))
	return nil
}

// coerceWrite parses model output into a list when the write declares one,
// so map nodes can fan out over it. Non-JSON output falls back to line split.
func coerceWrite(writes []graph.Write, text string) any {
	for _, w := range writes {
		if w.TypeHint != "list" {
			continue
		}
		trimmed := strings.TrimSpace(text)
		if start := strings.Index(trimmed, "["); start >= 0 {
			if end := strings.LastIndex(trimmed, "]"); end > start {
				var items []any
				if err := json.Unmarshal([]byte(trimmed[start:end+1]), &items); err == nil {
					return items
				}
			}
		}
		var items []any
		for _, line := range strings.Split(trimmed, "\n") {
			if line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. ")); line != "" {
				items = append(items, line)
			}
		}
		return items
	}
	return text
}

// streamModel consumes a completion stream, resetting the inactivity window
// on every chunk and emitting a single warning when tokens stall.
func (x *exec) streamModel(ctx context.Context, nodeKey string, req model.Request, t graph.Timeouts) (string, model.Chunk, error) {
	hardCtx, cancel := x.hardContext(ctx, t)
	defer cancel()

	chunks, err := x.rt.deps.Model.Complete(hardCtx, req)
	if err != nil {
		return "", model.Chunk{}, x.classifyCtx(hardCtx, ctx, err)
	}
	// The provider goroutine must never block on an abandoned channel.
	defer func() {
		go func() {
			for range chunks {
			}
		}()
	}()

	inactivity := x.inactivityDuration(t)
	warnAfter := time.Duration(x.rt.deps.Config.WarningAfterS * float64(time.Second))
	if t.WarningAfterS > 0 {
		warnAfter = time.Duration(t.WarningAfterS * float64(time.Second))
	}

	idle := time.NewTimer(inactivity)
	defer idle.Stop()
	warn := time.NewTimer(warnAfter)
	defer warn.Stop()
	warned := false

	var sb strings.Builder
	var last model.Chunk
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return sb.String(), last, nil
			}
			if chunk.Err != nil {
				return sb.String(), chunk, x.classifyCtx(hardCtx, ctx, chunk.Err)
			}
			if chunk.Done {
				last = chunk
				continue
			}
			sb.WriteString(chunk.Text)
			x.emitRun(events.TypeNodeToken, nodeKey, map[string]any{"text": chunk.Text})

			resetTimer(idle, inactivity)
			resetTimer(warn, warnAfter)
			warned = false

		case <-warn.C:
			if !warned {
				x.emitRun(events.TypeNodeWarning, nodeKey, map[string]any{"reason": "no token observed", "after_s": warnAfter.Seconds()})
				warned = true
			}

		case <-idle.C:
			cancel()
			return sb.String(), last, errs.New(errs.KindTimeout, "node %s saw no token for %s", nodeKey, inactivity)

		case <-ctx.Done():
			return sb.String(), last, errs.Wrap(errs.KindCancelled, ctx.Err())
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// buildPrompt appends the node's read keys from session state to its prompt.
func (x *exec) buildPrompt(node graph.Node) string {
	var sb strings.Builder
	sb.WriteString(node.Prompt)
	for _, key := range node.Reads {
		if v, ok := x.r.sessionValue(key); ok {
			sb.WriteString("\n\n")
			sb.WriteString(key)
			sb.WriteString(":\n")
			sb.WriteString(toString(v))
		}
	}
	return sb.String()
}

// writeOutput resolves the path through the policy gate, writes atomically,
// records the artifact, and emits doc/workspace events.
func (x *exec) writeOutput(rel string, data []byte, nodeKey string) error {
	abs, err := x.gate.CheckWritePath(rel, x.caller)
	if err != nil {
		return err
	}
	if err := x.rt.deps.Vault.AtomicWrite(abs, data); err != nil {
		return err
	}
	if x.manifest != nil {
		if _, err := x.manifest.Record(rel, nodeKey); err != nil {
			x.rt.logger.Warn("artifact record failed", "run_id", x.r.ID, "path", rel, "error", err)
		}
	}
	typ := events.TypeWorkspaceFileCreated
	if strings.HasPrefix(rel, "docs/") || strings.HasPrefix(rel, "audits/") {
		typ = events.TypeDocCreated
	}
	x.emitRun(typ, nodeKey, map[string]any{"path": rel, "size": len(data)})
	return nil
}

func (x *exec) hardSeconds(t graph.Timeouts) float64 {
	if t.HardS > 0 {
		return t.HardS
	}
	return x.rt.deps.Config.HardS
}

func (x *exec) hardContext(ctx context.Context, t graph.Timeouts) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(x.hardSeconds(t)*float64(time.Second)))
}

func (x *exec) inactivityDuration(t graph.Timeouts) time.Duration {
	s := x.rt.deps.Config.InactivityS
	if t.InactivityS > 0 {
		s = t.InactivityS
	}
	return time.Duration(s * float64(time.Second))
}

// classifyCtx maps context-driven failures onto the taxonomy: the node's own
// deadline is a TIMEOUT, the run's cancellation is CANCELLED.
func (x *exec) classifyCtx(callCtx, runCtx context.Context, err error) error {
	if runCtx.Err() != nil {
		return errs.Wrap(errs.KindCancelled, err)
	}
	if callCtx.Err() == context.DeadlineExceeded {
		return errs.Wrapf(errs.KindTimeout, err, "hard timeout elapsed")
	}
	return err
}

func nodeRequiresLLM(node graph.Node) bool {
	if node.Type == graph.NodeAgentTask || node.Engine == graph.EngineLLM || node.Engine == graph.EngineHybrid {
		return true
	}
	if node.Type == graph.NodeMap && node.Map != nil && node.Map.Child != nil {
		child := node.Map.Child
		return child.Type == graph.NodeAgentTask || child.Engine == graph.EngineLLM
	}
	return false
}

func substitute(s string, i int, item any) string {
	s = strings.ReplaceAll(s, "{i}", fmt.Sprintf("%02d", i))
	s = strings.ReplaceAll(s, "{item}", toString(item))
	return s
}

func toList(v any) []any {
	switch list := v.(type) {
	case []any:
		return list
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	}
	// A scalar fans out to a single child.
	return []any{v}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func argsPreview(args map[string]any) []string {
	out := make([]string, 0, len(args))
	for k, v := range args {
		out = append(out, fmt.Sprintf("%s=%s", k, toString(v)))
	}
	sort.Strings(out)
	return out
}

func timePtr(t time.Time) *time.Time { return &t }
