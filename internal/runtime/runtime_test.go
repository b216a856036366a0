package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/amon/internal/artifacts"
	"github.com/haasonsaas/amon/internal/billing"
	"github.com/haasonsaas/amon/internal/bus"
	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/eventlog"
	"github.com/haasonsaas/amon/internal/events"
	"github.com/haasonsaas/amon/internal/graph"
	"github.com/haasonsaas/amon/internal/model"
	"github.com/haasonsaas/amon/internal/observability"
	"github.com/haasonsaas/amon/internal/policy"
	"github.com/haasonsaas/amon/internal/retry"
	"github.com/haasonsaas/amon/internal/vault"
)

type testEnv struct {
	rt          *Runtime
	dataDir     string
	projectRoot string
}

func newTestEnv(t *testing.T, m model.ChatModel, billingCfg config.BillingConfig) *testEnv {
	t.Helper()
	dataDir := t.TempDir()
	projectRoot := filepath.Join(dataDir, "projects", "p1")
	for _, dir := range []string{"workspace", "docs", "audits", ".amon/runs", ".amon/logs"} {
		if err := os.MkdirAll(filepath.Join(projectRoot, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	streams := eventlog.NewRegistry()
	ledger, err := billing.NewLedger(billingCfg, dataDir, streams)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })

	b := bus.New()
	t.Cleanup(b.Close)

	rt := New(Deps{
		Config: config.RuntimeConfig{
			MaxParallelNodes: 4,
			MaxParallelRuns:  2,
			CancelGraceS:     1,
			InactivityS:      5,
			HardS:            10,
			WarningAfterS:    2,
		},
		DataDir: dataDir,
		Logger:  observability.NewLogger(observability.LogConfig{Level: "error"}),
		Metrics: observability.NewMetrics(),
		Bus:     b,
		Streams: streams,
		Model:   m,
		Ledger:  ledger,
		Vault:   vault.New(dataDir),
	})
	t.Cleanup(rt.Shutdown)
	t.Cleanup(func() { streams.CloseAll() })

	return &testEnv{rt: rt, dataDir: dataDir, projectRoot: projectRoot}
}

func (e *testEnv) submission(g *graph.Graph) Submission {
	return Submission{
		ProjectID:   "p1",
		ProjectRoot: e.projectRoot,
		ChatID:      "chat-1",
		Source:      "chat",
		Graph:       g,
		Rules:       policy.Rules{Allow: []string{"*"}},
	}
}

func waitDone(t *testing.T, r *Run) State {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish in time")
	}
	return r.Snapshot()
}

func TestRun_SingleModeWritesAnswer(t *testing.T) {
	env := newTestEnv(t, model.NewFakeModel("The answer document."), config.BillingConfig{})
	g, err := graph.Build(graph.ModeSingle, "g1", "write a haiku")
	if err != nil {
		t.Fatal(err)
	}

	run, err := env.rt.Submit(env.submission(g))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	st := waitDone(t, run)
	if st.Status != StatusSucceeded {
		t.Fatalf("status = %s, error = %s", st.Status, st.Error)
	}

	data, err := os.ReadFile(filepath.Join(env.projectRoot, "docs", "answer.md"))
	if err != nil {
		t.Fatalf("answer not written: %v", err)
	}
	if string(data) != "The answer document." {
		t.Errorf("answer = %q", data)
	}

	recorded, err := eventlog.ReadSince(eventlog.RunEventsPath(env.projectRoot, run.ID), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var sawStarted, sawCompleted, sawToken bool
	for _, ev := range recorded {
		switch ev.Type {
		case events.TypeRunStarted:
			sawStarted = true
		case events.TypeRunCompleted:
			sawCompleted = true
		case events.TypeNodeToken:
			sawToken = true
		}
	}
	if !sawStarted || !sawCompleted || !sawToken {
		t.Errorf("run log missing lifecycle events: started=%v completed=%v token=%v", sawStarted, sawCompleted, sawToken)
	}

	listed, err := artifacts.Load(env.projectRoot, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].Path != "docs/answer.md" {
		t.Errorf("artifacts = %v", listed)
	}
}

func TestRun_SelfCritiqueFanOut(t *testing.T) {
	env := newTestEnv(t, model.NewFakeModel(), config.BillingConfig{})
	g, err := graph.Build(graph.ModeSelfCritique, "g2", "an essay on tides")
	if err != nil {
		t.Fatal(err)
	}

	run, err := env.rt.Submit(env.submission(g))
	if err != nil {
		t.Fatal(err)
	}
	st := waitDone(t, run)
	if st.Status != StatusSucceeded {
		t.Fatalf("status = %s, error = %s", st.Status, st.Error)
	}

	for _, rel := range []string{"docs/draft.md", "docs/final.md"} {
		if _, err := os.Stat(filepath.Join(env.projectRoot, rel)); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(env.projectRoot, "docs", "reviews"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 10 {
		t.Errorf("got %d review files, want 10", len(entries))
	}
	for i := 1; i <= 10; i++ {
		key := fmt.Sprintf("reviews[%d]", i)
		if ns := st.Nodes[key]; ns == nil || ns.Status != NodeSucceeded {
			t.Errorf("child %s state = %+v", key, ns)
		}
	}
}

func TestRun_FalsyGuardSkipsDownstream(t *testing.T) {
	env := newTestEnv(t, model.NewFakeModel(), config.BillingConfig{})
	g := &graph.Graph{
		ID: "g3",
		Nodes: []graph.Node{
			{ID: "check", Type: graph.NodeCondition, Predicate: "missing_key", Writes: []graph.Write{{Key: "checked"}}},
			{ID: "branch", Type: graph.NodeWriteFile, Content: "never", OutputPath: "docs/never.md"},
			{ID: "leaf", Type: graph.NodeWriteFile, Content: "never", OutputPath: "docs/leaf.md"},
		},
		Edges: []graph.Edge{
			{From: "check", To: "branch", When: "checked"},
			{From: "branch", To: "leaf"},
		},
	}

	run, err := env.rt.Submit(env.submission(g))
	if err != nil {
		t.Fatal(err)
	}
	st := waitDone(t, run)
	if st.Status != StatusSucceeded {
		t.Fatalf("status = %s", st.Status)
	}
	if st.Nodes["branch"].Status != NodeSkipped {
		t.Errorf("branch = %s, want skipped", st.Nodes["branch"].Status)
	}
	if st.Nodes["leaf"].Status != NodeSkipped {
		t.Errorf("leaf = %s, want skipped (transitive)", st.Nodes["leaf"].Status)
	}
	if _, err := os.Stat(filepath.Join(env.projectRoot, "docs", "never.md")); !os.IsNotExist(err) {
		t.Error("skipped branch still wrote its file")
	}
}

func TestRun_RetryThenFail(t *testing.T) {
	m := model.NewFakeModel()
	m.Fail = errs.New(errs.KindModelRateLimit, "throttled")
	env := newTestEnv(t, m, config.BillingConfig{})

	g := &graph.Graph{
		ID: "g4",
		Nodes: []graph.Node{
			{
				ID: "task", Type: graph.NodeAgentTask, Prompt: "hi",
				OutputPath: "docs/out.md",
				Retry:      retry.Policy{MaxAttempts: 2, BackoffS: 0, JitterS: 0},
			},
			{ID: "after", Type: graph.NodeWriteFile, Content: "x", OutputPath: "docs/after.md"},
		},
		Edges: []graph.Edge{{From: "task", To: "after"}},
	}

	run, err := env.rt.Submit(env.submission(g))
	if err != nil {
		t.Fatal(err)
	}
	st := waitDone(t, run)
	if st.Status != StatusFailed {
		t.Fatalf("status = %s", st.Status)
	}
	task := st.Nodes["task"]
	if task.Status != NodeFailed || task.Attempts != 2 {
		t.Errorf("task = %+v, want failed after 2 attempts", task)
	}
	if st.Nodes["after"].Status != NodeSkipped {
		t.Errorf("after = %s, want skipped", st.Nodes["after"].Status)
	}
}

func TestRun_ToolDeniedDoesNotRetry(t *testing.T) {
	env := newTestEnv(t, model.NewFakeModel(), config.BillingConfig{})
	g := &graph.Graph{
		ID: "g5",
		Nodes: []graph.Node{
			{ID: "call", Type: graph.NodeToolCall, Tool: "write_file",
				Args:  map[string]any{"path": "docs/x.md", "content": "x"},
				Retry: retry.Policy{MaxAttempts: 3, BackoffS: 0}},
		},
	}
	sub := env.submission(g)
	sub.Rules = policy.Rules{Deny: []string{"write_file"}}

	run, err := env.rt.Submit(sub)
	if err != nil {
		t.Fatal(err)
	}
	st := waitDone(t, run)
	if st.Status != StatusFailed {
		t.Fatalf("status = %s", st.Status)
	}
	call := st.Nodes["call"]
	if call.Status != NodeFailed {
		t.Fatalf("call = %+v", call)
	}
	if !strings.Contains(call.Error, "TOOL_DENIED") {
		t.Errorf("error = %q, want TOOL_DENIED", call.Error)
	}
	if call.Attempts > 1 {
		t.Errorf("attempts = %d, denied calls must not retry", call.Attempts)
	}
}

func TestRun_ConfirmParksThenReject(t *testing.T) {
	env := newTestEnv(t, model.NewFakeModel(), config.BillingConfig{})
	g := &graph.Graph{
		ID: "g6",
		Nodes: []graph.Node{
			{ID: "gate", Type: graph.NodeConfirm,
				Plan:   &graph.PlanSpec{Command: "deploy", Args: []string{"--prod"}, Risk: "high"},
				Writes: []graph.Write{{Key: "approved"}}},
			{ID: "after", Type: graph.NodeWriteFile, Content: "done", OutputPath: "docs/done.md"},
		},
		Edges: []graph.Edge{{From: "gate", To: "after"}},
	}

	run, err := env.rt.Submit(env.submission(g))
	if err != nil {
		t.Fatal(err)
	}
	st := waitDone(t, run)
	if st.Status != StatusPendingConfirmation {
		t.Fatalf("status = %s, want pending_confirmation", st.Status)
	}
	if st.Plan == nil || st.Plan.Command != "deploy" || st.Plan.Origin != ParkConfirmNode {
		t.Fatalf("plan = %+v", st.Plan)
	}

	if _, err := env.rt.ConfirmRun(run.ID, false); err != nil {
		t.Fatalf("ConfirmRun(reject) error = %v", err)
	}
	st = run.Snapshot()
	if st.Status != StatusCancelled {
		t.Errorf("status after reject = %s", st.Status)
	}
	if _, err := os.Stat(filepath.Join(env.projectRoot, "docs", "done.md")); !os.IsNotExist(err) {
		t.Error("rejected run still executed downstream node")
	}
}

func TestRun_ConfirmApproveResumes(t *testing.T) {
	env := newTestEnv(t, model.NewFakeModel(), config.BillingConfig{})
	g := &graph.Graph{
		ID: "g7",
		Nodes: []graph.Node{
			{ID: "gate", Type: graph.NodeConfirm,
				Plan:   &graph.PlanSpec{Command: "deploy"},
				Writes: []graph.Write{{Key: "approved"}}},
			{ID: "after", Type: graph.NodeWriteFile, Content: "done", OutputPath: "docs/done.md",
				Writes: []graph.Write{{Key: "result"}}},
		},
		Edges: []graph.Edge{{From: "gate", To: "after", When: "approved"}},
	}

	run, err := env.rt.Submit(env.submission(g))
	if err != nil {
		t.Fatal(err)
	}
	if st := waitDone(t, run); st.Status != StatusPendingConfirmation {
		t.Fatalf("status = %s", st.Status)
	}

	resumed, err := env.rt.ConfirmRun(run.ID, true)
	if err != nil {
		t.Fatalf("ConfirmRun(approve) error = %v", err)
	}
	st := waitDone(t, resumed)
	if st.Status != StatusSucceeded {
		t.Fatalf("status after approve = %s, error = %s", st.Status, st.Error)
	}
	if st.Nodes["gate"].Status != NodeSucceeded {
		t.Errorf("gate = %s", st.Nodes["gate"].Status)
	}
	if _, err := os.Stat(filepath.Join(env.projectRoot, "docs", "done.md")); err != nil {
		t.Errorf("approved run did not execute downstream: %v", err)
	}
}

func TestRun_AutomationBudgetParksBeforeStart(t *testing.T) {
	m := model.NewFakeModel("must never run")
	env := newTestEnv(t, m, config.BillingConfig{AutomationBudgetDaily: 0})

	g, err := graph.Build(graph.ModeSingle, "g8", "automated task")
	if err != nil {
		t.Fatal(err)
	}
	sub := env.submission(g)
	sub.Source = "schedule"

	run, err := env.rt.Submit(sub)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	st := waitDone(t, run)
	if st.Status != StatusPendingConfirmation {
		t.Fatalf("status = %s, want pending_confirmation", st.Status)
	}
	if len(m.Requests()) != 0 {
		t.Error("budget-parked run called the model")
	}

	recorded, err := eventlog.ReadSince(eventlog.ProjectEventsPath(env.projectRoot), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var sawBudget, sawBlocked bool
	for _, ev := range recorded {
		switch ev.Type {
		case events.TypeBillingBudgetExceeded:
			sawBudget = true
		case events.TypePolicyLLMBlocked:
			sawBlocked = true
		}
	}
	if !sawBudget || !sawBlocked {
		t.Errorf("project log: budget_exceeded=%v llm_blocked=%v", sawBudget, sawBlocked)
	}
}

type blockingModel struct{ started chan struct{} }

func (m *blockingModel) Name() string { return "fake" }

func (m *blockingModel) Complete(ctx context.Context, req model.Request) (<-chan model.Chunk, error) {
	out := make(chan model.Chunk)
	go func() {
		defer close(out)
		close(m.started)
		<-ctx.Done()
		out <- model.Chunk{Err: ctx.Err()}
	}()
	return out, nil
}

func TestRun_CancelMarksRunCancelled(t *testing.T) {
	m := &blockingModel{started: make(chan struct{})}
	env := newTestEnv(t, m, config.BillingConfig{})

	g, err := graph.Build(graph.ModeSingle, "g9", "block forever")
	if err != nil {
		t.Fatal(err)
	}
	run, err := env.rt.Submit(env.submission(g))
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-m.started:
	case <-time.After(5 * time.Second):
		t.Fatal("model never started")
	}
	if err := env.rt.Cancel(run.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	st := waitDone(t, run)
	if st.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", st.Status)
	}
}

func TestStore_StateRoundTrip(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, vault.New(root))
	now := time.Now().UTC().Truncate(time.Second)
	st := &State{
		RunID:     "run_x",
		ProjectID: "p1",
		GraphID:   "g1",
		Source:    "chat",
		Status:    StatusRunning,
		StartedAt: now,
		Nodes:     map[string]*NodeState{"a": {Status: NodeSucceeded, Attempts: 2}},
		Session:   map[string]any{"answer": "42"},
	}
	if err := store.SaveState(st); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.LoadState("run_x")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Nodes["a"].Attempts != 2 || loaded.Session["answer"] != "42" {
		t.Errorf("loaded = %+v", loaded)
	}

	if _, err := store.LoadState("run_missing"); errs.KindOf(err) != errs.KindConfigInvalid {
		t.Errorf("missing run error = %v", err)
	}
}

func TestStore_LoadGraphValidatesSchema(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, vault.New(root))

	g, err := graph.Build(graph.ModeSingle, "g1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveGraph("run_ok", g); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.LoadGraph("run_ok")
	if err != nil {
		t.Fatalf("LoadGraph() error = %v", err)
	}
	if loaded.ID != "g1" {
		t.Errorf("loaded graph id = %q", loaded.ID)
	}

	// A resolved graph edited out of shape must be rejected before decode.
	dir := store.RunDir("run_bad")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	bad := []byte(`{"id": "g2", "nodes": [{"id": "n1", "type": "teleport"}]}`)
	if err := os.WriteFile(filepath.Join(dir, "graph.resolved.json"), bad, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadGraph("run_bad"); errs.KindOf(err) != errs.KindProtocol {
		t.Errorf("invalid graph error = %v, want protocol kind", err)
	}
}
