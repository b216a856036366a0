package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/amon/internal/billing"
	"github.com/haasonsaas/amon/internal/bus"
	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/eventlog"
	"github.com/haasonsaas/amon/internal/graph"
	"github.com/haasonsaas/amon/internal/model"
	"github.com/haasonsaas/amon/internal/observability"
	"github.com/haasonsaas/amon/internal/project"
	"github.com/haasonsaas/amon/internal/runtime"
	"github.com/haasonsaas/amon/internal/sessions"
	"github.com/haasonsaas/amon/internal/vault"
)

type testEnv struct {
	orch     *Orchestrator
	projects *project.Store
	ledger   *billing.Ledger
	rt       *runtime.Runtime
	root     string
}

func newTestEnv(t *testing.T, m model.ChatModel, billingCfg config.BillingConfig) *testEnv {
	t.Helper()
	return newTestEnvRuntime(t, m, billingCfg, config.RuntimeConfig{
		MaxParallelNodes: 4,
		MaxParallelRuns:  2,
		CancelGraceS:     1,
		InactivityS:      5,
		HardS:            10,
		WarningAfterS:    2,
	})
}

func newTestEnvRuntime(t *testing.T, m model.ChatModel, billingCfg config.BillingConfig, rtCfg config.RuntimeConfig) *testEnv {
	t.Helper()
	dataDir := t.TempDir()
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	v := vault.New(dataDir)

	projects := project.NewStore(dataDir, v, logger)
	proj, err := projects.Create("p1", "Project One")
	if err != nil {
		t.Fatal(err)
	}

	streams := eventlog.NewRegistry()
	t.Cleanup(func() { streams.CloseAll() })
	ledger, err := billing.NewLedger(billingCfg, dataDir, streams)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })

	b := bus.New(bus.WithDedupeWindow(0))
	t.Cleanup(b.Close)

	rt := runtime.New(runtime.Deps{
		Config:  rtCfg,
		DataDir: dataDir,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
		Bus:     b,
		Streams: streams,
		Model:   m,
		Ledger:  ledger,
		Vault:   v,
	})
	t.Cleanup(rt.Shutdown)

	return &testEnv{
		orch:     New(rt, projects, b, streams, logger),
		projects: projects,
		ledger:   ledger,
		rt:       rt,
		root:     proj.Root,
	}
}

// waitTurnClosed polls the session until the turn carries a terminal
// assistant or final error event.
func waitTurnClosed(t *testing.T, sess *sessions.Store, chatID, turnID string) []sessions.Event {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		evs, err := sess.Load(chatID)
		if err != nil {
			t.Fatal(err)
		}
		for _, ev := range evs {
			if ev.TurnID != turnID {
				continue
			}
			if ev.Type == sessions.EventAssistant || (ev.Type == sessions.EventError && ev.Final) {
				return evs
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("turn never closed")
	return nil
}

func waitPlanEvent(t *testing.T, sess *sessions.Store, chatID string) sessions.Event {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		evs, err := sess.Load(chatID)
		if err != nil {
			t.Fatal(err)
		}
		for _, ev := range evs {
			if ev.Type == sessions.EventPlan {
				return ev
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("plan event never appeared")
	return sessions.Event{}
}

func TestHandleMessage_StreamsAndClosesTurn(t *testing.T) {
	env := newTestEnv(t, model.NewFakeModel("A short answer."), config.BillingConfig{})

	turn, err := env.orch.HandleMessage(context.Background(), Message{
		ProjectID: "p1",
		Text:      "what is the plan",
		Mode:      graph.ModeSingle,
	})
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if turn.ChatSource != sessions.SourceNew {
		t.Errorf("chat source = %s, want new", turn.ChatSource)
	}

	sess := env.orch.Sessions(env.root)
	evs := waitTurnClosed(t, sess, turn.ChatID, turn.TurnID)

	var user, chunks, finals int
	var final sessions.Event
	for _, ev := range evs {
		if ev.TurnID != turn.TurnID {
			continue
		}
		switch ev.Type {
		case sessions.EventUser:
			user++
		case sessions.EventAssistantChunk:
			chunks++
		case sessions.EventAssistant:
			finals++
			final = ev
		}
	}
	if user != 1 || finals != 1 {
		t.Fatalf("user=%d finals=%d, want exactly one each", user, finals)
	}
	if chunks == 0 {
		t.Error("no assistant_chunk events streamed")
	}
	if final.Text != "A short answer." || final.RunID != turn.RunID {
		t.Errorf("final = %+v", final)
	}

	if _, err := os.Stat(filepath.Join(env.root, "docs", "answer.md")); err != nil {
		t.Errorf("answer.md missing: %v", err)
	}

	runID, text, err := sess.LoadLatestRunContext(turn.ChatID)
	if err != nil || runID != turn.RunID || text != "A short answer." {
		t.Errorf("LoadLatestRunContext = %q %q %v", runID, text, err)
	}
}

func TestHandleMessage_SessionContinuity(t *testing.T) {
	env := newTestEnv(t, model.NewFakeModel("one", "two", "three"), config.BillingConfig{})
	sessStore := env.orch.Sessions(env.root)

	first, err := env.orch.HandleMessage(context.Background(), Message{ProjectID: "p1", Text: "hello", Mode: graph.ModeSingle})
	if err != nil {
		t.Fatal(err)
	}
	waitTurnClosed(t, sessStore, first.ChatID, first.TurnID)

	// An empty hint reuses the latest session rather than minting a new id.
	second, err := env.orch.HandleMessage(context.Background(), Message{ProjectID: "p1", Text: "again", Mode: graph.ModeSingle})
	if err != nil {
		t.Fatal(err)
	}
	if second.ChatID != first.ChatID || second.ChatSource != sessions.SourceLatest {
		t.Errorf("second turn chat = %s (%s), want %s (latest)", second.ChatID, second.ChatSource, first.ChatID)
	}
	waitTurnClosed(t, sessStore, second.ChatID, second.TurnID)

	// A valid incoming id is honored as-is.
	third, err := env.orch.HandleMessage(context.Background(), Message{ProjectID: "p1", ChatID: first.ChatID, Text: "still here", Mode: graph.ModeSingle})
	if err != nil {
		t.Fatal(err)
	}
	if third.ChatID != first.ChatID || third.ChatSource != sessions.SourceIncoming {
		t.Errorf("third turn chat = %s (%s), want %s (incoming)", third.ChatID, third.ChatSource, first.ChatID)
	}
	waitTurnClosed(t, sessStore, third.ChatID, third.TurnID)
}

func TestHandleMessage_HistoryReachesModel(t *testing.T) {
	fake := model.NewFakeModel("first answer", "second answer")
	env := newTestEnv(t, fake, config.BillingConfig{})
	sessStore := env.orch.Sessions(env.root)

	first, err := env.orch.HandleMessage(context.Background(), Message{ProjectID: "p1", Text: "question one", Mode: graph.ModeSingle})
	if err != nil {
		t.Fatal(err)
	}
	waitTurnClosed(t, sessStore, first.ChatID, first.TurnID)

	second, err := env.orch.HandleMessage(context.Background(), Message{ProjectID: "p1", ChatID: first.ChatID, Text: "question two", Mode: graph.ModeSingle})
	if err != nil {
		t.Fatal(err)
	}
	waitTurnClosed(t, sessStore, second.ChatID, second.TurnID)

	reqs := fake.Requests()
	if len(reqs) != 2 {
		t.Fatalf("model saw %d requests, want 2", len(reqs))
	}
	msgs := reqs[1].Messages
	if len(msgs) < 3 {
		t.Fatalf("second request carries %d messages, want prior dialogue + prompt", len(msgs))
	}
	if msgs[0].Text != "question one" || msgs[1].Text != "first answer" {
		t.Errorf("history = %q / %q", msgs[0].Text, msgs[1].Text)
	}
}

func TestHandleMessage_AutoSelectsSelfCritique(t *testing.T) {
	env := newTestEnv(t, model.NewFakeModel("Final synthesis."), config.BillingConfig{})

	turn, err := env.orch.HandleMessage(context.Background(), Message{ProjectID: "p1", Text: "please review my essay"})
	if err != nil {
		t.Fatal(err)
	}
	if turn.Mode != graph.ModeSelfCritique {
		t.Errorf("mode = %s, want self_critique", turn.Mode)
	}
	waitTurnClosed(t, env.orch.Sessions(env.root), turn.ChatID, turn.TurnID)
}

func TestHandleMessage_FailureAppendsFinalError(t *testing.T) {
	fake := model.NewFakeModel()
	fake.Fail = errs.New(errs.KindModelAuthFailed, "bad key")
	env := newTestEnv(t, fake, config.BillingConfig{})

	turn, err := env.orch.HandleMessage(context.Background(), Message{ProjectID: "p1", Text: "hi", Mode: graph.ModeSingle})
	if err != nil {
		t.Fatal(err)
	}
	sess := env.orch.Sessions(env.root)
	evs := waitTurnClosed(t, sess, turn.ChatID, turn.TurnID)

	var finalErrors, assistants int
	for _, ev := range evs {
		if ev.TurnID != turn.TurnID {
			continue
		}
		if ev.Type == sessions.EventError && ev.Final {
			finalErrors++
		}
		if ev.Type == sessions.EventAssistant {
			assistants++
		}
	}
	if finalErrors != 1 || assistants != 0 {
		t.Errorf("finalErrors=%d assistants=%d, want one error and no assistant", finalErrors, assistants)
	}
}

func TestResolvePlan_BudgetParkAndApprove(t *testing.T) {
	env := newTestEnv(t, model.NewFakeModel("Past the budget gate."), config.BillingConfig{DailyBudget: 0.01})

	// Exhaust today's budget so the first LLM node parks the run.
	if _, err := env.ledger.RecordUsage(env.root, "p1", "seed-run", "chat", "other", "other-model", billing.Usage{OutputTokens: 1_000_000}); err != nil {
		t.Fatal(err)
	}

	turn, err := env.orch.HandleMessage(context.Background(), Message{ProjectID: "p1", Text: "spend more", Mode: graph.ModeSingle})
	if err != nil {
		t.Fatal(err)
	}
	sess := env.orch.Sessions(env.root)
	plan := waitPlanEvent(t, sess, turn.ChatID)
	if plan.RunID != turn.RunID || plan.Payload["origin"] != "budget" {
		t.Fatalf("plan event = %+v", plan)
	}

	if _, err := env.orch.ResolvePlan(turn.RunID, true); err != nil {
		t.Fatalf("ResolvePlan() error = %v", err)
	}
	evs := waitTurnClosed(t, sess, turn.ChatID, turn.TurnID)

	var final *sessions.Event
	for i := range evs {
		if evs[i].TurnID == turn.TurnID && evs[i].Type == sessions.EventAssistant {
			final = &evs[i]
		}
	}
	if final == nil || final.Text != "Past the budget gate." {
		t.Fatalf("final = %+v", final)
	}
}

func TestResolvePlan_RejectClosesTurnWithError(t *testing.T) {
	env := newTestEnv(t, model.NewFakeModel("unused"), config.BillingConfig{DailyBudget: 0.01})
	if _, err := env.ledger.RecordUsage(env.root, "p1", "seed-run", "chat", "other", "other-model", billing.Usage{OutputTokens: 1_000_000}); err != nil {
		t.Fatal(err)
	}

	turn, err := env.orch.HandleMessage(context.Background(), Message{ProjectID: "p1", Text: "spend more", Mode: graph.ModeSingle})
	if err != nil {
		t.Fatal(err)
	}
	sess := env.orch.Sessions(env.root)
	waitPlanEvent(t, sess, turn.ChatID)

	if _, err := env.orch.ResolvePlan(turn.RunID, false); err != nil {
		t.Fatalf("ResolvePlan() error = %v", err)
	}
	evs := waitTurnClosed(t, sess, turn.ChatID, turn.TurnID)

	var confirm, finalErr bool
	for _, ev := range evs {
		if ev.Type == sessions.EventConfirm && ev.Payload["approved"] == false {
			confirm = true
		}
		if ev.TurnID == turn.TurnID && ev.Type == sessions.EventError && ev.Final {
			finalErr = true
		}
	}
	if !confirm || !finalErr {
		t.Errorf("confirm=%v finalErr=%v, want both", confirm, finalErr)
	}
}

func TestRuntimeCancel_ClosesParkedTurn(t *testing.T) {
	env := newTestEnv(t, model.NewFakeModel("unused"), config.BillingConfig{DailyBudget: 0.01})
	if _, err := env.ledger.RecordUsage(env.root, "p1", "seed-run", "chat", "other", "other-model", billing.Usage{OutputTokens: 1_000_000}); err != nil {
		t.Fatal(err)
	}

	turn, err := env.orch.HandleMessage(context.Background(), Message{ProjectID: "p1", Text: "spend more", Mode: graph.ModeSingle})
	if err != nil {
		t.Fatal(err)
	}
	sess := env.orch.Sessions(env.root)
	waitPlanEvent(t, sess, turn.ChatID)

	// Cancelling a parked run bypasses ResolvePlan entirely; the turn must
	// still close with exactly one final error event.
	if err := env.rt.Cancel(turn.RunID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	evs := waitTurnClosed(t, sess, turn.ChatID, turn.TurnID)

	var confirms, finalErrs int
	for _, ev := range evs {
		if ev.Type == sessions.EventConfirm && ev.Payload["approved"] == false {
			confirms++
		}
		if ev.TurnID == turn.TurnID && ev.Type == sessions.EventError && ev.Final {
			finalErrs++
		}
	}
	if confirms != 1 || finalErrs != 1 {
		t.Errorf("confirms=%d finalErrs=%d, want exactly one each", confirms, finalErrs)
	}
	if _, ok := env.rt.Get(turn.RunID); ok {
		t.Error("cancelled run still registered as active")
	}
}

func TestPlanExpiry_AutoRejectClosesTurn(t *testing.T) {
	env := newTestEnvRuntime(t, model.NewFakeModel("unused"), config.BillingConfig{DailyBudget: 0.01}, config.RuntimeConfig{
		MaxParallelNodes: 4,
		MaxParallelRuns:  2,
		CancelGraceS:     1,
		InactivityS:      5,
		HardS:            10,
		WarningAfterS:    2,
		PlanExpiryS:      1,
	})
	if _, err := env.ledger.RecordUsage(env.root, "p1", "seed-run", "chat", "other", "other-model", billing.Usage{OutputTokens: 1_000_000}); err != nil {
		t.Fatal(err)
	}

	turn, err := env.orch.HandleMessage(context.Background(), Message{ProjectID: "p1", Text: "spend more", Mode: graph.ModeSingle})
	if err != nil {
		t.Fatal(err)
	}
	sess := env.orch.Sessions(env.root)
	waitPlanEvent(t, sess, turn.ChatID)

	// No one confirms; the card expires and the run auto-rejects.
	evs := waitTurnClosed(t, sess, turn.ChatID, turn.TurnID)

	var finalErrs int
	for _, ev := range evs {
		if ev.TurnID == turn.TurnID && ev.Type == sessions.EventError && ev.Final {
			finalErrs++
		}
	}
	if finalErrs != 1 {
		t.Errorf("finalErrs=%d, want exactly one", finalErrs)
	}
	if _, ok := env.rt.Get(turn.RunID); ok {
		t.Error("expired run still registered as active")
	}
}

func TestHandleMessage_UnknownProject(t *testing.T) {
	env := newTestEnv(t, model.NewFakeModel("x"), config.BillingConfig{})
	if _, err := env.orch.HandleMessage(context.Background(), Message{ProjectID: "nope", Text: "hi"}); err == nil {
		t.Fatal("expected error for unknown project")
	}
}
