// Package orchestrator binds chat messages to graph runs. Each incoming
// message resolves a session, selects a graph mode, submits the run, and
// produces a durable, complete assistant turn: streamed assistant_chunk
// events followed by exactly one terminal assistant event, or one final
// error event. The resolved chat id is never replaced once valid.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/amon/internal/bus"
	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/eventlog"
	"github.com/haasonsaas/amon/internal/events"
	"github.com/haasonsaas/amon/internal/graph"
	"github.com/haasonsaas/amon/internal/ids"
	"github.com/haasonsaas/amon/internal/model"
	"github.com/haasonsaas/amon/internal/project"
	"github.com/haasonsaas/amon/internal/runtime"
	"github.com/haasonsaas/amon/internal/sessions"
)

// DefaultMaxTurns bounds prompt history reconstruction.
const DefaultMaxTurns = 20

// Orchestrator drives chat turns against the graph runtime.
type Orchestrator struct {
	runtime  *runtime.Runtime
	projects *project.Store
	bus      *bus.Bus
	streams  *eventlog.Registry
	logger   *slog.Logger
	maxTurns int

	mu    sync.Mutex
	sess  map[string]*sessions.Store
	turns map[string]turnInfo // run_id -> originating turn, kept while parked
}

type turnInfo struct {
	projectID string
	root      string
	chatID    string
	turnID    string
	mode      string
}

// New creates an orchestrator.
func New(rt *runtime.Runtime, projects *project.Store, b *bus.Bus, streams *eventlog.Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		runtime:  rt,
		projects: projects,
		bus:      b,
		streams:  streams,
		logger:   logger.With("component", "orchestrator"),
		maxTurns: DefaultMaxTurns,
		sess:     make(map[string]*sessions.Store),
		turns:    make(map[string]turnInfo),
	}
	// Plan rejections can originate inside the runtime (cancel of a parked
	// run, card expiry); the observer closes the chat turn either way.
	rt.SetPlanObserver(o.onPlanResolved)
	return o
}

// Sessions returns the (cached) session store for a project root.
func (o *Orchestrator) Sessions(projectRoot string) *sessions.Store {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.sess[projectRoot]
	if !ok {
		st = sessions.NewStore(projectRoot, o.logger)
		o.sess[projectRoot] = st
	}
	return st
}

// Message is one incoming chat message. Mode forces a graph mode; empty
// auto-selects.
type Message struct {
	ProjectID string
	ChatID    string
	Text      string
	Mode      string
	Actor     string
}

// Turn is the accepted-turn receipt handed back to the transport layer.
type Turn struct {
	ChatID     string
	ChatSource sessions.Source
	TurnID     string
	RunID      string
	Mode       string
	Run        *runtime.Run
}

// HandleMessage runs the per-message algorithm: ensure session, record the
// user event, rebuild history, build and submit the graph, then watch the
// run in the background until the turn is durably closed.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg Message) (*Turn, error) {
	if msg.Text == "" {
		return nil, errs.New(errs.KindConfigInvalid, "empty message")
	}
	proj, err := o.projects.Get(msg.ProjectID)
	if err != nil {
		return nil, err
	}
	manifest, err := o.projects.LoadManifest(msg.ProjectID)
	if err != nil {
		return nil, err
	}
	sess := o.Sessions(proj.Root)

	chatID, source, err := sess.EnsureSession(msg.ChatID)
	if err != nil {
		return nil, err
	}

	// History is assembled before the new user event lands so the prompt
	// does not repeat the current message.
	dialogue, err := sess.LoadRecentDialogue(chatID, o.maxTurns)
	if err != nil {
		return nil, err
	}
	history := make([]model.Message, len(dialogue))
	for i, turn := range dialogue {
		history[i] = model.Message{Role: turn.Role, Text: turn.Text}
	}

	turnID := ids.NewTurnID()
	if err := sess.Append(chatID, sessions.Event{Type: sessions.EventUser, TurnID: turnID, Text: msg.Text}); err != nil {
		return nil, err
	}

	mode := msg.Mode
	if mode == "" {
		mode = graph.SelectMode(msg.Text)
	}
	if err := sess.Append(chatID, sessions.Event{
		Type:    sessions.EventRouter,
		TurnID:  turnID,
		Payload: map[string]any{"mode": mode},
	}); err != nil {
		o.logger.Warn("router event append failed", "chat_id", chatID, "error", err)
	}

	g, err := graph.Build(mode, "chat-"+turnID, msg.Text)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfigInvalid, err)
	}

	actor := msg.Actor
	if actor == "" {
		actor = "user"
	}

	// Subscribe before Submit so the first tokens cannot slip past.
	sub := o.bus.Subscribe(func(ev events.Event) bool {
		return ev.ProjectID == msg.ProjectID && ev.ChatID == chatID
	})

	run, err := o.runtime.Submit(runtime.Submission{
		ProjectID:   msg.ProjectID,
		ProjectRoot: proj.Root,
		ChatID:      chatID,
		Source:      "chat",
		Actor:       actor,
		Graph:       g,
		History:     history,
		Rules:       manifest.Policy,
	})
	if err != nil {
		sub.Unsubscribe()
		o.appendError(sess, chatID, turnID, "", err.Error())
		return nil, err
	}

	info := turnInfo{projectID: msg.ProjectID, root: proj.Root, chatID: chatID, turnID: turnID, mode: mode}
	o.mu.Lock()
	o.turns[run.ID] = info
	o.mu.Unlock()

	go o.watch(sub, sess, info, run)

	return &Turn{ChatID: chatID, ChatSource: source, TurnID: turnID, RunID: run.ID, Mode: mode, Run: run}, nil
}

// ResolvePlan applies a confirmation decision to a parked run. Approval
// resumes execution and re-attaches the turn watcher; rejection closes the
// turn with a final error event.
func (o *Orchestrator) ResolvePlan(runID string, approve bool) (*runtime.Run, error) {
	if !approve {
		// Rejection closes the turn in onPlanResolved, the same path a
		// runtime-initiated rejection takes.
		return o.runtime.ConfirmRun(runID, false)
	}

	o.mu.Lock()
	info, known := o.turns[runID]
	o.mu.Unlock()

	run, err := o.runtime.ConfirmRun(runID, true)
	if err != nil {
		return nil, err
	}
	if !known {
		// A restart lost the turn binding; the run state still carries it.
		st := run.Snapshot()
		info = turnInfo{projectID: st.ProjectID, root: o.projects.Root(st.ProjectID), chatID: st.ChatID, mode: st.Mode}
		o.mu.Lock()
		o.turns[runID] = info
		o.mu.Unlock()
	}
	sess := o.Sessions(info.root)

	if err := sess.Append(info.chatID, sessions.Event{
		Type:    sessions.EventConfirm,
		TurnID:  info.turnID,
		RunID:   runID,
		Payload: map[string]any{"approved": true},
	}); err != nil {
		o.logger.Warn("confirm event append failed", "run_id", runID, "error", err)
	}

	sub := o.bus.Subscribe(func(ev events.Event) bool {
		return ev.ProjectID == info.projectID && ev.ChatID == info.chatID
	})
	go o.watch(sub, sess, info, run)
	return run, nil
}

// onPlanResolved runs after every plan resolution. Approvals are handled by
// ResolvePlan, which re-attaches a watcher; a rejection closes the
// originating chat turn with a final error event no matter where the decision
// came from: ResolvePlan, a cancel of the parked run, or plan card expiry.
func (o *Orchestrator) onPlanResolved(run *runtime.Run, approved bool) {
	if approved {
		return
	}
	info, known := o.claim(run.ID)
	if !known {
		st := run.Snapshot()
		if st.ChatID == "" {
			return // daemon-originated run, no chat turn to close
		}
		// A restart lost the turn binding; the run state still carries it.
		info = turnInfo{projectID: st.ProjectID, root: o.projects.Root(st.ProjectID), chatID: st.ChatID, mode: st.Mode}
	}
	sess := o.Sessions(info.root)

	if err := sess.Append(info.chatID, sessions.Event{
		Type:    sessions.EventConfirm,
		TurnID:  info.turnID,
		RunID:   run.ID,
		Payload: map[string]any{"approved": false},
	}); err != nil {
		o.logger.Warn("confirm event append failed", "run_id", run.ID, "error", err)
	}
	o.appendError(sess, info.chatID, info.turnID, run.ID, "plan rejected")
}

// watch streams run events into the session until the run stops, then closes
// the turn: one terminal assistant event on success, one plan event when
// parked, one final error event otherwise.
func (o *Orchestrator) watch(sub *bus.Subscription, sess *sessions.Store, info turnInfo, run *runtime.Run) {
	defer sub.Unsubscribe()

	var streamed []byte
	done := run.Done()
	for done != nil {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				done = nil
				continue
			}
			o.handleRunEvent(sess, info, run.ID, ev, &streamed)
		case <-done:
			done = nil
		}
	}

	// Drain tokens the bus buffered before the run closed.
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				o.closeTurn(sess, info, run, streamed)
				return
			}
			o.handleRunEvent(sess, info, run.ID, ev, &streamed)
			continue
		default:
		}
		break
	}
	o.closeTurn(sess, info, run, streamed)
}

func (o *Orchestrator) handleRunEvent(sess *sessions.Store, info turnInfo, runID string, ev events.Event, streamed *[]byte) {
	if ev.RunID != runID || ev.Type != events.TypeNodeToken {
		return
	}
	text, _ := ev.Payload["text"].(string)
	if text == "" {
		return
	}
	*streamed = append(*streamed, text...)
	if err := sess.Append(info.chatID, sessions.Event{
		Type:   sessions.EventAssistantChunk,
		TurnID: info.turnID,
		RunID:  runID,
		Text:   text,
	}); err != nil {
		o.logger.Warn("chunk append failed", "chat_id", info.chatID, "error", err)
	}
}

func (o *Orchestrator) closeTurn(sess *sessions.Store, info turnInfo, run *runtime.Run, streamed []byte) {
	st := run.Snapshot()
	if st.Status == runtime.StatusPendingConfirmation {
		payload := map[string]any{}
		if st.Plan != nil {
			payload["command"] = st.Plan.Command
			payload["args"] = st.Plan.Args
			payload["risk"] = st.Plan.Risk
			payload["origin"] = st.Plan.Origin
			payload["node_id"] = st.Plan.NodeID
			payload["expires_at"] = st.Plan.ExpiresAt.Format(time.RFC3339)
		}
		if err := sess.Append(info.chatID, sessions.Event{
			Type:    sessions.EventPlan,
			TurnID:  info.turnID,
			RunID:   run.ID,
			Payload: payload,
		}); err != nil {
			o.logger.Warn("plan event append failed", "run_id", run.ID, "error", err)
		}
		// The turn stays open; plan resolution closes it.
		return
	}

	if _, known := o.claim(run.ID); !known {
		return // a plan rejection already closed this turn
	}

	switch st.Status {
	case runtime.StatusSucceeded:
		text := o.finalText(info.mode, st.Session)
		if text == "" {
			text = string(streamed)
		}
		if err := sess.Append(info.chatID, sessions.Event{
			Type:   sessions.EventAssistant,
			TurnID: info.turnID,
			RunID:  run.ID,
			Text:   text,
			Final:  true,
		}); err != nil {
			o.logger.Error("assistant final append failed", "run_id", run.ID, "error", err)
		}
		o.publishResult(info, run.ID, text)

	default:
		msg := st.Error
		if msg == "" {
			msg = "run " + string(st.Status)
		}
		o.appendError(sess, info.chatID, info.turnID, run.ID, msg)
	}
}

// finalText picks the terminal node's session value for the mode.
func (o *Orchestrator) finalText(mode string, session map[string]any) string {
	var key string
	switch mode {
	case graph.ModeSingle:
		key = "answer"
	case graph.ModeSelfCritique:
		key = "final"
	case graph.ModeTeam:
		key = "summary"
	default:
		return ""
	}
	text, _ := session[key].(string)
	return text
}

// publishResult mirrors the final text onto the project event stream so
// attached UI streams receive a result frame.
func (o *Orchestrator) publishResult(info turnInfo, runID, text string) {
	ev := events.New(events.ScopeProject, events.TypeChatResult, info.projectID)
	ev.ChatID = info.chatID
	ev.RunID = runID
	ev.Payload = map[string]any{"text": text, "turn_id": info.turnID}

	stamped, err := o.streams.Append(eventlog.ProjectEventsPath(info.root), ev)
	if err != nil {
		o.logger.Error("result event append failed", "run_id", runID, "error", err)
		stamped = ev
	}
	o.bus.Publish(stamped)
}

func (o *Orchestrator) appendError(sess *sessions.Store, chatID, turnID, runID, msg string) {
	if err := sess.Append(chatID, sessions.Event{
		Type:   sessions.EventError,
		TurnID: turnID,
		RunID:  runID,
		Text:   msg,
		Final:  true,
	}); err != nil {
		o.logger.Error("error event append failed", "chat_id", chatID, "error", err)
	}
}

// claim removes the turn binding, reporting whether this caller held it. The
// final session event for a run is appended by whoever claims the turn, so a
// rejection and a late watcher cannot both close it.
func (o *Orchestrator) claim(runID string) (turnInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	info, ok := o.turns[runID]
	delete(o.turns, runID)
	return info, ok
}

// LatestRunContext exposes UI hydration for a chat.
func (o *Orchestrator) LatestRunContext(projectID, chatID string) (runID, text string, err error) {
	proj, err := o.projects.Get(projectID)
	if err != nil {
		return "", "", err
	}
	return o.Sessions(proj.Root).LoadLatestRunContext(chatID)
}
