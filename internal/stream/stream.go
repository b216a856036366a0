// Package stream fans platform events out to connected clients as SSE
// frames. A client opens a stream scoped to a project (optionally narrowed to
// a chat or a single run); the broker first replays missed events from the
// durable log, bounded by a recovery window, then switches to the live bus.
// The log, not the bus, is the authority: a reconnect with the last seen
// event id resumes exactly when the gap fits the window, and collapses to a
// single lost-events notice when it does not.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/haasonsaas/amon/internal/bus"
	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/eventlog"
	"github.com/haasonsaas/amon/internal/events"
)

// DefaultRecoveryWindow bounds replay on reconnect.
const DefaultRecoveryWindow = 10000

// Wire frame types.
const (
	FrameToken     = "token"
	FrameNotice    = "notice"
	FramePlan      = "plan"
	FrameResult    = "result"
	FrameReasoning = "reasoning"
	FrameWarning   = "warning"
	FrameError     = "error"
	FrameDone      = "done"
)

// Request scopes a stream. ProjectID is required; ChatID and RunID narrow
// the feed. SinceEventID of zero means live-only, no replay.
type Request struct {
	ProjectID    string
	ChatID       string
	RunID        string
	SinceEventID int64
}

// Frame is one server-sent event. ID is the source event id; zero means the
// frame is synthetic (binding echo, lost-window notice) and carries no id.
type Frame struct {
	ID    int64
	Event string
	Data  map[string]any
}

// Encode renders the frame in text/event-stream format.
func (f Frame) Encode() []byte {
	payload, err := json.Marshal(f.Data)
	if err != nil {
		payload = []byte(`{}`)
	}
	out := make([]byte, 0, len(payload)+64)
	if f.ID > 0 {
		out = append(out, "id: "...)
		out = strconv.AppendInt(out, f.ID, 10)
		out = append(out, '\n')
	}
	out = append(out, "event: "...)
	out = append(out, f.Event...)
	out = append(out, "\ndata: "...)
	out = append(out, payload...)
	out = append(out, "\n\n"...)
	return out
}

// ResolveRoot maps a project id to its filesystem root.
type ResolveRoot func(projectID string) (string, error)

// Broker multiplexes the event log and the live bus into per-client streams.
type Broker struct {
	bus     *bus.Bus
	window  int
	resolve ResolveRoot
	logger  *slog.Logger
}

// New creates a broker. window <= 0 uses DefaultRecoveryWindow.
func New(b *bus.Bus, window int, resolve ResolveRoot, logger *slog.Logger) *Broker {
	if window <= 0 {
		window = DefaultRecoveryWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{bus: b, window: window, resolve: resolve, logger: logger.With("component", "stream")}
}

// Stream is one client's frame feed. Frames closes when the run completes
// (run-scoped streams), the context ends, or Close is called.
type Stream struct {
	frames chan Frame
	cancel context.CancelFunc
	once   sync.Once
}

// Frames returns the receive channel.
func (s *Stream) Frames() <-chan Frame { return s.frames }

// Close detaches the client.
func (s *Stream) Close() { s.once.Do(s.cancel) }

// Open attaches a client. The first frame is always a notice echoing the
// resolved scope, so clients learn their chat_id before any token arrives.
func (b *Broker) Open(ctx context.Context, req Request) (*Stream, error) {
	if req.ProjectID == "" {
		return nil, errs.New(errs.KindConfigInvalid, "stream request requires project_id")
	}
	root, err := b.resolve(req.ProjectID)
	if err != nil {
		return nil, err
	}
	logPath := eventlog.ProjectEventsPath(root)
	if req.RunID != "" {
		logPath = eventlog.RunEventsPath(root, req.RunID)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := b.bus.Subscribe(func(ev events.Event) bool { return matches(req, ev) })
	s := &Stream{frames: make(chan Frame, 64), cancel: cancel}

	go func() {
		defer sub.Unsubscribe()
		defer close(s.frames)
		b.pump(ctx, req, logPath, sub, s)
	}()
	return s, nil
}

func (b *Broker) pump(ctx context.Context, req Request, logPath string, sub *bus.Subscription, s *Stream) {
	binding := Frame{Event: FrameNotice, Data: map[string]any{
		"kind":       "binding",
		"project_id": req.ProjectID,
	}}
	if req.ChatID != "" {
		binding.Data["chat_id"] = req.ChatID
	}
	if req.RunID != "" {
		binding.Data["run_id"] = req.RunID
	}
	if !send(ctx, s.frames, binding) {
		return
	}

	// Replay after subscribing so nothing falls between log and bus; live
	// events at or below the replay high-water mark are dropped below.
	// Run-scoped streams always replay: the run may have emitted tokens
	// between submission and attach, and its log is small.
	lastID := req.SinceEventID
	if req.SinceEventID > 0 || req.RunID != "" {
		backlog, err := eventlog.ReadSince(logPath, req.SinceEventID, b.window+1)
		if err != nil {
			b.logger.Warn("stream replay failed", "project_id", req.ProjectID, "error", err)
		}
		if len(backlog) > b.window {
			lost := Frame{Event: FrameNotice, Data: map[string]any{
				"kind":       "events_lost",
				"project_id": req.ProjectID,
				"message":    fmt.Sprintf("more than %d events since id %d; resuming at head", b.window, req.SinceEventID),
			}}
			if !send(ctx, s.frames, lost) {
				return
			}
			lastID = backlog[len(backlog)-1].EventID
		} else {
			for _, ev := range backlog {
				if ev.EventID > lastID {
					lastID = ev.EventID
				}
				if done := b.deliver(ctx, req, s, ev); done {
					return
				}
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.EventID <= lastID {
				continue
			}
			if done := b.deliver(ctx, req, s, ev); done {
				return
			}
		}
	}
}

// deliver converts and sends one event. Returns true when the stream should
// end: a run-scoped stream ends on its run.completed.
func (b *Broker) deliver(ctx context.Context, req Request, s *Stream, ev events.Event) bool {
	for _, f := range framesFor(ev) {
		if !send(ctx, s.frames, f) {
			return true
		}
	}
	return ev.Type == events.TypeRunCompleted && req.RunID != "" && ev.RunID == req.RunID
}

func send(ctx context.Context, ch chan<- Frame, f Frame) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- f:
		return true
	}
}

func matches(req Request, ev events.Event) bool {
	if ev.ProjectID != req.ProjectID {
		return false
	}
	if req.RunID != "" && ev.RunID != req.RunID {
		return false
	}
	if req.ChatID != "" && ev.ChatID != "" && ev.ChatID != req.ChatID {
		return false
	}
	return true
}

// framesFor maps a platform event onto wire frames. Every frame repeats the
// routing ids so clients need no out-of-band state. A failed run yields an
// error frame followed by the terminal done frame.
func framesFor(ev events.Event) []Frame {
	base := func(event string) Frame {
		data := map[string]any{
			"type":       string(ev.Type),
			"project_id": ev.ProjectID,
		}
		if ev.ChatID != "" {
			data["chat_id"] = ev.ChatID
		}
		if ev.RunID != "" {
			data["run_id"] = ev.RunID
		}
		if ev.NodeID != "" {
			data["node_id"] = ev.NodeID
		}
		for k, v := range ev.Payload {
			data[k] = v
		}
		return Frame{ID: ev.EventID, Event: event, Data: data}
	}

	switch ev.Type {
	case events.TypeNodeToken:
		return []Frame{base(FrameToken)}
	case events.TypeNodeWarning:
		return []Frame{base(FrameWarning)}
	case events.TypePlanPending:
		return []Frame{base(FramePlan)}
	case events.TypeChatResult:
		return []Frame{base(FrameResult)}
	case events.TypeChatReasoning:
		return []Frame{base(FrameReasoning)}
	case events.TypeRunCompleted:
		status, _ := ev.Payload["status"].(string)
		done := base(FrameDone)
		switch status {
		case "succeeded":
			done.Data["status"] = "ok"
			return []Frame{done}
		case "failed":
			// The wire status set has no "failed"; the error frame carries
			// the detail and the done frame reports the terminal kind.
			done.Data["status"] = "error"
			return []Frame{base(FrameError), done}
		default:
			done.Data["status"] = status
			return []Frame{done}
		}
	case events.TypeNodeFailed, events.TypeToolDenied,
		events.TypeBillingBudgetExceeded, events.TypePolicyLLMBlocked:
		return []Frame{base(FrameError)}
	case events.TypePlanResolved, events.TypeNodeRetry, events.TypeNodeSkipped,
		events.TypeDocCreated, events.TypeDocUpdated,
		events.TypeWorkspaceFileCreated, events.TypeWorkspaceFileUpdated,
		events.TypeRunStarted:
		return []Frame{base(FrameNotice)}
	}
	return nil
}
