package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/events"
	"github.com/haasonsaas/amon/internal/orchestrator"
	"github.com/haasonsaas/amon/internal/stream"
)

// handleStreamInit stores a long message server-side and hands back a short
// token, so the follow-up GET /v1/chat/stream stays within URL limits.
func (s *Server) handleStreamInit(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		ProjectID string `json:"project_id"`
		ChatID    string `json:"chat_id"`
		Message   string `json:"message"`
		Mode      string `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Message == "" {
		return errs.New(errs.KindConfigInvalid, "message is required")
	}
	if _, err := s.projectRoot(req.ProjectID); err != nil {
		return err
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = pendingStream{
		projectID: req.ProjectID,
		chatID:    req.ChatID,
		message:   req.Message,
		mode:      req.Mode,
		expires:   time.Now().Add(streamTokenTTL),
	}
	// Opportunistic sweep of expired tokens.
	for k, p := range s.tokens {
		if time.Now().After(p.expires) {
			delete(s.tokens, k)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"stream_token": token})
	return nil
}

func (s *Server) redeemToken(token string) (pendingStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tokens[token]
	if !ok || time.Now().After(p.expires) {
		delete(s.tokens, token)
		return pendingStream{}, errs.New(errs.KindConfigInvalid, "unknown or expired stream token")
	}
	delete(s.tokens, token)
	return p, nil
}

// handleChatStream serves the chat SSE feed. With a message (inline or via
// stream_token) it dispatches a turn and streams that run; without one it
// attaches to the project or chat feed, replaying from last_event_id.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	projectID := q.Get("project_id")
	chatID := q.Get("chat_id")
	message := q.Get("message")
	mode := q.Get("mode")

	if token := q.Get("stream_token"); token != "" {
		p, err := s.redeemToken(token)
		if err != nil {
			return err
		}
		projectID, chatID, message, mode = p.projectID, p.chatID, p.message, p.mode
	}

	var sinceID int64
	if v := q.Get("last_event_id"); v != "" {
		sinceID, _ = strconv.ParseInt(v, 10, 64)
	} else if v := r.Header.Get("Last-Event-ID"); v != "" {
		sinceID, _ = strconv.ParseInt(v, 10, 64)
	}

	req := stream.Request{ProjectID: projectID, ChatID: chatID, SinceEventID: sinceID}
	if message != "" {
		turn, err := s.deps.Orchestrator.HandleMessage(r.Context(), orchestrator.Message{
			ProjectID: projectID,
			ChatID:    chatID,
			Text:      message,
			Mode:      mode,
		})
		if err != nil {
			return err
		}
		req.ChatID = turn.ChatID
		req.RunID = turn.RunID
	} else {
		// Attach-only streams still resolve a session, so the binding frame
		// tells the client which chat it is following even when the hint was
		// empty or stale.
		root, err := s.projectRoot(projectID)
		if err != nil {
			return err
		}
		resolved, _, err := s.deps.Orchestrator.Sessions(root).EnsureSession(chatID)
		if err != nil {
			return err
		}
		req.ChatID = resolved
	}

	st, err := s.deps.Broker.Open(r.Context(), req)
	if err != nil {
		return err
	}
	defer st.Close()
	return s.serveSSE(w, r, st.Frames())
}

// handleBillingStream pushes billing.usage events for a project as SSE.
func (s *Server) handleBillingStream(w http.ResponseWriter, r *http.Request) error {
	projectID := r.URL.Query().Get("project_id")
	if _, err := s.projectRoot(projectID); err != nil {
		return err
	}
	sub := s.deps.Bus.Subscribe(func(ev events.Event) bool {
		return ev.Type == events.TypeBillingUsage && ev.ProjectID == projectID
	})
	defer sub.Unsubscribe()

	frames := make(chan stream.Frame)
	go func() {
		defer close(frames)
		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				data := map[string]any{"project_id": ev.ProjectID, "run_id": ev.RunID}
				for k, v := range ev.Payload {
					data[k] = v
				}
				select {
				case frames <- stream.Frame{ID: ev.EventID, Event: "usage", Data: data}:
				case <-r.Context().Done():
					return
				}
			}
		}
	}()
	return s.serveSSE(w, r, frames)
}

// serveSSE writes frames until the feed or the client connection ends.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, frames <-chan stream.Frame) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errs.New(errs.KindProtocol, "response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.active.Add(1)
	s.deps.Metrics.QueueDepth.Set(float64(s.active.Load()))
	defer func() {
		s.active.Add(-1)
		s.deps.Metrics.QueueDepth.Set(float64(s.active.Load()))
	}()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if _, err := w.Write(frame.Encode()); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
