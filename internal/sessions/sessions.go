// Package sessions stores per-chat conversation history as append-only JSONL
// files and implements the ensure-semantics contract: an incoming valid chat
// id is always honored, the latest session is reused when the hint is empty,
// and a new id is minted only when neither exists.
package sessions

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/ids"
)

// EventType is a session event kind.
type EventType string

const (
	EventUser           EventType = "user"
	EventAssistantChunk EventType = "assistant_chunk"
	EventAssistant      EventType = "assistant"
	EventRouter         EventType = "router"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventError          EventType = "error"
	EventPlan           EventType = "plan"
	EventConfirm        EventType = "confirm"
)

// Event is one line in a session file.
type Event struct {
	Type    EventType      `json:"type"`
	TS      time.Time      `json:"ts"`
	TurnID  string         `json:"turn_id,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Text    string         `json:"text,omitempty"`
	Final   bool           `json:"final,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Source reports how EnsureSession resolved the chat id.
type Source string

const (
	SourceIncoming Source = "incoming"
	SourceLatest   Source = "latest"
	SourceNew      Source = "new"
)

// Turn is a prompt-history entry: user and terminal assistant events only.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	TS   time.Time `json:"ts"`
}

var chatIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// Store manages the session files of one project.
type Store struct {
	projectRoot string
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a session store rooted at the project directory.
func NewStore(projectRoot string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		projectRoot: projectRoot,
		logger:      logger.With("component", "sessions"),
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (s *Store) sessionsDir() string {
	return filepath.Join(s.projectRoot, "sessions", "chat")
}

// Path returns the JSONL file for a chat id.
func (s *Store) Path(chatID string) string {
	return filepath.Join(s.sessionsDir(), chatID+".jsonl")
}

func (s *Store) statePath() string {
	return filepath.Join(s.projectRoot, ".amon", "state.json")
}

func (s *Store) lock(chatID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chatID] = l
	}
	return l
}

// Exists reports whether a session file exists for the id.
func (s *Store) Exists(chatID string) bool {
	if !chatIDPattern.MatchString(chatID) {
		return false
	}
	_, err := os.Stat(s.Path(chatID))
	return err == nil
}

// EnsureSession resolves a chat id per the ensure contract. It never mints a
// new id when a valid one exists: a known incoming id is returned as-is, an
// empty hint falls back to the project's latest session, and only when
// neither resolves is a new session created and recorded as latest. Invalid
// incoming ids fall back with a warning rather than failing the request.
func (s *Store) EnsureSession(chatIDHint string) (string, Source, error) {
	if chatIDHint != "" {
		if s.Exists(chatIDHint) {
			return chatIDHint, SourceIncoming, nil
		}
		s.logger.Warn("chat_session_fallback",
			"hint", chatIDHint,
			"reason", "unknown or invalid chat id")
	}

	if latest := s.latestChatID(); latest != "" && s.Exists(latest) {
		return latest, SourceLatest, nil
	}

	chatID := ids.NewChatID()
	if err := s.createSession(chatID); err != nil {
		return "", "", err
	}
	if err := s.setLatestChatID(chatID); err != nil {
		return "", "", err
	}
	return chatID, SourceNew, nil
}

func (s *Store) createSession(chatID string) error {
	if err := os.MkdirAll(s.sessionsDir(), 0o755); err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	f, err := os.OpenFile(s.Path(chatID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrapf(errs.KindIO, err, "create session %s", chatID)
	}
	return f.Close()
}

type projectState struct {
	LatestChatID string `json:"latest_chat_id,omitempty"`
}

func (s *Store) latestChatID() string {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		return ""
	}
	var state projectState
	if err := json.Unmarshal(data, &state); err != nil {
		return ""
	}
	return state.LatestChatID
}

func (s *Store) setLatestChatID(chatID string) error {
	path := s.statePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	state := projectState{}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &state)
	}
	state.LatestChatID = chatID
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindProtocol, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	return nil
}

// Append writes one event to the session file. The file is exclusive-write
// per chat; appends from concurrent turns serialize.
func (s *Store) Append(chatID string, ev Event) error {
	if !chatIDPattern.MatchString(chatID) {
		return errs.New(errs.KindProtocol, "invalid chat id %q", chatID)
	}
	if ev.TS.IsZero() {
		ev.TS = s.now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(errs.KindProtocol, err)
	}
	line = append(line, '\n')

	l := s.lock(chatID)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(s.sessionsDir(), 0o755); err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	f, err := os.OpenFile(s.Path(chatID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrapf(errs.KindIO, err, "append session %s", chatID)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	return f.Sync()
}

// Load reads every parseable event. A torn trailing line from a crash is
// dropped, recovering the history up to the last fully written record.
func (s *Store) Load(chatID string) ([]Event, error) {
	if !chatIDPattern.MatchString(chatID) {
		return nil, errs.New(errs.KindProtocol, "invalid chat id %q", chatID)
	}
	f, err := os.Open(s.Path(chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindIO, err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// LoadRecentDialogue returns the last maxTurns user/terminal-assistant pairs
// in order, for prompt assembly. Chunks, tool events, and non-final errors
// are excluded.
func (s *Store) LoadRecentDialogue(chatID string, maxTurns int) ([]Turn, error) {
	evs, err := s.Load(chatID)
	if err != nil {
		return nil, err
	}
	var turns []Turn
	for _, ev := range evs {
		switch ev.Type {
		case EventUser:
			turns = append(turns, Turn{Role: "user", Text: ev.Text, TS: ev.TS})
		case EventAssistant:
			turns = append(turns, Turn{Role: "assistant", Text: ev.Text, TS: ev.TS})
		}
	}
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return turns, nil
}

// LoadLatestRunContext returns the most recent terminal assistant event's
// run id and text, for UI hydration after reload.
func (s *Store) LoadLatestRunContext(chatID string) (runID, text string, err error) {
	evs, err := s.Load(chatID)
	if err != nil {
		return "", "", err
	}
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == EventAssistant {
			return evs[i].RunID, evs[i].Text, nil
		}
	}
	return "", "", nil
}

// ListSessions returns the chat ids present in the project, newest first by
// file modification time.
func (s *Store) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindIO, err)
	}
	type item struct {
		id  string
		mod time.Time
	}
	var items []item
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, item{id: name[:len(name)-len(".jsonl")], mod: info.ModTime()})
	}
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if items[j].mod.After(items[i].mod) {
				items[i], items[j] = items[j], items[i]
			}
		}
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out, nil
}

// ClearContext removes the latest-chat pointer (scope=project) or truncates
// one session's history (scope=chat).
func (s *Store) ClearContext(scope, chatID string) error {
	switch scope {
	case "project":
		state := projectState{}
		data, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return errs.Wrap(errs.KindProtocol, err)
		}
		if err := os.MkdirAll(filepath.Dir(s.statePath()), 0o755); err != nil {
			return errs.Wrap(errs.KindIO, err)
		}
		return errs.Wrap(errs.KindIO, os.WriteFile(s.statePath(), data, 0o644))
	case "chat":
		if chatID == "" {
			return errs.New(errs.KindMissingChatID, "scope=chat requires chat_id")
		}
		if !s.Exists(chatID) {
			return errs.New(errs.KindProtocol, "unknown chat id %q", chatID)
		}
		l := s.lock(chatID)
		l.Lock()
		defer l.Unlock()
		return errs.Wrap(errs.KindIO, os.Truncate(s.Path(chatID), 0))
	default:
		return errs.New(errs.KindProtocol, "unknown scope %q", scope)
	}
}
