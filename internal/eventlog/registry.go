package eventlog

import (
	"path/filepath"
	"sync"

	"github.com/haasonsaas/amon/internal/events"
)

// Registry caches open streams by path so every component appending to the
// same logical log shares one id counter and file handle.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*Stream
	opts    []Option
}

// NewRegistry creates a stream registry. opts apply to every opened stream.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{streams: make(map[string]*Stream), opts: opts}
}

// Stream returns the stream at path, opening it on first use.
func (r *Registry) Stream(path string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streams[path]; ok {
		return s, nil
	}
	s, err := Open(path, r.opts...)
	if err != nil {
		return nil, err
	}
	r.streams[path] = s
	return s, nil
}

// Append appends to the stream at path, opening it if needed.
func (r *Registry) Append(path string, ev events.Event) (events.Event, error) {
	s, err := r.Stream(path)
	if err != nil {
		return ev, err
	}
	return s.Append(ev)
}

// CloseAll flushes and closes every open stream.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for path, s := range r.streams {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.streams, path)
	}
	return first
}

// Standard stream locations under the platform layout.

// GlobalEventsPath is <data>/events/events.jsonl.
func GlobalEventsPath(dataDir string) string {
	return filepath.Join(dataDir, "events", "events.jsonl")
}

// GlobalAuditPath is <data>/logs/audit.jsonl.
func GlobalAuditPath(dataDir string) string {
	return filepath.Join(dataDir, "logs", "audit.jsonl")
}

// GlobalBillingPath is <data>/logs/billing.log.
func GlobalBillingPath(dataDir string) string {
	return filepath.Join(dataDir, "logs", "billing.log")
}

// ProjectEventsPath is <project>/.amon/logs/events.log.
func ProjectEventsPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".amon", "logs", "events.log")
}

// ProjectBillingPath is <project>/.amon/logs/billing.log.
func ProjectBillingPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".amon", "logs", "billing.log")
}

// RunEventsPath is <project>/.amon/runs/<run_id>/events.jsonl.
func RunEventsPath(projectRoot, runID string) string {
	return filepath.Join(projectRoot, ".amon", "runs", runID, "events.jsonl")
}
