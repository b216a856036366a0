// Package eventlog implements the durable append-only JSONL event streams.
//
// A Stream owns one logical log (global, project, or run scope) backed by a
// current file plus numbered rotation segments. Event ids are monotonic per
// stream and survive restart: the counter is recovered from the last fully
// written line. Readers tolerate concurrent appends and a torn final line
// after a crash.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/events"
)

// DefaultMaxSegmentBytes rotates the current file at 64 MiB.
const DefaultMaxSegmentBytes = 64 << 20

// Stream is one append-only JSONL event log.
type Stream struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	nextID   int64
	maxBytes int64
	pending  int
	// batchSize bounds unsynced appends; Append fsyncs when reached.
	batchSize int
}

// Option configures a Stream.
type Option func(*Stream)

// WithMaxSegmentBytes overrides the rotation threshold.
func WithMaxSegmentBytes(n int64) Option {
	return func(s *Stream) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithSyncEvery fsyncs after every n appends (default 1).
func WithSyncEvery(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// Open creates or resumes the stream at path, recovering the id counter from
// the last fully written line.
func Open(path string, opts ...Option) (*Stream, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrapf(errs.KindIO, err, "create log dir for %s", path)
	}
	s := &Stream{
		path:      path,
		maxBytes:  DefaultMaxSegmentBytes,
		batchSize: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	last, err := lastEventID(path)
	if err != nil {
		return nil, err
	}
	s.nextID = last + 1

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errs.Wrapf(errs.KindIO, err, "open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIO, err)
	}
	s.file = f
	s.size = info.Size()
	return s, nil
}

// Append assigns the next event id, writes the record, and returns the event
// with its id filled in. The write is flushed to disk on batch boundaries.
func (s *Stream) Append(ev events.Event) (events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ev, errs.New(errs.KindIO, "stream %s is closed", s.path)
	}

	ev.EventID = s.nextID
	line, err := json.Marshal(ev)
	if err != nil {
		return ev, errs.Wrap(errs.KindProtocol, err)
	}
	line = append(line, '\n')

	if s.size+int64(len(line)) > s.maxBytes && s.size > 0 {
		if err := s.rotateLocked(); err != nil {
			return ev, err
		}
	}

	n, err := s.file.Write(line)
	if err != nil {
		return ev, errs.Wrapf(errs.KindIO, err, "append %s", s.path)
	}
	s.size += int64(n)
	s.nextID++
	s.pending++
	if s.pending >= s.batchSize {
		if err := s.file.Sync(); err != nil {
			return ev, errs.Wrap(errs.KindIO, err)
		}
		s.pending = 0
	}
	return ev, nil
}

// rotateLocked moves the current file to the next numbered segment. Higher
// suffix numbers are newer.
func (s *Stream) rotateLocked() error {
	if err := s.file.Sync(); err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	if err := s.file.Close(); err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	segs, err := segments(s.path)
	if err != nil {
		return err
	}
	next := 1
	if len(segs) > 0 {
		next = segs[len(segs)-1].num + 1
	}
	rotated := fmt.Sprintf("%s.%d", s.path, next)
	if err := os.Rename(s.path, rotated); err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	s.file = f
	s.size = 0
	s.pending = 0
	return nil
}

// Close flushes and closes the stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return errs.Wrap(errs.KindIO, err)
}

// NextID reports the id the next append will receive.
func (s *Stream) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

// Path returns the stream's current file path.
func (s *Stream) Path() string { return s.path }

// ReadSince returns up to limit events with EventID > sinceID, in append
// order, reading rotated segments first. limit <= 0 means no bound.
func ReadSince(path string, sinceID int64, limit int) ([]events.Event, error) {
	var out []events.Event
	err := iterate(path, func(ev events.Event) bool {
		if ev.EventID <= sinceID {
			return true
		}
		out = append(out, ev)
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// ReadPage returns a reverse window for UI queries: page 1 is the newest
// pageSize events, still ordered oldest-first within the page.
func ReadPage(path string, page, pageSize int, filter func(events.Event) bool) ([]events.Event, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	var all []events.Event
	err := iterate(path, func(ev events.Event) bool {
		if filter == nil || filter(ev) {
			all = append(all, ev)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	end := len(all) - (page-1)*pageSize
	if end <= 0 {
		return nil, nil
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}
	return all[start:end], nil
}

// iterate walks all segments oldest-first, skipping unparsable lines (a torn
// final line after a crash must not poison replay).
func iterate(path string, fn func(events.Event) bool) error {
	segs, err := segments(path)
	if err != nil {
		return err
	}
	files := make([]string, 0, len(segs)+1)
	for _, seg := range segs {
		files = append(files, seg.path)
	}
	files = append(files, path)

	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errs.Wrap(errs.KindIO, err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
		for scanner.Scan() {
			var ev events.Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				continue
			}
			if !fn(ev) {
				f.Close()
				return nil
			}
		}
		f.Close()
	}
	return nil
}

type segment struct {
	path string
	num  int
}

func segments(path string) ([]segment, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindIO, err)
	}
	var segs []segment
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, base+".") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, base+"."))
		if err != nil {
			continue
		}
		segs = append(segs, segment{path: filepath.Join(dir, name), num: n})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].num < segs[j].num })
	return segs, nil
}

func lastEventID(path string) (int64, error) {
	var last int64
	err := iterate(path, func(ev events.Event) bool {
		if ev.EventID > last {
			last = ev.EventID
		}
		return true
	})
	return last, err
}
