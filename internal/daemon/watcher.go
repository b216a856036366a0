package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/amon/internal/debounce"
	"github.com/haasonsaas/amon/internal/events"
)

// watchRoots are the project subtrees the watcher monitors.
var watchRoots = []string{"workspace", "docs", "audits"}

// maxWatcherRestarts bounds the restart-on-failure loop.
const maxWatcherRestarts = 5

// Watcher monitors one project's directories and emits file change events
// after a per-path debounce window. The watcher's own events carry actor
// "fs"; runs the daemon triggers write files under actor "system", which the
// hook matcher ignores, so automation cannot feed back into itself.
type Watcher struct {
	d         *Daemon
	projectID string
	root      string
	window    time.Duration

	debouncer *debounce.Debouncer[fsnotify.Event]
	stop      context.CancelFunc
	done      chan struct{}
}

// NewWatcher creates a watcher for one project.
func NewWatcher(d *Daemon, projectID, root string) *Watcher {
	window := 800 * time.Millisecond
	if d.deps.Config.WatchDebounceMs > 0 {
		window = time.Duration(d.deps.Config.WatchDebounceMs) * time.Millisecond
	}
	w := &Watcher{
		d:         d,
		projectID: projectID,
		root:      root,
		window:    window,
		done:      make(chan struct{}),
	}
	w.debouncer = debounce.New(
		func(ev fsnotify.Event) string { return ev.Name },
		w.flush,
		debounce.WithWindow[fsnotify.Event](window),
	)
	return w
}

// Start runs the watch loop in the background, restarting on failure up to
// the bound.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.stop = cancel
	go func() {
		defer close(w.done)
		jobID := "watch-" + w.projectID
		for {
			err := w.run(ctx)
			if ctx.Err() != nil {
				return
			}
			st, serr := w.d.jobs.RecordFailure(jobID, err)
			if serr != nil {
				w.d.logger.Error("watcher job state save failed", "project_id", w.projectID, "error", serr)
			}
			if st.Failures >= maxWatcherRestarts {
				w.d.logger.Error("watcher giving up", "project_id", w.projectID, "failures", st.Failures, "error", err)
				return
			}
			w.d.logger.Warn("watcher restarting", "project_id", w.projectID, "attempt", st.Failures, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(st.Failures) * time.Second):
			}
		}
	}()
}

// Stop halts the loop and flushes buffered changes.
func (w *Watcher) Stop() {
	if w.stop != nil {
		w.stop()
	}
	<-w.done
	w.debouncer.FlushAll()
	w.debouncer.Stop()
}

func (w *Watcher) run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	for _, sub := range watchRoots {
		if err := addRecursive(fw, filepath.Join(w.root, sub)); err != nil {
			return err
		}
	}
	if err := w.d.jobs.RecordRun("watch-"+w.projectID, time.Now()); err != nil {
		w.d.logger.Warn("watcher job state save failed", "project_id", w.projectID, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addRecursive(fw, ev.Name); err != nil {
						w.d.logger.Warn("watch new dir failed", "path", ev.Name, "error", err)
					}
					continue
				}
			}
			if ev.Op.Has(fsnotify.Chmod) {
				continue
			}
			w.debouncer.Add(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

// flush turns a coalesced burst for one path into a single event. The last
// operation wins: a create followed by writes is a create, a trailing remove
// is a delete.
func (w *Watcher) flush(path string, burst []fsnotify.Event) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	var created, removed bool
	for _, ev := range burst {
		if ev.Op.Has(fsnotify.Create) {
			created = true
		}
		if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
			removed = true
		} else if ev.Op.Has(fsnotify.Write) {
			removed = false
		}
	}

	var size int64
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return
		}
		size = info.Size()
	} else if !removed {
		// Gone before we looked; treat as a delete.
		removed = true
	}

	typ := classifyChange(rel, created, removed)
	ev := events.New(events.ScopeProject, typ, w.projectID)
	ev.Actor = "fs"
	ev.Payload = map[string]any{"path": rel, "size": size}
	w.d.emit(w.projectID, w.root, ev)
}

func classifyChange(rel string, created, removed bool) events.Type {
	doc := strings.HasPrefix(rel, "docs/") || strings.HasPrefix(rel, "audits/")
	switch {
	case removed && doc:
		return events.TypeDocDeleted
	case removed:
		return events.TypeWorkspaceFileDeleted
	case created && doc:
		return events.TypeDocCreated
	case created:
		return events.TypeWorkspaceFileCreated
	case doc:
		return events.TypeDocUpdated
	default:
		return events.TypeWorkspaceFileUpdated
	}
}

func addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}
