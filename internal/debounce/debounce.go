// Package debounce batches bursty signals by key and flushes each key after a
// quiet period. The daemon's filesystem watcher uses it so a save storm on one
// path collapses into a single change event.
package debounce

import (
	"sync"
	"time"
)

// Debouncer coalesces items by key and delivers the collected batch after the
// window elapses with no further arrivals for that key.
type Debouncer[T any] struct {
	mu      sync.Mutex
	pending map[string]*entry[T]
	stopped bool

	window   time.Duration
	keyFn    func(item T) string
	flushFn  func(key string, items []T)
	afterFn  func(d time.Duration, fn func()) *time.Timer
}

type entry[T any] struct {
	items []T
	timer *time.Timer
}

// Option configures a Debouncer.
type Option[T any] func(*Debouncer[T])

// WithWindow sets the quiet window. Values below zero are clamped to zero,
// which flushes every item immediately.
func WithWindow[T any](d time.Duration) Option[T] {
	return func(db *Debouncer[T]) {
		if d < 0 {
			d = 0
		}
		db.window = d
	}
}

// New creates a Debouncer. keyFn groups items; flushFn receives each group
// once its window expires. flushFn runs on a timer goroutine and must not
// block for long.
func New[T any](keyFn func(item T) string, flushFn func(key string, items []T), opts ...Option[T]) *Debouncer[T] {
	db := &Debouncer[T]{
		pending: make(map[string]*entry[T]),
		window:  800 * time.Millisecond,
		keyFn:   keyFn,
		flushFn: flushFn,
		afterFn: time.AfterFunc,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Add enqueues an item, starting or extending the window for its key.
func (db *Debouncer[T]) Add(item T) {
	key := db.keyFn(item)

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.stopped {
		return
	}

	if db.window == 0 {
		go db.flushFn(key, []T{item})
		return
	}

	e, ok := db.pending[key]
	if !ok {
		e = &entry[T]{}
		db.pending[key] = e
	}
	e.items = append(e.items, item)

	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = db.afterFn(db.window, func() { db.flush(key) })
}

func (db *Debouncer[T]) flush(key string) {
	db.mu.Lock()
	e, ok := db.pending[key]
	if !ok {
		db.mu.Unlock()
		return
	}
	delete(db.pending, key)
	items := e.items
	db.mu.Unlock()

	if len(items) > 0 {
		db.flushFn(key, items)
	}
}

// Stop cancels all pending timers and flushes nothing further. Items already
// handed to flushFn are unaffected.
func (db *Debouncer[T]) Stop() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.stopped = true
	for key, e := range db.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(db.pending, key)
	}
}

// FlushAll synchronously delivers every pending batch. Used on shutdown so
// buffered watcher events are not lost.
func (db *Debouncer[T]) FlushAll() {
	db.mu.Lock()
	keys := make([]string, 0, len(db.pending))
	for key, e := range db.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		keys = append(keys, key)
	}
	db.mu.Unlock()

	for _, key := range keys {
		db.flush(key)
	}
}

// PendingKeys reports how many keys currently await flushing.
func (db *Debouncer[T]) PendingKeys() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.pending)
}
