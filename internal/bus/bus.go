// Package bus is the in-process live event feed. Delivery is best effort:
// each subscriber owns a bounded buffer that drops its oldest entry under
// backpressure. The durable event log, not the bus, is the replay source.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/amon/internal/events"
)

// DefaultBufferSize bounds each subscriber's queue.
const DefaultBufferSize = 1024

// DefaultDedupeWindow coalesces same-key events arriving within this window.
const DefaultDedupeWindow = 30 * time.Second

// Filter selects which events a subscriber receives. A nil filter receives
// everything.
type Filter func(events.Event) bool

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	ch     chan events.Event
	filter Filter
	bus    *Bus
	id     int
	once   sync.Once
}

// Events returns the subscriber's receive channel. Closed on Unsubscribe.
func (s *Subscription) Events() <-chan events.Event { return s.ch }

// Unsubscribe detaches from the bus and closes the channel.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s.id) })
}

// Bus fans events out to subscribers without blocking publishers.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*Subscription
	nextID  int
	bufSize int
	window  time.Duration
	logger  *slog.Logger
	dropped int64
	onDrop  func()

	pending map[string]*pendingKey
	stopped bool
}

type pendingKey struct {
	latest events.Event
	have   bool
	timer  *time.Timer
}

// Option configures the bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber buffer.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithDedupeWindow overrides the coalescing window. Zero disables dedupe.
func WithDedupeWindow(d time.Duration) Option {
	return func(b *Bus) { b.window = d }
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger.With("component", "bus")
		}
	}
}

// WithDropHook is invoked once per dropped event (metrics).
func WithDropHook(fn func()) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// New creates a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[int]*Subscription),
		bufSize: DefaultBufferSize,
		window:  DefaultDedupeWindow,
		logger:  slog.Default().With("component", "bus"),
		pending: make(map[string]*pendingKey),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches a consumer. filter may be nil.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		ch:     make(chan events.Event, b.bufSize),
		filter: filter,
		bus:    b,
		id:     b.nextID,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers the event to all matching subscribers. Never blocks: a
// full subscriber loses its oldest buffered event. Events carrying a dedupe
// key are throttled — the first passes immediately, later arrivals within the
// window collapse to a single trailing delivery of the latest.
func (b *Bus) Publish(ev events.Event) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if ev.DedupeKey != "" && b.window > 0 {
		key := ev.DedupeKey
		if p, open := b.pending[key]; open {
			p.latest = ev
			p.have = true
			b.mu.Unlock()
			return
		}
		p := &pendingKey{}
		p.timer = time.AfterFunc(b.window, func() { b.expire(key) })
		b.pending[key] = p
	}
	b.deliverLocked(ev)
	b.mu.Unlock()
}

func (b *Bus) expire(key string) {
	b.mu.Lock()
	p, ok := b.pending[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	if p.have {
		b.deliverLocked(p.latest)
	}
	b.mu.Unlock()
}

func (b *Bus) deliverLocked(ev events.Event) {
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		for {
			select {
			case sub.ch <- ev:
			default:
				// Buffer full: drop the oldest and retry once.
				select {
				case <-sub.ch:
					b.dropped++
					if b.onDrop != nil {
						b.onDrop()
					}
					continue
				default:
				}
			}
			break
		}
	}
}

// Dropped reports how many events have been discarded under backpressure.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close stops delivery and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	for key, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, key)
	}
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
