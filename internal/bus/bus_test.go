package bus

import (
	"testing"
	"time"

	"github.com/haasonsaas/amon/internal/events"
)

func drain(sub *Subscription, d time.Duration) []events.Event {
	var out []events.Event
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func TestBus_DeliversToMatchingSubscriber(t *testing.T) {
	b := New(WithDedupeWindow(0))
	defer b.Close()

	runs := b.Subscribe(func(ev events.Event) bool { return ev.Type == events.TypeRunStarted })
	all := b.Subscribe(nil)

	b.Publish(events.New(events.ScopeRun, events.TypeRunStarted, "p1"))
	b.Publish(events.New(events.ScopeRun, events.TypeNodeStarted, "p1"))

	if got := drain(runs, 50*time.Millisecond); len(got) != 1 {
		t.Errorf("filtered subscriber got %d events, want 1", len(got))
	}
	if got := drain(all, 50*time.Millisecond); len(got) != 2 {
		t.Errorf("unfiltered subscriber got %d events, want 2", len(got))
	}
}

func TestBus_DropsOldestOnOverflow(t *testing.T) {
	dropped := 0
	b := New(WithBufferSize(2), WithDedupeWindow(0), WithDropHook(func() { dropped++ }))
	defer b.Close()

	sub := b.Subscribe(nil)
	for i := 0; i < 5; i++ {
		ev := events.New(events.ScopeRun, events.TypeNodeToken, "p1")
		ev.NodeID = string(rune('a' + i))
		b.Publish(ev)
	}

	got := drain(sub, 50*time.Millisecond)
	if len(got) != 2 {
		t.Fatalf("buffered %d events, want 2", len(got))
	}
	// The two newest survive.
	if got[0].NodeID != "d" || got[1].NodeID != "e" {
		t.Errorf("kept %q/%q, want d/e", got[0].NodeID, got[1].NodeID)
	}
	if dropped != 3 || b.Dropped() != 3 {
		t.Errorf("dropped = %d (hook %d), want 3", b.Dropped(), dropped)
	}
}

func TestBus_DedupeCoalesces(t *testing.T) {
	b := New(WithDedupeWindow(40 * time.Millisecond))
	defer b.Close()
	sub := b.Subscribe(nil)

	for i := 0; i < 4; i++ {
		ev := events.New(events.ScopeProject, events.TypeDocUpdated, "p1")
		ev.DedupeKey = "doc:a.md"
		ev.Payload = map[string]any{"rev": i}
		b.Publish(ev)
	}

	got := drain(sub, 200*time.Millisecond)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (leading + trailing)", len(got))
	}
	if got[0].Payload["rev"] != 0 {
		t.Errorf("leading event rev = %v, want 0", got[0].Payload["rev"])
	}
	if rev, ok := got[1].Payload["rev"].(int); !ok || rev != 3 {
		t.Errorf("trailing event rev = %v, want 3", got[1].Payload["rev"])
	}
}

func TestBus_DedupeKeysIndependent(t *testing.T) {
	b := New(WithDedupeWindow(time.Hour))
	defer b.Close()
	sub := b.Subscribe(nil)

	a := events.New(events.ScopeProject, events.TypeDocUpdated, "p1")
	a.DedupeKey = "a"
	c := events.New(events.ScopeProject, events.TypeDocUpdated, "p1")
	c.DedupeKey = "b"
	b.Publish(a)
	b.Publish(c)

	if got := drain(sub, 50*time.Millisecond); len(got) != 2 {
		t.Errorf("got %d events, want 2 (distinct keys pass)", len(got))
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe(nil)
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	if _, ok := <-sub.Events(); ok {
		t.Error("channel still open after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(events.New(events.ScopeRun, events.TypeRunStarted, "p1"))
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	b := New()
	b.Close()
	b.Publish(events.New(events.ScopeRun, events.TypeRunStarted, "p1"))
}
