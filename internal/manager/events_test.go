package manager_test

import (
	"fmt"
	"testing"

	"github.com/seantiz/launchpad/internal/manager"
)

func TestEventBrokerSingleSubscriber(t *testing.T) {
	b := manager.NewEventBroker()
	_, ch, unsub := b.Subscribe()
	defer unsub()

	types := []string{manager.EventLaunched, manager.EventAckFailed, manager.EventReaped}
	for _, typ := range types {
		b.Publish(manager.Event{Type: typ, ItemID: "i1"})
	}
	b.Close()

	var got []manager.Event
	for e := range ch {
		got = append(got, e)
	}
	if len(got) != len(types) {
		t.Fatalf("got %d events, want %d", len(got), len(types))
	}
	for i, e := range got {
		if e.Type != types[i] {
			t.Errorf("event[%d] = %q, want %q", i, e.Type, types[i])
		}
		if e.Time.IsZero() {
			t.Errorf("event[%d] has no time", i)
		}
	}
}

func TestEventBrokerMultipleSubscribers(t *testing.T) {
	b := manager.NewEventBroker()
	_, ch1, unsub1 := b.Subscribe()
	defer unsub1()
	_, ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Publish(manager.Event{Type: manager.EventAdopted})
	b.Close()

	for i, ch := range []<-chan manager.Event{ch1, ch2} {
		var n int
		for range ch {
			n++
		}
		if n != 1 {
			t.Errorf("subscriber %d got %d events, want 1", i+1, n)
		}
	}
}

func TestEventBrokerLateSubscriberGetsHistory(t *testing.T) {
	b := manager.NewEventBroker()
	for i := range 120 {
		b.Publish(manager.Event{Type: manager.EventLaunched, ItemID: fmt.Sprint(i)})
	}

	history, ch, unsub := b.Subscribe()
	defer unsub()
	if len(history) != 100 {
		t.Fatalf("history = %d events, want 100", len(history))
	}
	if history[0].ItemID != "20" || history[99].ItemID != "119" {
		t.Errorf("history spans %s..%s, want 20..119", history[0].ItemID, history[99].ItemID)
	}

	b.Close()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Close()")
	}

	// Subscribing after Close returns history and a closed channel.
	history, ch, _ = b.Subscribe()
	if len(history) != 100 {
		t.Errorf("history after close = %d", len(history))
	}
	if _, ok := <-ch; ok {
		t.Error("late subscriber channel should be closed")
	}
}

func TestEventBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := manager.NewEventBroker()
	_, ch, unsub := b.Subscribe()

	for range 500 {
		b.Publish(manager.Event{Type: manager.EventReaped})
	}
	if n := len(ch); n != 64 {
		t.Errorf("buffered = %d, want 64", n)
	}

	unsub()
	unsub()
	b.Close()
}
