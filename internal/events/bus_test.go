package events

import (
	"testing"
	"time"
)

func TestBus_PublishDelivers(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(Event{Type: TypeTokenRefreshed, EntryID: "e1"})

	select {
	case ev := <-ch:
		if ev.Type != TypeTokenRefreshed || ev.EntryID != "e1" {
			t.Errorf("got %+v, want token.refreshed for e1", ev)
		}
		if ev.Time.IsZero() {
			t.Errorf("publish should stamp a time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Type: TypeEntryCreated})
	bus.Publish(Event{Type: TypeEntryUpdated}) // buffer full, must not block

	if got := bus.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestBus_CancelIdempotent(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)

	cancel()
	cancel() // second cancel must not panic

	if _, ok := <-ch; ok {
		t.Errorf("channel should be closed after cancel")
	}
	if bus.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", bus.Subscribers())
	}

	// Publishing after cancel must not panic either.
	bus.Publish(Event{Type: TypeEntryRemoved})
}
