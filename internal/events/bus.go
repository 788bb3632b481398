// Package events implements the in-process event bus that carries entry,
// token, reauth and device lifecycle notifications to API subscribers and
// the websocket stream.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published on the bus.
const (
	TypeEntryCreated        = "entry.created"
	TypeEntryUpdated        = "entry.updated"
	TypeEntryRemoved        = "entry.removed"
	TypeEntryReauthRequired = "entry.reauth_required"
	TypeTokenRefreshed      = "token.refreshed"
	TypeTokenRefreshFailed  = "token.refresh_failed"
	TypeTokenRevoked        = "token.revoked"
	TypeReauthResolved      = "reauth.resolved"
	TypeReauthFailed        = "reauth.failed"
	TypeDeviceStateChanged  = "device.state_changed"
	TypeDevicesDiscovered   = "devices.discovered"
	TypeSceneApplied        = "scene.applied"
)

// Event is one bus notification.
type Event struct {
	Type    string         `json:"type"`
	EntryID string         `json:"entry_id,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Time    time.Time      `json:"time"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full loses the event and the bus drop counter increments.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]chan Event
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer and returns
// the receive channel plus a cancel function. Cancel is idempotent and closes
// the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Close under the write lock so no concurrent Publish holds a
			// reference to the channel mid-send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
