// Package events broadcasts engine state transitions to observers.
//
// The Bus is the process-local publish surface used by the supervisor,
// handoff machine, and CRM sink. The websocket Hub relays every published
// event to connected dashboard clients so they can track connectivity and
// handoff state without polling.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known event names.
const (
	EventStateChange    = "human_state_changed"
	EventSessionOnline  = "session_online"
	EventSessionOffline = "session_offline"
	EventSessionQR      = "session_qr"
	EventNewMessage     = "new_message"
)

// Event is one published notification.
type Event struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// StateChange is the payload broadcast on every handoff transition.
type StateChange struct {
	TenantID       string     `json:"tenant_id"`
	SessionName    string     `json:"session_name"`
	ConversationID string     `json:"conversation_id"`
	Claimed        bool       `json:"claimed"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// SessionEvent is the payload for connectivity and QR broadcasts.
type SessionEvent struct {
	TenantID    string `json:"tenant_id"`
	SessionName string `json:"session_name"`
	State       string `json:"state,omitempty"`
	QRCode      string `json:"qr_code,omitempty"`
}

// Message is the payload for live chat mirroring.
type Message struct {
	TenantID       string    `json:"tenant_id"`
	SessionName    string    `json:"session_name"`
	ConversationID string    `json:"conversation_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	Body           string    `json:"body"`
	FromBot        bool      `json:"from_bot"`
	Timestamp      time.Time `json:"timestamp"`
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size and returns the
// event channel plus a cancel function. Cancel closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to all current subscribers.
func (b *Bus) Publish(name string, payload any) {
	evt := Event{
		ID:      uuid.NewString(),
		Name:    name,
		At:      time.Now(),
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
