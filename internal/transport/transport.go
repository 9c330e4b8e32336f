// Package transport defines the boundary to the external chat network.
//
// The engine never touches wire protocol details: it dials sessions through a
// Dialer and consumes each session's inbound events from a single channel, in
// arrival order. Connectivity transitions arrive on a separate channel and
// drive the supervisor's reconnect handling.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/convopilot/convopilot/internal/keys"
)

// ErrNotConnected is returned by send operations on a closed or disconnected
// session.
var ErrNotConnected = errors.New("transport: not connected")

// ErrNotAddressable indicates the remote identity cannot receive messages.
var ErrNotAddressable = errors.New("transport: address cannot receive messages")

// State is a connectivity transition label reported by a session.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateLoggedOut    State = "logged_out"
	StateConflict     State = "conflict"
	StateTimeout      State = "timeout"
	StateClosed       State = "closed"
)

// Offline reports whether the state counts as a disconnection for reconnect
// purposes. StateClosed is deliberate teardown and never triggers reconnect.
func (s State) Offline() bool {
	switch s {
	case StateDisconnected, StateLoggedOut, StateConflict, StateTimeout:
		return true
	}
	return false
}

// Event is one inbound message delivered by a session.
type Event struct {
	// ConversationID identifies the chat thread (remote JID).
	ConversationID string
	// SenderID is the authoring identity.
	SenderID string
	// SenderName is the best-effort display name.
	SenderName string
	// Text is the message body (caption for media).
	Text string
	// FromSelf marks echoes of messages sent by this session's own account.
	FromSelf bool
	// Group marks group-chat messages.
	Group bool
	// Broadcast marks status/broadcast-channel messages.
	Broadcast bool
	// AvatarURL is the sender's profile picture, when known.
	AvatarURL string
	Timestamp time.Time
}

// Session is one live connection to the chat network.
type Session interface {
	// Events returns the inbound message stream. The channel is closed when
	// the session closes.
	Events() <-chan Event

	// Connectivity returns the stream of state transitions.
	Connectivity() <-chan State

	// QR returns pairing codes while the session is waiting to be linked.
	QR() <-chan string

	// SendText delivers a text message to a conversation.
	SendText(ctx context.Context, conversationID, text string) error

	// SendFile delivers a file with an optional caption.
	SendFile(ctx context.Context, conversationID string, data []byte, filename, caption string) error

	// SetTyping toggles the composing indicator.
	SetTyping(ctx context.Context, conversationID string, on bool) error

	// MarkRead marks a conversation's latest messages as seen. Best effort.
	MarkRead(ctx context.Context, conversationID string) error

	// CheckAddressable reports whether an address can receive messages.
	CheckAddressable(ctx context.Context, address string) (bool, error)

	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer opens transport sessions.
type Dialer interface {
	Dial(ctx context.Context, key keys.SessionKey) (Session, error)
}
