// Package crm records inbound conversation activity as contact records and
// mirrors messages onto the event bus for live dashboards. Recording is fire
// and forget: a CRM failure never blocks message processing.
package crm

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/convopilot/convopilot/internal/events"
	"github.com/convopilot/convopilot/internal/keys"
	"github.com/convopilot/convopilot/internal/store"
	"github.com/convopilot/convopilot/internal/transport"
)

// Sink persists contacts and broadcasts message activity.
type Sink struct {
	contacts store.ContactStore
	bus      *events.Bus
	logger   *slog.Logger
}

// NewSink builds a sink over the contact store and event bus.
func NewSink(contacts store.ContactStore, bus *events.Bus, logger *slog.Logger) *Sink {
	return &Sink{contacts: contacts, bus: bus, logger: logger}
}

// RecordInbound upserts the sender as a contact and mirrors the message to
// dashboard subscribers. Errors are logged, never returned.
func (s *Sink) RecordInbound(ctx context.Context, key keys.SessionKey, evt transport.Event) {
	phone := phoneFromID(evt.ConversationID)
	contact := &store.Contact{
		TenantID: key.TenantID,
		Phone:    phone,
		Name:     displayName(evt, phone),
		Avatar:   evt.AvatarURL,
		LastSeen: evt.Timestamp,
	}
	if contact.LastSeen.IsZero() {
		contact.LastSeen = time.Now()
	}
	if err := s.contacts.Upsert(ctx, contact); err != nil {
		s.logger.Warn("contact upsert failed",
			"tenant", key.TenantID, "phone", phone, "error", err)
	}

	s.bus.Publish(events.EventNewMessage, events.Message{
		TenantID:       key.TenantID,
		SessionName:    key.SessionName,
		ConversationID: evt.ConversationID,
		SenderName:     evt.SenderName,
		Body:           evt.Text,
		FromBot:        false,
		Timestamp:      evt.Timestamp,
	})
}

// RecordReply mirrors an automated reply to dashboard subscribers.
func (s *Sink) RecordReply(key keys.SessionKey, conversationID, body string) {
	s.bus.Publish(events.EventNewMessage, events.Message{
		TenantID:       key.TenantID,
		SessionName:    key.SessionName,
		ConversationID: conversationID,
		Body:           body,
		FromBot:        true,
		Timestamp:      time.Now(),
	})
}

// displayName picks the best available label for a contact.
func displayName(evt transport.Event, phone string) string {
	if name := strings.TrimSpace(evt.SenderName); name != "" {
		return name
	}
	return phone
}

// phoneFromID strips the server suffix from a conversation identifier, so
// "5511999990000@s.whatsapp.net" becomes "5511999990000".
func phoneFromID(conversationID string) string {
	if i := strings.IndexByte(conversationID, '@'); i >= 0 {
		return conversationID[:i]
	}
	return conversationID
}
