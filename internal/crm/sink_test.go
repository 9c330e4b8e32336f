package crm

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/convopilot/convopilot/internal/events"
	"github.com/convopilot/convopilot/internal/keys"
	"github.com/convopilot/convopilot/internal/store"
	"github.com/convopilot/convopilot/internal/transport"
)

func TestRecordInboundUpsertsContact(t *testing.T) {
	set := store.NewMemory()
	bus := events.NewBus()
	sink := NewSink(set.Contacts, bus, slog.New(slog.DiscardHandler))

	key := keys.SessionKey{TenantID: "7", SessionName: "main"}
	sink.RecordInbound(context.Background(), key, transport.Event{
		ConversationID: "5511999990000@s.whatsapp.net",
		SenderName:     "Ana",
		Text:           "hello",
		Timestamp:      time.Now(),
	})

	contact, err := set.Contacts.Get(context.Background(), "7", "5511999990000")
	if err != nil {
		t.Fatal(err)
	}
	if contact.Name != "Ana" {
		t.Errorf("Name = %q, want Ana", contact.Name)
	}
	if contact.LastSeen.IsZero() {
		t.Error("LastSeen not set")
	}
}

func TestRecordInboundNameFallsBackToPhone(t *testing.T) {
	set := store.NewMemory()
	sink := NewSink(set.Contacts, events.NewBus(), slog.New(slog.DiscardHandler))

	key := keys.SessionKey{TenantID: "7", SessionName: "main"}
	sink.RecordInbound(context.Background(), key, transport.Event{
		ConversationID: "5511999990000@s.whatsapp.net",
		Text:           "hi",
	})

	contact, err := set.Contacts.Get(context.Background(), "7", "5511999990000")
	if err != nil {
		t.Fatal(err)
	}
	if contact.Name != "5511999990000" {
		t.Errorf("Name = %q, want phone fallback", contact.Name)
	}
}

func TestRecordInboundBroadcastsMessage(t *testing.T) {
	set := store.NewMemory()
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()
	sink := NewSink(set.Contacts, bus, slog.New(slog.DiscardHandler))

	key := keys.SessionKey{TenantID: "7", SessionName: "main"}
	sink.RecordInbound(context.Background(), key, transport.Event{
		ConversationID: "5511999990000@s.whatsapp.net",
		Text:           "hello there",
	})

	select {
	case evt := <-ch:
		if evt.Name != events.EventNewMessage {
			t.Fatalf("unexpected event %q", evt.Name)
		}
		msg := evt.Payload.(events.Message)
		if msg.Body != "hello there" || msg.FromBot {
			t.Errorf("unexpected payload %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast")
	}
}

func TestRecordReplyMarksBot(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()
	sink := NewSink(store.NewMemory().Contacts, bus, slog.New(slog.DiscardHandler))

	sink.RecordReply(keys.SessionKey{TenantID: "7", SessionName: "main"}, "x@s.whatsapp.net", "reply text")

	select {
	case evt := <-ch:
		msg := evt.Payload.(events.Message)
		if !msg.FromBot || msg.Body != "reply text" {
			t.Errorf("unexpected payload %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast")
	}
}

func TestPhoneFromID(t *testing.T) {
	if got := phoneFromID("551199@s.whatsapp.net"); got != "551199" {
		t.Errorf("got %q", got)
	}
	if got := phoneFromID("plain"); got != "plain" {
		t.Errorf("got %q", got)
	}
}
