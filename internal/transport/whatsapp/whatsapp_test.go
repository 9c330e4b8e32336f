package whatsapp

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	waevents "go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/convopilot/convopilot/internal/transport"
)

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil message", nil, ""},
		{"plain conversation", &waE2E.Message{Conversation: proto.String("hello")}, "hello"},
		{
			"extended text",
			&waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("linked text")}},
			"linked text",
		},
		{
			"image caption",
			&waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look at this")}},
			"look at this",
		},
		{
			"document caption",
			&waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{Caption: proto.String("the invoice")}},
			"the invoice",
		},
		{"image without caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.msg); got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCloseWaitsForConcurrentHandlerSends(t *testing.T) {
	s := &session{
		logger:  slog.New(slog.DiscardHandler),
		events:  make(chan transport.Event, 4),
		conn:    make(chan transport.State, 4),
		qr:      make(chan string, 1),
		lastMsg: make(map[string]types.MessageID),
	}

	jid := types.NewJID("5511999", types.DefaultUserServer)
	inbound := &waevents.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: jid, Sender: jid},
			ID:            "MSG1",
			PushName:      "Ana",
			Timestamp:     time.Now(),
		},
		Message: &waE2E.Message{Conversation: proto.String("hello")},
	}

	// whatsmeow delivers events from its own goroutines, racing Close.
	start := make(chan struct{})
	var handlers sync.WaitGroup
	for i := 0; i < 16; i++ {
		handlers.Add(2)
		go func() {
			defer handlers.Done()
			<-start
			s.pushState(transport.StateDisconnected)
		}()
		go func() {
			defer handlers.Done()
			<-start
			s.handleMessage(inbound)
		}()
	}

	close(start)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeChannels()
	handlers.Wait()

	// Drain whatever landed before the close; the channels must be closed.
	for range s.events {
	}
	for range s.conn {
	}
}
