// Package whatsapp implements the transport boundary on top of whatsmeow.
//
// Each logical session key gets its own credential database under the
// configured session directory, so tenants can run several independent
// numbers side by side and a deleted session leaves nothing behind.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for whatsmeow credential stores

	"github.com/convopilot/convopilot/internal/keys"
	"github.com/convopilot/convopilot/internal/transport"
)

// Config configures the WhatsApp dialer.
type Config struct {
	// SessionDir holds one credential database per session key.
	SessionDir string
}

// Dialer opens whatsmeow-backed sessions.
type Dialer struct {
	config Config
	logger *slog.Logger
}

// NewDialer creates a dialer. The session directory is created on demand.
func NewDialer(config Config, logger *slog.Logger) *Dialer {
	if config.SessionDir == "" {
		config.SessionDir = "sessions"
	}
	return &Dialer{config: config, logger: logger}
}

// Dial opens the credential store for the key, connects the client, and
// starts pumping events. If the device is not linked yet, pairing codes are
// delivered on the session's QR channel.
func (d *Dialer) Dial(ctx context.Context, key keys.SessionKey) (transport.Session, error) {
	if err := os.MkdirAll(d.config.SessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	dbPath := filepath.Join(d.config.SessionDir, key.String()+".db")

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath), waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("get device: %w", err)
	}

	s := &session{
		key:       key,
		logger:    d.logger.With("session", key.String()),
		container: container,
		client:    whatsmeow.NewClient(device, waLog.Noop),
		events:    make(chan transport.Event, 256),
		conn:      make(chan transport.State, 16),
		qr:        make(chan string, 1),
		lastMsg:   make(map[string]types.MessageID),
	}
	s.client.AddEventHandler(s.handleEvent)

	if s.client.Store.ID == nil {
		qrChan, err := s.client.GetQRChannel(ctx)
		if err != nil {
			container.Close()
			return nil, fmt.Errorf("get QR channel: %w", err)
		}
		if err := s.client.Connect(); err != nil {
			container.Close()
			return nil, fmt.Errorf("connect: %w", err)
		}
		go s.pumpQR(qrChan)
	} else {
		if err := s.client.Connect(); err != nil {
			container.Close()
			return nil, fmt.Errorf("connect: %w", err)
		}
	}

	return s, nil
}

type session struct {
	key       keys.SessionKey
	logger    *slog.Logger
	container *sqlstore.Container
	client    *whatsmeow.Client

	events chan transport.Event
	conn   chan transport.State
	qr     chan string

	mu      sync.Mutex
	closed  bool
	lastMsg map[string]types.MessageID
	// sends counts handler goroutines mid-send. whatsmeow dispatches events
	// from its own goroutines, so Close must wait for them before closing
	// the channels.
	sends sync.WaitGroup
}

// beginSend registers an in-progress channel send. Reports false once the
// session is closed; the caller must call sends.Done when it reported true.
func (s *session) beginSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sends.Add(1)
	return true
}

func (s *session) Events() <-chan transport.Event       { return s.events }
func (s *session) Connectivity() <-chan transport.State { return s.conn }
func (s *session) QR() <-chan string                    { return s.qr }

func (s *session) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		if evt.Event != "code" {
			continue
		}
		if !s.beginSend() {
			return
		}
		s.logger.Info("pairing code issued")
		select {
		case s.qr <- evt.Code:
		default:
		}
		s.sends.Done()
	}
}

// handleEvent maps whatsmeow events onto the transport contract.
func (s *session) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		s.pushState(transport.StateConnected)
	case *events.Disconnected:
		s.pushState(transport.StateDisconnected)
	case *events.LoggedOut:
		s.logger.Warn("logged out", "reason", v.Reason)
		s.pushState(transport.StateLoggedOut)
	case *events.StreamReplaced:
		s.pushState(transport.StateConflict)
	case *events.KeepAliveTimeout:
		s.pushState(transport.StateTimeout)
	case *events.Message:
		s.handleMessage(v)
	}
}

func (s *session) pushState(state transport.State) {
	if !s.beginSend() {
		return
	}
	defer s.sends.Done()
	select {
	case s.conn <- state:
	default:
		s.logger.Warn("connectivity channel full, dropping transition", "state", string(state))
	}
}

func (s *session) handleMessage(evt *events.Message) {
	text := extractText(evt.Message)
	if strings.TrimSpace(text) == "" {
		return
	}

	chat := evt.Info.Chat
	if !s.beginSend() {
		return
	}
	defer s.sends.Done()
	s.mu.Lock()
	s.lastMsg[chat.String()] = evt.Info.ID
	s.mu.Unlock()

	e := transport.Event{
		ConversationID: chat.String(),
		SenderID:       evt.Info.Sender.String(),
		SenderName:     evt.Info.PushName,
		Text:           text,
		FromSelf:       evt.Info.IsFromMe,
		Group:          evt.Info.IsGroup,
		Broadcast:      chat.Server == types.BroadcastServer,
		Timestamp:      evt.Info.Timestamp,
	}

	select {
	case s.events <- e:
	default:
		s.logger.Warn("event channel full, dropping inbound message", "conversation", e.ConversationID)
	}
}

// extractText pulls the text body (or media caption) out of a message.
func extractText(msg *waE2E.Message) string {
	switch {
	case msg == nil:
		return ""
	case msg.Conversation != nil:
		return msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		return msg.ExtendedTextMessage.GetText()
	case msg.ImageMessage != nil:
		return msg.ImageMessage.GetCaption()
	case msg.VideoMessage != nil:
		return msg.VideoMessage.GetCaption()
	case msg.DocumentMessage != nil:
		return msg.DocumentMessage.GetCaption()
	}
	return ""
}

func (s *session) SendText(ctx context.Context, conversationID, text string) error {
	if !s.client.IsConnected() {
		return transport.ErrNotConnected
	}
	jid, err := types.ParseJID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid conversation id %q: %w", conversationID, err)
	}
	_, err = s.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

func (s *session) SendFile(ctx context.Context, conversationID string, data []byte, filename, caption string) error {
	if !s.client.IsConnected() {
		return transport.ErrNotConnected
	}
	jid, err := types.ParseJID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid conversation id %q: %w", conversationID, err)
	}

	mimeType := http.DetectContentType(data)
	mediaType := whatsmeow.MediaDocument
	if strings.HasPrefix(mimeType, "image/") {
		mediaType = whatsmeow.MediaImage
	}

	uploaded, err := s.client.Upload(ctx, data, mediaType)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	var msg *waE2E.Message
	if mediaType == whatsmeow.MediaImage {
		msg = &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				URL:           &uploaded.URL,
				DirectPath:    &uploaded.DirectPath,
				MediaKey:      uploaded.MediaKey,
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    &uploaded.FileLength,
				Mimetype:      &mimeType,
				Caption:       proto.String(caption),
			},
		}
	} else {
		if filename == "" {
			filename = "document"
		}
		msg = &waE2E.Message{
			DocumentMessage: &waE2E.DocumentMessage{
				URL:           &uploaded.URL,
				DirectPath:    &uploaded.DirectPath,
				MediaKey:      uploaded.MediaKey,
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    &uploaded.FileLength,
				Mimetype:      &mimeType,
				FileName:      &filename,
				Caption:       proto.String(caption),
			},
		}
	}

	_, err = s.client.SendMessage(ctx, jid, msg)
	return err
}

func (s *session) SetTyping(ctx context.Context, conversationID string, on bool) error {
	if !s.client.IsConnected() {
		return transport.ErrNotConnected
	}
	jid, err := types.ParseJID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid conversation id %q: %w", conversationID, err)
	}
	state := types.ChatPresenceComposing
	if !on {
		state = types.ChatPresencePaused
	}
	return s.client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

func (s *session) MarkRead(ctx context.Context, conversationID string) error {
	if !s.client.IsConnected() {
		return transport.ErrNotConnected
	}
	jid, err := types.ParseJID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid conversation id %q: %w", conversationID, err)
	}

	s.mu.Lock()
	id, ok := s.lastMsg[conversationID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.client.MarkRead(ctx, []types.MessageID{id}, time.Now(), jid, jid)
}

func (s *session) CheckAddressable(ctx context.Context, address string) (bool, error) {
	resp, err := s.client.IsOnWhatsApp(ctx, []string{address})
	if err != nil {
		return false, err
	}
	for _, r := range resp {
		if r.IsIn {
			return true, nil
		}
	}
	return false, nil
}

// Close disconnects the client and closes the event channels. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.client.Disconnect()
	err := s.container.Close()
	s.closeChannels()
	return err
}

// closeChannels waits out the handler sends that raced the closed flag, then
// closes. New sends bail at beginSend, so the wait can only shrink.
func (s *session) closeChannels() {
	s.sends.Wait()
	close(s.events)
	close(s.conn)
	close(s.qr)
}
