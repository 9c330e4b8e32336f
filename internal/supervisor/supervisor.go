// Package supervisor owns the session registry: it creates and deletes
// transport sessions, pumps their inbound events into the debounce engine,
// gates them through the handoff machine, and redials dropped connections
// with exponential backoff.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/convopilot/convopilot/internal/backoff"
	"github.com/convopilot/convopilot/internal/crm"
	"github.com/convopilot/convopilot/internal/debounce"
	"github.com/convopilot/convopilot/internal/events"
	"github.com/convopilot/convopilot/internal/handoff"
	"github.com/convopilot/convopilot/internal/keys"
	"github.com/convopilot/convopilot/internal/observability"
	"github.com/convopilot/convopilot/internal/store"
	"github.com/convopilot/convopilot/internal/transport"
)

// Deps are the supervisor's collaborators.
type Deps struct {
	Dialer        transport.Dialer
	Sessions      store.SessionStore
	Conversations store.ConversationStore
	Handoff       *handoff.Machine
	Sink          *crm.Sink
	Bus           *events.Bus
	Metrics       *observability.Metrics
	Logger        *slog.Logger
	Backoff       backoff.Policy
}

type managed struct {
	key keys.SessionKey

	mu       sync.Mutex
	sess     transport.Session
	redial   *time.Timer
	qrCode   string
	deleting bool
}

// Supervisor is the session registry.
type Supervisor struct {
	deps   Deps
	engine *debounce.Engine

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[keys.SessionKey]*managed
	failures *backoff.Counter
}

// New builds a supervisor. AttachEngine must be called before Create.
func New(deps Deps) *Supervisor {
	if deps.Backoff.Initial <= 0 {
		deps.Backoff = backoff.DefaultPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[keys.SessionKey]*managed),
		failures: backoff.NewCounter(),
	}
}

// AttachEngine wires the debounce engine. Split from New because the engine
// sends replies back through the supervisor's session registry.
func (s *Supervisor) AttachEngine(engine *debounce.Engine) {
	s.engine = engine
}

// Create registers the session and dials it in the background. Creating an
// existing session is a no-op, regardless of its connection state.
func (s *Supervisor) Create(ctx context.Context, key keys.SessionKey) error {
	s.mu.Lock()
	if _, ok := s.sessions[key]; ok {
		s.mu.Unlock()
		return nil
	}
	m := &managed{key: key}
	s.sessions[key] = m
	s.mu.Unlock()

	s.deps.Metrics.SessionsLive.Inc()
	if err := s.deps.Sessions.UpsertStatus(ctx, key, store.StatusPending); err != nil {
		s.deps.Logger.Warn("session checkpoint failed", "session", key.String(), "error", err)
	}

	go s.connect(m)
	return nil
}

// Delete tears the session down: pending reconnects are cancelled, buffers
// and claims are swept, and the persisted record is removed. Deleting an
// absent session is a no-op.
func (s *Supervisor) Delete(ctx context.Context, key keys.SessionKey) error {
	s.mu.Lock()
	m, ok := s.sessions[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.sessions, key)
	s.mu.Unlock()

	m.mu.Lock()
	m.deleting = true
	if m.redial != nil {
		m.redial.Stop()
		m.redial = nil
	}
	sess := m.sess
	m.sess = nil
	m.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}

	s.engine.SweepSession(key)
	s.deps.Handoff.SweepSession(key)
	s.failures.Reset(key.String())
	s.deps.Metrics.SessionsLive.Dec()

	if err := s.deps.Sessions.Delete(ctx, key); err != nil {
		s.deps.Logger.Warn("session record delete failed", "session", key.String(), "error", err)
	}
	s.deps.Bus.Publish(events.EventSessionOffline, events.SessionEvent{
		TenantID:    key.TenantID,
		SessionName: key.SessionName,
		State:       "deleted",
	})
	s.deps.Logger.Info("session deleted", "session", key.String())
	return nil
}

// Restore re-creates every persisted session. Called once on startup.
func (s *Supervisor) Restore(ctx context.Context) error {
	records, err := s.deps.Sessions.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := s.Create(ctx, rec.Key); err != nil {
			s.deps.Logger.Error("session restore failed", "session", rec.Key.String(), "error", err)
		}
	}
	s.deps.Logger.Info("sessions restored", "count", len(records))
	return nil
}

// Close stops all sessions. Event loops exit when their channels close or
// the supervisor context is cancelled.
func (s *Supervisor) Close() {
	s.cancel()

	s.mu.Lock()
	all := make([]*managed, 0, len(s.sessions))
	for _, m := range s.sessions {
		all = append(all, m)
	}
	s.sessions = make(map[keys.SessionKey]*managed)
	s.mu.Unlock()

	for _, m := range all {
		m.mu.Lock()
		m.deleting = true
		if m.redial != nil {
			m.redial.Stop()
		}
		sess := m.sess
		m.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
	}
}

// connect dials the transport and starts the event loop on success. Failures
// feed the reconnect schedule.
func (s *Supervisor) connect(m *managed) {
	if s.ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	if m.deleting {
		m.mu.Unlock()
		return
	}
	m.redial = nil
	m.mu.Unlock()

	sess, err := s.deps.Dialer.Dial(s.ctx, m.key)
	if err != nil {
		s.deps.Metrics.ReconnectAttempts.WithLabelValues("error").Inc()
		s.deps.Logger.Error("dial failed", "session", m.key.String(), "error", err)
		s.scheduleReconnect(m)
		return
	}

	m.mu.Lock()
	if m.deleting {
		m.mu.Unlock()
		_ = sess.Close()
		return
	}
	m.sess = sess
	m.mu.Unlock()

	s.deps.Metrics.ReconnectAttempts.WithLabelValues("ok").Inc()
	go s.run(m, sess)
}

// scheduleReconnect arms a single backoff-delayed redial for the session.
func (s *Supervisor) scheduleReconnect(m *managed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleting || m.redial != nil {
		return
	}

	attempt := s.failures.Next(m.key.String())
	delay := backoff.Compute(s.deps.Backoff, attempt)
	s.deps.Logger.Info("reconnect scheduled",
		"session", m.key.String(), "attempt", attempt, "delay", delay)

	if err := s.deps.Sessions.UpsertStatus(s.ctx, m.key, store.StatusReconnecting); err != nil {
		s.deps.Logger.Warn("session checkpoint failed", "session", m.key.String(), "error", err)
	}

	m.redial = time.AfterFunc(delay, func() { s.connect(m) })
}

// run consumes one live session's channels until it goes offline or closes.
func (s *Supervisor) run(m *managed, sess transport.Session) {
	evCh := sess.Events()
	connCh := sess.Connectivity()
	qrCh := sess.QR()

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev, ok := <-evCh:
			if !ok {
				return
			}
			s.handleEvent(m.key, ev)

		case state, ok := <-connCh:
			if !ok {
				return
			}
			if state == transport.StateConnected {
				s.handleOnline(m)
				continue
			}
			if state.Offline() {
				s.handleOffline(m, sess, state)
				return
			}

		case code, ok := <-qrCh:
			if !ok {
				qrCh = nil
				continue
			}
			m.mu.Lock()
			m.qrCode = code
			m.mu.Unlock()
			s.deps.Bus.Publish(events.EventSessionQR, events.SessionEvent{
				TenantID:    m.key.TenantID,
				SessionName: m.key.SessionName,
				QRCode:      code,
			})
		}
	}
}

func (s *Supervisor) handleOnline(m *managed) {
	s.failures.Reset(m.key.String())
	m.mu.Lock()
	m.qrCode = ""
	m.mu.Unlock()
	if err := s.deps.Sessions.UpsertStatus(s.ctx, m.key, store.StatusConnected); err != nil {
		s.deps.Logger.Warn("session checkpoint failed", "session", m.key.String(), "error", err)
	}
	s.deps.Bus.Publish(events.EventSessionOnline, events.SessionEvent{
		TenantID:    m.key.TenantID,
		SessionName: m.key.SessionName,
		State:       string(transport.StateConnected),
	})
	s.deps.Logger.Info("session online", "session", m.key.String())
}

func (s *Supervisor) handleOffline(m *managed, sess transport.Session, state transport.State) {
	s.deps.Logger.Warn("session offline", "session", m.key.String(), "state", string(state))

	m.mu.Lock()
	deleting := m.deleting
	m.sess = nil
	m.mu.Unlock()

	_ = sess.Close()
	if deleting {
		return
	}

	// The transport handle is gone; fragments buffered against it must not
	// be dispatched through the next one.
	s.engine.SweepSession(m.key)

	if err := s.deps.Sessions.UpsertStatus(s.ctx, m.key, store.StatusDisconnected); err != nil {
		s.deps.Logger.Warn("session checkpoint failed", "session", m.key.String(), "error", err)
	}
	s.deps.Bus.Publish(events.EventSessionOffline, events.SessionEvent{
		TenantID:    m.key.TenantID,
		SessionName: m.key.SessionName,
		State:       string(state),
	})
	s.scheduleReconnect(m)
}

// handleEvent routes one inbound message. Group and broadcast traffic is
// ignored. A message from the session's own account claims the conversation
// for the operator and drops whatever the customer had buffered; a customer
// message inside a claim refreshes it, otherwise it feeds the debounce
// engine when auto-reply is enabled for the conversation.
func (s *Supervisor) handleEvent(key keys.SessionKey, ev transport.Event) {
	if ev.Group || ev.Broadcast {
		s.deps.Metrics.FragmentsDropped.WithLabelValues("filtered").Inc()
		return
	}

	ck := key.Conversation(ev.ConversationID)

	if ev.FromSelf {
		s.ClaimConversation(ck)
		return
	}

	s.deps.Sink.RecordInbound(s.ctx, key, ev)

	if s.deps.Handoff.NoteActivity(ck) {
		s.deps.Metrics.FragmentsDropped.WithLabelValues("claimed").Inc()
		return
	}

	enabled, err := s.deps.Conversations.AutoReplyEnabled(s.ctx, key.TenantID, ev.ConversationID)
	if err != nil {
		s.deps.Logger.Warn("auto-reply lookup failed",
			"conversation", ck.String(), "error", err)
		enabled = true
	}
	if !enabled {
		s.deps.Metrics.FragmentsDropped.WithLabelValues("auto_reply_off").Inc()
		return
	}

	s.engine.Add(ck, ev.Text)
}

// PairingCode returns the session's latest unconsumed pairing code, if the
// session is waiting to be linked.
func (s *Supervisor) PairingCode(key keys.SessionKey) (string, bool) {
	s.mu.Lock()
	m, ok := s.sessions[key]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.qrCode, m.qrCode != ""
}

// ClaimConversation hands the conversation to the operator and drops the
// customer's pending fragments. Returns whether this call created the claim.
func (s *Supervisor) ClaimConversation(ck keys.ConversationKey) bool {
	created := s.deps.Handoff.Claim(ck)
	s.engine.Clear(ck)
	return created
}

// ReleaseConversation returns the conversation to automation immediately.
func (s *Supervisor) ReleaseConversation(ck keys.ConversationKey) bool {
	return s.deps.Handoff.Release(ck)
}

// sessionFor resolves the live transport session owning a conversation.
func (s *Supervisor) sessionFor(ck keys.ConversationKey) (transport.Session, error) {
	s.mu.Lock()
	m, ok := s.sessions[ck.Session]
	s.mu.Unlock()
	if !ok {
		return nil, transport.ErrNotConnected
	}
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return nil, transport.ErrNotConnected
	}
	return sess, nil
}

// SendText implements the engine's transport by routing to the live session.
func (s *Supervisor) SendText(ctx context.Context, ck keys.ConversationKey, text string) error {
	sess, err := s.sessionFor(ck)
	if err != nil {
		return err
	}
	return sess.SendText(ctx, ck.ConversationID, text)
}

// SetTyping implements the engine's transport.
func (s *Supervisor) SetTyping(ctx context.Context, ck keys.ConversationKey, on bool) error {
	sess, err := s.sessionFor(ck)
	if err != nil {
		return err
	}
	return sess.SetTyping(ctx, ck.ConversationID, on)
}

// MarkRead implements the engine's transport.
func (s *Supervisor) MarkRead(ctx context.Context, ck keys.ConversationKey) error {
	sess, err := s.sessionFor(ck)
	if err != nil {
		return err
	}
	return sess.MarkRead(ctx, ck.ConversationID)
}
