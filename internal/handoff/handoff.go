// Package handoff tracks which conversations a human operator has taken over.
//
// A claimed conversation suppresses automated replies until the operator has
// been inactive for the full inactivity window. Activity inside the window
// slides the expiry forward; the expiry timer re-checks the last activity
// instant when it fires, so a refresh never races a release.
package handoff

import (
	"log/slog"
	"sync"
	"time"

	"github.com/convopilot/convopilot/internal/events"
	"github.com/convopilot/convopilot/internal/keys"
	"github.com/convopilot/convopilot/internal/observability"
)

// DefaultWindow is the operator inactivity window before automation resumes.
const DefaultWindow = 5 * time.Minute

type claim struct {
	lastActivity time.Time
	timer        *time.Timer
}

// Machine owns the claim state for all conversations in the process.
type Machine struct {
	window  time.Duration
	bus     *events.Bus
	metrics *observability.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	claims map[keys.ConversationKey]*claim

	onAutoRelease func(keys.ConversationKey)
	now           func() time.Time
}

// NewMachine builds a machine with the given inactivity window.
func NewMachine(window time.Duration, bus *events.Bus, metrics *observability.Metrics, logger *slog.Logger) *Machine {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Machine{
		window:  window,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
		claims:  make(map[keys.ConversationKey]*claim),
		now:     time.Now,
	}
}

// OnAutoRelease registers a hook invoked after an inactivity expiry, outside
// the machine's lock. Used to announce that automation has resumed.
func (m *Machine) OnAutoRelease(fn func(keys.ConversationKey)) {
	m.onAutoRelease = fn
}

// Claim marks the conversation as operator-controlled. Claiming an already
// claimed conversation refreshes its activity instant. Returns true when this
// call created the claim.
func (m *Machine) Claim(key keys.ConversationKey) bool {
	now := m.now()

	m.mu.Lock()
	if c, ok := m.claims[key]; ok {
		c.lastActivity = now
		m.mu.Unlock()
		m.broadcast(key, true, now.Add(m.window))
		return false
	}
	c := &claim{lastActivity: now}
	c.timer = time.AfterFunc(m.window, func() { m.expire(key) })
	m.claims[key] = c
	m.mu.Unlock()

	m.metrics.HandoffClaims.Inc()
	m.logger.Info("conversation claimed by operator",
		"conversation", key.String(), "window", m.window)
	m.broadcast(key, true, now.Add(m.window))
	return true
}

// NoteActivity refreshes the inactivity window if the conversation is
// claimed, re-broadcasting the new expiry instant so dashboards can keep
// their countdowns live. Returns whether a claim was active.
func (m *Machine) NoteActivity(key keys.ConversationKey) bool {
	now := m.now()

	m.mu.Lock()
	c, ok := m.claims[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	c.lastActivity = now
	m.mu.Unlock()

	m.broadcast(key, true, now.Add(m.window))
	return true
}

// Claimed reports whether the conversation is currently operator-controlled.
func (m *Machine) Claimed(key keys.ConversationKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.claims[key]
	return ok
}

// Snapshot returns the currently claimed conversations.
func (m *Machine) Snapshot() []keys.ConversationKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]keys.ConversationKey, 0, len(m.claims))
	for key := range m.claims {
		out = append(out, key)
	}
	return out
}

// Release drops the claim immediately. Returns whether a claim existed.
func (m *Machine) Release(key keys.ConversationKey) bool {
	m.mu.Lock()
	c, ok := m.claims[key]
	if ok {
		c.timer.Stop()
		delete(m.claims, key)
	}
	m.mu.Unlock()

	if ok {
		m.logger.Info("conversation released", "conversation", key.String())
		m.broadcast(key, false, time.Time{})
	}
	return ok
}

// SweepSession silently drops every claim belonging to the session. Used on
// session teardown, where per-conversation broadcasts would be noise.
func (m *Machine) SweepSession(session keys.SessionKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, c := range m.claims {
		if key.Session == session {
			c.timer.Stop()
			delete(m.claims, key)
			n++
		}
	}
	return n
}

// expire runs when the inactivity timer fires. Activity recorded after the
// timer was armed pushes the release out by the remaining delta instead.
func (m *Machine) expire(key keys.ConversationKey) {
	m.mu.Lock()
	c, ok := m.claims[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.now()
	deadline := c.lastActivity.Add(m.window)
	if now.Before(deadline) {
		c.timer = time.AfterFunc(deadline.Sub(now), func() { m.expire(key) })
		m.mu.Unlock()
		return
	}
	delete(m.claims, key)
	m.mu.Unlock()

	m.metrics.HandoffExpiries.Inc()
	m.logger.Info("claim expired after inactivity", "conversation", key.String())
	m.broadcast(key, false, time.Time{})
	if m.onAutoRelease != nil {
		m.onAutoRelease(key)
	}
}

func (m *Machine) broadcast(key keys.ConversationKey, claimed bool, expiresAt time.Time) {
	payload := events.StateChange{
		TenantID:       key.Session.TenantID,
		SessionName:    key.Session.SessionName,
		ConversationID: key.ConversationID,
		Claimed:        claimed,
	}
	if claimed {
		payload.ExpiresAt = &expiresAt
	}
	m.bus.Publish(events.EventStateChange, payload)
}
