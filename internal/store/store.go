// Package store defines the durable state the engine depends on: session
// connectivity checkpoints, per-conversation auto-reply flags, tenant plans
// and reply quotas, and the CRM contact sink.
//
// Everything else (buffers, timers, claim state) is advisory in-memory state
// owned by the engine packages and is lost on restart by design.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/convopilot/convopilot/internal/keys"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SessionStatus is the persisted connectivity state of a transport session.
type SessionStatus string

const (
	StatusPending      SessionStatus = "pending"
	StatusConnected    SessionStatus = "connected"
	StatusDisconnected SessionStatus = "disconnected"
	StatusReconnecting SessionStatus = "reconnecting"
)

// SessionRecord is one persisted session row.
type SessionRecord struct {
	Key       keys.SessionKey
	Status    SessionStatus
	UpdatedAt time.Time
}

// SessionStore checkpoints session connectivity.
type SessionStore interface {
	// UpsertStatus records the current status for a session key.
	UpsertStatus(ctx context.Context, key keys.SessionKey, status SessionStatus) error
	// GetStatus returns the persisted status, or ErrNotFound.
	GetStatus(ctx context.Context, key keys.SessionKey) (SessionStatus, error)
	// Delete removes the session record. Deleting an absent record is a no-op.
	Delete(ctx context.Context, key keys.SessionKey) error
	// List returns all persisted sessions.
	List(ctx context.Context) ([]SessionRecord, error)
}

// ConversationStore holds the per-conversation auto-reply switch.
type ConversationStore interface {
	// AutoReplyEnabled reports whether automated replies are on for the
	// conversation. Absent records default to enabled.
	AutoReplyEnabled(ctx context.Context, tenantID, conversationID string) (bool, error)
	// SetAutoReply persists the switch.
	SetAutoReply(ctx context.Context, tenantID, conversationID string, enabled bool) error
}

// Tenant is the account owning one or more transport sessions.
type Tenant struct {
	ID string
	// Prompt is the instruction profile prepended to composite messages.
	Prompt string
	// ResponderEnabled is the tenant-wide kill switch.
	ResponderEnabled bool
	// SubscriptionStatus is one of trial, active, cancelled, paused, past_due.
	SubscriptionStatus string
	// PlanExpiresAt bounds trial accounts. Zero means no bound.
	PlanExpiresAt time.Time
	// ReplyLimit is the monthly responder-reply allowance. Negative means
	// unlimited.
	ReplyLimit int
	// RepliesUsed counts replies consumed in the current period.
	RepliesUsed int
	// UsageResetAt is when RepliesUsed rolls over.
	UsageResetAt time.Time
}

// TenantStore persists tenant accounts and reply usage.
type TenantStore interface {
	Get(ctx context.Context, id string) (*Tenant, error)
	Put(ctx context.Context, tenant *Tenant) error
	// ResetUsage zeroes the usage counter and sets the next rollover instant.
	ResetUsage(ctx context.Context, id string, resetAt time.Time) error
	// IncrementUsage adds one consumed reply. Returns false if the tenant
	// does not exist (the increment could not be applied).
	IncrementUsage(ctx context.Context, id string) (bool, error)
}

// Contact is one CRM record, keyed by (tenant, phone).
type Contact struct {
	TenantID string
	Phone    string
	Name     string
	Avatar   string
	Stage    string
	LastSeen time.Time
}

// ContactStore is the fire-and-forget CRM sink.
type ContactStore interface {
	// Upsert creates the contact or refreshes name/avatar/last-seen.
	Upsert(ctx context.Context, contact *Contact) error
	Get(ctx context.Context, tenantID, phone string) (*Contact, error)
}

// Set groups the storage dependencies handed to the engine.
type Set struct {
	Sessions      SessionStore
	Conversations ConversationStore
	Tenants       TenantStore
	Contacts      ContactStore

	closer func() error
}

// Close releases any underlying resources.
func (s *Set) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
