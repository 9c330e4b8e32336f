// Package keys defines the composite identifiers used across the engine.
//
// Every piece of per-conversation state (buffers, timers, claim state) lives
// in process-wide maps keyed by the string forms below. There is no secondary
// index; lookups are always by exact composite key, and session teardown
// sweeps by key prefix.
package keys

import (
	"fmt"
	"strings"
)

// SessionKey identifies one logical transport session for a tenant.
type SessionKey struct {
	TenantID    string
	SessionName string
}

// String returns the canonical composite form, e.g. "USER42_main".
func (k SessionKey) String() string {
	return fmt.Sprintf("USER%s_%s", k.TenantID, k.SessionName)
}

// ConversationPrefix returns the prefix shared by all conversation keys of
// this session. Used for session-scoped sweeps.
func (k SessionKey) ConversationPrefix() string {
	return k.String() + "::"
}

// Conversation builds the key for a chat thread within this session.
func (k SessionKey) Conversation(conversationID string) ConversationKey {
	return ConversationKey{Session: k, ConversationID: conversationID}
}

// ConversationKey identifies one chat thread within a transport session.
type ConversationKey struct {
	Session        SessionKey
	ConversationID string
}

// String returns the canonical composite form, e.g. "USER42_main::5511999@s.whatsapp.net".
func (k ConversationKey) String() string {
	return k.Session.ConversationPrefix() + k.ConversationID
}

// ParseSessionKey parses the canonical session form. It accepts only keys
// produced by SessionKey.String.
func ParseSessionKey(s string) (SessionKey, error) {
	if !strings.HasPrefix(s, "USER") {
		return SessionKey{}, fmt.Errorf("invalid session key %q", s)
	}
	rest := strings.TrimPrefix(s, "USER")
	tenant, name, ok := strings.Cut(rest, "_")
	if !ok || tenant == "" || name == "" {
		return SessionKey{}, fmt.Errorf("invalid session key %q", s)
	}
	return SessionKey{TenantID: tenant, SessionName: name}, nil
}

// ParseConversationKey parses the canonical conversation form.
func ParseConversationKey(s string) (ConversationKey, error) {
	sess, conv, ok := strings.Cut(s, "::")
	if !ok || conv == "" {
		return ConversationKey{}, fmt.Errorf("invalid conversation key %q", s)
	}
	sk, err := ParseSessionKey(sess)
	if err != nil {
		return ConversationKey{}, err
	}
	return ConversationKey{Session: sk, ConversationID: conv}, nil
}

// HasSessionPrefix reports whether the composite conversation key belongs to
// the given session.
func HasSessionPrefix(conversationKey string, session SessionKey) bool {
	return strings.HasPrefix(conversationKey, session.ConversationPrefix())
}
