package store

import (
	"context"
	"sync"
	"time"

	"github.com/convopilot/convopilot/internal/keys"
)

// NewMemory returns a fully in-memory store set. Used in tests and useful as
// a reference implementation of the store contracts.
func NewMemory() *Set {
	return &Set{
		Sessions:      &memSessions{records: make(map[keys.SessionKey]SessionRecord)},
		Conversations: &memConversations{flags: make(map[[2]string]bool)},
		Tenants:       &memTenants{tenants: make(map[string]Tenant)},
		Contacts:      &memContacts{contacts: make(map[[2]string]Contact)},
	}
}

type memSessions struct {
	mu      sync.RWMutex
	records map[keys.SessionKey]SessionRecord
}

func (s *memSessions) UpsertStatus(_ context.Context, key keys.SessionKey, status SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = SessionRecord{Key: key, Status: status, UpdatedAt: time.Now()}
	return nil
}

func (s *memSessions) GetStatus(_ context.Context, key keys.SessionKey) (SessionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return "", ErrNotFound
	}
	return rec.Status, nil
}

func (s *memSessions) Delete(_ context.Context, key keys.SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *memSessions) List(_ context.Context) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

type memConversations struct {
	mu    sync.RWMutex
	flags map[[2]string]bool
}

func (s *memConversations) AutoReplyEnabled(_ context.Context, tenantID, conversationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enabled, ok := s.flags[[2]string{tenantID, conversationID}]
	if !ok {
		return true, nil
	}
	return enabled, nil
}

func (s *memConversations) SetAutoReply(_ context.Context, tenantID, conversationID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[[2]string{tenantID, conversationID}] = enabled
	return nil
}

type memTenants struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
}

func (s *memTenants) Get(_ context.Context, id string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := t
	return &out, nil
}

func (s *memTenants) Put(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = *t
	return nil
}

func (s *memTenants) ResetUsage(_ context.Context, id string, resetAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil
	}
	t.RepliesUsed = 0
	t.UsageResetAt = resetAt
	s.tenants[id] = t
	return nil
}

func (s *memTenants) IncrementUsage(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return false, nil
	}
	t.RepliesUsed++
	s.tenants[id] = t
	return true, nil
}

type memContacts struct {
	mu       sync.RWMutex
	contacts map[[2]string]Contact
}

func (s *memContacts) Upsert(_ context.Context, c *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{c.TenantID, c.Phone}
	stored := *c
	if stored.Stage == "" {
		if prev, ok := s.contacts[key]; ok {
			stored.Stage = prev.Stage
		} else {
			stored.Stage = "new"
		}
	}
	s.contacts[key] = stored
	return nil
}

func (s *memContacts) Get(_ context.Context, tenantID, phone string) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[[2]string{tenantID, phone}]
	if !ok {
		return nil, ErrNotFound
	}
	out := c
	return &out, nil
}
