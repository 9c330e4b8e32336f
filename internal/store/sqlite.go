package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver for the application store

	"github.com/convopilot/convopilot/internal/keys"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	tenant_id    TEXT NOT NULL,
	session_name TEXT NOT NULL,
	status       TEXT NOT NULL,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, session_name)
);

CREATE TABLE IF NOT EXISTS conversation_settings (
	tenant_id       TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	auto_reply      INTEGER NOT NULL DEFAULT 1,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, conversation_id)
);

CREATE TABLE IF NOT EXISTS tenants (
	id                  TEXT PRIMARY KEY,
	prompt              TEXT NOT NULL DEFAULT '',
	responder_enabled   INTEGER NOT NULL DEFAULT 1,
	subscription_status TEXT NOT NULL DEFAULT 'trial',
	plan_expires_at     INTEGER NOT NULL DEFAULT 0,
	reply_limit         INTEGER NOT NULL DEFAULT -1,
	replies_used        INTEGER NOT NULL DEFAULT 0,
	usage_reset_at      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS contacts (
	tenant_id TEXT NOT NULL,
	phone     TEXT NOT NULL,
	name      TEXT NOT NULL DEFAULT '',
	avatar    TEXT NOT NULL DEFAULT '',
	stage     TEXT NOT NULL DEFAULT 'new',
	last_seen INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, phone)
);
`

// Open opens (creating if needed) the SQLite application store.
func Open(path string) (*Set, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Set{
		Sessions:      &sqliteSessions{db: db},
		Conversations: &sqliteConversations{db: db},
		Tenants:       &sqliteTenants{db: db},
		Contacts:      &sqliteContacts{db: db},
		closer:        db.Close,
	}, nil
}

type sqliteSessions struct {
	db *sql.DB
}

func (s *sqliteSessions) UpsertStatus(ctx context.Context, key keys.SessionKey, status SessionStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (tenant_id, session_name, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, session_name)
		DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		key.TenantID, key.SessionName, string(status), time.Now().UnixMilli())
	return err
}

func (s *sqliteSessions) GetStatus(ctx context.Context, key keys.SessionKey) (SessionStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM sessions WHERE tenant_id = ? AND session_name = ?`,
		key.TenantID, key.SessionName).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return SessionStatus(status), nil
}

func (s *sqliteSessions) Delete(ctx context.Context, key keys.SessionKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE tenant_id = ? AND session_name = ?`,
		key.TenantID, key.SessionName)
	return err
}

func (s *sqliteSessions) List(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, session_name, status, updated_at FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var status string
		var updatedAt int64
		if err := rows.Scan(&rec.Key.TenantID, &rec.Key.SessionName, &status, &updatedAt); err != nil {
			return nil, err
		}
		rec.Status = SessionStatus(status)
		rec.UpdatedAt = time.UnixMilli(updatedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

type sqliteConversations struct {
	db *sql.DB
}

func (s *sqliteConversations) AutoReplyEnabled(ctx context.Context, tenantID, conversationID string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT auto_reply FROM conversation_settings WHERE tenant_id = ? AND conversation_id = ?`,
		tenantID, conversationID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		// Absent record defaults to enabled.
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return enabled == 1, nil
}

func (s *sqliteConversations) SetAutoReply(ctx context.Context, tenantID, conversationID string, enabled bool) error {
	val := 0
	if enabled {
		val = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_settings (tenant_id, conversation_id, auto_reply, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, conversation_id)
		DO UPDATE SET auto_reply = excluded.auto_reply, updated_at = excluded.updated_at`,
		tenantID, conversationID, val, time.Now().UnixMilli())
	return err
}

type sqliteTenants struct {
	db *sql.DB
}

func (s *sqliteTenants) Get(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	var responderEnabled int
	var planExpiresAt, usageResetAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, prompt, responder_enabled, subscription_status,
		       plan_expires_at, reply_limit, replies_used, usage_reset_at
		FROM tenants WHERE id = ?`, id).
		Scan(&t.ID, &t.Prompt, &responderEnabled, &t.SubscriptionStatus,
			&planExpiresAt, &t.ReplyLimit, &t.RepliesUsed, &usageResetAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.ResponderEnabled = responderEnabled == 1
	if planExpiresAt > 0 {
		t.PlanExpiresAt = time.UnixMilli(planExpiresAt)
	}
	if usageResetAt > 0 {
		t.UsageResetAt = time.UnixMilli(usageResetAt)
	}
	return &t, nil
}

func (s *sqliteTenants) Put(ctx context.Context, t *Tenant) error {
	responderEnabled := 0
	if t.ResponderEnabled {
		responderEnabled = 1
	}
	var planExpiresAt, usageResetAt int64
	if !t.PlanExpiresAt.IsZero() {
		planExpiresAt = t.PlanExpiresAt.UnixMilli()
	}
	if !t.UsageResetAt.IsZero() {
		usageResetAt = t.UsageResetAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, prompt, responder_enabled, subscription_status,
		                     plan_expires_at, reply_limit, replies_used, usage_reset_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			prompt = excluded.prompt,
			responder_enabled = excluded.responder_enabled,
			subscription_status = excluded.subscription_status,
			plan_expires_at = excluded.plan_expires_at,
			reply_limit = excluded.reply_limit,
			replies_used = excluded.replies_used,
			usage_reset_at = excluded.usage_reset_at`,
		t.ID, t.Prompt, responderEnabled, t.SubscriptionStatus,
		planExpiresAt, t.ReplyLimit, t.RepliesUsed, usageResetAt)
	return err
}

func (s *sqliteTenants) ResetUsage(ctx context.Context, id string, resetAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET replies_used = 0, usage_reset_at = ? WHERE id = ?`,
		resetAt.UnixMilli(), id)
	return err
}

func (s *sqliteTenants) IncrementUsage(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET replies_used = replies_used + 1 WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type sqliteContacts struct {
	db *sql.DB
}

func (s *sqliteContacts) Upsert(ctx context.Context, c *Contact) error {
	stage := c.Stage
	if stage == "" {
		stage = "new"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (tenant_id, phone, name, avatar, stage, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, phone) DO UPDATE SET
			name = excluded.name,
			avatar = excluded.avatar,
			last_seen = excluded.last_seen`,
		c.TenantID, c.Phone, c.Name, c.Avatar, stage, c.LastSeen.UnixMilli())
	return err
}

func (s *sqliteContacts) Get(ctx context.Context, tenantID, phone string) (*Contact, error) {
	var c Contact
	var lastSeen int64
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, phone, name, avatar, stage, last_seen
		FROM contacts WHERE tenant_id = ? AND phone = ?`, tenantID, phone).
		Scan(&c.TenantID, &c.Phone, &c.Name, &c.Avatar, &c.Stage, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.LastSeen = time.UnixMilli(lastSeen)
	return &c, nil
}
