// Package api exposes the engine's control surface over HTTP: session
// lifecycle, tenant plans, per-conversation auto-reply switches, handoff
// claims, the websocket event hub, and Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/convopilot/convopilot/internal/handoff"
	"github.com/convopilot/convopilot/internal/keys"
	"github.com/convopilot/convopilot/internal/observability"
	"github.com/convopilot/convopilot/internal/store"
	"github.com/convopilot/convopilot/internal/supervisor"
)

// claimNotice is sent into a conversation when an operator takes it over from
// the dashboard.
const claimNotice = "A member of our team has joined this conversation."

// Server holds the handlers' collaborators.
type Server struct {
	sup     *supervisor.Supervisor
	stores  *store.Set
	machine *handoff.Machine
	hub     http.Handler
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New builds the HTTP control surface.
func New(sup *supervisor.Supervisor, stores *store.Set, machine *handoff.Machine, hub http.Handler, metrics *observability.Metrics, logger *slog.Logger) *Server {
	return &Server{
		sup:     sup,
		stores:  stores,
		machine: machine,
		hub:     hub,
		metrics: metrics,
		logger:  logger,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions/{tenant}/{name}", s.handleCreateSession)
	mux.HandleFunc("DELETE /sessions/{tenant}/{name}", s.handleDeleteSession)
	mux.HandleFunc("GET /sessions/{tenant}/{name}/qr", s.handleSessionQR)
	mux.HandleFunc("GET /tenants/{id}", s.handleGetTenant)
	mux.HandleFunc("PUT /tenants/{id}", s.handlePutTenant)
	mux.HandleFunc("PUT /conversations/auto-reply", s.handleAutoReply)
	mux.HandleFunc("GET /handoff", s.handleListClaims)
	mux.HandleFunc("POST /handoff/claim", s.handleClaim)
	mux.HandleFunc("POST /handoff/release", s.handleRelease)

	if s.hub != nil {
		mux.Handle("GET /ws", s.hub)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionView struct {
	TenantID    string    `json:"tenant_id"`
	SessionName string    `json:"session_name"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	records, err := s.stores.Sessions.List(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]sessionView, 0, len(records))
	for _, rec := range records {
		views = append(views, sessionView{
			TenantID:    rec.Key.TenantID,
			SessionName: rec.Key.SessionName,
			Status:      string(rec.Status),
			UpdatedAt:   rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromPath(w, r)
	if !ok {
		return
	}
	if err := s.sup.Create(r.Context(), key); err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session": key.String()})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromPath(w, r)
	if !ok {
		return
	}
	if err := s.sup.Delete(r.Context(), key); err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionQR renders the session's pending pairing code as a PNG.
func (s *Server) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromPath(w, r)
	if !ok {
		return
	}
	code, ok := s.sup.PairingCode(key)
	if !ok {
		s.fail(w, http.StatusNotFound, errors.New("no pairing code pending"))
		return
	}

	size := 256
	if v := r.URL.Query().Get("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			size = n
		}
	}
	if size > 512 {
		size = 512
	}

	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type tenantView struct {
	ID                 string     `json:"id"`
	Prompt             string     `json:"prompt,omitempty"`
	ResponderEnabled   bool       `json:"responder_enabled"`
	SubscriptionStatus string     `json:"subscription_status"`
	PlanExpiresAt      *time.Time `json:"plan_expires_at,omitempty"`
	ReplyLimit         int        `json:"reply_limit"`
	RepliesUsed        int        `json:"replies_used"`
	UsageResetAt       *time.Time `json:"usage_reset_at,omitempty"`
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.stores.Tenants.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.fail(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	view := tenantView{
		ID:                 tenant.ID,
		Prompt:             tenant.Prompt,
		ResponderEnabled:   tenant.ResponderEnabled,
		SubscriptionStatus: tenant.SubscriptionStatus,
		ReplyLimit:         tenant.ReplyLimit,
		RepliesUsed:        tenant.RepliesUsed,
	}
	if !tenant.PlanExpiresAt.IsZero() {
		view.PlanExpiresAt = &tenant.PlanExpiresAt
	}
	if !tenant.UsageResetAt.IsZero() {
		view.UsageResetAt = &tenant.UsageResetAt
	}
	writeJSON(w, http.StatusOK, view)
}

type tenantUpsert struct {
	Prompt             string     `json:"prompt"`
	ResponderEnabled   *bool      `json:"responder_enabled"`
	SubscriptionStatus string     `json:"subscription_status"`
	PlanExpiresAt      *time.Time `json:"plan_expires_at"`
	ReplyLimit         *int       `json:"reply_limit"`
	UsageResetAt       *time.Time `json:"usage_reset_at"`
}

func (s *Server) handlePutTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body tenantUpsert
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}

	tenant, err := s.stores.Tenants.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		tenant = &store.Tenant{
			ID:                 id,
			ResponderEnabled:   true,
			SubscriptionStatus: "trial",
			ReplyLimit:         -1,
		}
	} else if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}

	if body.Prompt != "" {
		tenant.Prompt = body.Prompt
	}
	if body.ResponderEnabled != nil {
		tenant.ResponderEnabled = *body.ResponderEnabled
	}
	if body.SubscriptionStatus != "" {
		tenant.SubscriptionStatus = body.SubscriptionStatus
	}
	if body.PlanExpiresAt != nil {
		tenant.PlanExpiresAt = *body.PlanExpiresAt
	}
	if body.ReplyLimit != nil {
		tenant.ReplyLimit = *body.ReplyLimit
	}
	if body.UsageResetAt != nil {
		tenant.UsageResetAt = *body.UsageResetAt
	}

	if err := s.stores.Tenants.Put(r.Context(), tenant); err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

type autoReplyRequest struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	Enabled        bool   `json:"enabled"`
}

func (s *Server) handleAutoReply(w http.ResponseWriter, r *http.Request) {
	var body autoReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if body.TenantID == "" || body.ConversationID == "" {
		s.fail(w, http.StatusBadRequest, errors.New("tenant_id and conversation_id are required"))
		return
	}
	if err := s.stores.Conversations.SetAutoReply(r.Context(), body.TenantID, body.ConversationID, body.Enabled); err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

type claimView struct {
	TenantID       string `json:"tenant_id"`
	SessionName    string `json:"session_name"`
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	claims := s.machine.Snapshot()
	views := make([]claimView, 0, len(claims))
	for _, ck := range claims {
		views = append(views, claimView{
			TenantID:       ck.Session.TenantID,
			SessionName:    ck.Session.SessionName,
			ConversationID: ck.ConversationID,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type claimRequest struct {
	TenantID       string `json:"tenant_id"`
	SessionName    string `json:"session_name"`
	ConversationID string `json:"conversation_id"`
}

func (r claimRequest) key() (keys.ConversationKey, error) {
	if r.TenantID == "" || r.SessionName == "" || r.ConversationID == "" {
		return keys.ConversationKey{}, errors.New("tenant_id, session_name and conversation_id are required")
	}
	sk := keys.SessionKey{TenantID: r.TenantID, SessionName: r.SessionName}
	return sk.Conversation(r.ConversationID), nil
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body claimRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	ck, err := body.key()
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	created := s.sup.ClaimConversation(ck)
	if created {
		// Dashboard claims announce the operator; claims made by the operator
		// messaging directly need no notice, their message is already visible.
		if err := s.sup.SendText(r.Context(), ck, claimNotice); err != nil {
			s.logger.Warn("claim notice failed", "conversation", ck.String(), "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"created": created})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var body claimRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	ck, err := body.key()
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	released := s.sup.ReleaseConversation(ck)
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func sessionKeyFromPath(w http.ResponseWriter, r *http.Request) (keys.SessionKey, bool) {
	tenant, name := r.PathValue("tenant"), r.PathValue("name")
	if tenant == "" || name == "" {
		http.Error(w, "tenant and name are required", http.StatusBadRequest)
		return keys.SessionKey{}, false
	}
	return keys.SessionKey{TenantID: tenant, SessionName: name}, true
}

func (s *Server) fail(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
