// Package debounce coalesces bursts of inbound message fragments into one
// composite message per conversation and drives the automated reply dispatch.
//
// Each conversation owns a sliding quiet-period timer: every fragment restarts
// it, and the buffer is flushed only after the sender has paused. At most one
// dispatch is in flight per conversation; fragments arriving mid-dispatch
// buffer for the next window and flush once the current dispatch finishes.
package debounce

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/convopilot/convopilot/internal/keys"
	"github.com/convopilot/convopilot/internal/observability"
	"github.com/convopilot/convopilot/internal/quota"
	"github.com/convopilot/convopilot/internal/responder"
	"github.com/convopilot/convopilot/internal/retry"
	"github.com/convopilot/convopilot/internal/split"
	"github.com/convopilot/convopilot/internal/store"
	"github.com/convopilot/convopilot/internal/typing"
)

const (
	// DefaultQuietPeriod is the sliding window after the last fragment.
	DefaultQuietPeriod = time.Second

	defaultFallbackReply   = "Sorry, something went wrong on our side. Please send that again in a moment."
	defaultQuotaNotice     = "Automated replies are currently unavailable for this account."
	defaultRateLimitNotice = "We are receiving a lot of messages right now. We will get back to you shortly."
)

// Transport is the slice of session capabilities the engine needs. The
// supervisor routes each call to the conversation's live session.
type Transport interface {
	SendText(ctx context.Context, key keys.ConversationKey, text string) error
	SetTyping(ctx context.Context, key keys.ConversationKey, on bool) error
	MarkRead(ctx context.Context, key keys.ConversationKey) error
}

// Claims answers whether a conversation is operator-controlled at flush time.
type Claims interface {
	Claimed(key keys.ConversationKey) bool
}

// ReplyRecorder mirrors delivered replies to observers.
type ReplyRecorder interface {
	RecordReply(key keys.SessionKey, conversationID, body string)
}

// Config tunes the engine.
type Config struct {
	// QuietPeriod is the debounce window. Zero means DefaultQuietPeriod.
	QuietPeriod time.Duration
	// ResponderTimeout bounds one composite dispatch, retries included.
	ResponderTimeout time.Duration
	// Retry governs responder attempts per composite message.
	Retry retry.Config
	// FallbackReply is sent when every responder attempt failed.
	FallbackReply string
	// QuotaNotice is sent when the tenant's plan denies automated replies.
	QuotaNotice string
	// RateLimitNotice is sent when the provider throttled the request.
	RateLimitNotice string
	// Pacing overrides the per-segment delay wait. Nil paces in real time.
	Pacing func(ctx context.Context, d time.Duration) error
}

func (c *Config) applyDefaults() {
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = DefaultQuietPeriod
	}
	if c.ResponderTimeout <= 0 {
		c.ResponderTimeout = time.Minute
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.DefaultConfig()
	}
	if c.FallbackReply == "" {
		c.FallbackReply = defaultFallbackReply
	}
	if c.QuotaNotice == "" {
		c.QuotaNotice = defaultQuotaNotice
	}
	if c.RateLimitNotice == "" {
		c.RateLimitNotice = defaultRateLimitNotice
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Transport Transport
	Responder responder.Responder
	Quota     *quota.Gate
	Claims    Claims
	Tenants   store.TenantStore
	Recorder  ReplyRecorder
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

type conversation struct {
	buffer   []string
	timer    *time.Timer
	inFlight bool
	// rearm queues one follow-up flush for fragments whose window elapsed
	// while a dispatch was in flight.
	rearm bool
}

// Engine owns all conversation buffers and timers in the process.
type Engine struct {
	cfg  Config
	deps Deps

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	convos map[keys.ConversationKey]*conversation

	// sleep paces segment delivery; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine builds an engine. Close releases its timers and cancels any
// in-flight dispatches.
func NewEngine(cfg Config, deps Deps) *Engine {
	cfg.applyDefaults()
	sleep := cfg.Pacing
	if sleep == nil {
		sleep = sleepCtx
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		convos: make(map[keys.ConversationKey]*conversation),
		sleep:  sleep,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Add buffers one inbound fragment and restarts the conversation's quiet
// period.
func (e *Engine) Add(key keys.ConversationKey, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	e.mu.Lock()
	c, ok := e.convos[key]
	if !ok {
		c = &conversation{}
		e.convos[key] = c
	}
	c.buffer = append(c.buffer, text)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(e.cfg.QuietPeriod, func() { e.flush(key) })
	e.mu.Unlock()

	e.deps.Metrics.FragmentsBuffered.Inc()
}

// Clear drops the conversation's buffered fragments and pending timer.
// Called when an operator claims the conversation: whatever the customer was
// mid-typing is now the operator's to answer.
func (e *Engine) Clear(key keys.ConversationKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked(key)
}

func (e *Engine) clearLocked(key keys.ConversationKey) {
	c, ok := e.convos[key]
	if !ok {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.buffer = nil
	c.rearm = false
	if !c.inFlight {
		delete(e.convos, key)
	}
}

// SweepSession clears every conversation belonging to the session.
func (e *Engine) SweepSession(session keys.SessionKey) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for key := range e.convos {
		if key.Session == session {
			e.clearLocked(key)
			n++
		}
	}
	return n
}

// Pending returns the number of buffered fragments for a conversation.
func (e *Engine) Pending(key keys.ConversationKey) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.convos[key]; ok {
		return len(c.buffer)
	}
	return 0
}

// Close stops all timers and cancels in-flight dispatches.
func (e *Engine) Close() {
	e.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, c := range e.convos {
		if c.timer != nil {
			c.timer.Stop()
		}
		delete(e.convos, key)
	}
}

// flush runs when a quiet period elapses. It pops the buffer and dispatches
// it, unless a dispatch is already in flight, in which case the buffer waits
// for the follow-up flush.
func (e *Engine) flush(key keys.ConversationKey) {
	e.mu.Lock()
	c, ok := e.convos[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	c.timer = nil
	if c.inFlight {
		c.rearm = true
		e.mu.Unlock()
		return
	}
	if len(c.buffer) == 0 {
		delete(e.convos, key)
		e.mu.Unlock()
		return
	}
	composite := strings.Join(c.buffer, "\n")
	c.buffer = nil
	c.inFlight = true
	e.mu.Unlock()

	go e.dispatch(key, composite)
}

// finish clears the in-flight marker and triggers the follow-up flush when
// fragments queued during the dispatch.
func (e *Engine) finish(key keys.ConversationKey) {
	e.mu.Lock()
	c, ok := e.convos[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	c.inFlight = false
	rearm := c.rearm && c.timer == nil
	c.rearm = false
	if !rearm && len(c.buffer) == 0 && c.timer == nil {
		delete(e.convos, key)
	}
	e.mu.Unlock()

	if rearm {
		e.flush(key)
	}
}

func (e *Engine) dispatch(key keys.ConversationKey, composite string) {
	defer e.finish(key)

	logger := e.deps.Logger.With("conversation", key.String())

	if e.deps.Claims.Claimed(key) {
		e.deps.Metrics.FragmentsDropped.WithLabelValues("claimed").Inc()
		logger.Debug("dropping composite, conversation is operator-controlled")
		return
	}

	tenant, err := e.deps.Tenants.Get(e.ctx, key.Session.TenantID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("tenant lookup failed", "error", err)
		return
	}
	if tenant != nil && !tenant.ResponderEnabled {
		e.deps.Metrics.FragmentsDropped.WithLabelValues("responder_off").Inc()
		logger.Debug("dropping composite, responder disabled for tenant")
		return
	}

	if err := e.deps.Quota.MayRespond(e.ctx, key.Session.TenantID); err != nil {
		if quota.PlanDenied(err) {
			e.deps.Metrics.FragmentsDropped.WithLabelValues("quota").Inc()
			logger.Info("plan denies automated reply", "reason", err)
			if sendErr := e.deps.Transport.SendText(e.ctx, key, e.cfg.QuotaNotice); sendErr != nil {
				logger.Warn("quota notice send failed", "error", sendErr)
			}
			return
		}
		e.deps.Metrics.FragmentsDropped.WithLabelValues("throttled").Inc()
		logger.Warn("dispatch skipped", "reason", err)
		return
	}

	if err := e.deps.Transport.MarkRead(e.ctx, key); err != nil {
		logger.Debug("mark read failed", "error", err)
	}

	var prompt string
	if tenant != nil {
		prompt = tenant.Prompt
	}

	e.deps.Metrics.ResponderCalls.Inc()
	reqCtx, cancel := context.WithTimeout(e.ctx, e.cfg.ResponderTimeout)
	reply, res := retry.DoWithValue(reqCtx, e.cfg.Retry, func() (string, error) {
		text, err := e.deps.Responder.Respond(reqCtx, responder.Request{
			TenantID:       key.Session.TenantID,
			ConversationID: key.ConversationID,
			Prompt:         prompt,
			CompositeText:  composite,
		})
		if errors.Is(err, responder.ErrRateLimited) {
			// Hammering a throttled provider only extends the throttle.
			return "", retry.Permanent(err)
		}
		return text, err
	})
	cancel()

	generated := res.Err == nil
	if !generated {
		e.deps.Metrics.ResponderFailures.WithLabelValues(responder.Classify(res.Err)).Inc()
		logger.Error("responder failed",
			"attempts", res.Attempts, "error", res.Err)
		reply = e.cfg.FallbackReply
		if errors.Is(res.Err, responder.ErrRateLimited) {
			reply = e.cfg.RateLimitNotice
		}
	}

	if !e.send(key, reply, logger) {
		return
	}

	if generated {
		if err := e.deps.Quota.ConsumeOne(e.ctx, key.Session.TenantID); err != nil {
			logger.Warn("usage increment failed", "error", err)
		}
		e.deps.Recorder.RecordReply(key.Session, key.ConversationID, reply)
	}
}

// send paces the reply out segment by segment under a composing indicator.
// An operator claim arriving mid-send stops the remaining segments. Returns
// whether every segment was delivered.
func (e *Engine) send(key keys.ConversationKey, reply string, logger *slog.Logger) bool {
	tc := typing.NewController(func(on bool) error {
		return e.deps.Transport.SetTyping(e.ctx, key, on)
	}, 0)
	tc.Start()
	defer tc.Stop()

	for _, segment := range split.Messages(reply) {
		if err := e.sleep(e.ctx, split.SegmentDelay(segment)); err != nil {
			return false
		}
		// Re-check right before the send: an operator may have claimed the
		// conversation during the pacing delay.
		if e.deps.Claims.Claimed(key) {
			logger.Info("operator claimed mid-send, stopping remaining segments")
			return false
		}
		if err := e.deps.Transport.SendText(e.ctx, key, segment); err != nil {
			logger.Error("segment send failed", "error", err)
			return false
		}
		e.deps.Metrics.SegmentsSent.Inc()
		tc.Refresh()
	}
	return true
}
