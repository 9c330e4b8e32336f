// Package responder generates automated replies from composite customer
// messages. Implementations wrap a model provider; the debounce engine only
// sees the Responder interface.
package responder

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/convopilot/convopilot/internal/config"
)

var (
	// ErrEmptyReply is returned when the provider produced no usable text.
	ErrEmptyReply = errors.New("responder: empty reply")
	// ErrRateLimited is returned when the provider rejected the call with a
	// throughput limit. Retrying the same request only extends the throttle.
	ErrRateLimited = errors.New("responder: rate limited")
)

// Request carries everything a provider needs for one generation.
type Request struct {
	TenantID       string
	ConversationID string
	// Prompt is the tenant's system prompt. May be empty.
	Prompt string
	// CompositeText is the newline-joined buffered fragments.
	CompositeText string
}

// Responder produces one reply per request.
type Responder interface {
	Respond(ctx context.Context, req Request) (string, error)
}

// Func adapts a plain function to the Responder interface.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Respond(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

const defaultPrompt = "You are a helpful assistant answering customer messages. Keep replies short and conversational."

// New builds the provider selected by the configuration.
func New(cfg config.ResponderConfig, logger *slog.Logger) (Responder, error) {
	switch cfg.Provider {
	case "openai":
		return newOpenAI(cfg, logger)
	case "anthropic":
		return newAnthropic(cfg, logger)
	}
	return nil, errors.New("responder: unknown provider " + cfg.Provider)
}

// systemPrompt picks the tenant prompt, falling back to the built-in one.
func systemPrompt(req Request) string {
	if p := strings.TrimSpace(req.Prompt); p != "" {
		return p
	}
	return defaultPrompt
}

// Classify maps a generation error onto a metrics label.
func Classify(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrEmptyReply):
		return "empty"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	}
	return "provider"
}
