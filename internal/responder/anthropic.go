package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/convopilot/convopilot/internal/config"
)

const (
	defaultAnthropicModel     = string(anthropic.ModelClaudeSonnet4_0)
	defaultAnthropicMaxTokens = 1024
)

type anthropicResponder struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

func newAnthropic(cfg config.ResponderConfig, logger *slog.Logger) (Responder, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("responder: Anthropic API key not configured")
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &anthropicResponder{
		client: anthropic.NewClient(option.WithAPIKey(key)),
		model:  model,
		logger: logger,
	}, nil
}

func (r *anthropicResponder) Respond(ctx context.Context, req Request) (string, error) {
	msg, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(r.model),
		MaxTokens: defaultAnthropicMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt(req)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.CompositeText)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("anthropic message: %w", ErrRateLimited)
		}
		return "", fmt.Errorf("anthropic message: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	reply := strings.TrimSpace(sb.String())
	if reply == "" {
		return "", ErrEmptyReply
	}
	r.logger.Debug("reply generated",
		"tenant", req.TenantID,
		"conversation", req.ConversationID,
		"stop_reason", string(msg.StopReason))
	return reply, nil
}
