package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/convopilot/convopilot/internal/config"
)

const defaultOpenAIModel = openai.GPT4oMini

type openAIResponder struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

func newOpenAI(cfg config.ResponderConfig, logger *slog.Logger) (Responder, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("responder: OpenAI API key not configured")
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &openAIResponder{
		client: openai.NewClient(key),
		model:  model,
		logger: logger,
	}, nil
}

func (r *openAIResponder) Respond(ctx context.Context, req Request) (string, error) {
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req)},
			{Role: openai.ChatMessageRoleUser, Content: req.CompositeText},
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("openai completion: %w", ErrRateLimited)
		}
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}
	r.logger.Debug("reply generated",
		"tenant", req.TenantID,
		"conversation", req.ConversationID,
		"tokens", resp.Usage.TotalTokens)
	return reply, nil
}
