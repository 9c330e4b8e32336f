package responder

import (
	"context"
	"errors"
	"testing"
)

func TestSystemPromptFallback(t *testing.T) {
	if got := systemPrompt(Request{Prompt: "You sell shoes."}); got != "You sell shoes." {
		t.Errorf("tenant prompt not used: %q", got)
	}
	if got := systemPrompt(Request{Prompt: "   "}); got != defaultPrompt {
		t.Errorf("blank prompt should fall back to default, got %q", got)
	}
}

func TestFuncAdapter(t *testing.T) {
	r := Func(func(ctx context.Context, req Request) (string, error) {
		return "echo: " + req.CompositeText, nil
	})
	got, err := r.Respond(context.Background(), Request{CompositeText: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "echo: hi" {
		t.Errorf("unexpected reply %q", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "canceled"},
		{ErrEmptyReply, "empty"},
		{ErrRateLimited, "rate_limited"},
		{errors.New("boom"), "provider"},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
