package router

import (
	"context"
	"fmt"
	"strings"
)

// mockBackend is the in-process backend behind the "mock" provider family.
// It produces deterministic content so the full pipeline can run without any
// inference servers: classification prompts get a parseable intent line, and
// everything else gets an echo response long enough to exercise downstream
// handling.
type mockBackend struct {
	model string
}

func newMockBackend(model string) *mockBackend {
	return &mockBackend{model: model}
}

// generate implements backend.
func (b *mockBackend) generate(ctx context.Context, model, prompt string, _ Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content := fmt.Sprintf("[%s] %s", model, firstLine(prompt))
	if strings.Contains(prompt, "Classify the user request") {
		content = `{"intent": "simple_query", "confidence": 0.9}`
	}

	return &Result{
		Content:      content,
		Model:        model,
		FinishReason: "stop",
		Usage: &Usage{
			PromptTokens:     len(strings.Fields(prompt)),
			CompletionTokens: len(strings.Fields(content)),
			TotalTokens:      len(strings.Fields(prompt)) + len(strings.Fields(content)),
		},
	}, nil
}

// health implements backend. The mock is always healthy.
func (b *mockBackend) health(context.Context) error {
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
