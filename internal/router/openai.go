package router

import (
	"context"
	"errors"
	"fmt"
	"os"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/hivemind-ai/hivemind/internal/config"
)

// openaiBackend targets any OpenAI-compatible endpoint through the official
// SDK. Used for the "openai" provider family: hosted APIs, vLLM, llamafile.
// The API key is taken from OPENAI_API_KEY; local servers usually accept any
// non-empty key.
type openaiBackend struct {
	alias  string
	client oai.Client
}

func newOpenAIBackend(desc config.ModelDescriptor) *openaiBackend {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		apiKey = "sk-local"
	}
	client := oai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(fmt.Sprintf("http://%s:%d/v1", desc.Host, desc.Port)),
	)
	return &openaiBackend{alias: desc.Alias, client: client}
}

// generate implements backend.
func (b *openaiBackend) generate(ctx context.Context, model, prompt string, opts Options) (*Result, error) {
	completion, err := b.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.UserMessage(prompt),
		},
		MaxTokens:   oai.Int(int64(opts.MaxTokens)),
		Temperature: oai.Float(opts.Temperature),
		TopP:        oai.Float(opts.TopP),
	})
	if err != nil {
		return nil, b.classify(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &BackendError{Alias: b.alias, Snippet: "no choices"}
	}

	choice := completion.Choices[0]
	res := &Result{
		Content:      choice.Message.Content,
		Model:        completion.Model,
		FinishReason: string(choice.FinishReason),
	}
	if completion.Usage.TotalTokens > 0 {
		res.Usage = &Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		}
	}
	return res, nil
}

// health implements backend by listing models, the cheapest authenticated
// call an OpenAI-compatible server answers.
func (b *openaiBackend) health(ctx context.Context) error {
	if _, err := b.client.Models.List(ctx); err != nil {
		return b.classify(err)
	}
	return nil
}

// classify maps SDK errors onto the router taxonomy.
func (b *openaiBackend) classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return &BackendError{
			Alias:   b.alias,
			Status:  apiErr.StatusCode,
			Snippet: apiErr.Message,
		}
	}
	return classifyTransportError(b.alias, err)
}
