package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hivemind-ai/hivemind/internal/config"
)

// snippetLimit bounds the response-body excerpt kept in a [BackendError].
const snippetLimit = 256

// httpBackend targets llama.cpp and Ollama hosts through their
// OpenAI-compatible /v1/chat/completions endpoint.
type httpBackend struct {
	alias   string
	baseURL string
	client  *http.Client
}

func newHTTPBackend(desc config.ModelDescriptor) *httpBackend {
	return &httpBackend{
		alias:   desc.Alias,
		baseURL: fmt.Sprintf("http://%s:%d", desc.Host, desc.Port),
		client:  &http.Client{},
	}
}

// Wire types for the chat completions endpoint. Only the fields the router
// reads are declared; everything else in the response is ignored.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	TopK        int           `json:"top_k,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// generate implements backend.
func (b *httpBackend) generate(ctx context.Context, model, prompt string, opts Options) (*Result, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		TopK:        opts.TopK,
		Stream:      opts.Stream,
	})
	if err != nil {
		return nil, fmt.Errorf("router: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("router: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(b.alias, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &BackendError{
			Alias:   b.alias,
			Status:  resp.StatusCode,
			Snippet: readSnippet(resp.Body),
		}
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, &BackendError{Alias: b.alias, Snippet: "malformed response: " + err.Error()}
	}
	if len(cr.Choices) == 0 {
		return nil, &BackendError{Alias: b.alias, Snippet: "no choices"}
	}

	res := &Result{
		Content:      cr.Choices[0].Message.Content,
		Model:        cr.Model,
		FinishReason: cr.Choices[0].FinishReason,
	}
	if cr.Usage != nil {
		res.Usage = &Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		}
	}
	return res, nil
}

// health implements backend with a GET /health probe.
func (b *httpBackend) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("router: build health request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return classifyTransportError(b.alias, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &BackendError{Alias: b.alias, Status: resp.StatusCode, Snippet: "health probe failed"}
	}
	return nil
}

// classifyTransportError maps http.Client errors onto the router taxonomy:
// deadline expiry becomes [ErrBackendTimeout], everything else (refused
// connections, resets, DNS) becomes [ErrBackendUnavailable].
func classifyTransportError(alias string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrBackendTimeout, alias)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, alias, err)
}

// readSnippet reads at most snippetLimit bytes of r for error reporting.
func readSnippet(r io.Reader) string {
	buf, _ := io.ReadAll(io.LimitReader(r, snippetLimit))
	return string(bytes.TrimSpace(buf))
}
