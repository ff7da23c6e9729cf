package router

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/hivemind-ai/hivemind/internal/config"
)

// newTestRouter builds a router with a single llamacpp alias pointed at the
// given test server.
func newTestRouter(t *testing.T, srv *httptest.Server, alias string) *Router {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	r, err := New([]config.ModelDescriptor{{
		Alias:    alias,
		Provider: config.ProviderLlamaCpp,
		Model:    "qwen2.5-7b",
		Host:     host,
		Port:     port,
	}})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestGenerate_NormalizesResponse(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "qwen2.5-7b-instruct",
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": "Paris."},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 9, "completion_tokens": 2, "total_tokens": 11},
		})
	}))
	defer srv.Close()

	r := newTestRouter(t, srv, "synthesizer")
	res, err := r.Generate(context.Background(), "synthesizer", "What is the capital of France?", Options{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if res.Content != "Paris." {
		t.Errorf("content = %q", res.Content)
	}
	if res.Model != "qwen2.5-7b-instruct" {
		t.Errorf("model = %q", res.Model)
	}
	if res.Usage == nil || res.Usage.PromptTokens != 9 || res.Usage.Estimated {
		t.Errorf("usage = %+v, want verbatim backend usage", res.Usage)
	}

	// Defaults must be applied on the wire.
	if gotReq.MaxTokens != DefaultMaxTokens {
		t.Errorf("max_tokens = %d, want %d", gotReq.MaxTokens, DefaultMaxTokens)
	}
	if gotReq.Temperature != DefaultTemperature {
		t.Errorf("temperature = %v, want %v", gotReq.Temperature, DefaultTemperature)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("messages = %+v, want single user message", gotReq.Messages)
	}
}

func TestGenerate_StripsChannelSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]string{
					"role":    "assistant",
					"content": "<|channel|>analysis<|message|>thinking...<|message|>The answer is 4.",
				},
			}},
		})
	}))
	defer srv.Close()

	r := newTestRouter(t, srv, "m")
	res, err := r.Generate(context.Background(), "m", "2+2?", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "The answer is 4." {
		t.Errorf("content = %q, want text after last <|message|>", res.Content)
	}
}

func TestGenerate_EstimatesUsageWhenMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]string{"role": "assistant", "content": "ok"},
			}},
		})
	}))
	defer srv.Close()

	r := newTestRouter(t, srv, "m")
	res, err := r.Generate(context.Background(), "m", "one two three four", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Usage == nil || !res.Usage.Estimated {
		t.Fatalf("usage = %+v, want estimated", res.Usage)
	}
	if res.Usage.PromptTokens != 4 {
		t.Errorf("prompt_tokens = %d, want 4 (whitespace split)", res.Usage.PromptTokens)
	}
	if res.Usage.CompletionTokens != 0 {
		t.Errorf("completion_tokens = %d, want omitted", res.Usage.CompletionTokens)
	}
}

func TestGenerate_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	r := newTestRouter(t, srv, "m")
	_, err := r.Generate(context.Background(), "m", "hi", Options{})

	var be *BackendError
	if !errors.As(err, &be) || be.Snippet != "no choices" {
		t.Fatalf("err = %v, want BackendError(no choices)", err)
	}
}

func TestGenerate_Non2xxIsBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model is loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := newTestRouter(t, srv, "m")
	_, err := r.Generate(context.Background(), "m", "hi", Options{})

	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want BackendError", err)
	}
	if be.Status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", be.Status)
	}
	if be.Snippet != "model is loading" {
		t.Errorf("snippet = %q", be.Snippet)
	}
}

func TestGenerate_ConnectionRefusedIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listens anymore

	r := newTestRouter(t, srv, "m")
	_, err := r.Generate(context.Background(), "m", "hi", Options{})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestGenerate_UnknownAlias(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Generate(context.Background(), "ghost", "hi", Options{})
	if !errors.Is(err, ErrUnknownAlias) {
		t.Fatalf("err = %v, want ErrUnknownAlias", err)
	}
}

func TestHealthCheck(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s, want /health", r.URL.Path)
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	r := newTestRouter(t, srv, "m")
	if !r.HealthCheck(context.Background(), "m") {
		t.Error("healthy backend reported unhealthy")
	}

	healthy = false
	if r.HealthCheck(context.Background(), "m") {
		t.Error("unhealthy backend reported healthy")
	}

	if r.HealthCheck(context.Background(), "ghost") {
		t.Error("unknown alias reported healthy")
	}
}

func TestStripSentinel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain text", "plain text"},
		{"<|channel|>final<|message|>hello", "hello"},
		{"<|channel|>no marker", "<|channel|>no marker"},
		{"mid <|channel|>x<|message|>y", "mid <|channel|>x<|message|>y"},
	}
	for _, tt := range tests {
		if got := stripSentinel(tt.in); got != tt.want {
			t.Errorf("stripSentinel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
