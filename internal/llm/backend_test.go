package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
)

var summarySchema = Schema{
	"type": "object",
	"properties": map[string]any{
		"summary": map[string]any{"type": "string"},
		"topics":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required":             []any{"summary"},
	"additionalProperties": false,
}

// captured is the last request a captureServer saw.
type captured struct {
	mu     sync.Mutex
	path   string
	header http.Header
	body   map[string]any
}

func (c *captured) get() (string, http.Header, map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path, c.header, c.body
}

// captureServer records each request and answers with status and reply.
func captureServer(t *testing.T, status int, reply string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("request body is not JSON: %v", err)
		}
		c.mu.Lock()
		c.path, c.header, c.body = r.URL.Path, r.Header.Clone(), body
		c.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, reply)
	}))
	t.Cleanup(server.Close)
	return server, c
}

func newTestBackend(t *testing.T, provider, baseURL string) Backend {
	t.Helper()
	b, err := NewBackend(BackendConfig{Provider: provider, APIKey: "test-key", BaseURL: baseURL})
	if err != nil {
		t.Fatalf("NewBackend(%s) failed: %v", provider, err)
	}
	return b
}

func TestGeminiBackend(t *testing.T) {
	reply := `{"candidates":[{"content":{"parts":[{"text":"` + "```json\\n{\\\"summary\\\":\\\"s\\\"}\\n```" + `"}]},"finishReason":"STOP"}],
		"usageMetadata":{"promptTokenCount":120,"candidatesTokenCount":30}}`
	server, c := captureServer(t, http.StatusOK, reply)
	b := newTestBackend(t, "gemini", server.URL)

	resp, err := b.Complete(context.Background(), Request{System: "sys", Prompt: "hello", Schema: summarySchema, MaxOutputTokens: 100})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	path, header, body := c.get()
	if resp.Text != `{"summary":"s"}` {
		t.Errorf("fences not stripped: %q", resp.Text)
	}
	if resp.InputTokens != 120 || resp.OutputTokens != 30 {
		t.Errorf("unexpected token counts %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if path != "/models/gemini-2.0-flash:generateContent" {
		t.Errorf("unexpected path %s", path)
	}
	if header.Get("x-goog-api-key") != "test-key" {
		t.Error("API key header missing")
	}

	cfg := body["generationConfig"].(map[string]any)
	if cfg["responseMimeType"] != "application/json" {
		t.Errorf("unexpected mime type %v", cfg["responseMimeType"])
	}
	schema := cfg["responseSchema"].(map[string]any)
	if schema["type"] != "OBJECT" {
		t.Errorf("schema type not uppercased: %v", schema["type"])
	}
	if _, present := schema["additionalProperties"]; present {
		t.Error("additionalProperties should be dropped")
	}
	topics := schema["properties"].(map[string]any)["topics"].(map[string]any)
	if topics["type"] != "ARRAY" || topics["items"].(map[string]any)["type"] != "STRING" {
		t.Errorf("nested types not uppercased: %v", topics)
	}
}

func TestOpenAIBackend(t *testing.T) {
	reply := `{"model":"gpt-4o-mini-2024","choices":[{"message":{"content":"{\"summary\":\"s\"}"},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":50,"completion_tokens":20}}`
	server, c := captureServer(t, http.StatusOK, reply)
	b := newTestBackend(t, "openai", server.URL)

	resp, err := b.Complete(context.Background(), Request{System: "sys", Prompt: "hello", Schema: summarySchema})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	path, header, body := c.get()
	if resp.Text != `{"summary":"s"}` || resp.Model != "gpt-4o-mini-2024" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.TotalTokens() != 70 {
		t.Errorf("expected 70 tokens, got %d", resp.TotalTokens())
	}
	if path != "/chat/completions" {
		t.Errorf("unexpected path %s", path)
	}
	if header.Get("Authorization") != "Bearer test-key" {
		t.Error("bearer token missing")
	}
	messages := body["messages"].([]any)
	if len(messages) != 2 || messages[0].(map[string]any)["role"] != "system" {
		t.Errorf("unexpected messages %v", messages)
	}
	format := body["response_format"].(map[string]any)
	if format["type"] != "json_schema" {
		t.Errorf("unexpected response format %v", format)
	}
}

func TestAnthropicBackend(t *testing.T) {
	reply := `{"model":"claude-sonnet-4-20250514","content":[{"type":"text","text":"{\"summary\":\"s\"}"}],
		"stop_reason":"end_turn","usage":{"input_tokens":80,"output_tokens":25}}`
	server, c := captureServer(t, http.StatusOK, reply)
	b := newTestBackend(t, "anthropic", server.URL)

	resp, err := b.Complete(context.Background(), Request{System: "sys", Prompt: "hello", Schema: summarySchema})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	path, header, body := c.get()
	if resp.Text != `{"summary":"s"}` || resp.InputTokens != 80 || resp.OutputTokens != 25 {
		t.Errorf("unexpected response %+v", resp)
	}
	if path != "/messages" {
		t.Errorf("unexpected path %s", path)
	}
	if header.Get("x-api-key") != "test-key" || header.Get("anthropic-version") != anthropicVersion {
		t.Error("auth headers missing")
	}
	if body["system"] != "sys" {
		t.Errorf("system prompt not sent: %v", body["system"])
	}
	content := body["messages"].([]any)[0].(map[string]any)["content"].(string)
	if !strings.HasPrefix(content, "hello") || !strings.Contains(content, `"summary"`) {
		t.Errorf("schema not embedded in prompt: %q", content)
	}
}

func TestBackendHTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		body   string
		kind   Kind
		msg    string
	}{
		{http.StatusTooManyRequests, `{"error":{"message":"quota exceeded"}}`, KindRateLimit, "quota exceeded"},
		{http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, KindAuth, "bad key"},
		{http.StatusServiceUnavailable, `overloaded`, KindServer, "overloaded"},
		{http.StatusBadRequest, `{"error":"bad schema"}`, KindBadRequest, "bad schema"},
	}
	for _, tt := range tests {
		server, _ := captureServer(t, tt.status, tt.body)
		b := newTestBackend(t, "openai", server.URL)

		_, err := b.Complete(context.Background(), Request{Prompt: "hello"})
		var llmErr *Error
		if !errors.As(err, &llmErr) {
			t.Fatalf("%d: expected *Error, got %v", tt.status, err)
		}
		if llmErr.Kind != tt.kind || llmErr.StatusCode != tt.status {
			t.Errorf("%d: got kind %s status %d", tt.status, llmErr.Kind, llmErr.StatusCode)
		}
		if !strings.Contains(err.Error(), tt.msg) {
			t.Errorf("%d: message %q missing from %v", tt.status, tt.msg, err)
		}
	}
}

func TestBackendEmptyOutputIsInvalid(t *testing.T) {
	server, _ := captureServer(t, http.StatusOK, `{"candidates":[]}`)
	b := newTestBackend(t, "gemini", server.URL)

	_, err := b.Complete(context.Background(), Request{Prompt: "hello"})
	if KindOf(err) != KindInvalidOutput {
		t.Errorf("expected invalid output, got %v", err)
	}
}

func TestStatusKind(t *testing.T) {
	tests := map[int]Kind{
		408: KindTimeout,
		429: KindRateLimit,
		500: KindServer,
		502: KindServer,
		529: KindServer,
		401: KindAuth,
		403: KindAuth,
		400: KindBadRequest,
		404: KindBadRequest,
		422: KindBadRequest,
	}
	for code, want := range tests {
		if got := StatusKind(code); got != want {
			t.Errorf("StatusKind(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestNewBackend(t *testing.T) {
	if _, err := NewBackend(BackendConfig{Provider: "mistral", APIKey: "k"}); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
	if _, err := NewBackend(BackendConfig{Provider: "openai"}); err == nil {
		t.Error("expected error for missing API key")
	}
	b, err := NewBackend(BackendConfig{Provider: "Anthropic", APIKey: "k"})
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	if b.Name() != "anthropic" || b.Model() != DefaultModels["anthropic"] {
		t.Errorf("unexpected backend %s/%s", b.Name(), b.Model())
	}
}

func TestCleanJSON(t *testing.T) {
	tests := map[string]string{
		`{"a":1}`:                  `{"a":1}`,
		"```json\n{\"a\":1}\n```":  `{"a":1}`,
		"```\n{\"a\":1}\n```":      `{"a":1}`,
		"  \n{\"a\":1}\n  ":        `{"a":1}`,
		"```JSON\n[1, 2]\n```\n\n": `[1, 2]`,
	}
	for in, want := range tests {
		if got := cleanJSON(in); got != want {
			t.Errorf("cleanJSON(%q) = %q, want %q", in, got, want)
		}
	}
}
