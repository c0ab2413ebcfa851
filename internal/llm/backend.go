// Package llm talks to the hosted language models that write summaries and
// digests. Backends speak one provider's wire format each; Generator wraps a
// backend with retry, rate limiting and a circuit breaker.
package llm

import (
	"context"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

// Schema is a JSON Schema object describing the expected response. Types use
// the lowercase JSON Schema spelling; backends translate as needed.
type Schema map[string]any

type Request struct {
	System          string
	Prompt          string
	Schema          Schema
	MaxOutputTokens int
}

type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

func (r *Response) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// Backend is one provider's API. The set of backends is closed; use
// NewBackend to obtain one.
type Backend interface {
	// Name is the provider name: gemini, openai or anthropic.
	Name() string
	Model() string
	Complete(ctx context.Context, req Request) (*Response, error)

	backend()
}

func newClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
}

// post sends body as JSON and decodes a 2xx reply into out. Every failure
// comes back as an *Error.
func post(ctx context.Context, c *resty.Client, provider, path string, headers map[string]string, body, out any) error {
	resp, err := c.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		Post(path)
	if err != nil {
		return transportError(provider, err)
	}
	if resp.IsError() {
		return httpError(provider, resp.StatusCode(), resp.Body())
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return invalidOutput(provider, "decode response envelope: %w", err)
	}
	return nil
}

// cleanJSON strips the markdown fences some models wrap around JSON output.
func cleanJSON(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
