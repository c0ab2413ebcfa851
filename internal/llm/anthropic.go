package llm

import (
	"context"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

type anthropicBackend struct {
	client *resty.Client
	apiKey string
	model  string
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (b *anthropicBackend) Name() string  { return "anthropic" }
func (b *anthropicBackend) Model() string { return b.model }
func (b *anthropicBackend) backend()      {}

func (b *anthropicBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := req.Prompt
	if req.Schema != nil {
		// The messages API has no structured output mode; the schema rides
		// along in the prompt.
		schemaJSON, err := json.MarshalIndent(req.Schema, "", "  ")
		if err != nil {
			return nil, &Error{Kind: KindBadRequest, Provider: b.Name(), Err: err}
		}
		prompt += "\n\nRespond with a single JSON object that matches this JSON Schema, and nothing else:\n" +
			string(schemaJSON)
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := anthropicRequest{
		Model:       b.model,
		System:      req.System,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: 0.3,
	}

	var out anthropicResponse
	headers := map[string]string{
		"x-api-key":         b.apiKey,
		"anthropic-version": anthropicVersion,
	}
	if err := post(ctx, b.client, b.Name(), "/messages", headers, body, &out); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, invalidOutput(b.Name(), "no text content (stop reason %s)", out.StopReason)
	}

	model := out.Model
	if model == "" {
		model = b.model
	}
	return &Response{
		Text:         cleanJSON(text.String()),
		Model:        model,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, nil
}
