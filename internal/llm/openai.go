package llm

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
)

const openAIBaseURL = "https://api.openai.com/v1"

type openAIBackend struct {
	client *resty.Client
	apiKey string
	model  string
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIJSONSchema struct {
	Name   string `json:"name"`
	Schema Schema `json:"schema"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIRequest struct {
	Model               string                `json:"model"`
	Messages            []openAIMessage       `json:"messages"`
	MaxCompletionTokens int                   `json:"max_completion_tokens,omitempty"`
	Temperature         float64               `json:"temperature"`
	ResponseFormat      *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (b *openAIBackend) Name() string  { return "openai" }
func (b *openAIBackend) Model() string { return b.model }
func (b *openAIBackend) backend()      {}

func (b *openAIBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	body := openAIRequest{
		Model:               b.model,
		MaxCompletionTokens: req.MaxOutputTokens,
		Temperature:         0.3,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, openAIMessage{Role: "user", Content: req.Prompt})
	if req.Schema != nil {
		body.ResponseFormat = &openAIResponseFormat{
			Type:       "json_schema",
			JSONSchema: &openAIJSONSchema{Name: "response", Schema: req.Schema},
		}
	}

	var out openAIResponse
	headers := map[string]string{"Authorization": "Bearer " + b.apiKey}
	if err := post(ctx, b.client, b.Name(), "/chat/completions", headers, body, &out); err != nil {
		return nil, err
	}

	if len(out.Choices) == 0 {
		return nil, invalidOutput(b.Name(), "no choices in response")
	}
	choice := out.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, &Error{Kind: KindBadRequest, Provider: b.Name(), Err: fmt.Errorf("model refused: %s", choice.Message.Refusal)}
	}
	if choice.Message.Content == "" {
		return nil, invalidOutput(b.Name(), "empty message (finish reason %s)", choice.FinishReason)
	}

	model := out.Model
	if model == "" {
		model = b.model
	}
	return &Response{
		Text:         cleanJSON(choice.Message.Content),
		Model:        model,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}
