package llm

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type geminiBackend struct {
	client *resty.Client
	apiKey string
	model  string
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
	ResponseSchema   Schema  `json:"responseSchema,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	Temperature      float64 `json:"temperature"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (b *geminiBackend) Name() string  { return "gemini" }
func (b *geminiBackend) Model() string { return b.model }
func (b *geminiBackend) backend()      {}

func (b *geminiBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: req.MaxOutputTokens,
			Temperature:     0.3,
		},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if req.Schema != nil {
		body.GenerationConfig.ResponseMimeType = "application/json"
		body.GenerationConfig.ResponseSchema = geminiSchema(req.Schema)
	}

	var out geminiResponse
	path := "/models/" + url.PathEscape(b.model) + ":generateContent"
	if err := post(ctx, b.client, b.Name(), path, map[string]string{"x-goog-api-key": b.apiKey}, body, &out); err != nil {
		return nil, err
	}

	if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
		return nil, &Error{Kind: KindBadRequest, Provider: b.Name(),
			Err: fmt.Errorf("prompt blocked: %s", out.PromptFeedback.BlockReason)}
	}
	if len(out.Candidates) == 0 {
		return nil, invalidOutput(b.Name(), "no candidates in response")
	}
	var text strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	if text.Len() == 0 {
		return nil, invalidOutput(b.Name(), "empty candidate (finish reason %s)", out.Candidates[0].FinishReason)
	}

	model := out.ModelVersion
	if model == "" {
		model = b.model
	}
	return &Response{
		Text:         cleanJSON(text.String()),
		Model:        model,
		InputTokens:  out.UsageMetadata.PromptTokenCount,
		OutputTokens: out.UsageMetadata.CandidatesTokenCount,
	}, nil
}

// geminiSchema converts a JSON Schema to Gemini's OpenAPI subset: type names
// are uppercase and additionalProperties is not accepted.
func geminiSchema(s Schema) Schema {
	out := make(Schema, len(s))
	for k, v := range s {
		switch k {
		case "additionalProperties":
			continue
		case "type":
			if t, ok := v.(string); ok {
				out[k] = strings.ToUpper(t)
				continue
			}
		}
		out[k] = geminiValue(v)
	}
	return out
}

func geminiValue(v any) any {
	switch val := v.(type) {
	case Schema:
		return geminiSchema(val)
	case map[string]any:
		return geminiSchema(Schema(val))
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = geminiValue(item)
		}
		return items
	default:
		return v
	}
}
