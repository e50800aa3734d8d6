package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/google/uuid"
)

// ── Google Generative AI (Gemini) Provider ──────────────────

// GeminiDriver calls the Gemini generateContent REST API.
type GeminiDriver struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// GeminiOption configures a GeminiDriver.
type GeminiOption func(*GeminiDriver)

// WithGeminiEndpoint overrides the base URL.
func WithGeminiEndpoint(endpoint string) GeminiOption {
	return func(d *GeminiDriver) { d.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithGeminiHTTPClient sets the HTTP client.
func WithGeminiHTTPClient(c *http.Client) GeminiOption {
	return func(d *GeminiDriver) { d.client = c }
}

// NewGeminiDriver creates the "google-genai" driver.
func NewGeminiDriver(apiKey string, opts ...GeminiOption) *GeminiDriver {
	d := &GeminiDriver{
		endpoint: "https://generativelanguage.googleapis.com/v1beta",
		apiKey:   apiKey,
		client:   defaultHTTPClient,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *GeminiDriver) Kind() string { return "google-genai" }

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiGenerationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxOutputTokens  int             `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Tools             []geminiTool           `json:"tools,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// geminiSchemaDrops are JSON Schema keywords the Gemini schema dialect rejects.
var geminiSchemaDrops = []string{"$schema", "$id", "$defs", "additionalProperties"}

// sanitizeGeminiSchema removes unsupported keywords recursively.
func sanitizeGeminiSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(stripKeys(v))
	if err != nil {
		return raw
	}
	return out
}

func stripKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for _, k := range geminiSchemaDrops {
			delete(t, k)
		}
		for k, child := range t {
			t[k] = stripKeys(child)
		}
		if props, ok := t["properties"].(map[string]any); ok && len(props) == 0 {
			delete(t, "properties")
		}
		return t
	case []any:
		for i := range t {
			t[i] = stripKeys(t[i])
		}
		return t
	}
	return v
}

func toGeminiRequest(req *models.ModelRequest) geminiRequest {
	out := geminiRequest{
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Options.Temperature,
			MaxOutputTokens: req.Options.MaxTokens,
		},
	}

	system := req.SystemPrompt
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			// Gemini has a single system instruction; fold extra system messages into it.
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case models.RoleUser:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		case models.RoleAssistant:
			c := geminiContent{Role: "model"}
			if m.Content != "" {
				c.Parts = append(c.Parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if len(args) == 0 || args[0] != '{' {
					args = json.RawMessage("{}")
				}
				c.Parts = append(c.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args}})
			}
			if len(c.Parts) == 0 {
				c.Parts = []geminiPart{{Text: ""}}
			}
			out.Contents = append(out.Contents, c)
		case models.RoleTool:
			resp, _ := json.Marshal(map[string]string{"result": m.Content})
			part := geminiPart{FunctionResponse: &geminiFunctionResponse{Name: m.Name, Response: resp}}
			// consecutive tool results share one user turn
			if n := len(out.Contents); n > 0 && out.Contents[n-1].Role == "user" && out.Contents[n-1].Parts[0].FunctionResponse != nil {
				out.Contents[n-1].Parts = append(out.Contents[n-1].Parts, part)
				continue
			}
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{part}})
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  sanitizeGeminiSchema(t.Parameters),
			})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	if rf := req.ResponseFormat; rf != nil {
		if len(req.Tools) == 0 {
			out.GenerationConfig.ResponseMimeType = "application/json"
			out.GenerationConfig.ResponseSchema = sanitizeGeminiSchema(rf.Schema)
		} else {
			// JSON mode and function calling do not combine; describe the shape instead.
			if system != "" {
				system += "\n\n"
			}
			system += fmt.Sprintf("When you give your final answer, reply with only a JSON object matching this schema: %s", rf.Schema)
		}
	}

	if system != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	return out
}

// Generate sends one generateContent request.
func (d *GeminiDriver) Generate(ctx context.Context, model string, req *models.ModelRequest) (*models.GatewayResult, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", d.endpoint, model)
	headers := map[string]string{"x-goog-api-key": d.apiKey}

	var resp geminiResponse
	if err := postJSON(ctx, d.client, d.Kind(), model, url, headers, toGeminiRequest(req), &resp); err != nil {
		return nil, err
	}

	result := &models.GatewayResult{
		Kind:  models.ResultFinal,
		Model: d.Kind() + ":" + model,
		Usage: models.TokenUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		},
	}
	if len(resp.Candidates) == 0 {
		reason := resp.PromptFeedback.BlockReason
		if reason == "" {
			reason = "no candidates"
		}
		return nil, &contracts.GatewayError{Provider: d.Kind(), Model: model, Message: "empty response: " + reason}
	}
	cand := resp.Candidates[0]
	if len(cand.Content.Parts) == 0 {
		return nil, &contracts.GatewayError{Provider: d.Kind(), Model: model, Message: "empty candidate: finish reason " + cand.FinishReason}
	}

	var text strings.Builder
	for _, p := range cand.Content.Parts {
		if p.FunctionCall != nil {
			args := p.FunctionCall.Args
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:        uuid.NewString(),
				Name:      p.FunctionCall.Name,
				Arguments: args,
			})
			continue
		}
		text.WriteString(p.Text)
	}
	result.Text = text.String()
	if len(result.ToolCalls) > 0 {
		result.Kind = models.ResultToolCalls
		return result, nil
	}
	if req.ResponseFormat != nil && json.Valid([]byte(result.Text)) {
		result.Structured = json.RawMessage(result.Text)
	}
	return result, nil
}

// HealthCheck lists available models.
func (d *GeminiDriver) HealthCheck(ctx context.Context) error {
	return getOK(ctx, d.client, d.endpoint+"/models", map[string]string{"x-goog-api-key": d.apiKey})
}
