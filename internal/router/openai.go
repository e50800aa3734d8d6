package router

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/google/uuid"
)

// ── OpenAI-compatible Provider ──────────────────────────────

// OpenAIDriver speaks the chat completions protocol. It serves OpenAI
// proper and any compatible endpoint (Ollama ships one under /v1).
type OpenAIDriver struct {
	kind     string
	endpoint string
	apiKey   string
	client   *http.Client
}

// OpenAIOption configures an OpenAIDriver.
type OpenAIOption func(*OpenAIDriver)

// WithOpenAIEndpoint overrides the base URL (default https://api.openai.com/v1).
func WithOpenAIEndpoint(endpoint string) OpenAIOption {
	return func(d *OpenAIDriver) { d.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithOpenAIHTTPClient sets the HTTP client.
func WithOpenAIHTTPClient(c *http.Client) OpenAIOption {
	return func(d *OpenAIDriver) { d.client = c }
}

// NewOpenAIDriver creates the "openai" driver.
func NewOpenAIDriver(apiKey string, opts ...OpenAIOption) *OpenAIDriver {
	d := &OpenAIDriver{
		kind:     "openai",
		endpoint: "https://api.openai.com/v1",
		apiKey:   apiKey,
		client:   defaultHTTPClient,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewOllamaDriver creates the "ollama" driver against Ollama's
// OpenAI-compatible endpoint. No API key is sent.
func NewOllamaDriver(endpoint string, opts ...OpenAIOption) *OpenAIDriver {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	d := &OpenAIDriver{
		kind:     "ollama",
		endpoint: strings.TrimRight(endpoint, "/") + "/v1",
		client:   defaultHTTPClient,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *OpenAIDriver) Kind() string { return d.kind }

type oaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    *string       `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
}

type oaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type oaiResponseFormat struct {
	Type       string `json:"type"`
	JSONSchema struct {
		Name   string          `json:"name"`
		Schema json.RawMessage `json:"schema"`
	} `json:"json_schema"`
}

type oaiRequest struct {
	Model          string             `json:"model"`
	Messages       []oaiMessage       `json:"messages"`
	Tools          []oaiTool          `json:"tools,omitempty"`
	Temperature    *float64           `json:"temperature,omitempty"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
	ResponseFormat *oaiResponseFormat `json:"response_format,omitempty"`
}

type oaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   *string       `json:"content"`
			ToolCalls []oaiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func strPtr(s string) *string { return &s }

func toOpenAIRequest(model string, req *models.ModelRequest) oaiRequest {
	out := oaiRequest{
		Model:       model,
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
	}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, oaiMessage{Role: "system", Content: strPtr(req.SystemPrompt)})
	}
	for _, m := range req.Messages {
		om := oaiMessage{Role: string(m.Role), ToolCallID: m.ToolCallID}
		if m.Content != "" || len(m.ToolCalls) == 0 {
			om.Content = strPtr(m.Content)
		}
		if m.Role == models.RoleTool {
			om.Name = m.Name
		}
		for _, tc := range m.ToolCalls {
			otc := oaiToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = string(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out.Messages = append(out.Messages, om)
	}
	for _, t := range req.Tools {
		ot := oaiTool{Type: "function"}
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, ot)
	}
	if rf := req.ResponseFormat; rf != nil {
		f := &oaiResponseFormat{Type: "json_schema"}
		f.JSONSchema.Name = rf.Name
		if f.JSONSchema.Name == "" {
			f.JSONSchema.Name = "response"
		}
		f.JSONSchema.Schema = rf.Schema
		out.ResponseFormat = f
	}
	return out
}

// Generate sends one chat completion request.
func (d *OpenAIDriver) Generate(ctx context.Context, model string, req *models.ModelRequest) (*models.GatewayResult, error) {
	headers := map[string]string{}
	if d.apiKey != "" {
		headers["Authorization"] = "Bearer " + d.apiKey
	}

	var resp oaiResponse
	if err := postJSON(ctx, d.client, d.kind, model, d.endpoint+"/chat/completions", headers, toOpenAIRequest(model, req), &resp); err != nil {
		return nil, err
	}

	result := &models.GatewayResult{
		Kind:  models.ResultFinal,
		Model: d.kind + ":" + model,
		Usage: models.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return nil, &contracts.GatewayError{Provider: d.kind, Model: model, Message: "empty response: no choices"}
	}
	msg := resp.Choices[0].Message
	if msg.Content == nil && len(msg.ToolCalls) == 0 {
		return nil, &contracts.GatewayError{Provider: d.kind, Model: model, Message: "empty choice: finish reason " + resp.Choices[0].FinishReason}
	}
	if msg.Content != nil {
		result.Text = *msg.Content
	}
	if len(msg.ToolCalls) > 0 {
		result.Kind = models.ResultToolCalls
		for _, tc := range msg.ToolCalls {
			id := tc.ID
			if id == "" {
				id = uuid.NewString()
			}
			args := json.RawMessage(tc.Function.Arguments)
			switch {
			case len(args) == 0:
				args = json.RawMessage("{}")
			case !json.Valid(args):
				// keep malformed arguments as a JSON string; validation rejects it
				args, _ = json.Marshal(tc.Function.Arguments)
			}
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{ID: id, Name: tc.Function.Name, Arguments: args})
		}
		return result, nil
	}
	if req.ResponseFormat != nil && json.Valid([]byte(result.Text)) {
		result.Structured = json.RawMessage(result.Text)
	}
	return result, nil
}

// HealthCheck lists models (OpenAI) or tags (Ollama).
func (d *OpenAIDriver) HealthCheck(ctx context.Context) error {
	if d.kind == "ollama" {
		return getOK(ctx, d.client, strings.TrimSuffix(d.endpoint, "/v1")+"/api/tags", nil)
	}
	return getOK(ctx, d.client, d.endpoint+"/models", map[string]string{"Authorization": "Bearer " + d.apiKey})
}
