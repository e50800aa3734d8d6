package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abhi9avx/cognigraph-ai/internal/router"
	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDriver is a test ProviderDriver.
type mockDriver struct {
	kind   string
	calls  atomic.Int32
	failN  int32
	status int
	delay  time.Duration
}

func (d *mockDriver) Kind() string { return d.kind }
func (d *mockDriver) Generate(ctx context.Context, model string, req *models.ModelRequest) (*models.GatewayResult, error) {
	n := d.calls.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= d.failN {
		return nil, &contracts.GatewayError{Provider: d.kind, Model: model, StatusCode: d.status, Message: "boom"}
	}
	return &models.GatewayResult{
		Kind:  models.ResultFinal,
		Text:  "mock response from " + d.kind + "/" + model,
		Usage: models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}
func (d *mockDriver) HealthCheck(ctx context.Context) error { return nil }

func newTestRouter(t *testing.T, drivers ...*mockDriver) *router.ModelRouter {
	t.Helper()
	mr := router.NewModelRouter(router.WithRetries(2, time.Millisecond))
	for _, d := range drivers {
		mr.RegisterDriver(d)
	}
	return mr
}

func TestParseModelID(t *testing.T) {
	tests := []struct {
		id, provider, model string
	}{
		{"google-genai:gemini-2.5-flash", "google-genai", "gemini-2.5-flash"},
		{"openai:gpt-4o-mini", "openai", "gpt-4o-mini"},
		{"ollama:llama3.2:3b", "ollama", "llama3.2:3b"},
		{"gemini-2.5-flash", "google-genai", "gemini-2.5-flash"},
	}
	for _, tt := range tests {
		p, m := router.ParseModelID(tt.id, router.DefaultProvider)
		if p != tt.provider || m != tt.model {
			t.Errorf("ParseModelID(%q) = (%q, %q), want (%q, %q)", tt.id, p, m, tt.provider, tt.model)
		}
	}
}

func TestGenerate_RoutesByPrefix(t *testing.T) {
	a := &mockDriver{kind: "openai"}
	b := &mockDriver{kind: "google-genai"}
	mr := newTestRouter(t, a, b)

	res, err := mr.Generate(context.Background(), &models.ModelRequest{Model: "openai:gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "mock response from openai/gpt-4o-mini", res.Text)
	assert.Equal(t, "openai:gpt-4o-mini", res.Model)

	res, err = mr.Generate(context.Background(), &models.ModelRequest{Model: "gemini-2.5-flash"})
	require.NoError(t, err)
	assert.Equal(t, "mock response from google-genai/gemini-2.5-flash", res.Text)
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestGenerate_UnknownProvider(t *testing.T) {
	mr := newTestRouter(t)
	_, err := mr.Generate(context.Background(), &models.ModelRequest{Model: "anthropic:claude"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrGateway))
}

func TestGenerate_RetriesTransientFailures(t *testing.T) {
	d := &mockDriver{kind: "openai", failN: 2, status: http.StatusServiceUnavailable}
	mr := newTestRouter(t, d)

	_, err := mr.Generate(context.Background(), &models.ModelRequest{Model: "openai:gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), d.calls.Load())
}

func TestGenerate_DoesNotRetryClientErrors(t *testing.T) {
	d := &mockDriver{kind: "openai", failN: 5, status: http.StatusBadRequest}
	mr := newTestRouter(t, d)

	_, err := mr.Generate(context.Background(), &models.ModelRequest{Model: "openai:gpt-4o"})
	require.Error(t, err)
	assert.Equal(t, contracts.KindGateway, contracts.KindOf(err))
	assert.Equal(t, int32(1), d.calls.Load())
}

func TestGenerate_DeadlineIsTimeout(t *testing.T) {
	d := &mockDriver{kind: "openai", delay: time.Second}
	mr := newTestRouter(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := mr.Generate(ctx, &models.ModelRequest{Model: "openai:gpt-4o"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrTimeout), "got %v", err)
}

func TestUsageSummary(t *testing.T) {
	d := &mockDriver{kind: "openai"}
	mr := newTestRouter(t, d)

	for i := 0; i < 3; i++ {
		_, err := mr.Generate(context.Background(), &models.ModelRequest{Model: "openai:gpt-4o-mini"})
		require.NoError(t, err)
	}
	sum := mr.UsageSummary()
	assert.Equal(t, int64(3), sum.Calls)
	assert.Equal(t, int64(45), sum.TotalTokens)
	assert.Equal(t, int64(30), sum.ByModel["openai:gpt-4o-mini"].InputTokens)
	assert.Greater(t, sum.TotalCostUSD, 0.0)
}

func TestRegisterDriver_Overrides(t *testing.T) {
	mr := newTestRouter(t, &mockDriver{kind: "openai"})
	replacement := &mockDriver{kind: "openai"}
	mr.RegisterDriver(replacement)

	_, err := mr.Generate(context.Background(), &models.ModelRequest{Model: "openai:gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), replacement.calls.Load())
	assert.Equal(t, []string{"openai"}, mr.ListDrivers())
}

func TestHealthCheck(t *testing.T) {
	mr := newTestRouter(t, &mockDriver{kind: "openai"}, &mockDriver{kind: "ollama"})
	status := mr.HealthCheck(context.Background())
	assert.Equal(t, map[string]string{"openai": "healthy", "ollama": "healthy"}, status)
}

// ── Driver wire tests ───────────────────────────────────────

func TestOpenAIDriver_ToolCallsAndToolMessages(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"id":"x","choices":[{"message":{"content":null,"tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"bangalore\"}"}},
			{"id":"call_2","type":"function","function":{"name":"get_time","arguments":"{bad"}}
		]},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19}}`))
	}))
	defer srv.Close()

	d := router.NewOpenAIDriver("sk-test", router.WithOpenAIEndpoint(srv.URL+"/v1"))
	res, err := d.Generate(context.Background(), "gpt-4o-mini", &models.ModelRequest{
		SystemPrompt: "be brief",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "weather?"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c0", Name: "get_user_location", Arguments: json.RawMessage(`{}`)}}},
			{Role: models.RoleTool, ToolCallID: "c0", Name: "get_user_location", Content: "bangalore"},
		},
		Tools: []models.ToolDescriptor{{Name: "get_weather", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	require.NoError(t, err)

	assert.Equal(t, models.ResultToolCalls, res.Kind)
	require.Len(t, res.ToolCalls, 2)
	assert.Equal(t, "call_1", res.ToolCalls[0].ID)
	assert.JSONEq(t, `{"city":"bangalore"}`, string(res.ToolCalls[0].Arguments))
	assert.JSONEq(t, `"{bad"`, string(res.ToolCalls[1].Arguments))
	assert.Equal(t, int64(19), res.Usage.TotalTokens)

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Nil(t, msgs[2].(map[string]any)["content"])
	assert.Equal(t, "c0", msgs[3].(map[string]any)["tool_call_id"])
}

func TestOpenAIDriver_StatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := router.NewOpenAIDriver("k", router.WithOpenAIEndpoint(srv.URL))
	_, err := d.Generate(context.Background(), "gpt-4o", &models.ModelRequest{})
	var ge *contracts.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, http.StatusTooManyRequests, ge.StatusCode)
	assert.True(t, ge.Retryable())
}

func TestGeminiDriver_StructuredOutput(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"humor_response\":\"hot!\",\"weather_response\":\"27\"}"}]}}],
			"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":4,"totalTokenCount":12}}`))
	}))
	defer srv.Close()

	d := router.NewGeminiDriver("g-key", router.WithGeminiEndpoint(srv.URL+"/v1beta"))
	res, err := d.Generate(context.Background(), "gemini-2.5-flash", &models.ModelRequest{
		SystemPrompt: "forecaster",
		Messages:     []models.Message{{Role: models.RoleUser, Content: "weather?"}},
		ResponseFormat: &models.ResponseFormat{Name: "weather", Schema: json.RawMessage(
			`{"type":"object","properties":{"humor_response":{"type":"string"},"weather_response":{"type":"string"}},"additionalProperties":false}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ResultFinal, res.Kind)
	assert.JSONEq(t, `{"humor_response":"hot!","weather_response":"27"}`, string(res.Structured))

	cfg := got["generationConfig"].(map[string]any)
	assert.Equal(t, "application/json", cfg["responseMimeType"])
	assert.NotContains(t, cfg["responseSchema"].(map[string]any), "additionalProperties")
	assert.NotNil(t, got["systemInstruction"])
}

func TestGeminiDriver_FunctionCalls(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[
			{"functionCall":{"name":"get_weather","args":{"city":"bangalore"}}},
			{"functionCall":{"name":"get_time","args":{"city":"bangalore"}}}]}}]}`))
	}))
	defer srv.Close()

	d := router.NewGeminiDriver("g", router.WithGeminiEndpoint(srv.URL))
	res, err := d.Generate(context.Background(), "gemini-2.5-flash-lite", &models.ModelRequest{
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "weather and time?"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "1", Name: "a", Arguments: json.RawMessage(`{}`)},
				{ID: "2", Name: "b", Arguments: json.RawMessage(`{}`)},
			}},
			{Role: models.RoleTool, ToolCallID: "1", Name: "a", Content: "x"},
			{Role: models.RoleTool, ToolCallID: "2", Name: "b", Content: "y"},
		},
		Tools: []models.ToolDescriptor{{Name: "get_weather", Parameters: json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ResultToolCalls, res.Kind)
	require.Len(t, res.ToolCalls, 2)
	assert.NotEmpty(t, res.ToolCalls[0].ID)
	assert.Equal(t, "get_time", res.ToolCalls[1].Name)

	contents := got["contents"].([]any)
	require.Len(t, contents, 3, "tool results share one user turn")
	last := contents[2].(map[string]any)
	assert.Len(t, last["parts"], 2)
}

func TestDrivers_EmptyRepliesAreGatewayErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		driver  func(url string) contracts.ProviderDriver
		message string
	}{
		{
			name:    "gemini blocked prompt",
			body:    `{"promptFeedback":{"blockReason":"SAFETY"},"candidates":[]}`,
			driver:  func(url string) contracts.ProviderDriver { return router.NewGeminiDriver("g", router.WithGeminiEndpoint(url)) },
			message: "SAFETY",
		},
		{
			name:    "gemini candidate without parts",
			body:    `{"candidates":[{"content":{"role":"model"},"finishReason":"RECITATION"}]}`,
			driver:  func(url string) contracts.ProviderDriver { return router.NewGeminiDriver("g", router.WithGeminiEndpoint(url)) },
			message: "RECITATION",
		},
		{
			name:    "openai no choices",
			body:    `{"id":"x","choices":[]}`,
			driver:  func(url string) contracts.ProviderDriver { return router.NewOpenAIDriver("k", router.WithOpenAIEndpoint(url)) },
			message: "no choices",
		},
		{
			name:    "openai filtered choice",
			body:    `{"id":"x","choices":[{"message":{"content":null},"finish_reason":"content_filter"}]}`,
			driver:  func(url string) contracts.ProviderDriver { return router.NewOpenAIDriver("k", router.WithOpenAIEndpoint(url)) },
			message: "content_filter",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			res, err := tt.driver(srv.URL).Generate(context.Background(), "m", &models.ModelRequest{
				Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
			})
			assert.Nil(t, res)
			var ge *contracts.GatewayError
			require.ErrorAs(t, err, &ge)
			assert.Contains(t, ge.Message, tt.message)
			assert.False(t, ge.Retryable())
			assert.ErrorIs(t, err, contracts.ErrGateway)
		})
	}
}
