package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// GeminiDriver embeds text with the Gemini batchEmbedContents API.
// Default model text-embedding-004 (768d).
type GeminiDriver struct {
	apiKey    string
	model     string
	endpoint  string
	batchSize int
	client    *http.Client
}

// GeminiOption configures the Gemini driver.
type GeminiOption func(*GeminiDriver)

// WithGeminiEndpoint sets the API base, e.g. for a proxy.
func WithGeminiEndpoint(endpoint string) GeminiOption {
	return func(d *GeminiDriver) { d.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithGeminiHTTPClient replaces the HTTP client.
func WithGeminiHTTPClient(c *http.Client) GeminiOption {
	return func(d *GeminiDriver) { d.client = c }
}

// NewGeminiDriver creates a Gemini embedding driver.
func NewGeminiDriver(apiKey, model string, opts ...GeminiOption) *GeminiDriver {
	if model == "" {
		model = "text-embedding-004"
	}
	d := &GeminiDriver{
		apiKey:    apiKey,
		model:     strings.TrimPrefix(model, "models/"),
		endpoint:  "https://generativelanguage.googleapis.com/v1beta",
		batchSize: 100,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *GeminiDriver) Kind() string      { return "google-genai" }
func (d *GeminiDriver) Dimensions() int   { return 768 }
func (d *GeminiDriver) MaxBatchSize() int { return d.batchSize }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiEmbedRequest struct {
	Model   string `json:"model"`
	Content struct {
		Parts []geminiPart `json:"parts"`
	} `json:"content"`
}

type geminiBatchRequest struct {
	Requests []geminiEmbedRequest `json:"requests"`
}

type geminiBatchResponse struct {
	Embeddings []struct {
		Values []float64 `json:"values"`
	} `json:"embeddings"`
}

// Embed generates one vector per text.
func (d *GeminiDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > d.batchSize {
		return nil, fmt.Errorf("batch size %d exceeds max %d", len(texts), d.batchSize)
	}

	body := geminiBatchRequest{Requests: make([]geminiEmbedRequest, len(texts))}
	for i, t := range texts {
		body.Requests[i].Model = "models/" + d.model
		body.Requests[i].Content.Parts = []geminiPart{{Text: t}}
	}

	var result geminiBatchResponse
	url := fmt.Sprintf("%s/models/%s:batchEmbedContents", d.endpoint, d.model)
	if err := postJSON(ctx, d.client, d.Kind(), url, map[string]string{"x-goog-api-key": d.apiKey}, body, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini: expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}
	out := make([][]float64, len(texts))
	for i, e := range result.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

// HealthCheck embeds a test string.
func (d *GeminiDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, []string{"health check"})
	return err
}
