// Package models holds the data types shared by the agent runtime, the
// model gateway, the conversation store and the retrieval pipeline.
package models

import (
	"encoding/json"
	"time"
)

// ── Conversation ─────────────────────────────────────────────

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is one entry in a conversation log. Messages are append-only.
type Message struct {
	ID         string          `json:"id"`
	Role       Role            `json:"role"`
	Content    string          `json:"content"`
	Structured json.RawMessage `json:"structured,omitempty"`

	// Assistant messages that request tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Tool-role messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HasToolCalls reports whether the message is an assistant tool request.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Conversation is the ordered log of one thread.
type Conversation struct {
	ThreadID string    `json:"thread_id"`
	Messages []Message `json:"messages"`
}

// Summary condenses the prefix of a thread up to (but not including)
// message index Boundary.
type Summary struct {
	ThreadID  string    `json:"thread_id"`
	Boundary  int       `json:"boundary"`
	LastID    string    `json:"last_id"` // ID of the last summarized message
	Text      string    `json:"text"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// InvocationContext carries per-turn caller data to tools and middleware.
// It is read-only for the duration of a turn.
type InvocationContext struct {
	ThreadID string            `json:"thread_id,omitempty"`
	UserID   string            `json:"user_id,omitempty"`
	Values   map[string]string `json:"values,omitempty"`
}

// Value returns a caller-supplied value by key.
func (ic InvocationContext) Value(key string) (string, bool) {
	switch key {
	case "thread_id":
		return ic.ThreadID, ic.ThreadID != ""
	case "user_id":
		return ic.UserID, ic.UserID != ""
	}
	v, ok := ic.Values[key]
	return v, ok
}

// ── Tools ────────────────────────────────────────────────────

// ToolDescriptor is the form in which a tool is advertised to a model.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema
}

// ResponseFormat asks the model for structured output conforming to Schema.
type ResponseFormat struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// ── Model Gateway ────────────────────────────────────────────

// GenerationOptions are the sampling parameters of a model call.
type GenerationOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// ModelRequest is one call to the model gateway.
type ModelRequest struct {
	Model          string            `json:"model"` // "provider:model"
	SystemPrompt   string            `json:"system_prompt,omitempty"`
	Messages       []Message         `json:"messages"`
	Tools          []ToolDescriptor  `json:"tools,omitempty"`
	ResponseFormat *ResponseFormat   `json:"response_format,omitempty"`
	Invocation     InvocationContext `json:"invocation"`
	Options        GenerationOptions `json:"options"`

	// Committed is the number of leading Messages already persisted to the
	// thread. Messages past it belong to the turn in progress.
	Committed int `json:"-"`
}

// Clone returns a copy whose slices can be rewritten without touching the
// original request.
func (r *ModelRequest) Clone() *ModelRequest {
	out := *r
	out.Messages = append([]Message(nil), r.Messages...)
	out.Tools = append([]ToolDescriptor(nil), r.Tools...)
	return &out
}

// ResultKind distinguishes the two shapes a gateway reply can take.
type ResultKind string

const (
	ResultFinal     ResultKind = "final"
	ResultToolCalls ResultKind = "tool_calls"
)

// GatewayResult is either a final answer or a batch of tool call requests.
type GatewayResult struct {
	Kind       ResultKind      `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	Model      string          `json:"model"`
	Usage      TokenUsage      `json:"usage"`
	LatencyMs  int64           `json:"latency_ms"`
}

type TokenUsage struct {
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalTokens   int64   `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost_usd"`
}

// Add accumulates another usage record.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.TotalTokens += o.TotalTokens
	u.EstimatedCost += o.EstimatedCost
}

// UsageSummary aggregates token usage per model.
type UsageSummary struct {
	TotalCostUSD float64               `json:"total_cost_usd"`
	TotalTokens  int64                 `json:"total_tokens"`
	Calls        int64                 `json:"calls"`
	ByModel      map[string]TokenUsage `json:"by_model"`
}

// ── Retrieval ────────────────────────────────────────────────

// RawDocument is a single document to ingest.
type RawDocument struct {
	ID       string            `json:"id,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	MIMEType string            `json:"mime_type,omitempty"` // text/plain, application/pdf, etc.
}

// IngestRequest is the input to document ingestion.
type IngestRequest struct {
	Collection   string        `json:"collection,omitempty"`
	Documents    []RawDocument `json:"documents"`
	Sources      []string      `json:"sources,omitempty"` // file paths loaded server side
	ChunkSize    int           `json:"chunk_size,omitempty"`
	ChunkOverlap int           `json:"chunk_overlap,omitempty"`
	Namespace    string        `json:"namespace,omitempty"`
}

// IngestResult is the output of document ingestion.
type IngestResult struct {
	DocumentsProcessed int   `json:"documents_processed"`
	ChunksCreated      int   `json:"chunks_created"`
	VectorsStored      int   `json:"vectors_stored"`
	LatencyMs          int64 `json:"latency_ms"`
}

// RetrievalStrategy selects how a query is turned into vector searches.
type RetrievalStrategy string

const (
	RetrievalNaive      RetrievalStrategy = "naive"       // embed the question, search
	RetrievalHyDE       RetrievalStrategy = "hyde"        // embed a hypothetical answer
	RetrievalMultiQuery RetrievalStrategy = "multi_query" // decompose, search each, merge
)

// QueryRequest is a similarity search over a collection.
type QueryRequest struct {
	Collection string            `json:"collection,omitempty"`
	Question   string            `json:"question"`
	TopK       int               `json:"top_k,omitempty"`
	MinScore   float64           `json:"min_score,omitempty"`
	Namespace  string            `json:"namespace,omitempty"`
	Strategy   RetrievalStrategy `json:"strategy,omitempty"`
}

// QueryResult is the output of a similarity search.
type QueryResult struct {
	Sources         []SearchResult    `json:"sources"`
	Strategy        RetrievalStrategy `json:"strategy"`
	ChunksRetrieved int               `json:"chunks_retrieved"`
	LatencyMs       int64             `json:"latency_ms"`
}

// VectorDoc is a chunk stored in the vector index.
type VectorDoc struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Vector     []float64         `json:"vector"`
	Namespace  string            `json:"namespace,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// SearchResult is a single vector search result.
type SearchResult struct {
	Doc   VectorDoc `json:"doc"`
	Score float64   `json:"score"`
}
