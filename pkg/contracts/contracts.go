// Package contracts defines the service interfaces of the CogniGraph runtime.
//
// The agent, executor and HTTP layer depend only on these interfaces, so a
// model provider, conversation backend or vector store can be swapped in the
// wiring code (pkg/server, cmd/*) without touching the turn logic.
package contracts

import (
	"context"

	"github.com/abhi9avx/cognigraph-ai/pkg/models"
)

// ── Model Gateway ───────────────────────────────────────────

// Gateway turns a ModelRequest into either a final answer or a batch of
// tool call requests.
// Implementation: internal/router.ModelRouter
// Test double: internal/router/routertest.ScriptedGateway
type Gateway interface {
	Generate(ctx context.Context, req *models.ModelRequest) (*models.GatewayResult, error)
}

// ProviderDriver is the interface for model provider integrations.
// Ships: openai, google-genai, ollama.
//
// Drivers are registered in the Model Router via RegisterDriver(). The
// router strips the "provider:" prefix before calling Generate.
type ProviderDriver interface {
	// Kind returns the provider identifier (e.g., "openai", "google-genai").
	Kind() string

	// Generate sends one chat request for the given bare model name.
	Generate(ctx context.Context, model string, req *models.ModelRequest) (*models.GatewayResult, error)

	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// ── Conversation Store ──────────────────────────────────────

// ConversationStore persists per-thread message logs.
// Implementations: internal/sessions.MemoryStore, internal/sessions.SQLiteStore
type ConversationStore interface {
	// Append adds msgs to the end of the thread log. All or nothing.
	Append(ctx context.Context, threadID string, msgs []models.Message) error

	// Load returns the thread log in order. Unseen threads yield an empty log.
	Load(ctx context.Context, threadID string) ([]models.Message, error)

	// Threads lists known thread ids.
	Threads(ctx context.Context) ([]string, error)
}

// SummaryStore records conversation summaries so later turns can reuse them.
// Optional: stores that implement it are picked up by the summarization stage.
type SummaryStore interface {
	SaveSummary(ctx context.Context, s models.Summary) error

	// LoadSummary returns nil when the thread has no summary.
	LoadSummary(ctx context.Context, threadID string) (*models.Summary, error)
}

// ── Retrieval ───────────────────────────────────────────────

// EmbeddingDriver turns text into vectors.
// Ships: openai, ollama, google-genai.
type EmbeddingDriver interface {
	Kind() string
	Dimensions() int
	MaxBatchSize() int
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	HealthCheck(ctx context.Context) error
}

// VectorStoreDriver stores and searches embedded chunks, partitioned by
// collection.
// Ships: embedded (in-memory brute force), pgvector.
type VectorStoreDriver interface {
	Kind() string
	Upsert(ctx context.Context, collection string, docs []models.VectorDoc) error
	Search(ctx context.Context, collection string, vector []float64, topK int, filter map[string]string) ([]models.SearchResult, error)
	Delete(ctx context.Context, collection string, ids []string) error
	Count(ctx context.Context, collection string) (int, error)
	HealthCheck(ctx context.Context) error
}

// DocumentLoader reads a source into raw documents (one per page or file).
type DocumentLoader interface {
	Load(ctx context.Context, source string) ([]models.RawDocument, error)
}
