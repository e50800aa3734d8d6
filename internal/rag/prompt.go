package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/abhi9avx/cognigraph-ai/internal/middleware"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/rs/zerolog/log"
)

// Retriever returns the k chunks most similar to query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]models.SearchResult, error)
}

const contextPromptFormat = "You are a helpful assistant that can answer questions about %s. please check the context and answer the question. %s"

// ContextPrompt renders the retrieval-augmented system prompt for topic.
func ContextPrompt(topic string, results []models.SearchResult) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = r.Doc.Content
	}
	return fmt.Sprintf(contextPromptFormat, topic, strings.Join(parts, "\n"))
}

// NewContextPromptFunc returns a dynamic prompt that searches r with the
// latest user message and puts the retrieved chunks into the system prompt.
// k <= 0 uses DefaultTopK.
func NewContextPromptFunc(r Retriever, topic string, k int) middleware.PromptFunc {
	if k <= 0 {
		k = DefaultTopK
	}
	return func(ctx context.Context, req *models.ModelRequest) (string, error) {
		query := lastUserMessage(req.Messages)
		if query == "" {
			return ContextPrompt(topic, nil), nil
		}
		results, err := r.Retrieve(ctx, query, k)
		if err != nil {
			return "", fmt.Errorf("retrieve context: %w", err)
		}
		log.Debug().Int("chunks", len(results)).Str("thread_id", req.Invocation.ThreadID).Msg("Context retrieved for prompt")
		return ContextPrompt(topic, results), nil
	}
}

func lastUserMessage(msgs []models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
