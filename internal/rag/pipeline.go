package rag

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/abhi9avx/cognigraph-ai/internal/embeddings"
	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultTopK is the number of chunks a similarity search returns when the
// caller does not ask for a specific k.
const DefaultTopK = 4

// ErrEmptyQuestion is returned for blank queries.
var ErrEmptyQuestion = errors.New("question is required")

// Pipeline executes retrieval queries with the naive, HyDE and multi-query
// strategies.
type Pipeline struct {
	embeddings contracts.EmbeddingDriver
	vectorDB   contracts.VectorStoreDriver
	// gateway generates hypothetical answers and sub-questions. Can be nil
	// when only the naive strategy is used.
	gateway    contracts.Gateway
	model      string
	collection string
	topK       int
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithGateway enables the HyDE and multi-query strategies using model.
func WithGateway(gw contracts.Gateway, model string) PipelineOption {
	return func(p *Pipeline) {
		p.gateway = gw
		p.model = model
	}
}

// WithCollection sets the collection used when a request names none.
func WithCollection(name string) PipelineOption {
	return func(p *Pipeline) { p.collection = name }
}

// WithTopK sets the default number of results.
func WithTopK(k int) PipelineOption {
	return func(p *Pipeline) {
		if k > 0 {
			p.topK = k
		}
	}
}

// NewPipeline creates a retrieval pipeline.
func NewPipeline(emb contracts.EmbeddingDriver, vs contracts.VectorStoreDriver, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		embeddings: emb,
		vectorDB:   vs,
		collection: DefaultCollection,
		topK:       DefaultTopK,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Query executes a retrieval query using the requested strategy.
func (p *Pipeline) Query(ctx context.Context, req models.QueryRequest) (*models.QueryResult, error) {
	start := time.Now()
	if strings.TrimSpace(req.Question) == "" {
		return nil, ErrEmptyQuestion
	}
	if req.Collection == "" {
		req.Collection = p.collection
	}
	if req.TopK <= 0 {
		req.TopK = p.topK
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = models.RetrievalNaive
	}

	var (
		results []models.SearchResult
		err     error
	)
	switch strategy {
	case models.RetrievalNaive:
		results, err = p.naiveQuery(ctx, req)
	case models.RetrievalHyDE:
		results, err = p.hydeQuery(ctx, req)
	case models.RetrievalMultiQuery:
		results, err = p.multiQuery(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported retrieval strategy: %s", strategy)
	}
	if err != nil {
		return nil, err
	}

	// Apply score threshold
	if req.MinScore > 0 {
		filtered := results[:0]
		for _, r := range results {
			if r.Score >= req.MinScore {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}
	if results == nil {
		results = []models.SearchResult{}
	}

	elapsed := time.Since(start)
	log.Info().
		Str("strategy", string(strategy)).
		Int("results", len(results)).
		Dur("elapsed", elapsed).
		Str("collection", req.Collection).
		Msg("Retrieval query complete")

	return &models.QueryResult{
		Sources:         results,
		Strategy:        strategy,
		ChunksRetrieved: len(results),
		LatencyMs:       elapsed.Milliseconds(),
	}, nil
}

// Retrieve runs a naive similarity search over the default collection.
func (p *Pipeline) Retrieve(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	res, err := p.Query(ctx, models.QueryRequest{Question: query, TopK: k})
	if err != nil {
		return nil, err
	}
	return res.Sources, nil
}

// ── Strategy Implementations ────────────────────────────────

// naiveQuery: embed query → search → return top-k results.
func (p *Pipeline) naiveQuery(ctx context.Context, req models.QueryRequest) ([]models.SearchResult, error) {
	return p.search(ctx, req, req.Question, req.TopK)
}

func (p *Pipeline) search(ctx context.Context, req models.QueryRequest, text string, k int) ([]models.SearchResult, error) {
	vector, err := embeddings.EmbedOne(ctx, p.embeddings, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	var filter map[string]string
	if req.Namespace != "" {
		filter = map[string]string{"namespace": req.Namespace}
	}
	return p.vectorDB.Search(ctx, req.Collection, vector, k, filter)
}

// hydeQuery: generate hypothetical answer via the gateway, embed that, search.
func (p *Pipeline) hydeQuery(ctx context.Context, req models.QueryRequest) ([]models.SearchResult, error) {
	if p.gateway == nil {
		return nil, errors.New("hyde strategy requires a model gateway (not configured)")
	}
	prompt := fmt.Sprintf("Write a short, factual answer to this question. Do not explain, just answer:\n\nQuestion: %s\n\nAnswer:", req.Question)
	answer, err := p.complete(ctx, prompt)
	if err != nil {
		log.Warn().Err(err).Msg("HyDE: generation failed, falling back to naive")
		return p.naiveQuery(ctx, req)
	}
	if answer == "" {
		return p.naiveQuery(ctx, req)
	}
	return p.search(ctx, req, answer, req.TopK)
}

// multiQuery decomposes the question, runs each sub-question and merges the
// results by best score.
func (p *Pipeline) multiQuery(ctx context.Context, req models.QueryRequest) ([]models.SearchResult, error) {
	if p.gateway == nil {
		return nil, errors.New("multi_query strategy requires a model gateway (not configured)")
	}
	prompt := fmt.Sprintf(`Decompose this question into 2-3 simpler sub-questions that can be independently searched. Return only the sub-questions, one per line, no numbering:

Question: %s

Sub-questions:`, req.Question)
	text, err := p.complete(ctx, prompt)
	if err != nil {
		log.Warn().Err(err).Msg("Multi-query: decomposition failed, falling back to naive")
		return p.naiveQuery(ctx, req)
	}

	subQueries := parseSubQueries(text)
	if len(subQueries) == 0 {
		subQueries = []string{req.Question}
	}
	perQueryK := req.TopK
	if len(subQueries) > 1 {
		perQueryK = max(req.TopK/len(subQueries), 2)
	}

	best := make(map[string]int)
	var merged []models.SearchResult
	var lastErr error
	failed := 0
	for _, sq := range subQueries {
		results, err := p.search(ctx, req, sq, perQueryK)
		if err != nil {
			log.Warn().Err(err).Str("sub_query", sq).Msg("Multi-query: sub-query failed, skipping")
			lastErr = err
			failed++
			continue
		}
		for _, r := range results {
			if i, ok := best[r.Doc.ID]; ok {
				if r.Score > merged[i].Score {
					merged[i] = r
				}
				continue
			}
			best[r.Doc.ID] = len(merged)
			merged = append(merged, r)
		}
	}

	if len(merged) == 0 && failed == len(subQueries) {
		return nil, fmt.Errorf("multi-query: all %d sub-queries failed: %w", failed, lastErr)
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > req.TopK {
		merged = merged[:req.TopK]
	}
	return merged, nil
}

func (p *Pipeline) complete(ctx context.Context, prompt string) (string, error) {
	res, err := p.gateway.Generate(ctx, &models.ModelRequest{
		Model:    p.model,
		Messages: []models.Message{{Role: models.RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Text), nil
}

// ── Helpers ─────────────────────────────────────────────────

var listMarker = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s*`)

// parseSubQueries extracts non-empty lines from a model response, dropping
// list markers like "1.", "- " and "* ".
func parseSubQueries(text string) []string {
	var queries []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(listMarker.ReplaceAllString(strings.TrimSpace(line), ""))
		if line != "" {
			queries = append(queries, line)
		}
	}
	return queries
}
