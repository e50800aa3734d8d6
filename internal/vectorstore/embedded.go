package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultMaxVectors is the default cap for the embedded store (50K).
const DefaultMaxVectors = 50_000

// EmbeddedStore is an in-memory vector store using brute-force cosine
// similarity. Suitable for development and small corpora; use pgvector for
// anything durable.
type EmbeddedStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]*models.VectorDoc // collection → id → doc
	total       int
	maxVectors  int
}

// EmbeddedOption configures the embedded store.
type EmbeddedOption func(*EmbeddedStore)

// WithMaxVectors sets the maximum number of vectors (default 50K).
func WithMaxVectors(max int) EmbeddedOption {
	return func(s *EmbeddedStore) { s.maxVectors = max }
}

// NewEmbeddedStore creates an in-memory vector store.
func NewEmbeddedStore(opts ...EmbeddedOption) *EmbeddedStore {
	s := &EmbeddedStore{
		collections: make(map[string]map[string]*models.VectorDoc),
		maxVectors:  DefaultMaxVectors,
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Info().Int("max_vectors", s.maxVectors).Msg("Embedded vector store initialized")
	return s
}

func (s *EmbeddedStore) Kind() string { return "embedded" }

// Upsert inserts or replaces docs by ID. Missing IDs are generated.
func (s *EmbeddedStore) Upsert(_ context.Context, collection string, docs []models.VectorDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collections[collection]
	added := 0
	fresh := make(map[string]bool)
	for _, d := range docs {
		switch {
		case d.ID == "":
			added++
		case coll[d.ID] == nil && !fresh[d.ID]:
			fresh[d.ID] = true
			added++
		}
	}
	if s.total+added > s.maxVectors {
		return fmt.Errorf("embedded vector store capacity exceeded: %d > %d (use pgvector for larger corpora)", s.total+added, s.maxVectors)
	}
	if s.total+added > s.maxVectors*9/10 {
		log.Warn().Int("count", s.total+added).Int("max", s.maxVectors).Msg("Embedded vector store nearing capacity")
	}

	if coll == nil {
		coll = make(map[string]*models.VectorDoc)
		s.collections[collection] = coll
	}
	now := time.Now().UTC()
	for _, d := range docs {
		cp := d
		cp.Collection = collection
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		cp.Vector = append([]float64(nil), d.Vector...)
		coll[cp.ID] = &cp
	}
	s.total += added
	return nil
}

// Search returns the topK docs most similar to vector. filter matches the
// "namespace" key against VectorDoc.Namespace and every other key against
// metadata. Ties are broken by ID.
func (s *EmbeddedStore) Search(_ context.Context, collection string, vector []float64, topK int, filter map[string]string) ([]models.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []models.SearchResult
	for _, d := range s.collections[collection] {
		if len(d.Vector) != len(vector) || !matches(d, filter) {
			continue
		}
		cp := *d
		cp.Vector = nil
		results = append(results, models.SearchResult{Doc: cp, Score: cosineSimilarity(vector, d.Vector)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Doc.ID < results[j].Doc.ID
	})
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

func (s *EmbeddedStore) Delete(_ context.Context, collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collections[collection]
	for _, id := range ids {
		if _, ok := coll[id]; ok {
			delete(coll, id)
			s.total--
		}
	}
	return nil
}

func (s *EmbeddedStore) Count(_ context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection]), nil
}

func (s *EmbeddedStore) HealthCheck(context.Context) error { return nil }

func matches(d *models.VectorDoc, filter map[string]string) bool {
	for k, v := range filter {
		if k == "namespace" {
			if v != "" && d.Namespace != v {
				return false
			}
			continue
		}
		if d.Metadata[k] != v {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
