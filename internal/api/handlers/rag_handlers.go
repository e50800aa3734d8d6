package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/abhi9avx/cognigraph-ai/internal/embeddings"
	ragpkg "github.com/abhi9avx/cognigraph-ai/internal/rag"
	"github.com/abhi9avx/cognigraph-ai/internal/vectorstore"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Querier runs retrieval queries. Implemented by rag.Pipeline and
// rag.LazyIndex.
type Querier interface {
	Query(ctx context.Context, req models.QueryRequest) (*models.QueryResult, error)
}

// RAGHandlers holds dependencies for retrieval, embedding and vector store
// API handlers.
type RAGHandlers struct {
	Embeddings  *embeddings.Registry
	VectorStore *vectorstore.Registry
	Querier     Querier
	Ingester    *ragpkg.Ingester
}

// ══════════════════════════════════════════════════════════════
// ── RAG Query / Ingest ───────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// RAGQuery handles POST /api/v1/rag/query
func (h *RAGHandlers) RAGQuery(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if h.Querier == nil {
		respondError(w, http.StatusServiceUnavailable, "retrieval pipeline not configured")
		return
	}

	result, err := h.Querier.Query(r.Context(), req)
	if errors.Is(err, ragpkg.ErrEmptyQuestion) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Str("collection", req.Collection).Msg("RAG query failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// RAGIngest handles POST /api/v1/rag/ingest. Only inline documents are
// accepted; file sources are ingested from server configuration or the CLI.
func (h *RAGHandlers) RAGIngest(w http.ResponseWriter, r *http.Request) {
	var req models.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Sources) > 0 {
		respondError(w, http.StatusBadRequest, "sources are not accepted over HTTP; send documents")
		return
	}
	if len(req.Documents) == 0 {
		respondError(w, http.StatusBadRequest, "documents array is required")
		return
	}
	if h.Ingester == nil {
		respondError(w, http.StatusServiceUnavailable, "RAG ingester not configured")
		return
	}

	result, err := h.Ingester.Ingest(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Str("collection", req.Collection).Msg("RAG ingest failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ══════════════════════════════════════════════════════════════
// ── Embedding Drivers ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListEmbeddingDrivers handles GET /api/v1/embeddings
func (h *RAGHandlers) ListEmbeddingDrivers(w http.ResponseWriter, r *http.Request) {
	if h.Embeddings == nil {
		respondJSON(w, http.StatusOK, []string{})
		return
	}
	respondJSON(w, http.StatusOK, h.Embeddings.List())
}

// EmbedText handles POST /api/v1/embeddings/{driver}/embed
func (h *RAGHandlers) EmbedText(w http.ResponseWriter, r *http.Request) {
	if h.Embeddings == nil {
		respondError(w, http.StatusServiceUnavailable, "no embedding drivers configured")
		return
	}
	driverName := chi.URLParam(r, "driver")
	driver, err := h.Embeddings.Get(driverName)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	var body struct {
		Texts []string `json:"texts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Texts) == 0 {
		respondError(w, http.StatusBadRequest, "texts array is required")
		return
	}

	vectors, err := embeddings.EmbedAll(r.Context(), driver, body.Texts)
	if err != nil {
		log.Error().Err(err).Str("driver", driverName).Msg("Embedding failed")
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"driver":     driverName,
		"dimensions": driver.Dimensions(),
		"count":      len(vectors),
		"vectors":    vectors,
	})
}

// EmbeddingHealth handles GET /api/v1/embeddings/health
// Always returns 200 with per-driver status in the body.
func (h *RAGHandlers) EmbeddingHealth(w http.ResponseWriter, r *http.Request) {
	if h.Embeddings == nil {
		respondJSON(w, http.StatusOK, map[string]string{})
		return
	}
	respondJSON(w, http.StatusOK, healthStatus(h.Embeddings.HealthCheckAll(r.Context())))
}

// ══════════════════════════════════════════════════════════════
// ── Vector Store Drivers ─────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListVectorStoreDrivers handles GET /api/v1/vectorstores
func (h *RAGHandlers) ListVectorStoreDrivers(w http.ResponseWriter, r *http.Request) {
	if h.VectorStore == nil {
		respondJSON(w, http.StatusOK, []string{})
		return
	}
	respondJSON(w, http.StatusOK, h.VectorStore.List())
}

// VectorStoreHealth handles GET /api/v1/vectorstores/health
// Always returns 200 with per-driver status in the body.
func (h *RAGHandlers) VectorStoreHealth(w http.ResponseWriter, r *http.Request) {
	if h.VectorStore == nil {
		respondJSON(w, http.StatusOK, map[string]string{})
		return
	}
	respondJSON(w, http.StatusOK, healthStatus(h.VectorStore.HealthCheckAll(r.Context())))
}

// CountVectors handles GET /api/v1/vectorstores/{driver}/collections/{collection}
func (h *RAGHandlers) CountVectors(w http.ResponseWriter, r *http.Request) {
	if h.VectorStore == nil {
		respondError(w, http.StatusServiceUnavailable, "no vector stores configured")
		return
	}
	store, err := h.VectorStore.Get(chi.URLParam(r, "driver"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	collection := chi.URLParam(r, "collection")
	n, err := store.Count(r.Context(), collection)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"collection": collection, "count": n})
}

func healthStatus(results map[string]error) map[string]string {
	status := make(map[string]string, len(results))
	for name, err := range results {
		if err != nil {
			status[name] = "error: " + err.Error()
		} else {
			status[name] = "ok"
		}
	}
	return status
}
