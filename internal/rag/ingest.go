package rag

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/abhi9avx/cognigraph-ai/internal/embeddings"
	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultCollection is used when a request names no collection.
const DefaultCollection = "default"

// ErrNothingToIngest is returned when a request has neither documents nor sources.
var ErrNothingToIngest = errors.New("no documents or sources to ingest")

// Ingester handles document ingestion: load → chunk → embed → upsert.
type Ingester struct {
	loader     contracts.DocumentLoader
	embeddings contracts.EmbeddingDriver
	vectorDB   contracts.VectorStoreDriver
	chunker    ChunkerConfig
}

// NewIngester creates a document ingester. A nil loader defaults to FileLoader.
func NewIngester(loader contracts.DocumentLoader, emb contracts.EmbeddingDriver, vs contracts.VectorStoreDriver, chunker ChunkerConfig) *Ingester {
	if loader == nil {
		loader = NewFileLoader()
	}
	return &Ingester{
		loader:     loader,
		embeddings: emb,
		vectorDB:   vs,
		chunker:    chunker.normalized(),
	}
}

// Ingest loads req.Sources, adds req.Documents, splits everything into
// chunks, embeds them and upserts the vectors into req.Collection.
func (ing *Ingester) Ingest(ctx context.Context, req models.IngestRequest) (*models.IngestResult, error) {
	start := time.Now()
	collection := req.Collection
	if collection == "" {
		collection = DefaultCollection
	}

	docs := append([]models.RawDocument(nil), req.Documents...)
	for _, src := range req.Sources {
		loaded, err := ing.loader.Load(ctx, src)
		if err != nil {
			return nil, err
		}
		docs = append(docs, loaded...)
	}
	if len(docs) == 0 {
		return nil, ErrNothingToIngest
	}

	config := ing.chunker
	if req.ChunkSize > 0 {
		config.ChunkSize = req.ChunkSize
	}
	if req.ChunkOverlap > 0 {
		config.ChunkOverlap = req.ChunkOverlap
	}

	// Step 1: Chunk all documents
	var allChunks []Chunk
	for docIdx, doc := range docs {
		for _, c := range ChunkText(doc.Content, config) {
			for k, v := range doc.Metadata {
				c.Metadata[k] = v
			}
			if _, ok := c.Metadata["source"]; !ok && doc.ID != "" {
				c.Metadata["source"] = doc.ID
			}
			c.Metadata["doc_index"] = strconv.Itoa(docIdx)
			c.Metadata["chunk_index"] = strconv.Itoa(c.Index)
			allChunks = append(allChunks, c)
		}
	}

	log.Info().
		Int("documents", len(docs)).
		Int("chunks", len(allChunks)).
		Str("collection", collection).
		Msg("Chunking complete")

	if len(allChunks) == 0 {
		return &models.IngestResult{
			DocumentsProcessed: len(docs),
			LatencyMs:          time.Since(start).Milliseconds(),
		}, nil
	}

	// Step 2: Embed in batches
	texts := make([]string, len(allChunks))
	for i, c := range allChunks {
		texts[i] = c.Text
	}
	vectors, err := embeddings.EmbedAll(ctx, ing.embeddings, texts)
	if err != nil {
		return nil, err
	}

	// Step 3: Build VectorDocs and upsert
	now := time.Now()
	vdocs := make([]models.VectorDoc, len(allChunks))
	for i, chunk := range allChunks {
		vdocs[i] = models.VectorDoc{
			ID:         uuid.NewString(),
			Collection: collection,
			Content:    chunk.Text,
			Metadata:   chunk.Metadata,
			Vector:     vectors[i],
			Namespace:  req.Namespace,
			CreatedAt:  now,
		}
	}
	if err := ing.vectorDB.Upsert(ctx, collection, vdocs); err != nil {
		return nil, fmt.Errorf("upsert vectors: %w", err)
	}

	elapsed := time.Since(start)
	log.Info().
		Int("documents", len(docs)).
		Int("chunks_created", len(allChunks)).
		Dur("elapsed", elapsed).
		Str("collection", collection).
		Str("embedder", ing.embeddings.Kind()).
		Msg("Ingestion complete")

	return &models.IngestResult{
		DocumentsProcessed: len(docs),
		ChunksCreated:      len(allChunks),
		VectorsStored:      len(vdocs),
		LatencyMs:          elapsed.Milliseconds(),
	}, nil
}
