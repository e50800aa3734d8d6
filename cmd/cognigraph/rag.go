package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/abhi9avx/cognigraph-ai/internal/config"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/abhi9avx/cognigraph-ai/pkg/server"
)

// ragServer loads the configuration with retrieval forced on.
func ragServer(ctx context.Context, collection string) (*server.Server, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	cfg.RAG.Enabled = true
	cfg.RAG.Sources = nil
	if collection != "" {
		cfg.RAG.Collection = collection
	}
	srv, err := server.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return srv, cfg, nil
}

func runIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	collection := fs.String("collection", "", "Target collection (default from config)")
	namespace := fs.String("namespace", "", "Namespace stored with every chunk")
	chunkSize := fs.Int("chunk-size", 0, "Chunk size in characters (default from config)")
	chunkOverlap := fs.Int("chunk-overlap", 0, "Chunk overlap in characters (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("ingest: at least one file or directory is required")
	}

	srv, cfg, err := ragServer(ctx, *collection)
	if err != nil {
		return err
	}
	defer srv.Close(context.Background())

	res, err := srv.RAG.Ingester.Ingest(ctx, models.IngestRequest{
		Collection:   cfg.RAG.Collection,
		Sources:      fs.Args(),
		Namespace:    *namespace,
		ChunkSize:    *chunkSize,
		ChunkOverlap: *chunkOverlap,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Ingested %d documents into %q: %d chunks, %d vectors (%d ms)\n",
		res.DocumentsProcessed, cfg.RAG.Collection, res.ChunksCreated, res.VectorsStored, res.LatencyMs)
	if cfg.RAG.VectorStore != "pgvector" {
		fmt.Fprintln(os.Stderr, "Note: the embedded vector store lives in memory; use 'query -load' to search in one run.")
	}
	return nil
}

func runQuery(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	collection := fs.String("collection", "", "Collection to search (default from config)")
	k := fs.Int("k", 0, "Number of results (default from config)")
	minScore := fs.Float64("min-score", 0, "Drop results scoring below this")
	strategy := fs.String("strategy", string(models.RetrievalNaive), "Retrieval strategy: naive, hyde or multi_query")
	load := fs.String("load", "", "Comma-separated files or directories to ingest before searching")
	asJSON := fs.Bool("json", false, "Print the raw result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		return errors.New("query: a question is required")
	}

	srv, cfg, err := ragServer(ctx, *collection)
	if err != nil {
		return err
	}
	defer srv.Close(context.Background())

	if *load != "" {
		if _, err := srv.RAG.Ingester.Ingest(ctx, models.IngestRequest{
			Collection: cfg.RAG.Collection,
			Sources:    strings.Split(*load, ","),
		}); err != nil {
			return err
		}
	}

	res, err := srv.RAG.Pipeline.Query(ctx, models.QueryRequest{
		Collection: cfg.RAG.Collection,
		Question:   question,
		TopK:       *k,
		MinScore:   *minScore,
		Strategy:   models.RetrievalStrategy(*strategy),
	})
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	for i, r := range res.Sources {
		fmt.Printf("[%d] score=%.3f source=%s\n%s\n\n", i+1, r.Score, r.Doc.Metadata["source"], r.Doc.Content)
	}
	fmt.Printf("%d chunks via %s in %d ms\n", res.ChunksRetrieved, res.Strategy, res.LatencyMs)
	return nil
}
