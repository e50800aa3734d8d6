package rag

import (
	"context"
	"sync"

	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// BuildFunc produces a ready pipeline, typically by ingesting a fixed set of
// sources first.
type BuildFunc func(ctx context.Context) (*Pipeline, error)

// LazyIndex builds its pipeline on first use. Concurrent first callers share
// one build; a failed build is retried by the next caller.
type LazyIndex struct {
	build BuildFunc
	group singleflight.Group

	mu       sync.RWMutex
	pipeline *Pipeline
}

// NewLazyIndex creates a lazily built index.
func NewLazyIndex(build BuildFunc) *LazyIndex {
	return &LazyIndex{build: build}
}

// IngestThen returns a BuildFunc that runs req through ing and then hands
// out p.
func IngestThen(ing *Ingester, req models.IngestRequest, p *Pipeline) BuildFunc {
	return func(ctx context.Context) (*Pipeline, error) {
		if _, err := ing.Ingest(ctx, req); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Ready reports whether the pipeline has been built.
func (l *LazyIndex) Ready() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pipeline != nil
}

// Get returns the pipeline, building it if needed. The build does not
// inherit the caller's cancellation; a cancelled caller only stops waiting.
func (l *LazyIndex) Get(ctx context.Context) (*Pipeline, error) {
	l.mu.RLock()
	p := l.pipeline
	l.mu.RUnlock()
	if p != nil {
		return p, nil
	}

	ch := l.group.DoChan("index", func() (any, error) {
		l.mu.RLock()
		p := l.pipeline
		l.mu.RUnlock()
		if p != nil {
			return p, nil
		}
		log.Info().Msg("Building retrieval index")
		p, err := l.build(context.WithoutCancel(ctx))
		if err != nil {
			log.Error().Err(err).Msg("Retrieval index build failed")
			return nil, err
		}
		l.mu.Lock()
		l.pipeline = p
		l.mu.Unlock()
		return p, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Pipeline), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Retrieve builds the index if needed and searches it.
func (l *LazyIndex) Retrieve(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	p, err := l.Get(ctx)
	if err != nil {
		return nil, err
	}
	return p.Retrieve(ctx, query, k)
}

// Query builds the index if needed and runs req.
func (l *LazyIndex) Query(ctx context.Context, req models.QueryRequest) (*models.QueryResult, error) {
	p, err := l.Get(ctx)
	if err != nil {
		return nil, err
	}
	return p.Query(ctx, req)
}
