package embeddings

import (
	"context"
	"fmt"

	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
)

// EmbedAll embeds any number of texts by splitting them into batches the
// driver accepts. Vectors are returned in input order.
func EmbedAll(ctx context.Context, d contracts.EmbeddingDriver, texts []string) ([][]float64, error) {
	size := d.MaxBatchSize()
	if size <= 0 {
		size = len(texts)
	}
	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vecs, err := d.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d with %s: %w", start, end, d.Kind(), err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embed batch %d-%d with %s: got %d vectors", start, end, d.Kind(), len(vecs))
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, d contracts.EmbeddingDriver, text string) ([]float64, error) {
	vecs, err := d.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%s returned %d vectors for one text", d.Kind(), len(vecs))
	}
	return vecs[0], nil
}
