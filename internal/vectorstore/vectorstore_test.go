package vectorstore

import (
	"context"
	"testing"

	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docs() []models.VectorDoc {
	return []models.VectorDoc{
		{ID: "north", Content: "north", Vector: []float64{0, 1}, Metadata: map[string]string{"source": "a.pdf"}},
		{ID: "east", Content: "east", Vector: []float64{1, 0}, Metadata: map[string]string{"source": "b.pdf"}},
		{ID: "north-east", Content: "north-east", Vector: []float64{1, 1}, Namespace: "ns1", Metadata: map[string]string{"source": "a.pdf"}},
	}
}

func TestEmbeddedStore_SearchRanksByCosine(t *testing.T) {
	ctx := context.Background()
	s := NewEmbeddedStore()
	require.NoError(t, s.Upsert(ctx, "docs", docs()))

	res, err := s.Search(ctx, "docs", []float64{0.1, 1}, 2, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "north", res[0].Doc.ID)
	assert.Equal(t, "north-east", res[1].Doc.ID)
	assert.Greater(t, res[0].Score, res[1].Score)
	assert.Equal(t, "docs", res[0].Doc.Collection)
	assert.Nil(t, res[0].Doc.Vector)
}

func TestEmbeddedStore_Filters(t *testing.T) {
	ctx := context.Background()
	s := NewEmbeddedStore()
	require.NoError(t, s.Upsert(ctx, "docs", docs()))

	res, err := s.Search(ctx, "docs", []float64{1, 0}, 10, map[string]string{"source": "a.pdf"})
	require.NoError(t, err)
	assert.Len(t, res, 2)

	res, err = s.Search(ctx, "docs", []float64{1, 0}, 10, map[string]string{"namespace": "ns1"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "north-east", res[0].Doc.ID)

	res, err = s.Search(ctx, "other", []float64{1, 0}, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, res)

	res, err = s.Search(ctx, "docs", []float64{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, res, "dimension mismatch never matches")
}

func TestEmbeddedStore_UpsertDeleteCount(t *testing.T) {
	ctx := context.Background()
	s := NewEmbeddedStore(WithMaxVectors(3))
	require.NoError(t, s.Upsert(ctx, "docs", docs()))

	n, err := s.Count(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.Upsert(ctx, "docs", []models.VectorDoc{{ID: "east", Content: "updated", Vector: []float64{1, 0}}}))
	err = s.Upsert(ctx, "docs", []models.VectorDoc{{Content: "new", Vector: []float64{1, 0}}})
	assert.ErrorContains(t, err, "capacity exceeded")

	require.NoError(t, s.Delete(ctx, "docs", []string{"east", "missing"}))
	n, _ = s.Count(ctx, "docs")
	assert.Equal(t, 2, n)
	require.NoError(t, s.Upsert(ctx, "docs", []models.VectorDoc{{Content: "fits again", Vector: []float64{1, 0}}}))
}

func TestEmbeddedStore_RepeatedIDInBatchCountsOnce(t *testing.T) {
	ctx := context.Background()
	s := NewEmbeddedStore(WithMaxVectors(2))
	require.NoError(t, s.Upsert(ctx, "docs", []models.VectorDoc{
		{ID: "a", Content: "first", Vector: []float64{1, 0}},
		{ID: "a", Content: "second", Vector: []float64{0, 1}},
	}))

	n, err := s.Count(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Upsert(ctx, "docs", []models.VectorDoc{{ID: "b", Content: "fits", Vector: []float64{1, 1}}}))
	res, err := s.Search(ctx, "docs", []float64{0, 1}, 1, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "second", res[0].Doc.Content)
}

func TestSearchQuery(t *testing.T) {
	query, args := searchQuery("docs", []float64{1, 0.5}, 4, map[string]string{"namespace": "ns", "source": "a.pdf"})
	assert.Contains(t, query, "WHERE collection = $2 AND namespace = $3 AND metadata->>$4 = $5")
	assert.Contains(t, query, "LIMIT $6")
	assert.Equal(t, []any{"[1,0.5]", "docs", "ns", "source", "a.pdf", 4}, args)

	query, args = searchQuery("docs", []float64{1}, 0, map[string]string{"namespace": ""})
	assert.NotContains(t, query, "LIMIT")
	assert.Len(t, args, 2)
}

func TestOpen(t *testing.T) {
	d, err := Open(context.Background(), "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "embedded", d.Kind())

	_, err = Open(context.Background(), "pgvector", "", 768)
	assert.Error(t, err)
	_, err = Open(context.Background(), "qdrant", "", 768)
	assert.Error(t, err)

	r := NewRegistry()
	r.Register("z", d)
	r.Register("a", d)
	assert.Equal(t, []string{"a", "z"}, r.List())
}
