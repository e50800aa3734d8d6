package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashDriver is a deterministic offline embedder: lowercase word tokens are
// hashed into a fixed number of buckets and the vector is L2-normalized.
// Texts that share words score high under cosine similarity. Used by the
// demo and tests when no embedding provider is configured.
type HashDriver struct {
	dims int
}

// NewHashDriver creates a hash embedder with dims buckets (default 256).
func NewHashDriver(dims int) *HashDriver {
	if dims <= 0 {
		dims = 256
	}
	return &HashDriver{dims: dims}
}

func (d *HashDriver) Kind() string      { return "hash" }
func (d *HashDriver) Dimensions() int   { return d.dims }
func (d *HashDriver) MaxBatchSize() int { return 1024 }

// Embed hashes every text.
func (d *HashDriver) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = d.vector(t)
	}
	return out, nil
}

func (d *HashDriver) vector(text string) []float64 {
	v := make([]float64, d.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%uint32(d.dims)]++
	}
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= norm
	}
	return v
}

func (d *HashDriver) HealthCheck(context.Context) error { return nil }
