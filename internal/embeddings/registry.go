// Package embeddings provides the embedding driver registry and drivers for
// OpenAI, Gemini and Ollama, plus an offline hash embedder.
package embeddings

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// Registry holds named embedding drivers. Thread-safe.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]contracts.EmbeddingDriver
}

// NewRegistry creates an empty embedding registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]contracts.EmbeddingDriver),
	}
}

// Register adds a driver under the given name. Overwrites if exists.
func (r *Registry) Register(name string, driver contracts.EmbeddingDriver) {
	r.mu.Lock()
	r.drivers[name] = driver
	r.mu.Unlock()
	log.Info().Str("name", name).Str("kind", driver.Kind()).Int("dims", driver.Dimensions()).Msg("Embedding driver registered")
}

// Get returns the driver by name, or error if not found.
func (r *Registry) Get(name string) (contracts.EmbeddingDriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("embedding driver not found: %s", name)
	}
	return d, nil
}

// List returns all registered driver names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthCheckAll pings every registered driver and returns errors keyed by name.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	snapshot := make(map[string]contracts.EmbeddingDriver, len(r.drivers))
	for k, v := range r.drivers {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(snapshot))
	for name, driver := range snapshot {
		results[name] = driver.HealthCheck(ctx)
	}
	return results
}

// NewDriver builds a driver by kind: "openai", "google-genai", "ollama" or
// "hash". endpoint is optional.
func NewDriver(kind, model, apiKey, endpoint string) (contracts.EmbeddingDriver, error) {
	switch kind {
	case "openai":
		var opts []OpenAIOption
		if endpoint != "" {
			opts = append(opts, WithOpenAIEndpoint(endpoint))
		}
		return NewOpenAIDriver(apiKey, model, opts...), nil
	case "google-genai", "gemini":
		var opts []GeminiOption
		if endpoint != "" {
			opts = append(opts, WithGeminiEndpoint(endpoint))
		}
		return NewGeminiDriver(apiKey, model, opts...), nil
	case "ollama":
		return NewOllamaDriver(endpoint, model), nil
	case "hash", "":
		return NewHashDriver(0), nil
	default:
		return nil, fmt.Errorf("unknown embedding driver %q", kind)
	}
}
