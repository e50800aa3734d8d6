// Package sessions provides the conversation stores that persist per-thread
// message logs between turns, and the per-thread locks that serialize turns.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/google/uuid"
)

// MemoryStore is a thread-safe in-memory ConversationStore and SummaryStore.
type MemoryStore struct {
	mu        sync.RWMutex
	threads   map[string][]models.Message // key: thread ID
	summaries map[string]models.Summary
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:   make(map[string][]models.Message),
		summaries: make(map[string]models.Summary),
	}
}

// Append adds msgs to the end of the thread log.
func (s *MemoryStore) Append(_ context.Context, threadID string, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	stamped := Stamp(msgs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = append(s.threads[threadID], stamped...)
	return nil
}

// Load returns a copy of the thread log.
func (s *MemoryStore) Load(_ context.Context, threadID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread := s.threads[threadID]
	out := make([]models.Message, len(thread))
	copy(out, thread)
	return out, nil
}

// Threads lists thread IDs, sorted.
func (s *MemoryStore) Threads(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveSummary replaces the thread's summary.
func (s *MemoryStore) SaveSummary(_ context.Context, sum models.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[sum.ThreadID] = sum
	return nil
}

// LoadSummary returns the thread's summary, or nil.
func (s *MemoryStore) LoadSummary(_ context.Context, threadID string) (*models.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[threadID]
	if !ok {
		return nil, nil
	}
	return &sum, nil
}

// Stamp copies msgs, filling in missing IDs and timestamps.
func Stamp(msgs []models.Message) []models.Message {
	now := time.Now().UTC()
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		out[i] = m
	}
	return out
}
