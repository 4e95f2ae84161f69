package deadletter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/projectpulse/projectpulse/internal/ingest"
)

// MemoryStore is an in-process Store used by tests and as a fallback
// when no database is configured. Appends are mutex-guarded, entries are
// never discarded.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	byID    map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (s *MemoryStore) Record(_ context.Context, jobID string, raw ingest.RawRecord, kind ingest.Kind, message string) (Entry, error) {
	entry := Entry{
		ID:          uuid.NewString(),
		JobID:       jobID,
		RawRecord:   raw,
		FailureKind: kind,
		Kind:        kind.String(),
		Message:     message,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.byID[entry.ID] = len(s.entries)
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	return entry, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0)
	for _, entry := range s.entries {
		if filter.matches(entry) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[id]
	if !ok {
		return Entry{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return s.entries[idx], nil
}

func (s *MemoryStore) MarkRetried(_ context.Context, id string, retriedJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	s.entries[idx].RetriedJobID = retriedJobID
	return nil
}
