package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ChuLiYu/tickcast/internal/store"
	"github.com/ChuLiYu/tickcast/pkg/types"
)

// Store is an in-memory implementation of store.DurationStore.
// It survives nothing across restarts; it exists for tests and for running
// the persistence path without an external database.
type Store struct {
	mu      sync.RWMutex
	records map[types.TimerID]types.Record
	closed  bool
}

var _ store.DurationStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		records: make(map[types.TimerID]types.Record),
	}
}

// Put upserts a record.
func (s *Store) Put(ctx context.Context, rec types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	s.records[rec.ID] = rec
	return nil
}

// Delete removes a record. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, id types.TimerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	delete(s.records, id)
	return nil
}

// ListAll returns all records ordered by ID.
func (s *Store) ListAll(ctx context.Context) ([]types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}

	out := make([]types.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns a single record, mainly for assertions in tests.
func (s *Store) Get(id types.TimerID) (types.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Close marks the store closed. Records are kept so a reopened view in the
// same process can still inspect them via Get.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Reopen clears the closed flag, simulating a process restart against the
// same backing data.
func (s *Store) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
}
