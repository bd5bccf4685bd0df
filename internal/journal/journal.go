// Package journal persists a record of every submitted command so the
// history survives a page reload and can be inspected from outside the
// bridge.
package journal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("journal record not found")

// Record is the persisted view of one command.
type Record struct {
	ID         int       `json:"id"`
	Command    string    `json:"command"`
	Status     string    `json:"status,omitempty"`
	Message    string    `json:"message,omitempty"`
	Closed     bool      `json:"closed"`
	Snapshots  int       `json:"snapshots"`
	UndoScript string    `json:"undoScript,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Store persists records keyed by command id.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, id int) (Record, error)
	// List returns the records in id order.
	List(ctx context.Context) ([]Record, error)
	// Truncate removes every record with an id of at least from.
	Truncate(ctx context.Context, from int) error
	Close() error
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int]Record)}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id int) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Truncate(_ context.Context, from int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.records {
		if id >= from {
			delete(s.records, id)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Update loads the record with id, applies fn and saves it. A missing
// record starts from a zero Record carrying id.
func Update(ctx context.Context, store Store, id int, fn func(*Record)) error {
	rec, err := store.Load(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		rec = Record{ID: id, CreatedAt: time.Now().UTC()}
	}
	fn(&rec)
	rec.UpdatedAt = time.Now().UTC()
	return store.Save(ctx, rec)
}
