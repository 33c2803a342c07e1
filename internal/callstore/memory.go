package callstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/call"
)

// MemoryStore is an in-memory [Store] with the same optimistic-concurrency
// semantics as the postgres backend. Used by tests and local development.
type MemoryStore struct {
	mu    sync.Mutex
	calls map[string]map[string]*call.Call // phone → id → call

	// now is overridable in tests for deterministic UpdatedAt values.
	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls: make(map[string]map[string]*call.Call),
		now:   time.Now,
	}
}

// GetLast implements [Store].
func (s *MemoryStore) GetLast(_ context.Context, phoneNumber string) (*call.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last *call.Call
	for _, c := range s.calls[phoneNumber] {
		if last == nil || c.CreatedAt.After(last.CreatedAt) {
			last = c
		}
	}
	if last == nil {
		return nil, ErrNotFound
	}
	return last.Clone(), nil
}

// GetByID implements [Store].
func (s *MemoryStore) GetByID(_ context.Context, phoneNumber, id string) (*call.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[phoneNumber][id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// Save implements [Store]. The stored version must equal c.Version; on
// success the stored document and c both carry version+1.
func (s *MemoryStore) Save(_ context.Context, c *call.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	phone := c.Initiate.CallerPhoneNumber
	partition, ok := s.calls[phone]
	if !ok {
		partition = make(map[string]*call.Call)
		s.calls[phone] = partition
	}

	if stored, exists := partition[c.ID]; exists && stored.Version != c.Version {
		return ErrConflict
	}

	c.Version++
	c.UpdatedAt = s.now()
	partition[c.ID] = c.Clone()
	return nil
}

// ListByPhone implements [Store].
func (s *MemoryStore) ListByPhone(_ context.Context, phoneNumber string, limit int) ([]*call.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*call.Call, 0, len(s.calls[phoneNumber]))
	for _, c := range s.calls[phoneNumber] {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
