package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/ent0n29/duplex/internal/wire"
)

// InMemoryStore is an in-process store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*Record)}
}

func (s *InMemoryStore) Load(_ context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (s *InMemoryStore) update(id string, fn func(*Record)) error {
	if id == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	r, ok := s.records[id]
	if !ok {
		r = newRecord(id, now)
		s.records[id] = r
	}
	fn(r)
	r.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) SetResumptionHandle(_ context.Context, id, handle string, expiresAt time.Time) error {
	if handle == "" {
		return nil
	}
	return s.update(id, func(r *Record) { r.setHandle(handle, expiresAt) })
}

func (s *InMemoryStore) AppendUsage(_ context.Context, id string, usage wire.Usage) error {
	return s.update(id, func(r *Record) { r.Usage = r.Usage.Add(usage) })
}

func (s *InMemoryStore) AppendOutput(_ context.Context, id string, out Output) error {
	return s.update(id, func(r *Record) { r.appendOutput(out) })
}

func (s *InMemoryStore) Close() error { return nil }
