package store

import (
	"bytes"
	"context"
	"maps"
	"sync"
)

// MemoryStore keeps records in process. Used by tests and single-node demos.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (s *MemoryStore) Load(ctx context.Context, docID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recs[docID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return clone(r), nil
}

func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.recs[rec.DocumentID] = clone(rec)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

func clone(r Record) Record {
	r.State = bytes.Clone(r.State)
	r.Vector = maps.Clone(r.Vector)
	return r
}
