package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/petrijr/flough/pkg/api"
)

// InMemoryStore is a goroutine-safe FlowStore backed by a map of JSON
// documents. Every read decodes a fresh copy, so callers never share state
// with the store.
type InMemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		docs: make(map[string][]byte),
	}
}

// Ensure InMemoryStore implements FlowStore.
var _ FlowStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) Create(ctx context.Context, rec *api.FlowRecord) error {
	doc, err := EncodeRecord(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[rec.UUID]; ok {
		return ErrFlowExists
	}
	s.docs[rec.UUID] = doc
	return nil
}

func (s *InMemoryStore) FindByID(ctx context.Context, uuid string) (*api.FlowRecord, error) {
	s.mu.RLock()
	doc, ok := s.docs[uuid]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrFlowNotFound
	}
	return DecodeRecord(doc)
}

func (s *InMemoryStore) Update(ctx context.Context, uuid string, u *Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[uuid]
	if !ok {
		return ErrFlowNotFound
	}
	patched, err := ApplyUpdate(doc, u)
	if err != nil {
		return err
	}
	s.docs[uuid] = patched
	return nil
}

func (s *InMemoryStore) Find(ctx context.Context, f Filter) ([]*api.FlowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var result []*api.FlowRecord
	for _, id := range ids {
		rec, err := DecodeRecord(s.docs[id])
		if err != nil {
			return nil, err
		}
		if Matches(rec, f) {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, uuid)
	return nil
}
