package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"orchard/internal/jsonutil"
)

// MemoryStore implements Store in memory for tests and ephemeral runs.
// Documents are held as encoded JSON so Get/Query round-trip exactly like
// the SQLite store, and conditional guards evaluate against the decoded
// stored document under one mutex.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]map[string][]byte // collection -> id -> encoded doc
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string][]byte)}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, collection, id string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.docs[collection][id]
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", collection, id, err)
	}
	return nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", collection, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string][]byte)
	}
	s.docs[collection][id] = data
	return nil
}

// ConditionalPut implements Store.
func (s *MemoryStore) ConditionalPut(ctx context.Context, collection, id string, doc any, cond Cond) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", collection, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.docs[collection][id]
	if !ok {
		return ErrNotFound
	}

	var fields map[string]any
	if err := json.Unmarshal(current, &fields); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", collection, id, err)
	}
	for field, want := range cond {
		if !jsonutil.Equal(fields[field], want) {
			return ErrConditionFailed
		}
	}

	s.docs[collection][id] = data
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs[collection], id)
	return nil
}

// Query implements Store. Matching compares the field's JSON-normalized
// string form against value, mirroring json_extract's TEXT comparison.
func (s *MemoryStore) Query(ctx context.Context, collection, field, value string) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []json.RawMessage
	for _, id := range s.sortedIDs(collection) {
		raw := s.docs[collection][id]
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			continue
		}
		if jsonutil.ToString(fields[field]) == value {
			out = append(out, json.RawMessage(raw))
		}
	}
	return out, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, collection string) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []json.RawMessage
	for _, id := range s.sortedIDs(collection) {
		out = append(out, json.RawMessage(s.docs[collection][id]))
	}
	return out, nil
}

// BatchPut implements Store.
func (s *MemoryStore) BatchPut(ctx context.Context, collection string, docs map[string]any) error {
	encoded := make(map[string][]byte, len(docs))
	for id, doc := range docs {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encoding %s/%s: %w", collection, id, err)
		}
		encoded[id] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string][]byte)
	}
	for id, data := range encoded {
		s.docs[collection][id] = data
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// sortedIDs returns collection ids in lexical order, matching the SQLite
// store's ORDER BY id. Must be called with the lock held.
func (s *MemoryStore) sortedIDs(collection string) []string {
	ids := make([]string, 0, len(s.docs[collection]))
	for id := range s.docs[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
