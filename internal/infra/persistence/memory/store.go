// Package memory provides the authoritative in-memory implementation of the
// storage collaborator contract. The durable drivers wrap it and snapshot its
// state after each successful mutation.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"polystore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Storage = (*Store)(nil)

// Store keeps named stores of JSON documents with materialized secondary
// indexes. All reads return defensive copies.
type Store struct {
	mu      sync.RWMutex
	stores  map[string]map[string][]byte
	specs   map[string][]domain.IndexSpec
	indexes map[string]map[string]map[string]struct{} // store/index -> value -> keys
}

// NewStore constructs a store with the given secondary indexes.
func NewStore(indexes ...domain.IndexSpec) *Store {
	s := &Store{
		stores:  make(map[string]map[string][]byte),
		specs:   make(map[string][]domain.IndexSpec),
		indexes: make(map[string]map[string]map[string]struct{}),
	}
	for _, spec := range indexes {
		s.specs[spec.Store] = append(s.specs[spec.Store], spec)
		s.indexes[indexKey(spec.Store, spec.Name)] = make(map[string]map[string]struct{})
	}
	return s
}

func indexKey(store, index string) string { return store + "/" + index }

func cloneValue(v []byte) []byte {
	if v == nil {
		return nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp
}

// extractField pulls a top-level field from the JSON document for indexing.
func extractField(value []byte, field string) (string, bool) {
	var doc map[string]any
	if err := json.Unmarshal(value, &doc); err != nil {
		return "", false
	}
	raw, ok := doc[field]
	if !ok || raw == nil {
		return "", false
	}
	return fmt.Sprint(raw), true
}

func (s *Store) bucket(store string) map[string][]byte {
	b, ok := s.stores[store]
	if !ok {
		b = make(map[string][]byte)
		s.stores[store] = b
	}
	return b
}

func (s *Store) indexInsert(store, key string, value []byte) {
	for _, spec := range s.specs[store] {
		fieldValue, ok := extractField(value, spec.Field)
		if !ok {
			continue
		}
		idx := s.indexes[indexKey(store, spec.Name)]
		keys, ok := idx[fieldValue]
		if !ok {
			keys = make(map[string]struct{})
			idx[fieldValue] = keys
		}
		keys[key] = struct{}{}
	}
}

func (s *Store) indexRemove(store, key string, value []byte) {
	for _, spec := range s.specs[store] {
		fieldValue, ok := extractField(value, spec.Field)
		if !ok {
			continue
		}
		idx := s.indexes[indexKey(store, spec.Name)]
		if keys, ok := idx[fieldValue]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(idx, fieldValue)
			}
		}
	}
}

// Put stores a document under the given key, replacing any prior version.
func (s *Store) Put(_ context.Context, store, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.bucket(store)
	if prior, ok := bucket[key]; ok {
		s.indexRemove(store, key, prior)
	}
	bucket[key] = cloneValue(value)
	s.indexInsert(store, key, value)
	return nil
}

// Get returns the document for key, reporting presence.
func (s *Store) Get(_ context.Context, store, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.stores[store][key]
	if !ok {
		return nil, false, nil
	}
	return cloneValue(value), true, nil
}

// GetAll returns every document in the store.
func (s *Store) GetAll(_ context.Context, store string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.stores[store]
	out := make(map[string][]byte, len(bucket))
	for k, v := range bucket {
		out[k] = cloneValue(v)
	}
	return out, nil
}

// Delete removes a document, reporting whether it existed.
func (s *Store) Delete(_ context.Context, store, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.stores[store]
	value, ok := bucket[key]
	if !ok {
		return false, nil
	}
	s.indexRemove(store, key, value)
	delete(bucket, key)
	return true, nil
}

// PutBulk stores several documents in one locked pass.
func (s *Store) PutBulk(_ context.Context, store string, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.bucket(store)
	for key, value := range values {
		if prior, ok := bucket[key]; ok {
			s.indexRemove(store, key, prior)
		}
		bucket[key] = cloneValue(value)
		s.indexInsert(store, key, value)
	}
	return nil
}

// GetBulk returns the documents present for the requested keys.
func (s *Store) GetBulk(_ context.Context, store string, keys []string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.stores[store]
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if value, ok := bucket[key]; ok {
			out[key] = cloneValue(value)
		}
	}
	return out, nil
}

// QueryIndex returns the primary keys of all documents whose indexed field
// equals value, in primary-key order.
func (s *Store) QueryIndex(_ context.Context, store, index, value string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[indexKey(store, index)]
	if !ok {
		return nil, fmt.Errorf("unknown index %s on store %s", index, store)
	}
	keys := make([]string, 0, len(idx[value]))
	for key := range idx[value] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Count returns the number of documents in the store.
func (s *Store) Count(_ context.Context, store string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stores[store]), nil
}

// Clear removes every document in the store.
func (s *Store) Clear(_ context.Context, store string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stores, store)
	for _, spec := range s.specs[store] {
		s.indexes[indexKey(store, spec.Name)] = make(map[string]map[string]struct{})
	}
	return nil
}

// Iterate walks documents in primary-key order honoring offset, limit, and
// direction; fn returning false stops the pass.
func (s *Store) Iterate(_ context.Context, store string, opts domain.IterOptions, fn func(key string, value []byte) (bool, error)) error {
	s.mu.RLock()
	bucket := s.stores[store]
	keys := make([]string, 0, len(bucket))
	for key := range bucket {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if opts.Direction == domain.IterDescending {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	type pair struct {
		key   string
		value []byte
	}
	var window []pair
	for i, key := range keys {
		if i < opts.Offset {
			continue
		}
		if opts.Limit > 0 && len(window) >= opts.Limit {
			break
		}
		window = append(window, pair{key: key, value: cloneValue(bucket[key])})
	}
	s.mu.RUnlock()

	for _, p := range window {
		keep, err := fn(p.key, p.value)
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
	}
	return nil
}

// Snapshot is the serializable full state of the store.
type Snapshot map[string]map[string][]byte

// ExportState returns a deep copy of all stores for snapshotting.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Snapshot, len(s.stores))
	for store, bucket := range s.stores {
		cp := make(map[string][]byte, len(bucket))
		for key, value := range bucket {
			cp[key] = cloneValue(value)
		}
		out[store] = cp
	}
	return out
}

// ImportState replaces all state with the snapshot and rebuilds indexes.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores = make(map[string]map[string][]byte, len(snapshot))
	for key := range s.indexes {
		s.indexes[key] = make(map[string]map[string]struct{})
	}
	for store, bucket := range snapshot {
		cp := make(map[string][]byte, len(bucket))
		for key, value := range bucket {
			cp[key] = cloneValue(value)
			s.indexInsert(store, key, value)
		}
		s.stores[store] = cp
	}
}
