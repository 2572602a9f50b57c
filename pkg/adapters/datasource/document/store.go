// Package document implements schema introspection and guarded
// execution for document datasources. Collections are served from an
// in-memory snapshot handed over by the connection-management
// component; the pipeline itself never writes to a document source.
package document

import (
	"fmt"
	"sort"
	"sync"
)

// Store holds immutable collection snapshots. Concurrent runs share one
// store; all access is read-only after load.
type Store struct {
	mu          sync.RWMutex
	collections map[string][]map[string]any
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{collections: make(map[string][]map[string]any)}
}

// Load replaces the documents of a collection.
func (s *Store) Load(collection string, docs []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[collection] = docs
}

// Collection returns the documents of a collection.
func (s *Store) Collection(name string) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", name)
	}
	return docs, nil
}

// CollectionNames returns all collection names, sorted.
func (s *Store) CollectionNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
