package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
)

// KeyedStore is a thread-safe in-memory implementation of ports.KeyedStore.
//
// Items are copied on the way in and out so callers can never mutate stored
// bodies. Data is lost when the process terminates.
type KeyedStore struct {
	mu    sync.RWMutex
	items map[ports.Kind]map[string]ports.Item
}

// NewKeyedStore creates an empty keyed store.
func NewKeyedStore() *KeyedStore {
	return &KeyedStore{
		items: make(map[ports.Kind]map[string]ports.Item),
	}
}

// Put stores an item. With ConditionalOnAbsent an existing item is left
// untouched and PutAlreadyExists is returned.
func (s *KeyedStore) Put(ctx context.Context, item ports.Item, opts ports.PutOptions) (ports.PutResult, error) {
	if ctx.Err() != nil {
		return ports.PutWritten, ctx.Err()
	}
	if item.Kind == "" || item.Key == "" {
		return ports.PutWritten, ports.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.items[item.Kind]
	if !ok {
		table = make(map[string]ports.Item)
		s.items[item.Kind] = table
	}

	if _, exists := table[item.Key]; exists && opts.ConditionalOnAbsent {
		return ports.PutAlreadyExists, nil
	}

	table[item.Key] = copyItem(item)
	return ports.PutWritten, nil
}

// Get returns the item stored under kind and key.
func (s *KeyedStore) Get(ctx context.Context, kind ports.Kind, key string) (*ports.Item, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if key == "" {
		return nil, ports.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[kind][key]
	if !ok {
		return nil, ports.ErrNotFound
	}
	out := copyItem(item)
	return &out, nil
}

// Query returns items of kind with the given index key whose sort key falls
// in r, ordered by sort key then key.
func (s *KeyedStore) Query(ctx context.Context, kind ports.Kind, indexKey string, r ports.Range) ([]ports.Item, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []ports.Item
	for _, item := range s.items[kind] {
		if item.IndexKey != indexKey || !r.Contains(item.SortKey) {
			continue
		}
		matched = append(matched, copyItem(item))
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].SortKey != matched[j].SortKey {
			return matched[i].SortKey < matched[j].SortKey
		}
		return matched[i].Key < matched[j].Key
	})
	return matched, nil
}

// Count returns the number of items of a kind. Useful in tests.
func (s *KeyedStore) Count(kind ports.Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items[kind])
}

func copyItem(item ports.Item) ports.Item {
	out := item
	if item.Body != nil {
		out.Body = make([]byte, len(item.Body))
		copy(out.Body, item.Body)
	}
	return out
}
