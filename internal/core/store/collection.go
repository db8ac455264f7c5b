// Package store gives typed, write-once access to the append-only keyed store.
//
// Each Collection serializes one entity type to canonical JSON and writes it
// with a conditional put. A create that loses a race reads back the stored
// value instead of failing, so every create is idempotent.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/identity"
)

// Collection stores values of type T under one kind.
type Collection[T any] struct {
	store  ports.KeyedStore
	kind   ports.Kind
	entity string
}

// NewCollection creates a collection. entity names the type in NOT_FOUND errors.
func NewCollection[T any](s ports.KeyedStore, kind ports.Kind, entity string) *Collection[T] {
	return &Collection[T]{store: s, kind: kind, entity: entity}
}

// Entry describes where a value is written.
type Entry struct {
	Key      string
	IndexKey string
	SortKey  string
	At       time.Time
}

// Create writes value if no value exists under entry.Key. It returns the
// stored value and whether this call wrote it.
func (c *Collection[T]) Create(ctx context.Context, entry Entry, value *T) (*T, bool, error) {
	if entry.Key == "" {
		return nil, false, fmt.Errorf("%w: %s key is required", ports.ErrInvalidInput, c.entity)
	}
	body, err := identity.CanonicalJSON(value)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode %s %s: %w", c.entity, entry.Key, err)
	}

	result, err := c.store.Put(ctx, ports.Item{
		Kind:      c.kind,
		Key:       entry.Key,
		IndexKey:  entry.IndexKey,
		SortKey:   entry.SortKey,
		Body:      body,
		CreatedAt: entry.At,
	}, ports.PutOptions{ConditionalOnAbsent: true})
	if err != nil {
		return nil, false, fmt.Errorf("failed to store %s %s: %w", c.entity, entry.Key, err)
	}

	if result == ports.PutAlreadyExists {
		existing, err := c.Get(ctx, entry.Key)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return value, true, nil
}

// Get reads the value stored under key. A missing value is a NOT_FOUND error.
func (c *Collection[T]) Get(ctx context.Context, key string) (*T, error) {
	item, err := c.store.Get(ctx, c.kind, key)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, domain.NotFound(c.entity, key)
		}
		return nil, fmt.Errorf("failed to read %s %s: %w", c.entity, key, err)
	}
	return c.decode(item)
}

// Exists reports whether a value is stored under key.
func (c *Collection[T]) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.store.Get(ctx, c.kind, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ports.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to read %s %s: %w", c.entity, key, err)
	}
}

// Query returns the values with the given index key whose sort key falls in r.
func (c *Collection[T]) Query(ctx context.Context, indexKey string, r ports.Range) ([]*T, error) {
	items, err := c.store.Query(ctx, c.kind, indexKey, r)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s by %s: %w", c.entity, indexKey, err)
	}
	out := make([]*T, 0, len(items))
	for i := range items {
		v, err := c.decode(&items[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *Collection[T]) decode(item *ports.Item) (*T, error) {
	var v T
	if err := json.Unmarshal(item.Body, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", c.entity, item.Key, err)
	}
	return &v, nil
}

// SortKey renders t so that lexical order matches time order.
func SortKey(t time.Time) string {
	return domain.FormatTimestamp(t)
}

// TimeRange bounds a query to [from, to]. Zero times leave a bound open.
func TimeRange(from, to time.Time) ports.Range {
	var r ports.Range
	if !from.IsZero() {
		r.From = SortKey(from)
	}
	if !to.IsZero() {
		r.To = SortKey(to)
	}
	return r
}
