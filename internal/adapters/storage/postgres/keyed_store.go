package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

// KeyedStore implements ports.KeyedStore on the keyed_items table.
type KeyedStore struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewKeyedStore creates a keyed store over an open pool.
//
// The pool is pinged before the store is returned.
func NewKeyedStore(pool *pgxpool.Pool, logger *logging.Logger) (*KeyedStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: connection pool cannot be nil", ports.ErrInvalidInput)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", ports.ErrInvalidInput)
	}
	if err := ping(pool); err != nil {
		return nil, err
	}
	return &KeyedStore{
		pool:   pool,
		logger: logger.WithComponent("postgres_keyed_store"),
	}, nil
}

// Put writes an item. With ConditionalOnAbsent an existing row is left alone
// and PutAlreadyExists is returned; otherwise the row is replaced.
func (s *KeyedStore) Put(ctx context.Context, item ports.Item, opts ports.PutOptions) (ports.PutResult, error) {
	if item.Kind == "" || item.Key == "" {
		return ports.PutWritten, ports.ErrInvalidInput
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	logger := s.logger.WithFields("operation", "put_item", "kind", string(item.Kind), "key", item.Key)

	query := `
		INSERT INTO keyed_items (kind, key, index_key, sort_key, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if opts.ConditionalOnAbsent {
		query += `
		ON CONFLICT (kind, key) DO NOTHING`
	} else {
		query += `
		ON CONFLICT (kind, key) DO UPDATE SET
			index_key = EXCLUDED.index_key,
			sort_key = EXCLUDED.sort_key,
			body = EXCLUDED.body,
			created_at = EXCLUDED.created_at`
	}

	tag, err := s.pool.Exec(ctx, query,
		string(item.Kind), item.Key, item.IndexKey, item.SortKey, item.Body, item.CreatedAt)
	if err != nil {
		logger.WithError(err).Error("Failed to write item")
		return ports.PutWritten, mapError(logger, err)
	}

	if tag.RowsAffected() == 0 {
		logger.Debug("Item already exists")
		return ports.PutAlreadyExists, nil
	}
	return ports.PutWritten, nil
}

// Get returns the item stored under kind and key.
func (s *KeyedStore) Get(ctx context.Context, kind ports.Kind, key string) (*ports.Item, error) {
	if key == "" {
		return nil, ports.ErrInvalidInput
	}

	row := s.pool.QueryRow(ctx, `
		SELECT kind, key, index_key, sort_key, body, created_at
		FROM keyed_items
		WHERE kind = $1 AND key = $2`, string(kind), key)

	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ports.ErrNotFound
		}
		return nil, mapError(s.logger.WithFields("operation", "get_item", "kind", string(kind), "key", key), err)
	}
	return item, nil
}

// Query returns the items of kind under indexKey whose sort key falls within
// r, ordered by sort key then key.
func (s *KeyedStore) Query(ctx context.Context, kind ports.Kind, indexKey string, r ports.Range) ([]ports.Item, error) {
	logger := s.logger.WithFields("operation", "query_items", "kind", string(kind), "index_key", indexKey)

	conditions := []string{"kind = $1", "index_key = $2"}
	args := []any{string(kind), indexKey}
	if r.From != "" {
		args = append(args, r.From)
		conditions = append(conditions, fmt.Sprintf("sort_key >= $%d", len(args)))
	}
	if r.To != "" {
		args = append(args, r.To)
		conditions = append(conditions, fmt.Sprintf("sort_key <= $%d", len(args)))
	}

	query := `
		SELECT kind, key, index_key, sort_key, body, created_at
		FROM keyed_items
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY sort_key, key`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		logger.WithError(err).Error("Failed to query items")
		return nil, mapError(logger, err)
	}
	defer rows.Close()

	var items []ports.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, mapError(logger, err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		logger.WithError(err).Error("Error during row iteration")
		return nil, mapError(logger, err)
	}

	logger.Debug("Items queried", "count", len(items))
	return items, nil
}

func scanItem(row pgx.Row) (*ports.Item, error) {
	var item ports.Item
	var kind string
	if err := row.Scan(&kind, &item.Key, &item.IndexKey, &item.SortKey, &item.Body, &item.CreatedAt); err != nil {
		return nil, err
	}
	item.Kind = ports.Kind(kind)
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}
