// Package postgres provides PostgreSQL implementations of the storage ports.
//
// The keyed store holds every write-once pipeline entity in one table keyed by
// (kind, key) and relies on INSERT ... ON CONFLICT DO NOTHING for put-if-absent
// semantics. The incident repository stores the mutable incidents with an
// optimistic version check on every update.
//
// Both adapters map PostgreSQL errors onto the ports sentinel errors so the
// core never sees driver types.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

const (
	// DefaultConnectionTimeout is the default timeout for database connections.
	DefaultConnectionTimeout = 5 * time.Second

	// PostgreSQL error codes for proper error handling.
	PgErrorCodeUniqueViolation      = "23505"
	PgErrorCodeForeignKeyViolation  = "23503"
	PgErrorCodeNotNullViolation     = "23502"
	PgErrorCodeCheckViolation       = "23514"
	PgErrorCodeDeadlock             = "40P01"
	PgErrorCodeSerializationFailure = "40001"
)

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool opens a connection pool and verifies it with a ping.
//
// Zero values in cfg keep the pgxpool defaults.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: database DSN is required", ports.ErrInvalidInput)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid database DSN: %v", ports.ErrInvalidInput, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, DefaultConnectionTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ports.ErrConnectionFailed, err)
	}
	return pool, nil
}

// ping verifies a pool handed to an adapter constructor.
func ping(pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultConnectionTimeout)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrConnectionFailed, err)
	}
	return nil
}

// mapError maps database errors to the ports sentinel errors.
func mapError(logger *logging.Logger, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		logger.WithError(err).Warn("Database operation timed out")
		return ports.ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case PgErrorCodeUniqueViolation:
			logger.WithFields("pg_error_code", pgErr.Code, "constraint", pgErr.ConstraintName).Debug("Unique constraint violation")
			return ports.ErrAlreadyExists
		case PgErrorCodeForeignKeyViolation:
			logger.WithFields("pg_error_code", pgErr.Code, "constraint", pgErr.ConstraintName).Debug("Foreign key constraint violation")
			return ports.ErrNotFound
		case PgErrorCodeNotNullViolation:
			return fmt.Errorf("%w: required field missing: %s", ports.ErrInvalidInput, pgErr.ColumnName)
		case PgErrorCodeCheckViolation:
			return fmt.Errorf("%w: constraint violation: %s", ports.ErrInvalidInput, pgErr.ConstraintName)
		case PgErrorCodeDeadlock, PgErrorCodeSerializationFailure:
			logger.WithFields("pg_error_code", pgErr.Code).Warn("Database concurrency conflict")
			return ports.ErrConflict
		default:
			logger.WithFields("pg_error_code", pgErr.Code, "message", pgErr.Message).Error("Unhandled PostgreSQL error")
			return fmt.Errorf("database error [%s]: %w", pgErr.Code, ports.ErrConnectionFailed)
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "json") || strings.Contains(msg, "unmarshal") {
		logger.WithError(err).Error("JSON processing error")
		return fmt.Errorf("%w: data format error", ports.ErrInvalidInput)
	}

	logger.WithError(err).Error("Database error")
	return fmt.Errorf("%w: %v", ports.ErrConnectionFailed, err)
}

// isUniqueViolation checks if the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == PgErrorCodeUniqueViolation
}
