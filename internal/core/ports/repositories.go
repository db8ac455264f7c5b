// Package ports defines the interfaces that connect the core domain to external adapters.
//
// This package contains port interfaces that define contracts for external dependencies
// such as the append-only keyed store, the incident repository, event sinks and the
// clock. Following hexagonal architecture principles, these interfaces allow the core
// pipeline to remain independent of storage and transport concerns.
package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
)

// Sentinel errors shared by every adapter. The core maps them onto domain
// error codes, so adapters never leak driver errors.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrAlreadyExists    = errors.New("resource already exists")
	ErrConflict         = errors.New("resource conflict")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("storage connection failed")
	ErrTimeout          = errors.New("operation timed out")
)

// Incident list sort fields.
const (
	SortCreatedAt = "created_at"
	SortUpdatedAt = "updated_at"
	SortSeverity  = "severity"
	SortStatus    = "status"
)

// Incident list paging bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// ListFilter selects and pages incidents. Empty fields do not filter.
type ListFilter struct {
	Status         []domain.Status   `json:"status,omitempty"`
	Severity       []domain.Severity `json:"severity,omitempty"`
	Service        string            `json:"service,omitempty"`
	CorrelationKey string            `json:"correlation_key,omitempty"`

	// CreatedAfter and CreatedBefore bound the creation time, both inclusive.
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`

	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`

	// SortBy is one of the Sort* fields; SortOrder is asc or desc.
	SortBy    string `json:"sort_by,omitempty"`
	SortOrder string `json:"sort_order,omitempty"`
}

// Validate rejects out-of-range values and fills the defaults: DefaultListLimit
// newest first by creation time. Every failure wraps ErrInvalidInput.
func (f *ListFilter) Validate() error {
	switch {
	case f.Limit > MaxListLimit:
		return fmt.Errorf("%w: limit %d exceeds %d", ErrInvalidInput, f.Limit, MaxListLimit)
	case f.Offset < 0:
		return fmt.Errorf("%w: offset cannot be negative", ErrInvalidInput)
	case f.CreatedAfter != nil && f.CreatedBefore != nil && f.CreatedAfter.After(*f.CreatedBefore):
		return fmt.Errorf("%w: created_after is later than created_before", ErrInvalidInput)
	}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}

	switch f.SortBy {
	case "":
		f.SortBy = SortCreatedAt
	case SortCreatedAt, SortUpdatedAt, SortSeverity, SortStatus:
	default:
		return fmt.Errorf("%w: cannot sort by %q", ErrInvalidInput, f.SortBy)
	}

	switch f.SortOrder {
	case "":
		f.SortOrder = "desc"
	case "asc", "desc":
	default:
		return fmt.Errorf("%w: sort order must be asc or desc, got %q", ErrInvalidInput, f.SortOrder)
	}

	for _, status := range f.Status {
		if !status.IsValid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
		}
	}
	for _, severity := range f.Severity {
		if !severity.IsValid() {
			return fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, severity)
		}
	}
	return nil
}

// ListResult is one page of incidents. Total counts every match, ignoring paging.
type ListResult struct {
	Incidents []*domain.Incident `json:"incidents"`
	Total     int                `json:"total"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
	HasMore   bool               `json:"has_more"`
}

// IncidentRepository stores incidents.
//
// Incidents are the only mutable entity. Creation is put-if-absent keyed by the
// content-derived incident id, and every update is conditioned on the version
// the caller last read.
type IncidentRepository interface {
	// Create stores a new incident if no incident with the same ID exists.
	//
	// Possible errors:
	//   - ErrAlreadyExists: incident with this ID already exists
	//   - ErrInvalidInput: incident fails validation
	//   - ErrConnectionFailed: storage system is unavailable
	//   - ErrTimeout: operation exceeded context deadline
	Create(ctx context.Context, incident *domain.Incident) error

	// Get retrieves an incident by its unique identifier, including its events.
	//
	// Possible errors:
	//   - ErrNotFound: incident does not exist
	//   - ErrConnectionFailed: storage system is unavailable
	//   - ErrTimeout: operation exceeded context deadline
	Get(ctx context.Context, id string) (*domain.Incident, error)

	// List retrieves incidents based on the provided filter criteria.
	//
	// Possible errors:
	//   - ErrInvalidInput: filter parameters are invalid
	//   - ErrConnectionFailed: storage system is unavailable
	List(ctx context.Context, filter ListFilter) (*ListResult, error)

	// Update replaces the stored incident if its stored version equals
	// expectedVersion. The incident passed in carries the new version.
	//
	// Possible errors:
	//   - ErrNotFound: incident does not exist
	//   - ErrInvalidInput: incident fails validation
	//   - ErrConflict: stored version differs from expectedVersion
	//   - ErrConnectionFailed: storage system is unavailable
	Update(ctx context.Context, incident *domain.Incident, expectedVersion int) error

	// FindActiveByCorrelationKey returns the most recently created incident
	// raised from the given correlation key whose status is active.
	//
	// Possible errors:
	//   - ErrNotFound: no active incident exists for the key
	//   - ErrConnectionFailed: storage system is unavailable
	FindActiveByCorrelationKey(ctx context.Context, correlationKey string) (*domain.Incident, error)
}
