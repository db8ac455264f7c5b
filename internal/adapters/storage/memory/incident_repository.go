// Package memory provides in-memory storage implementations for testing and development.
//
// This package contains thread-safe, in-memory implementations of the keyed store
// and the incident repository. They back the default "memory" storage type and act
// as reference implementations for the PostgreSQL adapters.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
)

// IncidentRepository is a thread-safe in-memory implementation of ports.IncidentRepository.
//
// Incidents are deep-copied on every read and write. Updates are conditioned on
// the stored version, matching the optimistic concurrency of the PostgreSQL
// repository.
//
// Note: Data is lost when the process terminates.
type IncidentRepository struct {
	mu        sync.RWMutex
	incidents map[string]*domain.Incident
}

// NewIncidentRepository creates a new in-memory incident repository.
func NewIncidentRepository() *IncidentRepository {
	return &IncidentRepository{
		incidents: make(map[string]*domain.Incident),
	}
}

// Create stores a new incident. Returns ErrAlreadyExists if an incident with
// the same ID already exists.
func (r *IncidentRepository) Create(ctx context.Context, incident *domain.Incident) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if incident == nil {
		return ports.ErrInvalidInput
	}

	if err := incident.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrInvalidInput, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.incidents[incident.ID]; exists {
		return ports.ErrAlreadyExists
	}

	r.incidents[incident.ID] = copyIncident(incident)
	return nil
}

// Get retrieves an incident by its unique identifier.
func (r *IncidentRepository) Get(ctx context.Context, id string) (*domain.Incident, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if id == "" {
		return nil, ports.ErrInvalidInput
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	incident, exists := r.incidents[id]
	if !exists {
		return nil, ports.ErrNotFound
	}

	return copyIncident(incident), nil
}

// List retrieves incidents based on the provided filter criteria.
func (r *IncidentRepository) List(ctx context.Context, filter ports.ListFilter) (*ports.ListResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if err := filter.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*domain.Incident
	for _, incident := range r.incidents {
		if matchesFilter(incident, filter) {
			matched = append(matched, copyIncident(incident))
		}
	}

	sortIncidents(matched, filter.SortBy, filter.SortOrder)

	total := len(matched)
	start := filter.Offset
	end := start + filter.Limit

	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	page := make([]*domain.Incident, 0, end-start)
	if start < end {
		page = append(page, matched[start:end]...)
	}

	return &ports.ListResult{
		Incidents: page,
		Total:     total,
		Limit:     filter.Limit,
		Offset:    filter.Offset,
		HasMore:   end < total,
	}, nil
}

// Update replaces the stored incident if its version equals expectedVersion.
func (r *IncidentRepository) Update(ctx context.Context, incident *domain.Incident, expectedVersion int) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if incident == nil {
		return ports.ErrInvalidInput
	}

	if err := incident.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrInvalidInput, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.incidents[incident.ID]
	if !exists {
		return ports.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: expected version %d, found %d", ports.ErrConflict, expectedVersion, stored.Version)
	}

	r.incidents[incident.ID] = copyIncident(incident)
	return nil
}

// FindActiveByCorrelationKey returns the newest active incident raised from
// the correlation key.
func (r *IncidentRepository) FindActiveByCorrelationKey(ctx context.Context, correlationKey string) (*domain.Incident, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var newest *domain.Incident
	for _, incident := range r.incidents {
		if incident.CorrelationKey != correlationKey || !incident.Status.IsActive() {
			continue
		}
		if newest == nil || incident.CreatedAt.After(newest.CreatedAt) ||
			(incident.CreatedAt.Equal(newest.CreatedAt) && incident.ID < newest.ID) {
			newest = incident
		}
	}
	if newest == nil {
		return nil, ports.ErrNotFound
	}
	return copyIncident(newest), nil
}

// Count returns the total number of incidents in the repository.
func (r *IncidentRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.incidents)
}

// copyIncident creates a deep copy of an incident to prevent external modifications.
func copyIncident(incident *domain.Incident) *domain.Incident {
	out := *incident

	if incident.Resolution != nil {
		resolution := *incident.Resolution
		out.Resolution = &resolution
	}

	if incident.Events != nil {
		out.Events = make([]domain.Event, len(incident.Events))
		for i, event := range incident.Events {
			out.Events[i] = copyEvent(event)
		}
	}

	return &out
}

func copyEvent(event domain.Event) domain.Event {
	out := event
	if event.Metadata != nil {
		out.Metadata = make(map[string]string, len(event.Metadata))
		for k, v := range event.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// matchesFilter checks if an incident matches the given filter criteria.
func matchesFilter(incident *domain.Incident, filter ports.ListFilter) bool {
	if len(filter.Status) > 0 {
		found := false
		for _, status := range filter.Status {
			if incident.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(filter.Severity) > 0 {
		found := false
		for _, severity := range filter.Severity {
			if incident.Severity == severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if filter.Service != "" && incident.Service != filter.Service {
		return false
	}
	if filter.CorrelationKey != "" && incident.CorrelationKey != filter.CorrelationKey {
		return false
	}

	if filter.CreatedAfter != nil && incident.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && incident.CreatedAt.After(*filter.CreatedBefore) {
		return false
	}

	return true
}

// statusOrder ranks statuses along the lifecycle.
var statusOrder = map[domain.Status]int{
	domain.StatusPending:    0,
	domain.StatusOpen:       1,
	domain.StatusMitigating: 2,
	domain.StatusResolved:   3,
	domain.StatusClosed:     4,
}

// sortIncidents sorts the incidents slice according to the specified criteria.
// Ties fall back to the incident id so pages are stable.
func sortIncidents(incidents []*domain.Incident, sortBy, sortOrder string) {
	sort.SliceStable(incidents, func(i, j int) bool {
		a, b := incidents[i], incidents[j]
		if sortOrder == "desc" {
			a, b = b, a
		}

		switch sortBy {
		case ports.SortUpdatedAt:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
		case ports.SortSeverity:
			if a.Severity != b.Severity {
				return a.Severity.MoreSevereThan(b.Severity)
			}
		case ports.SortStatus:
			if a.Status != b.Status {
				return statusOrder[a.Status] < statusOrder[b.Status]
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		}
		return a.ID < b.ID
	})
}
