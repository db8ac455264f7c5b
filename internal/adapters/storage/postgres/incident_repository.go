package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

// IncidentRepository implements ports.IncidentRepository using PostgreSQL.
//
// Incident history lives in incident_events, ordered by its position in the
// incident's event list. Events are append-only: an update inserts the events
// that are not yet stored and never rewrites existing ones.
type IncidentRepository struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

const incidentColumns = `
	i.id, i.decision_id, i.candidate_id, i.correlation_key, i.title, i.service,
	i.severity, i.status, i.resolution, i.version, i.created_at, i.updated_at`

// NewIncidentRepository creates a new PostgreSQL incident repository.
//
// The pool is pinged before the repository is returned.
func NewIncidentRepository(pool *pgxpool.Pool, logger *logging.Logger) (*IncidentRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: connection pool cannot be nil", ports.ErrInvalidInput)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", ports.ErrInvalidInput)
	}
	if err := ping(pool); err != nil {
		return nil, err
	}
	return &IncidentRepository{
		pool:   pool,
		logger: logger.WithComponent("postgres_incident_repository"),
	}, nil
}

// Create stores a new incident with its events in one transaction.
//
// Returns ErrAlreadyExists if the incident id or its decision id is taken.
func (r *IncidentRepository) Create(ctx context.Context, incident *domain.Incident) error {
	if incident == nil {
		return ports.ErrInvalidInput
	}
	if err := incident.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrInvalidInput, err)
	}

	logger := r.logger.WithFields("operation", "create_incident", "incident_id", incident.ID)

	resolution, err := marshalResolution(incident.Resolution)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to begin transaction")
		return mapError(logger, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO incidents (
			id, decision_id, candidate_id, correlation_key, title, service,
			severity, status, resolution, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		incident.ID,
		incident.DecisionID,
		incident.CandidateID,
		incident.CorrelationKey,
		incident.Title,
		incident.Service,
		string(incident.Severity),
		string(incident.Status),
		resolution,
		incident.Version,
		incident.CreatedAt,
		incident.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			logger.Debug("Incident already exists")
			return ports.ErrAlreadyExists
		}
		logger.WithError(err).Error("Failed to insert incident")
		return mapError(logger, err)
	}

	if err := insertEvents(ctx, tx, incident.ID, incident.Events); err != nil {
		logger.WithError(err).Error("Failed to insert incident events")
		return mapError(logger, err)
	}

	if err := tx.Commit(ctx); err != nil {
		logger.WithError(err).Error("Failed to commit transaction")
		return mapError(logger, err)
	}

	logger.Info("Incident created", "status", string(incident.Status))
	return nil
}

// Get retrieves an incident with its complete event history.
func (r *IncidentRepository) Get(ctx context.Context, id string) (*domain.Incident, error) {
	if id == "" {
		return nil, ports.ErrInvalidInput
	}

	logger := r.logger.WithFields("operation", "get_incident", "incident_id", id)

	row := r.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents i WHERE i.id = $1`, id)
	incident, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ports.ErrNotFound
		}
		logger.WithError(err).Error("Failed to scan incident")
		return nil, mapError(logger, err)
	}

	if err := r.loadEvents(ctx, []*domain.Incident{incident}); err != nil {
		logger.WithError(err).Error("Failed to load events")
		return nil, mapError(logger, err)
	}
	return incident, nil
}

// List retrieves incidents matching the filter, with their events.
func (r *IncidentRepository) List(ctx context.Context, filter ports.ListFilter) (*ports.ListResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	logger := r.logger.WithFields("operation", "list_incidents", "limit", filter.Limit, "offset", filter.Offset)

	query, countQuery, args, countArgs := buildListQuery(filter)

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		logger.WithError(err).Error("Failed to count incidents")
		return nil, mapError(logger, err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		logger.WithError(err).Error("Failed to query incidents")
		return nil, mapError(logger, err)
	}
	defer rows.Close()

	incidents := []*domain.Incident{}
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			logger.WithError(err).Error("Failed to scan incident row")
			return nil, mapError(logger, err)
		}
		incidents = append(incidents, incident)
	}
	if err := rows.Err(); err != nil {
		logger.WithError(err).Error("Error during row iteration")
		return nil, mapError(logger, err)
	}

	if err := r.loadEvents(ctx, incidents); err != nil {
		logger.WithError(err).Error("Failed to load events")
		return nil, mapError(logger, err)
	}

	logger.Debug("Incidents listed", "total", total, "returned", len(incidents))
	return &ports.ListResult{
		Incidents: incidents,
		Total:     total,
		Limit:     filter.Limit,
		Offset:    filter.Offset,
		HasMore:   filter.Offset+len(incidents) < total,
	}, nil
}

// Update replaces the stored incident if its stored version equals
// expectedVersion, and appends any events not yet stored.
//
// Returns ErrNotFound if the incident doesn't exist.
// Returns ErrConflict if the stored version differs.
func (r *IncidentRepository) Update(ctx context.Context, incident *domain.Incident, expectedVersion int) error {
	if incident == nil {
		return ports.ErrInvalidInput
	}
	if err := incident.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrInvalidInput, err)
	}

	logger := r.logger.WithFields(
		"operation", "update_incident",
		"incident_id", incident.ID,
		"expected_version", expectedVersion,
	)

	resolution, err := marshalResolution(incident.Resolution)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to begin transaction")
		return mapError(logger, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE incidents SET
			title = $2, service = $3, severity = $4, status = $5,
			resolution = $6, version = $7, updated_at = $8
		WHERE id = $1 AND version = $9`,
		incident.ID,
		incident.Title,
		incident.Service,
		string(incident.Severity),
		string(incident.Status),
		resolution,
		incident.Version,
		incident.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		logger.WithError(err).Error("Failed to update incident")
		return mapError(logger, err)
	}

	if tag.RowsAffected() == 0 {
		var current int
		err := tx.QueryRow(ctx, "SELECT version FROM incidents WHERE id = $1", incident.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ports.ErrNotFound
		}
		if err != nil {
			return mapError(logger, err)
		}
		logger.Warn("Concurrent modification detected", "current_version", current)
		return fmt.Errorf("%w: expected version %d, found %d", ports.ErrConflict, expectedVersion, current)
	}

	if err := insertEvents(ctx, tx, incident.ID, incident.Events); err != nil {
		logger.WithError(err).Error("Failed to append incident events")
		return mapError(logger, err)
	}

	if err := tx.Commit(ctx); err != nil {
		logger.WithError(err).Error("Failed to commit transaction")
		return mapError(logger, err)
	}

	logger.Info("Incident updated", "status", string(incident.Status), "version", incident.Version)
	return nil
}

// FindActiveByCorrelationKey returns the newest OPEN or MITIGATING incident
// raised from the correlation key.
func (r *IncidentRepository) FindActiveByCorrelationKey(ctx context.Context, correlationKey string) (*domain.Incident, error) {
	logger := r.logger.WithFields("operation", "find_active_incident", "correlation_key", correlationKey)

	row := r.pool.QueryRow(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents i
		WHERE i.correlation_key = $1 AND i.status = ANY($2)
		ORDER BY i.created_at DESC, i.id ASC
		LIMIT 1`,
		correlationKey, activeStatuses())

	incident, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ports.ErrNotFound
		}
		logger.WithError(err).Error("Failed to find active incident")
		return nil, mapError(logger, err)
	}

	if err := r.loadEvents(ctx, []*domain.Incident{incident}); err != nil {
		return nil, mapError(logger, err)
	}
	return incident, nil
}

func activeStatuses() []string {
	var out []string
	for _, s := range domain.AllStatuses {
		if s.IsActive() {
			out = append(out, string(s))
		}
	}
	return out
}

// loadEvents attaches stored events to each incident in one query.
func (r *IncidentRepository) loadEvents(ctx context.Context, incidents []*domain.Incident) error {
	if len(incidents) == 0 {
		return nil
	}

	byID := make(map[string]*domain.Incident, len(incidents))
	ids := make([]string, 0, len(incidents))
	for _, incident := range incidents {
		byID[incident.ID] = incident
		ids = append(ids, incident.ID)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, incident_id, type, actor, description, metadata, occurred_at
		FROM incident_events
		WHERE incident_id = ANY($1)
		ORDER BY incident_id, position`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var event domain.Event
		var metadata []byte
		if err := rows.Scan(&event.ID, &event.IncidentID, &event.Type, &event.Actor,
			&event.Description, &metadata, &event.OccurredAt); err != nil {
			return err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
			if len(event.Metadata) == 0 {
				event.Metadata = nil
			}
		}
		event.OccurredAt = event.OccurredAt.UTC()
		incident := byID[event.IncidentID]
		incident.Events = append(incident.Events, event)
	}
	return rows.Err()
}

// insertEvents stores events keyed by their position in the incident's list.
// Positions already stored are skipped.
func insertEvents(ctx context.Context, tx pgx.Tx, incidentID string, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for position, event := range events {
		metadata, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		if event.Metadata == nil {
			metadata = []byte("{}")
		}
		batch.Queue(`
			INSERT INTO incident_events (
				id, incident_id, position, type, actor, description, metadata, occurred_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (incident_id, position) DO NOTHING`,
			event.ID, incidentID, position, event.Type, event.Actor,
			event.Description, metadata, event.OccurredAt)
	}
	return tx.SendBatch(ctx, batch).Close()
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var incident domain.Incident
	var severity, status string
	var resolution []byte

	err := row.Scan(
		&incident.ID,
		&incident.DecisionID,
		&incident.CandidateID,
		&incident.CorrelationKey,
		&incident.Title,
		&incident.Service,
		&severity,
		&status,
		&resolution,
		&incident.Version,
		&incident.CreatedAt,
		&incident.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	incident.Severity = domain.Severity(severity)
	incident.Status = domain.Status(status)
	incident.CreatedAt = incident.CreatedAt.UTC()
	incident.UpdatedAt = incident.UpdatedAt.UTC()

	if len(resolution) > 0 {
		var res domain.Resolution
		if err := json.Unmarshal(resolution, &res); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resolution: %w", err)
		}
		res.ResolvedAt = res.ResolvedAt.UTC()
		incident.Resolution = &res
	}
	return &incident, nil
}

func marshalResolution(res *domain.Resolution) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resolution: %w", err)
	}
	return data, nil
}

// sortExpressions maps the filter's sort fields to SQL. Severity and status
// sort by rank rather than alphabetically.
var sortExpressions = map[string]string{
	ports.SortCreatedAt: "i.created_at",
	ports.SortUpdatedAt: "i.updated_at",
	ports.SortSeverity:  "CASE i.severity WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 WHEN 'low' THEN 3 ELSE 4 END",
	ports.SortStatus:    "CASE i.status WHEN 'PENDING' THEN 0 WHEN 'OPEN' THEN 1 WHEN 'MITIGATING' THEN 2 WHEN 'RESOLVED' THEN 3 ELSE 4 END",
}

// buildListQuery constructs the list and count queries for a validated filter.
func buildListQuery(filter ports.ListFilter) (query, countQuery string, args, countArgs []any) {
	var conditions []string
	param := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		conditions = append(conditions, "i.status = ANY("+param(statuses)+")")
	}
	if len(filter.Severity) > 0 {
		severities := make([]string, len(filter.Severity))
		for i, s := range filter.Severity {
			severities[i] = string(s)
		}
		conditions = append(conditions, "i.severity = ANY("+param(severities)+")")
	}
	if filter.Service != "" {
		conditions = append(conditions, "i.service = "+param(filter.Service))
	}
	if filter.CorrelationKey != "" {
		conditions = append(conditions, "i.correlation_key = "+param(filter.CorrelationKey))
	}
	if filter.CreatedAfter != nil {
		conditions = append(conditions, "i.created_at >= "+param(*filter.CreatedAfter))
	}
	if filter.CreatedBefore != nil {
		conditions = append(conditions, "i.created_at <= "+param(*filter.CreatedBefore))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery = "SELECT COUNT(*) FROM incidents i" + where
	countArgs = append([]any(nil), args...)

	order := strings.ToUpper(filter.SortOrder)
	query = "SELECT " + incidentColumns + " FROM incidents i" + where +
		fmt.Sprintf(" ORDER BY %s %s, i.id %s", sortExpressions[filter.SortBy], order, order)
	query += " LIMIT " + param(filter.Limit) + " OFFSET " + param(filter.Offset)

	return query, countQuery, args, countArgs
}
