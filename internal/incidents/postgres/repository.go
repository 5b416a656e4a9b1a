// Package postgres provides PostgreSQL implementation of the incident repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/incidents"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is an interface for database operations that both *pgxpool.Pool and pgx.Tx implement.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository implements incidents.Repository using PostgreSQL.
type Repository struct {
	db querier
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const (
	uniqueViolation        = "23505"
	activeFingerprintIndex = "idx_incidents_active_fingerprint"
)

const selectColumns = `
	SELECT id, fingerprint, error_code, status, symptoms, diagnosis,
	       remediation_attempts, last_error, flow_id, version, created_at, updated_at
	FROM incidents
`

// Save upserts the incident. An update only applies over an older version.
func (r *Repository) Save(ctx context.Context, incident *domain.Incident) error {
	symptoms, err := json.Marshal(nonNil(incident.Symptoms))
	if err != nil {
		return fmt.Errorf("encode symptoms: %w", err)
	}
	attempts, err := json.Marshal(nonNil(incident.RemediationAttempts))
	if err != nil {
		return fmt.Errorf("encode remediation attempts: %w", err)
	}
	var diagnosis []byte
	if incident.Diagnosis != nil {
		diagnosis, err = json.Marshal(incident.Diagnosis)
		if err != nil {
			return fmt.Errorf("encode diagnosis: %w", err)
		}
	}

	query := `
		INSERT INTO incidents (
			id, fingerprint, error_code, status, symptoms, diagnosis,
			remediation_attempts, last_error, flow_id, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			symptoms = EXCLUDED.symptoms,
			diagnosis = EXCLUDED.diagnosis,
			remediation_attempts = EXCLUDED.remediation_attempts,
			last_error = EXCLUDED.last_error,
			flow_id = EXCLUDED.flow_id,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE incidents.version < EXCLUDED.version
	`
	tag, err := r.db.Exec(ctx, query,
		incident.ID,
		incident.Fingerprint,
		incident.ErrorCode,
		incident.Status,
		symptoms,
		diagnosis,
		attempts,
		incident.LastError,
		incident.FlowID,
		incident.Version,
		incident.CreatedAt,
		incident.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == activeFingerprintIndex {
			return incidents.ErrFingerprintTaken
		}
		return fmt.Errorf("save incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return incidents.ErrStaleIncident
	}
	return nil
}

// Load retrieves an incident by its ID.
func (r *Repository) Load(ctx context.Context, id string) (*domain.Incident, error) {
	inc, err := scanIncident(r.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incidents.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("load incident: %w", err)
	}
	return inc, nil
}

// LoadByFingerprint retrieves the active incident owning the fingerprint.
func (r *Repository) LoadByFingerprint(ctx context.Context, fingerprint string) (*domain.Incident, error) {
	query := selectColumns + `
		WHERE fingerprint = $1
		  AND status IN ('open', 'diagnosing', 'diagnosed', 'remediating')
	`
	inc, err := scanIncident(r.db.QueryRow(ctx, query, fingerprint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incidents.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("load incident by fingerprint: %w", err)
	}
	return inc, nil
}

// List retrieves incidents matching the filter, newest first.
func (r *Repository) List(ctx context.Context, filter incidents.Filter) ([]domain.Incident, error) {
	query, args := buildListQuery(filter)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		result = append(result, *inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return result, nil
}

func buildListQuery(filter incidents.Filter) (string, []any) {
	var (
		conditions []string
		args       []any
	)

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.ErrorCode != "" {
		args = append(args, filter.ErrorCode)
		conditions = append(conditions, fmt.Sprintf("error_code = $%d", len(args)))
	}

	query := selectColumns
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var (
		inc                          domain.Incident
		symptoms, diagnosis, attempts []byte
	)
	err := row.Scan(
		&inc.ID,
		&inc.Fingerprint,
		&inc.ErrorCode,
		&inc.Status,
		&symptoms,
		&diagnosis,
		&attempts,
		&inc.LastError,
		&inc.FlowID,
		&inc.Version,
		&inc.CreatedAt,
		&inc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(symptoms, &inc.Symptoms); err != nil {
		return nil, fmt.Errorf("decode symptoms: %w", err)
	}
	if err := json.Unmarshal(attempts, &inc.RemediationAttempts); err != nil {
		return nil, fmt.Errorf("decode remediation attempts: %w", err)
	}
	if len(diagnosis) > 0 {
		inc.Diagnosis = &domain.Diagnosis{}
		if err := json.Unmarshal(diagnosis, inc.Diagnosis); err != nil {
			return nil, fmt.Errorf("decode diagnosis: %w", err)
		}
	}
	return &inc, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
