package incidents

import (
	"context"

	"github.com/bissquit/incident-medic/internal/domain"
)

// Repository is the durable record store behind the incident store.
// Every method is atomic per call.
type Repository interface {
	// Save inserts the incident or replaces an older version of it. It returns
	// ErrStaleIncident when the stored version is not older, and ErrFingerprintTaken
	// when a different active incident owns the fingerprint.
	Save(ctx context.Context, incident *domain.Incident) error
	// Load returns ErrIncidentNotFound for unknown ids.
	Load(ctx context.Context, id string) (*domain.Incident, error)
	// LoadByFingerprint returns the non-terminal incident owning fingerprint,
	// or ErrIncidentNotFound.
	LoadByFingerprint(ctx context.Context, fingerprint string) (*domain.Incident, error)
	// List returns incidents matching filter, newest first.
	List(ctx context.Context, filter Filter) ([]domain.Incident, error)
}

// Filter represents filter criteria for listing incidents.
type Filter struct {
	Statuses  []domain.IncidentStatus
	ErrorCode string
	Limit     int
	Offset    int
}

// Matches reports whether incident satisfies the filter, ignoring pagination.
func (f Filter) Matches(incident *domain.Incident) bool {
	if f.ErrorCode != "" && incident.ErrorCode != f.ErrorCode {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if incident.Status == s {
			return true
		}
	}
	return false
}

// Page applies Offset and Limit to an already sorted result.
func (f Filter) Page(items []domain.Incident) []domain.Incident {
	if f.Offset > 0 {
		if f.Offset >= len(items) {
			return []domain.Incident{}
		}
		items = items[f.Offset:]
	}
	if f.Limit > 0 && len(items) > f.Limit {
		items = items[:f.Limit]
	}
	return items
}
