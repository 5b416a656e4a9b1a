// Package memory provides an in-process implementation of the incident repository.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/incidents"
)

// Repository implements incidents.Repository on a map.
type Repository struct {
	mu     sync.RWMutex
	items  map[string]*domain.Incident
	active map[string]string
}

// NewRepository creates an empty in-memory repository.
func NewRepository() *Repository {
	return &Repository{
		items:  make(map[string]*domain.Incident),
		active: make(map[string]string),
	}
}

// Save stores a copy of the incident.
func (r *Repository) Save(_ context.Context, incident *domain.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stored, ok := r.items[incident.ID]; ok && stored.Version >= incident.Version {
		return incidents.ErrStaleIncident
	}
	owner, owned := r.active[incident.Fingerprint]
	if owned && owner != incident.ID && !incident.Status.IsTerminal() {
		return incidents.ErrFingerprintTaken
	}

	r.items[incident.ID] = incident.Clone()
	switch {
	case !incident.Status.IsTerminal():
		r.active[incident.Fingerprint] = incident.ID
	case owner == incident.ID:
		delete(r.active, incident.Fingerprint)
	}
	return nil
}

// Load returns a copy of the incident with the given id.
func (r *Repository) Load(_ context.Context, id string) (*domain.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inc, ok := r.items[id]
	if !ok {
		return nil, incidents.ErrIncidentNotFound
	}
	return inc.Clone(), nil
}

// LoadByFingerprint returns the active incident owning fingerprint.
func (r *Repository) LoadByFingerprint(_ context.Context, fingerprint string) (*domain.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.active[fingerprint]
	if !ok {
		return nil, incidents.ErrIncidentNotFound
	}
	return r.items[id].Clone(), nil
}

// List returns incidents matching filter, newest first.
func (r *Repository) List(_ context.Context, filter incidents.Filter) ([]domain.Incident, error) {
	r.mu.RLock()
	result := make([]domain.Incident, 0, len(r.items))
	for _, inc := range r.items {
		if filter.Matches(inc) {
			result = append(result, *inc.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return filter.Page(result), nil
}
