// Package incidents provides the concurrency-safe incident store and its
// durable repositories.
package incidents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/google/uuid"
)

// Mutator changes a private copy of an incident. Returning an error discards the copy.
type Mutator func(incident *domain.Incident) error

// CommitHook runs after a mutation is durably saved, while the incident is still locked.
type CommitHook func(incident *domain.Incident)

// entry serializes mutations of one incident.
type entry struct {
	mu       sync.Mutex
	incident atomic.Pointer[domain.Incident]
	// removed is set once the entry has left the index; waiters must look it up again.
	removed bool
}

// Store keeps the live incidents in memory and writes every change through to a Repository.
//
// Lock order is entry.mu before s.mu. Code holding s.mu never waits for an entry lock;
// it only locks entries it has just created and not yet published.
type Store struct {
	repo Repository
	now  func() time.Time

	mu            sync.Mutex
	byFingerprint map[string]string
	entries       map[string]*entry
	// creating holds the entry of a fingerprint whose incident is being resolved.
	creating map[string]*entry
}

// NewStore creates an incident store.
func NewStore(repo Repository) *Store {
	return &Store{
		repo:          repo,
		now:           func() time.Time { return time.Now().UTC() },
		byFingerprint: make(map[string]string),
		entries:       make(map[string]*entry),
		creating:      make(map[string]*entry),
	}
}

// Warm rebuilds the fingerprint index from the repository.
func (s *Store) Warm(ctx context.Context) (int, error) {
	active, err := s.repo.List(ctx, Filter{Statuses: domain.ActiveStatuses()})
	if err != nil {
		return 0, fmt.Errorf("list active incidents: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range active {
		inc := active[i]
		if _, ok := s.entries[inc.ID]; ok {
			continue
		}
		e := &entry{}
		e.incident.Store(&inc)
		s.entries[inc.ID] = e
		s.byFingerprint[inc.Fingerprint] = inc.ID
	}
	return len(active), nil
}

// GetOrCreate returns the active incident owning fingerprint, creating an open one
// when none exists. created reports whether this call created it.
//
// Callers racing on the same fingerprint wait for the first one; other
// fingerprints are not held up by the repository round trip.
func (s *Store) GetOrCreate(ctx context.Context, fingerprint, errorCode string) (*domain.Incident, bool, error) {
	if fingerprint == "" {
		return nil, false, ErrEmptyFingerprint
	}

	for {
		s.mu.Lock()
		if id, ok := s.byFingerprint[fingerprint]; ok {
			if e, ok := s.entries[id]; ok {
				inc := e.incident.Load().Clone()
				s.mu.Unlock()
				return inc, false, nil
			}
		}
		if pending, ok := s.creating[fingerprint]; ok {
			s.mu.Unlock()
			// The creator holds the entry lock until the incident is indexed or dropped.
			pending.mu.Lock()
			pending.mu.Unlock()
			continue
		}

		e := &entry{}
		e.mu.Lock()
		s.creating[fingerprint] = e
		s.mu.Unlock()

		inc, created, err := s.resolve(ctx, fingerprint, errorCode)

		s.mu.Lock()
		delete(s.creating, fingerprint)
		if err == nil {
			inc = s.publish(e, inc)
		} else {
			e.removed = true
		}
		s.mu.Unlock()
		e.mu.Unlock()

		if err != nil {
			return nil, false, err
		}
		return inc.Clone(), created, nil
	}
}

// resolve finds the active incident for fingerprint in the repository or saves a new one.
func (s *Store) resolve(ctx context.Context, fingerprint, errorCode string) (*domain.Incident, bool, error) {
	existing, err := s.repo.LoadByFingerprint(ctx, fingerprint)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrIncidentNotFound) {
		return nil, false, fmt.Errorf("load incident by fingerprint: %w", err)
	}

	now := s.now()
	inc := &domain.Incident{
		ID:                  uuid.NewString(),
		Fingerprint:         fingerprint,
		ErrorCode:           errorCode,
		Status:              domain.IncidentStatusOpen,
		Symptoms:            []domain.Symptom{},
		RemediationAttempts: []domain.RemediationAttempt{},
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.repo.Save(ctx, inc); err != nil {
		if !errors.Is(err, ErrFingerprintTaken) {
			return nil, false, fmt.Errorf("save new incident: %w", err)
		}
		// Another writer sharing the repository created it first.
		existing, err := s.repo.LoadByFingerprint(ctx, fingerprint)
		if err != nil {
			return nil, false, fmt.Errorf("load incident by fingerprint: %w", err)
		}
		return existing, false, nil
	}

	recordIncidentCreated(errorCode)
	return inc, true, nil
}

// publish indexes a resolved incident under e, or under the entry already
// loaded for its id. Caller must hold s.mu and e.mu.
func (s *Store) publish(e *entry, inc *domain.Incident) *domain.Incident {
	s.byFingerprint[inc.Fingerprint] = inc.ID
	if current, ok := s.entries[inc.ID]; ok {
		e.removed = true
		return current.incident.Load()
	}
	e.incident.Store(inc)
	s.entries[inc.ID] = e
	return inc
}

// WithLock applies mutate under the incident's lock and returns the committed copy.
func (s *Store) WithLock(ctx context.Context, id string, mutate Mutator) (*domain.Incident, error) {
	return s.Update(ctx, id, mutate, nil)
}

// Update applies mutate to a private copy of the incident, saves it and only then
// makes it visible. onCommit, if set, runs after the save with the lock still held.
func (s *Store) Update(ctx context.Context, id string, mutate Mutator, onCommit CommitHook) (*domain.Incident, error) {
	for {
		e, err := s.entryFor(ctx, id)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}

		result, err := s.apply(ctx, e, mutate, onCommit)
		// A stale copy is dropped so the next access reloads it.
		if errors.Is(err, ErrStaleIncident) || e.incident.Load().Status.IsTerminal() {
			s.evict(e)
		}
		e.mu.Unlock()
		return result, err
	}
}

// apply runs one mutation. Caller must hold e.mu.
func (s *Store) apply(ctx context.Context, e *entry, mutate Mutator, onCommit CommitHook) (*domain.Incident, error) {
	current := e.incident.Load()
	next := current.Clone()

	if err := mutate(next); err != nil {
		return nil, err
	}

	next.ID = current.ID
	next.Fingerprint = current.Fingerprint
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = s.now()

	if err := s.repo.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("save incident: %w", err)
	}
	e.incident.Store(next)

	if onCommit != nil {
		onCommit(next.Clone())
	}
	return next.Clone(), nil
}

// evict removes a terminal incident from the index. Caller must hold e.mu.
func (s *Store) evict(e *entry) {
	inc := e.incident.Load()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[inc.ID] == e {
		delete(s.entries, inc.ID)
	}
	if s.byFingerprint[inc.Fingerprint] == inc.ID {
		delete(s.byFingerprint, inc.Fingerprint)
	}
	e.removed = true
}

// entryFor returns the lock entry for id, loading the incident from the repository
// when it is not held in memory.
func (s *Store) entryFor(ctx context.Context, id string) (*entry, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if ok {
		return e, nil
	}

	inc, err := s.repo.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrIncidentNotFound) {
			return nil, ErrIncidentNotFound
		}
		return nil, fmt.Errorf("load incident: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[id]; ok {
		return existing, nil
	}
	e = &entry{}
	e.incident.Store(inc)
	s.entries[id] = e
	if _, owned := s.byFingerprint[inc.Fingerprint]; !owned && !inc.Status.IsTerminal() {
		s.byFingerprint[inc.Fingerprint] = id
	}
	return e, nil
}

// Get returns a copy of the incident.
func (s *Store) Get(ctx context.Context, id string) (*domain.Incident, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if ok {
		return e.incident.Load().Clone(), nil
	}

	inc, err := s.repo.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrIncidentNotFound) {
			return nil, ErrIncidentNotFound
		}
		return nil, fmt.Errorf("load incident: %w", err)
	}
	return inc, nil
}

// List returns incidents from the repository.
func (s *Store) List(ctx context.Context, filter Filter) ([]domain.Incident, error) {
	items, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	return items, nil
}

// Active returns copies of the incidents currently owning a fingerprint.
func (s *Store) Active() []*domain.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*domain.Incident, 0, len(s.byFingerprint))
	for _, id := range s.byFingerprint {
		if e, ok := s.entries[id]; ok && e.incident.Load() != nil {
			result = append(result, e.incident.Load().Clone())
		}
	}
	return result
}

// OpenCount returns the number of incidents that are not resolved or failed.
func (s *Store) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byFingerprint)
}
