// Package badger provides an embedded BadgerDB implementation of the incident repository.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/incidents"
	"github.com/bissquit/incident-medic/internal/pkg/badgerdb"
	"github.com/dgraph-io/badger/v4"
)

const (
	incidentPrefix    = "incident/"
	fingerprintPrefix = "fingerprint/"
)

// Repository implements incidents.Repository on BadgerDB.
type Repository struct {
	db *badgerdb.DB
}

// NewRepository creates a new BadgerDB repository.
func NewRepository(db *badgerdb.DB) *Repository {
	return &Repository{db: db}
}

func incidentKey(id string) []byte {
	return []byte(incidentPrefix + id)
}

func fingerprintKey(fp string) []byte {
	return []byte(fingerprintPrefix + fp)
}

// Save writes the incident and maintains the active fingerprint key in one transaction.
func (r *Repository) Save(ctx context.Context, incident *domain.Incident) error {
	data, err := json.Marshal(record{Incident: incident, FlowID: incident.FlowID})
	if err != nil {
		return fmt.Errorf("encode incident: %w", err)
	}

	err = r.db.Update(ctx, func(txn *badger.Txn) error {
		stored, err := getIncident(txn, incident.ID)
		switch {
		case err == nil:
			if stored.Version >= incident.Version {
				return incidents.ErrStaleIncident
			}
		case !errors.Is(err, incidents.ErrIncidentNotFound):
			return err
		}

		fpKey := fingerprintKey(incident.Fingerprint)
		owner, err := fingerprintOwner(txn, fpKey)
		if err != nil {
			return err
		}
		if owner != "" && owner != incident.ID && !incident.Status.IsTerminal() {
			return incidents.ErrFingerprintTaken
		}

		if err := txn.Set(incidentKey(incident.ID), data); err != nil {
			return err
		}
		switch {
		case !incident.Status.IsTerminal():
			return txn.Set(fpKey, []byte(incident.ID))
		case owner == incident.ID:
			return txn.Delete(fpKey)
		}
		return nil
	})
	if errors.Is(err, incidents.ErrStaleIncident) || errors.Is(err, incidents.ErrFingerprintTaken) {
		return err
	}
	if err != nil {
		return fmt.Errorf("save incident: %w", err)
	}
	return nil
}

// Load retrieves an incident by id.
func (r *Repository) Load(ctx context.Context, id string) (*domain.Incident, error) {
	var inc *domain.Incident
	err := r.db.View(ctx, func(txn *badger.Txn) error {
		var err error
		inc, err = getIncident(txn, id)
		return err
	})
	if err != nil {
		if errors.Is(err, incidents.ErrIncidentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load incident: %w", err)
	}
	return inc, nil
}

// LoadByFingerprint retrieves the active incident owning fingerprint.
func (r *Repository) LoadByFingerprint(ctx context.Context, fingerprint string) (*domain.Incident, error) {
	var inc *domain.Incident
	err := r.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(fingerprintKey(fingerprint))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return incidents.ErrIncidentNotFound
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		inc, err = getIncident(txn, string(id))
		return err
	})
	if err != nil {
		if errors.Is(err, incidents.ErrIncidentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load incident by fingerprint: %w", err)
	}
	return inc, nil
}

// List scans all incidents and returns those matching filter, newest first.
func (r *Repository) List(ctx context.Context, filter incidents.Filter) ([]domain.Incident, error) {
	result := make([]domain.Incident, 0)
	err := r.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(incidentPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			inc, err := decode(it.Item())
			if err != nil {
				return err
			}
			if filter.Matches(inc) {
				result = append(result, *inc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return filter.Page(result), nil
}

// record persists the flow id, which is hidden from the JSON API.
type record struct {
	*domain.Incident
	FlowID string `json:"flow_id,omitempty"`
}

func getIncident(txn *badger.Txn, id string) (*domain.Incident, error) {
	item, err := txn.Get(incidentKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, incidents.ErrIncidentNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(item)
}

// fingerprintOwner returns the id stored under fpKey, or "" when there is none.
func fingerprintOwner(txn *badger.Txn, fpKey []byte) (string, error) {
	item, err := txn.Get(fpKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	owner, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(owner), nil
}

func decode(item *badger.Item) (*domain.Incident, error) {
	rec := record{Incident: &domain.Incident{}}
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("decode incident %s: %w", item.Key(), err)
	}
	rec.Incident.FlowID = rec.FlowID
	return rec.Incident, nil
}
