package incidents

import "errors"

// Sentinel errors.
var (
	ErrIncidentNotFound = errors.New("incident not found")
	ErrEmptyFingerprint = errors.New("fingerprint is empty")
	// ErrStaleIncident is returned by Save when a newer version is already stored.
	ErrStaleIncident = errors.New("incident version is stale")
	// ErrFingerprintTaken is returned by Save when another active incident owns the fingerprint.
	ErrFingerprintTaken = errors.New("fingerprint owned by another active incident")
)
