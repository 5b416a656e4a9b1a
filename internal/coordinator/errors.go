package coordinator

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrAlreadyInProgress = errors.New("operation already in progress")
	ErrInvalidState      = errors.New("incident is not in a valid state for this operation")
	ErrNotActionable     = errors.New("diagnosis has no suggested patch")
	ErrNoActiveFlow      = errors.New("no active flow for incident")
	ErrShuttingDown      = errors.New("coordinator is shutting down")

	errStaleResult    = errors.New("stale flow result")
	errIncidentClosed = errors.New("incident closed")
)

// VerificationError reports a deployment that completed without passing verification.
// It is retried like any other call error.
type VerificationError struct {
	Detail string
}

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return "deployment not verified"
	}
	return fmt.Sprintf("deployment not verified: %s", e.Detail)
}
