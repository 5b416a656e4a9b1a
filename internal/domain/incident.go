package domain

import (
	"errors"
	"fmt"
	"time"
)

// IncidentStatus represents the lifecycle status of an incident.
type IncidentStatus string

// Incident statuses.
const (
	IncidentStatusOpen        IncidentStatus = "open"
	IncidentStatusDiagnosing  IncidentStatus = "diagnosing"
	IncidentStatusDiagnosed   IncidentStatus = "diagnosed"
	IncidentStatusRemediating IncidentStatus = "remediating"
	IncidentStatusResolved    IncidentStatus = "resolved"
	IncidentStatusFailed      IncidentStatus = "failed"
)

// ErrInvalidTransition is returned when a status change is not allowed by the state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions lists every allowed status change.
// diagnosing->open and remediating->diagnosed are the revert paths used on
// cancellation and when a provider's circuit is open.
var transitions = map[IncidentStatus][]IncidentStatus{
	IncidentStatusOpen:        {IncidentStatusDiagnosing},
	IncidentStatusDiagnosing:  {IncidentStatusDiagnosed, IncidentStatusFailed, IncidentStatusOpen},
	IncidentStatusDiagnosed:   {IncidentStatusRemediating},
	IncidentStatusRemediating: {IncidentStatusResolved, IncidentStatusFailed, IncidentStatusDiagnosed},
}

// IsValid checks if the status is known.
func (s IncidentStatus) IsValid() bool {
	switch s {
	case IncidentStatusOpen, IncidentStatusDiagnosing, IncidentStatusDiagnosed,
		IncidentStatusRemediating, IncidentStatusResolved, IncidentStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the incident no longer owns its fingerprint.
func (s IncidentStatus) IsTerminal() bool {
	return s == IncidentStatusResolved || s == IncidentStatusFailed
}

// CanTransitionTo checks if moving from s to next is allowed.
func (s IncidentStatus) CanTransitionTo(next IncidentStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ActiveStatuses returns the statuses of incidents that still own their fingerprint.
func ActiveStatuses() []IncidentStatus {
	return []IncidentStatus{
		IncidentStatusOpen,
		IncidentStatusDiagnosing,
		IncidentStatusDiagnosed,
		IncidentStatusRemediating,
	}
}

// Symptom is a single fault observation attached to an incident.
type Symptom struct {
	ErrorCode  string        `json:"error_code"`
	Text       string        `json:"text"`
	OccurredAt time.Time     `json:"occurred_at"`
	Source     SourceContext `json:"source"`
}

// Diagnosis is the reasoning provider's verdict for an incident.
type Diagnosis struct {
	RootCause         string    `json:"root_cause"`
	SuggestedPatchRef string    `json:"suggested_patch_ref,omitempty"`
	Patch             string    `json:"patch,omitempty"`
	Confidence        float64   `json:"confidence"`
	Provider          string    `json:"provider,omitempty"`
	DiagnosedAt       time.Time `json:"diagnosed_at"`
}

// IsActionable reports whether the diagnosis carries a fix that can be deployed.
func (d *Diagnosis) IsActionable() bool {
	return d != nil && d.SuggestedPatchRef != ""
}

// RemediationOutcome describes how a remediation attempt ended.
type RemediationOutcome string

// Remediation outcomes.
const (
	RemediationOutcomeInProgress RemediationOutcome = "in_progress"
	RemediationOutcomeSucceeded  RemediationOutcome = "succeeded"
	RemediationOutcomeFailed     RemediationOutcome = "failed"
	RemediationOutcomeCancelled  RemediationOutcome = "cancelled"
	RemediationOutcomeRejected   RemediationOutcome = "rejected"
	RemediationOutcomeAbandoned  RemediationOutcome = "abandoned"
)

// RemediationAttempt records one run of the patch/deploy provider.
type RemediationAttempt struct {
	StartedAt time.Time          `json:"started_at"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
	Outcome   RemediationOutcome `json:"outcome"`
	Detail    string             `json:"detail,omitempty"`
}

// Incident is the aggregate tracking one fault from detection to resolution.
type Incident struct {
	ID                  string               `json:"id"`
	Fingerprint         string               `json:"fingerprint"`
	ErrorCode           string               `json:"error_code"`
	Status              IncidentStatus       `json:"status"`
	Symptoms            []Symptom            `json:"symptoms"`
	Diagnosis           *Diagnosis           `json:"diagnosis,omitempty"`
	RemediationAttempts []RemediationAttempt `json:"remediation_attempts"`
	LastError           string               `json:"last_error,omitempty"`
	FlowID              string               `json:"-"`
	Version             int64                `json:"version"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// TransitionTo moves the incident to next and returns the transition event.
func (i *Incident) TransitionTo(next IncidentStatus, at time.Time, detail string) (TransitionEvent, error) {
	if !i.Status.CanTransitionTo(next) {
		return TransitionEvent{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.Status, next)
	}

	event := TransitionEvent{
		IncidentID: i.ID,
		From:       i.Status,
		To:         next,
		Timestamp:  at,
		Detail:     detail,
	}
	i.Status = next
	return event, nil
}

// ActiveAttempt returns the remediation attempt still in progress, if any.
func (i *Incident) ActiveAttempt() *RemediationAttempt {
	for idx := range i.RemediationAttempts {
		if i.RemediationAttempts[idx].EndedAt == nil {
			return &i.RemediationAttempts[idx]
		}
	}
	return nil
}

// Clone returns a deep copy so callers never share slices with the store.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}

	c := *i
	if i.Symptoms != nil {
		c.Symptoms = make([]Symptom, len(i.Symptoms))
		for idx, s := range i.Symptoms {
			c.Symptoms[idx] = s
			c.Symptoms[idx].Source = s.Source.clone()
		}
	}
	if i.Diagnosis != nil {
		d := *i.Diagnosis
		c.Diagnosis = &d
	}
	if i.RemediationAttempts != nil {
		c.RemediationAttempts = make([]RemediationAttempt, len(i.RemediationAttempts))
		for idx, a := range i.RemediationAttempts {
			c.RemediationAttempts[idx] = a
			if a.EndedAt != nil {
				ended := *a.EndedAt
				c.RemediationAttempts[idx].EndedAt = &ended
			}
		}
	}
	return &c
}
