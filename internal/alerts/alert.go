// Package alerts announces terminal incident transitions to chat.
package alerts

import (
	"context"
	"strings"
	"time"

	"github.com/bissquit/incident-medic/internal/domain"
)

// Message is a rendered alert.
type Message struct {
	Subject string
	Body    string
}

// Sender delivers rendered alerts to one chat destination.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Alert is the template data for one terminal transition.
type Alert struct {
	IncidentID  string
	ErrorCode   string
	Status      string
	From        string
	Detail      string
	RootCause   string
	PatchRef    string
	Confidence  float64
	Provider    string
	Symptoms    int
	Attempts    int
	LastOutcome string
	LastError   string
	OpenedAt    time.Time
	ClosedAt    time.Time
	IncidentURL string
}

// NewAlert builds template data from a transition event and the incident it
// moved. baseURL, when set, links the alert to the incident resource.
func NewAlert(event domain.TransitionEvent, inc *domain.Incident, baseURL string) Alert {
	a := Alert{
		IncidentID: event.IncidentID,
		Status:     string(event.To),
		From:       string(event.From),
		Detail:     event.Detail,
		ClosedAt:   event.Timestamp,
	}
	if baseURL != "" {
		a.IncidentURL = strings.TrimRight(baseURL, "/") + "/" + event.IncidentID
	}
	if inc == nil {
		return a
	}

	a.ErrorCode = inc.ErrorCode
	a.Symptoms = len(inc.Symptoms)
	a.Attempts = len(inc.RemediationAttempts)
	a.LastError = inc.LastError
	a.OpenedAt = inc.CreatedAt
	if d := inc.Diagnosis; d != nil {
		a.RootCause = d.RootCause
		a.PatchRef = d.SuggestedPatchRef
		a.Confidence = d.Confidence
		a.Provider = d.Provider
	}
	if n := len(inc.RemediationAttempts); n > 0 {
		a.LastOutcome = string(inc.RemediationAttempts[n-1].Outcome)
	}
	return a
}

// Duration is how long the incident stayed active.
func (a Alert) Duration() time.Duration {
	if a.OpenedAt.IsZero() || a.ClosedAt.Before(a.OpenedAt) {
		return 0
	}
	return a.ClosedAt.Sub(a.OpenedAt)
}
