package domain

import "time"

// TransitionEvent is published once for every committed status change.
type TransitionEvent struct {
	Seq        uint64         `json:"seq"`
	IncidentID string         `json:"incident_id"`
	From       IncidentStatus `json:"from"`
	To         IncidentStatus `json:"to"`
	Timestamp  time.Time      `json:"timestamp"`
	Detail     string         `json:"detail,omitempty"`
}
