package domain

import "time"

// SourceContext describes where a fault was observed.
type SourceContext struct {
	Service     string   `json:"service,omitempty"`
	Route       string   `json:"route,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Latency     string   `json:"latency,omitempty"`
	LogGroup    string   `json:"log_group,omitempty"`
	LogStream   string   `json:"log_stream,omitempty"`
	Breadcrumbs []string `json:"breadcrumbs,omitempty"`
}

func (s SourceContext) clone() SourceContext {
	if s.Breadcrumbs != nil {
		s.Breadcrumbs = append([]string(nil), s.Breadcrumbs...)
	}
	return s
}

// Fault is a validated fault signal handed to the coordinator.
type Fault struct {
	ErrorCode   string
	SymptomText string
	OccurredAt  time.Time
	Source      SourceContext
}

// Symptom converts the fault into an incident observation.
func (f Fault) Symptom() Symptom {
	return Symptom{
		ErrorCode:  f.ErrorCode,
		Text:       f.SymptomText,
		OccurredAt: f.OccurredAt,
		Source:     f.Source.clone(),
	}
}
