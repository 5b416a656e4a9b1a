package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncidentStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from IncidentStatus
		to   IncidentStatus
		want bool
	}{
		{IncidentStatusOpen, IncidentStatusDiagnosing, true},
		{IncidentStatusOpen, IncidentStatusDiagnosed, false},
		{IncidentStatusDiagnosing, IncidentStatusDiagnosed, true},
		{IncidentStatusDiagnosing, IncidentStatusFailed, true},
		{IncidentStatusDiagnosing, IncidentStatusOpen, true},
		{IncidentStatusDiagnosed, IncidentStatusRemediating, true},
		{IncidentStatusDiagnosed, IncidentStatusResolved, false},
		{IncidentStatusRemediating, IncidentStatusResolved, true},
		{IncidentStatusRemediating, IncidentStatusFailed, true},
		{IncidentStatusRemediating, IncidentStatusDiagnosed, true},
		{IncidentStatusResolved, IncidentStatusOpen, false},
		{IncidentStatusFailed, IncidentStatusOpen, false},
		{IncidentStatusFailed, IncidentStatusDiagnosing, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestIncidentStatus_IsTerminal(t *testing.T) {
	assert.True(t, IncidentStatusResolved.IsTerminal())
	assert.True(t, IncidentStatusFailed.IsTerminal())
	for _, s := range ActiveStatuses() {
		assert.False(t, s.IsTerminal(), s)
		assert.True(t, s.IsValid(), s)
	}
	assert.False(t, IncidentStatus("bogus").IsValid())
}

func TestIncident_TransitionTo(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	inc := &Incident{ID: "inc-1", Status: IncidentStatusOpen}

	event, err := inc.TransitionTo(IncidentStatusDiagnosing, now, "fault received")
	require.NoError(t, err)
	assert.Equal(t, IncidentStatusDiagnosing, inc.Status)
	assert.Equal(t, TransitionEvent{
		IncidentID: "inc-1",
		From:       IncidentStatusOpen,
		To:         IncidentStatusDiagnosing,
		Timestamp:  now,
		Detail:     "fault received",
	}, event)

	_, err = inc.TransitionTo(IncidentStatusResolved, now, "")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, IncidentStatusDiagnosing, inc.Status)
}

func TestIncident_Clone(t *testing.T) {
	ended := time.Now()
	orig := &Incident{
		ID: "inc-1",
		Symptoms: []Symptom{{
			Text:   "boom",
			Source: SourceContext{Breadcrumbs: []string{"a"}},
		}},
		Diagnosis:           &Diagnosis{RootCause: "x"},
		RemediationAttempts: []RemediationAttempt{{EndedAt: &ended}},
	}

	c := orig.Clone()
	c.Symptoms[0].Text = "changed"
	c.Symptoms[0].Source.Breadcrumbs[0] = "b"
	c.Diagnosis.RootCause = "y"
	*c.RemediationAttempts[0].EndedAt = ended.Add(time.Hour)

	assert.Equal(t, "boom", orig.Symptoms[0].Text)
	assert.Equal(t, "a", orig.Symptoms[0].Source.Breadcrumbs[0])
	assert.Equal(t, "x", orig.Diagnosis.RootCause)
	assert.Equal(t, ended, *orig.RemediationAttempts[0].EndedAt)

	var nilIncident *Incident
	assert.Nil(t, nilIncident.Clone())
}

func TestIncident_ActiveAttempt(t *testing.T) {
	ended := time.Now()
	inc := &Incident{RemediationAttempts: []RemediationAttempt{
		{EndedAt: &ended, Outcome: RemediationOutcomeFailed},
	}}
	assert.Nil(t, inc.ActiveAttempt())

	inc.RemediationAttempts = append(inc.RemediationAttempts, RemediationAttempt{Outcome: RemediationOutcomeInProgress})
	active := inc.ActiveAttempt()
	require.NotNil(t, active)
	active.Outcome = RemediationOutcomeSucceeded
	assert.Equal(t, RemediationOutcomeSucceeded, inc.RemediationAttempts[1].Outcome)
}

func TestRole_HasPermission(t *testing.T) {
	assert.True(t, RoleAdmin.HasPermission(RoleOperator))
	assert.True(t, RoleOperator.HasPermission(RoleOperator))
	assert.False(t, RoleViewer.HasPermission(RoleOperator))
	assert.False(t, Role("").HasPermission(Role("")))
}
