package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/incidents"
	"github.com/bissquit/incident-medic/internal/pkg/ctxlog"
	"github.com/bissquit/incident-medic/internal/resilience"
)

// Diagnose re-triggers diagnosis of an open incident.
func (c *Coordinator) Diagnose(ctx context.Context, id string) error {
	fl, err := c.newFlow(flowDiagnosis, c.baseCtx)
	if err != nil {
		return err
	}

	_, err = c.commit(ctx, id, func(inc *domain.Incident, rec *recorder) error {
		switch inc.Status {
		case domain.IncidentStatusOpen:
		case domain.IncidentStatusDiagnosing:
			return ErrAlreadyInProgress
		default:
			return fmt.Errorf("%w: incident is %s", ErrInvalidState, inc.Status)
		}
		inc.FlowID = fl.id
		return rec.move(inc, domain.IncidentStatusDiagnosing, "diagnosis requested")
	}, func(inc *domain.Incident) {
		c.register(inc.ID, fl)
	})
	if err != nil {
		c.discard(fl)
		return err
	}

	go c.runDiagnosis(fl, id)
	return nil
}

// runDiagnosis calls the reasoning provider and applies its result.
func (c *Coordinator) runDiagnosis(fl *flow, id string) {
	ctx := flowContext(fl, id)
	logger := ctxlog.FromContext(ctx)

	result := "failed"
	defer func() { c.finish(id, fl, result) }()

	inc, err := c.store.Get(ctx, id)
	if err != nil {
		logger.Error("failed to load incident for diagnosis", "error", err)
		inc = nil
	}

	var diag *domain.Diagnosis
	if inc != nil {
		ic := domain.IncidentContext{Incident: inc, History: c.history(ctx, inc)}
		logger.Info("diagnosis started", "symptoms", len(inc.Symptoms), "history", len(ic.History))

		diag, err = resilience.Do(ctx, c.diagnosisPolicy, func(ctx context.Context) (*domain.Diagnosis, error) {
			return c.reasoning.Diagnose(ctx, ic)
		})
		if err == nil && diag == nil {
			err = &resilience.ExhaustedError{Attempts: 1, LastErr: errors.New("reasoning provider returned no diagnosis")}
		}
	}

	committed, applyErr := c.applyDiagnosis(resultContext(ctx), id, fl.id, diag, err)
	switch {
	case errors.Is(applyErr, errStaleResult):
		logger.Info("discarded stale diagnosis result")
		result = "stale"
		return
	case applyErr != nil:
		logger.Error("failed to record diagnosis result", "error", applyErr)
		return
	}

	result = string(committed.Status)
	switch committed.Status {
	case domain.IncidentStatusDiagnosed:
		logger.Info("diagnosis completed",
			"root_cause", committed.Diagnosis.RootCause,
			"confidence", committed.Diagnosis.Confidence,
			"patch_ref", committed.Diagnosis.SuggestedPatchRef,
		)
		c.maybeAutoRemediate(ctx, committed)
	case domain.IncidentStatusFailed:
		logger.Warn("diagnosis failed", "error", err)
	default:
		logger.Info("diagnosis interrupted", "status", committed.Status, "error", err)
	}
}

// applyDiagnosis records the outcome of a diagnosis flow if that flow still owns the incident.
func (c *Coordinator) applyDiagnosis(ctx context.Context, id, flowID string, diag *domain.Diagnosis, callErr error) (*domain.Incident, error) {
	return c.commit(ctx, id, func(inc *domain.Incident, rec *recorder) error {
		if inc.FlowID != flowID || inc.Status != domain.IncidentStatusDiagnosing {
			return errStaleResult
		}
		inc.FlowID = ""

		switch {
		case callErr == nil:
			d := *diag
			if d.Provider == "" {
				d.Provider = c.reasoning.Name()
			}
			if d.DiagnosedAt.IsZero() {
				d.DiagnosedAt = rec.now
			}
			inc.Diagnosis = &d
			inc.LastError = ""
			return rec.move(inc, domain.IncidentStatusDiagnosed, "root cause identified")

		case errors.Is(callErr, resilience.ErrCancelled):
			return rec.move(inc, domain.IncidentStatusOpen, "diagnosis cancelled")

		case errors.Is(callErr, resilience.ErrCircuitOpen) && c.config.CircuitOpenPolicy == CircuitOpenReopen:
			inc.LastError = callErr.Error()
			return rec.move(inc, domain.IncidentStatusOpen, "reasoning provider unavailable")

		default:
			inc.LastError = callErr.Error()
			return rec.move(inc, domain.IncidentStatusFailed, "diagnosis failed")
		}
	}, nil)
}

// history returns prior resolved incidents with the same error code.
func (c *Coordinator) history(ctx context.Context, inc *domain.Incident) []domain.HistoryEntry {
	if c.config.HistoryLimit == 0 {
		return nil
	}

	prior, err := c.store.List(ctx, incidents.Filter{
		Statuses:  []domain.IncidentStatus{domain.IncidentStatusResolved},
		ErrorCode: inc.ErrorCode,
		Limit:     c.config.HistoryLimit,
	})
	if err != nil {
		ctxlog.FromContext(ctx).Warn("failed to load incident history", "error", err)
		return nil
	}

	entries := make([]domain.HistoryEntry, 0, len(prior))
	for _, p := range prior {
		if p.ID == inc.ID || p.Diagnosis == nil {
			continue
		}
		entry := domain.HistoryEntry{
			IncidentID: p.ID,
			ErrorCode:  p.ErrorCode,
			RootCause:  p.Diagnosis.RootCause,
			PatchRef:   p.Diagnosis.SuggestedPatchRef,
			ResolvedAt: p.UpdatedAt,
		}
		if n := len(p.RemediationAttempts); n > 0 {
			entry.Outcome = p.RemediationAttempts[n-1].Outcome
		}
		entries = append(entries, entry)
	}
	return entries
}

func (c *Coordinator) maybeAutoRemediate(ctx context.Context, inc *domain.Incident) {
	if !c.config.AutoRemediate || !inc.Diagnosis.IsActionable() {
		return
	}
	if inc.Diagnosis.Confidence < c.config.MinConfidence {
		ctxlog.FromContext(ctx).Info("diagnosis below auto-remediation confidence",
			"confidence", inc.Diagnosis.Confidence,
			"min_confidence", c.config.MinConfidence,
		)
		return
	}

	err := c.RemediateAsync(resultContext(ctx), inc.ID)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyInProgress), errors.Is(err, ErrInvalidState), errors.Is(err, ErrShuttingDown):
		ctxlog.FromContext(ctx).Debug("auto-remediation skipped", "reason", err)
	default:
		ctxlog.FromContext(ctx).Error("failed to start auto-remediation", "error", err)
	}
}
