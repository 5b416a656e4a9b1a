package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/pkg/ctxlog"
	"github.com/bissquit/incident-medic/internal/resilience"
)

// Remediate deploys the diagnosed fix and waits for the outcome.
// It returns the provider error when the remediation did not resolve the incident.
func (c *Coordinator) Remediate(ctx context.Context, id string) error {
	fl, req, err := c.beginRemediation(ctx, id, ctx)
	if err != nil {
		return err
	}
	return c.runRemediation(fl, id, req)
}

// RemediateAsync starts remediation in the background after the same guard as Remediate.
func (c *Coordinator) RemediateAsync(ctx context.Context, id string) error {
	fl, req, err := c.beginRemediation(ctx, id, c.baseCtx)
	if err != nil {
		return err
	}
	go func() {
		_ = c.runRemediation(fl, id, req)
	}()
	return nil
}

// beginRemediation moves a diagnosed incident to remediating and opens an attempt,
// in one critical section.
func (c *Coordinator) beginRemediation(ctx context.Context, id string, parent context.Context) (*flow, domain.DeployRequest, error) {
	fl, err := c.newFlow(flowRemediation, parent)
	if err != nil {
		return nil, domain.DeployRequest{}, err
	}

	inc, err := c.commit(ctx, id, func(inc *domain.Incident, rec *recorder) error {
		switch inc.Status {
		case domain.IncidentStatusDiagnosed:
		case domain.IncidentStatusRemediating:
			return ErrAlreadyInProgress
		default:
			return fmt.Errorf("%w: incident is %s", ErrInvalidState, inc.Status)
		}
		if !inc.Diagnosis.IsActionable() {
			return ErrNotActionable
		}

		inc.FlowID = fl.id
		inc.RemediationAttempts = append(inc.RemediationAttempts, domain.RemediationAttempt{
			StartedAt: rec.now,
			Outcome:   domain.RemediationOutcomeInProgress,
		})
		return rec.move(inc, domain.IncidentStatusRemediating, "remediation started")
	}, func(inc *domain.Incident) {
		c.register(inc.ID, fl)
	})
	if err != nil {
		c.discard(fl)
		return nil, domain.DeployRequest{}, err
	}

	return fl, domain.DeployRequest{
		IncidentID: inc.ID,
		PatchRef:   inc.Diagnosis.SuggestedPatchRef,
		Patch:      inc.Diagnosis.Patch,
	}, nil
}

// runRemediation calls the deployer and applies its result.
func (c *Coordinator) runRemediation(fl *flow, id string, req domain.DeployRequest) error {
	ctx := flowContext(fl, id)
	logger := ctxlog.FromContext(ctx)
	logger.Info("remediation started", "patch_ref", req.PatchRef)

	result := "failed"
	defer func() { c.finish(id, fl, result) }()

	res, err := resilience.Do(ctx, c.remediationPolicy, func(ctx context.Context) (*domain.DeployResult, error) {
		r, err := c.deployer.ApplyAndDeploy(ctx, req)
		if err != nil {
			return nil, err
		}
		if r == nil || !r.Deployed {
			detail := ""
			if r != nil {
				detail = r.Detail
			}
			return r, &VerificationError{Detail: detail}
		}
		return r, nil
	})

	committed, applyErr := c.applyRemediation(resultContext(ctx), id, fl.id, res, err)
	switch {
	case errors.Is(applyErr, errStaleResult):
		logger.Info("discarded stale remediation result")
		result = "stale"
		return fmt.Errorf("remediate incident: %w", errStaleResult)
	case applyErr != nil:
		logger.Error("failed to record remediation result", "error", applyErr)
		return fmt.Errorf("record remediation result: %w", applyErr)
	}

	result = string(committed.Status)
	if committed.Status == domain.IncidentStatusResolved {
		logger.Info("incident resolved", "patch_ref", req.PatchRef)
		return nil
	}
	logger.Warn("remediation did not resolve incident", "status", committed.Status, "error", err)
	return fmt.Errorf("remediate incident: %w", err)
}

// applyRemediation closes the active attempt and moves the incident on, if the
// flow still owns it.
func (c *Coordinator) applyRemediation(ctx context.Context, id, flowID string, res *domain.DeployResult, callErr error) (*domain.Incident, error) {
	return c.commit(ctx, id, func(inc *domain.Incident, rec *recorder) error {
		if inc.FlowID != flowID || inc.Status != domain.IncidentStatusRemediating {
			return errStaleResult
		}
		inc.FlowID = ""

		attempt := inc.ActiveAttempt()
		if attempt == nil {
			inc.RemediationAttempts = append(inc.RemediationAttempts, domain.RemediationAttempt{StartedAt: rec.now})
			attempt = &inc.RemediationAttempts[len(inc.RemediationAttempts)-1]
		}
		ended := rec.now
		attempt.EndedAt = &ended

		switch {
		case callErr == nil:
			attempt.Outcome = domain.RemediationOutcomeSucceeded
			attempt.Detail = res.Detail
			inc.LastError = ""
			return rec.move(inc, domain.IncidentStatusResolved, "patch deployed and verified")

		case errors.Is(callErr, resilience.ErrCancelled):
			attempt.Outcome = domain.RemediationOutcomeCancelled
			attempt.Detail = "cancelled"
			return rec.move(inc, domain.IncidentStatusDiagnosed, "remediation cancelled")

		case errors.Is(callErr, resilience.ErrCircuitOpen) && c.config.CircuitOpenPolicy == CircuitOpenReopen:
			attempt.Outcome = domain.RemediationOutcomeAbandoned
			attempt.Detail = callErr.Error()
			inc.LastError = callErr.Error()
			return rec.move(inc, domain.IncidentStatusDiagnosed, "deploy provider unavailable")

		default:
			attempt.Outcome = domain.RemediationOutcomeFailed
			if isPermanent(callErr) {
				attempt.Outcome = domain.RemediationOutcomeRejected
			}
			attempt.Detail = callErr.Error()
			inc.LastError = callErr.Error()
			return rec.move(inc, domain.IncidentStatusFailed, "remediation failed")
		}
	}, nil)
}

// isPermanent reports whether err was marked non-retryable by the provider.
func isPermanent(err error) bool {
	var r interface{ IsRetryable() bool }
	return errors.As(err, &r) && !r.IsRetryable()
}
