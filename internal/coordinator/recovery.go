package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/pkg/ctxlog"
)

// Recover reverts incidents left diagnosing or remediating by a previous process
// to a state from which they can be re-triggered. It returns the number reverted.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	logger := ctxlog.FromContext(ctx)

	recovered := 0
	for _, inc := range c.store.Active() {
		if inc.Status != domain.IncidentStatusDiagnosing && inc.Status != domain.IncidentStatusRemediating {
			continue
		}
		if c.liveFlow(inc.ID, inc.FlowID) {
			continue
		}

		_, err := c.commit(ctx, inc.ID, func(i *domain.Incident, rec *recorder) error {
			if i.FlowID != "" && c.liveFlow(i.ID, i.FlowID) {
				return errStaleResult
			}
			i.FlowID = ""

			switch i.Status {
			case domain.IncidentStatusDiagnosing:
				return rec.move(i, domain.IncidentStatusOpen, "recovered after restart")
			case domain.IncidentStatusRemediating:
				if attempt := i.ActiveAttempt(); attempt != nil {
					ended := rec.now
					attempt.EndedAt = &ended
					attempt.Outcome = domain.RemediationOutcomeAbandoned
					attempt.Detail = "process restarted during remediation"
				}
				return rec.move(i, domain.IncidentStatusDiagnosed, "recovered after restart")
			default:
				return errStaleResult
			}
		}, nil)
		if errors.Is(err, errStaleResult) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("recover incident %s: %w", inc.ID, err)
		}

		recovered++
		logger.Info("recovered interrupted incident", "incident_id", inc.ID, "status", inc.Status)
	}
	return recovered, nil
}

// Retrigger starts diagnosis for every open incident. It returns the number started.
func (c *Coordinator) Retrigger(ctx context.Context) int {
	logger := ctxlog.FromContext(ctx)

	started := 0
	for _, inc := range c.store.Active() {
		if inc.Status != domain.IncidentStatusOpen {
			continue
		}

		err := c.Diagnose(ctx, inc.ID)
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrShuttingDown):
			return started
		case errors.Is(err, ErrAlreadyInProgress), errors.Is(err, ErrInvalidState):
		default:
			logger.Error("failed to re-trigger diagnosis", "incident_id", inc.ID, "error", err)
		}
	}

	if started > 0 {
		logger.Info("re-triggered diagnosis", "incidents", started)
	}
	return started
}
