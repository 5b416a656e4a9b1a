package deploy

import (
	"context"
	"fmt"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/pkg/ctxlog"
	"github.com/bissquit/incident-medic/internal/providers/patch"
)

// DryRun validates patches and reports them deployed without shipping
// anything. It stands in for a deploy pipeline in local setups.
type DryRun struct {
	maxPatchLines int
}

// NewDryRun creates a dry-run deployer.
func NewDryRun(maxPatchLines int) *DryRun {
	return &DryRun{maxPatchLines: maxPatchLines}
}

// ApplyAndDeploy validates the patch and logs what would have been shipped.
func (d *DryRun) ApplyAndDeploy(ctx context.Context, req domain.DeployRequest) (*domain.DeployResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.PatchRef == "" {
		return nil, &PermanentError{Message: "patch ref is empty"}
	}
	stats, err := patch.Validate(req.Patch, d.maxPatchLines)
	if err != nil {
		return nil, &PermanentError{Message: err.Error()}
	}

	ctxlog.FromContext(ctx).Info("dry run deploy",
		"patch_ref", req.PatchRef,
		"files", stats.Files,
		"added", stats.Added,
		"changed", stats.Changed,
		"deleted", stats.Deleted,
	)
	touched := stats.Added + stats.Changed + stats.Deleted
	return &domain.DeployResult{
		Deployed: true,
		Detail:   fmt.Sprintf("dry run: %s, %d file(s), %d line(s) touched", req.PatchRef, len(stats.Files), touched),
	}, nil
}
