package domain

import "time"

// HistoryEntry summarizes a prior resolved incident with the same error code.
type HistoryEntry struct {
	IncidentID string             `json:"incident_id"`
	ErrorCode  string             `json:"error_code"`
	RootCause  string             `json:"root_cause"`
	PatchRef   string             `json:"patch_ref,omitempty"`
	Outcome    RemediationOutcome `json:"outcome,omitempty"`
	ResolvedAt time.Time          `json:"resolved_at"`
}

// IncidentContext is what the reasoning provider sees when diagnosing.
type IncidentContext struct {
	Incident *Incident
	History  []HistoryEntry
}

// DeployRequest asks the patch/deploy provider to ship a fix.
type DeployRequest struct {
	IncidentID string `json:"incident_id"`
	PatchRef   string `json:"patch_ref"`
	Patch      string `json:"patch,omitempty"`
}

// DeployResult is the outcome of a deployment. Deployed is true only when
// the redeployed service was verified healthy.
type DeployResult struct {
	Deployed bool   `json:"deployed"`
	Detail   string `json:"detail,omitempty"`
}
