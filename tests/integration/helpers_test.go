//go:build integration

package integration

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/testutil"
	"github.com/stretchr/testify/require"
)

// reportFault posts a fault and returns the incident it was attached to.
func reportFault(t *testing.T, client *testutil.Client, code, symptom string, breadcrumbs ...string) string {
	t.Helper()

	resp, err := client.POST("/api/v1/faults", map[string]any{
		"error_code":   code,
		"symptom_text": symptom,
		"source":       map[string]any{"breadcrumbs": breadcrumbs},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var result struct {
		Data struct {
			IncidentID string `json:"incident_id"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	require.NotEmpty(t, result.Data.IncidentID)
	return result.Data.IncidentID
}

func getIncident(t *testing.T, client *testutil.Client, id string) domain.Incident {
	t.Helper()

	resp, err := client.GET("/api/v1/incidents/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data domain.Incident `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}

// waitForStatus polls until the incident reaches status.
func waitForStatus(t *testing.T, baseURL, id string, status domain.IncidentStatus) {
	t.Helper()

	client := testutil.NewClient(baseURL)
	require.Eventually(t, func() bool {
		resp, err := client.GET("/api/v1/incidents/" + id)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()

		var result struct {
			Data domain.Incident `json:"data"`
		}
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&result) != nil {
			return false
		}
		return result.Data.Status == status
	}, 10*time.Second, 50*time.Millisecond, "incident %s never reached %s", id, status)
}
