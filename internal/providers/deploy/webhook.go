// Package deploy ships remediation patches to an external deploy pipeline.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/pkg/ctxlog"
	"github.com/bissquit/incident-medic/internal/providers/patch"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 60 * time.Second
	maxResponseBytes = 64 << 10
)

// Config holds webhook deployer configuration.
type Config struct {
	URL   string
	Token string
	// RateLimit is the number of deploys per second; zero disables limiting.
	RateLimit     float64
	Burst         int
	Timeout       time.Duration
	MaxPatchLines int
}

// Webhook posts deploy requests to a CI/CD webhook that applies the patch,
// redeploys the service and verifies it.
type Webhook struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewWebhook creates a webhook deployer.
func NewWebhook(config Config) (*Webhook, error) {
	if config.URL == "" {
		return nil, errors.New("deploy webhook url is required")
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), max(config.Burst, 1))
	}

	return &Webhook{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
	}, nil
}

type webhookPayload struct {
	IncidentID string      `json:"incident_id"`
	PatchRef   string      `json:"patch_ref"`
	Patch      string      `json:"patch,omitempty"`
	Stats      patch.Stats `json:"stats"`
}

// ApplyAndDeploy validates the patch, waits for a rate limit slot and posts
// the request. The webhook answers with a domain.DeployResult body.
func (w *Webhook) ApplyAndDeploy(ctx context.Context, req domain.DeployRequest) (*domain.DeployResult, error) {
	if req.PatchRef == "" {
		return nil, &PermanentError{Message: "patch ref is empty"}
	}
	stats, err := patch.Validate(req.Patch, w.config.MaxPatchLines)
	if err != nil {
		return nil, &PermanentError{Message: err.Error()}
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limit: %w", err)
	}

	body, err := json.Marshal(webhookPayload{
		IncidentID: req.IncidentID,
		PatchRef:   req.PatchRef,
		Patch:      req.Patch,
		Stats:      stats,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if w.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.config.Token)
	}

	ctxlog.FromContext(ctx).Info("posting deploy request",
		"patch_ref", req.PatchRef,
		"files", len(stats.Files),
	)

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp)
}

func handleResponse(resp *http.Response) (*domain.DeployResult, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &RetryableError{Message: fmt.Sprintf("read response: %v", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result domain.DeployResult
		if len(bytes.TrimSpace(body)) == 0 {
			return nil, &RetryableError{Code: resp.StatusCode, Message: "empty response"}
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
		}
		return &result, nil

	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return nil, &RetryableError{Code: resp.StatusCode, Message: "deploy pipeline busy"}

	case resp.StatusCode >= 500:
		return nil, &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", string(body))}

	default:
		return nil, &PermanentError{Code: resp.StatusCode, Message: fmt.Sprintf("deploy rejected: %s", string(body))}
	}
}
