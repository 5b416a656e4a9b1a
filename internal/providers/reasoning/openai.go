// Package reasoning adapts chat-completion models to the coordinator's
// reasoning provider interface.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/pkg/ctxlog"
	"github.com/bissquit/incident-medic/internal/providers/patch"
	openai "github.com/sashabaranov/go-openai"
)

// ProviderName identifies diagnoses made by this provider.
const ProviderName = "openai"

const defaultModel = "gpt-4o-mini"

const systemPrompt = `You are an on-call site reliability engineer.
Given an incident (error code, symptoms with breadcrumbs) and prior resolved incidents
with the same error code, identify the root cause and, if you are confident, propose a
fix as a unified diff.
Reply with a single JSON object:
{"root_cause": string, "suggested_patch_ref": string, "patch": string, "confidence": number between 0 and 1}
Leave suggested_patch_ref and patch empty when no safe fix is known.`

// Config holds OpenAI provider configuration.
type Config struct {
	APIKey        string
	Model         string
	BaseURL       string
	Temperature   float32
	MaxPatchLines int
}

// OpenAI diagnoses incidents with a chat-completion model.
type OpenAI struct {
	client        *openai.Client
	model         string
	temperature   float32
	maxPatchLines int
	now           func() time.Time
}

// NewOpenAI creates an OpenAI-backed reasoning provider. BaseURL may point at
// any OpenAI-compatible endpoint.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	slog.Info("initializing openai reasoning provider", "model", cfg.Model)
	return &OpenAI{
		client:        openai.NewClientWithConfig(clientConfig),
		model:         cfg.Model,
		temperature:   cfg.Temperature,
		maxPatchLines: cfg.MaxPatchLines,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// Name returns the provider name.
func (o *OpenAI) Name() string {
	return ProviderName
}

type answer struct {
	RootCause         string  `json:"root_cause"`
	SuggestedPatchRef string  `json:"suggested_patch_ref"`
	Patch             string  `json:"patch"`
	Confidence        float64 `json:"confidence"`
}

// Diagnose asks the model for a root cause and fix.
func (o *OpenAI) Diagnose(ctx context.Context, ic domain.IncidentContext) (*domain.Diagnosis, error) {
	if ic.Incident == nil {
		return nil, &PermanentError{Err: errors.New("incident is required")}
	}
	logger := ctxlog.FromContext(ctx)

	prompt, err := buildPrompt(ic)
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("build prompt: %w", err)}
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: o.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}
	logger.Debug("received diagnosis from openai",
		"finish_reason", resp.Choices[0].FinishReason,
		"total_tokens", resp.Usage.TotalTokens,
	)

	var a answer
	if err := json.Unmarshal([]byte(stripFences(resp.Choices[0].Message.Content)), &a); err != nil {
		return nil, fmt.Errorf("decode openai answer: %w", err)
	}
	if strings.TrimSpace(a.RootCause) == "" {
		return nil, errors.New("openai answer has no root cause")
	}

	d := &domain.Diagnosis{
		RootCause:         strings.TrimSpace(a.RootCause),
		SuggestedPatchRef: strings.TrimSpace(a.SuggestedPatchRef),
		Patch:             a.Patch,
		Confidence:        min(max(a.Confidence, 0), 1),
		Provider:          ProviderName,
		DiagnosedAt:       o.now(),
	}
	if d.Patch != "" {
		if _, err := patch.Validate(d.Patch, o.maxPatchLines); err != nil {
			logger.Warn("discarding invalid patch from openai", "error", err)
			d.Patch = ""
			d.SuggestedPatchRef = ""
		}
	}
	if d.SuggestedPatchRef == "" && d.Patch != "" {
		d.SuggestedPatchRef = "openai-" + ic.Incident.ID
	}
	return d, nil
}

type promptIncident struct {
	ErrorCode string                `json:"error_code"`
	Symptoms  []domain.Symptom      `json:"symptoms"`
	History   []domain.HistoryEntry `json:"prior_resolutions,omitempty"`
}

const maxPromptSymptoms = 20

func buildPrompt(ic domain.IncidentContext) (string, error) {
	symptoms := ic.Incident.Symptoms
	if len(symptoms) > maxPromptSymptoms {
		symptoms = symptoms[len(symptoms)-maxPromptSymptoms:]
	}
	b, err := json.MarshalIndent(promptIncident{
		ErrorCode: ic.Incident.ErrorCode,
		Symptoms:  symptoms,
		History:   ic.History,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return "Incident:\n" + string(b), nil
}

// stripFences removes a markdown code fence around a JSON answer.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// classify marks client errors other than rate limiting as permanent.
func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	wrapped := fmt.Errorf("openai chat completion: %w", err)
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		return &PermanentError{Err: wrapped}
	}
	return wrapped
}

// PermanentError is a provider failure that a retry cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsRetryable reports false.
func (e *PermanentError) IsRetryable() bool {
	return false
}
