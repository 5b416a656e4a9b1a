// Package mattermost posts alerts to a Mattermost Incoming Webhook.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/incident-medic/internal/alerts"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultUsername = "incident-medic"
)

// Config holds Mattermost sender configuration.
type Config struct {
	WebhookURL string
	Username   string
	IconURL    string
	Channel    string
	Timeout    time.Duration
}

// Sender implements alerts.Sender via an Incoming Webhook.
type Sender struct {
	config     Config
	httpClient *http.Client
}

// NewSender creates a new Mattermost sender.
func NewSender(config Config) (*Sender, error) {
	if config.WebhookURL == "" {
		return nil, errors.New("mattermost webhook url is required")
	}
	if config.Username == "" {
		config.Username = defaultUsername
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &Sender{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Name returns the sender name.
func (s *Sender) Name() string {
	return "mattermost"
}

// Send posts a rendered alert.
func (s *Sender) Send(ctx context.Context, msg alerts.Message) error {
	payload := webhookPayload{
		Username: s.config.Username,
		IconURL:  s.config.IconURL,
		Channel:  s.config.Channel,
		Text:     msg.Body,
	}
	if msg.Subject != "" {
		payload.Text = fmt.Sprintf("### %s\n\n%s", msg.Subject, msg.Body)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp)
}

type webhookPayload struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	IconURL  string `json:"icon_url,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

func (s *Sender) handleResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("read response: %v", err)}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		slog.Debug("mattermost alert sent", "webhook", maskWebhookURL(s.config.WebhookURL))
		return nil

	case http.StatusBadRequest:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("bad request: %s", string(body)),
		}

	case http.StatusUnauthorized, http.StatusForbidden:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: "invalid or expired webhook",
		}

	case http.StatusNotFound:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: "webhook not found",
		}

	case http.StatusTooManyRequests:
		return &RetryableError{
			Code:    resp.StatusCode,
			Message: "rate limited",
		}

	default:
		if resp.StatusCode >= 500 {
			return &RetryableError{
				Code:    resp.StatusCode,
				Message: fmt.Sprintf("server error: %s", string(body)),
			}
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

// maskWebhookURL hides part of the URL for logging.
func maskWebhookURL(url string) string {
	if len(url) > 40 {
		return url[:20] + "..." + url[len(url)-10:]
	}
	return url
}

// PermanentError indicates a permanent error that should not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("mattermost error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("mattermost error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary error that can be retried.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("mattermost error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("mattermost error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }
