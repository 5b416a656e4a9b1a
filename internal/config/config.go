// Package config loads application configuration from defaults, an optional
// YAML file and MEDIC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/incident-medic/internal/resilience"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable. Nested keys are separated
// by a double underscore: MEDIC_DATABASE__URL sets database.url.
const EnvPrefix = "MEDIC_"

// Config is the application configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	Database    DatabaseConfig    `koanf:"database"`
	Resilience  ResilienceConfig  `koanf:"resilience"`
	Publisher   PublisherConfig   `koanf:"publisher"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Reasoning   ReasoningConfig   `koanf:"reasoning"`
	Deploy      DeployConfig      `koanf:"deploy"`
	Ingest      IngestConfig      `koanf:"ingest"`
	Alerts      AlertsConfig      `koanf:"alerts"`
	Auth        AuthConfig        `koanf:"auth"`
	CORS        CORSConfig        `koanf:"cors"`
}

// ServerConfig configures the API and metrics listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// DatabaseConfig selects and configures the durable incident store.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"`
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
	Badger          BadgerConfig  `koanf:"badger"`
}

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	Path           string        `koanf:"path"`
	InMemory       bool          `koanf:"in_memory"`
	SyncWrites     bool          `koanf:"sync_writes"`
	GCInterval     time.Duration `koanf:"gc_interval"`
	GCDiscardRatio float64       `koanf:"gc_discard_ratio"`
}

// ResilienceConfig holds one retry policy and breaker per external call type.
type ResilienceConfig struct {
	Diagnosis   CallConfig `koanf:"diagnosis"`
	Remediation CallConfig `koanf:"remediation"`
	Alerts      CallConfig `koanf:"alerts"`
}

// CallConfig configures the retry policy and circuit breaker of one call type.
type CallConfig struct {
	MaxAttempts      int           `koanf:"max_attempts"`
	BaseDelay        time.Duration `koanf:"base_delay"`
	MaxDelay         time.Duration `koanf:"max_delay"`
	Jitter           float64       `koanf:"jitter"`
	CallTimeout      time.Duration `koanf:"call_timeout"`
	FailureThreshold int           `koanf:"failure_threshold"`
	Cooldown         time.Duration `koanf:"cooldown"`
}

// Retry returns the retry part of the call configuration.
func (c CallConfig) Retry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Jitter:      c.Jitter,
		CallTimeout: c.CallTimeout,
	}
}

// Breaker returns the breaker part of the call configuration.
func (c CallConfig) Breaker() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.FailureThreshold,
		Cooldown:         c.Cooldown,
	}
}

// PublisherConfig configures the event publisher.
type PublisherConfig struct {
	BufferSize     int    `koanf:"buffer_size"`
	OverflowPolicy string `koanf:"overflow_policy"`
}

// CoordinatorConfig configures incident flow decisions.
type CoordinatorConfig struct {
	CircuitOpenPolicy string  `koanf:"circuit_open_policy"`
	AutoRemediate     bool    `koanf:"auto_remediate"`
	MinConfidence     float64 `koanf:"min_confidence"`
	HistoryLimit      int     `koanf:"history_limit"`
	// RetriggerSchedule is a cron spec for re-diagnosing open incidents. Empty disables it.
	RetriggerSchedule string `koanf:"retrigger_schedule"`
}

// Reasoning providers.
const (
	ReasoningPlaybook = "playbook"
	ReasoningOpenAI   = "openai"
)

// ReasoningConfig selects and configures the reasoning provider.
type ReasoningConfig struct {
	Provider      string       `koanf:"provider"`
	PlaybooksFile string       `koanf:"playbooks_file"`
	MaxPatchLines int          `koanf:"max_patch_lines"`
	OpenAI        OpenAIConfig `koanf:"openai"`
}

// OpenAIConfig configures the OpenAI-compatible chat completion client.
type OpenAIConfig struct {
	APIKey      string  `koanf:"api_key"`
	Model       string  `koanf:"model"`
	BaseURL     string  `koanf:"base_url"`
	Temperature float32 `koanf:"temperature"`
}

// Deploy providers.
const (
	DeployDryRun  = "dry_run"
	DeployWebhook = "webhook"
)

// DeployConfig selects and configures the patch/deploy provider.
type DeployConfig struct {
	Provider  string        `koanf:"provider"`
	URL       string        `koanf:"url"`
	Token     string        `koanf:"token"`
	RateLimit float64       `koanf:"rate_limit"`
	Burst     int           `koanf:"burst"`
	Timeout   time.Duration `koanf:"timeout"`
}

// IngestConfig configures fault intake.
type IngestConfig struct {
	// FaultCodes are the codes recognized in unstructured CloudWatch messages.
	FaultCodes []string `koanf:"fault_codes"`
}

// AlertsConfig configures terminal transition alerts.
type AlertsConfig struct {
	Enabled     bool             `koanf:"enabled"`
	IncidentURL string           `koanf:"incident_url"`
	Mattermost  MattermostConfig `koanf:"mattermost"`
}

// MattermostConfig configures the Mattermost incoming webhook.
type MattermostConfig struct {
	WebhookURL string        `koanf:"webhook_url"`
	Username   string        `koanf:"username"`
	IconURL    string        `koanf:"icon_url"`
	Channel    string        `koanf:"channel"`
	Timeout    time.Duration `koanf:"timeout"`
}

// AuthConfig configures operator route authentication.
type AuthConfig struct {
	Enabled       bool          `koanf:"enabled"`
	SecretKey     string        `koanf:"secret_key"`
	Issuer        string        `koanf:"issuer"`
	TokenDuration time.Duration `koanf:"token_duration"`
}

// CORSConfig configures allowed browser origins.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Driver:          DriverMemory,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectAttempts: 5,
			ConnectTimeout:  30 * time.Second,
			AutoMigrate:     true,
			Badger: BadgerConfig{
				Path:           "data/badger",
				GCInterval:     10 * time.Minute,
				GCDiscardRatio: 0.5,
			},
		},
		Resilience: ResilienceConfig{
			Diagnosis:   defaultCall(30 * time.Second),
			Remediation: defaultCall(2 * time.Minute),
			Alerts:      defaultCall(10 * time.Second),
		},
		Publisher: PublisherConfig{
			BufferSize:     64,
			OverflowPolicy: "drop_subscriber",
		},
		Coordinator: CoordinatorConfig{
			CircuitOpenPolicy: "reopen",
			AutoRemediate:     true,
			MinConfidence:     0.7,
			HistoryLimit:      5,
			RetriggerSchedule: "@every 5m",
		},
		Reasoning: ReasoningConfig{
			Provider:      ReasoningPlaybook,
			MaxPatchLines: 2000,
			OpenAI: OpenAIConfig{
				Model: "gpt-4o-mini",
			},
		},
		Deploy: DeployConfig{
			Provider: DeployDryRun,
			Burst:    1,
			Timeout:  2 * time.Minute,
		},
		Ingest: IngestConfig{
			FaultCodes: []string{"FAULT_SQL_INJECTION_TEST", "FAULT_EXTERNAL_API_LATENCY", "FAULT_DB_TIMEOUT"},
		},
		Alerts: AlertsConfig{
			Mattermost: MattermostConfig{
				Username: "incident-medic",
				Timeout:  10 * time.Second,
			},
		},
		Auth: AuthConfig{
			Issuer:        "incident-medic",
			TokenDuration: 24 * time.Hour,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}

func defaultCall(timeout time.Duration) CallConfig {
	return CallConfig{
		MaxAttempts:      3,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		Jitter:           0.2,
		CallTimeout:      timeout,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// listKeys are read from the environment as comma-separated lists.
var listKeys = map[string]bool{
	"ingest.fault_codes":   true,
	"cors.allowed_origins": true,
}

// envValue maps MEDIC_COORDINATOR__MIN_CONFIDENCE to coordinator.min_confidence.
func envValue(name, value string) (string, any) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "__", ".")
	if listKeys[key] {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return key, parts
	}
	return key, value
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres driver"))
		}
	case DriverBadger:
		if c.Database.Badger.Path == "" && !c.Database.Badger.InMemory {
			errs = append(errs, errors.New("database.badger.path is required for the badger driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver))
	}

	for name, call := range map[string]CallConfig{
		"diagnosis":   c.Resilience.Diagnosis,
		"remediation": c.Resilience.Remediation,
		"alerts":      c.Resilience.Alerts,
	} {
		if err := call.Retry().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("resilience.%s: %w", name, err))
		}
		if err := call.Breaker().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("resilience.%s: %w", name, err))
		}
	}

	if c.Publisher.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("publisher.buffer_size must be at least 1, got %d", c.Publisher.BufferSize))
	}
	switch c.Publisher.OverflowPolicy {
	case "drop_subscriber", "drop_oldest":
	default:
		errs = append(errs, fmt.Errorf("publisher.overflow_policy: unknown policy %q", c.Publisher.OverflowPolicy))
	}

	switch c.Coordinator.CircuitOpenPolicy {
	case "fail", "reopen":
	default:
		errs = append(errs, fmt.Errorf("coordinator.circuit_open_policy: unknown policy %q", c.Coordinator.CircuitOpenPolicy))
	}
	if c.Coordinator.MinConfidence < 0 || c.Coordinator.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("coordinator.min_confidence must be within [0, 1], got %v", c.Coordinator.MinConfidence))
	}
	if c.Coordinator.HistoryLimit < 0 {
		errs = append(errs, errors.New("coordinator.history_limit must not be negative"))
	}

	switch c.Reasoning.Provider {
	case ReasoningPlaybook:
	case ReasoningOpenAI:
		if c.Reasoning.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("reasoning.openai.api_key is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("reasoning.provider: unknown provider %q", c.Reasoning.Provider))
	}

	switch c.Deploy.Provider {
	case DeployDryRun:
	case DeployWebhook:
		if c.Deploy.URL == "" {
			errs = append(errs, errors.New("deploy.url is required for the webhook provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("deploy.provider: unknown provider %q", c.Deploy.Provider))
	}
	if c.Deploy.RateLimit < 0 {
		errs = append(errs, errors.New("deploy.rate_limit must not be negative"))
	}

	if c.Alerts.Enabled && c.Alerts.Mattermost.WebhookURL == "" {
		errs = append(errs, errors.New("alerts.mattermost.webhook_url is required when alerts are enabled"))
	}
	if c.Auth.Enabled && len(c.Auth.SecretKey) < 32 {
		errs = append(errs, errors.New("auth.secret_key must be at least 32 characters when auth is enabled"))
	}

	return errors.Join(errs...)
}
