// Package ingest turns external fault signals into validated domain faults.
package ingest

import (
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/incidents"
	"github.com/go-playground/validator/v10"
)

var errorCodePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// FaultRequest is a fault reported directly as JSON.
type FaultRequest struct {
	ErrorCode   string         `json:"error_code" validate:"required,max=128,error_code"`
	SymptomText string         `json:"symptom_text" validate:"required,max=4096"`
	OccurredAt  *time.Time     `json:"occurred_at"`
	Source      *SourceRequest `json:"source"`
}

// SourceRequest describes where the fault was observed.
type SourceRequest struct {
	Service     string   `json:"service" validate:"max=255"`
	Route       string   `json:"route" validate:"max=1024"`
	Reason      string   `json:"reason" validate:"max=255"`
	Latency     string   `json:"latency" validate:"max=64"`
	Breadcrumbs []string `json:"breadcrumbs" validate:"max=50,dive,max=512"`
}

// Validator checks fault requests before they reach the coordinator.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a validator with the fault-specific rules registered.
func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("error_code", func(fl validator.FieldLevel) bool {
		return errorCodePattern.MatchString(incidents.NormalizeErrorCode(fl.Field().String()))
	})
	return &Validator{validate: v}
}

// Fault validates req and converts it to a domain fault. Validation failures
// are returned as validator.ValidationErrors.
func (v *Validator) Fault(req FaultRequest, now time.Time) (domain.Fault, error) {
	if err := v.validate.Struct(req); err != nil {
		return domain.Fault{}, err
	}

	fault := domain.Fault{
		ErrorCode:   incidents.NormalizeErrorCode(req.ErrorCode),
		SymptomText: strings.TrimSpace(req.SymptomText),
		OccurredAt:  now,
	}
	if req.OccurredAt != nil && !req.OccurredAt.IsZero() {
		fault.OccurredAt = req.OccurredAt.UTC()
	}
	if req.Source != nil {
		fault.Source = domain.SourceContext{
			Service:     req.Source.Service,
			Route:       req.Source.Route,
			Reason:      req.Source.Reason,
			Latency:     req.Source.Latency,
			Breadcrumbs: req.Source.Breadcrumbs,
		}
	}
	return fault, nil
}

