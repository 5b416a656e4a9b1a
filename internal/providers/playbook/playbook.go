// Package playbook is a deterministic reasoning provider that maps known fault
// codes to predefined remediation playbooks.
package playbook

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/providers/patch"
	"gopkg.in/yaml.v3"
)

//go:embed playbooks.yaml
var defaultPlaybooks []byte

// ProviderName identifies diagnoses made by this provider.
const ProviderName = "playbook"

const manualTriage = "No deterministic playbook matched this incident."

// Playbook is a predefined diagnosis and fix for one fault code.
type Playbook struct {
	ErrorCode        string   `yaml:"error_code"`
	ActionID         string   `yaml:"action_id"`
	RootCause        string   `yaml:"root_cause"`
	Summary          string   `yaml:"summary"`
	VerificationHint string   `yaml:"verification_hint"`
	Files            []string `yaml:"files"`
	Keywords         []string `yaml:"keywords"`
	Patch            string   `yaml:"patch"`
}

type catalog struct {
	Playbooks []Playbook `yaml:"playbooks"`
}

// Provider diagnoses incidents from a playbook catalog.
type Provider struct {
	playbooks []Playbook
	byCode    map[string]*Playbook
	now       func() time.Time
}

// New creates a provider from the playbooks in path, or the built-in catalog
// when path is empty.
func New(path string) (*Provider, error) {
	data := defaultPlaybooks
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read playbooks: %w", err)
		}
	}
	return Parse(data)
}

// Parse builds a provider from a YAML playbook catalog.
func Parse(data []byte) (*Provider, error) {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse playbooks: %w", err)
	}
	if len(c.Playbooks) == 0 {
		return nil, fmt.Errorf("parse playbooks: catalog is empty")
	}

	p := &Provider{
		playbooks: c.Playbooks,
		byCode:    make(map[string]*Playbook, len(c.Playbooks)),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for i := range p.playbooks {
		pb := &p.playbooks[i]
		pb.ErrorCode = strings.ToUpper(strings.TrimSpace(pb.ErrorCode))
		switch {
		case pb.ErrorCode == "":
			return nil, fmt.Errorf("playbook %d: error_code is required", i)
		case pb.ActionID == "":
			return nil, fmt.Errorf("playbook %s: action_id is required", pb.ErrorCode)
		}
		if _, dup := p.byCode[pb.ErrorCode]; dup {
			return nil, fmt.Errorf("playbook %s: duplicate error_code", pb.ErrorCode)
		}
		if _, err := patch.Validate(pb.Patch, 0); err != nil {
			return nil, fmt.Errorf("playbook %s: %w", pb.ErrorCode, err)
		}
		for k, kw := range pb.Keywords {
			pb.Keywords[k] = strings.ToLower(kw)
		}
		p.byCode[pb.ErrorCode] = pb
	}
	return p, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return ProviderName
}

// Diagnose selects a playbook by error code, falling back to symptom keywords.
// An incident no playbook matches gets a diagnosis without a patch, which leaves
// it for manual triage.
func (p *Provider) Diagnose(ctx context.Context, ic domain.IncidentContext) (*domain.Diagnosis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ic.Incident == nil {
		return nil, fmt.Errorf("diagnose: incident is required")
	}

	symptoms := symptomText(ic.Incident)
	pb := p.match(ic.Incident.ErrorCode, symptoms)
	if pb == nil {
		return &domain.Diagnosis{
			RootCause:   manualTriage,
			Provider:    ProviderName,
			DiagnosedAt: p.now(),
		}, nil
	}

	rootCause := pb.RootCause
	if pb.Summary != "" {
		rootCause += " Fix: " + pb.Summary
	}
	return &domain.Diagnosis{
		RootCause:         rootCause,
		SuggestedPatchRef: pb.ActionID,
		Patch:             pb.Patch,
		Confidence:        Score(pb, ic, symptoms),
		Provider:          ProviderName,
		DiagnosedAt:       p.now(),
	}, nil
}

func (p *Provider) match(code, symptoms string) *Playbook {
	if pb, ok := p.byCode[code]; ok {
		return pb
	}
	for i := range p.playbooks {
		if containsAny(symptoms, p.playbooks[i].Keywords) {
			return &p.playbooks[i]
		}
	}
	return nil
}

// Score computes the confidence that pb fixes the incident:
// 0.65 for an exact code match (0.35 for a keyword match), plus 0.15 for prior
// resolved incidents, 0.1 when the playbook names the files it touches, 0.1 for
// breadcrumb keyword evidence and 0.1 for symptom keyword evidence, capped at 0.99.
func Score(pb *Playbook, ic domain.IncidentContext, symptoms string) float64 {
	score := 0.35
	if ic.Incident.ErrorCode == pb.ErrorCode {
		score = 0.65
	}
	if len(ic.History) > 0 {
		score += 0.15
	}
	if len(pb.Files) > 0 {
		score += 0.1
	}
	if containsAny(breadcrumbText(ic.Incident), pb.Keywords) {
		score += 0.1
	}
	if containsAny(symptoms, pb.Keywords) {
		score += 0.1
	}
	return math.Round(min(score, 0.99)*100) / 100
}

func symptomText(inc *domain.Incident) string {
	parts := make([]string, 0, len(inc.Symptoms))
	for _, s := range inc.Symptoms {
		parts = append(parts, s.Text, s.Source.Reason)
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func breadcrumbText(inc *domain.Incident) string {
	var parts []string
	for _, s := range inc.Symptoms {
		parts = append(parts, s.Source.Breadcrumbs...)
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func containsAny(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
