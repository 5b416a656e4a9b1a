package alerts

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Renderer renders alerts from templates.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer creates a new renderer and loads all templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"title":          titleCase,
		"upper":          strings.ToUpper,
		"formatTime":     formatTime,
		"formatDuration": formatDuration,
		"statusEmoji":    statusEmoji,
		"percent":        percent,
	}

	r := &Renderer{templates: make(map[string]*template.Template)}
	for _, name := range []string{"resolved", "failed"} {
		filename := fmt.Sprintf("templates/%s.tmpl", name)

		content, err := templatesFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", filename, err)
		}

		tmpl, err := template.New(name).Funcs(funcMap).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}

	return r, nil
}

// Render renders an alert for a terminal status.
func (r *Renderer) Render(a Alert) (Message, error) {
	tmpl, ok := r.templates[a.Status]
	if !ok {
		return Message{}, fmt.Errorf("template not found: %s", a.Status)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, a); err != nil {
		return Message{}, fmt.Errorf("execute template %s: %w", a.Status, err)
	}

	return Message{
		Subject: fmt.Sprintf("[%s] %s %s", titleCase(a.Status), a.ErrorCode, a.IncidentID),
		Body:    strings.TrimSpace(buf.String()),
	}, nil
}

// Template functions

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60

	if hours > 0 {
		if minutes > 0 {
			return fmt.Sprintf("%dh %dm", hours, minutes)
		}
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dm", minutes)
}

func percent(f float64) string {
	return fmt.Sprintf("%.0f%%", f*100)
}

func statusEmoji(status string) string {
	switch strings.ToLower(status) {
	case "resolved":
		return "✅"
	case "failed":
		return "🔴"
	default:
		return "📋"
	}
}
