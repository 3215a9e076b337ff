// Package prompts provides embedded prompt templates for the generation
// stages and a small renderer around text/template.
package prompts

import (
	"bytes"
	"fmt"
	"text/template"

	"embed"
)

//go:embed *.tpl.md
var templateFS embed.FS

// StageTemplate names an embedded prompt template.
type StageTemplate string

const (
	// PlanTemplate drives the per-hop tool-call planning prompt.
	PlanTemplate StageTemplate = "plan.tpl.md"
	// CoverageTemplate drives the data-sufficiency judgement prompt.
	CoverageTemplate StageTemplate = "coverage.tpl.md"
	// DraftTemplate drives the reply drafting prompt.
	DraftTemplate StageTemplate = "draft.tpl.md"
)

// Data holds everything a stage may interpolate into its prompt. Unused
// fields render as empty sections.
type Data struct {
	Subject            string
	Transcript         string
	UserName           string
	ToolCatalog        string
	ActionCatalog      string
	AccumulatedData    string
	DocsData           string
	ProcedureTitle     string
	ProcedureContent   string
	CoverageReasoning  string
	ExecutedActions    string
	HopNumber          int
	MaxHops            int
	ActionsTaken       int
	MaxActions         int
	ErrorFeedback      string
	ValidationFeedback string
}

// Renderer renders embedded stage templates.
type Renderer struct {
	templates *template.Template
}

// NewRenderer parses all embedded templates once.
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "*.tpl.md")
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	return &Renderer{templates: tmpl}, nil
}

// Render executes the named template with the given data.
func (r *Renderer) Render(name StageTemplate, data *Data) (string, error) {
	var buf bytes.Buffer
	if err := r.templates.ExecuteTemplate(&buf, string(name), data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.String(), nil
}
