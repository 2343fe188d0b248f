// Package prompt assembles the system prompt for an agent persona.
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/harun/personakit/pkg/agent"
	"github.com/harun/personakit/pkg/persona"
)

const defaultTemplate = `You are {{.Agent.Name}}{{with .Agent.Title}}, {{.}}{{end}}.{{with .Agent.Icon}} {{.}}{{end}}
{{with .Agent.WhenToUse}}
When to use: {{.}}
{{end}}
## Persona
Role: {{.Persona.Role}}
{{- with .Persona.Style}}
Style: {{.}}{{end}}
{{- with .Persona.Identity}}
Identity: {{.}}{{end}}
{{- with .Persona.Focus}}
Focus: {{.}}{{end}}
{{- if .Persona.CorePrinciples}}

Core principles:
{{- range .Persona.CorePrinciples}}
- {{.}}{{end}}{{end}}
{{- if .Commands}}

## Commands
Commands start with *. Treat a message that begins with a command as a request to run it.
{{- range .Commands}}
- *{{.Name}}{{with .Description}}: {{.}}{{end}}{{end}}{{end}}
{{- if .HasDependencies}}

## Resources
{{- with .Dependencies.Tasks}}
Tasks: {{join . ", "}}{{end}}
{{- with .Dependencies.Templates}}
Templates: {{join . ", "}}{{end}}
{{- with .Dependencies.Checklists}}
Checklists: {{join . ", "}}{{end}}
{{- with .Dependencies.Data}}
Data: {{join . ", "}}{{end}}{{end}}
{{- if .Tools}}

## Tools
All files live in a virtual document space rooted at /. Write deliverables as documents.
{{- range .Tools}}
- {{.Name}}: {{.Description}}{{end}}
{{- if .CanAskUser}}
When you need information only the user can provide, call ask_user and wait for the answer instead of guessing.{{end}}{{end}}
{{- with .Instructions}}

## Instructions
{{.}}{{end}}
`

// Builder renders system prompts. It is safe for concurrent use.
type Builder struct {
	tmpl *template.Template
}

// New creates a builder with the default template
func New() *Builder {
	b, err := NewWithTemplate(defaultTemplate)
	if err != nil {
		panic(fmt.Sprintf("prompt: invalid default template: %v", err))
	}
	return b
}

// NewWithTemplate creates a builder from a custom text/template
func NewWithTemplate(text string) (*Builder, error) {
	tmpl, err := template.New("system").
		Funcs(template.FuncMap{"join": strings.Join}).
		Option("missingkey=error").
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	return &Builder{tmpl: tmpl}, nil
}

type view struct {
	*persona.Definition
	Tools           []agent.ToolSchema
	HasDependencies bool
	CanAskUser      bool
}

// Build renders the system prompt for def and the tools offered to the model
func (b *Builder) Build(def *persona.Definition, tools []agent.ToolSchema) (string, error) {
	if def == nil {
		return "", fmt.Errorf("agent definition is required")
	}

	deps := def.Dependencies
	v := view{
		Definition:      def,
		Tools:           tools,
		HasDependencies: len(deps.Tasks)+len(deps.Templates)+len(deps.Checklists)+len(deps.Data) > 0,
	}
	for _, t := range tools {
		if t.Name == "ask_user" {
			v.CanAskUser = true
		}
	}

	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("failed to render system prompt: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}
