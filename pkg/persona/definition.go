// Package persona loads agent persona definitions from YAML files or from
// markdown files that embed a fenced yaml block.
//
// Invariants:
// - A definition always has a non-empty id and a role.
// - Parsed definitions are immutable; the loader hands out shared pointers.
package persona

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrAgentNotFound is returned when no definition exists for an id
	ErrAgentNotFound = errors.New("agent not found")

	// ErrInvalidDefinition wraps validation failures
	ErrInvalidDefinition = errors.New("invalid agent definition")
)

// ParseError reports a definition file that could not be parsed
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse agent definition %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Info identifies an agent
type Info struct {
	Name      string `yaml:"name" json:"name"`
	ID        string `yaml:"id" json:"id"`
	Title     string `yaml:"title" json:"title"`
	Icon      string `yaml:"icon" json:"icon,omitempty"`
	WhenToUse string `yaml:"whenToUse" json:"when_to_use,omitempty"`
}

// Persona describes how the agent behaves
type Persona struct {
	Role           string   `yaml:"role" json:"role"`
	Style          string   `yaml:"style" json:"style,omitempty"`
	Identity       string   `yaml:"identity" json:"identity,omitempty"`
	Focus          string   `yaml:"focus" json:"focus,omitempty"`
	CorePrinciples []string `yaml:"core_principles" json:"core_principles,omitempty"`
}

// Command is a star-command the agent understands
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Commands accepts either "- name" or "- name: description" entries
type Commands []Command

// UnmarshalYAML implements yaml.Unmarshaler
func (c *Commands) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("commands must be a list")
	}

	out := make(Commands, 0, len(node.Content))
	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, Command{Name: strings.TrimPrefix(item.Value, "*")})
		case yaml.MappingNode:
			for i := 0; i+1 < len(item.Content); i += 2 {
				out = append(out, Command{
					Name:        strings.TrimPrefix(item.Content[i].Value, "*"),
					Description: item.Content[i+1].Value,
				})
			}
		default:
			return fmt.Errorf("unsupported command entry at line %d", item.Line)
		}
	}

	*c = out
	return nil
}

// Dependencies lists resources the agent may reference
type Dependencies struct {
	Tasks      []string `yaml:"tasks" json:"tasks,omitempty"`
	Templates  []string `yaml:"templates" json:"templates,omitempty"`
	Checklists []string `yaml:"checklists" json:"checklists,omitempty"`
	Data       []string `yaml:"data" json:"data,omitempty"`
}

// Definition is a parsed agent persona
type Definition struct {
	Agent        Info         `yaml:"agent" json:"agent"`
	Persona      Persona      `yaml:"persona" json:"persona"`
	Commands     Commands     `yaml:"commands" json:"commands,omitempty"`
	Dependencies Dependencies `yaml:"dependencies" json:"dependencies"`
	Tools        []string     `yaml:"tools" json:"tools,omitempty"`

	// Instructions is free text surrounding an embedded yaml block
	Instructions string `yaml:"-" json:"instructions,omitempty"`
	Source       string `yaml:"-" json:"source,omitempty"`
}

// ID returns the agent id
func (d *Definition) ID() string {
	return d.Agent.ID
}

// HasCommand reports whether the agent declares a command, with or without the * prefix
func (d *Definition) HasCommand(name string) bool {
	name = strings.TrimPrefix(name, "*")
	for _, c := range d.Commands {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Validate checks required fields
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Agent.ID) == "" {
		return fmt.Errorf("%w: agent.id is required", ErrInvalidDefinition)
	}
	if strings.ContainsAny(d.Agent.ID, "/\\ ") {
		return fmt.Errorf("%w: agent.id %q must not contain separators or spaces", ErrInvalidDefinition, d.Agent.ID)
	}
	if strings.TrimSpace(d.Persona.Role) == "" {
		return fmt.Errorf("%w: persona.role is required", ErrInvalidDefinition)
	}
	return nil
}

// Parse parses a definition. Markdown sources (by extension) must contain a
// fenced yaml block; the remaining text becomes Instructions. When agent.id is
// missing it defaults to the file name without extension.
func Parse(data []byte, path string) (*Definition, error) {
	raw := data
	instructions := ""

	if ext := strings.ToLower(filepath.Ext(path)); ext == ".md" || ext == ".markdown" {
		block, rest, ok := extractYAMLBlock(string(data))
		if !ok {
			return nil, &ParseError{Path: path, Err: errors.New("no yaml block found")}
		}
		raw = []byte(block)
		instructions = strings.TrimSpace(rest)
	}

	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&def); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	if def.Agent.ID == "" && path != "" {
		base := filepath.Base(path)
		def.Agent.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if def.Agent.Name == "" {
		def.Agent.Name = def.Agent.ID
	}
	def.Instructions = instructions
	def.Source = path

	if err := def.Validate(); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	return &def, nil
}

// extractYAMLBlock returns the first ```yaml fenced block and the text around it
func extractYAMLBlock(text string) (string, string, bool) {
	lines := strings.Split(text, "\n")
	start := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if start < 0 {
			if trimmed == "```yaml" || trimmed == "```yml" {
				start = i
			}
			continue
		}
		if trimmed == "```" {
			block := strings.Join(lines[start+1:i], "\n")
			rest := strings.Join(append(append([]string{}, lines[:start]...), lines[i+1:]...), "\n")
			return block, rest, true
		}
	}
	return "", "", false
}
