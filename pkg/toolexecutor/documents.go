package toolexecutor

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/personakit/pkg/docspace"
)

// Built-in tool names
const (
	ReadFileTool    = "read_file"
	WriteFileTool   = "write_file"
	EditFileTool    = "edit_file"
	ListFilesTool   = "list_files"
	SearchFilesTool = "search_files"
	BashTool        = "bash"
	AskUserTool     = "ask_user"
)

// AskUserDefinition is the reserved elicitation tool. The session pauses on it
// instead of executing it.
func AskUserDefinition() ToolDefinition {
	return ToolDefinition{
		Name:        AskUserTool,
		Description: "Ask the user a clarifying question and wait for the answer. Use when required information is missing.",
		Parameters: []ToolParameter{
			{Name: "question", Type: "string", Description: "The question to ask", Required: true},
			{Name: "context", Type: "string", Description: "Optional background shown with the question"},
		},
		Reserved: true,
	}
}

// RegisterBuiltinTools registers the document tools, the constrained shell and
// the reserved ask_user tool, all bound to one document space.
func RegisterBuiltinTools(te *ToolExecutor, space *docspace.Space) error {
	if err := RegisterDocumentTools(te, space); err != nil {
		return err
	}
	if err := te.RegisterTool(BashDefinition(space)); err != nil {
		return err
	}
	return te.RegisterTool(AskUserDefinition())
}

// RegisterDocumentTools registers read/write/edit/list/search tools on space
func RegisterDocumentTools(te *ToolExecutor, space *docspace.Space) error {
	defs := []ToolDefinition{
		{
			Name:        ReadFileTool,
			Description: "Read the full content of a document.",
			Parameters: []ToolParameter{
				{Name: "path", Type: "string", Description: "Document path", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				p, err := stringParam(params, "path")
				if err != nil {
					return nil, err
				}
				return space.Read(p)
			},
		},
		{
			Name:        WriteFileTool,
			Description: "Create or overwrite a document with the given content.",
			Parameters: []ToolParameter{
				{Name: "path", Type: "string", Description: "Document path", Required: true},
				{Name: "content", Type: "string", Description: "Full document content", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				p, err := stringParam(params, "path")
				if err != nil {
					return nil, err
				}
				content, _ := params["content"].(string)
				if err := space.Write(p, content); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Wrote %d bytes to %s", len(content), docspace.Normalize(p)), nil
			},
		},
		{
			Name:        EditFileTool,
			Description: "Replace an exact string in a document. The string must be unique unless replace_all is true.",
			Parameters: []ToolParameter{
				{Name: "path", Type: "string", Description: "Document path", Required: true},
				{Name: "old_string", Type: "string", Description: "Exact text to replace", Required: true},
				{Name: "new_string", Type: "string", Description: "Replacement text", Required: true},
				{Name: "replace_all", Type: "boolean", Description: "Replace every occurrence", Default: false},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				p, err := stringParam(params, "path")
				if err != nil {
					return nil, err
				}
				oldString, _ := params["old_string"].(string)
				newString, _ := params["new_string"].(string)
				replaceAll, _ := params["replace_all"].(bool)

				n, err := space.Edit(p, oldString, newString, replaceAll)
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("Replaced %d occurrence(s) in %s", n, docspace.Normalize(p)), nil
			},
		},
		{
			Name:        ListFilesTool,
			Description: "List documents under a directory, recursively.",
			Parameters: []ToolParameter{
				{Name: "path", Type: "string", Description: "Directory to list", Default: "/"},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				dir, _ := params["path"].(string)
				paths, err := space.List(dir)
				if err != nil {
					return nil, err
				}
				if len(paths) == 0 {
					return "No files found", nil
				}
				return strings.Join(paths, "\n"), nil
			},
		},
		{
			Name:        SearchFilesTool,
			Description: "Search document lines with a regular expression.",
			Parameters: []ToolParameter{
				{Name: "pattern", Type: "string", Description: "Regular expression", Required: true},
				{Name: "path", Type: "string", Description: "Directory to search", Default: "/"},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				pattern, err := stringParam(params, "pattern")
				if err != nil {
					return nil, err
				}
				dir, _ := params["path"].(string)

				matches, err := space.Search(pattern, dir)
				if err != nil {
					return nil, err
				}
				if len(matches) == 0 {
					return "No matches found", nil
				}
				return formatMatches(matches, true), nil
			},
		},
	}

	for _, def := range defs {
		if err := te.RegisterTool(def); err != nil {
			return err
		}
	}
	return nil
}

func formatMatches(matches []docspace.Match, lineNumbers bool) string {
	lines := make([]string, 0, len(matches))
	for _, m := range matches {
		if lineNumbers {
			lines = append(lines, fmt.Sprintf("%s:%d:%s", m.Path, m.Line, m.Text))
		} else {
			lines = append(lines, fmt.Sprintf("%s:%s", m.Path, m.Text))
		}
	}
	return strings.Join(lines, "\n")
}

func stringParam(params map[string]interface{}, name string) (string, error) {
	v, ok := params[name].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return v, nil
}
