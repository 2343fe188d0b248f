package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/flynn-archive/go-shlex"
	"github.com/harun/personakit/pkg/docspace"
)

// BashDefinition is a constrained shell over the document space. It supports a
// fixed command set with > and >> redirection and no pipes or chaining.
func BashDefinition(space *docspace.Space) ToolDefinition {
	sh := &shell{space: space}
	return ToolDefinition{
		Name: BashTool,
		Description: "Run a simple shell command against the document space. " +
			"Supported: ls, cat, head, tail, wc, grep, echo, pwd, rm, mkdir, touch. " +
			"Output may be redirected with > or >>. Pipes and chaining are not supported.",
		Parameters: []ToolParameter{
			{Name: "command", Type: "string", Description: "Command line to run", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			command, err := stringParam(params, "command")
			if err != nil {
				return nil, err
			}
			return sh.run(command)
		},
	}
}

type shell struct {
	space *docspace.Space
}

func (s *shell) run(command string) (string, error) {
	body, rawTarget, appendMode, err := splitRedirect(command)
	if err != nil {
		return "", err
	}

	args, err := shlex.Split(body)
	if err != nil {
		return "", fmt.Errorf("failed to parse command: %w", err)
	}
	if len(args) == 0 {
		return "", fmt.Errorf("empty command")
	}

	target := ""
	if rawTarget != "" {
		targets, err := shlex.Split(rawTarget)
		if err != nil {
			return "", fmt.Errorf("failed to parse redirect target: %w", err)
		}
		if len(targets) != 1 {
			return "", fmt.Errorf("redirect needs exactly one target")
		}
		target = targets[0]
	}

	output, err := s.dispatch(args[0], args[1:])
	if err != nil {
		return "", err
	}

	if target == "" {
		return output, nil
	}

	if appendMode {
		if existing, readErr := s.space.Read(target); readErr == nil {
			output = existing + output
		}
	}
	if err := s.space.Write(target, output); err != nil {
		return "", err
	}
	return "", nil
}

// splitRedirect scans the raw command for an unquoted > or >> and returns the
// text on either side of it. Quoted operators stay literal arguments.
func splitRedirect(command string) (string, string, bool, error) {
	var quote rune
	escaped := false
	for i, r := range command {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '|' || r == ';' || r == '&':
			return "", "", false, fmt.Errorf("pipes and command chaining are not supported")
		case r == '>':
			rest := command[i+1:]
			appendMode := strings.HasPrefix(rest, ">")
			if appendMode {
				rest = rest[1:]
			}
			tail, extra, extraAppend, err := splitRedirect(rest)
			if err != nil {
				return "", "", false, err
			}
			if extra != "" || extraAppend {
				return "", "", false, fmt.Errorf("only one redirect is supported")
			}
			if strings.TrimSpace(tail) == "" {
				return "", "", false, fmt.Errorf("missing redirect target")
			}
			return command[:i], tail, appendMode, nil
		}
	}
	return command, "", false, nil
}

func (s *shell) dispatch(name string, args []string) (string, error) {
	switch name {
	case "pwd":
		return "/\n", nil
	case "echo":
		return strings.Join(args, " ") + "\n", nil
	case "ls":
		return s.ls(args)
	case "cat":
		return s.cat(args)
	case "head":
		return s.headTail(args, true)
	case "tail":
		return s.headTail(args, false)
	case "wc":
		return s.wc(args)
	case "grep":
		return s.grep(args)
	case "rm":
		return s.rm(args)
	case "mkdir":
		return s.mkdir(args)
	case "touch":
		return s.touch(args)
	default:
		return "", fmt.Errorf("command not supported: %s", name)
	}
}

// splitFlags separates leading -x flags from operands
func splitFlags(args []string) (map[string]bool, []string) {
	flags := map[string]bool{}
	var operands []string
	for _, a := range args {
		if len(a) > 1 && strings.HasPrefix(a, "-") && operands == nil {
			for _, c := range a[1:] {
				flags[string(c)] = true
			}
			continue
		}
		operands = append(operands, a)
	}
	return flags, operands
}

func (s *shell) ls(args []string) (string, error) {
	_, operands := splitFlags(args)
	if len(operands) == 0 {
		operands = []string{"/"}
	}

	var out []string
	for _, op := range operands {
		p := docspace.Normalize(op)
		if s.space.Exists(p) {
			out = append(out, p)
			continue
		}

		paths, err := s.space.List(p)
		if err != nil {
			return "", fmt.Errorf("ls: %s: no such file or directory", op)
		}

		prefix := strings.TrimSuffix(p, "/") + "/"
		seen := map[string]bool{}
		var entries []string
		for _, full := range paths {
			rel := strings.TrimPrefix(full, prefix)
			entry := rel
			if i := strings.Index(rel, "/"); i >= 0 {
				entry = rel[:i] + "/"
			}
			if !seen[entry] {
				seen[entry] = true
				entries = append(entries, entry)
			}
		}
		sort.Strings(entries)
		out = append(out, entries...)
	}

	if len(out) == 0 {
		return "", nil
	}
	return strings.Join(out, "\n") + "\n", nil
}

func (s *shell) cat(args []string) (string, error) {
	_, operands := splitFlags(args)
	if len(operands) == 0 {
		return "", fmt.Errorf("cat: missing file operand")
	}

	var b strings.Builder
	for _, op := range operands {
		content, err := s.space.Read(op)
		if err != nil {
			return "", fmt.Errorf("cat: %s: no such file", op)
		}
		b.WriteString(content)
	}
	return b.String(), nil
}

func (s *shell) headTail(args []string, head bool) (string, error) {
	name := "tail"
	if head {
		name = "head"
	}

	n := 10
	var files []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-n" && i+1 < len(args):
			v, err := strconv.Atoi(args[i+1])
			if err != nil || v < 0 {
				return "", fmt.Errorf("%s: invalid line count: %s", name, args[i+1])
			}
			n = v
			i++
		case strings.HasPrefix(a, "-") && len(a) > 1:
			v, err := strconv.Atoi(strings.TrimPrefix(strings.TrimPrefix(a, "-n"), "-"))
			if err != nil || v < 0 {
				return "", fmt.Errorf("%s: invalid option: %s", name, a)
			}
			n = v
		default:
			files = append(files, a)
		}
	}
	if len(files) != 1 {
		return "", fmt.Errorf("%s: expected exactly one file", name)
	}

	content, err := s.space.Read(files[0])
	if err != nil {
		return "", fmt.Errorf("%s: %s: no such file", name, files[0])
	}

	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if n < len(lines) {
		if head {
			lines = lines[:n]
		} else {
			lines = lines[len(lines)-n:]
		}
	}
	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(lines, "\n") + "\n", nil
}

func (s *shell) wc(args []string) (string, error) {
	flags, operands := splitFlags(args)
	if len(operands) == 0 {
		return "", fmt.Errorf("wc: missing file operand")
	}

	var out []string
	for _, op := range operands {
		content, err := s.space.Read(op)
		if err != nil {
			return "", fmt.Errorf("wc: %s: no such file", op)
		}
		lines := strings.Count(content, "\n")
		words := len(strings.Fields(content))
		chars := len(content)

		var fields []string
		switch {
		case flags["l"]:
			fields = []string{strconv.Itoa(lines)}
		case flags["w"]:
			fields = []string{strconv.Itoa(words)}
		case flags["c"]:
			fields = []string{strconv.Itoa(chars)}
		default:
			fields = []string{strconv.Itoa(lines), strconv.Itoa(words), strconv.Itoa(chars)}
		}
		out = append(out, strings.Join(fields, " ")+" "+docspace.Normalize(op))
	}
	return strings.Join(out, "\n") + "\n", nil
}

func (s *shell) grep(args []string) (string, error) {
	flags, operands := splitFlags(args)
	if len(operands) == 0 {
		return "", fmt.Errorf("grep: missing pattern")
	}

	pattern := operands[0]
	if flags["i"] {
		pattern = "(?i)" + pattern
	}
	targets := operands[1:]
	if len(targets) == 0 {
		targets = []string{"/"}
	}

	var all []docspace.Match
	for _, target := range targets {
		matches, err := s.space.Search(pattern, s.searchRoot(target))
		if err != nil {
			return "", fmt.Errorf("grep: %w", err)
		}
		if s.space.Exists(target) {
			p := docspace.Normalize(target)
			filtered := matches[:0]
			for _, m := range matches {
				if m.Path == p {
					filtered = append(filtered, m)
				}
			}
			matches = filtered
		}
		all = append(all, matches...)
	}

	if len(all) == 0 {
		return "", nil
	}
	return formatMatches(all, flags["n"]) + "\n", nil
}

// searchRoot returns the directory to search for a grep target
func (s *shell) searchRoot(target string) string {
	p := docspace.Normalize(target)
	if s.space.Exists(p) {
		i := strings.LastIndex(p, "/")
		if i <= 0 {
			return "/"
		}
		return p[:i]
	}
	return p
}

func (s *shell) rm(args []string) (string, error) {
	_, operands := splitFlags(args)
	if len(operands) == 0 {
		return "", fmt.Errorf("rm: missing operand")
	}
	for _, op := range operands {
		if err := s.space.Delete(op); err != nil {
			return "", fmt.Errorf("rm: %s: %w", op, err)
		}
	}
	return "", nil
}

func (s *shell) mkdir(args []string) (string, error) {
	_, operands := splitFlags(args)
	if len(operands) == 0 {
		return "", fmt.Errorf("mkdir: missing operand")
	}
	for _, op := range operands {
		if err := s.space.MkdirAll(op); err != nil {
			return "", fmt.Errorf("mkdir: %s: %w", op, err)
		}
	}
	return "", nil
}

func (s *shell) touch(args []string) (string, error) {
	_, operands := splitFlags(args)
	if len(operands) == 0 {
		return "", fmt.Errorf("touch: missing file operand")
	}
	for _, op := range operands {
		if s.space.Exists(op) {
			continue
		}
		if err := s.space.Write(op, ""); err != nil {
			return "", fmt.Errorf("touch: %s: %w", op, err)
		}
	}
	return "", nil
}
