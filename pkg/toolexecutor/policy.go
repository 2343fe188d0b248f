package toolexecutor

// ToolPolicy restricts the tools offered to and run for an agent. A nil
// policy allows every registered tool.
type ToolPolicy struct {
	Allow []string `json:"allow"` // "*" allows everything
	Deny  []string `json:"deny"`  // wins over Allow
}

// IsToolAllowed reports whether name passes the policy
func (tp *ToolPolicy) IsToolAllowed(name string) bool {
	if tp == nil {
		return true
	}
	if matchesAny(tp.Deny, name) {
		return false
	}
	return matchesAny(tp.Allow, name)
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == "*" || p == name {
			return true
		}
	}
	return false
}

// PolicyFromTools turns a persona's tool list into an allow-list. The
// reserved tools are always appended; an empty list yields a nil policy.
func PolicyFromTools(tools []string, reserved ...string) *ToolPolicy {
	if len(tools) == 0 {
		return nil
	}

	allow := make([]string, 0, len(tools)+len(reserved))
	seen := make(map[string]bool, len(tools)+len(reserved))
	for _, group := range [][]string{tools, reserved} {
		for _, name := range group {
			if name != "" && !seen[name] {
				seen[name] = true
				allow = append(allow, name)
			}
		}
	}
	return &ToolPolicy{Allow: allow}
}
