// Package toolexecutor registers and executes the tools a session exposes to the
// model.
//
// Invariants:
// - Tool names are unique; registration order is the order schemas are offered.
// - Parameters are schema-validated before execution.
// - Tool failures are results, never panics or Go errors at the call site.
// - Reserved tools (ask_user) are declared to the model but handled by the session.
//
// Usage:
//
//	space := docspace.New()
//	exec := toolexecutor.New(toolexecutor.Config{})
//	_ = toolexecutor.RegisterDocumentTools(exec, space)
//	result := exec.Execute(ctx, "write_file", map[string]interface{}{"path": "/a.md", "content": "# A"}, nil)
package toolexecutor
