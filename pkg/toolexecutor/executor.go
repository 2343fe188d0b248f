package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/harun/personakit/internal/observability"
	"github.com/harun/personakit/internal/tracing"
	"github.com/harun/personakit/pkg/agent"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultTimeout bounds a single tool execution
	DefaultTimeout = 30 * time.Second

	// DefaultMaxOutputBytes is the size at which tool output is truncated
	DefaultMaxOutputBytes = 10 * 1024

	tracerName = "personakit/toolexecutor"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`

	// InputSchema, when set, is used verbatim instead of one generated from Parameters
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`

	Handler ToolHandler `json:"-"`

	// Reserved tools are offered to the model but intercepted by the session
	Reserved bool `json:"reserved,omitempty"`

	// Timeout overrides the executor timeout for this tool
	Timeout time.Duration `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	SessionID  string
	AgentID    string
	Timeout    time.Duration
	ToolPolicy *ToolPolicy
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Content renders the result as tool_result block text
func (r ToolResult) Content() (string, bool) {
	if !r.Success {
		return "Error: " + r.Error, true
	}

	switch v := r.Output.(type) {
	case nil:
		return "", false
	case string:
		return v, false
	case fmt.Stringer:
		return v.String(), false
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), false
		}
		return string(data), false
	}
}

// Config configures a ToolExecutor
type Config struct {
	Timeout        time.Duration
	MaxOutputBytes int
	Logger         zerolog.Logger
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools          map[string]*ToolDefinition
	schemas        map[string]*gojsonschema.Schema
	inputSchemas   map[string]map[string]interface{}
	order          []string
	timeout        time.Duration
	maxOutputBytes int
	logger         zerolog.Logger
	mu             sync.RWMutex
}

// New creates a new ToolExecutor
func New(cfg Config) *ToolExecutor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}

	return &ToolExecutor{
		tools:          make(map[string]*ToolDefinition),
		schemas:        make(map[string]*gojsonschema.Schema),
		inputSchemas:   make(map[string]map[string]interface{}),
		timeout:        timeout,
		maxOutputBytes: maxOutput,
		logger:         cfg.Logger,
	}
}

// RegisterTool registers a new tool, replacing any tool with the same name
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := te.validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := def.InputSchema
	if schemaMap == nil {
		schemaMap = generateSchemaMap(def)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; !exists {
		te.order = append(te.order, def.Name)
	}
	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema
	te.inputSchemas[def.Name] = schemaMap

	te.logger.Debug().Str("tool", def.Name).Bool("reserved", def.Reserved).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[name]; !exists {
		return
	}

	delete(te.tools, name)
	delete(te.schemas, name)
	delete(te.inputSchemas, name)
	for i, n := range te.order {
		if n == name {
			te.order = append(te.order[:i], te.order[i+1:]...)
			break
		}
	}

	te.logger.Debug().Str("tool", name).Msg("Tool unregistered")
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// IsReserved reports whether name is a registered reserved tool
func (te *ToolExecutor) IsReserved(name string) bool {
	tool := te.GetTool(name)
	return tool != nil && tool.Reserved
}

// ListTools returns registered tool names in registration order
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return append([]string(nil), te.order...)
}

// GetToolCount returns the number of registered tools
func (te *ToolExecutor) GetToolCount() int {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return len(te.tools)
}

// Schemas returns the tool schemas offered to the model, filtered by policy
func (te *ToolExecutor) Schemas(policy *ToolPolicy) []agent.ToolSchema {
	te.mu.RLock()
	defer te.mu.RUnlock()

	schemas := make([]agent.ToolSchema, 0, len(te.order))
	for _, name := range te.order {
		if !policy.IsToolAllowed(name) {
			continue
		}
		schemas = append(schemas, agent.ToolSchema{
			Name:        name,
			Description: te.tools[name].Description,
			InputSchema: te.inputSchemas[name],
		})
	}
	return schemas
}

// Execute executes a tool with the given parameters
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	startTime := time.Now()

	ctx, span := tracing.StartSpan(ctx, tracerName, "toolexecutor.execute",
		attribute.String("tool.name", toolName),
	)
	defer span.End()

	result := te.execute(ctx, toolName, params, execCtx)

	duration := time.Since(startTime)
	observability.RecordToolExecution(toolName, duration, result.Success)
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}
	if result.Metadata == nil {
		result.Metadata = map[string]interface{}{}
	}
	result.Metadata["duration"] = duration.Milliseconds()

	return result
}

func (te *ToolExecutor) execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	if execCtx != nil && execCtx.ToolPolicy != nil {
		if !execCtx.ToolPolicy.IsToolAllowed(toolName) {
			te.logger.Warn().
				Str("tool", toolName).
				Str("agent_id", execCtx.AgentID).
				Msg("Tool execution blocked by policy")
			return ToolResult{
				Success: false,
				Error:   fmt.Sprintf("tool '%s' is not allowed by agent policy", toolName),
				Metadata: map[string]interface{}{
					"policy_violation": true,
					"agent_id":         execCtx.AgentID,
				},
			}
		}
	}

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	te.mu.RUnlock()

	if tool == nil {
		te.logger.Warn().Str("tool", toolName).Msg("Tool not found")
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool not found: %s", toolName),
		}
	}

	if tool.Reserved {
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool %s is handled by the session and cannot be executed directly", toolName),
		}
	}

	if params == nil {
		params = map[string]interface{}{}
	}

	if err := validateParameters(schema, params); err != nil {
		te.logger.Warn().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("parameter validation failed: %v", err),
		}
	}

	te.logger.Debug().Str("tool", toolName).Msg("Executing tool")

	timeout := te.timeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}

	timeoutCtx, cancel := context.WithTimeout(WithExecution(ctx, execCtx), timeout)
	defer cancel()

	type outcome struct {
		output interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		output, err := tool.Handler(timeoutCtx, params)
		done <- outcome{output: output, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			te.logger.Debug().Str("tool", toolName).Err(res.err).Msg("Tool execution failed")
			return ToolResult{Success: false, Error: res.err.Error()}
		}

		output, truncated := te.truncateOutput(res.output)
		return ToolResult{Success: true, Output: output, Truncated: truncated}

	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ToolResult{Success: false, Error: "tool execution cancelled"}
		}
		te.logger.Warn().Str("tool", toolName).Dur("timeout", timeout).Msg("Tool execution timeout")
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool execution timeout after %v", timeout),
		}
	}
}

// validateToolDefinition validates a tool definition
func (te *ToolExecutor) validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil && !def.Reserved {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateSchemaMap builds a JSON Schema object from tool parameters
func generateSchemaMap(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}
	return schemaMap
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errors := []string{}
		for _, err := range result.Errors() {
			errors = append(errors, err.String())
		}
		return fmt.Errorf("validation errors: %v", errors)
	}

	return nil
}

// truncateOutput truncates string output that exceeds the size limit
func (te *ToolExecutor) truncateOutput(output interface{}) (interface{}, bool) {
	str, ok := output.(string)
	if !ok || len(str) <= te.maxOutputBytes {
		return output, false
	}

	te.logger.Warn().
		Int("original", len(str)).
		Int("truncated", te.maxOutputBytes).
		Msg("Output truncated")

	return str[:te.maxOutputBytes] + "\n... [output truncated]", true
}
