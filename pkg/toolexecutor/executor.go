package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/platepal/internal/observability"
	"github.com/harun/platepal/internal/tracing"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

const defaultTimeout = 30 * time.Second

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ExecutionContext tells a handler who it is acting for.
type ExecutionContext struct {
	UserID     string
	SessionID  string
	RunID      string
	ToolCallID string
	Timeout    time.Duration
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	params  map[string]map[string]interface{}
	timeout time.Duration
	mu      sync.RWMutex
}

// Option configures a ToolExecutor.
type Option func(*ToolExecutor)

// WithTimeout bounds every handler call.
func WithTimeout(d time.Duration) Option {
	return func(te *ToolExecutor) {
		if d > 0 {
			te.timeout = d
		}
	}
}

// New creates a new ToolExecutor
func New(opts ...Option) *ToolExecutor {
	observability.EnsureRegistered()

	te := &ToolExecutor{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
		params:  make(map[string]map[string]interface{}),
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(te)
	}

	log.Info().Dur("timeout", te.timeout).Msg("Tool executor initialized")

	return te
}

// RegisterTool registers a new tool. Registering an existing name replaces it.
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := te.validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := te.generateSchemaMap(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema
	te.params[def.Name] = schemaMap

	log.Info().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)
	delete(te.params, name)

	log.Info().Str("tool", name).Msg("Tool unregistered")
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// ListTools returns all registered tool names, sorted
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	return tools
}

// GetToolCount returns the number of registered tools
func (te *ToolExecutor) GetToolCount() int {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return len(te.tools)
}

// Execute executes a tool with the given parameters. Handler errors, panics
// and timeouts are reported in the result, never returned or re-raised.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	startTime := time.Now()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	te.mu.RUnlock()

	if tool == nil {
		logger.Error().Str("tool", toolName).Msg("Tool not found")
		observability.RecordToolExecution(toolName, time.Since(startTime), false)
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool not found: %s", toolName),
		}
	}

	if params == nil {
		params = map[string]interface{}{}
	}

	if err := te.validateParameters(schema, params); err != nil {
		logger.Error().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		observability.RecordToolExecution(toolName, time.Since(startTime), false)
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("parameter validation failed: %v", err),
		}
	}

	logger.Debug().Str("tool", toolName).Msg("Executing tool")

	timeout := te.timeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}

	timeoutCtx, cancel := context.WithTimeout(ContextWithExecContext(ctx, execCtx), timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errChan <- fmt.Errorf("tool %s panicked: %v", toolName, r)
			}
		}()
		result, err := tool.Handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	select {
	case result := <-resultChan:
		duration := time.Since(startTime)
		output, truncated := te.truncateOutput(result)

		logger.Debug().
			Str("tool", toolName).
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool execution completed")
		observability.RecordToolExecution(toolName, duration, true)

		return ToolResult{
			Success:   true,
			Output:    output,
			Truncated: truncated,
			Metadata: map[string]interface{}{
				"duration": duration.Milliseconds(),
			},
		}

	case err := <-errChan:
		duration := time.Since(startTime)

		logger.Error().
			Str("tool", toolName).
			Dur("duration", duration).
			Err(err).
			Msg("Tool execution failed")
		observability.RecordToolExecution(toolName, duration, false)

		return ToolResult{
			Success: false,
			Error:   err.Error(),
			Metadata: map[string]interface{}{
				"duration": duration.Milliseconds(),
			},
		}

	case <-timeoutCtx.Done():
		duration := time.Since(startTime)

		logger.Error().
			Str("tool", toolName).
			Dur("duration", duration).
			Msg("Tool execution timeout")
		observability.RecordToolExecution(toolName, duration, false)

		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool execution timeout after %v", timeout),
			Metadata: map[string]interface{}{
				"duration": duration.Milliseconds(),
			},
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
	if def.Handler == nil {
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
		if len(param.Enum) > 0 && param.Type != "string" {
			return fmt.Errorf("enum is only supported for string parameter %s", param.Name)
		}
	}

	return nil
}

// generateSchemaMap builds the JSON Schema object for a tool's parameters.
// The same map validates arguments and is advertised to the remote agent.
func (te *ToolExecutor) generateSchemaMap(def ToolDefinition) map[string]interface{} {
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
		if len(param.Enum) > 0 {
			enum := make([]interface{}, len(param.Enum))
			for i, v := range param.Enum {
				enum[i] = v
			}
			paramSchema["enum"] = enum
		}
		// arrays are lists of strings
		if param.Type == "array" {
			paramSchema["items"] = map[string]interface{}{"type": "string"}
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
func (te *ToolExecutor) validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
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
	const maxSize = 10 * 1024 // 10KB

	str, ok := output.(string)
	if !ok || len(str) <= maxSize {
		return output, false
	}

	log.Warn().
		Int("original", len(str)).
		Int("truncated", maxSize).
		Msg("Output truncated")

	return str[:maxSize] + "\n... [output truncated]", true
}
