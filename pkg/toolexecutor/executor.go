package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/sera/internal/observability"
	"github.com/harun/sera/internal/tracing"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler. Optional tools are
// only callable when listed in the configured enablement list.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Optional    bool            `json:"optional,omitempty"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	SessionKey string
	AgentID    string
	WorkingDir string
	Timeout    time.Duration
}

// ToolResult represents the result of a tool execution. On failure Error
// holds the text fed back to the model; it is never raised to the caller.
type ToolResult struct {
	Success   bool          `json:"success"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"-"`
}

// Text returns the transcript line for this result.
func (tr ToolResult) Text() string {
	if tr.Success {
		return tr.Output
	}
	return tr.Error
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	// enabled gates Optional tools; nil means all optional tools are enabled.
	enabled map[string]bool
	mu      sync.RWMutex
}

// New creates a new ToolExecutor
func New() *ToolExecutor {
	te := &ToolExecutor{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
	}

	log.Info().Msg("Tool executor initialized")

	return te
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	// Validate tool definition
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	// Generate JSON Schema
	schema, err := generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema

	log.Info().Str("tool", def.Name).Bool("optional", def.Optional).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)

	log.Info().Str("tool", name).Msg("Tool unregistered")
}

// SetEnabledTools sets the enablement list for Optional tools. Nil or an
// empty list enables every optional tool; entries are trimmed.
func (te *ToolExecutor) SetEnabledTools(names []string) {
	var enabled map[string]bool
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if enabled == nil {
			enabled = make(map[string]bool)
		}
		enabled[name] = true
	}

	te.mu.Lock()
	te.enabled = enabled
	te.mu.Unlock()

	log.Info().Int("count", len(enabled)).Msg("Optional tool enablement updated")
}

// GetTool returns a tool definition by name, nil when missing or disabled
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tool := te.tools[name]
	if tool == nil || !te.isEnabled(tool) {
		return nil
	}
	return tool
}

// ListTools returns the names of all enabled tools, sorted
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name, tool := range te.tools {
		if te.isEnabled(tool) {
			tools = append(tools, name)
		}
	}
	sort.Strings(tools)

	return tools
}

// Definitions returns enabled tool definitions sorted by name, for the
// model request's tool list
func (te *ToolExecutor) Definitions() []ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(te.tools))
	for _, tool := range te.tools {
		if te.isEnabled(tool) {
			defs = append(defs, *tool)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	return defs
}

// GetToolCount returns the number of registered tools
func (te *ToolExecutor) GetToolCount() int {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return len(te.tools)
}

// Execute runs a tool with the given parameters. Every failure mode —
// unknown tool, disabled tool, invalid parameters, handler error, panic,
// timeout — is reported inside the ToolResult so the loop can feed it back
// to the model.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	startTime := time.Now()
	if ctx == nil {
		ctx = context.Background()
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	enabled := tool != nil && te.isEnabled(tool)
	te.mu.RUnlock()

	if tool == nil {
		logger.Warn().Str("tool", toolName).Msg("Tool not found")
		return te.failure(toolName, fmt.Sprintf("Error: Tool '%s' not found", toolName), startTime)
	}

	if !enabled {
		logger.Warn().Str("tool", toolName).Msg("Tool disabled by configuration")
		return te.failure(toolName, fmt.Sprintf("Error: Tool '%s' is disabled", toolName), startTime)
	}

	// Validate parameters before the handler ever runs
	if errs := validateParameters(schema, params); len(errs) > 0 {
		logger.Warn().
			Str("tool", toolName).
			Strs("errors", errs).
			Msg("Parameter validation failed")
		message := fmt.Sprintf("Error: Invalid parameters for tool '%s': %s", toolName, strings.Join(errs, "; "))
		return te.failure(toolName, message, startTime)
	}

	logger.Debug().Str("tool", toolName).Msg("Executing tool")

	// Apply timeout
	timeout := 30 * time.Second
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	timeoutCtx = ContextWithExecContext(timeoutCtx, execCtx)

	// Execute tool
	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errChan <- fmt.Errorf("panic: %v", r)
			}
		}()
		result, err := tool.Handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	// Wait for result or timeout
	select {
	case result := <-resultChan:
		duration := time.Since(startTime)

		// Truncate output if too large
		output, truncated := truncateOutput(serializeOutput(result))

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
			Duration:  duration,
		}

	case err := <-errChan:
		logger.Error().
			Str("tool", toolName).
			Err(err).
			Msg("Tool execution failed")

		return te.failure(toolName, fmt.Sprintf("Error executing %s: %s", toolName, err.Error()), startTime)

	case <-timeoutCtx.Done():
		logger.Error().
			Str("tool", toolName).
			Dur("timeout", timeout).
			Msg("Tool execution timeout")

		return te.failure(toolName, fmt.Sprintf("Error executing %s: timeout after %v", toolName, timeout), startTime)
	}
}

// failure builds a failed ToolResult and records its metrics
func (te *ToolExecutor) failure(toolName, message string, startTime time.Time) ToolResult {
	duration := time.Since(startTime)
	observability.RecordToolExecution(toolName, duration, false)
	return ToolResult{
		Success:  false,
		Error:    message,
		Duration: duration,
	}
}

// isEnabled reports whether a tool is callable. Non-optional tools always
// are; optional tools consult the enablement list. Caller must hold te.mu.
func (te *ToolExecutor) isEnabled(tool *ToolDefinition) bool {
	if !tool.Optional {
		return true
	}
	if te.enabled == nil {
		return true
	}
	return te.enabled[tool.Name]
}

// validateToolDefinition validates a tool definition
func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	// Validate parameters
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

		// Validate type
		validTypes := map[string]bool{
			"string": true, "number": true, "boolean": true,
			"object": true, "array": true, "integer": true,
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateJSONSchema generates a JSON Schema from tool parameters
func generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           make(map[string]interface{}),
	}

	properties := schemaMap["properties"].(map[string]interface{})
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

	if len(required) > 0 {
		schemaMap["required"] = required
	}

	schemaLoader := gojsonschema.NewGoLoader(schemaMap)
	schema, err := gojsonschema.NewSchema(schemaLoader)
	if err != nil {
		return nil, err
	}

	return schema, nil
}

// validateParameters validates parameters against a JSON Schema and returns
// the individual violation messages
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) []string {
	if schema == nil {
		return nil
	}

	paramsLoader := gojsonschema.NewGoLoader(params)
	result, err := schema.Validate(paramsLoader)
	if err != nil {
		return []string{err.Error()}
	}

	if result.Valid() {
		return nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, violation := range result.Errors() {
		errs = append(errs, violation.String())
	}
	return errs
}

// serializeOutput renders a handler result as the string fed back to the model
func serializeOutput(output interface{}) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// truncateOutput truncates output if it exceeds the size limit
func truncateOutput(output string) (string, bool) {
	const maxSize = 10 * 1024 // 10KB

	if len(output) <= maxSize {
		return output, false
	}

	log.Warn().
		Int("original", len(output)).
		Int("truncated", maxSize).
		Msg("Output truncated")

	return output[:maxSize] + "\n... [output truncated]", true
}
