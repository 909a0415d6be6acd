package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harun/agentjobs/internal/observability"
	"github.com/xeipuuv/gojsonschema"
)

// ToolParameter describes one named argument of a tool.
type ToolParameter struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description" yaml:"description"`
	Required    bool   `json:"required" yaml:"required"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a named capability the model may invoke.
type Tool struct {
	Name        string
	Description string
	Parameters  []ToolParameter
	Handler     ToolHandler
}

// ToolSpec is the model-facing description of a tool.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  []ToolParameter
}

// InputSchema returns the JSON Schema object for the tool's arguments.
func (s ToolSpec) InputSchema() map[string]any {
	properties := make(map[string]any, len(s.Parameters))
	for _, param := range s.Parameters {
		properties[param.Name] = map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if required := s.RequiredParameters(); len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// RequiredParameters returns the names of required parameters in declaration order.
func (s ToolSpec) RequiredParameters() []string {
	var required []string
	for _, param := range s.Parameters {
		if param.Required {
			required = append(required, param.Name)
		}
	}
	return required
}

// ToolErrorKind classifies a contained tool failure.
type ToolErrorKind string

const (
	ToolErrUnknown     ToolErrorKind = "unknown_tool"
	ToolErrInvalidArgs ToolErrorKind = "invalid_arguments"
	ToolErrExecution   ToolErrorKind = "execution_failed"
)

// ToolError is the structured error fed back to the model when a tool call
// cannot produce a result.
type ToolError struct {
	Kind    ToolErrorKind `json:"kind"`
	Message string        `json:"error"`
}

func (e *ToolError) Error() string {
	return e.Message
}

// ToolOutcome is the result of dispatching one tool call. Exactly one of
// Result and Err is meaningful.
type ToolOutcome struct {
	Call     ToolCall
	Args     map[string]any
	Result   any
	Err      *ToolError
	Duration time.Duration
}

// Content renders the outcome as the tool message sent back to the model.
func (o ToolOutcome) Content() string {
	var v any = o.Result
	if o.Err != nil {
		v = o.Err
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(&ToolError{Kind: ToolErrExecution, Message: fmt.Sprintf("result is not serializable: %v", err)})
	}
	return string(data)
}

func isErrorContent(content string) bool {
	var rendered struct {
		Kind  ToolErrorKind `json:"kind"`
		Error string        `json:"error"`
	}
	return json.Unmarshal([]byte(content), &rendered) == nil && rendered.Kind != "" && rendered.Error != ""
}

var validParameterTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

type boundTool struct {
	Tool
	schema *gojsonschema.Schema
}

// ToolSet is an immutable, validated set of tools resolved once at
// construction.
type ToolSet struct {
	tools   map[string]*boundTool
	order   []string
	timeout time.Duration
}

// NewToolSet validates the tool definitions and compiles their argument
// schemas. Duplicate names are rejected.
func NewToolSet(tools ...Tool) (*ToolSet, error) {
	set := &ToolSet{tools: make(map[string]*boundTool, len(tools))}
	for _, tool := range tools {
		if err := validateTool(tool); err != nil {
			return nil, err
		}
		if _, exists := set.tools[tool.Name]; exists {
			return nil, fmt.Errorf("duplicate tool: %s", tool.Name)
		}
		schema, err := compileSchema(tool)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", tool.Name, err)
		}
		set.tools[tool.Name] = &boundTool{Tool: tool, schema: schema}
		set.order = append(set.order, tool.Name)
	}
	return set, nil
}

// WithTimeout returns a copy of the set whose handlers are bounded by d.
func (s *ToolSet) WithTimeout(d time.Duration) *ToolSet {
	cp := *s
	cp.timeout = d
	return &cp
}

// Len returns the number of tools.
func (s *ToolSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Names returns the tool names in registration order.
func (s *ToolSet) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}

// Specs returns the model-facing tool descriptions.
func (s *ToolSet) Specs() []ToolSpec {
	if s == nil {
		return nil
	}
	specs := make([]ToolSpec, 0, len(s.order))
	for _, name := range s.order {
		t := s.tools[name]
		specs = append(specs, ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return specs
}

// Dispatch runs one tool call. It never returns an error: every failure is
// reported in the outcome.
func (s *ToolSet) Dispatch(ctx context.Context, call ToolCall) ToolOutcome {
	start := time.Now()
	outcome := ToolOutcome{Call: call, Args: parseArguments(call.Arguments)}

	var tool *boundTool
	if s != nil {
		tool = s.tools[call.Name]
	}
	if tool == nil {
		outcome.Err = &ToolError{Kind: ToolErrUnknown, Message: fmt.Sprintf("Unknown tool '%s'", call.Name)}
		return outcome
	}

	if err := validateArguments(tool.schema, outcome.Args); err != nil {
		outcome.Err = &ToolError{Kind: ToolErrInvalidArgs, Message: fmt.Sprintf("invalid arguments for %s: %v", call.Name, err)}
		outcome.Duration = time.Since(start)
		observability.RecordToolExecution(call.Name, outcome.Duration, false)
		return outcome
	}

	result, err := s.invoke(ctx, tool, outcome.Args)
	outcome.Duration = time.Since(start)
	if err != nil {
		outcome.Err = &ToolError{Kind: ToolErrExecution, Message: err.Error()}
		observability.RecordToolExecution(call.Name, outcome.Duration, false)
		return outcome
	}
	outcome.Result = result
	observability.RecordToolExecution(call.Name, outcome.Duration, true)
	return outcome
}

func (s *ToolSet) invoke(ctx context.Context, tool *boundTool, args map[string]any) (any, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	type reply struct {
		result any
		err    error
	}
	done := make(chan reply, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- reply{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		result, err := tool.Handler(ctx, args)
		done <- reply{result: result, err: err}
	}()

	select {
	case r := <-done:
		return r.result, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("tool execution timeout after %v", s.timeout)
		}
		return nil, ctx.Err()
	}
}

// parseArguments decodes the model's raw arguments. Anything that is not a
// JSON object is treated as no arguments.
func parseArguments(raw json.RawMessage) map[string]any {
	args := map[string]any{}
	if len(raw) == 0 {
		return args
	}
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		// Some providers double-encode arguments as a JSON string.
		var inner string
		if json.Unmarshal(raw, &inner) == nil {
			nested := map[string]any{}
			if json.Unmarshal([]byte(inner), &nested) == nil {
				return nested
			}
		}
		return map[string]any{}
	}
	return args
}

func validateTool(tool Tool) error {
	if tool.Name == "" {
		return errors.New("tool name cannot be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil for %s", tool.Name)
	}
	for _, param := range tool.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty for %s", tool.Name)
		}
		if !validParameterTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s.%s", param.Type, tool.Name, param.Name)
		}
	}
	return nil
}

func compileSchema(tool Tool) (*gojsonschema.Schema, error) {
	schemaMap := ToolSpec{Name: tool.Name, Parameters: tool.Parameters}.InputSchema()
	schemaMap["additionalProperties"] = false
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func validateArguments(schema *gojsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	sort.Strings(msgs)
	return errors.New(strings.Join(msgs, "; "))
}
