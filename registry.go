package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/qri-io/jsonschema"
)

// ToolDescriptor describes one tool offered by a server, as parsed from a tools/list result.
//
// Parameters and Required are derived from the tool's inputSchema when it has a usable one. A tool
// without a schema, or with a schema the client could not parse, has no parameter information; its
// InputSchema is nil and any arguments are accepted.
type ToolDescriptor struct {
	Name        string
	Description string
	Parameters  map[string]Parameter
	Required    []string
	InputSchema json.RawMessage
}

// Parameter describes one property of a tool's input schema.
type Parameter struct {
	Type        string
	Description string
	Required    bool
}

// ToolRegistry is an immutable, order-preserving index of tool descriptors by name. When two
// descriptors share a name, the first one wins and the duplicate is logged.
type ToolRegistry struct {
	tools  []ToolDescriptor
	byName map[string]int
}

type schemaShape struct {
	Type       any                       `json:"type"`
	Properties map[string]propertyShape `json:"properties"`
	Required   []string                  `json:"required"`
}

type propertyShape struct {
	Type        any    `json:"type"`
	Description string `json:"description"`
}

// NewToolRegistry builds a registry from tools. A nil logger uses slog.Default().
func NewToolRegistry(tools []ToolDescriptor, logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ToolRegistry{
		tools:  make([]ToolDescriptor, 0, len(tools)),
		byName: make(map[string]int, len(tools)),
	}
	for _, t := range tools {
		if _, ok := r.byName[t.Name]; ok {
			logger.Warn("duplicate tool name, keeping the first definition", "tool", t.Name)
			continue
		}
		r.byName[t.Name] = len(r.tools)
		r.tools = append(r.tools, t)
	}
	return r
}

// Lookup returns the descriptor registered under name.
func (r *ToolRegistry) Lookup(name string) (ToolDescriptor, bool) {
	if r == nil {
		return ToolDescriptor{}, false
	}
	i, ok := r.byName[name]
	if !ok {
		return ToolDescriptor{}, false
	}
	return r.tools[i], true
}

// Tools returns the descriptors in registration order.
func (r *ToolRegistry) Tools() []ToolDescriptor {
	if r == nil {
		return nil
	}
	tools := make([]ToolDescriptor, len(r.tools))
	copy(tools, r.tools)
	return tools
}

// Names returns the tool names in registration order.
func (r *ToolRegistry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Name
	}
	return names
}

// Len returns the number of distinct tools.
func (r *ToolRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tools)
}

// ParseToolDescriptor converts a wire tool definition into a descriptor. Schema problems never fail
// the conversion: a missing or malformed schema yields a descriptor without parameters, and the
// problem is logged.
func ParseToolDescriptor(tool Tool, logger *slog.Logger) ToolDescriptor {
	if logger == nil {
		logger = slog.Default()
	}
	desc := ToolDescriptor{
		Name:        tool.Name,
		Description: tool.Description,
	}

	raw := strings.TrimSpace(string(tool.InputSchema))
	if raw == "" || raw == "null" {
		return desc
	}

	var shape schemaShape
	if err := json.Unmarshal(tool.InputSchema, &shape); err != nil {
		logger.Warn("ignoring malformed input schema", "tool", tool.Name, "err", err)
		return desc
	}

	desc.InputSchema = tool.InputSchema
	desc.Parameters = make(map[string]Parameter, len(shape.Properties))
	required := make(map[string]bool, len(shape.Required))
	for _, name := range shape.Required {
		required[name] = true
	}
	for name, prop := range shape.Properties {
		desc.Parameters[name] = Parameter{
			Type:        typeName(prop.Type),
			Description: prop.Description,
			Required:    required[name],
		}
	}
	for _, name := range shape.Required {
		if _, ok := shape.Properties[name]; !ok {
			logger.Warn("required parameter missing from schema properties", "tool", tool.Name, "param", name)
		}
	}
	desc.Required = append([]string(nil), shape.Required...)
	return desc
}

// HasSchema reports whether the descriptor carries a usable input schema.
func (t ToolDescriptor) HasSchema() bool {
	return len(t.InputSchema) > 0
}

// ParameterNames returns the parameter names sorted alphabetically.
func (t ToolDescriptor) ParameterNames() []string {
	names := make([]string, 0, len(t.Parameters))
	for name := range t.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateArguments checks args against the tool's input schema. A tool without a schema accepts any
// arguments, and so does a tool whose schema cannot be compiled. Violations are reported as
// *ArgumentError.
func (t ToolDescriptor) ValidateArguments(ctx context.Context, args map[string]any) error {
	if !t.HasSchema() {
		return nil
	}

	schema := &jsonschema.Schema{}
	if err := json.Unmarshal(t.InputSchema, schema); err != nil {
		return nil
	}

	if args == nil {
		args = map[string]any{}
	}
	// Round trip so numbers and nested values have the shapes the validator expects.
	bs, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal arguments of %s: %w", t.Name, err)
	}
	var doc any
	if err := json.Unmarshal(bs, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal arguments of %s: %w", t.Name, err)
	}

	vs := schema.Validate(ctx, doc)
	if vs.Errs == nil || len(*vs.Errs) == 0 {
		return nil
	}
	problems := make([]string, 0, len(*vs.Errs))
	for _, ke := range *vs.Errs {
		if ke.PropertyPath != "" && ke.PropertyPath != "/" {
			problems = append(problems, ke.PropertyPath+": "+ke.Message)
			continue
		}
		problems = append(problems, ke.Message)
	}
	return &ArgumentError{Tool: t.Name, Problems: problems}
}

func typeName(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "|")
	}
	return ""
}
