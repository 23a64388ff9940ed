package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/go-mcp-client"
	reflectschema "github.com/invopop/jsonschema"
	"github.com/qri-io/jsonschema"
)

// Handler executes a tool call. args is the JSON object of arguments, already validated against the
// tool's schema when it has one. Returning a *mcp.JSONRPCError makes the call fail with that error;
// any other error is reported as a tool result with IsError set.
type Handler func(ctx context.Context, args json.RawMessage) (mcp.CallToolResult, error)

type tool struct {
	def     mcp.Tool
	schema  *jsonschema.Schema
	handler Handler
}

// AddTool registers a tool whose arguments are described by the struct type A. The input schema is
// reflected from A's json and jsonschema struct tags, and incoming arguments are validated against it
// before fn runs. Fields without omitempty are required.
func AddTool[A any](s *Server, name, description string, fn func(ctx context.Context, args A) (mcp.CallToolResult, error)) {
	r := &reflectschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	reflected := r.Reflect(new(A))
	reflected.Version = ""

	raw, err := json.Marshal(reflected)
	if err != nil {
		panic(fmt.Sprintf("toolserver: failed to marshal schema of %s: %v", name, err))
	}

	handler := func(ctx context.Context, args json.RawMessage) (mcp.CallToolResult, error) {
		var a A
		if err := json.Unmarshal(args, &a); err != nil {
			return mcp.CallToolResult{}, &mcp.JSONRPCError{
				Code:    mcp.CodeInvalidParams,
				Message: fmt.Sprintf("%s: %v", errMsgInvalidParams, err),
			}
		}
		return fn(ctx, a)
	}
	s.AddRawTool(mcp.Tool{Name: name, Description: description, InputSchema: raw}, handler)
}

// AddRawTool registers a tool with an explicit wire definition. When def.InputSchema is empty the tool
// advertises no schema and accepts any arguments. A later registration under the same name replaces
// the earlier one.
func (s *Server) AddRawTool(def mcp.Tool, handler Handler) {
	t := &tool{def: def, handler: handler}
	if len(def.InputSchema) > 0 {
		schema := &jsonschema.Schema{}
		if err := json.Unmarshal(def.InputSchema, schema); err != nil {
			s.logger.Warn("tool schema does not compile, arguments will not be validated", "tool", def.Name, "err", err)
		} else {
			t.schema = schema
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byName[def.Name]; ok {
		*existing = *t
		return
	}
	s.byName[def.Name] = t
	s.tools = append(s.tools, t)
}

// Tools returns the wire definitions of the registered tools in registration order.
func (s *Server) Tools() []mcp.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]mcp.Tool, len(s.tools))
	for i, t := range s.tools {
		defs[i] = t.def
	}
	return defs
}

func (t *tool) validate(ctx context.Context, args json.RawMessage) error {
	if t.schema == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("%s: %w", errMsgInvalidParams, err)
	}
	vs := t.schema.Validate(ctx, doc)
	if vs.Errs == nil || len(*vs.Errs) == 0 {
		return nil
	}
	var errStr []string
	for _, err := range *vs.Errs {
		errStr = append(errStr, err.Message)
	}
	return fmt.Errorf("params validation failed: %s", strings.Join(errStr, ", "))
}

// TextResult is a convenience for a single text block result.
func TextResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}},
	}
}
