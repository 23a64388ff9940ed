package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/google/go-cmp/cmp"
)

func TestToolRegistryFirstDuplicateWins(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	reg := mcp.NewToolRegistry([]mcp.ToolDescriptor{
		{Name: "get_weather", Description: "first"},
		{Name: "add", Description: "adds"},
		{Name: "get_weather", Description: "second"},
	}, logger)

	if reg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", reg.Len())
	}
	if diff := cmp.Diff([]string{"get_weather", "add"}, reg.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
	got, ok := reg.Lookup("get_weather")
	if !ok {
		t.Fatal("Lookup(get_weather) not found")
	}
	if got.Description != "first" {
		t.Errorf("Lookup(get_weather).Description = %q, want first", got.Description)
	}
	if !strings.Contains(logs.String(), "duplicate tool name") {
		t.Errorf("expected a warning about the duplicate, logs: %s", logs.String())
	}
	if _, ok := reg.Lookup("missing"); ok {
		t.Error("Lookup(missing) found a tool")
	}
}

func TestToolRegistryNil(t *testing.T) {
	var reg *mcp.ToolRegistry
	if reg.Len() != 0 || reg.Tools() != nil || reg.Names() != nil {
		t.Error("nil registry should be empty")
	}
	if _, ok := reg.Lookup("x"); ok {
		t.Error("nil registry Lookup found a tool")
	}
}

func TestParseToolDescriptor(t *testing.T) {
	tests := []struct {
		name string
		tool mcp.Tool
		want mcp.ToolDescriptor
	}{
		{
			name: "no schema",
			tool: mcp.Tool{Name: "get_weather", Description: "Get weather"},
			want: mcp.ToolDescriptor{Name: "get_weather", Description: "Get weather"},
		},
		{
			name: "null schema",
			tool: mcp.Tool{Name: "get_weather", InputSchema: json.RawMessage(`null`)},
			want: mcp.ToolDescriptor{Name: "get_weather"},
		},
		{
			name: "malformed schema",
			tool: mcp.Tool{Name: "broken", InputSchema: json.RawMessage(`{"properties": "oops"}`)},
			want: mcp.ToolDescriptor{Name: "broken"},
		},
		{
			name: "schema with properties",
			tool: mcp.Tool{
				Name: "calculate_mortgage",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"principal": {"type": "number", "description": "Loan principal amount"},
						"years": {"type": "integer"},
						"note": {"type": ["string", "null"]}
					},
					"required": ["principal", "years"]
				}`),
			},
			want: mcp.ToolDescriptor{
				Name: "calculate_mortgage",
				Parameters: map[string]mcp.Parameter{
					"principal": {Type: "number", Description: "Loan principal amount", Required: true},
					"years":     {Type: "integer", Required: true},
					"note":      {Type: "string|null"},
				},
				Required: []string{"principal", "years"},
			},
		},
	}

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := mcp.ParseToolDescriptor(tc.tool, logger)
			if diff := cmp.Diff(tc.want, got, cmpIgnoreSchema); diff != "" {
				t.Errorf("ParseToolDescriptor() mismatch (-want +got):\n%s", diff)
			}
			if got.HasSchema() != (tc.want.Parameters != nil) {
				t.Errorf("HasSchema() = %v", got.HasSchema())
			}
		})
	}
}

var cmpIgnoreSchema = cmp.FilterPath(func(p cmp.Path) bool {
	return p.Last().String() == ".InputSchema"
}, cmp.Ignore())

func TestToolDescriptorParameterNames(t *testing.T) {
	desc := mcp.ToolDescriptor{Parameters: map[string]mcp.Parameter{"years": {}, "principal": {}, "interest_rate": {}}}
	if diff := cmp.Diff([]string{"interest_rate", "principal", "years"}, desc.ParameterNames()); diff != "" {
		t.Errorf("ParameterNames() mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateArguments(t *testing.T) {
	desc := mcp.ParseToolDescriptor(mcp.Tool{
		Name: "add",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"a": {"type": "number"}, "b": {"type": "number"}},
			"required": ["a", "b"]
		}`),
	}, nil)

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{name: "valid", args: map[string]any{"a": 1, "b": 2.5}},
		{name: "missing required", args: map[string]any{"a": 1}, wantErr: true},
		{name: "wrong type", args: map[string]any{"a": "one", "b": 2}, wantErr: true},
		{name: "nil arguments", args: nil, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := desc.ValidateArguments(context.Background(), tc.args)
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("ValidateArguments() error = %v", err)
				}
				return
			}
			var ae *mcp.ArgumentError
			if !errors.As(err, &ae) {
				t.Fatalf("ValidateArguments() error = %v, want *ArgumentError", err)
			}
			if ae.Tool != "add" || len(ae.Problems) == 0 {
				t.Errorf("ArgumentError = %+v", ae)
			}
		})
	}
}

func TestValidateArgumentsWithoutSchema(t *testing.T) {
	desc := mcp.ParseToolDescriptor(mcp.Tool{Name: "get_weather"}, nil)
	if err := desc.ValidateArguments(context.Background(), map[string]any{"anything": true}); err != nil {
		t.Errorf("ValidateArguments() error = %v, want nil for a tool without schema", err)
	}
}
