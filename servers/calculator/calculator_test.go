package calculator_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/servers/calculator"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"2+3*4", 14},
		{"(2+3)*4", 20},
		{"10/4", 2.5},
		{"2^10", 1024},
		{"2^3^2", 512},
		{"-2^2", -4},
		{"(-2)^2", 4},
		{"7 % 3", 1},
		{"--5", 5},
		{" 1.5 + .5 ", 2},
	}

	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := calculator.Evaluate(tc.expr)
			if err != nil {
				t.Fatalf("Evaluate(%q) error = %v", tc.expr, err)
			}
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("Evaluate(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestEvaluateInvalid(t *testing.T) {
	for _, expr := range []string{"", "1/0", "5 % 0", "2+", "(1+2", "1+2)", "os.Exit(1)", "1..2", "2^10000"} {
		t.Run(expr, func(t *testing.T) {
			if _, err := calculator.Evaluate(expr); !errors.Is(err, calculator.ErrInvalidExpression) {
				t.Errorf("Evaluate(%q) error = %v, want ErrInvalidExpression", expr, err)
			}
		})
	}
}

func TestFormatNumber(t *testing.T) {
	if got := calculator.FormatNumber(14); got != "14" {
		t.Errorf("FormatNumber(14) = %q", got)
	}
	if got := calculator.FormatNumber(2.5); got != "2.5" {
		t.Errorf("FormatNumber(2.5) = %q", got)
	}
}

func TestCalculateMortgage(t *testing.T) {
	m, err := calculator.CalculateMortgage(300000, 6.5, 30)
	if err != nil {
		t.Fatalf("CalculateMortgage() error = %v", err)
	}
	if m.NumPayments != 360 {
		t.Errorf("NumPayments = %d, want 360", m.NumPayments)
	}
	if m.MonthlyPayment != 1896.2 {
		t.Errorf("MonthlyPayment = %v, want 1896.2", m.MonthlyPayment)
	}

	zero, err := calculator.CalculateMortgage(1200, 0, 1)
	if err != nil {
		t.Fatalf("CalculateMortgage() error = %v", err)
	}
	if zero.MonthlyPayment != 100 || zero.TotalInterest != 0 {
		t.Errorf("zero interest mortgage = %+v", zero)
	}

	if _, err := calculator.CalculateMortgage(0, 5, 30); err == nil {
		t.Error("expected error for zero principal")
	}
}

func TestServerTools(t *testing.T) {
	s := calculator.New()
	ctx := context.Background()

	call := func(name string, args any) mcp.CallToolResult {
		t.Helper()
		params, _ := json.Marshal(map[string]any{"name": name, "arguments": args})
		res := s.Handle(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: "1", Method: mcp.MethodToolsCall, Params: params})
		if res.Error != nil {
			t.Fatalf("%s: unexpected error %+v", name, res.Error)
		}
		var result mcp.CallToolResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			t.Fatalf("%s: failed to unmarshal result: %v", name, err)
		}
		return result
	}

	if got := call("add", map[string]any{"a": 2, "b": 40}).Text(); got != "42" {
		t.Errorf("add = %q, want 42", got)
	}
	if got := call("multiply", map[string]any{"a": 6, "b": 7}).Text(); got != "42" {
		t.Errorf("multiply = %q, want 42", got)
	}
	if got := call("evaluate_expression", map[string]any{"expression": "(1+2)^3"}).Text(); got != "(1+2)^3 = 27" {
		t.Errorf("evaluate_expression = %q", got)
	}

	res := call("evaluate_expression", map[string]any{"expression": "10/0"})
	if !res.IsError {
		t.Errorf("division by zero should be an error result, got %+v", res)
	}

	var m calculator.Mortgage
	if err := json.Unmarshal([]byte(call("calculate_mortgage", map[string]any{
		"principal": 300000, "interest_rate": 6.5, "years": 30,
	}).Text()), &m); err != nil {
		t.Fatalf("calculate_mortgage returned non-JSON text: %v", err)
	}
	if m.NumPayments != 360 {
		t.Errorf("calculate_mortgage NumPayments = %d, want 360", m.NumPayments)
	}
}

func TestEvaluateDeepNesting(t *testing.T) {
	for name, expr := range map[string]string{
		"parentheses": strings.Repeat("(", 1<<20),
		"unary":       strings.Repeat("-", 1<<20) + "1",
		"power":       strings.Repeat("2^", 1<<16) + "1",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := calculator.Evaluate(expr); !errors.Is(err, calculator.ErrInvalidExpression) {
				t.Errorf("Evaluate() error = %v, want ErrInvalidExpression", err)
			}
		})
	}

	got, err := calculator.Evaluate(strings.Repeat("(", 100) + "1" + strings.Repeat(")", 100))
	if err != nil || got != 1 {
		t.Errorf("Evaluate(100 nested parentheses) = %v, %v, want 1", got, err)
	}
}
