// Package calculator provides arithmetic tools for an MCP tool server: expression evaluation, addition,
// multiplication and a mortgage payment calculator.
package calculator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/toolserver"
)

// EvaluateArgs are the arguments of evaluate_expression.
type EvaluateArgs struct {
	Expression string `json:"expression" jsonschema:"description=Arithmetic expression such as (2+3)*4 or 2^10"`
}

// BinaryArgs are the arguments of add and multiply.
type BinaryArgs struct {
	A float64 `json:"a" jsonschema:"description=First operand"`
	B float64 `json:"b" jsonschema:"description=Second operand"`
}

// MortgageArgs are the arguments of calculate_mortgage.
type MortgageArgs struct {
	Principal    float64 `json:"principal" jsonschema:"description=Loan principal amount"`
	InterestRate float64 `json:"interest_rate" jsonschema:"description=Annual interest rate in percent (e.g. 3.5)"`
	Years        int     `json:"years" jsonschema:"description=Loan term in years"`
}

// Mortgage is the result of calculate_mortgage, returned as JSON text.
type Mortgage struct {
	MonthlyPayment float64 `json:"monthly_payment"`
	TotalPayment   float64 `json:"total_payment"`
	TotalInterest  float64 `json:"total_interest"`
	MonthlyRate    float64 `json:"monthly_rate"`
	NumPayments    int     `json:"num_payments"`
}

// Register adds the calculator tools to s.
func Register(s *toolserver.Server) {
	toolserver.AddTool(s, "evaluate_expression", "Evaluate an arithmetic expression", evaluate)
	toolserver.AddTool(s, "add", "Adds two numbers", add)
	toolserver.AddTool(s, "multiply", "Multiplies two numbers", multiply)
	toolserver.AddTool(s, "calculate_mortgage",
		"Calculate the monthly mortgage payment, total payment and total interest", mortgage)
}

// New creates a tool server offering the calculator tools.
func New(options ...toolserver.Option) *toolserver.Server {
	s := toolserver.New(mcp.Info{Name: "calculator", Version: "1.0.0"}, options...)
	Register(s)
	return s
}

// CalculateMortgage computes the fixed monthly payment of a loan.
func CalculateMortgage(principal, interestRate float64, years int) (Mortgage, error) {
	if principal <= 0 || years <= 0 {
		return Mortgage{}, fmt.Errorf("principal and years must be positive")
	}

	n := years * 12
	rate := interestRate / 100 / 12

	var monthly float64
	if rate == 0 {
		monthly = principal / float64(n)
	} else {
		growth := math.Pow(1+rate, float64(n))
		monthly = principal * rate * growth / (growth - 1)
	}
	total := monthly * float64(n)

	return Mortgage{
		MonthlyPayment: round2(monthly),
		TotalPayment:   round2(total),
		TotalInterest:  round2(total - principal),
		MonthlyRate:    rate,
		NumPayments:    n,
	}, nil
}

func evaluate(_ context.Context, args EvaluateArgs) (mcp.CallToolResult, error) {
	v, err := Evaluate(args.Expression)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	return toolserver.TextResult(fmt.Sprintf("%s = %s", args.Expression, FormatNumber(v))), nil
}

func add(_ context.Context, args BinaryArgs) (mcp.CallToolResult, error) {
	return toolserver.TextResult(FormatNumber(args.A + args.B)), nil
}

func multiply(_ context.Context, args BinaryArgs) (mcp.CallToolResult, error) {
	return toolserver.TextResult(FormatNumber(args.A * args.B)), nil
}

func mortgage(_ context.Context, args MortgageArgs) (mcp.CallToolResult, error) {
	m, err := CalculateMortgage(args.Principal, args.InterestRate, args.Years)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	bs, err := json.Marshal(m)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal mortgage: %w", err)
	}
	return toolserver.TextResult(string(bs)), nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
