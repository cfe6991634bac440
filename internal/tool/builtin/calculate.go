package builtin

import (
	"context"
	"fmt"
	"math"

	"github.com/ashureev/agentstream/internal/tool"
)

// Calculate evaluates arithmetic expressions.
type Calculate struct{}

// NewCalculate returns the calculate tool.
func NewCalculate() *Calculate { return &Calculate{} }

func (c *Calculate) Name() string { return "calculate" }

func (c *Calculate) Description() string {
	return "Evaluate an arithmetic expression with + - * / and parentheses, e.g. \"(2+3)*4\"."
}

func (c *Calculate) Schema() *tool.Schema {
	return &tool.Schema{
		Type: "object",
		Properties: map[string]tool.Property{
			"expression": {Type: "string", Description: "Arithmetic expression to evaluate"},
		},
		Required: []string{"expression"},
	}
}

func (c *Calculate) Execute(_ context.Context, input map[string]any) (any, error) {
	expr, _ := input["expression"].(string)
	v, err := Evaluate(expr)
	if err != nil {
		return nil, fmt.Errorf("calculate %q: %w", expr, err)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil, fmt.Errorf("calculate %q: result is not a finite number", expr)
	}
	return map[string]float64{"result": v}, nil
}
