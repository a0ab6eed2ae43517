// Package tools contains the built-in tool implementations exposed to the
// model through the registry.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/invopop/jsonschema"

	"github.com/parleyhq/parley/internal/agent"
)

// mathParams is the argument shape shared by all arithmetic tools.
type mathParams struct {
	A float64 `json:"a" jsonschema:"description=First operand"`
	B float64 `json:"b" jsonschema:"description=Second operand"`
}

var mathSchema = mustReflectSchema(&mathParams{})

// mustReflectSchema derives a JSON Schema from a params struct.
func mustReflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	payload, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("failed to reflect tool schema: %v", err))
	}
	return payload
}

// MathTool performs one of the four basic arithmetic operations.
type MathTool struct {
	name        string
	description string
	apply       func(a, b float64) (float64, error)
}

// Name returns the tool name.
func (t *MathTool) Name() string { return t.name }

// Description returns the tool description.
func (t *MathTool) Description() string { return t.description }

// Schema returns the JSON schema for the tool parameters.
func (t *MathTool) Schema() json.RawMessage { return mathSchema }

// Execute runs the arithmetic operation.
func (t *MathTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input mathParams
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	result, err := t.apply(input.A, input.B)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: strconv.FormatFloat(result, 'f', -1, 64)}, nil
}

// NewAddTool returns a tool that adds two numbers.
func NewAddTool() *MathTool {
	return &MathTool{
		name:        "add",
		description: "Add two numbers together.",
		apply:       func(a, b float64) (float64, error) { return a + b, nil },
	}
}

// NewSubtractTool returns a tool that subtracts the second number from the first.
func NewSubtractTool() *MathTool {
	return &MathTool{
		name:        "subtract",
		description: "Subtract the second number from the first.",
		apply:       func(a, b float64) (float64, error) { return a - b, nil },
	}
}

// NewMultiplyTool returns a tool that multiplies two numbers.
func NewMultiplyTool() *MathTool {
	return &MathTool{
		name:        "multiply",
		description: "Multiply two numbers together.",
		apply:       func(a, b float64) (float64, error) { return a * b, nil },
	}
}

// NewDivideTool returns a tool that divides the first number by the second.
func NewDivideTool() *MathTool {
	return &MathTool{
		name:        "divide",
		description: "Divide the first number by the second.",
		apply: func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return a / b, nil
		},
	}
}

// RegisterBuiltins registers all built-in tools on the registry.
func RegisterBuiltins(registry *agent.ToolRegistry) error {
	builtins := []agent.Tool{
		NewAddTool(),
		NewSubtractTool(),
		NewMultiplyTool(),
		NewDivideTool(),
		NewClockTool(),
	}
	for _, tool := range builtins {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register %s: %w", tool.Name(), err)
		}
	}
	return nil
}
