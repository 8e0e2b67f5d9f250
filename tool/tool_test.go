package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorusmesh/chorus/chat"
)

var _ Tool = (*FunctionTool)(nil)

func sumTool(t *testing.T) *FunctionTool {
	t.Helper()
	ft, err := NewFunctionTool(
		"calculate_sum",
		"Calculate the sum of two numbers",
		"",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	)
	require.NoError(t, err)
	return ft
}

// -------------------- FunctionTool --------------------

func TestFunctionTool_Call(t *testing.T) {
	ft := sumTool(t)
	result, err := ft.Call(context.Background(), map[string]any{"a": 1.0, "b": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 3.0, result)
}

func TestFunctionTool_ValidationError(t *testing.T) {
	ft := sumTool(t)
	_, err := ft.Call(context.Background(), map[string]any{"a": 1.0})

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "VALIDATION_ERROR", toolErr.Code)
	assert.Equal(t, "calculate_sum", toolErr.Tool)
}

func TestFunctionTool_ExecutionError(t *testing.T) {
	ft, err := NewFunctionTool("fail", "always fails", "", map[string]any{"type": "object"},
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("backend down")
		})
	require.NoError(t, err)

	_, err = ft.Call(context.Background(), map[string]any{})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "EXECUTION_ERROR", toolErr.Code)
	assert.Equal(t, "backend down", toolErr.Message)
}

func TestFunctionTool_CustomCodePreserved(t *testing.T) {
	custom := NewToolError("quota", "limit reached", "QUOTA_EXCEEDED")
	ft, err := NewFunctionTool("quota", "quota check", "", map[string]any{"type": "object"},
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, custom
		})
	require.NoError(t, err)

	_, err = ft.Call(context.Background(), map[string]any{})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "QUOTA_EXCEEDED", toolErr.Code)
}

func TestNewFunctionTool_BadSchema(t *testing.T) {
	_, err := NewFunctionTool("bad", "broken schema", "",
		map[string]any{"type": 12345},
		func(ctx context.Context, args map[string]any) (any, error) { return nil, nil })
	assert.Error(t, err)
}

// -------------------- Registry --------------------

func TestRegistry_LoadToolsOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("math", sumTool(t))
	r.Register("math", MustFunctionTool("negate", "Negate a number", "",
		map[string]any{"type": "object"},
		func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }))

	defs := r.LoadTools("math")
	require.Len(t, defs, 2)
	assert.Equal(t, "calculate_sum", defs[0].Function.Name)
	assert.Equal(t, "negate", defs[1].Function.Name)
	assert.Equal(t, "function", defs[0].Type)

	assert.Empty(t, r.LoadTools("unknown-group"))
}

func TestRegistry_Authorization(t *testing.T) {
	r := NewRegistry()
	r.Register("web", MustFunctionTool("browse", "Browse the web", "browser",
		map[string]any{"type": "object"},
		func(ctx context.Context, args map[string]any) (any, error) { return "ok", nil }))
	r.Register("math", sumTool(t))

	// Built-in provider is always authorized.
	assert.True(t, r.Authorized(""))
	assert.False(t, r.Authorized("browser"))

	unauthorized := r.Unauthorized([]string{"calculate_sum", "browse", "browse"})
	assert.Equal(t, []string{"browser"}, unauthorized)

	r.Authorize("browser")
	assert.True(t, r.Authorized("browser"))
	assert.Empty(t, r.Unauthorized([]string{"browse"}))
}

func TestRegistry_Call(t *testing.T) {
	r := NewRegistry()
	r.Register("math", sumTool(t))

	id, result := r.Call(context.Background(), chat.ToolCallFragment{
		ID:        "call_1",
		Name:      "calculate_sum",
		Arguments: `{"a":2,"b":3}`,
	})
	assert.Equal(t, "call_1", id)
	assert.Equal(t, "5", result)
}

func TestRegistry_CallErrorsAreInBand(t *testing.T) {
	r := NewRegistry()
	r.Register("math", sumTool(t))

	tests := []struct {
		name string
		call chat.ToolCallFragment
		code string
	}{
		{"unknown tool", chat.ToolCallFragment{ID: "c1", Name: "nope"}, "UNKNOWN_TOOL"},
		{"malformed arguments", chat.ToolCallFragment{ID: "c2", Name: "calculate_sum", Arguments: "{{"}, "VALIDATION_ERROR"},
		{"schema violation", chat.ToolCallFragment{ID: "c3", Name: "calculate_sum", Arguments: `{"a":1}`}, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, result := r.Call(context.Background(), tt.call)
			assert.Equal(t, tt.call.ID, id)

			var envelope struct {
				Error ToolError `json:"error"`
			}
			require.NoError(t, json.Unmarshal([]byte(result), &envelope))
			assert.Equal(t, tt.code, envelope.Error.Code)
		})
	}
}
