package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string, params ...ToolParameter) Tool {
	return Tool{
		Name:       name,
		Parameters: params,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}
}

func TestNewToolSetValidation(t *testing.T) {
	tests := []struct {
		name  string
		tools []Tool
	}{
		{"empty name", []Tool{{Handler: echoTool("x").Handler}}},
		{"nil handler", []Tool{{Name: "x"}}},
		{"bad parameter type", []Tool{echoTool("x", ToolParameter{Name: "a", Type: "date"})}},
		{"unnamed parameter", []Tool{echoTool("x", ToolParameter{Type: "string"})}},
		{"duplicate", []Tool{echoTool("x"), echoTool("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewToolSet(tt.tools...)
			assert.Error(t, err)
		})
	}
}

func TestToolSetSpecsKeepOrder(t *testing.T) {
	set, err := NewToolSet(echoTool("b"), echoTool("a", ToolParameter{Name: "q", Type: "string", Required: true}))
	require.NoError(t, err)

	assert.Equal(t, 2, set.Len())
	assert.Equal(t, []string{"b", "a"}, set.Names())

	specs := set.Specs()
	require.Len(t, specs, 2)
	schema := specs[1].InputSchema()
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"q"}, schema["required"])
	_, hasRequired := specs[0].InputSchema()["required"]
	assert.False(t, hasRequired)
}

func TestDispatchValidatesArguments(t *testing.T) {
	set, err := NewToolSet(echoTool("lookup",
		ToolParameter{Name: "q", Type: "string", Required: true},
		ToolParameter{Name: "limit", Type: "integer"},
	))
	require.NoError(t, err)
	ctx := context.Background()

	ok := set.Dispatch(ctx, ToolCall{Name: "lookup", Arguments: json.RawMessage(`{"q":"go","limit":3}`)})
	require.Nil(t, ok.Err)
	assert.Equal(t, map[string]any{"q": "go", "limit": float64(3)}, ok.Result)

	cases := map[string]string{
		"missing required": `{}`,
		"wrong type":       `{"q":1}`,
		"extra property":   `{"q":"go","other":true}`,
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			out := set.Dispatch(ctx, ToolCall{Name: "lookup", Arguments: json.RawMessage(args)})
			require.NotNil(t, out.Err)
			assert.Equal(t, ToolErrInvalidArgs, out.Err.Kind)
			assert.Nil(t, out.Result)
		})
	}
}

func TestDispatchDoubleEncodedArguments(t *testing.T) {
	set, err := NewToolSet(echoTool("lookup", ToolParameter{Name: "q", Type: "string", Required: true}))
	require.NoError(t, err)

	out := set.Dispatch(context.Background(), ToolCall{Name: "lookup", Arguments: json.RawMessage(`"{\"q\":\"go\"}"`)})
	require.Nil(t, out.Err)
	assert.Equal(t, map[string]any{"q": "go"}, out.Args)
}

func TestDispatchContainsFailures(t *testing.T) {
	set, err := NewToolSet(
		Tool{Name: "fail", Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("upstream 500")
		}},
		Tool{Name: "panic", Handler: func(ctx context.Context, args map[string]any) (any, error) {
			panic("boom")
		}},
		Tool{Name: "slow", Handler: func(ctx context.Context, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	)
	require.NoError(t, err)
	set = set.WithTimeout(20 * time.Millisecond)
	ctx := context.Background()

	out := set.Dispatch(ctx, ToolCall{Name: "fail"})
	require.NotNil(t, out.Err)
	assert.Equal(t, ToolErrExecution, out.Err.Kind)
	assert.Equal(t, "upstream 500", out.Err.Message)

	out = set.Dispatch(ctx, ToolCall{Name: "panic"})
	require.NotNil(t, out.Err)
	assert.Contains(t, out.Err.Message, "tool panicked: boom")

	out = set.Dispatch(ctx, ToolCall{Name: "slow"})
	require.NotNil(t, out.Err)
	assert.Contains(t, out.Err.Message, "timeout")

	out = set.Dispatch(ctx, ToolCall{Name: "nope"})
	require.NotNil(t, out.Err)
	assert.Equal(t, ToolErrUnknown, out.Err.Kind)
}

func TestToolOutcomeContent(t *testing.T) {
	assert.JSONEq(t, `{"v":1}`, ToolOutcome{Result: map[string]any{"v": 1}}.Content())

	errContent := ToolOutcome{Err: &ToolError{Kind: ToolErrExecution, Message: "nope"}}.Content()
	assert.JSONEq(t, `{"kind":"execution_failed","error":"nope"}`, errContent)
	assert.True(t, isErrorContent(errContent))
	assert.False(t, isErrorContent(`{"error":"a field named error"}`))

	unserializable := ToolOutcome{Result: make(chan int)}.Content()
	assert.True(t, isErrorContent(unserializable))
}

func TestParseArguments(t *testing.T) {
	assert.Equal(t, map[string]any{}, parseArguments(nil))
	assert.Equal(t, map[string]any{}, parseArguments(json.RawMessage(`[1,2]`)))
	assert.Equal(t, map[string]any{}, parseArguments(json.RawMessage(`null`)))
	assert.Equal(t, map[string]any{}, parseArguments(json.RawMessage(`{"a":`)))
	assert.Equal(t, map[string]any{"a": "b"}, parseArguments(json.RawMessage(`{"a":"b"}`)))
}
