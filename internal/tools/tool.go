// Package tools provides the tool registry and typed tool constructors used
// by the turn executor.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
)

// Tool is a callable function exposed to a model.
type Tool interface {
	// Name returns the function name as exposed to the model.
	Name() string

	// Description returns a human-readable description for the model.
	Description() string

	// Parameters returns the JSON Schema describing the function's input.
	Parameters() json.RawMessage

	// Invoke calls the function with validated JSON arguments.
	Invoke(ctx context.Context, args json.RawMessage, ic models.InvocationContext) (any, error)
}

// HandlerFunc is the signature of an untyped tool handler.
type HandlerFunc func(ctx context.Context, args json.RawMessage, ic models.InvocationContext) (any, error)

// ToolResultError is an expected domain failure. Handlers return it as their
// result value; the executor serializes it as an error tool message and the
// turn continues.
type ToolResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ToolResultError) Error() string { return e.Code + ": " + e.Message }

// ErrorPayload is the JSON body of an error tool message.
func ErrorPayload(code, message string) string {
	b, _ := json.Marshal(map[string]ToolResultError{"error": {Code: code, Message: message}})
	return string(b)
}

// FuncTool is a Tool backed by a Go function.
type FuncTool struct {
	name        string
	description string
	parameters  json.RawMessage
	fn          HandlerFunc
}

// NewTool creates a FuncTool from a raw JSON schema and handler.
func NewTool(name, description string, parameters json.RawMessage, fn HandlerFunc) *FuncTool {
	return &FuncTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// NewTypedTool creates a FuncTool whose schema is reflected from Args and
// whose arguments are decoded strictly into Args before fn runs.
func NewTypedTool[Args any](name, description string, fn func(ctx context.Context, args Args, ic models.InvocationContext) (any, error)) (*FuncTool, error) {
	schema, err := GenerateSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}
	wrapped := func(ctx context.Context, raw json.RawMessage, ic models.InvocationContext) (any, error) {
		var args Args
		if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&args); err != nil {
				return nil, fmt.Errorf("%w: tool %q: %v", contracts.ErrSchemaViolation, name, err)
			}
		}
		return fn(ctx, args, ic)
	}
	return NewTool(name, description, schema, wrapped), nil
}

// MustTypedTool is NewTypedTool that panics on schema reflection failure.
// Intended for package-level tool definitions.
func MustTypedTool[Args any](name, description string, fn func(ctx context.Context, args Args, ic models.InvocationContext) (any, error)) *FuncTool {
	t, err := NewTypedTool(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *FuncTool) Name() string                { return t.name }
func (t *FuncTool) Description() string         { return t.description }
func (t *FuncTool) Parameters() json.RawMessage { return t.parameters }

// Invoke calls the tool's backing function.
func (t *FuncTool) Invoke(ctx context.Context, args json.RawMessage, ic models.InvocationContext) (any, error) {
	if t.fn == nil {
		return nil, fmt.Errorf("tool %q has no handler", t.name)
	}
	return t.fn(ctx, args, ic)
}

// Describe returns the advertisement form of a tool.
func Describe(t Tool) models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
}
