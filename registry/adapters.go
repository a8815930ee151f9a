package registry

import (
	"context"
	"encoding/json"

	"github.com/localserve/mcpd/protocol"
	"github.com/localserve/mcpd/util/schema"
)

// ToolFunc adapts a plain function to the Callable contract.
type ToolFunc func(ctx context.Context, args json.RawMessage) (*protocol.CallToolResult, error)

func (f ToolFunc) Call(ctx context.Context, args json.RawMessage) (*protocol.CallToolResult, error) {
	return f(ctx, args)
}

// ResourceFunc adapts a plain function to the Readable contract.
type ResourceFunc func(ctx context.Context, uri string, vars map[string]string) (*protocol.ReadResourceResult, error)

func (f ResourceFunc) Read(ctx context.Context, uri string, vars map[string]string) (*protocol.ReadResourceResult, error) {
	return f(ctx, uri, vars)
}

// PromptFunc adapts a plain function to the Renderable contract.
type PromptFunc func(ctx context.Context, args map[string]string) (*protocol.GetPromptResult, error)

func (f PromptFunc) Render(ctx context.Context, args map[string]string) (*protocol.GetPromptResult, error) {
	return f(ctx, args)
}

// TypedTool builds metadata and a Callable from a handler taking a typed
// argument struct. The input schema is generated from the struct's tags and
// arguments are decoded before the handler runs.
func TypedTool[Args any](name, description string, fn func(ctx context.Context, args Args) (*protocol.CallToolResult, error)) (Metadata, Callable) {
	var zero Args
	meta := Metadata{
		Name:        name,
		Description: description,
		InputSchema: schema.FromStruct(zero),
	}
	call := ToolFunc(func(ctx context.Context, raw json.RawMessage) (*protocol.CallToolResult, error) {
		var args Args
		if err := schema.DecodeArguments(raw, &args); err != nil {
			return nil, protocol.NewInvalidParams(err.Error(), nil)
		}
		return fn(ctx, args)
	})
	return meta, call
}

// StaticResource builds metadata and a Readable serving fixed text content.
type StaticResource struct {
	URI      string
	MimeType string
	Text     string
}

func (s StaticResource) Read(_ context.Context, uri string, _ map[string]string) (*protocol.ReadResourceResult, error) {
	return &protocol.ReadResourceResult{
		Contents: []protocol.ResourceContents{{URI: uri, MimeType: s.MimeType, Text: s.Text}},
	}, nil
}
