package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localserve/mcpd/protocol"
)

func echoTool() Callable {
	return ToolFunc(func(_ context.Context, args json.RawMessage) (*protocol.CallToolResult, error) {
		return &protocol.CallToolResult{Content: []protocol.Content{protocol.TextContent(string(args))}}, nil
	})
}

func TestRegisterHasGet(t *testing.T) {
	r := New(nil, nil)
	tool := echoTool()

	require.NoError(t, r.Register(KindTool, Metadata{Name: "echo"}, tool))
	assert.True(t, r.Has(KindTool, "echo"))
	assert.False(t, r.Has(KindResource, "echo"))

	component, meta, ok := r.Get(KindTool, "echo")
	require.True(t, ok)
	assert.Equal(t, "echo", meta.Name)
	assert.NotNil(t, component)
	assert.Equal(t, 1, r.Count(KindTool))
}

func TestRegisterDuplicate(t *testing.T) {
	r := New(nil, nil)
	require.NoError(t, r.Register(KindTool, Metadata{Name: "echo"}, echoTool()))

	err := r.Register(KindTool, Metadata{Name: "echo"}, echoTool())
	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, "echo", regErr.Name)

	// Replace overwrites without error.
	require.NoError(t, r.Replace(KindTool, Metadata{Name: "echo", Description: "v2"}, echoTool()))
	_, meta, ok := r.Get(KindTool, "echo")
	require.True(t, ok)
	assert.Equal(t, "v2", meta.Description)
}

func TestRegisterContractViolation(t *testing.T) {
	r := New(nil, nil)
	err := r.Register(KindTool, Metadata{Name: "bad"}, struct{}{})
	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
}

func TestUnregister(t *testing.T) {
	r := New(nil, nil)
	require.NoError(t, r.Register(KindTool, Metadata{Name: "echo"}, echoTool()))
	require.NoError(t, r.Unregister(KindTool, "echo"))
	assert.False(t, r.Has(KindTool, "echo"))

	var nfErr *NotFoundError
	require.ErrorAs(t, r.Unregister(KindTool, "echo"), &nfErr)
}

func TestListSortedSnapshot(t *testing.T) {
	r := New(nil, nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(KindTool, Metadata{Name: name}, echoTool()))
	}

	metas := r.List(KindTool)
	require.Len(t, metas, 3)
	assert.True(t, sort.SliceIsSorted(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name }))

	// The snapshot is stable under later mutation.
	require.NoError(t, r.Unregister(KindTool, "alpha"))
	assert.Len(t, metas, 3)
}

func TestListConsistentWithHas(t *testing.T) {
	r := New(nil, nil)
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("tool-%02d", i)
		require.NoError(t, r.Register(KindTool, Metadata{Name: name}, echoTool()))
	}
	for i := 0; i < 20; i += 2 {
		require.NoError(t, r.Unregister(KindTool, fmt.Sprintf("tool-%02d", i)))
	}

	metas := r.List(KindTool)
	assert.Len(t, metas, 10)
	for _, meta := range metas {
		assert.True(t, r.Has(KindTool, meta.Name))
	}
}

type staticReadable struct{}

func (staticReadable) Read(_ context.Context, uri string, vars map[string]string) (*protocol.ReadResourceResult, error) {
	text := uri
	if id, ok := vars["id"]; ok {
		text = id
	}
	return &protocol.ReadResourceResult{
		Contents: []protocol.ResourceContents{{URI: uri, Text: text}},
	}, nil
}

func TestMatchResourceExactAndTemplate(t *testing.T) {
	r := New(nil, nil)
	require.NoError(t, r.Register(KindResource, Metadata{
		Name:        "config",
		URITemplate: "config://app",
	}, staticReadable{}))
	require.NoError(t, r.Register(KindResource, Metadata{
		Name:        "user",
		URITemplate: "users://profile/{id}",
	}, staticReadable{}))

	_, meta, vars, ok := r.MatchResource("config://app")
	require.True(t, ok)
	assert.Equal(t, "config", meta.Name)
	assert.Empty(t, vars)

	_, meta, vars, ok = r.MatchResource("users://profile/42")
	require.True(t, ok)
	assert.Equal(t, "user", meta.Name)
	assert.Equal(t, "42", vars["id"])

	_, _, _, ok = r.MatchResource("unknown://thing")
	assert.False(t, ok)
}

func TestTypedToolDecodesArguments(t *testing.T) {
	type echoArgs struct {
		S string `json:"s"`
	}
	meta, call := TypedTool("echo", "echoes s", func(_ context.Context, args echoArgs) (*protocol.CallToolResult, error) {
		return &protocol.CallToolResult{Content: []protocol.Content{protocol.TextContent(args.S)}}, nil
	})

	assert.Equal(t, "echo", meta.Name)
	assert.Contains(t, meta.InputSchema.Properties, "s")
	assert.Contains(t, meta.InputSchema.Required, "s")

	result, err := call.Call(context.Background(), json.RawMessage(`{"s":"hi"}`))
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hi", result.Content[0].Text)
}
