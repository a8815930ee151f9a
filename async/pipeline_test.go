package async

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localserve/mcpd/protocol"
	"github.com/localserve/mcpd/queue"
)

func echoDispatcher(t *testing.T) Dispatcher {
	t.Helper()
	return func(_ context.Context, method string, params json.RawMessage) (interface{}, error) {
		require.Equal(t, protocol.MethodCallTool, method)
		var call protocol.CallToolParams
		require.NoError(t, json.Unmarshal(params, &call))
		var args struct {
			S string `json:"s"`
		}
		require.NoError(t, json.Unmarshal(call.Arguments, &args))
		return &protocol.CallToolResult{
			Content: []protocol.Content{protocol.TextContent(args.S)},
		}, nil
	}
}

func TestSubmitAndRoundTrip(t *testing.T) {
	// S6: submit tools/call for background execution, poll status until
	// completed, read the echoed result.
	cache := NewMemoryCache()
	p := NewPipeline(cache, queue.NewMemory(16), echoDispatcher(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.RunWorker(ctx)

	id, err := p.Submit(ctx, protocol.MethodCallTool,
		json.RawMessage(`{"name":"echo","arguments":{"s":"hi"}}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		rec, err := p.Status(ctx, id)
		return err == nil && rec.State == StateCompleted
	}, 3*time.Second, 10*time.Millisecond)

	raw, err := p.Result(ctx, id)
	require.NoError(t, err)

	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hi", result.Content[0].Text)

	rec, err := p.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.CompletedAt)
}

func TestSubmitValidation(t *testing.T) {
	p := NewPipeline(NewMemoryCache(), queue.NewMemory(16), nil)
	_, err := p.Submit(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestStatusUnknownID(t *testing.T) {
	p := NewPipeline(NewMemoryCache(), queue.NewMemory(16), nil)
	_, err := p.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrMiss)

	_, err = p.Result(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	attempts := 0
	dispatcher := func(context.Context, string, json.RawMessage) (interface{}, error) {
		attempts++
		return nil, protocol.NewMethodNotFound("no/such")
	}
	p := NewPipeline(NewMemoryCache(), queue.NewMemory(16), dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.RunWorker(ctx)

	id, err := p.Submit(ctx, "no/such", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := p.Status(ctx, id)
		return err == nil && rec.State == StateFailed
	}, 3*time.Second, 10*time.Millisecond)

	rec, err := p.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, rec.Error, "Method not found")
	assert.Equal(t, 1, attempts)

	// No result is stored for a failed job.
	_, err = p.Result(ctx, id)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRetryOnInternalError(t *testing.T) {
	attempts := 0
	dispatcher := func(context.Context, string, json.RawMessage) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, protocol.NewInternal("transient")
		}
		return map[string]string{"ok": "yes"}, nil
	}
	p := NewPipeline(NewMemoryCache(), queue.NewMemory(16), dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.RunWorker(ctx)

	id, err := p.Submit(ctx, "tools/call", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := p.Status(ctx, id)
		return err == nil && rec.State == StateCompleted
	}, 10*time.Second, 20*time.Millisecond)

	rec, err := p.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Attempts)
}

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 20*time.Millisecond))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	time.Sleep(40 * time.Millisecond)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	// Zero TTL means no expiry.
	require.NoError(t, c.Set(ctx, "p", []byte("v"), 0))
	_, err = c.Get(ctx, "p")
	require.NoError(t, err)
}
