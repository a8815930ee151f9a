package stdio

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer guards a bytes.Buffer so the read loop and the test can share it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStartDispatchesLines(t *testing.T) {
	in := strings.NewReader("{\"a\":1}\n\n{\"b\":2}\n")
	out := &syncBuffer{}
	tr := New(WithStreams(in, out))
	require.NoError(t, tr.Initialize())

	var frames []string
	tr.SetMessageHandler(func(message []byte) ([]byte, error) {
		frames = append(frames, string(message))
		return append([]byte("ok:"), message...), nil
	})

	// Start blocks until EOF.
	require.NoError(t, tr.Start())

	// Empty lines are skipped; one response per frame, newline-terminated.
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, frames)
	assert.Equal(t, "ok:{\"a\":1}\nok:{\"b\":2}\n", out.String())
	assert.False(t, tr.IsConnected())
}

func TestStartRequiresHandler(t *testing.T) {
	tr := New(WithStreams(strings.NewReader(""), io.Discard))
	assert.ErrorContains(t, tr.Start(), "no message handler")
}

func TestStartHandlesFinalLineWithoutNewline(t *testing.T) {
	in := strings.NewReader(`{"a":1}`)
	out := &syncBuffer{}
	tr := New(WithStreams(in, out))

	seen := 0
	tr.SetMessageHandler(func([]byte) ([]byte, error) {
		seen++
		return nil, nil
	})
	require.NoError(t, tr.Start())
	assert.Equal(t, 1, seen)
}

func TestNilResponseWritesNothing(t *testing.T) {
	out := &syncBuffer{}
	tr := New(WithStreams(strings.NewReader("{\"n\":1}\n"), out))
	tr.SetMessageHandler(func([]byte) ([]byte, error) { return nil, nil })

	require.NoError(t, tr.Start())
	assert.Empty(t, out.String())
}

func TestSendFraming(t *testing.T) {
	out := &syncBuffer{}
	tr := New(WithStreams(strings.NewReader(""), out))

	require.NoError(t, tr.Send([]byte(`{"x":1}`)))
	require.NoError(t, tr.Send([]byte("{\"y\":2}\n\n")))
	assert.Equal(t, "{\"x\":1}\n{\"y\":2}\n", out.String())

	assert.Error(t, tr.Send(nil))
}

func TestStopUnblocksStart(t *testing.T) {
	pr, pw := io.Pipe()
	out := &syncBuffer{}
	tr := New(WithStreams(pr, out))
	tr.SetMessageHandler(func([]byte) ([]byte, error) { return nil, nil })

	done := make(chan error, 1)
	go func() { done <- tr.Start() }()

	_, err := pw.Write([]byte("{\"a\":1}\n"))
	require.NoError(t, err)

	require.NoError(t, tr.Stop())
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)

	assert.Error(t, tr.Send([]byte("late")))
	assert.False(t, tr.IsConnected())
}

func TestReceiveSkipsEmptyLines(t *testing.T) {
	tr := New(WithStreams(strings.NewReader("\n\n{\"a\":1}\n"), io.Discard))

	frame, err := tr.Receive()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(frame))
}

func TestInitializeRequiresStreams(t *testing.T) {
	tr := New(WithStreams(nil, nil))
	assert.Error(t, tr.Initialize())
}
