package sse

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTransport(t *testing.T, opts ...Option) *Transport {
	t.Helper()
	tr := New("127.0.0.1:0", opts...)
	require.NoError(t, tr.Initialize())
	require.NoError(t, tr.Start())
	t.Cleanup(func() { _ = tr.Stop() })
	return tr
}

// connectStream opens /sse and returns the issued session id plus a scanner
// positioned after the endpoint event.
func connectStream(t *testing.T, tr *Transport) (string, *bufio.Scanner, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/sse", tr.Addr()), nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		_ = resp.Body.Close()
	})
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	assert.Equal(t, "event: endpoint", scanner.Text())
	require.True(t, scanner.Scan())
	data := scanner.Text()
	require.True(t, strings.HasPrefix(data, "data: /message?session="), data)
	sessionID := strings.TrimPrefix(data, "data: /message?session=")
	require.NotEmpty(t, sessionID)
	return sessionID, scanner, cancel
}

// nextData reads lines until the next data event payload.
func nextData(t *testing.T, scanner *bufio.Scanner) string {
	t.Helper()
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended before data event: %v", scanner.Err())
	return ""
}

func TestConnectIssuesSession(t *testing.T) {
	connected := make(chan string, 1)
	tr := startTransport(t, WithConnectHandlers(
		func(sessionID string, stream *Stream) { connected <- sessionID },
		nil,
	))

	sessionID, _, _ := connectStream(t, tr)

	select {
	case got := <-connected:
		assert.Equal(t, sessionID, got)
	case <-time.After(2 * time.Second):
		t.Fatal("connect handler not invoked")
	}
	require.Eventually(t, func() bool { return tr.StreamCount() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestSendToDeliversDataEvent(t *testing.T) {
	tr := startTransport(t)
	sessionID, scanner, _ := connectStream(t, tr)

	require.Eventually(t, func() bool {
		return tr.SendTo(sessionID, []byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)) == nil
	}, 2*time.Second, 10*time.Millisecond)

	payload := nextData(t, scanner)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`, payload)
}

func TestSendBroadcasts(t *testing.T) {
	tr := startTransport(t)
	_, scannerA, _ := connectStream(t, tr)
	_, scannerB, _ := connectStream(t, tr)

	require.Eventually(t, func() bool { return tr.StreamCount() == 2 },
		2*time.Second, 10*time.Millisecond)
	require.NoError(t, tr.Send([]byte(`{"n":1}`)))

	assert.JSONEq(t, `{"n":1}`, nextData(t, scannerA))
	assert.JSONEq(t, `{"n":1}`, nextData(t, scannerB))
}

func TestSendToUnknownSession(t *testing.T) {
	tr := startTransport(t)
	assert.ErrorContains(t, tr.SendTo("missing", []byte("x")), "no stream")
}

func TestDisconnectRemovesStream(t *testing.T) {
	disconnected := make(chan string, 1)
	tr := startTransport(t, WithConnectHandlers(nil,
		func(sessionID string) { disconnected <- sessionID },
	))

	sessionID, _, cancel := connectStream(t, tr)
	require.Eventually(t, func() bool { return tr.StreamCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case got := <-disconnected:
		assert.Equal(t, sessionID, got)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler not invoked")
	}
	require.Eventually(t, func() bool { return tr.StreamCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestMessageEndpointRoutesToSession(t *testing.T) {
	handled := make(chan string, 1)
	tr := startTransport(t, WithSessionHandler(func(sessionID string, message []byte) ([]byte, error) {
		handled <- sessionID
		return []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`), nil
	}))
	sessionID, _, _ := connectStream(t, tr)

	resp, err := http.Post(
		fmt.Sprintf("http://%s/message?session=%s", tr.Addr(), sessionID),
		"application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sessionID, <-handled)
}

func TestMessageEndpointRequiresSession(t *testing.T) {
	tr := startTransport(t, WithSessionHandler(func(string, []byte) ([]byte, error) {
		return nil, nil
	}))

	resp, err := http.Post(fmt.Sprintf("http://%s/message", tr.Addr()),
		"application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessageEndpointRejectsInvalidJSON(t *testing.T) {
	tr := startTransport(t)
	tr.SetMessageHandler(func([]byte) ([]byte, error) { return nil, nil })

	resp, err := http.Post(fmt.Sprintf("http://%s/message", tr.Addr()),
		"application/json", strings.NewReader(`{"broken`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamSendQueueFull(t *testing.T) {
	s := &Stream{id: "s", ch: make(chan []byte, 1)}
	require.NoError(t, s.Send([]byte("a")))
	assert.ErrorContains(t, s.Send([]byte("b")), "queue is full")

	s.closed.Store(true)
	assert.ErrorContains(t, s.Send([]byte("c")), "closed")
}
