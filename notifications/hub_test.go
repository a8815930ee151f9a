package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localserve/mcpd/config"
	"github.com/localserve/mcpd/protocol"
	"github.com/localserve/mcpd/queue"
)

// captureSink records delivered frames in order.
type captureSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *captureSink) Send(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame := make([]byte, len(message))
	copy(frame, message)
	c.frames = append(c.frames, frame)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *captureSink) frame(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[i]
}

// failingSink always fails.
type failingSink struct {
	mu       sync.Mutex
	attempts int
}

func (f *failingSink) Send([]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	return errors.New("transport down")
}

func (f *failingSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func testHubConfig() config.Notifications {
	return config.Notifications{
		Enabled:   true,
		Tries:     2,
		Backoff:   5 * time.Millisecond,
		ResultTTL: time.Hour,
		Buffer:    4,
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	h := NewHub(testHubConfig())
	defer h.Close()

	require.NoError(t, h.Subscribe("b", &captureSink{}, nil, nil))
	require.NoError(t, h.Subscribe("a", &captureSink{}, nil, nil))
	assert.Equal(t, []string{"a", "b"}, h.ActiveSubscriptions())

	h.Unsubscribe("a")
	assert.Equal(t, []string{"b"}, h.ActiveSubscriptions())

	// Unknown client is a no-op.
	h.Unsubscribe("ghost")
}

func TestSubscribeValidation(t *testing.T) {
	h := NewHub(testHubConfig())
	defer h.Close()

	assert.Error(t, h.Subscribe("", &captureSink{}, nil, nil))
	assert.Error(t, h.Subscribe("a", nil, nil, nil))
}

func TestNotifyDeliversJSONRPCNotification(t *testing.T) {
	h := NewHub(testHubConfig())
	defer h.Close()

	sink := &captureSink{}
	require.NoError(t, h.Subscribe("c1", sink, nil, nil))

	id, err := h.Notify(context.Background(), "c1", protocol.NotifyResourceUpdated,
		protocol.ResourceUpdatedParams{URI: "users://profile/1"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	var notif struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  struct {
			URI string `json:"uri"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(sink.frame(0), &notif))
	assert.Equal(t, "2.0", notif.JSONRPC)
	assert.Equal(t, "notifications/resources/updated", notif.Method)
	assert.Equal(t, "users://profile/1", notif.Params.URI)

	require.Eventually(t, func() bool {
		statuses := h.DeliveryStatus(id)
		return len(statuses) == 1 && statuses[0].State == StateDelivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastFiltering(t *testing.T) {
	// S5: A subscribes by type, B by a priority filter; a low-priority
	// tools/list_changed reaches only A.
	h := NewHub(testHubConfig())
	defer h.Close()

	sinkA := &captureSink{}
	sinkB := &captureSink{}
	require.NoError(t, h.Subscribe("A", sinkA, []string{protocol.NotifyToolsListChanged}, nil))
	require.NoError(t, h.Subscribe("B", sinkB, nil, Filter{"options.priority": "high"}))

	id, err := h.Broadcast(context.Background(), protocol.NotifyToolsListChanged,
		map[string]interface{}{}, &Options{Priority: "low"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		statuses := h.DeliveryStatus(id)
		return len(statuses) == 1 && statuses[0].Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	statuses := h.DeliveryStatus(id)
	require.Len(t, statuses, 1)
	assert.Equal(t, "A", statuses[0].ClientID)
	assert.Equal(t, StateDelivered, statuses[0].State)
	assert.Equal(t, 0, sinkB.count())
}

func TestBroadcastSharedID(t *testing.T) {
	h := NewHub(testHubConfig())
	defer h.Close()

	require.NoError(t, h.Subscribe("A", &captureSink{}, nil, nil))
	require.NoError(t, h.Subscribe("B", &captureSink{}, nil, nil))

	id, err := h.Broadcast(context.Background(), protocol.NotifyPromptsListChanged, struct{}{}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		statuses := h.DeliveryStatus(id)
		if len(statuses) != 2 {
			return false
		}
		return statuses[0].Terminal() && statuses[1].Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	statuses := h.DeliveryStatus(id)
	assert.Equal(t, "A", statuses[0].ClientID)
	assert.Equal(t, "B", statuses[1].ClientID)
}

func TestFilterPathEquality(t *testing.T) {
	rec := &Record{
		ID:      "n1",
		Type:    "progress",
		Params:  json.RawMessage(`{"token":"t","value":7}`),
		Options: Options{Priority: "high"},
	}

	assert.True(t, Filter{}.Matches(rec))
	assert.True(t, Filter{"options.priority": "high"}.Matches(rec))
	assert.True(t, Filter{"params.value": 7}.Matches(rec))
	assert.True(t, Filter{"type": "progress", "params.token": "t"}.Matches(rec))

	assert.False(t, Filter{"options.priority": "low"}.Matches(rec))
	assert.False(t, Filter{"params.missing": "x"}.Matches(rec))
	assert.False(t, Filter{"params.token.deeper": "x"}.Matches(rec))
}

func TestUpdateFilter(t *testing.T) {
	h := NewHub(testHubConfig())
	defer h.Close()

	sink := &captureSink{}
	require.NoError(t, h.Subscribe("c1", sink, nil, Filter{"options.priority": "high"}))

	// Filtered out: no id, no tracking.
	id, err := h.Notify(context.Background(), "c1", protocol.NotifyProgress, struct{}{}, &Options{Priority: "low"})
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, h.UpdateFilter("c1", nil))
	id, err = h.Notify(context.Background(), "c1", protocol.NotifyProgress, struct{}{}, &Options{Priority: "low"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.Error(t, h.UpdateFilter("ghost", nil))
}

func TestDeliveryRetriesThenFails(t *testing.T) {
	h := NewHub(testHubConfig())
	defer h.Close()

	sink := &failingSink{}
	require.NoError(t, h.Subscribe("c1", sink, nil, nil))

	id, err := h.Notify(context.Background(), "c1", protocol.NotifyProgress, struct{}{}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		statuses := h.DeliveryStatus(id)
		return len(statuses) == 1 && statuses[0].State == StateFailed
	}, 3*time.Second, 10*time.Millisecond)

	statuses := h.DeliveryStatus(id)
	assert.Equal(t, 2, statuses[0].Attempts)
	assert.Contains(t, statuses[0].LastError, "transport down")
	assert.Equal(t, 2, sink.count())
}

func TestPerSubscriptionOrdering(t *testing.T) {
	h := NewHub(testHubConfig())
	defer h.Close()

	sink := &captureSink{}
	require.NoError(t, h.Subscribe("c1", sink, nil, nil))

	const n = 4
	for i := 0; i < n; i++ {
		_, err := h.Notify(context.Background(), "c1", protocol.NotifyProgress,
			protocol.ProgressParams{Token: "t", Value: i}, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return sink.count() == n }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < n; i++ {
		var notif struct {
			Params protocol.ProgressParams `json:"params"`
		}
		require.NoError(t, json.Unmarshal(sink.frame(i), &notif))
		assert.Equal(t, float64(i), notif.Params.Value)
	}
}

// blockingSink holds deliveries until released so the pending buffer fills.
// entered signals once when the first delivery is stalled inside Send.
type blockingSink struct {
	release chan struct{}
	entered chan struct{}
	once    sync.Once
	capture captureSink
}

func (b *blockingSink) Send(message []byte) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.capture.Send(message)
}

func TestOverflowDropsOldest(t *testing.T) {
	cfg := testHubConfig()
	cfg.Buffer = 2
	h := NewHub(cfg)
	defer h.Close()

	sink := &blockingSink{release: make(chan struct{}), entered: make(chan struct{})}
	require.NoError(t, h.Subscribe("c1", sink, nil, nil))

	// Stall the writer on the first delivery, then fill the buffer: two
	// fit, the rest overflow and drop the oldest pending entries.
	var ids []string
	id, err := h.Notify(context.Background(), "c1", protocol.NotifyProgress,
		protocol.ProgressParams{Token: "t", Value: 0}, nil)
	require.NoError(t, err)
	ids = append(ids, id)
	<-sink.entered

	for i := 1; i < 6; i++ {
		id, err := h.Notify(context.Background(), "c1", protocol.NotifyProgress,
			protocol.ProgressParams{Token: "t", Value: i}, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	close(sink.release)

	require.Eventually(t, func() bool {
		terminal := 0
		for _, id := range ids {
			statuses := h.DeliveryStatus(id)
			if len(statuses) == 1 && statuses[0].Terminal() {
				terminal++
			}
		}
		return terminal == len(ids)
	}, 3*time.Second, 10*time.Millisecond)

	delivered, dropped := 0, 0
	for _, id := range ids {
		st := h.DeliveryStatus(id)[0]
		switch st.State {
		case StateDelivered:
			delivered++
		case StateFailed:
			dropped++
			assert.Contains(t, st.LastError, "overflow")
		}
	}
	assert.Equal(t, 3, delivered)
	assert.Equal(t, 3, dropped)
}

func TestQueuedDeliveryPath(t *testing.T) {
	h := NewHub(testHubConfig(),
		WithQueue(queue.NewMemory(16), "test:notifications"))
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.RunWorker(ctx)

	sink := &captureSink{}
	require.NoError(t, h.Subscribe("c1", sink, nil, nil))

	id, err := h.Notify(ctx, "c1", protocol.NotifyLoggingMessage,
		protocol.LoggingMessageParams{Level: "info", Data: "hello"}, &Options{Queue: true})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		statuses := h.DeliveryStatus(id)
		return len(statuses) == 1 && statuses[0].State == StateDelivered
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sink.count())
}

func TestResubscribeReplaces(t *testing.T) {
	h := NewHub(testHubConfig())
	defer h.Close()

	first := &captureSink{}
	second := &captureSink{}
	require.NoError(t, h.Subscribe("c1", first, nil, nil))
	require.NoError(t, h.Subscribe("c1", second, nil, nil))
	require.Len(t, h.ActiveSubscriptions(), 1)

	_, err := h.Notify(context.Background(), "c1", protocol.NotifyProgress, struct{}{}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return second.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, first.count())
}
