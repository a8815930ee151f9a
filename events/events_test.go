package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesListeners(t *testing.T) {
	b := NewBus(true)

	var got []Event
	b.Subscribe(ToolExecuted, func(evt Event, _ interface{}) {
		got = append(got, evt)
	})
	b.Emit(ToolExecuted, nil)
	b.Emit(PromptGenerated, nil) // no listener, dropped

	require.Len(t, got, 1)
	assert.Equal(t, ToolExecuted, got[0])
}

func TestSubscribeAll(t *testing.T) {
	b := NewBus(true)

	count := 0
	b.SubscribeAll(func(Event, interface{}) { count++ })
	b.Emit(ToolExecuted, nil)
	b.Emit(RequestReceived, "x")

	assert.Equal(t, 2, count)
}

func TestDisabledBusDropsEverything(t *testing.T) {
	b := NewBus(false)
	called := false
	b.SubscribeAll(func(Event, interface{}) { called = true })
	b.Emit(ToolExecuted, nil)
	assert.False(t, called)
}

func TestNilBusIsSafe(t *testing.T) {
	var b *Bus
	assert.NotPanics(t, func() { b.Emit(ToolExecuted, nil) })
}

func TestListenerPanicIsIsolated(t *testing.T) {
	b := NewBus(true)

	reached := false
	b.Subscribe(ToolExecuted, func(Event, interface{}) { panic("bad listener") })
	b.Subscribe(ToolExecuted, func(Event, interface{}) { reached = true })

	assert.NotPanics(t, func() { b.Emit(ToolExecuted, nil) })
	assert.True(t, reached)
}

func TestAsyncDelivery(t *testing.T) {
	b := NewBus(true, WithAsync(8))
	defer b.Close()

	var mu sync.Mutex
	count := 0
	b.Subscribe(RequestProcessed, func(Event, interface{}) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		b.Emit(RequestProcessed, RequestProcessedPayload{Method: "ping"})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 5
	}, 2*time.Second, 10*time.Millisecond)
}
