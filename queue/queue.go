// Package queue abstracts the external work queue used by queued
// notification delivery and the async pipeline. The redis implementation is
// a simple list: producers LPUSH, workers BRPOP.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Dequeue when no payload arrived inside the poll
// window. Workers treat it as "try again".
var ErrEmpty = errors.New("queue: empty")

// Queue is a named FIFO of opaque payloads.
type Queue interface {
	Enqueue(ctx context.Context, name string, payload []byte) error
	// Dequeue blocks up to a driver-chosen poll interval and returns
	// ErrEmpty when nothing was available.
	Dequeue(ctx context.Context, name string) ([]byte, error)
}

// Redis implements Queue over a redis list per queue name.
type Redis struct {
	client *redis.Client
	// PollTimeout bounds each BRPOP call so workers can observe context
	// cancellation.
	PollTimeout time.Duration
}

// NewRedis creates a redis-backed queue.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, PollTimeout: 2 * time.Second}
}

func (q *Redis) Enqueue(ctx context.Context, name string, payload []byte) error {
	return q.client.LPush(ctx, name, payload).Err()
}

func (q *Redis) Dequeue(ctx context.Context, name string) ([]byte, error) {
	res, err := q.client.BRPop(ctx, q.PollTimeout, name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		return nil, err
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, ErrEmpty
	}
	return []byte(res[1]), nil
}

// Memory implements Queue over in-process channels, for tests and
// single-process deployments without redis.
type Memory struct {
	mu     sync.Mutex
	queues map[string]chan []byte
	// Capacity of each named channel.
	size int
}

// NewMemory creates an in-memory queue with the given per-name capacity.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{
		queues: make(map[string]chan []byte),
		size:   size,
	}
}

func (m *Memory) channel(name string) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.queues[name]
	if !ok {
		ch = make(chan []byte, m.size)
		m.queues[name] = ch
	}
	return ch
}

func (m *Memory) Enqueue(ctx context.Context, name string, payload []byte) error {
	select {
	case m.channel(name) <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Dequeue(ctx context.Context, name string) ([]byte, error) {
	select {
	case payload := <-m.channel(name):
		return payload, nil
	case <-time.After(100 * time.Millisecond):
		return nil, ErrEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
