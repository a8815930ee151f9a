package async

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/localserve/mcpd/events"
	"github.com/localserve/mcpd/protocol"
	"github.com/localserve/mcpd/queue"
	"github.com/localserve/mcpd/types"
)

const (
	// DefaultQueue is the work queue jobs are submitted to.
	DefaultQueue = "mcpd:async"

	resultKeyPrefix = "async:result:"
	statusKeyPrefix = "async:status:"

	// resultTTL keeps completed results retrievable for an hour.
	resultTTL = time.Hour
	// statusTTL bounds how long status entries outlive their last update.
	statusTTL = 5 * time.Minute

	// attemptTimeout bounds a single execution attempt.
	attemptTimeout = 5 * time.Minute
	// retryHorizon bounds the total retry window for one job.
	retryHorizon = 15 * time.Minute
	// retryMultiplier grows the delay between attempts.
	retryMultiplier = 3
)

// State tracks a job through its lifecycle.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Job is the queued unit of work: one method invocation deferred to a
// worker.
type Job struct {
	ID          string          `json:"id"`
	Method      string          `json:"method"`
	Params      json.RawMessage `json:"params,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// Record is a job's tracked status as stored in the cache.
type Record struct {
	ID          string     `json:"id"`
	Method      string     `json:"method"`
	State       State      `json:"state"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Dispatcher executes one method invocation on behalf of a worker. The
// server supplies its dispatch entry point here.
type Dispatcher func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

// Pipeline submits jobs and serves their status and results. Workers run
// separately via RunWorker.
type Pipeline struct {
	cache     Cache
	queue     queue.Queue
	queueName string
	dispatch  Dispatcher
	bus       *events.Bus
	logger    types.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger types.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithBus attaches the lifecycle event bus.
func WithBus(bus *events.Bus) Option {
	return func(p *Pipeline) { p.bus = bus }
}

// WithQueueName overrides the work queue name.
func WithQueueName(name string) Option {
	return func(p *Pipeline) {
		if name != "" {
			p.queueName = name
		}
	}
}

// NewPipeline creates a pipeline over the given cache and queue. dispatch is
// invoked by workers to execute jobs.
func NewPipeline(cache Cache, q queue.Queue, dispatch Dispatcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		cache:     cache,
		queue:     q,
		queueName: DefaultQueue,
		dispatch:  dispatch,
		logger:    types.NopLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit enqueues a job and returns its id. The job stays queued until a
// worker picks it up.
func (p *Pipeline) Submit(ctx context.Context, method string, params json.RawMessage) (string, error) {
	if method == "" {
		return "", fmt.Errorf("async: method is empty")
	}
	job := Job{
		ID:          uuid.NewString(),
		Method:      method,
		Params:      params,
		SubmittedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("async: failed to marshal job: %w", err)
	}

	rec := Record{ID: job.ID, Method: method, State: StateQueued, SubmittedAt: job.SubmittedAt}
	if err := p.putStatus(ctx, rec); err != nil {
		return "", err
	}
	if err := p.queue.Enqueue(ctx, p.queueName, payload); err != nil {
		rec.State = StateFailed
		rec.Error = err.Error()
		_ = p.putStatus(ctx, rec)
		return "", fmt.Errorf("async: failed to enqueue job: %w", err)
	}
	p.logger.Debug("submitted async job %s for %s", job.ID, method)
	return job.ID, nil
}

// Status returns the tracked status of a job. Unknown or expired ids return
// ErrMiss.
func (p *Pipeline) Status(ctx context.Context, id string) (Record, error) {
	raw, err := p.cache.Get(ctx, statusKeyPrefix+id)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("async: malformed status for %s: %w", id, err)
	}
	return rec, nil
}

// Result returns the serialized result of a completed job. Unknown, expired
// or unfinished ids return ErrMiss.
func (p *Pipeline) Result(ctx context.Context, id string) (json.RawMessage, error) {
	return p.cache.Get(ctx, resultKeyPrefix+id)
}

// RunWorker drains the work queue until the context ends.
func (p *Pipeline) RunWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := p.queue.Dequeue(ctx, p.queueName)
		if err != nil {
			if err == queue.ErrEmpty || ctx.Err() != nil {
				continue
			}
			p.logger.Error("async worker dequeue failed: %v", err)
			continue
		}
		var job Job
		if err := json.Unmarshal(payload, &job); err != nil {
			p.logger.Error("async worker got malformed job: %v", err)
			continue
		}
		p.execute(ctx, job)
	}
}

// execute runs one job with bounded retries, recording each transition.
func (p *Pipeline) execute(ctx context.Context, job Job) {
	rec := Record{ID: job.ID, Method: job.Method, State: StateProcessing, SubmittedAt: job.SubmittedAt}
	_ = p.putStatus(ctx, rec)

	expo := backoff.NewExponentialBackOff()
	expo.Multiplier = retryMultiplier

	operation := func() (interface{}, error) {
		rec.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()
		result, err := p.dispatch(attemptCtx, job.Method, job.Params)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return result, err
	}
	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxElapsedTime(retryHorizon),
	)

	now := time.Now().UTC()
	rec.CompletedAt = &now
	if err != nil {
		rec.State = StateFailed
		rec.Error = err.Error()
		_ = p.putStatus(ctx, rec)
		p.emit(events.AsyncFailed, rec)
		p.logger.Warn("async job %s failed after %d attempts: %v", job.ID, rec.Attempts, err)
		return
	}

	serialized, err := json.Marshal(result)
	if err != nil {
		rec.State = StateFailed
		rec.Error = fmt.Sprintf("failed to serialize result: %v", err)
		_ = p.putStatus(ctx, rec)
		p.emit(events.AsyncFailed, rec)
		return
	}
	if err := p.cache.Set(ctx, resultKeyPrefix+job.ID, serialized, resultTTL); err != nil {
		rec.State = StateFailed
		rec.Error = fmt.Sprintf("failed to store result: %v", err)
		_ = p.putStatus(ctx, rec)
		p.emit(events.AsyncFailed, rec)
		return
	}

	rec.State = StateCompleted
	_ = p.putStatus(ctx, rec)
	p.emit(events.AsyncCompleted, rec)
	p.logger.Debug("async job %s completed in %d attempt(s)", job.ID, rec.Attempts)
}

// retryable reports whether an execution error is worth another attempt.
// Protocol-level rejections (unknown method, bad params, unauthorized) will
// fail identically every time; only internal faults and timeouts retry.
func retryable(err error) bool {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe.Code == protocol.CodeInternalError || pe.Code == protocol.CodeTimeout
	}
	return true
}

func (p *Pipeline) putStatus(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("async: failed to marshal status: %w", err)
	}
	if err := p.cache.Set(ctx, statusKeyPrefix+rec.ID, raw, statusTTL); err != nil {
		return fmt.Errorf("async: failed to store status: %w", err)
	}
	return nil
}

func (p *Pipeline) emit(evt events.Event, rec Record) {
	if p.bus == nil {
		return
	}
	p.bus.Emit(evt, rec)
}
