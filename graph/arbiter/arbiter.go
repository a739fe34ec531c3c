// Package arbiter drives paused runs from an external response queue.
//
// The arbiter consumes human responses (answers to pending
// interactions), locates the graph each response belongs to via a
// GraphProvider, and calls Runner.Resume with the response. It is the
// bridge between "a human answered somewhere" and "the paused run
// continues".
package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spice-framework/spice-go/graph"
)

// ErrQueueClosed is returned by Dequeue when the queue is closed and
// drained.
var ErrQueueClosed = errors.New("response queue is closed")

// Queue is the transport for human responses.
type Queue interface {
	// Enqueue submits a response.
	Enqueue(ctx context.Context, response graph.HumanResponse) error

	// Dequeue blocks until a response is available, ctx is done, or the
	// queue is closed (ErrQueueClosed).
	Dequeue(ctx context.Context) (graph.HumanResponse, error)
}

// MemoryQueue is a channel-backed Queue for single-process setups.
type MemoryQueue struct {
	ch        chan graph.HumanResponse
	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryQueue creates a queue with the given capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &MemoryQueue{
		ch:   make(chan graph.HumanResponse, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, response graph.HumanResponse) error {
	select {
	case q.ch <- response:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (graph.HumanResponse, error) {
	select {
	case response := <-q.ch:
		return response, nil
	case <-q.done:
		// Drain anything already buffered before reporting closure.
		select {
		case response := <-q.ch:
			return response, nil
		default:
			return graph.HumanResponse{}, ErrQueueClosed
		}
	case <-ctx.Done():
		return graph.HumanResponse{}, ctx.Err()
	}
}

// Close closes the queue; pending responses can still be dequeued.
func (q *MemoryQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// RedisQueue is a Redis-list-backed Queue shared between processes.
// Responses are JSON values pushed with LPUSH and consumed with BRPOP.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
}

// NewRedisQueue wraps an existing client; key is the list key.
func NewRedisQueue(client redis.UniversalClient, key string) *RedisQueue {
	if key == "" {
		key = "spice:hitl:responses"
	}
	return &RedisQueue{client: client, key: key}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, response graph.HumanResponse) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue response: %w", err)
	}
	return nil
}

// Dequeue implements Queue. It polls with a bounded BRPOP so
// cancellation is observed promptly.
func (q *RedisQueue) Dequeue(ctx context.Context) (graph.HumanResponse, error) {
	for {
		values, err := q.client.BRPop(ctx, 2*time.Second, q.key).Result()
		if err == redis.Nil {
			if ctx.Err() != nil {
				return graph.HumanResponse{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return graph.HumanResponse{}, ctx.Err()
			}
			return graph.HumanResponse{}, fmt.Errorf("failed to dequeue response: %w", err)
		}
		// BRPOP returns [key, value].
		var response graph.HumanResponse
		if err := json.Unmarshal([]byte(values[1]), &response); err != nil {
			return graph.HumanResponse{}, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return response, nil
	}
}

// GraphProvider locates the graph a response belongs to. Typical
// implementations key off the run id's prefix or a lookup table.
type GraphProvider interface {
	GraphFor(ctx context.Context, response graph.HumanResponse) (*graph.Graph, error)
}

// GraphProviderFunc adapts a function into a GraphProvider.
type GraphProviderFunc func(ctx context.Context, response graph.HumanResponse) (*graph.Graph, error)

// GraphFor implements GraphProvider.
func (f GraphProviderFunc) GraphFor(ctx context.Context, response graph.HumanResponse) (*graph.Graph, error) {
	return f(ctx, response)
}

// Options configures an Arbiter.
type Options struct {
	// Workers is the number of concurrent resume workers (default 1).
	Workers int

	// OnResult observes every resume outcome; optional.
	OnResult func(report graph.RunReport, err error)
}

// Arbiter consumes responses and resumes the corresponding runs.
//
//	arb := arbiter.New(queue, provider, runner, arbiter.Options{})
//	arb.Start()
//	defer arb.Stop()
type Arbiter struct {
	queue    Queue
	provider GraphProvider
	runner   *graph.Runner
	opts     Options

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates an arbiter.
func New(queue Queue, provider GraphProvider, runner *graph.Runner, opts Options) *Arbiter {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Arbiter{queue: queue, provider: provider, runner: runner, opts: opts}
}

// Start launches the consume workers. Calling Start twice is an error.
func (a *Arbiter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("arbiter already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.started = true

	for i := 0; i < a.opts.Workers; i++ {
		a.wg.Add(1)
		go a.consume(ctx)
	}
	return nil
}

// Stop cancels the workers and waits for in-flight resumes to drain.
func (a *Arbiter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.started = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

func (a *Arbiter) consume(ctx context.Context) {
	defer a.wg.Done()
	for {
		response, err := a.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			continue
		}
		// The resume itself is not cancelled by Stop; it drains.
		a.resume(context.WithoutCancel(ctx), response)
	}
}

func (a *Arbiter) resume(ctx context.Context, response graph.HumanResponse) {
	g, err := a.provider.GraphFor(ctx, response)
	if err != nil {
		a.report(graph.RunReport{RunID: response.RunID}, fmt.Errorf("no graph for run %s: %w", response.RunID, err))
		return
	}
	report, err := a.runner.Resume(ctx, g, response.RunID, &response)
	a.report(report, err)
}

func (a *Arbiter) report(report graph.RunReport, err error) {
	if a.opts.OnResult != nil {
		a.opts.OnResult(report, err)
	}
}
