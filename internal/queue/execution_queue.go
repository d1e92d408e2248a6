package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/maheshrc27/relayflow/internal/metrics"
)

var (
	ErrDuplicate   = errors.New("job already executed")
	ErrQueueClosed = errors.New("execution queue closed")
)

// Job is one unit of relay work. Jobs sharing a DedupeKey run at most once
// while in flight and are dropped when the same key completed recently. An
// empty DedupeKey disables deduplication.
type Job struct {
	DedupeKey string
	Label     string
	TaskID    int64
	UserID    int64
	Run       func(ctx context.Context) (any, error)
}

type Result struct {
	Value any
	Err   error
	// Shared is set for submitters that attached to a job already in flight.
	Shared bool
	// Duplicate is set when the key completed within the dedupe window.
	Duplicate bool
}

type Options struct {
	Concurrency int
	DedupeTTL   time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Relay
}

type call struct {
	waiters []chan Result
}

// ExecutionQueue runs relay jobs concurrently with per key deduplication.
type ExecutionQueue struct {
	logger  *slog.Logger
	metrics *metrics.Relay
	ttl     time.Duration
	sem     chan struct{}
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]*call
	recent   map[string]time.Time
}

func NewExecutionQueue(opts Options) *ExecutionQueue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ExecutionQueue{
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		ttl:      opts.DedupeTTL,
		sem:      make(chan struct{}, opts.Concurrency),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]*call),
		recent:   make(map[string]time.Time),
	}
}

// Enqueue schedules job and returns a channel that receives exactly one
// Result. It never blocks on job execution.
func (q *ExecutionQueue) Enqueue(job Job) <-chan Result {
	out := make(chan Result, 1)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		out <- Result{Err: ErrQueueClosed}
		return out
	}

	q.pruneLocked()

	if job.DedupeKey != "" {
		if c, ok := q.inflight[job.DedupeKey]; ok {
			c.waiters = append(c.waiters, out)
			q.metrics.QueueJob("shared")
			return out
		}
		if _, ok := q.recent[job.DedupeKey]; ok {
			q.logger.Debug("dropping duplicate job", "key", job.DedupeKey, "label", job.Label, "task_id", job.TaskID)
			q.metrics.QueueJob("duplicate")
			out <- Result{Err: ErrDuplicate, Duplicate: true}
			return out
		}
		q.inflight[job.DedupeKey] = &call{waiters: []chan Result{out}}
	}

	q.wg.Add(1)
	go q.run(job, out)
	return out
}

// Do enqueues job and waits for its result or ctx.
func (q *ExecutionQueue) Do(ctx context.Context, job Job) Result {
	select {
	case res := <-q.Enqueue(job):
		return res
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

func (q *ExecutionQueue) run(job Job, out chan Result) {
	defer q.wg.Done()

	var res Result
	select {
	case q.sem <- struct{}{}:
		res = q.execute(job)
		<-q.sem
	case <-q.ctx.Done():
		res = Result{Err: ErrQueueClosed}
	}

	if job.DedupeKey == "" {
		out <- res
		return
	}

	q.mu.Lock()
	c := q.inflight[job.DedupeKey]
	delete(q.inflight, job.DedupeKey)
	if !errors.Is(res.Err, ErrQueueClosed) && q.ttl > 0 {
		q.recent[job.DedupeKey] = q.now()
	}
	q.mu.Unlock()

	for i, w := range c.waiters {
		r := res
		r.Shared = i > 0
		w <- r
	}
}

func (q *ExecutionQueue) execute(job Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("relay job panicked",
				"label", job.Label, "task_id", job.TaskID, "user_id", job.UserID,
				"panic", r, "stack", string(debug.Stack()))
			q.metrics.QueueJob("panic")
			res = Result{Err: fmt.Errorf("job %s panicked: %v", job.Label, r)}
		}
	}()

	q.metrics.QueueJob("run")
	value, err := job.Run(q.ctx)
	if err != nil {
		q.logger.Error("relay job failed", "label", job.Label, "task_id", job.TaskID, "user_id", job.UserID, "error", err)
	}
	return Result{Value: value, Err: err}
}

// Prune drops completed keys older than the dedupe window.
func (q *ExecutionQueue) Prune() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked()
}

func (q *ExecutionQueue) pruneLocked() {
	cutoff := q.now().Add(-q.ttl)
	for key, at := range q.recent {
		if !at.After(cutoff) {
			delete(q.recent, key)
		}
	}
}

type Stats struct {
	InFlight  int `json:"in_flight"`
	Completed int `json:"completed"`
	Capacity  int `json:"capacity"`
}

func (q *ExecutionQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{InFlight: len(q.inflight), Completed: len(q.recent), Capacity: cap(q.sem)}
}

// Close stops accepting jobs and waits for in-flight ones. When ctx expires
// first the running jobs are cancelled and Close still waits for them to
// return.
func (q *ExecutionQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
