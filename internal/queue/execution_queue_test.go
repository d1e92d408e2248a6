package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestQueue(concurrency int, ttl time.Duration) *ExecutionQueue {
	return NewExecutionQueue(Options{
		Concurrency: concurrency,
		DedupeTTL:   ttl,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func closeQueue(t *testing.T, q *ExecutionQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}

func TestConcurrentSubmissionsRunOnce(t *testing.T) {
	q := newTestQueue(4, time.Minute)
	defer closeQueue(t, q)

	var runs atomic.Int32
	release := make(chan struct{})
	job := Job{
		DedupeKey: "telegram:1:10:abc",
		Label:     "relay",
		Run: func(ctx context.Context) (any, error) {
			runs.Add(1)
			<-release
			return "done", nil
		},
	}

	const n = 20
	results := make([]<-chan Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = q.Enqueue(job)
		}(i)
	}
	wg.Wait()
	close(release)

	shared := 0
	for _, ch := range results {
		res := <-ch
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.Value != "done" {
			t.Fatalf("unexpected value %v", res.Value)
		}
		if res.Shared {
			shared++
		}
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("expected exactly one run, got %d", got)
	}
	if shared != n-1 {
		t.Errorf("expected %d shared results, got %d", n-1, shared)
	}
}

func TestCompletedKeyDroppedWithinTTL(t *testing.T) {
	q := newTestQueue(2, time.Minute)
	defer closeQueue(t, q)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	var runs atomic.Int32
	job := Job{DedupeKey: "twitter:stream:5:99", Run: func(ctx context.Context) (any, error) {
		runs.Add(1)
		return nil, nil
	}}

	if res := q.Do(context.Background(), job); res.Err != nil {
		t.Fatalf("first run failed: %v", res.Err)
	}

	res := q.Do(context.Background(), job)
	if !res.Duplicate || !errors.Is(res.Err, ErrDuplicate) {
		t.Fatalf("expected duplicate result, got %+v", res)
	}

	now = now.Add(2 * time.Minute)
	if res := q.Do(context.Background(), job); res.Err != nil || res.Duplicate {
		t.Fatalf("expected rerun after ttl, got %+v", res)
	}
	if got := runs.Load(); got != 2 {
		t.Errorf("expected 2 runs, got %d", got)
	}
	if q.Stats().Completed != 1 {
		t.Errorf("expected expired key to be pruned, stats=%+v", q.Stats())
	}
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	q := newTestQueue(2, time.Minute)
	defer closeQueue(t, q)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	run := func(ctx context.Context) (any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}

	a := q.Enqueue(Job{DedupeKey: "a", Run: run})
	b := q.Enqueue(Job{DedupeKey: "b", Run: run})

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs with different keys did not run concurrently")
		}
	}
	close(release)
	<-a
	<-b
}

func TestConcurrencyLimit(t *testing.T) {
	q := newTestQueue(1, 0)
	defer closeQueue(t, q)

	var active, peak atomic.Int32
	run := func(ctx context.Context) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}

	var chans []<-chan Result
	for i := 0; i < 5; i++ {
		chans = append(chans, q.Enqueue(Job{Run: run}))
	}
	for _, ch := range chans {
		<-ch
	}
	if peak.Load() != 1 {
		t.Fatalf("expected at most one job at a time, peak=%d", peak.Load())
	}
}

func TestPanicIsRecovered(t *testing.T) {
	q := newTestQueue(1, time.Minute)
	defer closeQueue(t, q)

	res := q.Do(context.Background(), Job{DedupeKey: "boom", Label: "panicky", Run: func(ctx context.Context) (any, error) {
		panic("kaboom")
	}})
	if res.Err == nil {
		t.Fatal("expected error from panicking job")
	}

	res = q.Do(context.Background(), Job{DedupeKey: "next", Run: func(ctx context.Context) (any, error) {
		return 42, nil
	}})
	if res.Err != nil || res.Value != 42 {
		t.Fatalf("queue should keep processing after a panic, got %+v", res)
	}
}

func TestCloseRejectsNewJobs(t *testing.T) {
	q := newTestQueue(1, time.Minute)
	closeQueue(t, q)

	res := <-q.Enqueue(Job{DedupeKey: "late", Run: func(ctx context.Context) (any, error) { return nil, nil }})
	if !errors.Is(res.Err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", res.Err)
	}
}

func TestCloseCancelsJobsWhenDeadlineExpires(t *testing.T) {
	q := newTestQueue(1, time.Minute)

	started := make(chan struct{})
	ch := q.Enqueue(Job{DedupeKey: "slow", Run: func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	res := <-ch
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected job context to be cancelled, got %v", res.Err)
	}
}
