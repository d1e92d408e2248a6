package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/maheshrc27/relayflow/internal/media"
	"github.com/maheshrc27/relayflow/internal/metrics"
	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/queue"
	"github.com/maheshrc27/relayflow/internal/repository"
)

var ErrTaskInactive = errors.New("task is no longer active")

// matchSlots bounds how many events load tasks and accounts at once.
const matchSlots = 8

type Options struct {
	Accounts repository.SocialAccountRepository
	Tasks    repository.TaskRepository
	Queue    *queue.ExecutionQueue
	Fetcher  *media.Fetcher
	Executor *Executor
	Logger   *slog.Logger
	Metrics  *metrics.Relay
}

// Relay routes normalized source events to the execution queue. One media
// scope is opened per event and shared by every task job of that event.
type Relay struct {
	accounts repository.SocialAccountRepository
	tasks    repository.TaskRepository
	queue    *queue.ExecutionQueue
	fetcher  *media.Fetcher
	executor *Executor
	logger   *slog.Logger
	metrics  *metrics.Relay

	matching chan struct{}
	wg       sync.WaitGroup
}

func New(opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		accounts: opts.Accounts,
		tasks:    opts.Tasks,
		queue:    opts.Queue,
		fetcher:  opts.Fetcher,
		executor: opts.Executor,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		matching: make(chan struct{}, matchSlots),
	}
}

// Outcome is what happened to one matched task of an event.
type Outcome struct {
	TaskID int64
	Key    string
	Result queue.Result
}

// Report returns the run report of a job that actually executed.
func (o Outcome) Report() *RunReport {
	report, _ := o.Result.Value.(*RunReport)
	return report
}

type pending struct {
	taskID int64
	key    string
	ch     <-chan queue.Result
}

// Dispatch matches event against every task and enqueues the matches in
// the background. Completion is only observable through the execution log.
func (r *Relay) Dispatch(ctx context.Context, event *models.IncomingContent) error {
	return r.DispatchTasks(ctx, event, nil)
}

// DispatchTasks is Dispatch restricted to taskIDs. A nil slice means every
// task. It never waits on the repositories: matching runs on its own
// goroutine and its failures are logged. The only error is ctx's when it is
// already done.
func (r *Relay) DispatchTasks(ctx context.Context, event *models.IncomingContent, taskIDs []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// the event outlives the listener callback that handed it over
	ctx = context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.matching <- struct{}{}
		jobs, scope, err := r.enqueue(ctx, event, taskIDs)
		<-r.matching
		if err != nil {
			r.logger.Error("event dispatch failed", "event", event.Fingerprint, "source_account_id", event.SourceAccountID, "error", err)
			return
		}
		if scope != nil {
			r.collect(event, jobs, scope)
		}
	}()
	return nil
}

// HandleEvent is the blocking form of DispatchTasks. It returns once every
// matched job finished.
func (r *Relay) HandleEvent(ctx context.Context, event *models.IncomingContent, taskIDs []int64) ([]Outcome, error) {
	jobs, scope, err := r.enqueue(ctx, event, taskIDs)
	if err != nil || scope == nil {
		return nil, err
	}
	return r.collect(event, jobs, scope), nil
}

// Wait blocks until every dispatched event finished or ctx is done.
func (r *Relay) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) enqueue(ctx context.Context, event *models.IncomingContent, taskIDs []int64) ([]pending, *media.Scope, error) {
	r.metrics.EventReceived(event.SourcePlatform)

	matches, err := r.match(ctx, event, taskIDs)
	if err != nil {
		return nil, nil, err
	}
	if len(matches) == 0 {
		r.logger.Debug("event matched no task", "source_account_id", event.SourceAccountID, "event", event.Fingerprint)
		return nil, nil, nil
	}

	scope := r.fetcher.NewScope(EventID(event))
	jobs := make([]pending, 0, len(matches))
	for _, m := range matches {
		key := DedupeKey(event, m.Task.ID)
		ch := r.queue.Enqueue(queue.Job{
			DedupeKey: key,
			Label:     fmt.Sprintf("relay %s to task %d", event.Fingerprint, m.Task.ID),
			TaskID:    m.Task.ID,
			UserID:    m.Task.UserID,
			Run:       r.job(m, event, scope),
		})
		jobs = append(jobs, pending{taskID: m.Task.ID, key: key, ch: ch})
	}
	return jobs, scope, nil
}

func (r *Relay) match(ctx context.Context, event *models.IncomingContent, taskIDs []int64) ([]TaskMatch, error) {
	tasks, err := r.tasks.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	if taskIDs != nil {
		tasks = slices.DeleteFunc(tasks, func(t *models.AutomationTask) bool {
			return !slices.Contains(taskIDs, t.ID)
		})
	}

	accounts, err := r.accounts.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	byID := make(map[int64]*models.SocialAccount, len(accounts))
	for _, acc := range accounts {
		byID[acc.ID] = acc
	}
	return Match(event, tasks, byID), nil
}

// job re-checks the task status when it starts; filters were applied when
// the event was matched.
func (r *Relay) job(m TaskMatch, event *models.IncomingContent, scope *media.Scope) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		task, err := r.tasks.GetByID(ctx, m.Task.ID)
		if err != nil {
			return nil, fmt.Errorf("reload task: %w", err)
		}
		if task.Status != models.TaskStatusActive {
			return nil, ErrTaskInactive
		}

		scope.Acquire()
		defer scope.Release()

		report, err := r.executor.Run(ctx, task, m.Source, m.Targets, event, scope)
		if err != nil {
			return report, err
		}
		return report, report.Err()
	}
}

// collect waits for every job of an event and releases its media scope.
func (r *Relay) collect(event *models.IncomingContent, jobs []pending, scope *media.Scope) []Outcome {
	defer scope.Release()

	outcomes := make([]Outcome, 0, len(jobs))
	for _, j := range jobs {
		res := <-j.ch
		logger := r.logger.With("task_id", j.taskID, "key", j.key, "source_account_id", event.SourceAccountID)
		switch {
		case res.Duplicate:
			logger.Info("duplicate event dropped")
		case errors.Is(res.Err, ErrTaskInactive):
			logger.Info("task deactivated before run, skipped")
		case res.Err != nil:
			logger.Warn("relay job finished with errors", "error", res.Err)
		}
		outcomes = append(outcomes, Outcome{TaskID: j.taskID, Key: j.key, Result: res})
	}
	return outcomes
}

// DedupeKey identifies the work of one task for one event.
func DedupeKey(event *models.IncomingContent, taskID int64) string {
	if event.SourcePlatform == models.PlatformTwitter {
		return fmt.Sprintf("twitter:stream:%d:%s", taskID, event.MessageID)
	}
	return fmt.Sprintf("%s:%d:%d:%s", event.SourcePlatform, event.SourceAccountID, taskID, event.Fingerprint)
}

func EventID(event *models.IncomingContent) string {
	return fmt.Sprintf("%s:%d:%s", event.SourcePlatform, event.SourceAccountID, event.Fingerprint)
}
