package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/maheshrc27/relayflow/internal/media"
	"github.com/maheshrc27/relayflow/internal/metrics"
	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/repository"
	"github.com/maheshrc27/relayflow/internal/service"
)

// TargetPublisher publishes a prepared post to one target account.
type TargetPublisher interface {
	Publish(ctx context.Context, acc *models.SocialAccount, post service.Post) (*service.PublishResult, error)
}

// RunReport summarises one relay run of a task.
type RunReport struct {
	TaskID     int64
	Executions []*models.TaskExecution
	Failed     int
}

// Err joins the errors of every failed target.
func (r *RunReport) Err() error {
	var errs []error
	for _, e := range r.Executions {
		if e.Status == models.ExecutionStatusFailed {
			errs = append(errs, fmt.Errorf("target %d: %s", e.TargetAccountID, e.Error))
		}
	}
	return errors.Join(errs...)
}

type ExecutorOptions struct {
	Tasks      repository.TaskRepository
	Executions repository.ExecutionRepository
	Publisher  TargetPublisher
	// Parallel bounds concurrent targets of one run. Zero means unbounded.
	Parallel int
	Logger   *slog.Logger
	Metrics  *metrics.Relay
}

// Executor fans one event out to the targets of a task.
type Executor struct {
	tasks      repository.TaskRepository
	executions repository.ExecutionRepository
	publisher  TargetPublisher
	parallel   int
	logger     *slog.Logger
	metrics    *metrics.Relay
	now        func() time.Time
}

func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		tasks:      opts.Tasks,
		executions: opts.Executions,
		publisher:  opts.Publisher,
		parallel:   opts.Parallel,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        time.Now,
	}
}

// Run publishes content to every target independently. Each target yields
// exactly one execution record and the task statistics are updated once.
func (e *Executor) Run(ctx context.Context, task *models.AutomationTask, source *models.SocialAccount, targets []*models.SocialAccount, content *models.IncomingContent, scope *media.Scope) (*RunReport, error) {
	logger := e.logger.With("task_id", task.ID, "source_account_id", source.ID, "event", content.Fingerprint)

	report := &RunReport{TaskID: task.ID, Executions: make([]*models.TaskExecution, len(targets))}

	g, gctx := errgroup.WithContext(ctx)
	if e.parallel > 0 {
		g.SetLimit(e.parallel)
	}
	for i, target := range targets {
		g.Go(func() error {
			report.Executions[i] = e.runTarget(gctx, task, source, target, content, scope, logger)
			return nil
		})
	}
	_ = g.Wait()

	// records must land even when the run was cancelled mid flight
	persistCtx := context.WithoutCancel(ctx)

	var lastErrors []string
	for _, exec := range report.Executions {
		if err := e.executions.Create(persistCtx, exec); err != nil {
			logger.Error("failed to record execution", "target_account_id", exec.TargetAccountID, "error", err)
		}
		if exec.Status == models.ExecutionStatusFailed {
			report.Failed++
			lastErrors = append(lastErrors, fmt.Sprintf("target %d: %s", exec.TargetAccountID, exec.Error))
		}
	}

	stats := models.TaskStatsUpdate{
		Executions:   1,
		LastExecuted: e.now(),
		LastError:    strings.Join(lastErrors, "; "),
	}
	if report.Failed > 0 {
		stats.Failures = 1
	}
	if err := e.tasks.UpdateStats(persistCtx, task.ID, stats); err != nil {
		return report, fmt.Errorf("update stats of task %d: %w", task.ID, err)
	}

	logger.Info("relay run finished", "targets", len(targets), "failed", report.Failed)
	return report, nil
}

func (e *Executor) runTarget(ctx context.Context, task *models.AutomationTask, source, target *models.SocialAccount, content *models.IncomingContent, scope *media.Scope, logger *slog.Logger) (exec *models.TaskExecution) {
	exec = &models.TaskExecution{
		ID:              uuid.NewString(),
		TaskID:          task.ID,
		UserID:          task.UserID,
		SourceAccountID: source.ID,
		TargetAccountID: target.ID,
		OriginalContent: content.Text,
		Status:          models.ExecutionStatusPending,
	}
	logger = logger.With("target_account_id", target.ID, "platform", target.Platform)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("target publish panicked", "panic", r)
			exec.Status = models.ExecutionStatusFailed
			exec.Error = fmt.Sprintf("panic: %v", r)
		}
		exec.ExecutedAt = e.now()
		e.metrics.Execution(target.Platform, exec.Status)
	}()

	fail := func(err error) *models.TaskExecution {
		logger.Warn("target publish failed", "error", err)
		exec.Status = models.ExecutionStatusFailed
		exec.Error = err.Error()
		return exec
	}

	limits, ok := service.LimitsFor(target.Platform)
	if !ok {
		return fail(fmt.Errorf("%w: %s", service.ErrUnsupportedPlatform, target.Platform))
	}

	var files []*media.File
	if task.Transformations.MediaIncluded() && content.HasMedia() {
		if scope == nil {
			return fail(errors.New("event media has no scope"))
		}
		for _, item := range content.Media {
			f, err := scope.Get(ctx, item)
			if err != nil {
				return fail(fmt.Errorf("media %s: %w", media.CacheKey(item), err))
			}
			files = append(files, f)
		}
	}

	selected, err := SelectMedia(files, limits)
	if err != nil {
		return fail(err)
	}

	post := service.Post{
		Text:  Transform(content, task.Transformations, target.Platform, limits.TextLimit(len(selected)), limits.TextLength),
		Media: selected,
	}
	if limits.MaxTitleRunes > 0 {
		post.Title = title(content.Text, task.Name, limits.MaxTitleRunes)
	}
	if scope != nil {
		post.Stager = scope
	}
	exec.TransformedContent = post.Text

	res, err := e.publisher.Publish(ctx, target, post)
	if err != nil {
		return fail(err)
	}
	if res == nil {
		res = &service.PublishResult{}
	}

	exec.Status = models.ExecutionStatusSuccess
	if raw, err := json.Marshal(res); err == nil {
		exec.ResponseData = raw
	}
	logger.Info("target published", "post_id", res.ID, "url", res.URL)
	return exec
}

// title is the first non empty line of the text, or fallback.
func title(text, fallback string, limit int) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return Truncate(line, limit)
		}
	}
	return Truncate(fallback, limit)
}
