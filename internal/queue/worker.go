package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

func (j *Queue) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTypeRefreshListeners, j.HandleRefreshListenersTask)
	mux.HandleFunc(TaskTypeSyncRules, j.HandleSyncRulesTask)
}

func (j *Queue) HandleRefreshListenersTask(ctx context.Context, task *asynq.Task) error {
	payload, err := decodePayload(task)
	if err != nil {
		return err
	}
	j.logger.Info("refreshing listeners", "account_id", payload.AccountID, "task_id", payload.TaskID, "reason", payload.Reason)

	var errs []error
	if j.listeners != nil {
		if err := j.listeners.Refresh(ctx); err != nil {
			errs = append(errs, fmt.Errorf("refresh telegram listeners: %w", err))
		}
	}
	// task edits can change stream rules as well
	if j.rules != nil {
		if err := j.rules.SyncRules(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sync stream rules: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (j *Queue) HandleSyncRulesTask(ctx context.Context, task *asynq.Task) error {
	payload, err := decodePayload(task)
	if err != nil {
		return err
	}
	if j.rules == nil {
		return nil
	}
	j.logger.Info("syncing stream rules", "task_id", payload.TaskID, "reason", payload.Reason)
	return j.rules.SyncRules(ctx)
}

func decodePayload(task *asynq.Task) (RefreshPayload, error) {
	var payload RefreshPayload
	if len(task.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return payload, nil
}
