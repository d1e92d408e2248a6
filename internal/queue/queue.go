package queue

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Bursts of account or task edits within this window collapse into one signal.
const signalUniqueWindow = 5 * time.Second

func EnqueueRefresh(asynqClient *asynq.Client, payload RefreshPayload) error {
	return enqueueSignal(asynqClient, TaskTypeRefreshListeners, payload)
}

func EnqueueSyncRules(asynqClient *asynq.Client, payload RefreshPayload) error {
	return enqueueSignal(asynqClient, TaskTypeSyncRules, payload)
}

func enqueueSignal(asynqClient *asynq.Client, taskType string, payload RefreshPayload) error {
	taskPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskType, taskPayload)

	_, err = asynqClient.Enqueue(task, asynq.Unique(signalUniqueWindow), asynq.MaxRetry(3))
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("relay signal enqueued", "type", taskType, "reason", payload.Reason)
	return nil
}
