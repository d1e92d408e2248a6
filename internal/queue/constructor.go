package queue

import (
	"context"
	"log/slog"
)

// ListenerRefresher reconciles running source sessions with the store.
type ListenerRefresher interface {
	Refresh(ctx context.Context) error
}

// RuleSyncer reconciles the filtered stream rules with the store.
type RuleSyncer interface {
	SyncRules(ctx context.Context) error
}

// Queue handles the relay signals sent by the CRUD application through
// asynq.
type Queue struct {
	listeners ListenerRefresher
	rules     RuleSyncer
	logger    *slog.Logger
}

func NewQueue(listeners ListenerRefresher, rules RuleSyncer, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		listeners: listeners,
		rules:     rules,
		logger:    logger,
	}
}

const (
	TaskTypeRefreshListeners = "relay:refresh-listeners"
	TaskTypeSyncRules        = "relay:sync-rules"
)

type RefreshPayload struct {
	AccountID int64  `json:"account_id,omitempty"`
	TaskID    int64  `json:"task_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
