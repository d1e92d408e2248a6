package models

import (
	"encoding/json"
	"time"
)

const (
	ExecutionStatusSuccess = "success"
	ExecutionStatusFailed  = "failed"
	ExecutionStatusPending = "pending"
)

type TaskExecution struct {
	ID                 string          `db:"id" json:"id"`
	TaskID             int64           `db:"task_id" json:"task_id"`
	UserID             int64           `db:"user_id" json:"user_id"`
	SourceAccountID    int64           `db:"source_account_id" json:"source_account_id"`
	TargetAccountID    int64           `db:"target_account_id" json:"target_account_id"`
	OriginalContent    string          `db:"original_content" json:"original_content"`
	TransformedContent string          `db:"transformed_content" json:"transformed_content"`
	Status             string          `db:"status" json:"status"`
	Error              string          `db:"error" json:"error,omitempty"`
	ExecutedAt         time.Time       `db:"executed_at" json:"executed_at"`
	ResponseData       json.RawMessage `db:"response_data" json:"response_data,omitempty"`
}

type ProcessedMessageKey struct {
	AccountID int64  `db:"account_id"`
	ChatID    string `db:"chat_id"`
	MessageID string `db:"message_id"`
}
