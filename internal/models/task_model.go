package models

import (
	"slices"
	"time"
)

const (
	TaskStatusActive   = "active"
	TaskStatusPaused   = "paused"
	TaskStatusDisabled = "disabled"
)

const (
	TriggerAny       = "any"
	TriggerOnMessage = "on_message"
	TriggerOnTweet   = "on_tweet"
	TriggerOnRetweet = "on_retweet"
	TriggerOnReply   = "on_reply"
	TriggerOnQuote   = "on_quote"
)

type AutomationTask struct {
	ID              int64               `db:"id" json:"id"`
	UserID          int64               `db:"user_id" json:"user_id"`
	Name            string              `db:"name" json:"name"`
	SourceAccounts  []int64             `db:"source_accounts" json:"source_accounts"`
	TargetAccounts  []int64             `db:"target_accounts" json:"target_accounts"`
	Status          string              `db:"status" json:"status"`
	Filters         TaskFilters         `db:"filters" json:"filters"`
	Transformations TaskTransformations `db:"transformations" json:"transformations"`
	ExecutionCount  int64               `db:"execution_count" json:"execution_count"`
	FailureCount    int64               `db:"failure_count" json:"failure_count"`
	LastExecuted    *time.Time          `db:"last_executed" json:"last_executed"`
	LastError       string              `db:"last_error" json:"last_error"`
	CreatedAt       time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time           `db:"updated_at" json:"updated_at"`
}

func (t *AutomationTask) HasSource(accountID int64) bool {
	return slices.Contains(t.SourceAccounts, accountID)
}

type TaskFilters struct {
	TriggerType     string   `json:"trigger_type,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
	ExcludeKeywords []string `json:"exclude_keywords,omitempty"`
	ExcludeReplies  bool     `json:"exclude_replies,omitempty"`
	ExcludeRetweets bool     `json:"exclude_retweets,omitempty"`
	ExcludeQuotes   bool     `json:"exclude_quotes,omitempty"`
	UsernameFilter  string   `json:"username_filter,omitempty"`
	SourceChatIDs   []string `json:"source_chat_ids,omitempty"`
	MediaOnly       bool     `json:"media_only,omitempty"`
}

type TaskTransformations struct {
	Prepend        string            `json:"prepend,omitempty"`
	Append         string            `json:"append,omitempty"`
	Hashtags       []string          `json:"hashtags,omitempty"`
	Templates      map[string]string `json:"templates,omitempty"`
	IncludeMedia   *bool             `json:"include_media,omitempty"`
	AddAttribution bool              `json:"add_attribution,omitempty"`
}

func (t TaskTransformations) MediaIncluded() bool {
	return t.IncludeMedia == nil || *t.IncludeMedia
}

// TaskStatsUpdate is applied once per relay run of a task.
type TaskStatsUpdate struct {
	Executions   int64
	Failures     int64
	LastExecuted time.Time
	LastError    string
}
