// Package relay turns incoming source events into target posts: it matches
// events against automation tasks, transforms content per target and runs
// the fan-out through the execution queue.
package relay

import (
	"slices"
	"strings"

	"github.com/maheshrc27/relayflow/internal/models"
)

// TaskMatch is one task selected for an event together with the accounts it
// relays between.
type TaskMatch struct {
	Task    *models.AutomationTask
	Source  *models.SocialAccount
	Targets []*models.SocialAccount
}

// Match returns the tasks that should relay event, ordered by task id. It
// only reads its arguments, so the same snapshot always gives the same
// result. Tasks without a live target are left out.
func Match(event *models.IncomingContent, tasks []*models.AutomationTask, accounts map[int64]*models.SocialAccount) []TaskMatch {
	source := accounts[event.SourceAccountID]
	if !source.Live() {
		return nil
	}

	var matches []TaskMatch
	for _, task := range tasks {
		if task.Status != models.TaskStatusActive || !task.HasSource(event.SourceAccountID) {
			continue
		}
		if !Accepts(task.Filters, event) {
			continue
		}
		targets := liveTargets(task, source.ID, accounts)
		if len(targets) == 0 {
			continue
		}
		matches = append(matches, TaskMatch{Task: task, Source: source, Targets: targets})
	}

	slices.SortFunc(matches, func(a, b TaskMatch) int {
		switch {
		case a.Task.ID < b.Task.ID:
			return -1
		case a.Task.ID > b.Task.ID:
			return 1
		}
		return 0
	})
	return matches
}

// Accepts applies the content filters of a task to event.
func Accepts(f models.TaskFilters, event *models.IncomingContent) bool {
	if !triggerAccepts(f.TriggerType, event) {
		return false
	}

	// an exclusion is waived when the trigger asks for exactly that kind
	if f.ExcludeRetweets && event.IsRetweet && f.TriggerType != models.TriggerOnRetweet {
		return false
	}
	if f.ExcludeReplies && event.IsReply && f.TriggerType != models.TriggerOnReply {
		return false
	}
	if f.ExcludeQuotes && event.IsQuote && f.TriggerType != models.TriggerOnQuote {
		return false
	}

	if len(f.SourceChatIDs) > 0 && !slices.ContainsFunc(f.SourceChatIDs, func(id string) bool { return SameChat(id, event.ChatID) }) {
		return false
	}
	if f.UsernameFilter != "" && !strings.EqualFold(normalizeUsername(f.UsernameFilter), normalizeUsername(event.AuthorUsername)) {
		return false
	}
	if f.MediaOnly && !event.HasMedia() {
		return false
	}

	text := strings.ToLower(event.Text)
	if len(f.Keywords) > 0 && !containsAny(text, f.Keywords) {
		return false
	}
	if containsAny(text, f.ExcludeKeywords) {
		return false
	}
	return true
}

func triggerAccepts(trigger string, event *models.IncomingContent) bool {
	switch trigger {
	case "", models.TriggerAny:
		return true
	case models.TriggerOnMessage:
		return event.SourcePlatform == models.PlatformTelegram
	case models.TriggerOnTweet:
		return event.SourcePlatform == models.PlatformTwitter
	case models.TriggerOnRetweet:
		return event.SourcePlatform == models.PlatformTwitter && event.IsRetweet
	case models.TriggerOnReply:
		return event.IsReply
	case models.TriggerOnQuote:
		return event.SourcePlatform == models.PlatformTwitter && event.IsQuote
	}
	return false
}

func liveTargets(task *models.AutomationTask, sourceID int64, accounts map[int64]*models.SocialAccount) []*models.SocialAccount {
	var targets []*models.SocialAccount
	seen := make(map[int64]bool, len(task.TargetAccounts))
	for _, id := range task.TargetAccounts {
		if id == sourceID || seen[id] {
			continue
		}
		seen[id] = true
		if acc := accounts[id]; acc.Live() {
			targets = append(targets, acc)
		}
	}
	return targets
}

func containsAny(lowerText string, keywords []string) bool {
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lowerText, kw) {
			return true
		}
	}
	return false
}

func normalizeUsername(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "@")
}

// SameChat compares Telegram chat ids written either as raw MTProto ids or
// in Bot API form with the -100 channel prefix.
func SameChat(a, b string) bool {
	return canonicalChat(a) == canonicalChat(b)
}

func canonicalChat(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "-100") {
		return id[4:]
	}
	return strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(id, "-"), "@"))
}
