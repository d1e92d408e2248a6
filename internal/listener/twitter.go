package listener

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/maheshrc27/relayflow/internal/metrics"
	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/repository"
	"github.com/maheshrc27/relayflow/internal/retry"
	"github.com/maheshrc27/relayflow/internal/service"
	"github.com/maheshrc27/relayflow/internal/transfer"
)

const maxStreamLine = 4 << 20

// StreamAPI is the filtered stream endpoint set.
type StreamAPI interface {
	Rules(ctx context.Context) ([]transfer.StreamRule, error)
	AddRules(ctx context.Context, rules []transfer.StreamRule) error
	DeleteRules(ctx context.Context, ids []string) error
	Connect(ctx context.Context) (io.ReadCloser, error)
}

type TwitterStreamOptions struct {
	API      StreamAPI
	Accounts repository.SocialAccountRepository
	Tasks    repository.TaskRepository
	Relay    TaskDispatcher
	Backoff  retry.Backoff
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Relay
}

// TwitterStream keeps the filtered stream connected and its rules in line
// with the active tasks.
type TwitterStream struct {
	api      StreamAPI
	accounts repository.SocialAccountRepository
	tasks    repository.TaskRepository
	relay    TaskDispatcher
	backoff  retry.Backoff
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Relay

	syncMu sync.Mutex

	mu      sync.Mutex
	state   string
	since   time.Time
	lastErr string
	running bool
}

func NewTwitterStream(opts TwitterStreamOptions) *TwitterStream {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Backoff.Min == 0 {
		opts.Backoff = retry.Backoff{Min: 5 * time.Second, Max: 15 * time.Minute, RateLimitMin: time.Minute, StableAfter: time.Minute}
	}
	return &TwitterStream{
		api:      opts.API,
		accounts: opts.Accounts,
		tasks:    opts.Tasks,
		relay:    opts.Relay,
		backoff:  opts.Backoff,
		clock:    opts.Clock,
		logger:   opts.Logger.With("listener", "twitter"),
		metrics:  opts.Metrics,
		state:    StateStopped,
		since:    opts.Clock.Now(),
	}
}

// Start runs the stream in the background until the subscription is
// stopped.
func (s *TwitterStream) Start(ctx context.Context) (*Subscription, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, errors.New("twitter stream already running")
	}
	s.running = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(runCtx)
	}()

	return newSubscription(func(ctx context.Context) error {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return nil
	}), nil
}

// Refresh re-syncs the rules; the connection picks them up without a
// reconnect.
func (s *TwitterStream) Refresh(ctx context.Context) error {
	return s.SyncRules(ctx)
}

func (s *TwitterStream) run(ctx context.Context) {
	defer s.setState(StateStopped, nil)

	backoff := s.backoff
	synced := false
	for {
		var err error
		if !synced {
			s.setState(StateRuleSyncing, nil)
			if err = s.SyncRules(ctx); err == nil {
				synced = true
			}
		}

		if synced {
			s.setState(StateConnecting, nil)
			var body io.ReadCloser
			body, err = s.api.Connect(ctx)
			if err == nil {
				s.setState(StateStreaming, nil)
				s.logger.Info("stream connected")
				started := s.clock.Now()
				err = s.consume(ctx, body)
				body.Close()
				backoff.Connected(s.clock.Now().Sub(started))
			}
		}
		if ctx.Err() != nil {
			return
		}

		delay := backoff.Next(service.IsRateLimited(err))
		s.setState(StateBackoffWait, err)
		s.metrics.Reconnect(models.PlatformTwitter)
		s.logger.Warn("stream interrupted, backing off", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}
	}
}

// consume reads newline delimited events until the body ends.
func (s *TwitterStream) consume(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			// keep-alive heartbeat
			continue
		}
		var event transfer.StreamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			s.logger.Warn("malformed stream line", "error", err)
			continue
		}
		if event.Data == nil {
			for _, e := range event.Errors {
				s.logger.Warn("stream error event", "title", e.Title, "detail", e.Detail)
			}
			continue
		}
		s.handle(ctx, &event)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}

// handle dispatches one tweet per matched source account. The relay matches
// and executes in the background so the read loop only parses.
func (s *TwitterStream) handle(ctx context.Context, event *transfer.StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stream event handler panicked", "tweet_id", event.Data.ID, "panic", r)
		}
	}()

	byAccount := make(map[int64][]int64)
	var accounts []int64
	for _, rule := range event.MatchingRules {
		taskID, accountID, ok := ParseRuleTag(rule.Tag)
		if !ok {
			continue
		}
		if _, seen := byAccount[accountID]; !seen {
			accounts = append(accounts, accountID)
		}
		if !slices.Contains(byAccount[accountID], taskID) {
			byAccount[accountID] = append(byAccount[accountID], taskID)
		}
	}
	if len(accounts) == 0 {
		s.logger.Debug("tweet matched no relay rule", "tweet_id", event.Data.ID)
		return
	}

	for _, accountID := range accounts {
		content := TweetContent(event, accountID)
		content.ReceivedAt = s.clock.Now()
		if err := s.relay.DispatchTasks(ctx, content, byAccount[accountID]); err != nil {
			s.logger.Error("failed to dispatch tweet", "tweet_id", event.Data.ID, "account_id", accountID, "error", err)
		}
	}
}

// SyncRules replaces the stream rules with exactly one rule per active task
// and Twitter source account.
func (s *TwitterStream) SyncRules(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	accounts, err := s.accounts.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	tasks, err := s.tasks.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	desired := DesiredRules(accounts, tasks)

	current, err := s.api.Rules(ctx)
	if err != nil {
		return err
	}
	add, remove := DiffRules(current, desired)
	if err := s.api.DeleteRules(ctx, remove); err != nil {
		return err
	}
	if err := s.api.AddRules(ctx, add); err != nil {
		return err
	}
	s.logger.Info("stream rules synced", "rules", len(desired), "added", len(add), "deleted", len(remove))
	return nil
}

func (s *TwitterStream) setState(state string, err error) {
	s.mu.Lock()
	if s.state != state {
		s.since = s.clock.Now()
	}
	s.state = state
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()
	s.metrics.ListenerStates(models.PlatformTwitter, map[string]int{
		StateStopped:     boolCount(state == StateStopped),
		StateRuleSyncing: boolCount(state == StateRuleSyncing),
		StateConnecting:  boolCount(state == StateConnecting),
		StateStreaming:   boolCount(state == StateStreaming),
		StateBackoffWait: boolCount(state == StateBackoffWait),
	})
}

// StreamStatus describes the stream connection.
type StreamStatus struct {
	State     string    `json:"state"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
}

func (s *TwitterStream) Status() StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamStatus{State: s.state, Since: s.since, LastError: s.lastErr}
}

func boolCount(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RuleTag identifies the task and source account a rule was created for.
func RuleTag(taskID, accountID int64) string {
	return fmt.Sprintf("task:%d:account:%d", taskID, accountID)
}

func ParseRuleTag(tag string) (taskID, accountID int64, ok bool) {
	rest, ok := strings.CutPrefix(tag, "task:")
	if !ok {
		return 0, 0, false
	}
	taskPart, accountPart, ok := strings.Cut(rest, ":account:")
	if !ok {
		return 0, 0, false
	}
	taskID, err := strconv.ParseInt(taskPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	accountID, err = strconv.ParseInt(accountPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return taskID, accountID, true
}

// DesiredRules builds one rule per (active task, live Twitter source). A
// task username filter takes precedence over the account handle. Exclusions
// are waived when the trigger asks for that kind of tweet.
func DesiredRules(accounts []*models.SocialAccount, tasks []*models.AutomationTask) []transfer.StreamRule {
	byID := make(map[int64]*models.SocialAccount, len(accounts))
	for _, acc := range accounts {
		if acc.Platform == models.PlatformTwitter && acc.Live() {
			byID[acc.ID] = acc
		}
	}

	var rules []transfer.StreamRule
	for _, task := range tasks {
		if task.Status != models.TaskStatusActive {
			continue
		}
		for _, id := range task.SourceAccounts {
			acc, ok := byID[id]
			if !ok {
				continue
			}
			username := strings.TrimPrefix(strings.TrimSpace(task.Filters.UsernameFilter), "@")
			if username == "" {
				username = twitterUsername(acc)
			}
			if username == "" {
				continue
			}
			rules = append(rules, transfer.StreamRule{
				Value: ruleValue(username, task.Filters),
				Tag:   RuleTag(task.ID, acc.ID),
			})
		}
	}
	slices.SortFunc(rules, func(a, b transfer.StreamRule) int { return strings.Compare(a.Tag, b.Tag) })
	return rules
}

func twitterUsername(acc *models.SocialAccount) string {
	if acc.Credentials.Twitter != nil && acc.Credentials.Twitter.Username != "" {
		return acc.Credentials.Twitter.Username
	}
	return strings.TrimPrefix(acc.AccountUsername, "@")
}

func ruleValue(username string, f models.TaskFilters) string {
	parts := []string{"from:" + username}
	if f.ExcludeReplies && f.TriggerType != models.TriggerOnReply {
		parts = append(parts, "-is:reply")
	}
	if f.ExcludeRetweets && f.TriggerType != models.TriggerOnRetweet {
		parts = append(parts, "-is:retweet")
	}
	if f.ExcludeQuotes && f.TriggerType != models.TriggerOnQuote {
		parts = append(parts, "-is:quote")
	}
	return strings.Join(parts, " ")
}

// DiffRules returns the rules to add and the rule ids to delete so that the
// stream ends up with exactly desired. Rules are compared by tag and value.
func DiffRules(current, desired []transfer.StreamRule) (add []transfer.StreamRule, remove []string) {
	want := make(map[string]string, len(desired))
	for _, r := range desired {
		want[r.Tag] = r.Value
	}

	kept := make(map[string]bool, len(current))
	for _, r := range current {
		value, ok := want[r.Tag]
		if ok && value == r.Value && !kept[r.Tag] {
			kept[r.Tag] = true
			continue
		}
		remove = append(remove, r.ID)
	}
	for _, r := range desired {
		if !kept[r.Tag] {
			add = append(add, r)
		}
	}
	return add, remove
}

// TweetContent normalizes a stream event for one source account.
func TweetContent(event *transfer.StreamEvent, accountID int64) *models.IncomingContent {
	tweet := event.Data
	content := &models.IncomingContent{
		SourceAccountID: accountID,
		SourcePlatform:  models.PlatformTwitter,
		AuthorID:        tweet.AuthorID,
		MessageID:       tweet.ID,
		Fingerprint:     tweet.ID,
		Text:            tweet.Text,
		IsReply:         tweet.InReplyToUserID != "",
	}
	for _, ref := range tweet.ReferencedTweets {
		switch ref.Type {
		case "retweeted":
			content.IsRetweet = true
		case "quoted":
			content.IsQuote = true
		case "replied_to":
			content.IsReply = true
		}
	}
	for _, u := range event.Includes.Users {
		if u.ID == tweet.AuthorID {
			content.AuthorUsername = u.Username
			break
		}
	}
	if content.AuthorUsername != "" {
		content.URL = fmt.Sprintf("https://x.com/%s/status/%s", content.AuthorUsername, tweet.ID)
	} else {
		content.URL = "https://x.com/i/web/status/" + tweet.ID
	}

	if tweet.Attachments == nil {
		return content
	}
	for _, key := range tweet.Attachments.MediaKeys {
		idx := slices.IndexFunc(event.Includes.Media, func(m transfer.StreamMedia) bool { return m.MediaKey == key })
		if idx < 0 {
			continue
		}
		if item, ok := tweetMedia(event.Includes.Media[idx]); ok {
			content.Media = append(content.Media, item)
		}
	}
	return content
}

func tweetMedia(m transfer.StreamMedia) (models.MediaItem, bool) {
	item := models.MediaItem{CacheKey: "twitter:media:" + m.MediaKey}
	switch m.Type {
	case "photo":
		item.Kind = models.MediaKindPhoto
		item.Locator.URL = m.URL
	case "video", "animated_gif":
		item.Kind = models.MediaKindVideo
		if m.Type == "animated_gif" {
			item.Kind = models.MediaKindAnimation
		}
		best := -1
		for _, v := range m.Variants {
			if v.ContentType != "video/mp4" {
				continue
			}
			if v.BitRate > best {
				best = v.BitRate
				item.Locator.URL = v.URL
				item.MimeType = v.ContentType
			}
		}
	default:
		return item, false
	}
	return item, item.Locator.URL != ""
}
