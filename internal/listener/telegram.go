package listener

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"

	"github.com/maheshrc27/relayflow/internal/metrics"
	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/repository"
	"github.com/maheshrc27/relayflow/internal/retry"
)

// TelegramMessage is a new message seen by a user session.
type TelegramMessage struct {
	ChatID         string
	ChatUsername   string
	MessageID      int64
	GroupedID      int64
	AuthorID       string
	AuthorUsername string
	Text           string
	Media          []models.MediaItem
	IsReply        bool
	IsForward      bool
	Date           time.Time
}

// TelegramSession is one authorized MTProto connection.
type TelegramSession interface {
	// Run connects and delivers new messages to handle until ctx is done or
	// the connection fails.
	Run(ctx context.Context, handle func(TelegramMessage)) error
	// Ping issues a cheap authorized request.
	Ping(ctx context.Context) error
}

// TelegramDialer builds sessions from stored account credentials.
type TelegramDialer interface {
	Dial(ctx context.Context, account *models.SocialAccount) (TelegramSession, error)
}

type TelegramOptions struct {
	Dialer    TelegramDialer
	Accounts  repository.SocialAccountRepository
	Tasks     repository.TaskRepository
	Processed repository.ProcessedMessageRepository
	Relay     Dispatcher
	Reauth    ReauthHandler
	// Retries is the number of consecutive failed connections after which a
	// session stays disconnected until the next Refresh.
	Retries           int
	Reconnect         retry.Backoff
	KeepaliveInterval time.Duration
	AlbumWindow       time.Duration
	Clock             clock.Clock
	Logger            *slog.Logger
	Metrics           *metrics.Relay
}

// TelegramListener keeps one session running per Telegram user account that
// is a source of an active task.
type TelegramListener struct {
	dialer    TelegramDialer
	accounts  repository.SocialAccountRepository
	tasks     repository.TaskRepository
	processed repository.ProcessedMessageRepository
	relay     Dispatcher
	reauth    ReauthHandler
	retries   int
	reconnect retry.Backoff
	keepalive time.Duration
	album     time.Duration
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Relay

	refreshes singleflight.Group

	mu       sync.Mutex
	closed   bool
	runtimes map[int64]*telegramRuntime
	// wg tracks work that outlives a runtime, such as reauth handling.
	wg sync.WaitGroup
}

func NewTelegramListener(opts TelegramOptions) *TelegramListener {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reconnect.Min == 0 {
		opts.Reconnect = retry.Backoff{Min: 2 * time.Second, Max: 2 * time.Minute, StableAfter: time.Minute}
	}
	if opts.AlbumWindow <= 0 {
		opts.AlbumWindow = 800 * time.Millisecond
	}
	return &TelegramListener{
		dialer:    opts.Dialer,
		accounts:  opts.Accounts,
		tasks:     opts.Tasks,
		processed: opts.Processed,
		relay:     opts.Relay,
		reauth:    opts.Reauth,
		retries:   opts.Retries,
		reconnect: opts.Reconnect,
		keepalive: opts.KeepaliveInterval,
		album:     opts.AlbumWindow,
		clock:     opts.Clock,
		logger:    opts.Logger.With("listener", "telegram"),
		metrics:   opts.Metrics,
		runtimes:  make(map[int64]*telegramRuntime),
	}
}

// Start brings the sessions in line with the store and returns the handle
// that stops them.
func (l *TelegramListener) Start(ctx context.Context) (*Subscription, error) {
	if err := l.Refresh(ctx); err != nil {
		return nil, err
	}
	return newSubscription(l.stop), nil
}

// Refresh reconciles running sessions with the active tasks. Concurrent
// callers share the refresh already in progress.
func (l *TelegramListener) Refresh(ctx context.Context) error {
	_, err, _ := l.refreshes.Do("refresh", func() (any, error) {
		return nil, l.refresh(ctx)
	})
	return err
}

// TelegramSessionSpec is what one account session should listen to.
type TelegramSessionSpec struct {
	Account *models.SocialAccount
	// Chats is nil when at least one task relays every chat.
	Chats       []string
	Fingerprint string
}

// DesiredTelegramSessions derives the sessions that active tasks need.
func DesiredTelegramSessions(accounts []*models.SocialAccount, tasks []*models.AutomationTask) map[int64]TelegramSessionSpec {
	byID := make(map[int64]*models.SocialAccount, len(accounts))
	for _, acc := range accounts {
		if acc.Platform != models.PlatformTelegram || !acc.Live() {
			continue
		}
		creds := acc.Credentials.Telegram
		if creds == nil || creds.Mode != models.TelegramModeUser || creds.SessionString == "" {
			continue
		}
		byID[acc.ID] = acc
	}

	chats := make(map[int64][]string)
	allChats := make(map[int64]bool)
	for _, task := range tasks {
		if task.Status != models.TaskStatusActive {
			continue
		}
		for _, id := range task.SourceAccounts {
			if _, ok := byID[id]; !ok {
				continue
			}
			if len(task.Filters.SourceChatIDs) == 0 {
				allChats[id] = true
			}
			if _, ok := chats[id]; !ok {
				chats[id] = []string{}
			}
			chats[id] = append(chats[id], task.Filters.SourceChatIDs...)
		}
	}

	out := make(map[int64]TelegramSessionSpec, len(chats))
	for id, list := range chats {
		spec := TelegramSessionSpec{Account: byID[id]}
		if !allChats[id] {
			slices.Sort(list)
			spec.Chats = slices.Compact(list)
		}
		spec.Fingerprint = sessionFingerprint(spec)
		out[id] = spec
	}
	return out
}

func sessionFingerprint(spec TelegramSessionSpec) string {
	h := sha256.New()
	h.Write([]byte(spec.Account.Credentials.Telegram.SessionString))
	h.Write([]byte{0})
	if spec.Chats == nil {
		h.Write([]byte("*"))
	}
	h.Write([]byte(strings.Join(spec.Chats, ",")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (l *TelegramListener) refresh(ctx context.Context) error {
	accounts, err := l.accounts.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	tasks, err := l.tasks.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	desired := DesiredTelegramSessions(accounts, tasks)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrStopped
	}
	var stale []*telegramRuntime
	for id, rt := range l.runtimes {
		spec, ok := desired[id]
		if ok && spec.Fingerprint == rt.spec.Fingerprint && rt.alive() {
			continue
		}
		delete(l.runtimes, id)
		stale = append(stale, rt)
	}
	l.mu.Unlock()

	// old sessions must be gone before a new one reuses the auth key
	for _, rt := range stale {
		rt.stop()
		l.logger.Info("session stopped", "account_id", rt.spec.Account.ID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrStopped
	}
	started := 0
	for id, spec := range desired {
		if _, ok := l.runtimes[id]; ok {
			continue
		}
		rt := newTelegramRuntime(l, spec)
		l.runtimes[id] = rt
		rt.start()
		started++
	}
	l.logger.Info("telegram listeners refreshed", "desired", len(desired), "started", started, "stopped", len(stale))
	l.publishStatesLocked()
	return nil
}

// Teardown stops the session of accountID, if any.
func (l *TelegramListener) Teardown(ctx context.Context, accountID int64) error {
	l.mu.Lock()
	rt, ok := l.runtimes[accountID]
	delete(l.runtimes, accountID)
	l.publishStatesLocked()
	l.mu.Unlock()
	if !ok {
		return nil
	}

	done := make(chan struct{})
	go func() {
		rt.stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *TelegramListener) stop(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	runtimes := make([]*telegramRuntime, 0, len(l.runtimes))
	for _, rt := range l.runtimes {
		runtimes = append(runtimes, rt)
	}
	l.runtimes = make(map[int64]*telegramRuntime)
	l.publishStatesLocked()
	l.mu.Unlock()

	var wg sync.WaitGroup
	for _, rt := range runtimes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.stop()
		}()
	}
	if err := waitGroup(ctx, &wg); err != nil {
		return err
	}
	return waitGroup(ctx, &l.wg)
}

// SessionStatus describes one account session.
type SessionStatus struct {
	AccountID int64     `json:"account_id"`
	State     string    `json:"state"`
	Chats     []string  `json:"chats,omitempty"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
}

func (l *TelegramListener) Sessions() []SessionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SessionStatus, 0, len(l.runtimes))
	for _, rt := range l.runtimes {
		out = append(out, rt.status())
	}
	slices.SortFunc(out, func(a, b SessionStatus) int { return cmp.Compare(a.AccountID, b.AccountID) })
	return out
}

// States counts sessions per state.
func (l *TelegramListener) States() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statesLocked()
}

func (l *TelegramListener) statesLocked() map[string]int {
	counts := map[string]int{
		StateDisconnected:   0,
		StateConnecting:     0,
		StateConnected:      0,
		StateReauthRequired: 0,
	}
	for _, rt := range l.runtimes {
		counts[rt.status().State]++
	}
	return counts
}

func (l *TelegramListener) publishStatesLocked() {
	l.metrics.ListenerStates(models.PlatformTelegram, l.statesLocked())
}

func (l *TelegramListener) publishStates() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publishStatesLocked()
}

// disableSource runs outside the runtime goroutine because DisableSource
// tears the runtime down and waits for it.
func (l *TelegramListener) disableSource(accountID int64, code string) {
	if l.reauth == nil {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := l.reauth.DisableSource(ctx, accountID, code); err != nil {
			l.logger.Error("failed to disable source account", "account_id", accountID, "reason", code, "error", err)
		}
	}()
}

// deliver dedupes msg against processed markers and hands it to the relay.
func (l *TelegramListener) deliver(ctx context.Context, content *models.IncomingContent, key models.ProcessedMessageKey) {
	logger := l.logger.With("account_id", content.SourceAccountID, "event", content.Fingerprint)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("telegram event handler panicked", "panic", r)
		}
	}()

	if l.processed != nil {
		isNew, err := l.processed.Register(ctx, key)
		switch {
		case err != nil:
			// the queue still dedupes within its window
			logger.Warn("failed to register processed message", "error", err)
		case !isNew:
			logger.Debug("message already processed")
			return
		}
	}
	if err := l.relay.Dispatch(ctx, content); err != nil {
		logger.Error("failed to dispatch telegram event", "error", err)
	}
}

func messageContent(accountID int64, msg TelegramMessage) *models.IncomingContent {
	id := strconv.FormatInt(msg.MessageID, 10)
	content := &models.IncomingContent{
		SourceAccountID: accountID,
		SourcePlatform:  models.PlatformTelegram,
		ChatID:          msg.ChatID,
		AuthorID:        msg.AuthorID,
		AuthorUsername:  msg.AuthorUsername,
		MessageID:       id,
		Text:            msg.Text,
		Media:           msg.Media,
		Fingerprint:     msg.ChatID + ":" + id,
		IsReply:         msg.IsReply,
		IsForward:       msg.IsForward,
		ReceivedAt:      msg.Date,
	}
	if msg.ChatUsername != "" {
		content.URL = fmt.Sprintf("https://t.me/%s/%d", msg.ChatUsername, msg.MessageID)
	}
	return content
}
