package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maheshrc27/relayflow/internal/media"
	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/queue"
	"github.com/maheshrc27/relayflow/internal/repository/repositorytest"
	"github.com/maheshrc27/relayflow/internal/service"
)

var jpegBytes = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePlatforms hands out publishers that record posts per target account.
type fakePlatforms struct {
	mu        sync.Mutex
	posts     map[int64][]service.Post
	tokens    map[int64][]string
	publish   func(acc *models.SocialAccount, post service.Post) (*service.PublishResult, error)
	refresh   func(acc *models.SocialAccount) (*models.SocialAccount, error)
	refreshes int
}

func newFakePlatforms() *fakePlatforms {
	return &fakePlatforms{
		posts:  make(map[int64][]service.Post),
		tokens: make(map[int64][]string),
	}
}

func (f *fakePlatforms) Publisher(acc *models.SocialAccount) (service.Publisher, error) {
	return &accountPublisher{platforms: f, acc: acc}, nil
}

func (f *fakePlatforms) RefreshAccount(ctx context.Context, acc *models.SocialAccount) (*models.SocialAccount, error) {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()
	return f.refresh(acc)
}

func (f *fakePlatforms) CanRefresh(platform string) bool {
	return f.refresh != nil && platform != models.PlatformTelegram && platform != models.PlatformFacebook
}

func (f *fakePlatforms) postsFor(id int64) []service.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]service.Post(nil), f.posts[id]...)
}

func (f *fakePlatforms) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type accountPublisher struct {
	platforms *fakePlatforms
	acc       *models.SocialAccount
}

func (p *accountPublisher) Platform() string { return p.acc.Platform }

func (p *accountPublisher) Limits() service.Limits {
	limits, _ := service.LimitsFor(p.acc.Platform)
	return limits
}

func (p *accountPublisher) Publish(ctx context.Context, post service.Post) (*service.PublishResult, error) {
	f := p.platforms
	f.mu.Lock()
	f.posts[p.acc.ID] = append(f.posts[p.acc.ID], post)
	f.tokens[p.acc.ID] = append(f.tokens[p.acc.ID], p.acc.AccessToken)
	publish := f.publish
	f.mu.Unlock()
	if publish != nil {
		return publish(p.acc, post)
	}
	return &service.PublishResult{ID: "post-1"}, nil
}

// countingDownloader serves the same bytes for every item.
type countingDownloader struct {
	calls atomic.Int32
	body  []byte
}

func (d *countingDownloader) Download(ctx context.Context, item models.MediaItem, w io.Writer, partSize int) (int64, error) {
	d.calls.Add(1)
	n, err := w.Write(d.body)
	return int64(n), err
}

type fixture struct {
	store      *repositorytest.Store
	platforms  *fakePlatforms
	supervisor *Supervisor
	downloads  *countingDownloader
	mediaDir   string
	queue      *queue.ExecutionQueue
	relay      *Relay
}

func newFixture(t *testing.T, platforms service.PlatformService) *fixture {
	t.Helper()
	store := repositorytest.NewStore()
	downloads := &countingDownloader{body: jpegBytes}
	dir := t.TempDir()

	fetcher := media.NewFetcher(media.Options{
		Dir:           dir,
		MaxConcurrent: 2,
		Telegram:      downloads,
		Logger:        discardLogger(),
	})
	supervisor := NewSupervisor(store, platforms, discardLogger())
	executor := NewExecutor(ExecutorOptions{
		Tasks:      store.Tasks(),
		Executions: store,
		Publisher:  supervisor,
		Logger:     discardLogger(),
	})
	q := queue.NewExecutionQueue(queue.Options{Concurrency: 4, DedupeTTL: time.Minute, Logger: discardLogger()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.Close(ctx)
	})

	fx := &fixture{
		store:      store,
		supervisor: supervisor,
		downloads:  downloads,
		mediaDir:   dir,
		queue:      q,
		relay: New(Options{
			Accounts: store,
			Tasks:    store.Tasks(),
			Queue:    q,
			Fetcher:  fetcher,
			Executor: executor,
			Logger:   discardLogger(),
		}),
	}
	if fp, ok := platforms.(*fakePlatforms); ok {
		fx.platforms = fp
	}
	return fx
}

func telegramSource(id int64) *models.SocialAccount {
	return &models.SocialAccount{
		ID:          id,
		UserID:      1,
		Platform:    models.PlatformTelegram,
		AccountID:   "tg-user",
		IsActive:    true,
		Credentials: models.Credentials{Telegram: &models.TelegramCredentials{Mode: models.TelegramModeUser, SessionString: "session"}},
	}
}

func twitterAccount(id int64, token string) *models.SocialAccount {
	return &models.SocialAccount{
		ID:           id,
		UserID:       1,
		Platform:     models.PlatformTwitter,
		AccountID:    "tw",
		AccessToken:  token,
		RefreshToken: "refresh-1",
		IsActive:     true,
		Credentials:  models.Credentials{Twitter: &models.TwitterCredentials{Username: "relayer"}},
	}
}

func telegramBot(id int64, chatID string) *models.SocialAccount {
	return &models.SocialAccount{
		ID:          id,
		UserID:      1,
		Platform:    models.PlatformTelegram,
		AccessToken: "BOT",
		IsActive:    true,
		Credentials: models.Credentials{Telegram: &models.TelegramCredentials{Mode: models.TelegramModeBot, ChatIDs: []string{chatID}}},
	}
}

func activeTask(id int64, sources, targets []int64) *models.AutomationTask {
	return &models.AutomationTask{
		ID:             id,
		UserID:         1,
		Name:           "relay",
		SourceAccounts: sources,
		TargetAccounts: targets,
		Status:         models.TaskStatusActive,
	}
}

func telegramEvent(accountID int64, messageID, text string, items ...models.MediaItem) *models.IncomingContent {
	return &models.IncomingContent{
		SourceAccountID: accountID,
		SourcePlatform:  models.PlatformTelegram,
		ChatID:          "-100777",
		MessageID:       messageID,
		Fingerprint:     "-100777:" + messageID,
		Text:            text,
		Media:           items,
		ReceivedAt:      time.Now(),
	}
}

func telegramPhoto(id int64) models.MediaItem {
	return models.MediaItem{
		Kind:     models.MediaKindPhoto,
		MimeType: "image/jpeg",
		Size:     int64(len(jpegBytes)),
		CacheKey: fmt.Sprintf("telegram:photo:%d", id),
		Locator:  models.MediaLocator{Telegram: &models.TelegramLocation{AccountID: 1, Kind: "photo", ID: id}},
	}
}
