package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/repository/repositorytest"
	"github.com/maheshrc27/relayflow/internal/service"
)

func unauthorized() error {
	return &service.PlatformError{Platform: models.PlatformTwitter, StatusCode: http.StatusUnauthorized, Message: "token expired"}
}

func refreshTo(token string) func(acc *models.SocialAccount) (*models.SocialAccount, error) {
	return func(acc *models.SocialAccount) (*models.SocialAccount, error) {
		updated := *acc
		updated.AccessToken = token
		updated.RefreshToken = "refresh-2"
		updated.TokenExpiresAt = time.Now().Add(time.Hour)
		return &updated, nil
	}
}

func TestSupervisorRefreshesRejectedToken(t *testing.T) {
	store := repositorytest.NewStore()
	acc := twitterAccount(1, "expired")
	store.PutAccount(acc)

	platforms := newFakePlatforms()
	platforms.refresh = refreshTo("fresh")
	platforms.publish = func(acc *models.SocialAccount, post service.Post) (*service.PublishResult, error) {
		if acc.AccessToken != "fresh" {
			return nil, unauthorized()
		}
		return &service.PublishResult{ID: "tweet-1"}, nil
	}

	sup := NewSupervisor(store, platforms, discardLogger())
	res, err := sup.Publish(context.Background(), acc, service.Post{Text: "hi"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if res.ID != "tweet-1" {
		t.Errorf("result id = %q", res.ID)
	}
	if n := platforms.refreshCount(); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}

	stored := store.Account(1)
	if stored.AccessToken != "fresh" || stored.RefreshToken != "refresh-2" {
		t.Errorf("stored tokens = %q/%q, want fresh/refresh-2", stored.AccessToken, stored.RefreshToken)
	}
	if got := platforms.tokens[1]; len(got) != 2 || got[0] != "expired" || got[1] != "fresh" {
		t.Errorf("publish attempts used tokens %v", got)
	}
}

func TestSupervisorSurfacesSecondRejection(t *testing.T) {
	store := repositorytest.NewStore()
	acc := twitterAccount(1, "expired")
	store.PutAccount(acc)

	platforms := newFakePlatforms()
	platforms.refresh = refreshTo("still-bad")
	platforms.publish = func(*models.SocialAccount, service.Post) (*service.PublishResult, error) {
		return nil, unauthorized()
	}

	sup := NewSupervisor(store, platforms, discardLogger())
	_, err := sup.Publish(context.Background(), acc, service.Post{Text: "hi"})
	if !service.IsUnauthorized(err) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
	if n := platforms.refreshCount(); n != 1 {
		t.Errorf("refreshes = %d, want exactly 1", n)
	}
	if !store.Account(1).IsActive {
		t.Error("target account deactivated after rejected refresh")
	}
}

func TestSupervisorRefreshFailure(t *testing.T) {
	store := repositorytest.NewStore()
	acc := twitterAccount(1, "expired")
	store.PutAccount(acc)

	platforms := newFakePlatforms()
	platforms.refresh = func(*models.SocialAccount) (*models.SocialAccount, error) {
		return nil, errors.New("invalid_grant")
	}
	platforms.publish = func(*models.SocialAccount, service.Post) (*service.PublishResult, error) {
		return nil, unauthorized()
	}

	sup := NewSupervisor(store, platforms, discardLogger())
	_, err := sup.Publish(context.Background(), acc, service.Post{Text: "hi"})
	if !service.IsUnauthorized(err) {
		t.Fatalf("err = %v, want the original unauthorized error", err)
	}
	if store.Account(1).AccessToken != "expired" {
		t.Error("token changed although the refresh failed")
	}
}

func TestSupervisorNoRefreshForTelegram(t *testing.T) {
	store := repositorytest.NewStore()
	acc := telegramBot(1, "-100500")
	store.PutAccount(acc)

	platforms := newFakePlatforms()
	platforms.refresh = refreshTo("never")
	platforms.publish = func(*models.SocialAccount, service.Post) (*service.PublishResult, error) {
		return nil, &service.PlatformError{Platform: models.PlatformTelegram, StatusCode: http.StatusUnauthorized}
	}

	sup := NewSupervisor(store, platforms, discardLogger())
	if _, err := sup.Publish(context.Background(), acc, service.Post{Text: "hi"}); !service.IsUnauthorized(err) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
	if n := platforms.refreshCount(); n != 0 {
		t.Errorf("refreshes = %d, want 0", n)
	}
}

func TestSupervisorWaitsOutRateLimit(t *testing.T) {
	store := repositorytest.NewStore()
	acc := telegramBot(1, "-100500")
	store.PutAccount(acc)

	platforms := newFakePlatforms()
	var calls int
	platforms.publish = func(*models.SocialAccount, service.Post) (*service.PublishResult, error) {
		calls++
		if calls == 1 {
			return nil, &service.PlatformError{Platform: models.PlatformTelegram, StatusCode: http.StatusTooManyRequests, RetryAfter: 10 * time.Millisecond}
		}
		return &service.PublishResult{ID: "42"}, nil
	}

	sup := NewSupervisor(store, platforms, discardLogger())
	res, err := sup.Publish(context.Background(), acc, service.Post{Text: "hi"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if res.ID != "42" || calls != 2 {
		t.Errorf("id = %q after %d calls", res.ID, calls)
	}
}

func TestSupervisorDoesNotRepeatPartialPublish(t *testing.T) {
	store := repositorytest.NewStore()
	acc := telegramBot(1, "-100500")
	store.PutAccount(acc)

	platforms := newFakePlatforms()
	var calls int
	platforms.publish = func(*models.SocialAccount, service.Post) (*service.PublishResult, error) {
		calls++
		limited := &service.PlatformError{Platform: models.PlatformTelegram, StatusCode: http.StatusTooManyRequests, RetryAfter: 10 * time.Millisecond}
		return &service.PublishResult{ID: "7"}, fmt.Errorf("chat -200: %w: %w", service.ErrPartialPublish, limited)
	}

	sup := NewSupervisor(store, platforms, discardLogger())
	_, err := sup.Publish(context.Background(), acc, service.Post{Text: "hi"})
	if !service.IsPartialPublish(err) || !service.IsRateLimited(err) {
		t.Fatalf("err = %v, want partial rate limit", err)
	}
	if calls != 1 {
		t.Errorf("publish ran %d times, want 1", calls)
	}
}

func TestSupervisorNoRefreshAfterPartialPublish(t *testing.T) {
	store := repositorytest.NewStore()
	acc := twitterAccount(1, "token-1")
	store.PutAccount(acc)

	platforms := newFakePlatforms()
	platforms.refresh = refreshTo("token-2")
	platforms.publish = func(*models.SocialAccount, service.Post) (*service.PublishResult, error) {
		return nil, fmt.Errorf("%w: %w", service.ErrPartialPublish, unauthorized())
	}

	sup := NewSupervisor(store, platforms, discardLogger())
	if _, err := sup.Publish(context.Background(), acc, service.Post{Text: "hi"}); !service.IsPartialPublish(err) {
		t.Fatalf("err = %v, want partial", err)
	}
	if n := platforms.refreshCount(); n != 0 {
		t.Errorf("refreshes = %d, want 0", n)
	}
	if n := len(platforms.postsFor(1)); n != 1 {
		t.Errorf("publish ran %d times, want 1", n)
	}
}

// botAPI answers Bot API sendMessage calls and counts them per chat.
type botAPI struct {
	mu      sync.Mutex
	perChat map[string]int
	// limit returns the retry_after for a request, or -1 to accept it
	limit func(chatID string, attempt int) int
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChatID string `json:"chat_id"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	b.perChat[body.ChatID]++
	attempt := b.perChat[body.ChatID]
	b.mu.Unlock()

	if secs := b.limit(body.ChatID, attempt); secs >= 0 {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintf(w, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":%d}}`, secs)
		return
	}
	io.WriteString(w, `{"ok":true,"result":{"message_id":7,"chat":{"id":1}}}`)
}

func (b *botAPI) requests(chatID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perChat[chatID]
}

// botPlatforms publishes every account through one Bot API client.
type botPlatforms struct {
	bot *service.TelegramBotClient
}

func (p botPlatforms) Publisher(*models.SocialAccount) (service.Publisher, error) { return p.bot, nil }

func (p botPlatforms) RefreshAccount(context.Context, *models.SocialAccount) (*models.SocialAccount, error) {
	return nil, service.ErrNoRefresher
}

func (p botPlatforms) CanRefresh(string) bool { return false }

func newBotSupervisor(t *testing.T, api *botAPI) (*Supervisor, *models.SocialAccount) {
	t.Helper()
	api.perChat = make(map[string]int)
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	store := repositorytest.NewStore()
	acc := telegramBot(1, "-100")
	store.PutAccount(acc)
	bot := service.NewTelegramBotClient(srv.Client(), srv.URL, "TOKEN", []string{"-100", "-200"}, nil, discardLogger())
	return NewSupervisor(store, botPlatforms{bot: bot}, discardLogger()), acc
}

func TestSupervisorRateLimitedSecondChatSendsFirstOnce(t *testing.T) {
	api := &botAPI{limit: func(chatID string, attempt int) int {
		if chatID == "-200" && attempt == 1 {
			return 0
		}
		return -1
	}}
	sup, acc := newBotSupervisor(t, api)

	if _, err := sup.Publish(context.Background(), acc, service.Post{Text: "hello"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n := api.requests("-100"); n != 1 {
		t.Errorf("chat -100 received %d messages, want 1", n)
	}
	if n := api.requests("-200"); n != 2 {
		t.Errorf("chat -200 got %d requests, want 2", n)
	}
}

func TestSupervisorLongFloodWaitOnSecondChat(t *testing.T) {
	api := &botAPI{limit: func(chatID string, attempt int) int {
		if chatID == "-200" {
			return 60
		}
		return -1
	}}
	sup, acc := newBotSupervisor(t, api)

	start := time.Now()
	_, err := sup.Publish(context.Background(), acc, service.Post{Text: "hello"})
	if !service.IsPartialPublish(err) || !service.IsRateLimited(err) {
		t.Fatalf("err = %v, want partial rate limit", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("supervisor waited out a partial publish")
	}
	if n := api.requests("-100"); n != 1 {
		t.Errorf("chat -100 received %d messages, want 1", n)
	}
	if n := api.requests("-200"); n != 1 {
		t.Errorf("chat -200 got %d requests, want 1", n)
	}
}

type recordingTeardown struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingTeardown) Teardown(ctx context.Context, accountID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, accountID)
	return nil
}

func TestSupervisorDisableSource(t *testing.T) {
	store := repositorytest.NewStore()
	store.PutAccount(telegramSource(1))
	store.PutAccount(telegramSource(2))

	sup := NewSupervisor(store, newFakePlatforms(), discardLogger())
	td := &recordingTeardown{}
	sup.RegisterTeardown(td)

	if err := sup.DisableSource(context.Background(), 1, "AUTH_KEY_UNREGISTERED"); err != nil {
		t.Fatalf("DisableSource() error = %v", err)
	}

	flagged := store.Account(1)
	if flagged.IsActive || !flagged.Credentials.Reauth.Required {
		t.Errorf("account 1 not flagged: active=%v reauth=%v", flagged.IsActive, flagged.Credentials.Reauth.Required)
	}
	if flagged.Credentials.Reauth.Reason != "AUTH_KEY_UNREGISTERED" || flagged.Credentials.Reauth.FlaggedAt == nil {
		t.Errorf("reauth state = %+v", flagged.Credentials.Reauth)
	}
	if other := store.Account(2); !other.Live() {
		t.Error("account 2 was affected")
	}
	if len(td.ids) != 1 || td.ids[0] != 1 {
		t.Errorf("teardowns = %v, want [1]", td.ids)
	}
}
