package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"

	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/relay"
	"github.com/maheshrc27/relayflow/internal/repository/repositorytest"
	"github.com/maheshrc27/relayflow/internal/retry"
)

type telegramFixture struct {
	store    *repositorytest.Store
	dialer   *fakeDialer
	relay    *recordingRelay
	clock    *testclock.Clock
	listener *TelegramListener
}

func newTelegramFixture(t *testing.T, opts TelegramOptions) *telegramFixture {
	t.Helper()
	fx := &telegramFixture{
		store:  repositorytest.NewStore(),
		dialer: newFakeDialer(),
		relay:  newRecordingRelay(),
		clock:  testclock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	opts.Dialer = fx.dialer
	opts.Accounts = fx.store
	opts.Tasks = fx.store.Tasks()
	opts.Processed = fx.store
	opts.Relay = fx.relay
	opts.Clock = fx.clock
	opts.Logger = discardLogger()
	fx.listener = NewTelegramListener(opts)
	return fx
}

func (fx *telegramFixture) start(t *testing.T) *Subscription {
	t.Helper()
	sub, err := fx.listener.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return sub
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func runtimeAlive(l *TelegramListener, id int64) bool {
	l.mu.Lock()
	rt := l.runtimes[id]
	l.mu.Unlock()
	return rt != nil && rt.alive()
}

func sessionState(l *TelegramListener, id int64) string {
	for _, s := range l.Sessions() {
		if s.AccountID == id {
			return s.State
		}
	}
	return ""
}

func TestDesiredTelegramSessions(t *testing.T) {
	bot := userAccount(3, "")
	bot.Credentials.Telegram.Mode = models.TelegramModeBot
	flagged := userAccount(4, "s4")
	flagged.Credentials.Reauth.Required = true

	accounts := []*models.SocialAccount{userAccount(1, "s1"), userAccount(2, "s2"), bot, flagged, userAccount(5, "s5")}
	paused := sourceTask(13, []int64{5})
	paused.Status = models.TaskStatusPaused
	tasks := []*models.AutomationTask{
		sourceTask(10, []int64{1}, "-1002", "-1001"),
		sourceTask(11, []int64{1, 3, 4}, "-1001"),
		sourceTask(12, []int64{2}),
		paused,
	}

	got := DesiredTelegramSessions(accounts, tasks)
	if len(got) != 2 {
		t.Fatalf("DesiredTelegramSessions() = %d sessions, want 2", len(got))
	}
	if chats := got[1].Chats; len(chats) != 2 || chats[0] != "-1001" || chats[1] != "-1002" {
		t.Errorf("account 1 chats = %v, want [-1001 -1002]", chats)
	}
	if got[2].Chats != nil {
		t.Errorf("account 2 chats = %v, want all chats", got[2].Chats)
	}
	if got[1].Fingerprint == got[2].Fingerprint {
		t.Error("sessions with different chats share a fingerprint")
	}
}

func TestTelegramRefreshReconcilesSessions(t *testing.T) {
	defer goleak.VerifyNone(t)

	fx := newTelegramFixture(t, TelegramOptions{})
	fx.store.PutAccount(userAccount(1, "s1"))
	fx.store.PutAccount(userAccount(2, "s2"))
	fx.store.PutTask(sourceTask(10, []int64{1}, "-1001"))

	sub := fx.start(t)
	defer stopSubscription(t, sub)
	fx.dialer.waitConnected(t, 1, 1)

	if n := fx.dialer.dialCount(2); n != 0 {
		t.Errorf("account without tasks dialed %d times", n)
	}

	// unchanged desired state keeps the running session
	if err := fx.listener.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if n := fx.dialer.dialCount(1); n != 1 {
		t.Errorf("dials after no-op refresh = %d, want 1", n)
	}

	// a new chat set restarts the session, a new source starts one
	fx.store.PutTask(sourceTask(10, []int64{1}, "-1001", "-1003"))
	fx.store.PutTask(sourceTask(11, []int64{2}))
	if err := fx.listener.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	fx.dialer.waitConnected(t, 1, 2)
	fx.dialer.waitConnected(t, 2, 1)
	if n := fx.dialer.dialCount(1); n != 2 {
		t.Errorf("dials after chat change = %d, want 2", n)
	}

	// removing the task stops the session
	paused := sourceTask(11, []int64{2})
	paused.Status = models.TaskStatusPaused
	fx.store.PutTask(paused)
	if err := fx.listener.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	sessions := fx.listener.Sessions()
	if len(sessions) != 1 || sessions[0].AccountID != 1 {
		t.Errorf("Sessions() = %+v, want only account 1", sessions)
	}
}

func TestTelegramConcurrentRefresh(t *testing.T) {
	defer goleak.VerifyNone(t)

	fx := newTelegramFixture(t, TelegramOptions{})
	fx.store.PutAccount(userAccount(1, "s1"))
	fx.store.PutTask(sourceTask(10, []int64{1}))
	sub := fx.start(t)
	defer stopSubscription(t, sub)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fx.listener.Refresh(context.Background()); err != nil {
				t.Errorf("Refresh() error = %v", err)
			}
		}()
	}
	wg.Wait()

	fx.dialer.waitConnected(t, 1, 1)
	if n := fx.dialer.dialCount(1); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestTelegramDeliversNewMessagesOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	fx := newTelegramFixture(t, TelegramOptions{})
	fx.store.PutAccount(userAccount(1, "s1"))
	fx.store.PutTask(sourceTask(10, []int64{1}, "-100555"))
	sub := fx.start(t)
	defer stopSubscription(t, sub)
	fx.dialer.waitConnected(t, 1, 1)

	sess := fx.dialer.session(1)
	msg := TelegramMessage{ChatID: "-100555", ChatUsername: "newsroom", MessageID: 20, Text: "hello"}
	sess.send(msg)
	sess.send(msg)
	sess.send(TelegramMessage{ChatID: "-100999", MessageID: 21, Text: "other chat"})

	got := fx.relay.next(t).event
	if got.Fingerprint != "-100555:20" || got.Text != "hello" {
		t.Errorf("event = %+v", got)
	}
	if got.URL != "https://t.me/newsroom/20" {
		t.Errorf("URL = %q", got.URL)
	}
	if got.SourceAccountID != 1 || got.SourcePlatform != models.PlatformTelegram {
		t.Errorf("source = %d/%s", got.SourceAccountID, got.SourcePlatform)
	}
	fx.relay.none(t)
}

func TestTelegramAlbumEmittedOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	fx := newTelegramFixture(t, TelegramOptions{})
	fx.store.PutAccount(userAccount(1, "s1"))
	fx.store.PutTask(sourceTask(10, []int64{1}))
	sub := fx.start(t)
	defer stopSubscription(t, sub)
	fx.dialer.waitConnected(t, 1, 1)

	item := func(kind, key string) []models.MediaItem {
		return []models.MediaItem{{Kind: kind, CacheKey: key}}
	}
	sess := fx.dialer.session(1)
	sess.send(TelegramMessage{ChatID: "-100555", MessageID: 12, GroupedID: 99, Media: item(models.MediaKindVideo, "b")})
	sess.send(TelegramMessage{ChatID: "-100555", MessageID: 11, GroupedID: 99, Text: "caption", Media: item(models.MediaKindPhoto, "a")})
	sess.send(TelegramMessage{ChatID: "-100555", MessageID: 13, GroupedID: 99, Media: item(models.MediaKindPhoto, "c")})
	fx.relay.none(t)

	if err := fx.clock.WaitAdvance(800*time.Millisecond, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	got := fx.relay.next(t).event
	if got.MessageID != "g99" || got.Fingerprint != "-100555:g99" {
		t.Errorf("album identity = %s/%s", got.MessageID, got.Fingerprint)
	}
	if got.Text != "caption" {
		t.Errorf("Text = %q, want caption", got.Text)
	}
	var keys string
	for _, m := range got.Media {
		keys += m.CacheKey
	}
	if keys != "abc" {
		t.Errorf("media order = %q, want abc", keys)
	}

	// a late part of the same album is already processed
	sess.send(TelegramMessage{ChatID: "-100555", MessageID: 14, GroupedID: 99, Media: item(models.MediaKindPhoto, "d")})
	if err := fx.clock.WaitAdvance(800*time.Millisecond, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	fx.relay.none(t)
}

func TestTelegramStopDropsPendingAlbums(t *testing.T) {
	defer goleak.VerifyNone(t)

	fx := newTelegramFixture(t, TelegramOptions{})
	fx.store.PutAccount(userAccount(1, "s1"))
	fx.store.PutTask(sourceTask(10, []int64{1}))
	sub := fx.start(t)
	fx.dialer.waitConnected(t, 1, 1)

	fx.dialer.session(1).send(TelegramMessage{ChatID: "-100555", MessageID: 11, GroupedID: 7})
	stopSubscription(t, sub)

	fx.clock.Advance(time.Second)
	fx.relay.none(t)
	if _, err := fx.listener.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() after stop error = %v, want ErrStopped", err)
	}
}

func TestTelegramRevokedSessionDisablesOnlyThatAccount(t *testing.T) {
	defer goleak.VerifyNone(t)

	fx := newTelegramFixture(t, TelegramOptions{KeepaliveInterval: 30 * time.Second})
	supervisor := relay.NewSupervisor(fx.store, nil, discardLogger())
	supervisor.RegisterTeardown(fx.listener)
	fx.listener.reauth = supervisor

	fx.store.PutAccount(userAccount(1, "s1"))
	fx.store.PutAccount(userAccount(2, "s2"))
	fx.store.PutTask(sourceTask(10, []int64{1, 2}))
	fx.dialer.pingErrs[1] = &AuthError{Code: "SESSION_REVOKED"}

	sub := fx.start(t)
	defer stopSubscription(t, sub)
	fx.dialer.waitConnected(t, 1, 1)
	fx.dialer.waitConnected(t, 2, 1)

	if err := fx.clock.WaitAdvance(30*time.Second, time.Second, 2); err != nil {
		t.Fatal(err)
	}

	eventually(t, "account 1 flagged", func() bool {
		return fx.store.Account(1).Credentials.Reauth.Required
	})
	acc := fx.store.Account(1)
	if acc.IsActive || acc.Credentials.Reauth.Reason != "SESSION_REVOKED" {
		t.Errorf("account 1 = active %v reason %q", acc.IsActive, acc.Credentials.Reauth.Reason)
	}
	eventually(t, "account 1 torn down", func() bool { return sessionState(fx.listener, 1) == "" })

	if fx.store.Account(2).Credentials.Reauth.Required {
		t.Error("account 2 flagged for reauth")
	}
	if got := sessionState(fx.listener, 2); got != StateConnected {
		t.Errorf("account 2 state = %q, want connected", got)
	}

	// the flagged account is no longer desired
	if err := fx.listener.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if n := fx.dialer.dialCount(1); n != 1 {
		t.Errorf("account 1 dials = %d, want 1", n)
	}
}

func TestTelegramReconnectsWithBackoff(t *testing.T) {
	defer goleak.VerifyNone(t)

	fx := newTelegramFixture(t, TelegramOptions{
		Retries:   1,
		Reconnect: retry.Backoff{Min: 2 * time.Second, Max: time.Minute},
	})
	fx.store.PutAccount(userAccount(1, "s1"))
	fx.store.PutTask(sourceTask(10, []int64{1}))
	reset := errors.New("connection reset")
	fx.dialer.runErrs[1] = []error{reset, reset}

	sub := fx.start(t)
	defer stopSubscription(t, sub)

	if err := fx.clock.WaitAdvance(2*time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	eventually(t, "session to give up", func() bool {
		return fx.dialer.dialCount(1) == 2 && !runtimeAlive(fx.listener, 1)
	})
	sessions := fx.listener.Sessions()
	if sessions[0].State != StateDisconnected || sessions[0].LastError != "connection reset" {
		t.Errorf("session = %+v", sessions[0])
	}

	// a refresh replaces the dead session
	if err := fx.listener.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	fx.dialer.waitConnected(t, 1, 1)
	if n := fx.dialer.dialCount(1); n != 3 {
		t.Errorf("dials = %d, want 3", n)
	}
}
