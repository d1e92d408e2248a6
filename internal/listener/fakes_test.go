package listener

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/transfer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type dispatched struct {
	event   *models.IncomingContent
	taskIDs []int64
}

// recordingRelay stands in for the relay and records every dispatch.
type recordingRelay struct {
	events chan dispatched
}

func newRecordingRelay() *recordingRelay {
	return &recordingRelay{events: make(chan dispatched, 32)}
}

func (r *recordingRelay) Dispatch(ctx context.Context, event *models.IncomingContent) error {
	r.events <- dispatched{event: event}
	return nil
}

func (r *recordingRelay) DispatchTasks(ctx context.Context, event *models.IncomingContent, taskIDs []int64) error {
	r.events <- dispatched{event: event, taskIDs: taskIDs}
	return nil
}

func (r *recordingRelay) next(t *testing.T) dispatched {
	t.Helper()
	select {
	case d := <-r.events:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a dispatched event")
		return dispatched{}
	}
}

func (r *recordingRelay) none(t *testing.T) {
	t.Helper()
	select {
	case d := <-r.events:
		t.Fatalf("unexpected dispatch of %s", d.event.Fingerprint)
	case <-time.After(50 * time.Millisecond):
	}
}

// fakeDialer hands out sessions that tests drive by hand.
type fakeDialer struct {
	mu        sync.Mutex
	dials     map[int64]int
	sessions  map[int64]*fakeSession
	pingErrs  map[int64]error
	runErrs   map[int64][]error
	connected map[int64]int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		dials:     make(map[int64]int),
		sessions:  make(map[int64]*fakeSession),
		pingErrs:  make(map[int64]error),
		runErrs:   make(map[int64][]error),
		connected: make(map[int64]int),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, account *models.SocialAccount) (TelegramSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[account.ID]++
	s := &fakeSession{dialer: d, accountID: account.ID}
	if errs := d.runErrs[account.ID]; len(errs) > 0 {
		s.runErr = errs[0]
		d.runErrs[account.ID] = errs[1:]
	}
	d.sessions[account.ID] = s
	return s, nil
}

func (d *fakeDialer) dialCount(id int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[id]
}

func (d *fakeDialer) session(id int64) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[id]
}

// waitConnected blocks until account id has run n sessions.
func (d *fakeDialer) waitConnected(t *testing.T, id int64, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		d.mu.Lock()
		got := d.connected[id]
		d.mu.Unlock()
		if got >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("account %d connected %d times, want %d", id, got, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeSession struct {
	dialer    *fakeDialer
	accountID int64
	runErr    error

	mu     sync.Mutex
	handle func(TelegramMessage)
}

func (s *fakeSession) Run(ctx context.Context, handle func(TelegramMessage)) error {
	if s.runErr != nil {
		return s.runErr
	}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
	s.dialer.mu.Lock()
	s.dialer.connected[s.accountID]++
	s.dialer.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeSession) Ping(ctx context.Context) error {
	s.dialer.mu.Lock()
	defer s.dialer.mu.Unlock()
	return s.dialer.pingErrs[s.accountID]
}

func (s *fakeSession) send(msg TelegramMessage) {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	handle(msg)
}

// fakeStreamAPI serves rules from memory and streams lines written by the
// test.
type fakeStreamAPI struct {
	mu          sync.Mutex
	rules       []transfer.StreamRule
	nextID      int
	added       []transfer.StreamRule
	deleted     []string
	connectErrs []error
	writer      *io.PipeWriter
	connects    chan struct{}
}

func newFakeStreamAPI(rules ...transfer.StreamRule) *fakeStreamAPI {
	return &fakeStreamAPI{rules: rules, nextID: 100, connects: make(chan struct{}, 16)}
}

func (a *fakeStreamAPI) Rules(ctx context.Context) ([]transfer.StreamRule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]transfer.StreamRule(nil), a.rules...), nil
}

func (a *fakeStreamAPI) AddRules(ctx context.Context, rules []transfer.StreamRule) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range rules {
		a.nextID++
		r.ID = "r" + strconv.Itoa(a.nextID)
		a.rules = append(a.rules, r)
		a.added = append(a.added, r)
	}
	return nil
}

func (a *fakeStreamAPI) DeleteRules(ctx context.Context, ids []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var kept []transfer.StreamRule
	for _, r := range a.rules {
		if !containsString(ids, r.ID) {
			kept = append(kept, r)
		}
	}
	a.rules = kept
	a.deleted = append(a.deleted, ids...)
	return nil
}

func (a *fakeStreamAPI) Connect(ctx context.Context) (io.ReadCloser, error) {
	a.mu.Lock()
	var err error
	if len(a.connectErrs) > 0 {
		err = a.connectErrs[0]
		a.connectErrs = a.connectErrs[1:]
	}
	var pr *io.PipeReader
	if err == nil {
		var pw *io.PipeWriter
		pr, pw = io.Pipe()
		a.writer = pw
		context.AfterFunc(ctx, func() { pw.CloseWithError(ctx.Err()) })
	}
	a.mu.Unlock()

	a.connects <- struct{}{}
	if err != nil {
		return nil, err
	}
	return pr, nil
}

func (a *fakeStreamAPI) write(t *testing.T, line string) {
	t.Helper()
	a.mu.Lock()
	w := a.writer
	a.mu.Unlock()
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		t.Fatalf("write stream line: %v", err)
	}
}

func (a *fakeStreamAPI) waitConnect(t *testing.T) {
	t.Helper()
	select {
	case <-a.connects:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never connected")
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func userAccount(id int64, session string) *models.SocialAccount {
	return &models.SocialAccount{
		ID:          id,
		UserID:      1,
		Platform:    models.PlatformTelegram,
		IsActive:    true,
		Credentials: models.Credentials{Telegram: &models.TelegramCredentials{Mode: models.TelegramModeUser, SessionString: session}},
	}
}

func twitterSource(id int64, username string) *models.SocialAccount {
	return &models.SocialAccount{
		ID:          id,
		UserID:      1,
		Platform:    models.PlatformTwitter,
		IsActive:    true,
		Credentials: models.Credentials{Twitter: &models.TwitterCredentials{Username: username}},
	}
}

func sourceTask(id int64, sources []int64, chats ...string) *models.AutomationTask {
	return &models.AutomationTask{
		ID:             id,
		UserID:         1,
		SourceAccounts: sources,
		TargetAccounts: []int64{99},
		Status:         models.TaskStatusActive,
		Filters:        models.TaskFilters{SourceChatIDs: chats},
	}
}

func stopSubscription(t *testing.T, sub *Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sub.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
