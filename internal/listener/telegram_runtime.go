package listener

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/relay"
)

var errSessionClosed = errors.New("session closed by peer")

// telegramRuntime owns the session goroutine of one account.
type telegramRuntime struct {
	l      *TelegramListener
	spec   TelegramSessionSpec
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// albums tracks pending album flush callbacks.
	albums sync.WaitGroup

	mu      sync.Mutex
	state   string
	since   time.Time
	lastErr string
	stopped bool
	pending map[string]*pendingAlbum
}

type pendingAlbum struct {
	messages []TelegramMessage
	timer    clock.Timer
}

func newTelegramRuntime(l *TelegramListener, spec TelegramSessionSpec) *telegramRuntime {
	ctx, cancel := context.WithCancel(context.Background())
	return &telegramRuntime{
		l:       l,
		spec:    spec,
		logger:  l.logger.With("account_id", spec.Account.ID),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateDisconnected,
		since:   l.clock.Now(),
		pending: make(map[string]*pendingAlbum),
	}
}

func (rt *telegramRuntime) start() {
	go rt.run()
}

// stop cancels the session and returns once no handler of this runtime can
// deliver another event.
func (rt *telegramRuntime) stop() {
	rt.mu.Lock()
	rt.stopped = true
	for key, a := range rt.pending {
		if a.timer != nil && a.timer.Stop() {
			rt.albums.Done()
		}
		delete(rt.pending, key)
	}
	rt.mu.Unlock()

	rt.cancel()
	<-rt.done
	rt.albums.Wait()
}

func (rt *telegramRuntime) alive() bool {
	select {
	case <-rt.done:
		return false
	default:
		return true
	}
}

func (rt *telegramRuntime) setState(state string, err error) {
	rt.mu.Lock()
	if rt.state != state {
		rt.since = rt.l.clock.Now()
	}
	rt.state = state
	if err != nil {
		rt.lastErr = err.Error()
	}
	rt.mu.Unlock()
	rt.l.publishStates()
}

func (rt *telegramRuntime) status() SessionStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return SessionStatus{
		AccountID: rt.spec.Account.ID,
		State:     rt.state,
		Chats:     rt.spec.Chats,
		Since:     rt.since,
		LastError: rt.lastErr,
	}
}

func (rt *telegramRuntime) run() {
	defer close(rt.done)

	backoff := rt.l.reconnect
	failures := 0
	for {
		rt.setState(StateConnecting, nil)
		started := rt.l.clock.Now()
		err := rt.connect()
		if rt.ctx.Err() != nil {
			rt.setState(StateDisconnected, nil)
			return
		}

		if code, ok := AuthCode(err); ok {
			rt.setState(StateReauthRequired, err)
			rt.logger.Warn("session authorization revoked", "reason", code)
			rt.l.disableSource(rt.spec.Account.ID, code)
			return
		}

		lasted := rt.l.clock.Now().Sub(started)
		backoff.Connected(lasted)
		if backoff.StableAfter > 0 && lasted >= backoff.StableAfter {
			failures = 0
		}
		failures++
		if rt.l.retries > 0 && failures > rt.l.retries {
			rt.setState(StateDisconnected, err)
			rt.logger.Error("session gave up reconnecting", "failures", failures, "error", err)
			return
		}

		delay := backoff.Next(false)
		rt.setState(StateDisconnected, err)
		rt.l.metrics.Reconnect(models.PlatformTelegram)
		rt.logger.Warn("session lost, reconnecting", "error", err, "attempt", failures, "delay", delay)
		select {
		case <-rt.ctx.Done():
			return
		case <-rt.l.clock.After(delay):
		}
	}
}

// connect runs one session until it fails. The keepalive probe only ends
// the session on an authorization error.
func (rt *telegramRuntime) connect() error {
	sess, err := rt.l.dialer.Dial(rt.ctx, rt.spec.Account)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(rt.ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- sess.Run(ctx, rt.onMessage)
	}()
	rt.setState(StateConnected, nil)
	rt.logger.Info("session connected", "chats", len(rt.spec.Chats))

	for {
		var probe <-chan time.Time
		if rt.l.keepalive > 0 {
			probe = rt.l.clock.After(rt.l.keepalive)
		}
		select {
		case err := <-errc:
			if err == nil && ctx.Err() == nil {
				err = errSessionClosed
			}
			return err
		case <-probe:
			err := sess.Ping(ctx)
			if err == nil {
				continue
			}
			if _, ok := AuthCode(err); ok {
				cancel()
				<-errc
				return err
			}
			if ctx.Err() == nil {
				rt.logger.Warn("keepalive probe failed", "error", err)
			}
		}
	}
}

func (rt *telegramRuntime) accepts(chatID string) bool {
	if rt.spec.Chats == nil {
		return true
	}
	return slices.ContainsFunc(rt.spec.Chats, func(id string) bool { return relay.SameChat(id, chatID) })
}

func (rt *telegramRuntime) onMessage(msg TelegramMessage) {
	if !rt.accepts(msg.ChatID) {
		return
	}
	if msg.GroupedID != 0 {
		rt.bufferAlbum(msg)
		return
	}

	rt.mu.Lock()
	stopped := rt.stopped
	rt.mu.Unlock()
	if stopped {
		return
	}

	content := messageContent(rt.spec.Account.ID, msg)
	rt.l.deliver(context.WithoutCancel(rt.ctx), content, models.ProcessedMessageKey{
		AccountID: rt.spec.Account.ID,
		ChatID:    msg.ChatID,
		MessageID: content.MessageID,
	})
}

// bufferAlbum collects the messages of one grouped id and emits them once
// as a single event after the album window.
func (rt *telegramRuntime) bufferAlbum(msg TelegramMessage) {
	key := albumKey(msg.ChatID, msg.GroupedID)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.stopped {
		return
	}
	if a, ok := rt.pending[key]; ok {
		a.messages = append(a.messages, msg)
		return
	}
	a := &pendingAlbum{messages: []TelegramMessage{msg}}
	rt.pending[key] = a
	rt.albums.Add(1)
	// the callback may run under the clock's lock, so flush elsewhere
	a.timer = rt.l.clock.AfterFunc(rt.l.album, func() {
		go func() {
			defer rt.albums.Done()
			rt.flushAlbum(key)
		}()
	})
}

func (rt *telegramRuntime) flushAlbum(key string) {
	rt.mu.Lock()
	a, ok := rt.pending[key]
	delete(rt.pending, key)
	stopped := rt.stopped
	rt.mu.Unlock()
	if !ok || stopped {
		return
	}

	content := albumContent(rt.spec.Account.ID, a.messages)
	rt.l.deliver(context.WithoutCancel(rt.ctx), content, models.ProcessedMessageKey{
		AccountID: rt.spec.Account.ID,
		ChatID:    content.ChatID,
		MessageID: content.MessageID,
	})
}

func albumKey(chatID string, groupedID int64) string {
	return chatID + ":g" + strconv.FormatInt(groupedID, 10)
}

// albumContent merges album messages in message id order. The event is keyed
// by the grouped id so arrival order never changes its identity.
func albumContent(accountID int64, messages []TelegramMessage) *models.IncomingContent {
	slices.SortFunc(messages, func(a, b TelegramMessage) int {
		switch {
		case a.MessageID < b.MessageID:
			return -1
		case a.MessageID > b.MessageID:
			return 1
		}
		return 0
	})

	first := messages[0]
	content := messageContent(accountID, first)
	content.MessageID = "g" + strconv.FormatInt(first.GroupedID, 10)
	content.Fingerprint = albumKey(first.ChatID, first.GroupedID)
	content.Text = ""
	content.Media = nil
	for _, m := range messages {
		if content.Text == "" && m.Text != "" {
			content.Text = m.Text
		}
		content.Media = append(content.Media, m.Media...)
	}
	return content
}
