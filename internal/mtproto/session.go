package mtproto

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"github.com/maheshrc27/relayflow/internal/listener"
)

var errNotReady = errors.New("session not connected yet")

type userSession struct {
	pool      *Pool
	accountID int64
	storage   *session.StorageMemory
	logger    *slog.Logger

	mu     sync.Mutex
	client *telegram.Client
}

func (s *userSession) Run(ctx context.Context, handle func(listener.TelegramMessage)) error {
	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		s.deliver(e, u.Message, handle)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		s.deliver(e, u.Message, handle)
		return nil
	})

	client := s.pool.newClient(s.storage, dispatcher)
	err := client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return err
		}
		if !status.Authorized {
			return &listener.AuthError{Code: "AUTH_KEY_UNREGISTERED"}
		}

		s.setClient(client)
		s.pool.attach(s.accountID, client)
		defer func() {
			s.pool.detach(s.accountID, client)
			s.setClient(nil)
		}()

		<-ctx.Done()
		return ctx.Err()
	})
	return authError(err)
}

func (s *userSession) Ping(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return errNotReady
	}
	_, err := client.Self(ctx)
	return authError(err)
}

func (s *userSession) setClient(c *telegram.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = c
}

func (s *userSession) deliver(e tg.Entities, m tg.MessageClass, handle func(listener.TelegramMessage)) {
	msg, ok := m.(*tg.Message)
	if !ok {
		return
	}
	handle(convertMessage(s.accountID, e, msg))
}
