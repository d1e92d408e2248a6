// Package mtproto connects Telegram user accounts over MTProto with gotd/td.
// A Pool dials listener sessions and downloads message media through them.
package mtproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/juju/clock"

	"github.com/maheshrc27/relayflow/internal/listener"
	"github.com/maheshrc27/relayflow/internal/models"
)

var (
	ErrNoSession       = errors.New("no telegram session for account")
	ErrUnknownLocation = errors.New("unknown telegram file location")
)

type Options struct {
	AppID   int
	AppHash string
	// RequestRetries bounds FLOOD_WAIT retries of a single request.
	RequestRetries int
	// FloodSleepThreshold is the longest FLOOD_WAIT that is slept through.
	// Longer waits are returned to the caller.
	FloodSleepThreshold time.Duration
	Clock               clock.Clock
	Logger              *slog.Logger
}

// Pool builds MTProto clients from stored session strings. It implements
// listener.TelegramDialer and media.Downloader.
type Pool struct {
	appID     int
	appHash   string
	retries   int
	threshold time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[int64]string
	active   map[int64]*telegram.Client
}

func NewPool(opts Options) *Pool {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		appID:     opts.AppID,
		appHash:   opts.AppHash,
		retries:   opts.RequestRetries,
		threshold: opts.FloodSleepThreshold,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "mtproto"),
		sessions:  make(map[int64]string),
		active:    make(map[int64]*telegram.Client),
	}
}

// Dial prepares a session for account. The connection is made by Run.
func (p *Pool) Dial(ctx context.Context, account *models.SocialAccount) (listener.TelegramSession, error) {
	creds := account.Credentials.Telegram
	if creds == nil || creds.SessionString == "" {
		return nil, &listener.AuthError{Code: "AUTH_KEY_UNREGISTERED", Err: ErrNoSession}
	}
	storage, err := loadSession(ctx, creds.SessionString)
	if err != nil {
		return nil, &listener.AuthError{Code: "AUTH_KEY_UNREGISTERED", Err: err}
	}

	p.mu.Lock()
	p.sessions[account.ID] = creds.SessionString
	p.mu.Unlock()

	return &userSession{
		pool:      p,
		accountID: account.ID,
		storage:   storage,
		logger:    p.logger.With("account_id", account.ID),
	}, nil
}

// loadSession decodes a Telethon string session into memory storage.
func loadSession(ctx context.Context, raw string) (*session.StorageMemory, error) {
	data, err := session.TelethonSession(raw)
	if err != nil {
		return nil, fmt.Errorf("decode session string: %w", err)
	}
	storage := &session.StorageMemory{}
	loader := session.Loader{Storage: storage}
	if err := loader.Save(ctx, data); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return storage, nil
}

func (p *Pool) newClient(storage session.Storage, handler telegram.UpdateHandler) *telegram.Client {
	return telegram.NewClient(p.appID, p.appHash, telegram.Options{
		SessionStorage: storage,
		UpdateHandler:  handler,
		NoUpdates:      handler == nil,
		Middlewares:    []telegram.Middleware{floodWait(p.retries, p.threshold, p.clock, p.logger)},
	})
}

func (p *Pool) attach(accountID int64, client *telegram.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[accountID] = client
}

func (p *Pool) detach(accountID int64, client *telegram.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[accountID] == client {
		delete(p.active, accountID)
	}
}

// withAPI runs fn over the live session of accountID, or over a short lived
// connection when the account is not listening.
func (p *Pool) withAPI(ctx context.Context, accountID int64, fn func(ctx context.Context, api *tg.Client) error) error {
	p.mu.Lock()
	client, live := p.active[accountID]
	raw, known := p.sessions[accountID]
	p.mu.Unlock()

	if live {
		return authError(fn(ctx, client.API()))
	}
	if !known {
		return fmt.Errorf("account %d: %w", accountID, ErrNoSession)
	}
	storage, err := loadSession(ctx, raw)
	if err != nil {
		return err
	}
	client = p.newClient(storage, nil)
	return authError(client.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, client.API())
	}))
}

// Download streams the file behind item into w.
func (p *Pool) Download(ctx context.Context, item models.MediaItem, w io.Writer, partSize int) (int64, error) {
	loc := item.Locator.Telegram
	if loc == nil {
		return 0, ErrUnknownLocation
	}
	location, err := inputLocation(loc)
	if err != nil {
		return 0, err
	}

	cw := &countingWriter{w: w}
	err = p.withAPI(ctx, loc.AccountID, func(ctx context.Context, api *tg.Client) error {
		_, err := downloader.NewDownloader().WithPartSize(partSize).Download(api, location).Stream(ctx, cw)
		return err
	})
	if err != nil {
		return cw.n, fmt.Errorf("download telegram %s %d: %w", loc.Kind, loc.ID, err)
	}
	return cw.n, nil
}

func inputLocation(loc *models.TelegramLocation) (tg.InputFileLocationClass, error) {
	switch loc.Kind {
	case locationPhoto:
		return &tg.InputPhotoFileLocation{
			ID:            loc.ID,
			AccessHash:    loc.AccessHash,
			FileReference: loc.FileReference,
			ThumbSize:     loc.ThumbSize,
		}, nil
	case locationDocument:
		return &tg.InputDocumentFileLocation{
			ID:            loc.ID,
			AccessHash:    loc.AccessHash,
			FileReference: loc.FileReference,
			ThumbSize:     loc.ThumbSize,
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownLocation, loc.Kind)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}

// floodWait sleeps through FLOOD_WAIT errors no longer than threshold, at
// most retries times per request.
func floodWait(retries int, threshold time.Duration, clk clock.Clock, logger *slog.Logger) telegram.Middleware {
	return telegram.MiddlewareFunc(func(next tg.Invoker) telegram.InvokeFunc {
		return func(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
			for attempt := 0; ; attempt++ {
				err := next.Invoke(ctx, input, output)
				d, ok := tgerr.AsFloodWait(err)
				if !ok || d > threshold || attempt >= retries {
					return err
				}
				logger.Warn("flood wait, sleeping", "wait", d, "attempt", attempt+1)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-clk.After(d):
				}
			}
		}
	})
}

// authError marks errors after which the session can never be used again.
func authError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := listener.AuthCode(err); ok {
		return err
	}
	if rpcErr, ok := tgerr.As(err); ok && listener.IsUnrecoverableAuthCode(rpcErr.Type) {
		return &listener.AuthError{Code: rpcErr.Type, Err: err}
	}
	return err
}
