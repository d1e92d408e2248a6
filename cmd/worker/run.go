package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	config "github.com/maheshrc27/relayflow/configs"
	"github.com/maheshrc27/relayflow/internal/api"
	"github.com/maheshrc27/relayflow/internal/api/handlers"
	job "github.com/maheshrc27/relayflow/internal/jobs"
	"github.com/maheshrc27/relayflow/internal/listener"
	"github.com/maheshrc27/relayflow/internal/media"
	"github.com/maheshrc27/relayflow/internal/metrics"
	"github.com/maheshrc27/relayflow/internal/mtproto"
	"github.com/maheshrc27/relayflow/internal/queue"
	"github.com/maheshrc27/relayflow/internal/relay"
	"github.com/maheshrc27/relayflow/internal/repository"
	"github.com/maheshrc27/relayflow/internal/retry"
	"github.com/maheshrc27/relayflow/internal/service"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the listeners, the relay and the ops API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), c.cfg, c.logger)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := openDB(ctx, cfg.PostgresURI)
	if err != nil {
		return err
	}
	defer closeDB(db, logger)

	m, err := metrics.NewRelay()
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	accounts := repository.NewSocialAccountRepository(db)
	tasks := repository.NewTaskRepository(db)
	executions := repository.NewExecutionRepository(db)
	processed := repository.NewProcessedMessageRepository(db)
	platforms := service.NewPlatformService(cfg, logger)

	var stager media.Stager
	if r2, err := service.NewR2Service(ctx, cfg.R2); err != nil {
		logger.Warn("media staging disabled, instagram and tiktok targets need it", "error", err)
	} else {
		stager = r2
	}

	var (
		pool       *mtproto.Pool
		downloader media.Downloader
	)
	if cfg.Telegram.APIID != 0 && cfg.Telegram.APIHash != "" {
		pool = mtproto.NewPool(mtproto.Options{
			AppID:               cfg.Telegram.APIID,
			AppHash:             cfg.Telegram.APIHash,
			RequestRetries:      cfg.Telegram.RequestRetries,
			FloodSleepThreshold: cfg.Telegram.FloodSleepThreshold,
			Logger:              logger,
		})
		downloader = pool
	} else {
		logger.Warn("TELEGRAM_API_ID/TELEGRAM_API_HASH not set, telegram user sessions disabled")
	}

	fetcher := media.NewFetcher(media.Options{
		Dir:           cfg.Media.TempDir,
		MaxBytes:      cfg.Media.MaxDownloadBytes,
		MaxConcurrent: cfg.Media.MaxConcurrentDownloads,
		Retries:       cfg.Telegram.DownloadRetries,
		Telegram:      downloader,
		Stager:        stager,
		Logger:        logger,
		Metrics:       m,
	})
	supervisor := relay.NewSupervisor(accounts, platforms, logger)
	executor := relay.NewExecutor(relay.ExecutorOptions{
		Tasks:      tasks,
		Executions: executions,
		Publisher:  supervisor,
		Logger:     logger,
		Metrics:    m,
	})
	execQueue := queue.NewExecutionQueue(queue.Options{
		Concurrency: cfg.Queue.Concurrency,
		DedupeTTL:   cfg.Queue.DedupeTTL,
		Logger:      logger,
		Metrics:     m,
	})
	rl := relay.New(relay.Options{
		Accounts: accounts,
		Tasks:    tasks,
		Queue:    execQueue,
		Fetcher:  fetcher,
		Executor: executor,
		Logger:   logger,
		Metrics:  m,
	})

	// interfaces stay nil for disabled listeners
	var (
		subs         []*listener.Subscription
		refresher    queue.ListenerRefresher
		syncer       queue.RuleSyncer
		telegramView handlers.TelegramStatus
		streamView   handlers.StreamStatus
	)
	if cfg.StreamsEnabled && pool != nil {
		tl := listener.NewTelegramListener(listener.TelegramOptions{
			Dialer:            pool,
			Accounts:          accounts,
			Tasks:             tasks,
			Processed:         processed,
			Relay:             rl,
			Reauth:            supervisor,
			Retries:           cfg.Telegram.ConnectionRetries,
			KeepaliveInterval: cfg.Telegram.KeepaliveInterval,
			AlbumWindow:       cfg.Telegram.AlbumWindow,
			Logger:            logger,
			Metrics:           m,
		})
		supervisor.RegisterTeardown(tl)
		sub, err := tl.Start(ctx)
		if err != nil {
			return fmt.Errorf("start telegram listeners: %w", err)
		}
		subs = append(subs, sub)
		refresher, telegramView = tl, tl
	}
	if cfg.StreamsEnabled && cfg.Twitter.BearerToken != "" {
		ts := newTwitterStream(cfg, accounts, tasks, rl, logger, m)
		sub, err := ts.Start(ctx)
		if err != nil {
			return fmt.Errorf("start twitter stream: %w", err)
		}
		subs = append(subs, sub)
		syncer, streamView = ts, ts
	}

	// cross-process signals from the CRUD application
	signals := queue.NewQueue(refresher, syncer, logger)
	mux := asynq.NewServeMux()
	signals.Register(mux)
	asynqServer := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisURI}, asynq.Config{
		Concurrency: 2,
		Logger:      asynqLogger{logger.With("component", "asynq")},
	})
	if err := asynqServer.Start(mux); err != nil {
		logger.Error("asynq server not started, relay signals disabled", "error", err)
		asynqServer = nil
	}

	scheduler, err := job.NewScheduler(
		job.NewTokenRefreshJob(accounts, platforms, logger),
		job.NewCleanupJob(processed, cfg.ProcessedMessageTTL, logger),
		logger,
	)
	if err != nil {
		return err
	}
	scheduler.Start()

	app := api.NewApp(api.Options{
		SecretKey: cfg.SecretKey,
		Relay:     handlers.NewRelayHandler(telegramView, streamView, execQueue, logger),
		Metrics:   m.Handler(),
		Logger:    logger,
	})
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- app.Listen(cfg.HTTPAddr)
	}()
	logger.Info("relay worker running", "addr", cfg.HTTPAddr, "listeners", len(subs))

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		logger.Error("ops server stopped", "error", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		errs = append(errs, fmt.Errorf("ops server: %w", err))
	}
	if asynqServer != nil {
		asynqServer.Shutdown()
	}
	scheduler.Stop()
	for _, sub := range subs {
		if err := sub.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop listener: %w", err))
		}
	}
	if err := rl.Wait(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain relay: %w", err))
	}
	if err := execQueue.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	return errors.Join(errs...)
}

func newTwitterStream(cfg *config.Config, accounts repository.SocialAccountRepository, tasks repository.TaskRepository, rl *relay.Relay, logger *slog.Logger, m *metrics.Relay) *listener.TwitterStream {
	return listener.NewTwitterStream(listener.TwitterStreamOptions{
		API:      service.NewTwitterStreamAPI(nil, "", cfg.Twitter.BearerToken),
		Accounts: accounts,
		Tasks:    tasks,
		Relay:    rl,
		Backoff: retry.Backoff{
			Min:          cfg.Twitter.StreamMinBackoff,
			Max:          cfg.Twitter.StreamMaxBackoff,
			RateLimitMin: cfg.Twitter.StreamRateLimitFloor,
			StableAfter:  cfg.Twitter.StreamStableAfter,
		},
		Logger:  logger,
		Metrics: m,
	})
}

// asynqLogger adapts slog to asynq's logger interface.
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
