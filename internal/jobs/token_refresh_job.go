package job

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/repository"
	"github.com/maheshrc27/relayflow/internal/service"
)

// TokenRefreshJob refreshes target tokens shortly before they expire so that
// relays rarely hit a rejected token.
type TokenRefreshJob struct {
	accounts    repository.SocialAccountRepository
	platforms   service.PlatformService
	window      time.Duration
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

func NewTokenRefreshJob(accounts repository.SocialAccountRepository, platforms service.PlatformService, logger *slog.Logger) *TokenRefreshJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenRefreshJob{
		accounts:    accounts,
		platforms:   platforms,
		window:      30 * time.Minute,
		concurrency: 10,
		logger:      logger.With("job", "token_refresh"),
		now:         time.Now,
	}
}

// RefreshTokens is the cron entry point.
func (j *TokenRefreshJob) RefreshTokens() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := j.Run(ctx); err != nil {
		j.logger.Error("token refresh run failed", "error", err)
	}
}

// Run refreshes every account whose token expires within the window and
// returns how many were refreshed. Per account failures are logged.
func (j *TokenRefreshJob) Run(ctx context.Context) (int, error) {
	now := j.now()
	accounts, err := j.accounts.ListByTimeInterval(ctx, now, now.Add(j.window))
	if err != nil {
		return 0, err
	}

	var refreshed atomic.Int32
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for _, acc := range accounts {
		if !j.platforms.CanRefresh(acc.Platform) {
			continue
		}
		g.Go(func() error {
			if j.refresh(ctx, acc) {
				refreshed.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	n := int(refreshed.Load())
	j.logger.Info("token refresh run finished", "candidates", len(accounts), "refreshed", n)
	return n, nil
}

func (j *TokenRefreshJob) refresh(ctx context.Context, acc *models.SocialAccount) bool {
	logger := j.logger.With("account_id", acc.ID, "platform", acc.Platform)
	updated, err := j.platforms.RefreshAccount(ctx, acc)
	if err != nil {
		logger.Warn("unable to refresh token", "error", err)
		return false
	}
	if err := j.accounts.SetToken(ctx, acc.ID, acc.AccessToken, updated); err != nil {
		if errors.Is(err, repository.ErrTokenConflict) {
			// refreshed concurrently by a publish
			logger.Debug("token already replaced")
			return false
		}
		logger.Warn("unable to store refreshed token", "error", err)
		return false
	}
	return true
}
