package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/repository"
	"github.com/maheshrc27/relayflow/internal/retry"
	"github.com/maheshrc27/relayflow/internal/service"
)

// Teardowner stops whatever runtime listens on a source account.
type Teardowner interface {
	Teardown(ctx context.Context, accountID int64) error
}

// Supervisor owns account level failure handling: disabling sources whose
// session is gone and refreshing target tokens that were rejected.
type Supervisor struct {
	accounts  repository.SocialAccountRepository
	platforms service.PlatformService
	refresh   retry.RefreshPolicy
	rateLimit retry.Policy
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	teardowners []Teardowner
	refreshes   singleflight.Group
}

func NewSupervisor(accounts repository.SocialAccountRepository, platforms service.PlatformService, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		accounts:  accounts,
		platforms: platforms,
		refresh:   retry.DefaultRefreshPolicy(),
		rateLimit: retry.Policy{MaxRetries: 2, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, BackoffFactor: 2},
		logger:    logger,
		now:       time.Now,
	}
}

// RegisterTeardown adds a runtime that is stopped when a source is disabled.
func (s *Supervisor) RegisterTeardown(t Teardowner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardowners = append(s.teardowners, t)
}

// DisableSource tears down the listener of accountID and flags the account
// for re-authentication. It is never retried automatically.
func (s *Supervisor) DisableSource(ctx context.Context, accountID int64, reason string) error {
	s.mu.Lock()
	teardowners := append([]Teardowner(nil), s.teardowners...)
	s.mu.Unlock()

	for _, t := range teardowners {
		if err := t.Teardown(ctx, accountID); err != nil {
			s.logger.Warn("source teardown failed", "account_id", accountID, "error", err)
		}
	}

	if err := s.accounts.MarkReauthRequired(ctx, accountID, reason, s.now()); err != nil {
		return fmt.Errorf("flag account %d for reauth: %w", accountID, err)
	}
	s.logger.Warn("source account disabled, reauthentication required", "account_id", accountID, "reason", reason)
	return nil
}

// Publish sends post to the target account. Rate limited attempts wait and
// retry. A rejected token is refreshed at most RefreshPolicy.MaxRefreshes
// times, persisted, and the publish retried once per refresh. A publish that
// failed after part of the post was delivered is never repeated.
func (s *Supervisor) Publish(ctx context.Context, acc *models.SocialAccount, post service.Post) (*service.PublishResult, error) {
	current := acc
	for refreshes := 0; ; refreshes++ {
		res, err := s.publishOnce(ctx, current, post)
		if err == nil {
			return res, nil
		}
		if service.IsPartialPublish(err) || !service.IsUnauthorized(err) ||
			refreshes >= s.refresh.MaxRefreshes || !s.platforms.CanRefresh(current.Platform) {
			return nil, err
		}

		s.logger.Info("target token rejected, refreshing", "account_id", current.ID, "platform", current.Platform)
		refreshed, rerr := s.refreshAccount(ctx, current)
		if rerr != nil {
			return nil, fmt.Errorf("%w (token refresh failed: %v)", err, rerr)
		}
		current = refreshed
	}
}

func (s *Supervisor) publishOnce(ctx context.Context, acc *models.SocialAccount, post service.Post) (*service.PublishResult, error) {
	pub, err := s.platforms.Publisher(acc)
	if err != nil {
		return nil, err
	}

	var res *service.PublishResult
	err = retry.Do(ctx, s.rateLimit, func(ctx context.Context) error {
		r, err := pub.Publish(ctx, post)
		if err != nil {
			if service.IsPartialPublish(err) {
				return err
			}
			var perr *service.PlatformError
			if errors.As(err, &perr) && perr.RateLimited() {
				return retry.RetryableAfter(err, perr.RetryAfter)
			}
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// refreshAccount exchanges the refresh token once per account and stored
// access token, so parallel targets sharing an account refresh only once.
func (s *Supervisor) refreshAccount(ctx context.Context, acc *models.SocialAccount) (*models.SocialAccount, error) {
	key := strconv.FormatInt(acc.ID, 10) + ":" + acc.AccessToken
	v, err, _ := s.refreshes.Do(key, func() (any, error) {
		updated, err := s.platforms.RefreshAccount(ctx, acc)
		if err != nil {
			return nil, err
		}

		err = s.accounts.SetToken(ctx, acc.ID, acc.AccessToken, updated)
		switch {
		case errors.Is(err, repository.ErrTokenConflict):
			// another worker refreshed first, its tokens win
			latest, gerr := s.accounts.GetByID(ctx, acc.ID)
			if gerr != nil {
				return nil, gerr
			}
			return latest, nil
		case err != nil:
			return nil, fmt.Errorf("persist refreshed token: %w", err)
		}
		return updated, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.SocialAccount), nil
}
