package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	config "github.com/maheshrc27/relayflow/configs"
	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/pkg/utils"
)

var ErrUnsupportedPlatform = errors.New("platform cannot publish")

// Endpoints overrides platform base URLs. Empty fields use the public APIs.
type Endpoints struct {
	TelegramBot string
	Twitter     string
	Facebook    string
	Instagram   string
	Tiktok      string
	Youtube     []option.ClientOption
}

type PlatformService interface {
	// Publisher builds a client for a target account with its tokens decrypted.
	Publisher(acc *models.SocialAccount) (Publisher, error)
	// RefreshAccount exchanges the refresh token of acc and returns a copy
	// carrying the new encrypted tokens. Nothing is persisted.
	RefreshAccount(ctx context.Context, acc *models.SocialAccount) (*models.SocialAccount, error)
	CanRefresh(platform string) bool
}

type platformService struct {
	cfg        *config.Config
	http       *http.Client
	endpoints  Endpoints
	limiter    *ChatLimiter
	refreshers map[string]TokenRefresher
	logger     *slog.Logger
}

type PlatformOption func(*platformService)

func WithHTTPClient(client *http.Client) PlatformOption {
	return func(s *platformService) { s.http = client }
}

func WithEndpoints(e Endpoints) PlatformOption {
	return func(s *platformService) { s.endpoints = e }
}

// WithRefresher replaces the token refresher of one platform.
func WithRefresher(platform string, r TokenRefresher) PlatformOption {
	return func(s *platformService) { s.refreshers[platform] = r }
}

func NewPlatformService(cfg *config.Config, logger *slog.Logger, opts ...PlatformOption) PlatformService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &platformService{
		cfg:        cfg,
		http:       &http.Client{Timeout: 2 * time.Minute},
		limiter:    NewChatLimiter(rate.Limit(30), rate.Every(time.Second), 3),
		refreshers: make(map[string]TokenRefresher),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.endpoints.TelegramBot == "" {
		s.endpoints.TelegramBot = cfg.Telegram.BotAPIURL
	}

	defaults := map[string]TokenRefresher{
		models.PlatformTwitter:   NewTwitterRefresher(s.http, s.endpoints.Twitter, cfg.Twitter.ClientID, cfg.Twitter.ClientSecret),
		models.PlatformYoutube:   NewYoutubeRefresher(cfg.GoogleClientID, cfg.GoogleClientSecret),
		models.PlatformInstagram: NewInstagramRefresher(s.http, s.endpoints.Instagram),
		models.PlatformTiktok:    NewTiktokRefresher(s.http, s.endpoints.Tiktok, cfg.TiktokClientKey, cfg.TiktokClientSecret),
	}
	for platform, r := range defaults {
		if _, ok := s.refreshers[platform]; !ok {
			s.refreshers[platform] = r
		}
	}
	return s
}

func (s *platformService) Publisher(acc *models.SocialAccount) (Publisher, error) {
	token, err := s.decrypt(acc.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token for account %d: %w", acc.ID, err)
	}
	logger := s.logger.With("account_id", acc.ID, "platform", acc.Platform)
	creds := acc.Credentials

	switch acc.Platform {
	case models.PlatformTelegram:
		var chatIDs []string
		if creds.Telegram != nil {
			if creds.Telegram.Mode == models.TelegramModeUser {
				return nil, fmt.Errorf("%w: telegram user sessions are source only", ErrUnsupportedPlatform)
			}
			chatIDs = creds.Telegram.ChatIDs
		}
		return NewTelegramBotClient(s.http, s.endpoints.TelegramBot, token, chatIDs, s.limiter, logger), nil

	case models.PlatformTwitter:
		username := acc.AccountUsername
		if creds.Twitter != nil && creds.Twitter.Username != "" {
			username = creds.Twitter.Username
		}
		return NewTwitterClient(s.http, s.endpoints.Twitter, token, username, logger), nil

	case models.PlatformFacebook:
		pageID := acc.AccountID
		if creds.Facebook != nil && creds.Facebook.PageID != "" {
			pageID = creds.Facebook.PageID
		}
		return NewFacebookClient(s.http, s.endpoints.Facebook, s.cfg.FacebookGraphVersion, pageID, token, logger), nil

	case models.PlatformYoutube:
		return NewYoutubeClient(token, creds.Youtube, logger, s.endpoints.Youtube...), nil

	case models.PlatformInstagram:
		igUserID := acc.AccountID
		if creds.Instagram != nil && creds.Instagram.IGUserID != "" {
			igUserID = creds.Instagram.IGUserID
		}
		return NewInstagramClient(s.http, s.endpoints.Instagram, s.cfg.FacebookGraphVersion, igUserID, token, logger), nil

	case models.PlatformTiktok:
		return NewTiktokClient(s.http, s.endpoints.Tiktok, token, creds.Tiktok, logger), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, acc.Platform)
}

func (s *platformService) CanRefresh(platform string) bool {
	_, ok := s.refreshers[platform]
	return ok
}

func (s *platformService) RefreshAccount(ctx context.Context, acc *models.SocialAccount) (*models.SocialAccount, error) {
	refresher, ok := s.refreshers[acc.Platform]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoRefresher, acc.Platform)
	}
	if acc.RefreshToken == "" {
		return nil, fmt.Errorf("account %d has no refresh token", acc.ID)
	}

	refreshToken, err := s.decrypt(acc.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token for account %d: %w", acc.ID, err)
	}

	token, err := refresher.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	updated := *acc
	updated.AccessToken, err = s.encrypt(token.AccessToken)
	if err != nil {
		return nil, err
	}
	if token.RefreshToken != "" {
		updated.RefreshToken, err = s.encrypt(token.RefreshToken)
		if err != nil {
			return nil, err
		}
	}
	if !token.Expiry.IsZero() {
		updated.TokenExpiresAt = token.Expiry
	}

	s.logger.Info("refreshed account token", "account_id", acc.ID, "platform", acc.Platform, "expires_at", updated.TokenExpiresAt)
	return &updated, nil
}

// decrypt returns stored tokens as is when no SECRET_KEY is configured.
func (s *platformService) decrypt(token string) (string, error) {
	if s.cfg.SecretKey == "" || token == "" {
		return token, nil
	}
	return utils.Decrypt(token, []byte(s.cfg.SecretKey))
}

func (s *platformService) encrypt(token string) (string, error) {
	if s.cfg.SecretKey == "" || token == "" {
		return token, nil
	}
	return utils.Encrypt([]byte(token), []byte(s.cfg.SecretKey))
}
