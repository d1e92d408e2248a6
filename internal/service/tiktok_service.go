package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/maheshrc27/relayflow/internal/media"
	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/transfer"
)

const TiktokAPIBaseURL = "https://open.tiktokapis.com"

var tiktokLimits = Limits{
	MaxTextRunes:  2200,
	MaxPhotos:     35,
	MaxVideos:     1,
	RequiresMedia: true,
}

// TiktokClient posts through the Content Posting API using PULL_FROM_URL,
// so media is staged first.
type TiktokClient struct {
	http         *http.Client
	baseURL      string
	accessToken  string
	privacyLevel string
	logger       *slog.Logger
}

func NewTiktokClient(httpClient *http.Client, baseURL, accessToken string, creds *models.TiktokCredentials, logger *slog.Logger) *TiktokClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if baseURL == "" {
		baseURL = TiktokAPIBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &TiktokClient{
		http:         httpClient,
		baseURL:      strings.TrimRight(baseURL, "/"),
		accessToken:  accessToken,
		privacyLevel: "PUBLIC_TO_EVERYONE",
		logger:       logger,
	}
	if creds != nil && creds.PrivacyLevel != "" {
		c.privacyLevel = creds.PrivacyLevel
	}
	return c
}

func (c *TiktokClient) Platform() string { return models.PlatformTiktok }

func (c *TiktokClient) Limits() Limits { return tiktokLimits }

func (c *TiktokClient) Publish(ctx context.Context, post Post) (*PublishResult, error) {
	if len(post.Media) == 0 {
		return nil, fmt.Errorf("%w: tiktok needs a video or photos", ErrUnsupportedMedia)
	}
	if post.Stager == nil {
		return nil, media.ErrStagingNotSet
	}
	if post.Media[0].Kind == models.MediaKindVideo {
		return c.postVideo(ctx, post.Stager, post.Media[0], post.Text)
	}
	return c.postPhotos(ctx, post.Stager, post.Media, post.Text)
}

func (c *TiktokClient) postVideo(ctx context.Context, stager MediaStager, file *media.File, title string) (*PublishResult, error) {
	videoURL, err := stager.Stage(ctx, file)
	if err != nil {
		return nil, err
	}
	request := transfer.VideoUploadRequest{
		PostInfo: transfer.VideoPostInfo{
			Title:                 title,
			PrivacyLevel:          c.privacyLevel,
			VideoCoverTimestampMs: 1000,
		},
		SourceInfo: transfer.VideoSourceInfo{
			Source:   "PULL_FROM_URL",
			VideoURL: videoURL,
		},
	}
	return c.initPost(ctx, "/v2/post/publish/video/init/", request)
}

func (c *TiktokClient) postPhotos(ctx context.Context, stager MediaStager, files []*media.File, title string) (*PublishResult, error) {
	photos := make([]string, 0, len(files))
	for _, f := range files {
		if f.Kind != models.MediaKindPhoto {
			continue
		}
		photoURL, err := stager.Stage(ctx, f)
		if err != nil {
			return nil, err
		}
		photos = append(photos, photoURL)
	}
	if len(photos) == 0 {
		return nil, fmt.Errorf("%w: no photos to post", ErrUnsupportedMedia)
	}

	request := transfer.PhotoUploadRequest{
		PostInfo: transfer.PhotoPostInfo{
			Title:        title,
			PrivacyLevel: c.privacyLevel,
			AutoAddMusic: true,
		},
		SourceInfo: transfer.PhotoSourceInfo{
			Source:      "PULL_FROM_URL",
			PhotoImages: photos,
		},
		PostMode:  "DIRECT_POST",
		MediaType: "PHOTO",
	}
	return c.initPost(ctx, "/v2/post/publish/content/init/", request)
}

func (c *TiktokClient) initPost(ctx context.Context, path string, payload any) (*PublishResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	var result transfer.TikTokUploadResponse
	raw, err := doJSON(c.http, models.PlatformTiktok, req, &result)
	if err != nil {
		var perr *PlatformError
		if errors.As(err, &perr) && json.Unmarshal(raw, &result) == nil && result.Error.Message != "" {
			perr.Code = result.Error.Code
			perr.Message = result.Error.Message
		}
		return nil, err
	}
	if result.Error.Code != "" && result.Error.Code != "ok" {
		return nil, &PlatformError{Platform: models.PlatformTiktok, StatusCode: http.StatusOK, Code: result.Error.Code, Message: result.Error.Message}
	}

	c.logger.Info("tiktok publish started", "publish_id", result.Data.PublishID)
	return &PublishResult{ID: result.Data.PublishID, Raw: raw}, nil
}

// TiktokRefresher renews TikTok OAuth2 tokens.
type TiktokRefresher struct {
	http         *http.Client
	baseURL      string
	clientKey    string
	clientSecret string
}

func NewTiktokRefresher(httpClient *http.Client, baseURL, clientKey, clientSecret string) *TiktokRefresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = TiktokAPIBaseURL
	}
	return &TiktokRefresher{
		http:         httpClient,
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientKey:    clientKey,
		clientSecret: clientSecret,
	}
}

func (r *TiktokRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	data := url.Values{}
	data.Set("client_key", r.clientKey)
	data.Set("client_secret", r.clientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v2/oauth/token/", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tokenResponse transfer.TiktokTokenResponse
	if _, err := doJSON(r.http, models.PlatformTiktok, req, &tokenResponse); err != nil {
		return nil, err
	}
	if tokenResponse.Error != "" || tokenResponse.AccessToken == "" {
		return nil, &PlatformError{
			Platform:   models.PlatformTiktok,
			StatusCode: http.StatusUnauthorized,
			Code:       tokenResponse.Error,
			Message:    tokenResponse.ErrorDescription,
		}
	}
	return &oauth2.Token{
		AccessToken:  tokenResponse.AccessToken,
		RefreshToken: tokenResponse.RefreshToken,
		TokenType:    tokenResponse.TokenType,
		Expiry:       GetExpiresAt(tokenResponse.ExpiresIn),
	}, nil
}
