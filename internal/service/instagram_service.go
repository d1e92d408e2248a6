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

const InstagramGraphBaseURL = "https://graph.instagram.com"

var instagramLimits = Limits{
	MaxTextRunes:  2200,
	MaxPhotos:     10,
	MaxVideos:     1,
	RequiresMedia: true,
}

// InstagramClient publishes through the Instagram Graph API. Media must be
// reachable by URL, so files are staged before container creation.
type InstagramClient struct {
	http        *http.Client
	baseURL     string
	version     string
	accountID   string
	accessToken string
	pollEvery   time.Duration
	logger      *slog.Logger
}

func NewInstagramClient(httpClient *http.Client, baseURL, version, accountID, accessToken string, logger *slog.Logger) *InstagramClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if baseURL == "" {
		baseURL = InstagramGraphBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InstagramClient{
		http:        httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		version:     version,
		accountID:   accountID,
		accessToken: accessToken,
		pollEvery:   5 * time.Second,
		logger:      logger,
	}
}

func (c *InstagramClient) Platform() string { return models.PlatformInstagram }

func (c *InstagramClient) Limits() Limits { return instagramLimits }

func (c *InstagramClient) Publish(ctx context.Context, post Post) (*PublishResult, error) {
	if len(post.Media) == 0 {
		return nil, fmt.Errorf("%w: instagram needs at least one photo or video", ErrUnsupportedMedia)
	}
	if post.Stager == nil {
		return nil, media.ErrStagingNotSet
	}

	var containerID string
	var err error
	if len(post.Media) == 1 {
		containerID, err = c.createContainer(ctx, post.Stager, post.Media[0], post.Text, false)
	} else {
		containerID, err = c.createCarousel(ctx, post.Stager, post.Media, post.Text)
	}
	if err != nil {
		return nil, err
	}
	if err := c.waitReady(ctx, containerID); err != nil {
		return nil, err
	}
	return c.publishContainer(ctx, containerID)
}

func (c *InstagramClient) createContainer(ctx context.Context, stager MediaStager, file *media.File, caption string, carouselItem bool) (string, error) {
	mediaURL, err := stager.Stage(ctx, file)
	if err != nil {
		return "", err
	}

	payload := map[string]any{"access_token": c.accessToken}
	if file.Kind == models.MediaKindVideo || file.Kind == models.MediaKindAnimation {
		payload["media_type"] = "REELS"
		payload["video_url"] = mediaURL
		if carouselItem {
			payload["media_type"] = "VIDEO"
		}
	} else {
		payload["image_url"] = mediaURL
	}
	if carouselItem {
		payload["is_carousel_item"] = true
	} else if caption != "" {
		payload["caption"] = caption
	}

	var result transfer.InstagramContainerResponse
	if err := c.postJSON(ctx, fmt.Sprintf("%s/%s/%s/media", c.baseURL, c.version, c.accountID), payload, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", errors.New("no media ID returned from Instagram")
	}
	return result.ID, nil
}

func (c *InstagramClient) createCarousel(ctx context.Context, stager MediaStager, files []*media.File, caption string) (string, error) {
	children := make([]string, 0, len(files))
	for _, f := range files {
		id, err := c.createContainer(ctx, stager, f, "", true)
		if err != nil {
			return "", err
		}
		children = append(children, id)
	}

	payload := map[string]any{
		"media_type":   "CAROUSEL",
		"caption":      caption,
		"children":     strings.Join(children, ","),
		"access_token": c.accessToken,
	}
	var result transfer.InstagramContainerResponse
	if err := c.postJSON(ctx, fmt.Sprintf("%s/%s/%s/media", c.baseURL, c.version, c.accountID), payload, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", errors.New("no carousel ID returned from Instagram")
	}
	return result.ID, nil
}

// waitReady polls a container until Instagram finished ingesting its media.
func (c *InstagramClient) waitReady(ctx context.Context, containerID string) error {
	for attempt := 0; attempt < 60; attempt++ {
		q := url.Values{"fields": {"status_code"}, "access_token": {c.accessToken}}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s/%s?%s", c.baseURL, c.version, containerID, q.Encode()), nil)
		if err != nil {
			return err
		}
		var status transfer.InstagramContainerStatus
		raw, err := doJSON(c.http, models.PlatformInstagram, req, &status)
		if err != nil {
			return graphError(models.PlatformInstagram, raw, err)
		}
		switch status.StatusCode {
		case "", "FINISHED", "PUBLISHED":
			return nil
		case "ERROR", "EXPIRED":
			return fmt.Errorf("instagram container %s: %s", containerID, status.StatusCode)
		}

		timer := time.NewTimer(c.pollEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("instagram container %s not ready", containerID)
}

func (c *InstagramClient) publishContainer(ctx context.Context, containerID string) (*PublishResult, error) {
	payload := map[string]any{
		"creation_id":  containerID,
		"access_token": c.accessToken,
	}
	var result transfer.InstagramContainerResponse
	raw, err := c.postJSONRaw(ctx, fmt.Sprintf("%s/%s/%s/media_publish", c.baseURL, c.version, c.accountID), payload, &result)
	if err != nil {
		return nil, err
	}
	c.logger.Info("instagram media published", "media_id", result.ID)
	return &PublishResult{ID: result.ID, Raw: raw}, nil
}

func (c *InstagramClient) postJSON(ctx context.Context, endpoint string, payload map[string]any, out any) error {
	_, err := c.postJSONRaw(ctx, endpoint, payload, out)
	return err
}

func (c *InstagramClient) postJSONRaw(ctx context.Context, endpoint string, payload map[string]any, out any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error marshalling payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := doJSON(c.http, models.PlatformInstagram, req, out)
	return raw, graphError(models.PlatformInstagram, raw, err)
}

// InstagramRefresher extends long lived Instagram tokens. The access token
// doubles as the refresh token.
type InstagramRefresher struct {
	http    *http.Client
	baseURL string
}

func NewInstagramRefresher(httpClient *http.Client, baseURL string) *InstagramRefresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = InstagramGraphBaseURL
	}
	return &InstagramRefresher{http: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

func (r *InstagramRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	q := url.Values{"grant_type": {"ig_refresh_token"}, "access_token": {refreshToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/refresh_access_token?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var result transfer.InstagramRefreshResponse
	raw, err := doJSON(r.http, models.PlatformInstagram, req, &result)
	if err != nil {
		return nil, graphError(models.PlatformInstagram, raw, err)
	}
	return &oauth2.Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.AccessToken,
		TokenType:    result.TokenType,
		Expiry:       GetExpiresAt(result.ExpiresIn),
	}, nil
}
