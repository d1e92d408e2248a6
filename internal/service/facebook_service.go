package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maheshrc27/relayflow/internal/media"
	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/transfer"
)

const FacebookGraphBaseURL = "https://graph.facebook.com"

var facebookLimits = Limits{
	MaxTextRunes: 63206,
	MaxPhotos:    10,
	MaxVideos:    1,
}

// FacebookClient publishes to a Facebook Page with a page access token.
type FacebookClient struct {
	http        *http.Client
	baseURL     string
	pageID      string
	accessToken string
	logger      *slog.Logger
}

func NewFacebookClient(httpClient *http.Client, baseURL, version, pageID, accessToken string, logger *slog.Logger) *FacebookClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if baseURL == "" {
		baseURL = FacebookGraphBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FacebookClient{
		http:        httpClient,
		baseURL:     strings.TrimRight(baseURL, "/") + "/" + version,
		pageID:      pageID,
		accessToken: accessToken,
		logger:      logger,
	}
}

func (c *FacebookClient) Platform() string { return models.PlatformFacebook }

func (c *FacebookClient) Limits() Limits { return facebookLimits }

func (c *FacebookClient) Publish(ctx context.Context, post Post) (*PublishResult, error) {
	if c.pageID == "" {
		return nil, errors.New("facebook account has no page id")
	}
	var videos, photos []*media.File
	for _, f := range post.Media {
		switch f.Kind {
		case models.MediaKindVideo, models.MediaKindAnimation:
			videos = append(videos, f)
		case models.MediaKindPhoto:
			photos = append(photos, f)
		}
	}

	switch {
	case len(videos) > 0:
		return c.publishVideo(ctx, videos[0], post.Text)
	case len(photos) == 1:
		return c.publishPhoto(ctx, photos[0], post.Text, true)
	case len(photos) > 1:
		return c.publishMultiPhoto(ctx, photos, post.Text)
	case post.Text != "":
		return c.publishFeed(ctx, url.Values{"message": {post.Text}})
	}
	return nil, ErrEmptyPost
}

func (c *FacebookClient) publishFeed(ctx context.Context, form url.Values) (*PublishResult, error) {
	form.Set("access_token", c.accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s/feed", c.baseURL, c.pageID), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out transfer.FacebookPostResponse
	raw, err := c.do(req, &out)
	if err != nil {
		return nil, err
	}
	return c.result(out, raw), nil
}

func (c *FacebookClient) publishPhoto(ctx context.Context, file *media.File, caption string, published bool) (*PublishResult, error) {
	fields := map[string]string{
		"access_token": c.accessToken,
		"published":    fmt.Sprint(published),
	}
	if caption != "" {
		fields["caption"] = caption
	}
	req, err := newMultipartRequest(ctx, fmt.Sprintf("%s/%s/photos", c.baseURL, c.pageID), fields, []formFile{{field: "source", path: file.Path}})
	if err != nil {
		return nil, err
	}

	var out transfer.FacebookPostResponse
	raw, err := c.do(req, &out)
	if err != nil {
		return nil, err
	}
	return c.result(out, raw), nil
}

// publishMultiPhoto uploads unpublished photos and attaches them to one feed
// post.
func (c *FacebookClient) publishMultiPhoto(ctx context.Context, photos []*media.File, text string) (*PublishResult, error) {
	form := url.Values{}
	if text != "" {
		form.Set("message", text)
	}
	for i, photo := range photos {
		uploaded, err := c.publishPhoto(ctx, photo, "", false)
		if err != nil {
			return nil, fmt.Errorf("upload photo %d: %w", i, err)
		}
		attached, err := json.Marshal(transfer.FacebookAttachedMedia{MediaFbID: uploaded.ID})
		if err != nil {
			return nil, err
		}
		form.Set(fmt.Sprintf("attached_media[%d]", i), string(attached))
	}
	return c.publishFeed(ctx, form)
}

func (c *FacebookClient) publishVideo(ctx context.Context, file *media.File, description string) (*PublishResult, error) {
	fields := map[string]string{"access_token": c.accessToken}
	if description != "" {
		fields["description"] = description
	}
	req, err := newMultipartRequest(ctx, fmt.Sprintf("%s/%s/videos", c.baseURL, c.pageID), fields, []formFile{{field: "source", path: file.Path}})
	if err != nil {
		return nil, err
	}

	var out transfer.FacebookPostResponse
	raw, err := c.do(req, &out)
	if err != nil {
		return nil, err
	}
	return c.result(out, raw), nil
}

func (c *FacebookClient) result(out transfer.FacebookPostResponse, raw []byte) *PublishResult {
	id := out.PostID
	if id == "" {
		id = out.ID
	}
	return &PublishResult{ID: id, URL: "https://www.facebook.com/" + id, Raw: raw}
}

func (c *FacebookClient) do(req *http.Request, out any) ([]byte, error) {
	raw, err := doJSON(c.http, models.PlatformFacebook, req, out)
	return raw, graphError(models.PlatformFacebook, raw, err)
}

// graphError enriches a Graph API failure with the error envelope. Code 190
// means the access token is invalid.
func graphError(platform string, raw []byte, err error) error {
	var perr *PlatformError
	if !errors.As(err, &perr) {
		return err
	}
	var envelope transfer.GraphErrorResponse
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		perr.Message = envelope.Error.Message
		perr.Code = fmt.Sprintf("%s/%d", envelope.Error.Type, envelope.Error.Code)
		if envelope.Error.Code == 190 {
			perr.StatusCode = http.StatusUnauthorized
		}
	}
	return perr
}
