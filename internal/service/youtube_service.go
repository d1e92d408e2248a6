package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/maheshrc27/relayflow/internal/models"
)

var youtubeLimits = Limits{
	MaxTextRunes:  5000,
	MaxTitleRunes: 100,
	MaxVideos:     1,
	RequiresMedia: true,
	RequiresVideo: true,
}

// YoutubeClient uploads videos to the channel of the account.
type YoutubeClient struct {
	accessToken   string
	privacyStatus string
	categoryID    string
	opts          []option.ClientOption
	logger        *slog.Logger
}

func NewYoutubeClient(accessToken string, creds *models.YoutubeCredentials, logger *slog.Logger, opts ...option.ClientOption) *YoutubeClient {
	c := &YoutubeClient{
		accessToken:   accessToken,
		privacyStatus: "public",
		categoryID:    "22",
		opts:          opts,
		logger:        logger,
	}
	if creds != nil {
		if creds.PrivacyStatus != "" {
			c.privacyStatus = creds.PrivacyStatus
		}
		if creds.CategoryID != "" {
			c.categoryID = creds.CategoryID
		}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func (c *YoutubeClient) Platform() string { return models.PlatformYoutube }

func (c *YoutubeClient) Limits() Limits { return youtubeLimits }

func (c *YoutubeClient) Publish(ctx context.Context, post Post) (*PublishResult, error) {
	if len(post.Media) != 1 || post.Media[0].Kind != models.MediaKindVideo {
		return nil, fmt.Errorf("%w: youtube needs exactly one video", ErrUnsupportedMedia)
	}

	token := &oauth2.Token{AccessToken: c.accessToken}
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))
	opts := append([]option.ClientOption{option.WithHTTPClient(client)}, c.opts...)
	service, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating youtube service: %w", err)
	}

	file, err := os.Open(post.Media[0].Path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	title := post.Title
	if title == "" {
		title = "Untitled"
	}
	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Description: post.Text,
			Title:       title,
			CategoryId:  c.categoryID,
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus: c.privacyStatus,
		},
	}

	response, err := service.Videos.Insert([]string{"snippet", "status"}, video).Media(file).Context(ctx).Do()
	if err != nil {
		return nil, youtubeError(err)
	}

	c.logger.Info("video uploaded", "video_id", response.Id)
	raw, _ := json.Marshal(response)
	return &PublishResult{ID: response.Id, URL: "https://youtu.be/" + response.Id, Raw: raw}, nil
}

func youtubeError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &PlatformError{Platform: models.PlatformYoutube, StatusCode: gerr.Code, Message: gerr.Message}
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		return &PlatformError{Platform: models.PlatformYoutube, StatusCode: http.StatusUnauthorized, Message: rerr.Error()}
	}
	return fmt.Errorf("youtube upload: %w", err)
}

// YoutubeRefresher renews Google OAuth2 tokens.
type YoutubeRefresher struct {
	conf *oauth2.Config
}

func NewYoutubeRefresher(clientID, clientSecret string) *YoutubeRefresher {
	return &YoutubeRefresher{conf: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{"https://www.googleapis.com/auth/youtube.upload"},
		Endpoint:     google.Endpoint,
	}}
}

func (r *YoutubeRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	token, err := r.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, oauthError(models.PlatformYoutube, err)
	}
	return token, nil
}
