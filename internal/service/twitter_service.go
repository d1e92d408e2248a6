package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/maheshrc27/relayflow/internal/media"
	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/transfer"
)

const TwitterAPIBaseURL = "https://api.twitter.com"

var twitterLimits = Limits{
	MaxTextRunes: 280,
	MaxPhotos:    4,
	MaxVideos:    1,
	Length:       TwitterTextLength,
}

// every link is shortened to a t.co URL of this weight
const twitterURLWeight = 23

var twitterURLPattern = regexp.MustCompile(`https?://[^\s]+`)

// TwitterTextLength counts s the way Twitter weighs a tweet. Links count as
// twitterURLWeight and code points outside the Latin and punctuation ranges
// count twice.
func TwitterTextLength(s string) int {
	n, last := 0, 0
	for _, loc := range twitterURLPattern.FindAllStringIndex(s, -1) {
		n += twitterWeight(s[last:loc[0]]) + twitterURLWeight
		last = loc[1]
	}
	return n + twitterWeight(s[last:])
}

func twitterWeight(s string) int {
	n := 0
	for _, r := range s {
		switch {
		case r <= 0x10FF,
			r >= 0x2000 && r <= 0x200D,
			r >= 0x2010 && r <= 0x201F,
			r >= 0x2032 && r <= 0x2037:
			n++
		default:
			n += 2
		}
	}
	return n
}

// TwitterClient posts tweets on behalf of a user with an OAuth2 user token.
type TwitterClient struct {
	http        *http.Client
	baseURL     string
	accessToken string
	username    string
	logger      *slog.Logger
}

func NewTwitterClient(httpClient *http.Client, baseURL, accessToken, username string, logger *slog.Logger) *TwitterClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if baseURL == "" {
		baseURL = TwitterAPIBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TwitterClient{
		http:        httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		username:    username,
		logger:      logger,
	}
}

func (c *TwitterClient) Platform() string { return models.PlatformTwitter }

func (c *TwitterClient) Limits() Limits { return twitterLimits }

func (c *TwitterClient) Publish(ctx context.Context, post Post) (*PublishResult, error) {
	if post.Text == "" && len(post.Media) == 0 {
		return nil, ErrEmptyPost
	}

	tweet := transfer.TweetRequest{Text: post.Text}
	if len(post.Media) > 0 {
		ids := make([]string, 0, len(post.Media))
		for _, f := range post.Media {
			id, err := c.UploadMedia(ctx, f)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		tweet.Media = &transfer.TweetMedia{MediaIDs: ids}
	}

	body, err := json.Marshal(tweet)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tweet request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	var tweetResp transfer.TweetResponse
	raw, err := doJSON(c.http, models.PlatformTwitter, req, &tweetResp)
	if err != nil {
		return nil, err
	}
	if tweetResp.Data.ID == "" {
		if len(tweetResp.Errors) > 0 {
			return nil, fmt.Errorf("twitter API error: %s", twitterErrorText(tweetResp.Errors[0]))
		}
		return nil, errors.New("twitter API returned no tweet id")
	}

	c.logger.Info("tweet posted", "tweet_id", tweetResp.Data.ID, "media", len(post.Media))

	result := &PublishResult{ID: tweetResp.Data.ID, Raw: raw}
	if c.username != "" {
		result.URL = fmt.Sprintf("https://x.com/%s/status/%s", c.username, tweetResp.Data.ID)
	}
	return result, nil
}

// UploadMedia uploads a file and returns its media id.
func (c *TwitterClient) UploadMedia(ctx context.Context, file *media.File) (string, error) {
	category := "tweet_image"
	switch file.Kind {
	case models.MediaKindVideo:
		category = "tweet_video"
	case models.MediaKindAnimation:
		category = "tweet_gif"
	}

	fields := map[string]string{"media_category": category}
	if file.MimeType != "" {
		fields["media_type"] = file.MimeType
	}
	req, err := newMultipartRequest(ctx, c.baseURL+"/2/media/upload", fields, []formFile{{field: "media", path: file.Path}})
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	var uploadResp transfer.MediaUploadResponse
	if _, err := doJSON(c.http, models.PlatformTwitter, req, &uploadResp); err != nil {
		return "", fmt.Errorf("upload %s: %w", file.CacheKey, err)
	}
	if uploadResp.Data.ID == "" {
		return "", fmt.Errorf("upload %s: no media id returned", file.CacheKey)
	}
	return uploadResp.Data.ID, nil
}

func twitterErrorText(e transfer.TwitterError) string {
	for _, s := range []string{e.Detail, e.Message, e.Title} {
		if s != "" {
			return s
		}
	}
	return "unknown error"
}

// TwitterRefresher renews OAuth2 user tokens.
type TwitterRefresher struct {
	conf *oauth2.Config
	http *http.Client
}

func NewTwitterRefresher(httpClient *http.Client, baseURL, clientID, clientSecret string) *TwitterRefresher {
	if baseURL == "" {
		baseURL = TwitterAPIBaseURL
	}
	return &TwitterRefresher{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   "https://twitter.com/i/oauth2/authorize",
				TokenURL:  strings.TrimRight(baseURL, "/") + "/2/oauth2/token",
				AuthStyle: oauth2.AuthStyleInHeader,
			},
			Scopes: []string{"tweet.read", "tweet.write", "users.read", "offline.access", "media.write"},
		},
		http: httpClient,
	}
}

func (r *TwitterRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("twitter account has no refresh token")
	}
	if r.http != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.http)
	}
	token, err := r.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, oauthError(models.PlatformTwitter, err)
	}
	return token, nil
}

// oauthError maps a rejected refresh onto PlatformError so callers can tell
// revoked grants from transport failures.
func oauthError(platform string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		status := rerr.Response.StatusCode
		if status == http.StatusBadRequest {
			// invalid_grant: the refresh token itself was revoked
			status = http.StatusUnauthorized
		}
		return &PlatformError{Platform: platform, StatusCode: status, Code: rerr.ErrorCode, Message: string(rerr.Body)}
	}
	return fmt.Errorf("%s token refresh failed: %w", platform, err)
}
