package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/oauth2"

	"github.com/maheshrc27/relayflow/internal/media"
	"github.com/maheshrc27/relayflow/internal/models"
)

var (
	ErrUnsupportedMedia = errors.New("media not supported by target")
	ErrMissingChatID    = errors.New("telegram target has no chat id")
	ErrNoRefresher      = errors.New("platform does not support token refresh")
	ErrEmptyPost        = errors.New("nothing to publish")
	// ErrPartialPublish marks a failure after part of the post was already
	// delivered. Such a publish must not be repeated as a whole.
	ErrPartialPublish = errors.New("post partially published")
)

const maxErrorMessageRunes = 512

// Publisher posts content to one target account.
type Publisher interface {
	Platform() string
	Limits() Limits
	Publish(ctx context.Context, post Post) (*PublishResult, error)
}

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// MediaStager makes a local file reachable by URL for targets that pull
// media instead of accepting uploads.
type MediaStager interface {
	Stage(ctx context.Context, file *media.File) (string, error)
}

type Post struct {
	Text  string
	Title string
	Media []*media.File
	// Stager is required by targets that pull media from a URL.
	Stager MediaStager
}

type PublishResult struct {
	ID  string          `json:"id"`
	URL string          `json:"url,omitempty"`
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Limits describes what a target platform accepts in a single post.
type Limits struct {
	MaxTextRunes    int
	MaxCaptionRunes int
	MaxTitleRunes   int
	MaxPhotos       int
	MaxVideos       int
	AllowMixed      bool
	AllowDocuments  bool
	RequiresMedia   bool
	RequiresVideo   bool
	// Length measures text against the rune limits. Nil counts runes.
	Length func(string) int
}

// TextLength returns the length of s as the platform counts it.
func (l Limits) TextLength(s string) int {
	if l.Length != nil {
		return l.Length(s)
	}
	return utf8.RuneCountInString(s)
}

// TextLimit returns the text budget for a post carrying mediaCount items.
func (l Limits) TextLimit(mediaCount int) int {
	if mediaCount > 0 && l.MaxCaptionRunes > 0 {
		return l.MaxCaptionRunes
	}
	return l.MaxTextRunes
}

// LimitsFor returns the publishing limits of a target platform.
func LimitsFor(platform string) (Limits, bool) {
	switch platform {
	case models.PlatformTelegram:
		return telegramLimits, true
	case models.PlatformTwitter:
		return twitterLimits, true
	case models.PlatformFacebook:
		return facebookLimits, true
	case models.PlatformYoutube:
		return youtubeLimits, true
	case models.PlatformInstagram:
		return instagramLimits, true
	case models.PlatformTiktok:
		return tiktokLimits, true
	}
	return Limits{}, false
}

// PlatformError is a rejection reported by a platform API.
type PlatformError struct {
	Platform   string
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *PlatformError) Error() string {
	msg := fmt.Sprintf("%s api error (status %d)", e.Platform, e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *PlatformError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

func (e *PlatformError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsUnauthorized reports whether err means the account credentials were
// rejected.
func IsUnauthorized(err error) bool {
	var perr *PlatformError
	return errors.As(err, &perr) && perr.Unauthorized()
}

func IsRateLimited(err error) bool {
	var perr *PlatformError
	return errors.As(err, &perr) && perr.RateLimited()
}

func newPlatformError(platform string, resp *http.Response, raw []byte) *PlatformError {
	perr := &PlatformError{
		Platform:   platform,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(raw)),
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		perr.RetryAfter = time.Duration(secs) * time.Second
	}
	perr.Message = truncateRunes(perr.Message, maxErrorMessageRunes)
	return perr
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// IsPartialPublish reports whether err happened after some of the post
// reached the target.
func IsPartialPublish(err error) bool {
	return errors.Is(err, ErrPartialPublish)
}

// doJSON sends req and decodes a 2xx JSON body into out. Other statuses are
// returned as *PlatformError.
func doJSON(client *http.Client, platform string, req *http.Request, out any) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", platform, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s read response: %w", platform, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return raw, newPlatformError(platform, resp, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("%s decode response: %w", platform, err)
		}
	}
	return raw, nil
}

func GetExpiresAt(expiresIn int) time.Time {
	return time.Now().Add(time.Duration(expiresIn) * time.Second)
}
