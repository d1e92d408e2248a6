package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/maheshrc27/relayflow/internal/media"
	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/transfer"
)

const (
	telegramAlbumMax = 10
	// flood waits up to telegramMaxRetryAfter are sat out per request,
	// longer ones are returned to the caller
	telegramMaxRetries    = 2
	telegramMaxRetryAfter = 30 * time.Second
)

var telegramLimits = Limits{
	MaxTextRunes:    4096,
	MaxCaptionRunes: 1024,
	MaxPhotos:       telegramAlbumMax,
	MaxVideos:       telegramAlbumMax,
	AllowMixed:      true,
	AllowDocuments:  true,
}

// TelegramBotClient publishes to one or more chats through the Bot API.
type TelegramBotClient struct {
	http    *http.Client
	baseURL string
	token   string
	chatIDs []string
	limiter *ChatLimiter
	logger  *slog.Logger
}

func NewTelegramBotClient(httpClient *http.Client, baseURL, token string, chatIDs []string, limiter *ChatLimiter, logger *slog.Logger) *TelegramBotClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramBotClient{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		chatIDs: chatIDs,
		limiter: limiter,
		logger:  logger,
	}
}

func (c *TelegramBotClient) Platform() string { return models.PlatformTelegram }

func (c *TelegramBotClient) Limits() Limits { return telegramLimits }

func (c *TelegramBotClient) Publish(ctx context.Context, post Post) (*PublishResult, error) {
	if len(c.chatIDs) == 0 {
		return nil, ErrMissingChatID
	}
	if post.Text == "" && len(post.Media) == 0 {
		return nil, ErrEmptyPost
	}

	var first *PublishResult
	for _, chatID := range c.chatIDs {
		res, err := c.sendTo(ctx, chatID, post)
		if err != nil {
			return first, fmt.Errorf("chat %s: %w", chatID, partial(first, err))
		}
		if first == nil {
			first = res
		}
	}
	return first, nil
}

func (c *TelegramBotClient) sendTo(ctx context.Context, chatID string, post Post) (*PublishResult, error) {
	if err := c.limiter.Wait(ctx, chatID); err != nil {
		return nil, err
	}

	if len(post.Media) == 0 {
		return c.SendMessage(ctx, chatID, post.Text)
	}

	caption := post.Text
	var trailing string
	if utf8.RuneCountInString(caption) > telegramLimits.MaxCaptionRunes {
		caption, trailing = "", post.Text
	}

	var grouped, documents []*media.File
	for _, f := range post.Media {
		if f.Kind == models.MediaKindDocument {
			documents = append(documents, f)
			continue
		}
		grouped = append(grouped, f)
	}

	var first *PublishResult
	keep := func(res *PublishResult) {
		if first == nil {
			first = res
		}
	}

	switch {
	case len(grouped) == 1:
		res, err := c.SendMedia(ctx, chatID, grouped[0], caption)
		if err != nil {
			return nil, err
		}
		keep(res)
		caption = ""
	case len(grouped) > 1:
		res, err := c.SendMediaGroup(ctx, chatID, grouped, caption)
		if err != nil {
			return nil, err
		}
		keep(res)
		caption = ""
	}
	for _, doc := range documents {
		res, err := c.SendMedia(ctx, chatID, doc, caption)
		if err != nil {
			return first, partial(first, err)
		}
		keep(res)
		caption = ""
	}
	if trailing != "" {
		res, err := c.SendMessage(ctx, chatID, trailing)
		if err != nil {
			return first, partial(first, err)
		}
		keep(res)
	}
	return first, nil
}

// partial marks err as ErrPartialPublish once delivered is set.
func partial(delivered *PublishResult, err error) error {
	if delivered == nil || errors.Is(err, ErrPartialPublish) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPartialPublish, err)
}

func (c *TelegramBotClient) SendMessage(ctx context.Context, chatID, text string) (*PublishResult, error) {
	body, err := json.Marshal(map[string]any{"chat_id": chatID, "text": text})
	if err != nil {
		return nil, err
	}
	return c.send(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendMessage"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

// SendMedia uploads a single file with the method matching its kind.
func (c *TelegramBotClient) SendMedia(ctx context.Context, chatID string, file *media.File, caption string) (*PublishResult, error) {
	method, field := "sendDocument", "document"
	switch file.Kind {
	case models.MediaKindPhoto:
		method, field = "sendPhoto", "photo"
	case models.MediaKindVideo:
		method, field = "sendVideo", "video"
	case models.MediaKindAnimation:
		method, field = "sendAnimation", "animation"
	}

	fields := map[string]string{"chat_id": chatID}
	if caption != "" {
		fields["caption"] = caption
	}
	files := []formFile{{field: field, path: file.Path, name: field + media.Extension(file.MimeType)}}
	return c.send(ctx, func() (*http.Request, error) {
		return newMultipartRequest(ctx, c.methodURL(method), fields, files)
	})
}

// SendMediaGroup sends up to ten photos or videos as one album.
func (c *TelegramBotClient) SendMediaGroup(ctx context.Context, chatID string, files []*media.File, caption string) (*PublishResult, error) {
	if len(files) > telegramAlbumMax {
		files = files[:telegramAlbumMax]
	}

	items := make([]transfer.TelegramInputMedia, 0, len(files))
	uploads := make([]formFile, 0, len(files))
	for i, f := range files {
		kind := "photo"
		if f.Kind == models.MediaKindVideo || f.Kind == models.MediaKindAnimation {
			kind = "video"
		}
		name := fmt.Sprintf("file%d", i)
		item := transfer.TelegramInputMedia{Type: kind, Media: "attach://" + name}
		if i == 0 {
			item.Caption = caption
		}
		items = append(items, item)
		uploads = append(uploads, formFile{field: name, path: f.Path, name: name + media.Extension(f.MimeType)})
	}

	encoded, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{"chat_id": chatID, "media": string(encoded)}
	return c.send(ctx, func() (*http.Request, error) {
		return newMultipartRequest(ctx, c.methodURL("sendMediaGroup"), fields, uploads)
	})
}

func (c *TelegramBotClient) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

// send performs one Bot API request and sits out short flood waits. build is
// called for every attempt because upload bodies are consumed.
func (c *TelegramBotClient) send(ctx context.Context, build func() (*http.Request, error)) (*PublishResult, error) {
	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}
		res, err := c.call(req)
		var perr *PlatformError
		if err == nil || attempt >= telegramMaxRetries || !errors.As(err, &perr) ||
			!perr.RateLimited() || perr.RetryAfter > telegramMaxRetryAfter {
			return res, err
		}

		c.logger.Warn("telegram flood wait", "retry_after", perr.RetryAfter, "attempt", attempt+1)
		timer := time.NewTimer(perr.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *TelegramBotClient) call(req *http.Request) (*PublishResult, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("telegram read response: %w", err)
	}

	var out transfer.TelegramResponse
	if err := json.Unmarshal(raw, &out); err != nil || !out.OK {
		perr := newPlatformError(models.PlatformTelegram, resp, raw)
		if out.ErrorCode != 0 {
			perr.StatusCode = out.ErrorCode
		}
		if out.Description != "" {
			perr.Message = out.Description
		}
		if out.Parameters != nil && out.Parameters.RetryAfter > 0 {
			perr.RetryAfter = time.Duration(out.Parameters.RetryAfter) * time.Second
		}
		return nil, perr
	}

	result := &PublishResult{Raw: out.Result}
	var msg transfer.TelegramMessage
	var album []transfer.TelegramMessage
	switch {
	case json.Unmarshal(out.Result, &msg) == nil && msg.MessageID != 0:
	case json.Unmarshal(out.Result, &album) == nil && len(album) > 0:
		msg = album[0]
	}
	if msg.MessageID != 0 {
		result.ID = strconv.FormatInt(msg.MessageID, 10)
		if msg.Chat.Username != "" {
			result.URL = fmt.Sprintf("https://t.me/%s/%d", msg.Chat.Username, msg.MessageID)
		}
	}
	return result, nil
}
