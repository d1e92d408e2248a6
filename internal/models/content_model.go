package models

import "time"

const (
	MediaKindPhoto     = "photo"
	MediaKindVideo     = "video"
	MediaKindAnimation = "animation"
	MediaKindDocument  = "document"
)

// IncomingContent is one normalized event produced by a source listener. It
// lives only until it has been dispatched.
type IncomingContent struct {
	SourceAccountID int64
	SourcePlatform  string
	ChatID          string
	AuthorID        string
	AuthorUsername  string
	MessageID       string
	Text            string
	Media           []MediaItem
	Fingerprint     string
	IsReply         bool
	IsRetweet       bool
	IsQuote         bool
	IsForward       bool
	URL             string
	ReceivedAt      time.Time
}

func (c *IncomingContent) HasMedia() bool {
	return len(c.Media) > 0
}

type MediaItem struct {
	Kind     string
	MimeType string
	Size     int64
	CacheKey string
	Locator  MediaLocator
}

type MediaLocator struct {
	URL      string
	Telegram *TelegramLocation
}

type TelegramLocation struct {
	AccountID     int64
	Kind          string
	ID            int64
	AccessHash    int64
	FileReference []byte
	ThumbSize     string
}
