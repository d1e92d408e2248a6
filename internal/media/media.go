// Package media downloads source attachments into a per event cache that is
// shared by every task relaying the same event.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/maheshrc27/relayflow/internal/models"
)

var (
	ErrTooLarge      = errors.New("media exceeds download limit")
	ErrScopeClosed   = errors.New("media scope closed")
	ErrNoLocator     = errors.New("media item has no locator")
	ErrNoDownloader  = errors.New("no downloader for media item")
	ErrStagingNotSet = errors.New("media staging is not configured")
)

// File is a downloaded media item on local disk.
type File struct {
	Path     string
	Size     int64
	MimeType string
	Kind     string
	CacheKey string
	// URL is set once the file has been staged to public storage.
	URL string
}

// Downloader streams one media item into w using chunks of partSize bytes.
type Downloader interface {
	Download(ctx context.Context, item models.MediaItem, w io.Writer, partSize int) (int64, error)
}

// Stager publishes local files to storage that target platforms can pull
// from.
type Stager interface {
	Stage(ctx context.Context, key, path, contentType string) (string, error)
	Remove(ctx context.Context, key string) error
}

func tooLarge(size, limit int64) error {
	return fmt.Errorf("%w: %d bytes exceeds MEDIA_MAX_DOWNLOAD_BYTES=%d", ErrTooLarge, size, limit)
}

const (
	kib = 1024
	mib = 1024 * kib
)

// PartSize picks the chunk size for a download of the given size. Results
// are multiples of 4KiB that divide 1MiB, as required by upload.getFile.
func PartSize(size int64) int {
	switch {
	case size <= 0:
		return 128 * kib
	case size < mib:
		return 64 * kib
	case size < 10*mib:
		return 128 * kib
	case size < 50*mib:
		return 256 * kib
	case size < 200*mib:
		return 512 * kib
	default:
		return mib
	}
}

// CacheKey returns the identity of item inside a scope.
func CacheKey(item models.MediaItem) string {
	switch {
	case item.CacheKey != "":
		return item.CacheKey
	case item.Locator.Telegram != nil:
		return fmt.Sprintf("telegram:%s:%d", item.Locator.Telegram.Kind, item.Locator.Telegram.ID)
	case item.Locator.URL != "":
		return "url:" + item.Locator.URL
	}
	return ""
}

// limitWriter fails as soon as more than limit bytes were written.
type limitWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.limit > 0 && l.written+int64(len(p)) > l.limit {
		return 0, tooLarge(l.written+int64(len(p)), l.limit)
	}
	n, err := l.w.Write(p)
	l.written += int64(n)
	return n, err
}
