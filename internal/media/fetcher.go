package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/maheshrc27/relayflow/internal/metrics"
	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/retry"
)

type Options struct {
	Dir           string
	MaxBytes      int64
	MaxConcurrent int
	// Retries is the number of extra attempts after a transient failure.
	Retries    int
	HTTPClient *http.Client
	// Telegram downloads items located by models.TelegramLocation.
	Telegram Downloader
	Stager   Stager
	Logger   *slog.Logger
	Metrics  *metrics.Relay
}

// Fetcher owns the download limits shared by every scope.
type Fetcher struct {
	dir      string
	maxBytes int64
	sem      *semaphore.Weighted
	policy   retry.Policy
	web      Downloader
	telegram Downloader
	stager   Stager
	logger   *slog.Logger
	metrics  *metrics.Relay
}

func NewFetcher(opts Options) *Fetcher {
	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	policy := retry.DefaultPolicy()
	policy.MaxRetries = opts.Retries

	return &Fetcher{
		dir:      opts.Dir,
		maxBytes: opts.MaxBytes,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		policy:   policy,
		web:      NewHTTPDownloader(opts.HTTPClient),
		telegram: opts.Telegram,
		stager:   opts.Stager,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// NewScope opens the cache of one event. The caller holds the first
// reference and must Release it.
func (f *Fetcher) NewScope(eventID string) *Scope {
	return &Scope{
		fetcher: f,
		eventID: eventID,
		refs:    1,
		files:   make(map[string]*File),
		errs:    make(map[string]error),
		staged:  make(map[string]string),
	}
}

func (f *Fetcher) downloaderFor(item models.MediaItem) (Downloader, error) {
	switch {
	case item.Locator.Telegram != nil:
		if f.telegram == nil {
			return nil, fmt.Errorf("%w: telegram", ErrNoDownloader)
		}
		return f.telegram, nil
	case item.Locator.URL != "":
		return f.web, nil
	}
	return nil, ErrNoLocator
}

func (f *Fetcher) fetch(ctx context.Context, key string, item models.MediaItem) (*File, error) {
	if f.maxBytes > 0 && item.Size > f.maxBytes {
		return nil, tooLarge(item.Size, f.maxBytes)
	}
	downloader, err := f.downloaderFor(item)
	if err != nil {
		return nil, err
	}

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer f.sem.Release(1)

	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(f.dir, "relayflow-"+id)
	out, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create media file: %w", err)
	}

	partSize := PartSize(item.Size)
	var size int64
	err = retry.Do(ctx, f.policy, func(ctx context.Context) error {
		if err := rewind(out); err != nil {
			return err
		}
		n, err := downloader.Download(ctx, item, &limitWriter{w: out, limit: f.maxBytes}, partSize)
		size = n
		return err
	})
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	f.metrics.MediaDownloaded(size, err)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("download %s: %w", key, err)
	}

	file := &File{Path: path, Size: size, MimeType: item.MimeType, Kind: item.Kind, CacheKey: key}
	if err := sniff(file); err != nil {
		f.logger.Warn("could not detect media type", "key", key, "error", err)
	}
	f.logger.Debug("media downloaded", "key", key, "size", size, "mime", file.MimeType)
	return file, nil
}

func rewind(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.Seek(0, io.SeekStart)
	return err
}

// sniff fills MimeType and Kind from the file header when the provider did
// not report them.
func sniff(file *File) error {
	if file.MimeType != "" && file.Kind != "" {
		return nil
	}
	fh, err := os.Open(file.Path)
	if err != nil {
		return err
	}
	defer fh.Close()

	head := make([]byte, 261)
	n, err := io.ReadFull(fh, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return err
	}
	kind, err := filetype.Match(head[:n])
	if err != nil {
		return err
	}
	if file.MimeType == "" && kind != filetype.Unknown {
		file.MimeType = kind.MIME.Value
	}
	if file.Kind == "" {
		file.Kind = KindFromMime(file.MimeType)
	}
	return nil
}

func KindFromMime(mime string) string {
	switch {
	case mime == "image/gif":
		return models.MediaKindAnimation
	case strings.HasPrefix(mime, "image/"):
		return models.MediaKindPhoto
	case strings.HasPrefix(mime, "video/"):
		return models.MediaKindVideo
	}
	return models.MediaKindDocument
}

// Extension returns a file extension for mime, including the dot.
func Extension(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	}
	return ""
}
