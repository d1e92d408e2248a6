package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/retry"
)

// HTTPDownloader fetches media exposed by a plain URL.
type HTTPDownloader struct {
	client *http.Client
}

func NewHTTPDownloader(client *http.Client) *HTTPDownloader {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPDownloader{client: client}
}

func (d *HTTPDownloader) Download(ctx context.Context, item models.MediaItem, w io.Writer, partSize int) (int64, error) {
	if item.Locator.URL == "" {
		return 0, ErrNoLocator
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.Locator.URL, nil)
	if err != nil {
		return 0, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, retry.Retryable(fmt.Errorf("fetch media: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil {
				return 0, retry.RetryableAfter(err, time.Duration(secs)*time.Second)
			}
			return 0, retry.Retryable(err)
		}
		if resp.StatusCode >= 500 {
			return 0, retry.Retryable(err)
		}
		return 0, err
	}

	n, err := io.CopyBuffer(w, resp.Body, make([]byte, partSize))
	if err != nil {
		return n, fmt.Errorf("fetch media: %w", err)
	}
	return n, nil
}
