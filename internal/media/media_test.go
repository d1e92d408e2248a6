package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/maheshrc27/relayflow/internal/models"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fakeDownloader struct {
	calls atomic.Int32
	gate  chan struct{}
	body  []byte
	err   error
}

func (d *fakeDownloader) Download(ctx context.Context, item models.MediaItem, w io.Writer, partSize int) (int64, error) {
	d.calls.Add(1)
	if d.gate != nil {
		<-d.gate
	}
	if d.err != nil {
		return 0, d.err
	}
	n, err := w.Write(d.body)
	return int64(n), err
}

type fakeStager struct {
	mu      sync.Mutex
	staged  map[string]string
	removed []string
}

func (s *fakeStager) Stage(ctx context.Context, key, path, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged == nil {
		s.staged = map[string]string{}
	}
	s.staged[key] = path
	return "https://media.example.com/" + key, nil
}

func (s *fakeStager) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, key)
	return nil
}

func newTestFetcher(t *testing.T, telegram Downloader, maxBytes int64) *Fetcher {
	t.Helper()
	return NewFetcher(Options{
		Dir:           t.TempDir(),
		MaxBytes:      maxBytes,
		MaxConcurrent: 2,
		Telegram:      telegram,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func telegramPhoto(id int64) models.MediaItem {
	return models.MediaItem{
		Kind:     models.MediaKindPhoto,
		CacheKey: fmt.Sprintf("telegram:photo:%d", id),
		Locator:  models.MediaLocator{Telegram: &models.TelegramLocation{AccountID: 1, Kind: "photo", ID: id}},
	}
}

func TestScopeSharesConcurrentDownloads(t *testing.T) {
	dl := &fakeDownloader{gate: make(chan struct{}), body: pngHeader}
	scope := newTestFetcher(t, dl, 0).NewScope("event-1")
	defer scope.Release()

	item := telegramPhoto(1)
	const n = 8
	files := make([]*File, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			files[i], errs[i] = scope.Get(context.Background(), item)
		}(i)
	}
	close(dl.gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("get %d: %v", i, errs[i])
		}
		if files[i].Path != files[0].Path {
			t.Fatalf("expected the same cached file, got %q and %q", files[i].Path, files[0].Path)
		}
	}
	if got := dl.calls.Load(); got != 1 {
		t.Fatalf("expected one download, got %d", got)
	}
	if files[0].MimeType != "image/png" {
		t.Errorf("expected sniffed png, got %q", files[0].MimeType)
	}
}

func TestScopeCachesFailures(t *testing.T) {
	dl := &fakeDownloader{err: errors.New("file reference expired")}
	scope := newTestFetcher(t, dl, 0).NewScope("event-2")
	defer scope.Release()

	item := telegramPhoto(2)
	if _, err := scope.Get(context.Background(), item); err == nil {
		t.Fatal("expected download error")
	}
	if _, err := scope.Get(context.Background(), item); err == nil {
		t.Fatal("expected cached error")
	}
	if got := dl.calls.Load(); got != 1 {
		t.Fatalf("failure should be cached, downloads=%d", got)
	}
}

func TestDeclaredSizeAboveLimitFailsBeforeDownload(t *testing.T) {
	dl := &fakeDownloader{body: pngHeader}
	scope := newTestFetcher(t, dl, 1024).NewScope("event-3")
	defer scope.Release()

	item := telegramPhoto(3)
	item.Size = 4096
	_, err := scope.Get(context.Background(), item)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if !strings.Contains(err.Error(), "1024") {
		t.Errorf("error should name the limit: %v", err)
	}
	if dl.calls.Load() != 0 {
		t.Fatal("no download should be attempted")
	}
}

func TestStreamedBytesAboveLimitAbort(t *testing.T) {
	dir := t.TempDir()
	dl := &fakeDownloader{body: make([]byte, 4096)}
	fetcher := NewFetcher(Options{Dir: dir, MaxBytes: 1024, Telegram: dl, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	scope := fetcher.NewScope("event-4")
	defer scope.Release()

	_, err := scope.Get(context.Background(), telegramPhoto(4))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("partial download should be removed, found %d files", len(entries))
	}
}

func TestReleaseRemovesFilesAndStagedObjects(t *testing.T) {
	dir := t.TempDir()
	stager := &fakeStager{}
	fetcher := NewFetcher(Options{
		Dir:      dir,
		Telegram: &fakeDownloader{body: pngHeader},
		Stager:   stager,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	scope := fetcher.NewScope("event-5")
	scope.Acquire()

	file, err := scope.Get(context.Background(), telegramPhoto(5))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	url, err := scope.Stage(context.Background(), file)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if !strings.HasPrefix(url, "https://media.example.com/relay/") {
		t.Fatalf("unexpected url %q", url)
	}
	again, err := scope.Stage(context.Background(), file)
	if err != nil || again != url {
		t.Fatalf("second stage should reuse %q, got %q (%v)", url, again, err)
	}

	scope.Release()
	if _, err := os.Stat(file.Path); err != nil {
		t.Fatalf("file removed while a reference is still held: %v", err)
	}

	scope.Release()
	if _, err := os.Stat(file.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected file to be removed, stat err=%v", err)
	}
	if len(stager.removed) != 1 {
		t.Fatalf("expected staged object removal, got %v", stager.removed)
	}
	if _, err := scope.Get(context.Background(), telegramPhoto(6)); !errors.Is(err, ErrScopeClosed) {
		t.Fatalf("expected ErrScopeClosed, got %v", err)
	}
}

func TestHTTPDownloader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write(pngHeader)
	}))
	defer srv.Close()

	scope := newTestFetcher(t, nil, 0).NewScope("event-7")
	defer scope.Release()

	file, err := scope.Get(context.Background(), models.MediaItem{Locator: models.MediaLocator{URL: srv.URL + "/a.png"}})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if file.Kind != models.MediaKindPhoto || file.Size != int64(len(pngHeader)) {
		t.Fatalf("unexpected file %+v", file)
	}

	if _, err := scope.Get(context.Background(), models.MediaItem{Locator: models.MediaLocator{URL: srv.URL + "/missing"}}); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestTelegramItemWithoutDownloader(t *testing.T) {
	scope := newTestFetcher(t, nil, 0).NewScope("event-8")
	defer scope.Release()
	if _, err := scope.Get(context.Background(), telegramPhoto(8)); !errors.Is(err, ErrNoDownloader) {
		t.Fatalf("expected ErrNoDownloader, got %v", err)
	}
}

func TestPartSize(t *testing.T) {
	tests := []struct {
		size int64
		want int
	}{
		{size: 512 * kib, want: 64 * kib},
		{size: 5 * mib, want: 128 * kib},
		{size: 20 * mib, want: 256 * kib},
		{size: 100 * mib, want: 512 * kib},
		{size: 500 * mib, want: mib},
	}
	for _, tt := range tests {
		got := PartSize(tt.size)
		if got != tt.want {
			t.Errorf("PartSize(%d)=%d, want %d", tt.size, got, tt.want)
		}
		if got%(4*kib) != 0 || mib%got != 0 {
			t.Errorf("PartSize(%d)=%d violates getFile constraints", tt.size, got)
		}
	}
}
