package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/maheshrc27/relayflow/internal/models"
)

// Scope caches the media of one event. Concurrent requests for the same item
// share a single download and the outcome, including a failure, is reused
// until the scope is closed.
type Scope struct {
	fetcher *Fetcher
	eventID string
	group   singleflight.Group

	mu     sync.Mutex
	refs   int
	closed bool
	files  map[string]*File
	errs   map[string]error
	// staged maps cache keys to storage object keys.
	staged map[string]string
}

func (s *Scope) EventID() string { return s.eventID }

// Acquire adds a reference. Every Acquire must be paired with Release.
func (s *Scope) Acquire() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

// Release drops a reference and closes the scope when none are left.
func (s *Scope) Release() {
	s.mu.Lock()
	s.refs--
	last := s.refs <= 0
	s.mu.Unlock()
	if last {
		if err := s.Close(); err != nil {
			s.fetcher.logger.Warn("media cleanup failed", "event_id", s.eventID, "error", err)
		}
	}
}

func (s *Scope) Get(ctx context.Context, item models.MediaItem) (*File, error) {
	key := CacheKey(item)
	if key == "" {
		return nil, ErrNoLocator
	}

	if file, err, ok := s.lookup(key); ok {
		return file, err
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		if file, err, ok := s.lookup(key); ok {
			return file, err
		}
		file, err := s.fetcher.fetch(ctx, key, item)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			if file != nil {
				os.Remove(file.Path)
			}
			return nil, ErrScopeClosed
		}
		if err != nil {
			s.errs[key] = err
			return nil, err
		}
		s.files[key] = file
		return file, nil
	})
	if err != nil {
		return nil, err
	}
	return copyFile(v.(*File)), nil
}

func (s *Scope) lookup(key string) (*File, error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrScopeClosed, true
	}
	if file, ok := s.files[key]; ok {
		return copyFile(file), nil, true
	}
	if err, ok := s.errs[key]; ok {
		return nil, err, true
	}
	return nil, nil, false
}

// Stage uploads file to public storage once per scope and returns its URL.
// Staged objects are removed when the scope closes.
func (s *Scope) Stage(ctx context.Context, file *File) (string, error) {
	stager := s.fetcher.stager
	if stager == nil {
		return "", ErrStagingNotSet
	}

	v, err, _ := s.group.Do("stage:"+file.CacheKey, func() (any, error) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return "", ErrScopeClosed
		}
		if cached, ok := s.files[file.CacheKey]; ok && cached.URL != "" {
			s.mu.Unlock()
			return cached.URL, nil
		}
		s.mu.Unlock()

		id, err := gonanoid.New()
		if err != nil {
			return "", err
		}
		objectKey := "relay/" + id + Extension(file.MimeType)
		url, err := stager.Stage(ctx, objectKey, file.Path, file.MimeType)
		if err != nil {
			return "", fmt.Errorf("stage %s: %w", file.CacheKey, err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			if err := stager.Remove(context.WithoutCancel(ctx), objectKey); err != nil {
				s.fetcher.logger.Warn("failed to remove staged media", "key", objectKey, "error", err)
			}
			return "", ErrScopeClosed
		}
		s.staged[file.CacheKey] = objectKey
		if cached, ok := s.files[file.CacheKey]; ok {
			cached.URL = url
		}
		s.mu.Unlock()
		return url, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Close removes every local file and staged object of the scope. It is safe
// to call more than once.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	files := s.files
	staged := s.staged
	s.files = map[string]*File{}
	s.staged = map[string]string{}
	s.errs = map[string]error{}
	s.mu.Unlock()

	var errs []error
	for _, file := range files {
		if err := os.Remove(file.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(staged) > 0 && s.fetcher.stager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, objectKey := range staged {
			if err := s.fetcher.stager.Remove(ctx, objectKey); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func copyFile(f *File) *File {
	c := *f
	return &c
}
