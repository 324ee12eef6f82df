// Package store persists keeper sessions in a local file or in Redis.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-authgate/session-keeper/keeper"
)

type record struct {
	Session   keeper.Session `json:"session"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// fileContents is the on-disk layout: one record per session key.
type fileContents struct {
	Sessions map[string]*record `json:"sessions"`
}

// FileStore keeps sessions in a single JSON file guarded by a lock file.
type FileStore struct {
	path   string
	now    func() time.Time
	logger zerolog.Logger
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileLogger sets the logger.
func WithFileLogger(l zerolog.Logger) FileOption {
	return func(s *FileStore) { s.logger = l }
}

// WithNow overrides the clock used for expiry checks.
func WithNow(now func() time.Time) FileOption {
	return func(s *FileStore) { s.now = now }
}

// NewFileStore returns a store backed by path. The file is created on first write.
func NewFileStore(path string, opts ...FileOption) *FileStore {
	s := &FileStore{
		path:   path,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements keeper.Store.
func (s *FileStore) Get(_ context.Context, key string) (*keeper.Session, error) {
	contents, err := s.read()
	if err != nil {
		return nil, err
	}

	rec, ok := contents.Sessions[key]
	if !ok || rec == nil {
		return nil, keeper.ErrNoSession
	}
	if !rec.ExpiresAt.IsZero() && !s.now().Before(rec.ExpiresAt) {
		s.logger.Debug().Str("key", key).Time("expired_at", rec.ExpiresAt).Msg("stored session expired")
		return nil, keeper.ErrNoSession
	}

	sess := rec.Session
	return &sess, nil
}

// Set implements keeper.Store. A non-positive ttl stores the session without expiry.
func (s *FileStore) Set(ctx context.Context, key string, sess keeper.Session, ttl time.Duration) error {
	rec := &record{Session: sess}
	if ttl > 0 {
		rec.ExpiresAt = s.now().Add(ttl).UTC()
	}

	return s.modify(ctx, func(c *fileContents) {
		c.Sessions[key] = rec
	})
}

// Remove implements keeper.Store. Removing a missing key is not an error.
func (s *FileStore) Remove(ctx context.Context, key string) error {
	return s.modify(ctx, func(c *fileContents) {
		delete(c.Sessions, key)
	})
}

func (s *FileStore) read() (*fileContents, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &fileContents{Sessions: map[string]*record{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	if contents.Sessions == nil {
		contents.Sessions = map[string]*record{}
	}
	return &contents, nil
}

// modify applies fn to the file contents under the lock and writes the result
// atomically. Expired records are pruned on the way.
func (s *FileStore) modify(ctx context.Context, fn func(*fileContents)) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	lock, err := lockFile(ctx, s.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.unlock(); releaseErr != nil {
			s.logger.Warn().Err(releaseErr).Msg("failed to release lock")
		}
	}()

	contents, err := s.read()
	if err != nil {
		// A corrupt file is replaced rather than blocking every future write.
		s.logger.Warn().Err(err).Str("path", s.path).Msg("discarding unreadable session file")
		contents = &fileContents{Sessions: map[string]*record{}}
	}

	now := s.now()
	for k, rec := range contents.Sessions {
		if rec == nil || (!rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt)) {
			delete(contents.Sessions, k)
		}
	}

	fn(contents)

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return err
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

var _ keeper.Store = (*FileStore)(nil)
