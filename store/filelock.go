package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	lockAttempts   = 50
	lockRetryDelay = 100 * time.Millisecond
	// A lock older than this is assumed to belong to a crashed process.
	staleLockAge = 30 * time.Second
)

// fileLock is an exclusive lock held through a sibling ".lock" file, so that
// several keeper processes can share one session file.
type fileLock struct {
	f    *os.File
	path string
}

// lockFile acquires the lock guarding path, waiting for other holders.
func lockFile(ctx context.Context, path string) (*fileLock, error) {
	lockPath := path + ".lock"

	for attempt := 0; attempt < lockAttempts; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// Owner PID helps when debugging a stuck lock.
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			return &fileLock{f: f, path: lockPath}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			if rmErr := os.Remove(lockPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, rmErr)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", lockPath, ctx.Err())
		case <-time.After(lockRetryDelay):
		}
	}

	return nil, fmt.Errorf("timeout waiting for file lock after %v", lockAttempts*lockRetryDelay)
}

// unlock releases the lock. Calling it twice returns the removal error.
func (l *fileLock) unlock() error {
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
	return os.Remove(l.path)
}
