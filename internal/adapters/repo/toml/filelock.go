package toml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bnema/enrollctl/internal/domain"
)

const (
	defaultLockAttempts = 10
	defaultLockBackoff  = 100 * time.Millisecond
	defaultLockStale    = 30 * time.Second
)

// fileLock is an advisory lock shared by every process using the same state dir.
// It is taken by exclusive creation; a lock file older than staleAfter is assumed to
// belong to a dead process and is removed.
type fileLock struct {
	path       string
	attempts   int
	backoff    time.Duration
	staleAfter time.Duration
}

func newFileLock(path string) *fileLock {
	return &fileLock{
		path:       path,
		attempts:   defaultLockAttempts,
		backoff:    defaultLockBackoff,
		staleAfter: defaultLockStale,
	}
}

func (l *fileLock) acquire(ctx context.Context) (func(), error) {
	var lastErr error
	for attempt := 0; attempt < l.attempts; attempt++ {
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, stateFileMode)
		if err == nil {
			_, _ = file.WriteString(strconv.Itoa(os.Getpid()))
			_ = file.Close()
			return func() { _ = os.Remove(l.path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		lastErr = err

		if info, statErr := os.Stat(l.path); statErr == nil && time.Since(info.ModTime()) > l.staleAfter {
			_ = os.Remove(l.path)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.backoff):
		}
	}

	return nil, fmt.Errorf("%w: lock %s held after %d attempts: %v", domain.ErrStoreContention, l.path, l.attempts, lastErr)
}
