package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWaker struct {
	count atomic.Int32
}

func (w *countingWaker) Notify() {
	w.count.Add(1)
}

func startWatcher(t *testing.T, dir string, waker Waker) {
	t.Helper()

	watcher, err := New(dir, func(path string) bool {
		return strings.HasSuffix(path, "identities.toml")
	}, waker, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = watcher.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWatcherWakesOnMatchingFile(t *testing.T) {
	dir := t.TempDir()
	waker := &countingWaker{}
	startWatcher(t, dir, waker)

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "identities.toml"), []byte("version = 1\n"), 0o600))
	}

	assert.Eventually(t, func() bool { return waker.count.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	waker := &countingWaker{}
	startWatcher(t, dir, waker)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sessions.toml"), []byte("version = 1\n"), 0o600))

	assert.Never(t, func() bool { return waker.count.Load() > 0 }, 600*time.Millisecond, 20*time.Millisecond)
}

func TestNewCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	watcher, err := New(dir, nil, &countingWaker{}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, watcher.Run(ctx))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
