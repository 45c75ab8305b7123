// Package fswatch wakes a suspended operation when another process edits the
// state directory, for example when an identity is added or unpaused.
package fswatch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounceDelay = 250 * time.Millisecond

type Waker interface {
	Notify()
}

type Watcher struct {
	dir    string
	wakes  func(path string) bool
	waker  Waker
	log    zerolog.Logger
	notify *fsnotify.Watcher
}

// New starts watching dir. Only paths accepted by wakes trigger the waker.
func New(dir string, wakes func(path string) bool, waker Waker, log zerolog.Logger) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := notify.Add(dir); err != nil {
		_ = notify.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &Watcher{
		dir:    dir,
		wakes:  wakes,
		waker:  waker,
		log:    log.With().Str("component", "fswatch").Logger(),
		notify: notify,
	}, nil
}

// Run forwards debounced changes until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.notify.Close() }()

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, w.waker.Notify)
	}
	defer func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.notify.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if w.wakes != nil && !w.wakes(ev.Name) {
				continue
			}
			w.log.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("state changed")
			debounce()
		case err, ok := <-w.notify.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Str("dir", w.dir).Msg("watch error")
		}
	}
}
