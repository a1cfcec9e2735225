package tokens

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces bursts of editor writes into one reload.
const DefaultWatchDebounce = 200 * time.Millisecond

// Poll reloads on every tick until ctx is done. Reload errors are already
// logged by Reload and do not stop the loop.
func (a *Authority) Poll(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("tokens: poll interval must be positive")
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_ = a.Reload(ctx)
		}
	}
}

// WatchFile reloads whenever path is written, created, renamed or removed.
//
// The parent directory is watched rather than the file, so atomic
// replace-by-rename (how most editors and config managers write) is seen.
// It returns an error only if the watcher cannot be set up; callers should
// then rely on Poll.
func (a *Authority) WatchFile(ctx context.Context, path string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("tokens: resolve %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tokens: new watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("tokens: watch %s: %w", filepath.Dir(abs), err)
	}

	a.log.Info("tokens.watch.start", "path", abs)

	var (
		timer *time.Timer
		fire  = make(chan struct{}, 1)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("tokens.watch.stop", "path", abs)
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			_ = a.Reload(ctx)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			a.log.Warn("tokens.watch.error", "err", err)
		}
	}
}
