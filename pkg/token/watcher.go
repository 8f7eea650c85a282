package token

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/soukhq/souk/pkg/log"
)

// Watch invokes fn whenever the token file changes, until ctx is done.
// The parent directory is watched rather than the file itself so logins
// that create the file (or replace it via rename) are seen too.
//
// Events are debounced: editors and atomic rename writes produce bursts of
// create/write/rename events for a single logical change.
func (s *Store) Watch(ctx context.Context, fn func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating token file watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching token directory %s: %w", dir, err)
	}

	l := log.ForService("token")
	l.Debugf("watching %s for token changes", s.path)

	go func() {
		defer func() {
			if err := watcher.Close(); err != nil {
				l.Warnf("closing token watcher: %v", err)
			}
		}()

		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
					continue
				}
				l.Debugf("token file event: %s", event.Op)
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, fn)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.Warnf("token watcher error: %v", err)
			}
		}
	}()

	return nil
}
