package state

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/claude-army/internal/observability"
)

// Reloadable is a store that can re-read its backing file. ConfigStore,
// Registry and MessageState all implement it.
type Reloadable interface {
	Path() string
	Reload() error
}

// reloadDebounce coalesces the bursts of writes an atomic rename produces.
const reloadDebounce = 100 * time.Millisecond

// WatchStores pushes external edits into the given stores as they happen.
// Every store already reloads lazily when it notices a new mtime; the
// watcher only closes the gap so a CLI edit is visible before the next
// read. Watch failure is therefore survivable - callers log and move on.
//
// Parent directories are watched rather than the files themselves because
// atomic writers replace the inode on every update.
func WatchStores(ctx context.Context, log *observability.Logger, stores ...Reloadable) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start store watcher: %w", err)
	}

	byPath := make(map[string]Reloadable, len(stores))
	dirs := map[string]bool{}
	for _, s := range stores {
		abs, err := filepath.Abs(s.Path())
		if err != nil {
			abs = s.Path()
		}
		byPath[abs] = s
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	go func() {
		defer watcher.Close()

		dirty := map[string]Reloadable{}
		timer := time.NewTimer(reloadDebounce)
		if !timer.Stop() {
			<-timer.C
		}

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				store, watched := byPath[ev.Name]
				if !watched || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
					continue
				}
				dirty[ev.Name] = store
				timer.Reset(reloadDebounce)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn(ctx, "store watcher error", "error", err)

			case <-timer.C:
				for path, store := range dirty {
					if err := store.Reload(); err != nil {
						log.Warn(ctx, "store reload failed", "path", path, "error", err)
					} else {
						log.Debug(ctx, "store reloaded after external edit", "path", path)
					}
					delete(dirty, path)
				}
			}
		}
	}()
	return nil
}
