/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cache

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/friendsincode/skald_automix/internal/events"
)

// Watcher invalidates cache entries when files under the media root change
// on disk. Entries would be rejected by the (mtime, size) check anyway; the
// watcher reclaims the space and keeps the Redis tier honest.
type Watcher struct {
	store   *Store
	bus     *events.Bus
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
}

// NewWatcher creates a watcher over root and its subdirectories.
func NewWatcher(root string, store *Store, bus *events.Bus, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		store:   store,
		bus:     bus,
		watcher: fsw,
		logger:  logger.With().Str("component", "cache-watcher").Logger(),
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree: skip
		}
		if d.IsDir() {
			if addErr := fsw.Add(path); addErr != nil {
				w.logger.Debug().Err(addErr).Str("dir", path).Msg("watch failed")
			}
		}
		return nil
	})
	if err != nil {
		_ = fsw.Close()
		return nil, err
	}

	return w, nil
}

// Run processes filesystem events until context cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info().Msg("cache watcher started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("cache watcher stopped")
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Debug().Err(err).Msg("watch error")
		}
	}
}

// Close releases the underlying watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) == 0 {
		return
	}

	// New directories need their own watch.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Debug().Err(err).Str("dir", event.Name).Msg("watch failed")
			}
			return
		}
	}

	w.store.Invalidate(ctx, event.Name)
	if w.bus != nil {
		w.bus.Publish(events.EventCacheInvalidated, events.Payload{
			"path": event.Name,
			"op":   event.Op.String(),
		})
	}
}
