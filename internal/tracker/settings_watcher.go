package tracker

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/watchdeck/watchdeck/internal/store"
)

// settingsDebounce coalesces the rename+write burst an editor or atomic
// rewrite produces into one reload.
const settingsDebounce = 100 * time.Millisecond

// watchSettings hot-reloads settings.json when something other than this
// process rewrites it. The store's own persists round-trip through here too;
// the deep-equal check makes them no-ops and breaks the write-reload cycle.
func (t *Tracker) watchSettings(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Degraded but not fatal: settings changes then require a restart.
		trackLog.Warn("settings_watcher_disabled", slog.String("error", err.Error()))
		<-ctx.Done()
		return ctx.Err()
	}
	defer watcher.Close()

	// Watch the directory, not the file: atomic rename replaces the inode.
	if err := watcher.Add(t.dir); err != nil {
		trackLog.Warn("settings_watcher_disabled", slog.String("error", err.Error()))
		<-ctx.Done()
		return ctx.Err()
	}

	target := store.SettingsPath(t.dir)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(settingsDebounce, t.reloadSettings)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			trackLog.Warn("settings_watcher_error", slog.String("error", err.Error()))
		}
	}
}

// reloadSettings re-reads settings.json and swaps it in when it differs from
// the in-memory copy.
func (t *Tracker) reloadSettings() {
	next, ok := store.LoadSettingsFile(t.dir)
	if !ok {
		return
	}
	current := t.store.SettingsCopy()
	if reflect.DeepEqual(next, current) {
		return
	}
	t.store.ReplaceSettings(next)
	trackLog.Info("settings_reloaded")
}
