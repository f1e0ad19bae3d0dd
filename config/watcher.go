package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a configuration file whenever it changes on disk.
type Watcher struct {
	Path string
	// Debounce coalesces bursts of filesystem events. Default: 250ms.
	Debounce time.Duration
	Logger   *slog.Logger
}

// Run loads the file once, then again after every change, and passes each
// result to onChange until ctx ends. Parse errors are passed to onChange too,
// so the caller decides whether to keep the previous configuration.
//
// The containing directory is watched rather than the file itself, so
// editors that replace the file on save are followed.
func (w *Watcher) Run(ctx context.Context, onChange func(ctx context.Context, f File, err error)) error {
	log := w.Logger
	if log == nil {
		log = slog.Default()
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	path, err := filepath.Abs(w.Path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = fw.Close()
	}()
	if err := fw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	f, err := Load(path)
	onChange(ctx, f, err)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
				!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "config watcher error", slog.String("path", path), slog.String("err", err.Error()))
		case <-fire:
			fire = nil
			f, err := Load(path)
			if err != nil {
				log.WarnContext(ctx, "config reload failed", slog.String("path", path), slog.String("err", err.Error()))
			} else {
				log.InfoContext(ctx, "config reloaded", slog.String("path", path), slog.Int("servers", len(f.Servers)))
			}
			onChange(ctx, f, err)
		}
	}
}
