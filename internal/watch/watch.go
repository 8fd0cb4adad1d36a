// Package watch re-runs an export when files matching its pattern appear,
// change or disappear.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"transitcoords/internal/fsutil"
	"transitcoords/internal/logging"
)

// Trigger is called once per quiet period with the paths that changed.
type Trigger func(ctx context.Context, changed []string)

// Watcher monitors the directory of a glob pattern.
type Watcher struct {
	watcher  *fsnotify.Watcher
	pattern  string
	dir      string
	ignore   map[string]struct{}
	debounce time.Duration
	trigger  Trigger
	log      *slog.Logger
}

// New starts watching the pattern's directory. Paths in ignore (typically the
// export output) never trigger.
func New(pattern string, debounce time.Duration, trigger Trigger, logger *slog.Logger, ignore ...string) (*Watcher, error) {
	if err := fsutil.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(pattern)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	logger.Info("watching directory", "dir", dir, "pattern", filepath.Base(pattern))

	w := &Watcher{
		watcher:  fw,
		pattern:  pattern,
		dir:      dir,
		ignore:   make(map[string]struct{}),
		debounce: debounce,
		trigger:  trigger,
		log:      logger,
	}
	for _, p := range ignore {
		w.ignore[cleanAbs(p)] = struct{}{}
	}
	return w, nil
}

// Run processes events until ctx is done, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	pending := make(map[string]struct{})
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
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			w.log.Debug("input changed", "path", ev.Name, "op", ev.Op.String())
			pending[ev.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case <-fire:
			fire = nil
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			pending = make(map[string]struct{})
			w.trigger(ctx, changed)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	if _, skip := w.ignore[cleanAbs(ev.Name)]; skip {
		return false
	}
	return fsutil.MatchesBase(w.pattern, ev.Name)
}

func cleanAbs(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
