// Package watch watches the treasure directory for changes after
// startup. It never mutates game state — treasure placement only
// happens once, at init — it only logs what it sees.
package watch

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/lanquest/treasurehunt/internal/game"
	"github.com/lanquest/treasurehunt/pkg/logger"
)

// Watcher observes one directory for treasure-eligible file events.
type Watcher struct {
	fsw *fsnotify.Watcher
	dir string
}

// New opens a watch on dir. Callers should treat failure to watch as
// non-fatal to the server itself; the game already has its treasures.
func New(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{fsw: fsw, dir: dir}, nil
}

// Close stops the watch.
func (w *Watcher) Close() error { return w.fsw.Close() }

// Run logs new treasure-eligible files as they appear, and warns if
// one of the files backing an in-play treasure (named in active)
// disappears mid-game. It returns when ctx is canceled or the
// underlying watch closes.
func (w *Watcher) Run(ctx context.Context, active map[string]bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !game.MatchesTreasureFilter(name) {
				continue
			}
			switch {
			case ev.Op&fsnotify.Create != 0:
				logger.Info("watch: new treasure-eligible file %s appeared in %s (placement only happens at startup)", name, w.dir)
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				if active[name] {
					logger.Warn("watch: treasure file %s vanished mid-game", name)
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("watch: %v", err)
		}
	}
}
