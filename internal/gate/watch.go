package gate

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch reloads the gate config whenever path changes, until ctx is
// cancelled. A reload that fails to parse or validate is logged and
// skipped; the running config is never replaced with a broken one.
//
// The parent directory is watched rather than the file itself, because
// editors and config management tools replace files atomically via
// rename, which drops a watch on the inode.
func (g *Gate) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("gate watch: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("gate watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfig(target)
				if err != nil {
					log.WithError(err).WithField("path", target).Warn("gate config reload skipped")
					continue
				}
				if err := g.SetConfig(cfg); err != nil {
					log.WithError(err).Warn("gate config reload rejected")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("gate config watcher error")
			}
		}
	}()
	return nil
}
