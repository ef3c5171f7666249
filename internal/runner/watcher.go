package runner

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/chanrelay/chanrelay/internal/utils/logger"
	"go.uber.org/zap"
)

// reloadDebounce coalesces the editor write-rename-write dance into one
// reload.
const reloadDebounce = 500 * time.Millisecond

// configWatcher re-applies runtime-reloadable settings when the config file
// changes on disk.
type configWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	reload  func()
	timer   *time.Timer
}

// watchConfig starts watching the given config file, invoking reload after
// each change settles. A nil watcher and nil error are returned when path is
// empty.
func watchConfig(path string, reload func()) (*configWatcher, error) {
	if path == "" {
		return nil, nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory, not just the file: many editors replace the
	// file on save, which drops a direct watch.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w := &configWatcher{
		watcher: fsWatcher,
		path:    filepath.Clean(path),
		reload:  reload,
	}
	go w.processEvents()

	logger.Info("Watching config file", zap.String("file", path))
	return w, nil
}

func (w *configWatcher) processEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *configWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	logger.Debug("Config file changed", zap.String("op", event.Op.String()))

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

// Close stops the watcher and any pending reload.
func (w *configWatcher) Close() error {
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.watcher.Close()
}
