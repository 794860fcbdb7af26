package skills

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a Loader whenever its source directories change on
// disk, so skill edits take effect without a gateway restart.
type Watcher struct {
	loader *Loader
	fw     *fsnotify.Watcher
	done   chan struct{}
}

// NewWatcher starts watching loader's configured directories.
func NewWatcher(loader *Loader) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{loader.workspaceDir, loader.globalDir, loader.extraDir} {
		if dir == "" {
			continue
		}
		_ = fw.Add(dir) // best-effort: dir may not exist yet
	}

	w := &Watcher{loader: loader, fw: fw, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				slog.Debug("skills: reloading after fs event", "path", event.Name, "op", event.Op.String())
				w.loader.Reload()
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("skills watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}
