package rules

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the engine when the rule definition file changes.
// A definition that fails validation is logged and discarded; the active
// rule set stays in service until a valid one replaces it.
type Watcher struct {
	path   string
	engine *Engine

	// OnReload, if set, is called after each successful swap with the
	// new version. Used to publish reload events.
	OnReload func(version string)

	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given definition file.
func NewWatcher(path string, engine *Engine) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory rather than the file: editors and atomic
	// writers replace the file, which drops a direct file watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		path:    path,
		engine:  engine,
		watcher: fw,
	}, nil
}

// Start consumes file events until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	// Debounce: editors fire several events per save.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("rule file watcher error", "path", w.path, "error", err)

		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	def, err := ParseFile(w.path)
	if err != nil {
		slog.Error("rule file changed but could not be read",
			"path", w.path,
			"error", err,
		)
		return
	}

	if err := w.engine.Reload(def); err != nil {
		slog.Error("rule file changed but failed validation; keeping active rule set",
			"path", w.path,
			"active_version", w.engine.Version(),
			"error", err,
		)
		return
	}

	slog.Info("rule set hot-reloaded from file",
		"path", w.path,
		"version", w.engine.Version(),
		"rules_count", w.engine.RulesCount(),
	)

	if w.OnReload != nil {
		w.OnReload(w.engine.Version())
	}
}

// Close stops the underlying file watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
