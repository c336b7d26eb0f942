package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FSNotifyWatcher uses fsnotify, which only watches single directories, so
// every directory in the tree is added on start and new ones as they appear.
type FSNotifyWatcher struct {
	root     string
	watcher  *fsnotify.Watcher
	events   chan ChangeEvent
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewFSNotifyWatcher(root string) *FSNotifyWatcher {
	return &FSNotifyWatcher{
		root:   root,
		events: make(chan ChangeEvent, eventBufferSize),
		done:   make(chan struct{}),
	}
}

func (w *FSNotifyWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "backend", BackendFSNotify, "dir", w.root)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	if err := w.addTree(w.root); err != nil {
		// release handles for directories added so far
		if cerr := watcher.Close(); cerr != nil {
			slog.Warn("failed to close file watcher", "error", cerr)
		}
		return err
	}

	w.wg.Add(1)
	go w.translate(ctx)
	return nil
}

func (w *FSNotifyWatcher) Events() <-chan ChangeEvent {
	return w.events
}

func (w *FSNotifyWatcher) Stop() {
	w.stopOnce.Do(func() {
		slog.Info("file watcher stopping")
		close(w.done)
		if w.watcher != nil {
			if err := w.watcher.Close(); err != nil {
				slog.Warn("failed to close file watcher", "error", err)
			}
		}
		w.wg.Wait()
		close(w.events)
		slog.Info("file watcher stopped")
	})
}

func (w *FSNotifyWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// a subtree that vanished mid walk is not fatal
			if path != dir {
				slog.Debug("watch walk skip", "path", path, "error", err)
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.watcher.Add(path)
	})
}

func (w *FSNotifyWatcher) translate(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", "error", err)
		case fe, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			var kind Kind
			switch {
			case fe.Has(fsnotify.Create):
				kind = Created
			case fe.Has(fsnotify.Write):
				kind = Modified
			default:
				continue
			}

			ev, ok := newEvent(fe.Name, kind)
			if !ok {
				continue
			}
			if ev.IsDir && kind == Created {
				if err := w.addTree(ev.Path); err != nil {
					slog.Warn("failed to watch new directory", "path", ev.Path, "error", err)
				}
			}
			send(w.events, ev, w.done)
		}
	}
}
