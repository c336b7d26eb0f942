package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/rjeczalik/notify"
)

// NotifyWatcher uses the platform's recursive watch support through rjeczalik/notify.
type NotifyWatcher struct {
	root      string
	rawEvents chan notify.EventInfo
	events    chan ChangeEvent
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewNotifyWatcher(root string) *NotifyWatcher {
	return &NotifyWatcher{
		root:   root,
		events: make(chan ChangeEvent, eventBufferSize),
		done:   make(chan struct{}),
	}
}

func (w *NotifyWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "backend", BackendNotify, "dir", w.root)

	w.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	if err := notify.Watch(filepath.Join(w.root, "..."), w.rawEvents, notify.Create, notify.Write); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.translate(ctx)
	return nil
}

func (w *NotifyWatcher) Events() <-chan ChangeEvent {
	return w.events
}

func (w *NotifyWatcher) Stop() {
	w.stopOnce.Do(func() {
		slog.Info("file watcher stopping")
		close(w.done)
		if w.rawEvents != nil {
			notify.Stop(w.rawEvents)
		}
		w.wg.Wait()
		close(w.events)
		slog.Info("file watcher stopped")
	})
}

func (w *NotifyWatcher) translate(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ei, ok := <-w.rawEvents:
			if !ok {
				return
			}
			kind := Modified
			if ei.Event() == notify.Create {
				kind = Created
			}
			if ev, ok := newEvent(ei.Path(), kind); ok {
				send(w.events, ev, w.done)
			}
		}
	}
}
