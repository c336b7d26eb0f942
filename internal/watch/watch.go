// Package watch turns filesystem notifications under a root directory into
// ChangeEvents.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const eventBufferSize = 64

type Kind int

const (
	Created Kind = iota + 1
	Modified
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ChangeEvent is a create or modify observed under the watched root.
type ChangeEvent struct {
	Path  string
	Kind  Kind
	IsDir bool
}

// Watcher delivers ChangeEvents for a directory tree until stopped.
// The Events channel is closed after Stop.
type Watcher interface {
	Start(ctx context.Context) error
	Events() <-chan ChangeEvent
	Stop()
}

type Backend string

const (
	BackendNotify   Backend = "notify"
	BackendFSNotify Backend = "fsnotify"
)

// New returns a watcher for root using the named backend. An empty backend
// selects notify.
func New(backend Backend, root string) (Watcher, error) {
	switch Backend(strings.ToLower(string(backend))) {
	case "", BackendNotify:
		return NewNotifyWatcher(root), nil
	case BackendFSNotify:
		return NewFSNotifyWatcher(root), nil
	default:
		return nil, fmt.Errorf("unknown watcher backend %q", backend)
	}
}

// newEvent stats path to fill IsDir. Paths that vanished before we got to
// them are dropped.
func newEvent(path string, kind Kind) (ChangeEvent, bool) {
	info, err := os.Lstat(path)
	if err != nil {
		slog.Debug("watch drop", "reason", "stat failed", "path", path, "error", err)
		return ChangeEvent{}, false
	}
	return ChangeEvent{Path: path, Kind: kind, IsDir: info.IsDir()}, true
}

// send forwards ev without blocking the notification source for long.
func send(out chan<- ChangeEvent, ev ChangeEvent, done <-chan struct{}) {
	select {
	case out <- ev:
		slog.Debug("watch", "event", ev.Kind, "path", ev.Path)
	case <-done:
	default:
		slog.Warn("watch dropped", "reason", "channel full", "path", ev.Path)
	}
}
