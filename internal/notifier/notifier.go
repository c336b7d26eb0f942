// Package notifier signals completed uploads. Notifications are best effort:
// they run detached from the upload path and their failures are only logged.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeout bounds a single detached notification.
const DefaultTimeout = 30 * time.Second

// Event describes the upload that just completed.
type Event struct {
	Path string
	Name string
	Time time.Time
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Fire runs n.Notify on its own goroutine and returns immediately.
// Errors and panics are logged, never propagated.
func Fire(n Notifier, ev Event) {
	if n == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Warn("notifier panic", "path", ev.Path, "panic", fmt.Sprint(r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()

		if err := n.Notify(ctx, ev); err != nil {
			slog.Warn("notifier failed", "path", ev.Path, "error", err)
		}
	}()
}

// Nop does nothing.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Log writes a log line per completed upload.
type Log struct{}

func (Log) Notify(_ context.Context, ev Event) error {
	slog.Info("upload complete", "name", ev.Name, "path", ev.Path)
	return nil
}

// Multi notifies each notifier in turn.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Combine collapses notifiers into one, dropping nils.
func Combine(notifiers ...Notifier) Notifier {
	var out Multi
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	default:
		return out
	}
}
