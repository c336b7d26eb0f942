package backup

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/drivesync/internal/ledger"
	"github.com/openmined/drivesync/internal/notifier"
	"github.com/openmined/drivesync/internal/remote"
)

// Outcome is what a single upload attempt did.
type Outcome int

const (
	Uploaded Outcome = iota + 1
	Unchanged
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Uploaded:
		return "uploaded"
	case Unchanged:
		return "unchanged"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Uploader transfers single files and commits the ledger on success only.
type Uploader struct {
	store    remote.Store
	ledger   *ledger.Ledger
	notifier notifier.Notifier
	now      func() time.Time
}

func NewUploader(store remote.Store, l *ledger.Ledger, n notifier.Notifier) *Uploader {
	if n == nil {
		n = notifier.Nop{}
	}
	return &Uploader{store: store, ledger: l, notifier: n, now: time.Now}
}

// Upload transfers path into containerID unless the ledger already holds its
// current modification time. It reports whether a transfer happened. A
// remote failure is returned; a file that vanished is logged and skipped.
func (u *Uploader) Upload(ctx context.Context, path, containerID string) (bool, error) {
	outcome, _, err := u.upload(ctx, path, containerID)
	return outcome == Uploaded, err
}

func (u *Uploader) upload(ctx context.Context, path, containerID string) (Outcome, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		slog.Warn("upload skip", "reason", "stat failed", "error", &LocalIOError{Path: path, Err: err})
		return Skipped, 0, nil
	}
	if !info.Mode().IsRegular() {
		slog.Debug("upload skip", "reason", "not a regular file", "path", path)
		return Skipped, 0, nil
	}

	// the mtime read here is what gets recorded, even if the file changes
	// again while the transfer is running
	marker := ledger.MarkerOf(info.ModTime())
	if prev, ok := u.ledger.Lookup(path); ok && prev == marker {
		slog.Debug("upload skip", "reason", "unchanged", "path", path)
		return Unchanged, 0, nil
	}

	name := filepath.Base(path)
	slog.Info("upload", "status", "started", "name", name, "size", humanize.Bytes(uint64(info.Size())))

	if err := u.store.UploadContent(ctx, name, containerID, path); err != nil {
		if (errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission)) && !readable(path) {
			slog.Warn("upload skip", "reason", "unreadable", "error", &LocalIOError{Path: path, Err: err})
			return Skipped, 0, nil
		}
		slog.Error("upload", "status", "failed", "path", path, "error", err)
		return Failed, 0, err
	}

	if err := u.ledger.Record(path, marker); err != nil {
		slog.Error("ledger commit failed, upload may repeat after restart", "path", path, "error", err)
	}

	slog.Info("upload", "status", "completed", "name", name, "size", humanize.Bytes(uint64(info.Size())))
	notifier.Fire(u.notifier, notifier.Event{Path: path, Name: name, Time: u.now()})
	return Uploaded, info.Size(), nil
}

// readable reports whether path can still be opened, telling a local file
// that vanished apart from a destination the store could not write.
func readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
