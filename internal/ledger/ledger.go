// Package ledger records which local files have been uploaded and at which
// modification time. A path is present only after an upload of that exact
// path succeeded, and its marker is the mtime observed before that upload.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Marker is a file's modification time in nanoseconds since the Unix epoch.
type Marker int64

func MarkerOf(t time.Time) Marker {
	return Marker(t.UnixNano())
}

func (m Marker) Time() time.Time {
	return time.Unix(0, int64(m))
}

// Entry is one tracked file.
type Entry struct {
	Path   string
	Marker Marker
}

// Backend persists the ledger mapping.
type Backend interface {
	// Load returns the persisted mapping. An error wrapping os.ErrNotExist
	// means nothing has been persisted yet.
	Load() (map[string]Marker, error)
	// Save replaces the persisted mapping with entries.
	Save(entries map[string]Marker) error
	Close() error
}

// keyedBackend is implemented by backends that can persist a single entry
// without rewriting the whole mapping.
type keyedBackend interface {
	Put(path string, marker Marker) error
}

// PersistenceError is returned when the ledger could not be written.
// The in-memory state is still updated, so the process keeps working, but
// the change may be lost if the process dies before the next successful write.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Ledger is the in-memory view of the upload ledger backed by a Backend.
// It is safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	backend Backend
	entries map[string]Marker
}

// New returns an empty ledger over backend. Call Load to read persisted state.
func New(backend Backend) *Ledger {
	return &Ledger{
		backend: backend,
		entries: make(map[string]Marker),
	}
}

// Open picks a backend from the file extension and loads it.
// `.db`, `.sqlite` and `.sqlite3` use SQLite, anything else a JSON snapshot.
func Open(path string) (*Ledger, error) {
	var backend Backend
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		b, err := OpenSQLiteBackend(path)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		backend = NewSnapshotBackend(path)
	}

	l := New(backend)
	l.Load()
	return l, nil
}

// Load replaces the in-memory state with the persisted mapping. It never
// fails: a missing or unreadable store yields an empty ledger.
func (l *Ledger) Load() map[string]Marker {
	entries, err := l.backend.Load()
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("ledger empty", "reason", "not persisted yet")
		entries = nil
	case err != nil:
		slog.Warn("ledger unreadable, starting empty", "error", err)
		entries = nil
	}
	if entries == nil {
		entries = make(map[string]Marker)
	}

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()

	slog.Info("ledger loaded", "entries", len(entries))
	return copyEntries(entries)
}

// Save replaces both the in-memory and the persisted mapping.
func (l *Ledger) Save(entries map[string]Marker) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = copyEntries(entries)
	if err := l.backend.Save(l.entries); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

// Lookup returns the marker recorded for path.
func (l *Ledger) Lookup(path string) (Marker, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.entries[path]
	return m, ok
}

// Record commits a successful upload of path observed at marker.
func (l *Ledger) Record(path string, marker Marker) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[path] = marker

	var err error
	if kb, ok := l.backend.(keyedBackend); ok {
		err = kb.Put(path, marker)
	} else {
		err = l.backend.Save(l.entries)
	}
	if err != nil {
		return &PersistenceError{Op: "record", Path: path, Err: err}
	}
	return nil
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns all tracked files sorted by path.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	out := make([]Entry, 0, len(l.entries))
	for p, m := range l.entries {
		out = append(out, Entry{Path: p, Marker: m})
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Reset forgets every upload, forcing the next scan to upload everything.
func (l *Ledger) Reset() error {
	return l.Save(nil)
}

func (l *Ledger) Close() error {
	return l.backend.Close()
}

func copyEntries(in map[string]Marker) map[string]Marker {
	out := make(map[string]Marker, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
