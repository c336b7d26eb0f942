package ledger

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

// SnapshotBackend stores the whole ledger as one JSON object mapping absolute
// paths to markers. Every Save rewrites the file through a temp file and a
// rename, so a crash leaves either the previous or the new snapshot.
type SnapshotBackend struct {
	path string
}

func NewSnapshotBackend(path string) *SnapshotBackend {
	return &SnapshotBackend{path: path}
}

func (b *SnapshotBackend) Path() string {
	return b.path
}

func (b *SnapshotBackend) Load() (map[string]Marker, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data)
}

func (b *SnapshotBackend) Save(entries map[string]Marker) error {
	if entries == nil {
		entries = map[string]Marker{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return writeFileAtomic(b.path, data, 0o644)
}

func (b *SnapshotBackend) Close() error {
	return nil
}

// decodeSnapshot accepts integer nanosecond markers and, for ledgers written by
// older tools, fractional second markers.
func decodeSnapshot(data []byte) (map[string]Marker, error) {
	raw := map[string]json.Number{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	entries := make(map[string]Marker, len(raw))
	for path, num := range raw {
		s := num.String()
		if !strings.ContainsAny(s, ".eE") {
			n, err := num.Int64()
			if err != nil {
				return nil, fmt.Errorf("decode marker for %s: %w", path, err)
			}
			entries[path] = Marker(n)
			continue
		}
		secs, err := num.Float64()
		if err != nil {
			return nil, fmt.Errorf("decode marker for %s: %w", path, err)
		}
		entries[path] = Marker(math.Round(secs * 1e9))
	}
	return entries, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// temp file must live next to the target so the rename stays on one filesystem
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	// best effort, not every platform can fsync a directory
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
