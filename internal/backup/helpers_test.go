package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openmined/drivesync/internal/ledger"
	"github.com/openmined/drivesync/internal/remote"
	"github.com/openmined/drivesync/internal/watch"
	"github.com/stretchr/testify/require"
)

type fakeUpload struct {
	Name     string
	ParentID string
	Data     string
}

// fakeStore is an in-memory remote.Store that counts calls and can be told
// to fail for chosen names.
type fakeStore struct {
	mu         sync.Mutex
	containers map[string][]string // parentID + "/" + name -> ids
	nextID     int
	creates    int
	lists      int
	uploads    []fakeUpload

	failCreate map[string]error
	failUpload map[string]error
	listDelay  time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		containers: make(map[string][]string),
		failCreate: make(map[string]error),
		failUpload: make(map[string]error),
	}
}

func (f *fakeStore) CreateContainer(ctx context.Context, name, parentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failCreate[name]; err != nil {
		return "", &remote.RemoteError{Op: "create", Name: name, Err: err}
	}
	f.creates++
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	key := parentID + "/" + name
	f.containers[key] = append(f.containers[key], id)
	return id, nil
}

func (f *fakeStore) ListContainers(ctx context.Context, q remote.ContainerQuery) ([]remote.Container, error) {
	if f.listDelay > 0 {
		time.Sleep(f.listDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	var out []remote.Container
	for _, id := range f.containers[q.ParentID+"/"+q.Name] {
		out = append(out, remote.Container{ID: id, Name: q.Name})
	}
	return out, nil
}

func (f *fakeStore) UploadContent(ctx context.Context, name, parentID, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return &remote.RemoteError{Op: "upload", Name: name, Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failUpload[name]; err != nil {
		return &remote.RemoteError{Op: "upload", Name: name, Err: err}
	}
	f.uploads = append(f.uploads, fakeUpload{Name: name, ParentID: parentID, Data: string(data)})
	return nil
}

// addDuplicate registers an extra container with an existing name.
func (f *fakeStore) addDuplicate(name, parentID, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := parentID + "/" + name
	f.containers[key] = append(f.containers[key], id)
}

func (f *fakeStore) containerID(name, parentID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.containers[parentID+"/"+name]
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func (f *fakeStore) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *fakeStore) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeStore) uploadedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.uploads))
	for _, u := range f.uploads {
		names = append(names, u.Name)
	}
	return names
}

func (f *fakeStore) setFailUpload(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failUpload, name)
		return
	}
	f.failUpload[name] = err
}

type fakeWatcher struct {
	events  chan watch.ChangeEvent
	started chan struct{}
	once    sync.Once
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{
		events:  make(chan watch.ChangeEvent, 16),
		started: make(chan struct{}),
	}
}

func (w *fakeWatcher) Start(context.Context) error {
	close(w.started)
	return nil
}

func (w *fakeWatcher) Events() <-chan watch.ChangeEvent { return w.events }

func (w *fakeWatcher) Stop() {
	w.once.Do(func() { close(w.events) })
}

// tempDir returns a test directory with symlinks resolved, matching the
// canonical paths the engine works with.
func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

// writeFile creates root/rel with data and a fixed mtime.
func writeFile(t *testing.T, root, rel, data string, mtime time.Time) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
	return p
}

func touch(t *testing.T, p string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

func openLedger(t *testing.T, name string) (*ledger.Ledger, string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	l, err := ledger.Open(p)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, p
}

type pipeline struct {
	store    *fakeStore
	ledger   *ledger.Ledger
	resolver *Resolver
	uploader *Uploader
	scanner  *Scanner
}

func newPipeline(t *testing.T, root string) *pipeline {
	t.Helper()
	store := newFakeStore()
	l, _ := openLedger(t, "ledger.json")
	ignore, err := NewIgnoreList(root, nil)
	require.NoError(t, err)
	resolver := NewResolver(store)
	uploader := NewUploader(store, l, nil)
	return &pipeline{
		store:    store,
		ledger:   l,
		resolver: resolver,
		uploader: uploader,
		scanner:  NewScanner(resolver, uploader, ignore),
	}
}

var (
	t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
)
