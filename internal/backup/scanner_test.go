package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/openmined/drivesync/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan_TwoLevelTree(t *testing.T) {
	root := filepath.Join(t.TempDir(), "MyFiles")
	a := writeFile(t, root, "a.txt", "alpha", t0)
	b := writeFile(t, root, "sub/b.txt", "beta", t1)

	p := newPipeline(t, root)
	report, err := p.scanner.Scan(t.Context(), root, "")
	require.NoError(t, err)

	assert.Equal(t, 2, p.store.createCount())
	rootID := p.store.containerID("MyFiles", "")
	subID := p.store.containerID("sub", rootID)
	require.NotEmpty(t, rootID)
	require.NotEmpty(t, subID)

	assert.ElementsMatch(t, []fakeUpload{
		{Name: "a.txt", ParentID: rootID, Data: "alpha"},
		{Name: "b.txt", ParentID: subID, Data: "beta"},
	}, p.store.uploads)

	assert.Equal(t, map[string]ledger.Marker{
		a: ledger.MarkerOf(t0),
		b: ledger.MarkerOf(t1),
	}, p.ledger.Load())

	assert.Equal(t, 2, report.Dirs)
	assert.Equal(t, 2, report.Files)
	assert.Equal(t, 2, report.Uploaded)
	assert.Equal(t, int64(len("alpha")+len("beta")), report.Bytes)
	assert.True(t, report.UploadedAny())

	// a second scan uploads nothing
	report, err = p.scanner.Scan(t.Context(), root, "")
	require.NoError(t, err)
	assert.Equal(t, 2, p.store.uploadCount())
	assert.Equal(t, 2, report.Unchanged)
	assert.False(t, report.UploadedAny())
}

func TestScan_ReuploadsOnlyChangedFiles(t *testing.T) {
	root := t.TempDir()
	a := writeFile(t, root, "a.txt", "alpha", t0)
	writeFile(t, root, "b.txt", "beta", t0)

	p := newPipeline(t, root)
	_, err := p.scanner.Scan(t.Context(), root, "")
	require.NoError(t, err)
	require.Equal(t, 2, p.store.uploadCount())

	touch(t, a, t1)
	report, err := p.scanner.Scan(t.Context(), root, "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)
	assert.Equal(t, []string{"a.txt", "b.txt", "a.txt"}, p.store.uploadedNames())

	marker, ok := p.ledger.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, ledger.MarkerOf(t1), marker)
}

func TestScan_UploadFailureIsIsolated(t *testing.T) {
	root := t.TempDir()
	a := writeFile(t, root, "a.txt", "alpha", t0)
	b := writeFile(t, root, "b.txt", "beta", t0)

	p := newPipeline(t, root)
	p.store.setFailUpload("a.txt", errors.New("503 service unavailable"))

	report, err := p.scanner.Scan(t.Context(), root, "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Uploaded)
	assert.Equal(t, []string{"b.txt"}, p.store.uploadedNames())

	_, ok := p.ledger.Lookup(a)
	assert.False(t, ok)
	_, ok = p.ledger.Lookup(b)
	assert.True(t, ok)

	// the failed file is retried by the next scan
	p.store.setFailUpload("a.txt", nil)
	report, err = p.scanner.Scan(t.Context(), root, "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)
	_, ok = p.ledger.Lookup(a)
	assert.True(t, ok)
}

func TestScan_SubdirectoryFailureSkipsSubtreeOnly(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "bad/x.txt", "x", t0)
	writeFile(t, root, "good/y.txt", "y", t0)
	writeFile(t, root, "z.txt", "z", t0)

	p := newPipeline(t, root)
	p.store.failCreate["bad"] = errors.New("quota exceeded")

	report, err := p.scanner.Scan(t.Context(), root, "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.ElementsMatch(t, []string{"y.txt", "z.txt"}, p.store.uploadedNames())

	// nothing cached for the failed directory
	delete(p.store.failCreate, "bad")
	_, err = p.scanner.Scan(t.Context(), root, "")
	require.NoError(t, err)
	assert.Contains(t, p.store.uploadedNames(), "x.txt")
}

func TestScan_RootFailureIsReturned(t *testing.T) {
	root := filepath.Join(t.TempDir(), "MyFiles")
	writeFile(t, root, "a.txt", "alpha", t0)

	p := newPipeline(t, root)
	p.store.failCreate["MyFiles"] = errors.New("unauthorized")

	_, err := p.scanner.Scan(t.Context(), root, "")
	require.Error(t, err)
	assert.Zero(t, p.store.uploadCount())
}

func TestScan_ContextCanceled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha", t0)

	p := newPipeline(t, root)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := p.scanner.Scan(ctx, root, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.store.uploadCount())
}

func TestScan_LedgerLossReuploadsEverything(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha", t0)
	writeFile(t, root, "sub/b.txt", "beta", t0)

	store := newFakeStore()
	ledgerPath := filepath.Join(t.TempDir(), "ledger.json")
	scan := func() ScanReport {
		l, err := ledger.Open(ledgerPath)
		require.NoError(t, err)
		defer l.Close()
		resolver := NewResolver(store)
		uploader := NewUploader(store, l, nil)
		report, err := NewScanner(resolver, uploader, nil).Scan(t.Context(), root, "")
		require.NoError(t, err)
		return report
	}

	assert.Equal(t, 2, scan().Uploaded)
	assert.Equal(t, 0, scan().Uploaded)

	require.NoError(t, os.Remove(ledgerPath))
	assert.Equal(t, 2, scan().Uploaded)

	require.NoError(t, os.WriteFile(ledgerPath, []byte("{not json"), 0o644))
	assert.Equal(t, 2, scan().Uploaded)

	// containers were found again, never duplicated
	assert.Equal(t, 2, store.createCount())
}

func TestScan_IgnoredFilesAndDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.txt", "k", t0)
	writeFile(t, root, ".DS_Store", "junk", t0)
	writeFile(t, root, "build/out.bin", "bin", t0)
	writeFile(t, root, "notes.tmp", "tmp", t0)
	require.NoError(t, os.WriteFile(filepath.Join(root, IgnoreFileName), []byte("build/\n"), 0o644))

	store := newFakeStore()
	l, _ := openLedger(t, "ledger.json")
	ignore, err := NewIgnoreList(root, []string{"*.tmp"})
	require.NoError(t, err)
	resolver := NewResolver(store)
	report, err := NewScanner(resolver, NewUploader(store, l, nil), ignore).Scan(t.Context(), root, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"keep.txt"}, store.uploadedNames())
	assert.Equal(t, 4, report.Ignored)
	assert.Equal(t, 1, report.Dirs)
}

func TestScan_Symlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	outside := t.TempDir()
	target := writeFile(t, outside, "target.txt", "linked", t0)
	writeFile(t, outside, "dir/inner.txt", "inner", t0)

	require.NoError(t, os.Symlink(target, filepath.Join(root, "link.txt")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "dir"), filepath.Join(root, "linkdir")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "missing"), filepath.Join(root, "dangling")))

	p := newPipeline(t, root)
	report, err := p.scanner.Scan(t.Context(), root, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"link.txt"}, p.store.uploadedNames())
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Dirs)
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "MyFiles", ContainerName("/home/me/MyFiles"))
	assert.Equal(t, "MyFiles", ContainerName("/home/me/MyFiles/"))
	assert.Equal(t, "root", ContainerName(string(filepath.Separator)))
}
