package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

// FSStore backs up into a directory tree on an afero filesystem: a mounted
// drive, a NAS share, or an in-memory filesystem in tests. Container ids are
// slash separated paths relative to the base directory.
type FSStore struct {
	fs   afero.Fs
	base string
}

// NewFSStore returns a store rooted at base on fs. A nil fs means the OS filesystem.
func NewFSStore(fs afero.Fs, base string) *FSStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FSStore{fs: fs, base: filepath.Clean(base)}
}

func (s *FSStore) CreateContainer(ctx context.Context, name, parentID string) (string, error) {
	if err := validateName(name); err != nil {
		return "", &RemoteError{Op: "create", Name: name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return "", &RemoteError{Op: "create", Name: name, Err: err}
	}

	if err := s.requireContainer(parentID); err != nil {
		return "", &RemoteError{Op: "create", Name: name, Err: err}
	}

	id := path.Join(parentID, name)
	if err := s.fs.MkdirAll(s.abs(id), 0o755); err != nil {
		return "", &RemoteError{Op: "create", Name: name, Err: err}
	}
	return id, nil
}

func (s *FSStore) ListContainers(ctx context.Context, q ContainerQuery) ([]Container, error) {
	if err := validateName(q.Name); err != nil {
		return nil, &RemoteError{Op: "list", Name: q.Name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &RemoteError{Op: "list", Name: q.Name, Err: err}
	}

	id := path.Join(q.ParentID, q.Name)
	info, err := s.fs.Stat(s.abs(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &RemoteError{Op: "list", Name: q.Name, Err: err}
	}
	if !info.IsDir() {
		return nil, nil
	}
	return []Container{{ID: id, Name: q.Name}}, nil
}

func (s *FSStore) UploadContent(ctx context.Context, name, parentID, localPath string) error {
	if err := validateName(name); err != nil {
		return &RemoteError{Op: "upload", Name: name, Err: err}
	}
	if err := s.copyIn(ctx, name, parentID, localPath); err != nil {
		return &RemoteError{Op: "upload", Name: name, Err: err}
	}
	return nil
}

func (s *FSStore) copyIn(ctx context.Context, name, parentID, localPath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	if err := s.requireContainer(parentID); err != nil {
		return err
	}
	dir := s.abs(parentID)

	tmp, err := afero.TempFile(s.fs, dir, "."+name+".part-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer s.fs.Remove(tmpName) //nolint:errcheck

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: src}); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	dst := filepath.Join(dir, name)
	if err := s.fs.Rename(tmpName, dst); err != nil {
		return err
	}
	return s.fs.Chtimes(dst, info.ModTime(), info.ModTime())
}

// requireContainer checks that id names an existing container. The store
// root is created on first use.
func (s *FSStore) requireContainer(id string) error {
	if id == "" {
		return s.fs.MkdirAll(s.base, 0o755)
	}
	info, err := s.fs.Stat(s.abs(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrContainerNotFound, id)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a container", ErrContainerNotFound, id)
	}
	return nil
}

func (s *FSStore) abs(id string) string {
	return filepath.Join(s.base, filepath.FromSlash(id))
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
