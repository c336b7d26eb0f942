// Package remote defines the object store the backup engine uploads into and
// its backends.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidName       = errors.New("invalid name")
	ErrContainerNotFound = errors.New("container not found")
)

// Container is the remote directory-equivalent grouping construct.
type Container struct {
	ID   string
	Name string
}

// ContainerQuery selects containers named Name directly under ParentID.
// An empty ParentID means the store's root.
type ContainerQuery struct {
	Name     string
	ParentID string
}

// Store is the remote side of a backup.
type Store interface {
	// CreateContainer creates a container called name under parentID and returns its id.
	CreateContainer(ctx context.Context, name, parentID string) (string, error)
	// ListContainers returns the containers matching q in backend order.
	ListContainers(ctx context.Context, q ContainerQuery) ([]Container, error)
	// UploadContent copies the file at localPath into parentID as name.
	UploadContent(ctx context.Context, name, parentID, localPath string) error
}

// RemoteError wraps any failure talking to a Store.
type RemoteError struct {
	Op   string
	Name string
	Err  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
