package backup

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/openmined/drivesync/internal/remote"
	"golang.org/x/sync/singleflight"
)

type containerKey struct {
	parentID string
	name     string
}

func (k containerKey) String() string {
	return k.parentID + "\x00" + k.name
}

// ResolverStats counts resolver activity since creation.
type ResolverStats struct {
	Lookups   int64
	CacheHits int64
	Created   int64
}

// Resolver maps local directory names to remote container ids, creating
// containers on demand. Results are cached for the life of the resolver and
// failures are never cached. Concurrent resolutions of the same key share a
// single remote lookup, so a key is created remotely at most once.
//
// The cache does not notice containers created by other processes.
type Resolver struct {
	store remote.Store

	mu    sync.RWMutex
	cache map[containerKey]string
	group singleflight.Group

	lookups atomic.Int64
	hits    atomic.Int64
	created atomic.Int64
}

func NewResolver(store remote.Store) *Resolver {
	return &Resolver{
		store: store,
		cache: make(map[containerKey]string),
	}
}

// Resolve returns the id of the container called name under parentID.
// An empty parentID means the store root.
func (r *Resolver) Resolve(ctx context.Context, name, parentID string) (string, error) {
	key := containerKey{parentID: parentID, name: name}
	r.lookups.Add(1)

	if id, ok := r.cached(key); ok {
		r.hits.Add(1)
		return id, nil
	}

	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		// a concurrent call may have filled the cache while we queued
		if id, ok := r.cached(key); ok {
			return id, nil
		}

		found, err := r.store.ListContainers(ctx, remote.ContainerQuery{Name: name, ParentID: parentID})
		if err != nil {
			return "", err
		}

		var id string
		if len(found) > 0 {
			if len(found) > 1 {
				slog.Warn("duplicate remote containers, using first", "name", name, "parent", parentID, "count", len(found))
			}
			id = found[0].ID
		} else {
			id, err = r.store.CreateContainer(ctx, name, parentID)
			if err != nil {
				return "", err
			}
			r.created.Add(1)
			slog.Info("remote container created", "name", name, "parent", parentID, "id", id)
		}

		r.mu.Lock()
		r.cache[key] = id
		r.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ResolvePath resolves every segment of the slash separated relDir below
// rootID and returns the innermost container id.
func (r *Resolver) ResolvePath(ctx context.Context, rootID, relDir string) (string, error) {
	id := rootID
	for _, seg := range strings.Split(relDir, "/") {
		if seg == "" || seg == "." {
			continue
		}
		var err error
		if id, err = r.Resolve(ctx, seg, id); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (r *Resolver) Stats() ResolverStats {
	return ResolverStats{
		Lookups:   r.lookups.Load(),
		CacheHits: r.hits.Load(),
		Created:   r.created.Load(),
	}
}

func (r *Resolver) cached(key containerKey) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.cache[key]
	return id, ok
}
