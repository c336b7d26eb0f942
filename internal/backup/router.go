package backup

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/drivesync/internal/utils"
	"github.com/openmined/drivesync/internal/watch"
)

// RouterOptions configures a Router.
type RouterOptions struct {
	// RootDir is the watched root, scanned into the container named after it.
	RootDir string
	// Debounce collapses bursts of events per path. Zero uploads on every event.
	Debounce time.Duration
	// MirrorTree uploads files into the container of their parent directory
	// instead of the root container.
	MirrorTree bool
	Clock      clockwork.Clock
}

type pendingUpload struct {
	timer clockwork.Timer
}

// Router turns live change events into uploads through the same resolver
// and uploader the scanner uses. Each path is either idle or pending; a
// pending path uploads once when its debounce timer fires.
type Router struct {
	opts     RouterOptions
	resolver *Resolver
	uploader *Uploader
	ignore   *IgnoreList

	mu      sync.Mutex
	pending map[string]*pendingUpload
	armed   sync.WaitGroup

	// uploads are serialized so ledger writes keep a single writer
	dispatchMu sync.Mutex
}

func NewRouter(opts RouterOptions, resolver *Resolver, uploader *Uploader, ignore *IgnoreList) *Router {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Router{
		opts:     opts,
		resolver: resolver,
		uploader: uploader,
		ignore:   ignore,
		pending:  make(map[string]*pendingUpload),
	}
}

// Handle processes one event. Without debounce the upload runs before Handle
// returns; with debounce it runs when the path has been quiet for the window.
func (r *Router) Handle(ctx context.Context, ev watch.ChangeEvent) {
	if ev.IsDir {
		// new directories are picked up by the next scan, files inside them by their own events
		slog.Debug("router ignore", "reason", "directory", "path", ev.Path)
		return
	}
	if !utils.IsWithin(r.opts.RootDir, ev.Path) {
		slog.Debug("router ignore", "reason", "outside root", "path", ev.Path)
		return
	}
	if r.ignore != nil && r.ignore.ShouldIgnore(ev.Path, false) {
		return
	}

	slog.Info("detected change", "kind", ev.Kind, "path", ev.Path)

	if r.opts.Debounce <= 0 {
		r.dispatch(ctx, ev.Path)
		return
	}
	r.schedule(ctx, ev.Path)
}

func (r *Router) schedule(ctx context.Context, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.pending[path]; ok && prev.timer.Stop() {
		r.armed.Done()
	}

	entry := &pendingUpload{}
	r.armed.Add(1)
	entry.timer = r.opts.Clock.AfterFunc(r.opts.Debounce, func() {
		defer r.armed.Done()
		if !r.take(path, entry) {
			return
		}
		r.dispatch(ctx, path)
	})
	r.pending[path] = entry
}

// take moves path from pending back to idle if entry is still its current timer.
func (r *Router) take(path string, entry *pendingUpload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[path] != entry {
		return false
	}
	delete(r.pending, path)
	return true
}

// Pending returns the number of paths waiting for their debounce window.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush uploads every pending path now and waits for uploads started by
// timers that already fired.
func (r *Router) Flush(ctx context.Context) {
	r.mu.Lock()
	var due []string
	for path, entry := range r.pending {
		// a timer that already fired owns its upload
		if entry.timer.Stop() {
			r.armed.Done()
			due = append(due, path)
			delete(r.pending, path)
		}
	}
	r.mu.Unlock()

	for _, path := range due {
		r.dispatch(ctx, path)
	}
	r.armed.Wait()
}

func (r *Router) dispatch(ctx context.Context, path string) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	containerID, err := r.containerFor(ctx, path)
	if err != nil {
		slog.Error("upload skip", "reason", "resolve failed", "path", path, "error", err)
		return
	}
	// errors are logged by the uploader, the next event retries
	_, _ = r.uploader.Upload(ctx, path, containerID)
}

func (r *Router) containerFor(ctx context.Context, path string) (string, error) {
	rootID, err := r.resolver.Resolve(ctx, ContainerName(r.opts.RootDir), "")
	if err != nil {
		return "", err
	}
	if !r.opts.MirrorTree {
		return rootID, nil
	}
	relDir, err := utils.SlashRel(r.opts.RootDir, filepath.Dir(path))
	if err != nil {
		return "", err
	}
	return r.resolver.ResolvePath(ctx, rootID, relDir)
}
