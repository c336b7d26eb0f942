package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/drivesync/internal/ledger"
	"github.com/openmined/drivesync/internal/notifier"
	"github.com/openmined/drivesync/internal/remote"
	"github.com/openmined/drivesync/internal/utils"
	"github.com/openmined/drivesync/internal/watch"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	RootDir    string
	LedgerPath string
	Store      remote.Store
	// Watcher is only needed by Run.
	Watcher    watch.Watcher
	Notifier   notifier.Notifier
	Debounce   time.Duration
	MirrorTree bool
	Exclude    []string
	// LogFile is never uploaded when it lives inside RootDir.
	LogFile string
	Clock   clockwork.Clock
}

// Engine backs up RootDir into Store: a full scan first, then live changes
// until the context is cancelled.
type Engine struct {
	opts Options
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.RootDir == "" {
		return nil, errors.New("root dir is required")
	}
	if opts.LedgerPath == "" {
		return nil, errors.New("ledger path is required")
	}
	if opts.Store == nil {
		return nil, errors.New("remote store is required")
	}

	// watchers report canonical paths, so every path the engine compares is canonical too
	root, err := utils.CanonicalPath(opts.RootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", opts.RootDir, err)
	}
	if !utils.DirExists(root) {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}
	opts.RootDir = root

	if opts.LedgerPath, err = utils.CanonicalPath(opts.LedgerPath); err != nil {
		return nil, fmt.Errorf("resolve ledger %s: %w", opts.LedgerPath, err)
	}
	if opts.LogFile != "" {
		if opts.LogFile, err = utils.CanonicalPath(opts.LogFile); err != nil {
			return nil, fmt.Errorf("resolve log file %s: %w", opts.LogFile, err)
		}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Engine{opts: opts}, nil
}

// LockPath is the lock file guarding the ledger at ledgerPath.
func LockPath(ledgerPath string) string {
	return ledgerPath + ".lock"
}

// LockLedger takes the exclusive lock on ledgerPath so that one process at a
// time writes it. It fails with ErrLedgerLocked when another process holds it.
func LockLedger(ledgerPath string) (release func(), err error) {
	if err := utils.EnsureParent(ledgerPath); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	lock := flock.New(LockPath(ledgerPath))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	if !locked {
		return nil, ErrLedgerLocked
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			slog.Error("ledger unlock", "error", err)
			return
		}
		os.Remove(lock.Path()) //nolint:errcheck
	}, nil
}

// session is everything one Run or ScanOnce holds open.
type session struct {
	release  func()
	ledger   *ledger.Ledger
	resolver *Resolver
	uploader *Uploader
	scanner  *Scanner
	router   *Router
}

func (e *Engine) open() (*session, error) {
	release, err := LockLedger(e.opts.LedgerPath)
	if err != nil {
		return nil, err
	}

	l, err := ledger.Open(e.opts.LedgerPath)
	if err != nil {
		release()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	ignore, err := NewIgnoreList(e.opts.RootDir, e.opts.Exclude)
	if err != nil {
		_ = l.Close()
		release()
		return nil, err
	}
	// the ledger may live inside the backed up tree
	ignore.Protect(e.opts.LedgerPath)
	ignore.Protect(LockPath(e.opts.LedgerPath))
	if e.opts.LogFile != "" {
		// the log grows with every upload
		ignore.Protect(e.opts.LogFile)
	}

	resolver := NewResolver(e.opts.Store)
	uploader := NewUploader(e.opts.Store, l, e.opts.Notifier)
	return &session{
		release:  release,
		ledger:   l,
		resolver: resolver,
		uploader: uploader,
		scanner:  NewScanner(resolver, uploader, ignore),
		router: NewRouter(RouterOptions{
			RootDir:    e.opts.RootDir,
			Debounce:   e.opts.Debounce,
			MirrorTree: e.opts.MirrorTree,
			Clock:      e.opts.Clock,
		}, resolver, uploader, ignore),
	}, nil
}

func (e *Engine) close(s *session) {
	if err := s.ledger.Close(); err != nil {
		slog.Error("ledger close", "error", err)
	}
	s.release()
}

// ScanOnce runs a single full scan of the root and returns its report.
func (e *Engine) ScanOnce(ctx context.Context) (ScanReport, error) {
	s, err := e.open()
	if err != nil {
		return ScanReport{}, err
	}
	defer e.close(s)
	return e.scan(ctx, s)
}

func (e *Engine) scan(ctx context.Context, s *session) (ScanReport, error) {
	slog.Info("scan start", "root", e.opts.RootDir, "tracked", s.ledger.Len())
	report, err := s.scanner.Scan(ctx, e.opts.RootDir, "")
	if err != nil {
		return report, err
	}
	if report.UploadedAny() {
		slog.Info("all new files uploaded", "report", report)
	} else {
		slog.Info("no new files", "report", report)
	}
	stats := s.resolver.Stats()
	slog.Debug("resolver stats", "lookups", stats.Lookups, "hits", stats.CacheHits, "created", stats.Created)
	return report, nil
}

// Run scans the root to completion and then uploads live changes until ctx is
// cancelled. Cancellation is a clean stop and returns nil.
func (e *Engine) Run(ctx context.Context) error {
	if e.opts.Watcher == nil {
		return errors.New("watcher is required")
	}

	s, err := e.open()
	if err != nil {
		return err
	}
	defer e.close(s)

	if _, err := e.scan(ctx, s); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("scan interrupted")
			return nil
		}
		return err
	}

	if err := e.opts.Watcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	slog.Info("watching for changes", "root", e.opts.RootDir, "debounce", e.opts.Debounce)

	// transfers finish even after shutdown starts
	uploadCtx := context.WithoutCancel(ctx)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		events := e.opts.Watcher.Events()
		for {
			select {
			case <-egCtx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					if egCtx.Err() != nil {
						return nil
					}
					return ErrWatcherClosed
				}
				s.router.Handle(uploadCtx, ev)
			}
		}
	})

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("stopping watcher")
		e.opts.Watcher.Stop()
		return nil
	})

	err = eg.Wait()
	if pending := s.router.Pending(); pending > 0 {
		slog.Info("flushing pending uploads", "count", pending)
	}
	s.router.Flush(uploadCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("engine failure", "error", err)
		return err
	}
	slog.Info("engine stopped")
	return nil
}
