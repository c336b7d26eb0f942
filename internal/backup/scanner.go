package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

// ScanReport summarizes one scan. It is informational only.
type ScanReport struct {
	Dirs      int
	Files     int
	Uploaded  int
	Unchanged int
	Skipped   int
	Ignored   int
	Failed    int
	Bytes     int64
	Duration  time.Duration
}

// UploadedAny reports whether the scan transferred at least one file.
func (r ScanReport) UploadedAny() bool {
	return r.Uploaded > 0
}

func (r ScanReport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("dirs", r.Dirs),
		slog.Int("files", r.Files),
		slog.Int("uploaded", r.Uploaded),
		slog.Int("unchanged", r.Unchanged),
		slog.Int("skipped", r.Skipped),
		slog.Int("ignored", r.Ignored),
		slog.Int("failed", r.Failed),
		slog.String("bytes", humanize.Bytes(uint64(r.Bytes))),
		slog.Duration("took", r.Duration),
	)
}

// Scanner walks a local tree depth first, mirroring each directory as a
// remote container and uploading every file that changed.
type Scanner struct {
	resolver *Resolver
	uploader *Uploader
	ignore   *IgnoreList
}

func NewScanner(resolver *Resolver, uploader *Uploader, ignore *IgnoreList) *Scanner {
	return &Scanner{resolver: resolver, uploader: uploader, ignore: ignore}
}

// Scan mirrors dir under parentID. Failures of individual files or
// subdirectories are logged and counted; only a failure to resolve dir
// itself or cancellation of ctx is returned. Cancellation stops the walk
// between files, a transfer already running is allowed to finish.
func (s *Scanner) Scan(ctx context.Context, dir, parentID string) (ScanReport, error) {
	start := time.Now()
	var report ScanReport
	err := s.scanDir(ctx, dir, parentID, &report, true)
	report.Duration = time.Since(start)
	return report, err
}

func (s *Scanner) scanDir(ctx context.Context, dir, parentID string, report *ScanReport, isRoot bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remoteCtx := context.WithoutCancel(ctx)

	containerID, err := s.resolver.Resolve(remoteCtx, ContainerName(dir), parentID)
	if err != nil {
		if isRoot {
			return fmt.Errorf("resolve root container for %s: %w", dir, err)
		}
		slog.Error("scan skip directory", "reason", "resolve failed", "path", dir, "error", err)
		report.Failed++
		return nil
	}
	report.Dirs++

	entries, err := os.ReadDir(dir)
	if err != nil {
		if isRoot {
			return fmt.Errorf("read root dir %s: %w", dir, err)
		}
		slog.Error("scan skip directory", "reason", "read failed", "path", dir, "error", err)
		report.Failed++
		return nil
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		path := filepath.Join(dir, entry.Name())
		isDir := entry.IsDir()
		if entry.Type()&os.ModeSymlink != 0 {
			// follow links to files, never into directories
			info, err := os.Stat(path)
			if err != nil {
				slog.Warn("scan skip", "reason", "dangling symlink", "path", path)
				report.Skipped++
				continue
			}
			if info.IsDir() {
				slog.Debug("scan skip", "reason", "symlinked directory", "path", path)
				report.Skipped++
				continue
			}
		}

		if s.ignore != nil && s.ignore.ShouldIgnore(path, isDir) {
			report.Ignored++
			continue
		}

		if isDir {
			if err := s.scanDir(ctx, path, containerID, report, false); err != nil {
				return err
			}
			continue
		}

		report.Files++
		// upload failures are logged by the uploader and isolated to this file
		outcome, size, _ := s.uploader.upload(remoteCtx, path, containerID)
		switch outcome {
		case Uploaded:
			report.Uploaded++
			report.Bytes += size
		case Unchanged:
			report.Unchanged++
		case Skipped:
			report.Skipped++
		case Failed:
			report.Failed++
		}
	}
	return nil
}

// ContainerName is the remote container name used for a local directory.
func ContainerName(dir string) string {
	name := filepath.Base(filepath.Clean(dir))
	if name == string(filepath.Separator) || name == "." || name == "" {
		return "root"
	}
	return name
}
