package backup

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/drivesync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName holds gitignore style rules at the root of the backed up
// tree. A `!pattern` line re-includes a path a default rule excludes.
const IgnoreFileName = ".drivesyncignore"

// defaultIgnoreLines only cover files the OS creates on its own.
var defaultIgnoreLines = []string{
	IgnoreFileName,
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	".Trash-*/",
}

// IgnoreList decides which paths under root are never uploaded.
type IgnoreList struct {
	root      string
	rules     *gitignore.GitIgnore
	globs     []string
	protected []string
}

// NewIgnoreList builds the rules for root from the defaults, the ignore file
// in root (if any) and exclude globs. Globs are doublestar patterns matched
// against the slash separated path relative to root, and against the base
// name when the pattern has no slash.
func NewIgnoreList(root string, globs []string) (*IgnoreList, error) {
	for _, g := range globs {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid exclude pattern %q", g)
		}
	}
	l := &IgnoreList{root: root, globs: globs}
	l.load()
	return l, nil
}

func (l *IgnoreList) load() {
	lines := append([]string{}, defaultIgnoreLines...)

	ignorePath := filepath.Join(l.root, IgnoreFileName)
	if utils.FileExists(ignorePath) {
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("failed to open ignore file", "path", ignorePath, "error", err)
		} else {
			defer file.Close()
			rules := 0
			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line != "" && !strings.HasPrefix(line, "#") {
					lines = append(lines, line)
					rules++
				}
			}
			if err := scanner.Err(); err != nil {
				slog.Warn("error reading ignore file", "path", ignorePath, "error", err)
			} else {
				slog.Info("loaded ignore file", "path", ignorePath, "rules", rules)
			}
		}
	}

	l.rules = gitignore.CompileIgnoreLines(lines...)
}

// Protect ignores path and the side files written next to it (temp
// snapshots, SQLite journals, lock files). Used for the ledger and log file
// when they live inside the backed up tree.
func (l *IgnoreList) Protect(path string) {
	l.protected = append(l.protected, filepath.Clean(path))
}

// ShouldIgnore reports whether the absolute path should be skipped.
func (l *IgnoreList) ShouldIgnore(path string, isDir bool) bool {
	if l.isProtected(path) {
		return true
	}

	rel, err := utils.SlashRel(l.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "../") {
		return false
	}

	matchRel := rel
	if isDir {
		matchRel += "/"
	}
	if l.rules != nil && l.rules.MatchesPath(matchRel) {
		return true
	}

	base := filepath.Base(path)
	for _, g := range l.globs {
		if doublestar.MatchUnvalidated(g, rel) {
			return true
		}
		if !strings.Contains(g, "/") && doublestar.MatchUnvalidated(g, base) {
			return true
		}
	}
	return false
}

func (l *IgnoreList) isProtected(path string) bool {
	path = filepath.Clean(path)
	for _, p := range l.protected {
		if path == p || strings.HasPrefix(path, p+"-") || strings.HasPrefix(path, p+".") {
			return true
		}
		if filepath.Dir(path) == filepath.Dir(p) && strings.HasPrefix(filepath.Base(path), "."+filepath.Base(p)+".tmp-") {
			return true
		}
	}
	return false
}
