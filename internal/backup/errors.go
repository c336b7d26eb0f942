package backup

import (
	"errors"
	"fmt"
)

var (
	ErrLedgerLocked  = errors.New("ledger is locked by another drivesync process")
	ErrWatcherClosed = errors.New("watcher closed unexpectedly")
)

// LocalIOError means a file vanished or became unreadable between detection
// and transfer. It is logged and the file skipped; it never aborts a scan.
type LocalIOError struct {
	Path string
	Err  error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("local file %s: %v", e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error { return e.Err }
