package ledger

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/drivesync/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger (
    path TEXT PRIMARY KEY,
    marker INTEGER NOT NULL,
    recorded_at TEXT NOT NULL -- RFC3339, informational only
);
`

type dbEntry struct {
	Path       string `db:"path"`
	Marker     int64  `db:"marker"`
	RecordedAt string `db:"recorded_at"`
}

// SQLiteBackend keeps one row per tracked file, so recording an upload
// touches a single row instead of rewriting the whole ledger.
type SQLiteBackend struct {
	db     *sqlx.DB
	dbPath string
}

// OpenSQLiteBackend opens the ledger database at dbPath. A database that
// cannot be opened or initialised is moved aside and recreated empty.
func OpenSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	conn, err := openLedgerDB(dbPath)
	if err != nil {
		slog.Warn("ledger database unusable, recreating", "path", dbPath, "error", err)
		if err := moveAside(dbPath); err != nil {
			return nil, &PersistenceError{Op: "open", Path: dbPath, Err: err}
		}
		conn, err = openLedgerDB(dbPath)
		if err != nil {
			return nil, &PersistenceError{Op: "open", Path: dbPath, Err: err}
		}
	}
	return &SQLiteBackend{db: conn, dbPath: dbPath}, nil
}

func openLedgerDB(dbPath string) (*sqlx.DB, error) {
	conn, err := db.NewSqliteDB(db.WithPath(dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize ledger schema: %w", err)
	}
	return conn, nil
}

func moveAside(dbPath string) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil
	}
	backup := fmt.Sprintf("%s.%s.bak", dbPath, time.Now().Format("20060102150405"))
	// WAL side files belong to the broken database
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(dbPath + suffix)
	}
	return os.Rename(dbPath, backup)
}

func (b *SQLiteBackend) Load() (map[string]Marker, error) {
	var rows []dbEntry
	if err := b.db.Select(&rows, "SELECT path, marker, recorded_at FROM ledger"); err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	entries := make(map[string]Marker, len(rows))
	for _, r := range rows {
		entries[r.Path] = Marker(r.Marker)
	}
	return entries, nil
}

func (b *SQLiteBackend) Save(entries map[string]Marker) error {
	tx, err := b.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec("DELETE FROM ledger"); err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for path, marker := range entries {
		if _, err := tx.NamedExec(upsertQuery, dbEntry{Path: path, Marker: int64(marker), RecordedAt: now}); err != nil {
			return fmt.Errorf("insert %s: %w", path, err)
		}
	}
	return tx.Commit()
}

const upsertQuery = `INSERT OR REPLACE INTO ledger (path, marker, recorded_at)
	VALUES (:path, :marker, :recorded_at)`

func (b *SQLiteBackend) Put(path string, marker Marker) error {
	row := dbEntry{
		Path:       path,
		Marker:     int64(marker),
		RecordedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := b.db.NamedExec(upsertQuery, row); err != nil {
		return fmt.Errorf("upsert %s: %w", path, err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
