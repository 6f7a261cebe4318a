package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS units (
	key         TEXT PRIMARY KEY,
	loader      TEXT NOT NULL,
	contents    TEXT NOT NULL,
	resolve_dir TEXT NOT NULL DEFAULT '',
	digest      TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
)`

// SQLiteStore persists units in a single SQLite database file
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &CacheAccessError{Op: "open", Err: fmt.Errorf("creating store directory: %w", err)}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &CacheAccessError{Op: "open", Err: fmt.Errorf("opening database: %w", err)}
	}
	// A single connection keeps :memory: databases alive and avoids
	// SQLITE_BUSY between writers in the same process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, &CacheAccessError{Op: "open", Err: fmt.Errorf("setting busy timeout: %w", err)}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, &CacheAccessError{Op: "open", Err: fmt.Errorf("creating table: %w", err)}
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get retrieves a unit from the store
func (s *SQLiteStore) Get(ctx context.Context, key string) (*LoadableUnit, bool, error) {
	var (
		unit   LoadableUnit
		loader string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT loader, contents, resolve_dir FROM units WHERE key = ?`, key,
	).Scan(&loader, &unit.Contents, &unit.ResolveDir)
	if errors.Is(err, sql.ErrNoRows) {
		RecordCacheMiss()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &CacheAccessError{Op: "get", Key: key, Err: err}
	}

	unit.Loader = LoaderKind(loader)
	RecordCacheHit()
	return &unit, true, nil
}

// Set stores a unit, overwriting any previous value for key
func (s *SQLiteStore) Set(ctx context.Context, key string, unit *LoadableUnit) error {
	if unit == nil {
		return &CacheAccessError{Op: "set", Key: key, Err: fmt.Errorf("nil unit")}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO units (key, loader, contents, resolve_dir, digest, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			loader = excluded.loader,
			contents = excluded.contents,
			resolve_dir = excluded.resolve_dir,
			digest = excluded.digest,
			updated_at = excluded.updated_at`,
		key, string(unit.Loader), unit.Contents, unit.ResolveDir, unit.Digest(), time.Now().UnixNano(),
	)
	if err != nil {
		return &CacheAccessError{Op: "set", Key: key, Err: err}
	}

	s.updateStats(ctx)
	return nil
}

// Delete removes a unit from the store
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM units WHERE key = ?`, key); err != nil {
		return &CacheAccessError{Op: "delete", Key: key, Err: err}
	}
	s.updateStats(ctx)
	return nil
}

// Clear removes all units from the store
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM units`); err != nil {
		return &CacheAccessError{Op: "clear", Err: err}
	}
	UpdateStoreStats(0, 0)
	return nil
}

// Len returns the number of units in the store
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM units`).Scan(&n); err != nil {
		return 0, &CacheAccessError{Op: "len", Err: err}
	}
	return n, nil
}

// Stats returns store statistics
func (s *SQLiteStore) Stats(ctx context.Context) (StoreStats, error) {
	var stats StoreStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(CAST(contents AS BLOB))), 0) FROM units`,
	).Scan(&stats.EntryCount, &stats.TotalSize)
	if err != nil {
		return StoreStats{}, &CacheAccessError{Op: "stats", Err: err}
	}
	return stats, nil
}

func (s *SQLiteStore) updateStats(ctx context.Context) {
	if stats, err := s.Stats(ctx); err == nil {
		UpdateStoreStats(stats.EntryCount, stats.TotalSize)
	}
}
