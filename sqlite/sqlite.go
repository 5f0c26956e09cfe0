// Package sqlite is a thin wrapper around database/sql for the secondary
// metadata index (see docstore): it knows nothing about Structures,
// Definitions, or CourseIndexes — just connection setup and pragmas.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Options describes connection-level settings.
type Options struct {
	// DriverName is the registered driver name (default "sqlite3", the
	// mattn/go-sqlite3 cgo driver).
	DriverName string
	// JournalMode, empty means WAL.
	JournalMode string
	// Synchronous, empty means NORMAL.
	Synchronous string
	// BusyTimeout before a SQLITE_BUSY error. Zero means 5s.
	BusyTimeout time.Duration
	// ForeignKeys toggles foreign key enforcement. Nil means on.
	ForeignKeys *bool
	// CacheSize in pages (negative means KiB). Zero leaves the default.
	CacheSize int
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLifetime time.Duration
}

// Database is a thin wrapper around *sql.DB with no index-specific logic.
type Database struct {
	db *sql.DB
}

// Open connects to SQLite at path and applies the requested pragmas.
func Open(path string, opts Options) (*Database, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty path")
	}

	driver := opts.DriverName
	if driver == "" {
		driver = "sqlite3"
	}

	journal := opts.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	syncMode := opts.Synchronous
	if syncMode == "" {
		syncMode = "NORMAL"
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", journal),
		fmt.Sprintf("PRAGMA synchronous=%s", syncMode),
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
	}

	if opts.ForeignKeys != nil {
		if *opts.ForeignKeys {
			pragmas = append(pragmas, "PRAGMA foreign_keys=ON")
		} else {
			pragmas = append(pragmas, "PRAGMA foreign_keys=OFF")
		}
	} else {
		pragmas = append(pragmas, "PRAGMA foreign_keys=ON")
	}

	if opts.CacheSize != 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size=%d", opts.CacheSize))
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: apply %s: %w", pragma, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

// Close closes the underlying connection.
func (d *Database) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Exec runs a statement without returning rows.
func (d *Database) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, query, args...)
}

// Query runs a statement and returns its rows.
func (d *Database) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// Underlying exposes the *sql.DB for callers that need low-level access.
func (d *Database) Underlying() *sql.DB {
	return d.db
}
