// Package catalog is the durable registry of completed backups, kept in a
// local SQLite database.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"dbkp/internal/fault"
)

// SchemaVersion is the version new databases are migrated to and the
// version stamped on new records.
const SchemaVersion = 2

var (
	ErrNotFound  = errors.New("catalog: backup not found")
	ErrDuplicate = errors.New("catalog: storage key already recorded")
	ErrAmbiguous = errors.New("catalog: id prefix matches more than one backup")
)

// migrations[i] upgrades a database from user_version i to i+1.
var migrations = []string{
	`CREATE TABLE backups (
		id                 TEXT PRIMARY KEY,
		target             TEXT NOT NULL,
		engine             TEXT NOT NULL,
		database_name      TEXT NOT NULL DEFAULT '',
		created_at         INTEGER NOT NULL,
		storage_key        TEXT NOT NULL UNIQUE,
		size               INTEGER NOT NULL,
		raw_size           INTEGER NOT NULL DEFAULT 0,
		parts              INTEGER NOT NULL DEFAULT 0,
		checksum           TEXT NOT NULL,
		checksum_algorithm TEXT NOT NULL,
		pipeline           TEXT NOT NULL,
		status             TEXT NOT NULL,
		schema_version     INTEGER NOT NULL
	);
	CREATE INDEX backups_target_created ON backups (target, created_at);
	CREATE TABLE upload_sessions (
		upload_id   TEXT PRIMARY KEY,
		storage_key TEXT NOT NULL,
		target      TEXT NOT NULL,
		job_id      TEXT NOT NULL,
		started_at  INTEGER NOT NULL
	);`,
	`ALTER TABLE backups ADD COLUMN server_version TEXT NOT NULL DEFAULT '';`,
}

// Catalog serializes every mutation through one writer; reads run
// concurrently against the WAL.
type Catalog struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the catalog at path and applies pending migrations.
func Open(ctx context.Context, path string) (*Catalog, error) {
	if path == "" {
		return nil, fault.Newf(fault.KindConfiguration, "open catalog", "path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fault.Configuration("open catalog", fmt.Errorf("create catalog dir: %w", err))
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(10000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fault.Configuration("open catalog", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fault.Configuration("open catalog", fmt.Errorf("%s: %w", path, err))
	}

	c := &Catalog{db: db, path: path}
	if err := c.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) Path() string {
	return c.path
}

// Version returns the schema version of the open database.
func (c *Catalog) Version(ctx context.Context) (int, error) {
	var v int
	if err := c.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, internal("read schema version", err)
	}
	return v, nil
}

func (c *Catalog) migrate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.Version(ctx)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fault.Newf(fault.KindConfiguration, "migrate catalog",
			"%s has schema version %d, newer than this binary supports (%d)", c.path, current, len(migrations))
	}
	for v := current; v < len(migrations); v++ {
		err := c.write(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
				return err
			}
			// PRAGMA does not take bind parameters.
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1))
			return err
		})
		if err != nil {
			return internal(fmt.Sprintf("migrate catalog to version %d", v+1), err)
		}
	}
	return nil
}

// write runs fn in one immediate transaction. Callers hold c.mu.
func (c *Catalog) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *Catalog) mutate(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.write(ctx, fn); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return fault.NotFound(op, err)
		case errors.Is(err, ErrDuplicate), isUniqueViolation(err):
			return fault.New(fault.KindInternal, op, ErrDuplicate)
		}
		return internal(op, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func internal(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fault.New(fault.KindCanceled, op, err)
	}
	return fault.New(fault.KindInternal, op, err)
}
