// Package store implements the index store (spec component C1): a
// relational schema of parsed log entries and their extracted scalar
// fields, plus the query, aggregate, prune, vacuum, and reset operations
// everything else in mikroscope is built on.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
)

// Store owns one SQLite file split across two *sql.DB handles. The
// indexer, the maintenance loop and the reindex reset are its writers and
// mikroscope never needs more than one in flight at a time, so writer is capped to a
// single connection — that turns SQLite's "only one writer" rule into a
// Go-level guarantee instead of a source of SQLITE_BUSY retries. reader
// stays multi-connection because the query and aggregate endpoints are
// read-heavy and independent of each other and of the writer thanks to
// WAL mode.
type Store struct {
	path   string
	writer *sql.DB
	reader *sql.DB
}

// connectionPragmas configures every new connection the driver opens,
// tuned for mikroscope's write pattern (many small single-row upserts
// from the incremental indexer, occasional large deletes from
// maintenance) rather than for bulk-load throughput:
//   - journal_mode=WAL + synchronous=NORMAL: readers never block behind
//     the writer, and NORMAL is safe under WAL since a crash only risks
//     losing the last unflushed transaction, not corrupting the file.
//   - busy_timeout=10000: the reader pool can still collide with the
//     writer during a checkpoint; block and retry rather than surface
//     SQLITE_BUSY to an API caller.
//   - cache_size=-8000: ~8MB of page cache per connection, sized for the
//     aggregate endpoint's full-table group-by scans over log_fields
//     rather than the smaller working set a pure point-lookup workload
//     would need.
//   - auto_vacuum=INCREMENTAL: the maintenance loop deletes expired rows
//     in bulk and then reclaims their pages with `PRAGMA
//     incremental_vacuum` on its own schedule (store/maintenance.go); a
//     full, blocking VACUUM would stall ingestion for however long that
//     takes on a multi-gigabyte index.
const connectionPragmas = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 10000;
PRAGMA temp_store = MEMORY;
PRAGMA auto_vacuum = INCREMENTAL;
PRAGMA foreign_keys = ON;
PRAGMA cache_size = -8000;
`

func init() {
	sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, _ string) error {
		_, err := conn.ExecContext(context.Background(), connectionPragmas, []driver.NamedValue{})
		return err
	})
}

// Open creates the database's parent directory if needed, opens the
// writer and reader handles against the same file, applies schema and
// migrations through the writer, and returns a ready Store.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := "file:" + path

	writer, err := openPool(dsn, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("open writer db: %w", err)
	}

	reader, err := openPool(dsn, 4, 4)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open reader db: %w", err)
	}

	if err := ensureAutoVacuum(writer); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("ensure auto_vacuum incremental: %w", err)
	}
	if _, err := writer.Exec(schemaDDL); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := migrateIsAuditColumn(writer); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("migrate is_audit column: %w", err)
	}

	return &Store{path: path, writer: writer, reader: reader}, nil
}

// openPool opens a connection pool against dsn and confirms it's
// reachable before handing it back, so a bad path or a locked file fails
// Open immediately instead of surfacing on the first query.
func openPool(dsn string, maxOpen, maxIdle int) (*sql.DB, error) {
	pool, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(maxOpen)
	pool.SetMaxIdleConns(maxIdle)
	pool.SetConnMaxLifetime(0)

	if err := pool.PingContext(context.Background()); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return pool, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Ping verifies the writer connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.writer.PingContext(ctx)
}

// Checkpoint forces a WAL checkpoint, truncating the WAL file. Nothing in
// mikroscope calls it on its own; the maintenance loop does not.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Close releases both handles, reporting both errors if both fail.
func (s *Store) Close() error {
	return errors.Join(s.writer.Close(), s.reader.Close())
}

// ensureAutoVacuum upgrades a pre-existing database file to incremental
// auto_vacuum if it wasn't created with one, since auto_vacuum mode can
// only be changed by a full VACUUM and PRAGMA auto_vacuum alone is a
// no-op on an existing file.
func ensureAutoVacuum(writer *sql.DB) error {
	var mode int
	if err := writer.QueryRow("PRAGMA auto_vacuum").Scan(&mode); err != nil {
		return err
	}
	const incrementalMode = 2
	if mode == incrementalMode {
		return nil
	}
	if _, err := writer.Exec("PRAGMA auto_vacuum = INCREMENTAL;"); err != nil {
		return err
	}
	_, err := writer.Exec("VACUUM;")
	return err
}
