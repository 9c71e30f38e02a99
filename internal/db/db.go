// Package db implements Tangram's generic pooled SQL connection layer
// (spec §4.10: "two critical instances [of the resource pool]: the
// database connection pool and the file-descriptor semaphore"). The
// database driver itself is out of scope per spec.md; this package
// only needs one that satisfies database/sql, so it uses
// modernc.org/sqlite (pure Go, no cgo) the way AKJUS-bsc-erigon's
// embedded-store layer does.
package db

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/tangramd/tangram/internal/pool"
	"github.com/tangramd/tangram/internal/tgerror"
)

// Config configures a DB.
type Config struct {
	// DSN is the sqlite data source name, e.g. "file:/data/tangram.db?_pragma=journal_mode(wal)".
	DSN string
	// MaxConns bounds the connection pool's capacity.
	MaxConns int64
}

// DB wraps a *sql.DB behind internal/pool.Pool, so callers check a
// connection out and back in rather than holding the whole *sql.DB.
type DB struct {
	sqlDB *sql.DB
	pool  *pool.Pool[*sql.Conn]
}

// Open opens the sqlite database at cfg.DSN and wraps it in a pool of
// up to cfg.MaxConns checked-out connections.
func Open(cfg Config) (*DB, error) {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 8
	}
	sqlDB, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, tgerror.IOErr(err, "open sqlite database %q", cfg.DSN)
	}
	sqlDB.SetMaxOpenConns(int(cfg.MaxConns))

	connPool := pool.New(cfg.MaxConns, func(ctx context.Context) (*sql.Conn, error) {
		conn, err := sqlDB.Conn(ctx)
		if err != nil {
			return nil, tgerror.IOErr(err, "acquire sqlite connection")
		}
		return conn, nil
	})

	return &DB{sqlDB: sqlDB, pool: connPool}, nil
}

// Close closes the underlying *sql.DB. The *sql.Conn values parked in
// the pool's idle set are not closed one by one.
func (d *DB) Close() error {
	return d.sqlDB.Close()
}

// Get checks out a pooled connection, blocking until one is available
// or ctx is done.
func (d *DB) Get(ctx context.Context) (*pool.Guard[*sql.Conn], error) {
	return d.pool.Get(ctx)
}

// Exec checks out a connection, runs query against it, and releases it
// back to the pool.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	guard, err := d.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	return guard.Value().ExecContext(ctx, query, args...)
}

// Query checks out a connection and runs query against it. The caller
// must call the returned release func once done with rows (after
// rows.Close), returning the connection to the pool; the connection
// is held for the lifetime of the cursor, unlike Exec's immediate
// release.
func (d *DB) Query(ctx context.Context, query string, args ...any) (rows *sql.Rows, release func(), err error) {
	guard, err := d.Get(ctx)
	if err != nil {
		return nil, nil, err
	}
	rows, err = guard.Value().QueryContext(ctx, query, args...)
	if err != nil {
		guard.Release()
		return nil, nil, err
	}
	return rows, guard.Release, nil
}
