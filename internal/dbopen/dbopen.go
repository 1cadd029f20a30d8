// Package dbopen opens the notify service SQLite database. Pragmas are set
// in the DSN so that every pooled connection gets them, not just the first:
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
// In tests:
//
//	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

type options struct {
	busyTimeout time.Duration
	synchronous string
	mkdirAll    bool
	schemas     []string
}

// Option customises Open.
type Option func(*options)

// WithBusyTimeout sets how long a writer waits on a locked database.
// Default: 10s.
func WithBusyTimeout(d time.Duration) Option { return func(o *options) { o.busyTimeout = d } }

// WithSynchronous sets PRAGMA synchronous. Default: NORMAL.
func WithSynchronous(mode string) Option { return func(o *options) { o.synchronous = mode } }

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(o *options) { o.mkdirAll = true } }

// WithSchema runs SQL once the database is open. Statements must be
// idempotent.
func WithSchema(s string) Option { return func(o *options) { o.schemas = append(o.schemas, s) } }

// DSN builds the modernc.org/sqlite data source name for path.
func DSN(path string, opts ...Option) string {
	o := collect(opts)
	q := url.Values{}
	for _, p := range []string{
		"foreign_keys(1)",
		fmt.Sprintf("busy_timeout(%d)", o.busyTimeout.Milliseconds()),
		"synchronous(" + o.synchronous + ")",
	} {
		q.Add("_pragma", p)
	}
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

func collect(opts []Option) options {
	o := options{busyTimeout: 10 * time.Second, synchronous: "NORMAL"}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Open opens the database at path, applies the schemas and checks the
// connection.
func Open(path string, opts ...Option) (*sql.DB, error) {
	o := collect(opts)
	if o.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", DSN(path, opts...))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping %s: %w", path, err)
	}
	for _, s := range o.schemas {
		if strings.TrimSpace(s) == "" {
			continue
		}
		if err := RunTx(ctx, db, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, s)
			return err
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: apply schema: %w", err)
		}
	}
	return db, nil
}

// OpenMemory opens an in-memory database closed on test cleanup.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
