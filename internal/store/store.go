// Package store is the hash-addressed persistence layer.
//
// Each cell owns three databases with an identical schema but
// different roles: the authored store (the agent's own chain), the dht
// store (integrated ops this node is authority for), and the cache
// (records fetched from the network). Every mutating operation runs in
// a transaction; secondary indices are maintained in the same
// transaction as their primary rows.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Role names which of a cell's databases this store is.
type Role string

const (
	// RoleAuthored holds the agent's own source chain, including
	// private entries. One per (app, agent).
	RoleAuthored Role = "authored"
	// RoleDHT holds integrated ops and their indices. One per app.
	RoleDHT Role = "dht"
	// RoleCache holds network read-through results. One per app.
	RoleCache Role = "cache"
)

// busyRetryBudget bounds how long a writer waits out lock contention
// before surfacing Busy to the caller.
const busyRetryBudget = 30 * time.Second

// Store is one SQLite-backed hash-addressed database.
type Store struct {
	db   *sql.DB
	role Role
}

// Open creates or opens the database at path with the role's schema.
// Idempotent: safe to call on an existing database.
//
// SQLite is configured with WAL mode for concurrent reads during
// writes, NORMAL synchronous mode, a busy timeout for lock contention
// and foreign key enforcement. The pool is held to a single connection
// because SQLite serializes writers anyway and a second connection
// only manufactures SQLITE_BUSY.
func Open(path string, role Role) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", role, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s database: %w", role, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure %s database: %w", role, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema to %s database: %w", role, err)
	}
	return &Store{db: db, role: role}, nil
}

// OpenMemory opens a private in-memory store, used by tests and the
// demo CLI.
func OpenMemory(role Role) (*Store, error) {
	return Open(":memory:", role)
}

// Role returns the store's role.
func (s *Store) Role() Role {
	return s.role
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// WithTx runs fn inside a write transaction, retrying Busy failures
// with backoff until the retry budget runs out. Everything fn writes
// becomes visible together on commit or not at all.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	deadline := time.Now().Add(busyRetryBudget)
	backoff := 10 * time.Millisecond
	for {
		err := s.runTx(ctx, fn)
		if err == nil || !retryableBusy(err) {
			return err
		}
		if time.Now().After(deadline) {
			return &Error{Code: CodeBusy, Message: "write contention outlasted retry budget", Wrapped: err}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin transaction")
	}
	defer tx.Rollback() // No-op if committed.

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "commit transaction")
	}
	return nil
}

// ReadTx runs fn inside a read-only transaction so multi-statement
// reads observe one consistent snapshot.
func (s *Store) ReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return classify(err, "begin read transaction")
	}
	defer tx.Rollback()
	return fn(tx)
}

// retryableBusy reports whether err bottoms out in lock contention.
// Busy errors that already consumed the retry budget carry CodeBusy at
// the top and are not retried again.
func retryableBusy(err error) bool {
	var se *Error
	if errors.As(err, &se) && se.Code != CodeBusy {
		return false
	}
	return isSQLiteBusy(err)
}
