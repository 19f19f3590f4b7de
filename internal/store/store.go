// Package store is the Migration Runner (C9) and the home of the relational
// schema: open-or-create, pragma tuning, forward-only migrations, and the
// command/event insert and query paths the recorder and the CLI build on.
//
// Grounded on roach88-nysm's store.go for the sql.DB/pragma/go:embed
// shape, and on original_source's db_connection.cpp/query_columns.h for
// the exact busy-timeout value, the foreign_keys-before-transaction
// ordering, and the version-table (not PRAGMA user_version) semantics.
package store

import (
	"context"
	_ "embed"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// AppVersion is the schema version this build understands. Stored in the
// version table, compared against what's on disk at open time.
const AppVersion = "1.0.0"

// Store owns the single-writer SQLite connection pool.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open creates the database file and its directory (tightened to
// owner-only permissions if freshly created) if absent, applies pragmas,
// the schema, and forward migrations, and returns a ready Store.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	freshDir := false
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		freshDir = true
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, &StoreError{Op: "create data directory", Err: err}
		}
	}
	if freshDir {
		if err := os.Chmod(dir, 0700); err != nil {
			logger.Printf("warning: could not tighten permissions on %s: %v", dir, err)
		}
	}

	freshFile := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		freshFile = true
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &StoreError{Op: "open database", Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &StoreError{Op: "connect to database", Err: err}
	}

	db.SetMaxOpenConns(1) // SQLite has exactly one writer; avoid SQLITE_BUSY storms
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, &StoreError{Op: "apply pragmas", Err: err}
	}

	if freshFile {
		if err := os.Chmod(path, 0600); err != nil {
			logger.Printf("warning: could not tighten permissions on %s: %v", path, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, &StoreError{Op: "run migrations", Err: err}
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw connection for the query CLI's ad-hoc predicate
// queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// applyPragmas sets WAL mode, NORMAL sync, a 15s busy timeout (matching
// the original's QSQLITE_BUSY_TIMEOUT, per spec.md §5's "driver's busy
// timeout (15 s)"), and foreign-key enforcement before any transaction
// is opened — foreign_keys must be set outside a transaction to take
// effect, matching db_connection.cpp's ordering.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 15000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return nil
}

// migrate creates the schema if new, reads the stored version, applies
// forward migration steps, and writes back the current version — all in
// one transaction, per spec.md §4.9.
func (s *Store) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := splitStatements(schemaSQL)
	for _, stmt := range stmts {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	var stored string
	row := tx.QueryRow("SELECT ver FROM version WHERE id = 1")
	switch err := row.Scan(&stored); err {
	case sql.ErrNoRows:
		stored = "0.0.0"
	case nil:
		// fallthrough with stored set
	default:
		return fmt.Errorf("read stored version: %w", err)
	}

	cmp, err := compareVersions(stored, AppVersion)
	if err != nil {
		return fmt.Errorf("compare versions: %w", err)
	}

	switch {
	case cmp < 0:
		for _, step := range migrations {
			c, err := compareVersions(stored, step.version)
			if err != nil {
				return err
			}
			if c < 0 {
				if err := step.apply(tx); err != nil {
					return fmt.Errorf("migrate to %s: %w", step.version, err)
				}
			}
		}
	case cmp > 0:
		s.logger.Printf("warning: store version %s is newer than this build (%s); proceeding without downgrading", stored, AppVersion)
	}

	if _, err := tx.Exec(
		"INSERT INTO version (id, ver) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET ver = excluded.ver",
		maxVersion(stored, AppVersion),
	); err != nil {
		return fmt.Errorf("write version: %w", err)
	}

	return tx.Commit()
}

// migrationStep is one forward-only upgrade.
type migrationStep struct {
	version string
	apply   func(*sql.Tx) error
}

// migrations is empty for the initial schema; future upgrades append
// steps here, each guarded by a version string strictly above the last.
var migrations []migrationStep

func maxVersion(a, b string) string {
	if c, err := compareVersions(a, b); err == nil && c > 0 {
		return a
	}
	return b
}

// compareVersions compares two dotted version strings numerically,
// returning -1, 0, or 1.
func compareVersions(a, b string) (int, error) {
	pa, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	pb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}
	for i := 0; i < 3; i++ {
		if pa[i] != pb[i] {
			if pa[i] < pb[i] {
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, nil
}

func parseVersion(v string) ([3]int, error) {
	var out [3]int
	parts := strings.Split(v, ".")
	for i := 0; i < 3 && i < len(parts); i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return out, fmt.Errorf("parse version %q: %w", v, err)
		}
		out[i] = n
	}
	return out, nil
}

func splitStatements(sqlText string) []string {
	return strings.Split(sqlText, ";")
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "commit transaction", Err: err}
	}
	return nil
}

// StoreError reports a failure opening, migrating, or writing to the
// relational store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
