// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store implements the daemon's transactional relational layer
// (§3, §4.2): peers, apps, labels, announcements, and the inbox/outbox
// message tables, plus forward-only schema migration.
//
// It follows the teacher's database pooling shape in
// gnunet/service/store/database.go (a *sql.DB opened once per connect
// string, database/sql driving a registered cgo driver) simplified to the
// daemon's single-writer model: the coordinator is the store's only caller,
// so there is exactly one *sql.DB per daemon instance rather than a
// reference-counted pool of them.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

// Store owns the daemon's single SQLite database file.
type Store struct {
	db *sql.DB
}

// Open connects to (and creates, if absent) the SQLite database at path.
// Callers must still call Migrate before using the store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// the coordinator serializes all store access; a single connection
	// avoids SQLite's writer-lock contention entirely.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// OpenMemory opens an in-process, non-persistent database, used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin starts a new transaction (§3 invariant 4: every multi-statement
// mutation runs inside exactly one transaction).
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin transaction: %w", err)
	}
	return &Tx{tx: tx, ctx: ctx}, nil
}
