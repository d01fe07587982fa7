// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations holds the forward-only sequence of schema versions. Each
// entry's statements run inside one transaction that ends by bumping
// schema_version.version as its last statement, mirroring the
// "loop over version, execute batch, bump version" shape of
// original_source/mutinyd/src/store.rs's StoreTransaction::migrate.
var migrations = []string{
	// version 0 -> 1
	`
	CREATE TABLE schema_version (version INTEGER NOT NULL);
	INSERT INTO schema_version (version) VALUES (0);

	CREATE TABLE peer (
		id INTEGER PRIMARY KEY,
		peer_id TEXT UNIQUE NOT NULL
	);
	CREATE TABLE app (
		id INTEGER PRIMARY KEY,
		peer_id INTEGER NOT NULL REFERENCES peer(id),
		uuid TEXT NOT NULL,
		last_port INTEGER,
		UNIQUE(peer_id, uuid)
	);
	CREATE TABLE app_label (
		app_id INTEGER PRIMARY KEY REFERENCES app(id),
		label TEXT UNIQUE NOT NULL
	);
	CREATE TABLE app_announcement (
		app_id INTEGER PRIMARY KEY REFERENCES app(id),
		received INTEGER NOT NULL,
		data TEXT NOT NULL
	);
	CREATE TABLE message_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		data BLOB UNIQUE NOT NULL
	);
	CREATE TABLE message_inbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		received INTEGER NOT NULL,
		from_app_id INTEGER NOT NULL REFERENCES app(id),
		to_app_id INTEGER NOT NULL REFERENCES app(id),
		message_id INTEGER NOT NULL REFERENCES message_data(id)
	);
	CREATE TABLE message_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		queued INTEGER NOT NULL,
		from_app_id INTEGER NOT NULL REFERENCES app(id),
		to_app_id INTEGER NOT NULL REFERENCES app(id),
		message_id INTEGER NOT NULL REFERENCES message_data(id)
	);
	CREATE INDEX message_inbox_to_app ON message_inbox(to_app_id, id);
	`,
}

// Migrate brings the database forward to the latest known schema version.
// It is idempotent: calling it again once the database is current is a
// no-op.
func (s *Store) Migrate(ctx context.Context) error {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	for version < len(migrations) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: migrate: begin: %w", err)
		}
		if _, err := tx.ExecContext(ctx, migrations[version]); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: migrate to version %d: %w", version+1, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, version+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: migrate: bump version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: migrate: commit version %d: %w", version+1, err)
		}
		version++
	}
	return nil
}

// schemaVersion reads the current schema version, treating "no
// schema_version table yet" as version 0.
func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var exists string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'`,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: check schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("store: read schema version: %w", err)
	}
	return version, nil
}
