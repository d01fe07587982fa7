// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Tx is a single database transaction. Every exported query method runs
// its statements against it; callers compose several calls into one Tx to get
// the daemon's transactional mutation guarantee (§3 invariant 4).
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction. Calling it after Commit is a no-op
// error that callers should ignore (standard database/sql behavior), which
// is why handlers defer Rollback immediately after Begin.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// ---------------------------------------------------------------------
// Peer
// ---------------------------------------------------------------------

// GetPeer returns the PeerID for peerID, if one exists.
func (t *Tx) GetPeer(peerID string) (PeerID, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT id FROM peer WHERE peer_id = ?`, peerID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: get peer: %w", err)
	}
	return PeerID(id), true, nil
}

// GetOrPutPeer returns the PeerID for peerID, creating the row on first
// reference.
func (t *Tx) GetOrPutPeer(peerID string) (PeerID, error) {
	if id, ok, err := t.GetPeer(peerID); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}
	res, err := t.tx.ExecContext(t.ctx, `INSERT INTO peer (peer_id) VALUES (?)`, peerID)
	if err != nil {
		return 0, fmt.Errorf("store: put peer: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: put peer: %w", err)
	}
	return PeerID(id), nil
}

// ---------------------------------------------------------------------
// App
// ---------------------------------------------------------------------

// GetApp returns the AppID for (peer, uuid), if one exists.
func (t *Tx) GetApp(peer PeerID, uuid string) (AppID, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT id FROM app WHERE peer_id = ? AND uuid = ?`, int64(peer), uuid,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: get app: %w", err)
	}
	return AppID(id), true, nil
}

// GetOrPutApp returns the AppID for (peer, uuid), creating the row on first
// reference (either a local create-app request or the first inbound
// reference from a remote peer, §3).
func (t *Tx) GetOrPutApp(peer PeerID, uuid string) (AppID, error) {
	if id, ok, err := t.GetApp(peer, uuid); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO app (peer_id, uuid) VALUES (?, ?)`, int64(peer), uuid,
	)
	if err != nil {
		return 0, fmt.Errorf("store: put app: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: put app: %w", err)
	}
	return AppID(id), nil
}

// GetAppUuid returns the uuid of app, if it exists.
func (t *Tx) GetAppUuid(app AppID) (string, bool, error) {
	var uuid string
	err := t.tx.QueryRowContext(t.ctx, `SELECT uuid FROM app WHERE id = ?`, int64(app)).Scan(&uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get app uuid: %w", err)
	}
	return uuid, true, nil
}

// ---------------------------------------------------------------------
// App label
// ---------------------------------------------------------------------

// PutAppLabel binds label to app. Fails if the label is already bound
// (§3: App label is injective), surfaced as a SQL unique-constraint error
// for the coordinator to translate into an Error response.
func (t *Tx) PutAppLabel(app AppID, label string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO app_label (app_id, label) VALUES (?, ?)`, int64(app), label,
	)
	if err != nil {
		return fmt.Errorf("store: put app label: %w", err)
	}
	return nil
}

// GetAppByLabel resolves a label to its bound AppID, if any.
func (t *Tx) GetAppByLabel(label string) (AppID, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT app_id FROM app_label WHERE label = ?`, label).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: get app by label: %w", err)
	}
	return AppID(id), true, nil
}

// ---------------------------------------------------------------------
// Message blobs
// ---------------------------------------------------------------------

// GetOrPutMessageData interns data by exact byte equality (§3: message
// blobs are content-addressed and deduplicated).
func (t *Tx) GetOrPutMessageData(data []byte) (BlobID, error) {
	var id int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT id FROM message_data WHERE data = ?`, data).Scan(&id)
	if err == nil {
		return BlobID(id), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: get message data: %w", err)
	}
	res, err := t.tx.ExecContext(t.ctx, `INSERT INTO message_data (data) VALUES (?)`, data)
	if err != nil {
		return 0, fmt.Errorf("store: put message data: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: put message data: %w", err)
	}
	return BlobID(newID), nil
}

// ---------------------------------------------------------------------
// Outbox
// ---------------------------------------------------------------------

// PutMessageOutbox records a queued outbound message.
func (t *Tx) PutMessageOutbox(queued int64, from, to AppID, blob BlobID) (OutboxID, error) {
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO message_outbox (queued, from_app_id, to_app_id, message_id) VALUES (?, ?, ?, ?)`,
		queued, int64(from), int64(to), int64(blob),
	)
	if err != nil {
		return 0, fmt.Errorf("store: put message outbox: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: put message outbox: %w", err)
	}
	return OutboxID(id), nil
}

// DeleteMessageOutbox removes an outbox row once the overlay has
// acknowledged delivery (§3 invariant 3).
func (t *Tx) DeleteMessageOutbox(id OutboxID) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM message_outbox WHERE id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("store: delete message outbox: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------
// Inbox
// ---------------------------------------------------------------------

// PutMessageInbox records a received inbound message.
func (t *Tx) PutMessageInbox(received int64, from, to AppID, blob BlobID) (InboxID, error) {
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO message_inbox (received, from_app_id, to_app_id, message_id) VALUES (?, ?, ?, ?)`,
		received, int64(from), int64(to), int64(blob),
	)
	if err != nil {
		return 0, fmt.Errorf("store: put message inbox: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: put message inbox: %w", err)
	}
	return InboxID(id), nil
}

// ListAppInboxMessages returns app's inbox, ascending by inbox id (§4.2).
func (t *Tx) ListAppInboxMessages(app AppID) ([]Message, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT message_inbox.id, peer.peer_id, sender.uuid, message_data.data
		FROM message_inbox
		JOIN app AS sender ON sender.id = message_inbox.from_app_id
		JOIN peer ON peer.id = sender.peer_id
		JOIN message_data ON message_data.id = message_inbox.message_id
		WHERE message_inbox.to_app_id = ?
		ORDER BY message_inbox.id ASC
	`, int64(app))
	if err != nil {
		return nil, fmt.Errorf("store: list app inbox messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Peer, &m.Uuid, &m.Message); err != nil {
			return nil, fmt.Errorf("store: list app inbox messages: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteInboxMessage removes one inbox row scoped by its destination app.
func (t *Tx) DeleteInboxMessage(app AppID, id InboxID) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM message_inbox WHERE id = ? AND to_app_id = ?`, int64(id), int64(app),
	)
	if err != nil {
		return fmt.Errorf("store: delete inbox message: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------
// Announcements
// ---------------------------------------------------------------------

// SetAppAnnouncement upserts app's announcement, last-write-wins by the
// caller-supplied timestamp (§4.2: the store does not read the clock).
func (t *Tx) SetAppAnnouncement(app AppID, received int64, data []byte) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO app_announcement (app_id, received, data) VALUES (?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET received = excluded.received, data = excluded.data
	`, int64(app), received, string(data))
	if err != nil {
		return fmt.Errorf("store: set app announcement: %w", err)
	}
	return nil
}

// ListAppAnnouncements returns a snapshot of every stored announcement.
func (t *Tx) ListAppAnnouncements() ([]Announcement, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT peer.peer_id, app.uuid, app_announcement.data
		FROM app_announcement
		JOIN app ON app.id = app_announcement.app_id
		JOIN peer ON peer.id = app.peer_id
		ORDER BY app_announcement.app_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list app announcements: %w", err)
	}
	defer rows.Close()

	var out []Announcement
	for rows.Next() {
		var a Announcement
		var data string
		if err := rows.Scan(&a.Peer, &a.AppUuid, &data); err != nil {
			return nil, fmt.Errorf("store: list app announcements: %w", err)
		}
		a.Data = []byte(data)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------
// Last port
// ---------------------------------------------------------------------

// GetLastPort returns app's last-port scalar, if set.
func (t *Tx) GetLastPort(app AppID) (int, bool, error) {
	var port sql.NullInt64
	err := t.tx.QueryRowContext(t.ctx, `SELECT last_port FROM app WHERE id = ?`, int64(app)).Scan(&port)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: get last port: %w", err)
	}
	if !port.Valid {
		return 0, false, nil
	}
	return int(port.Int64), true, nil
}

// SetLastPort sets app's last-port scalar.
func (t *Tx) SetLastPort(app AppID, port int) error {
	_, err := t.tx.ExecContext(t.ctx, `UPDATE app SET last_port = ? WHERE id = ?`, port, int64(app))
	if err != nil {
		return fmt.Errorf("store: set last port: %w", err)
	}
	return nil
}
