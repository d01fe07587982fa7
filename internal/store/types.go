// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

// PeerID, AppID, BlobID, InboxID and OutboxID are row identifiers for their
// respective tables (§3). They are distinct types so a coordinator bug that
// mixes up, say, an AppID and an InboxID is a compile error rather than a
// silent SQL mistake.
type (
	PeerID  int64
	AppID   int64
	BlobID  int64
	InboxID int64
	OutboxID int64
)

// Message is one stored inbox row, joined with its sender's peer id, app
// uuid and blob content.
type Message struct {
	ID      InboxID
	Peer    string
	Uuid    string
	Message []byte
}

// Announcement is one stored per-App announcement row, joined with the
// App's peer id and uuid.
type Announcement struct {
	Peer    string
	AppUuid string
	Data    []byte // opaque JSON payload, verbatim bytes as received
}
