// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package swarm abstracts the peer-to-peer overlay the coordinator talks
// to (§4.3): sending/receiving OverlayRequest/OverlayResponse values to
// named peers, and consuming an event stream of discovery, connection and
// request/response activity. internal/swarm/libp2p.go is the only
// concrete implementation, backed by github.com/libp2p/go-libp2p.
package swarm

import "context"

// RequestID correlates an outbound OverlayRequest with its eventual
// OverlayResponse, scoped to this process's lifetime.
type RequestID uint64

// OverlayRequest is the closed set of messages peers exchange over the
// overlay's request/response stream protocol.
type OverlayRequest interface {
	overlayRequestTag() string
}

// AnnounceRequest carries a peer's current announcement for one of its
// apps to a remote peer.
type AnnounceRequest struct {
	AppUuid string `cbor:"app_uuid"`
	Data    []byte `cbor:"data"`
}

// MessageRequest carries one application message between two peers.
type MessageRequest struct {
	FromAppUuid string `cbor:"from_app_uuid"`
	ToAppUuid   string `cbor:"to_app_uuid"`
	Bytes       []byte `cbor:"bytes"`
}

func (AnnounceRequest) overlayRequestTag() string { return "Announce" }
func (MessageRequest) overlayRequestTag() string  { return "Message" }

// OverlayResponse is the closed set of replies to an OverlayRequest.
// Acknowledge is the only variant (§4.3).
type OverlayResponse interface {
	overlayResponseTag() string
}

// Acknowledge confirms the peer processed the paired request.
type Acknowledge struct{}

func (Acknowledge) overlayResponseTag() string { return "Acknowledge" }

// ResponseChannel is handed to the coordinator with an InboundRequest
// event and consumed exactly once by SendResponse to reply to that
// specific inbound request.
type ResponseChannel interface {
	overlayResponseChannel()
}

// NopResponseChannel is a ResponseChannel that discards whatever is sent
// on it. Swarm implementations used in tests of Swarm's consumers (the
// coordinator) construct InboundRequestEvent values with one of these
// since only this package can satisfy the unexported method.
type NopResponseChannel struct{}

func (NopResponseChannel) overlayResponseChannel() {}

// Event is the closed set of asynchronous notifications the swarm pushes
// to its single consumer (§4.3).
type Event interface {
	overlayEventTag() string
}

// PeerDiscoveredEvent fires when the overlay's discovery mechanism learns
// of a new reachable peer.
type PeerDiscoveredEvent struct {
	Peer string
	Addr string
}

// PeerExpiredEvent fires when a previously discovered peer is no longer
// reachable by that mechanism.
type PeerExpiredEvent struct {
	Peer string
	Addr string
}

// InboundRequestEvent delivers a request from peer. Reply exactly once
// via Swarm.SendResponse(Channel, ...).
type InboundRequestEvent struct {
	Peer    string
	ReqID   RequestID
	Request OverlayRequest
	Channel ResponseChannel
}

// InboundResponseEvent delivers the reply to a request previously sent
// with Swarm.SendRequest, correlated by ReqID.
type InboundResponseEvent struct {
	Peer     string
	ReqID    RequestID
	Response OverlayResponse
}

// ListeningEvent fires for each local listen address at startup, and again
// for every current address whenever the overlay's address set changes.
type ListeningEvent struct {
	Addr string
}

// ConnectionEstablishedEvent fires when a transport-level connection to
// a peer opens.
type ConnectionEstablishedEvent struct {
	Peer string
	Addr string
}

// ConnectionClosedEvent fires when a transport-level connection to a
// peer closes.
type ConnectionClosedEvent struct {
	Peer string
	Addr string
}

// IdentifiedEvent fires once the overlay's identify flow learns a peer's
// full set of advertised listen addresses.
type IdentifiedEvent struct {
	Peer  string
	Addrs []string
}

func (PeerDiscoveredEvent) overlayEventTag() string         { return "PeerDiscovered" }
func (PeerExpiredEvent) overlayEventTag() string             { return "PeerExpired" }
func (InboundRequestEvent) overlayEventTag() string          { return "InboundRequest" }
func (InboundResponseEvent) overlayEventTag() string         { return "InboundResponse" }
func (ListeningEvent) overlayEventTag() string                { return "Listening" }
func (ConnectionEstablishedEvent) overlayEventTag() string    { return "ConnectionEstablished" }
func (ConnectionClosedEvent) overlayEventTag() string         { return "ConnectionClosed" }
func (IdentifiedEvent) overlayEventTag() string               { return "Identified" }

// Swarm is the coordinator's view of the p2p overlay (§4.3). SendRequest
// returns at once and its reply surfaces as a later InboundResponseEvent;
// SendResponse and Dial report failures through their returned error.
type Swarm interface {
	// LocalPeerID returns this node's textual, base58-encoded peer
	// identifier.
	LocalPeerID() string

	// SendRequest asynchronously delivers req to peer and returns a
	// locally-unique id to correlate the eventual InboundResponseEvent.
	SendRequest(peer string, req OverlayRequest) (RequestID, error)

	// SendResponse writes resp over ch, the channel that accompanied an
	// InboundRequestEvent, and returns any write error. ch must not be
	// reused.
	SendResponse(ch ResponseChannel, resp OverlayResponse) error

	// Dial connects to a peer at a raw multiaddr, blocking until the
	// attempt completes and returning its error.
	Dial(ctx context.Context, addr string) error

	// Events returns the channel of asynchronous overlay notifications.
	// It is closed when Close is called.
	Events() <-chan Event

	// Close shuts the overlay host down and closes the Events channel.
	Close() error
}
