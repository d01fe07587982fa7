// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package swarm

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bfix/gospel/logger"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	identify "github.com/libp2p/go-libp2p/p2p/protocol/identify"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/caolan/mutinyd/internal/frame"
)

// protocolID names the single stream protocol overlay peers speak. It
// plays the role of the original Rust daemon's
// StreamProtocol::new("/mutiny-request-response-protocol") under a
// different name.
const protocolID = protocol.ID("/mutiny/request-response/1.0.0")

const mdnsServiceTag = "mutinyd-discovery"

// Libp2pSwarm is the Swarm backed by github.com/libp2p/go-libp2p: a TCP
// host with mDNS discovery, the identify protocol, and one custom stream
// protocol carrying length-prefixed CBOR-framed OverlayRequest/
// OverlayResponse values (§4.3).
type Libp2pSwarm struct {
	host   host.Host
	mdns   mdns.Service
	events chan Event

	nextReqID uint64

	mu      sync.Mutex
	pending map[RequestID]chan OverlayResponse

	closeOnce sync.Once
}

// responseChannel is the concrete ResponseChannel handed out with every
// InboundRequestEvent: the inbound libp2p stream waiting for a reply.
type responseChannel struct {
	stream network.Stream
}

func (*responseChannel) overlayResponseChannel() {}

// New starts a libp2p host on the given keypair and listen multiaddr,
// subscribes to local-network peer discovery, and registers the identify
// protocol and the daemon's custom request/response protocol handler.
func New(ctx context.Context, priv crypto.PrivKey, listenAddr string) (*Libp2pSwarm, error) {
	if listenAddr == "" {
		listenAddr = "/ip4/0.0.0.0/tcp/0"
	}
	addr, err := ma.NewMultiaddr(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("swarm: parse listen addr %q: %w", listenAddr, err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(addr),
	)
	if err != nil {
		return nil, fmt.Errorf("swarm: create host: %w", err)
	}

	s := &Libp2pSwarm{
		host:    h,
		events:  make(chan Event, 64),
		pending: make(map[RequestID]chan OverlayResponse),
	}

	h.SetStreamHandler(protocolID, s.handleStream)

	sub, err := h.EventBus().Subscribe([]interface{}{
		new(event.EvtLocalAddressesUpdated),
		new(event.EvtPeerIdentificationCompleted),
		new(event.EvtPeerConnectednessChanged),
	})
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("swarm: subscribe to host events: %w", err)
	}
	go s.pumpHostEvents(sub)

	idService, err := identify.NewIDService(h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("swarm: start identify service: %w", err)
	}
	idService.Start()

	disc := mdns.NewMdnsService(h, mdnsServiceTag, &mdnsNotifee{swarm: s})
	if err := disc.Start(); err != nil {
		h.Close()
		return nil, fmt.Errorf("swarm: start mdns discovery: %w", err)
	}
	s.mdns = disc

	for _, a := range h.Addrs() {
		s.emit(ListeningEvent{Addr: a.String()})
	}

	return s, nil
}

func (s *Libp2pSwarm) LocalPeerID() string {
	return s.host.ID().String()
}

func (s *Libp2pSwarm) SendRequest(peerStr string, req OverlayRequest) (RequestID, error) {
	pid, err := peer.Decode(peerStr)
	if err != nil {
		return 0, fmt.Errorf("swarm: decode peer id %q: %w", peerStr, err)
	}
	reqID := RequestID(atomic.AddUint64(&s.nextReqID, 1))

	replyCh := make(chan OverlayResponse, 1)
	s.mu.Lock()
	s.pending[reqID] = replyCh
	s.mu.Unlock()

	go s.doSendRequest(pid, reqID, req, replyCh)
	return reqID, nil
}

func (s *Libp2pSwarm) doSendRequest(pid peer.ID, reqID RequestID, req OverlayRequest, replyCh chan OverlayResponse) {
	defer func() {
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
	}()

	stream, err := s.host.NewStream(context.Background(), pid, protocolID)
	if err != nil {
		logger.Printf(logger.WARN, "[mutinyd] swarm: open stream to %s: %s", pid, err)
		return
	}
	defer stream.Close()

	payload, err := marshalOverlayRequest(req)
	if err != nil {
		logger.Printf(logger.ERROR, "[mutinyd] swarm: encode overlay request: %s", err)
		return
	}
	if err := frame.WriteFrame(stream, payload, frame.DefaultMaxSize); err != nil {
		logger.Printf(logger.WARN, "[mutinyd] swarm: write request to %s: %s", pid, err)
		return
	}

	respPayload, err := frame.ReadFrame(bufio.NewReader(stream), frame.DefaultMaxSize)
	if err != nil {
		logger.Printf(logger.WARN, "[mutinyd] swarm: read response from %s: %s", pid, err)
		return
	}
	resp, err := unmarshalOverlayResponse(respPayload)
	if err != nil {
		logger.Printf(logger.ERROR, "[mutinyd] swarm: decode overlay response: %s", err)
		return
	}
	s.emit(InboundResponseEvent{Peer: pid.String(), ReqID: reqID, Response: resp})
}

func (s *Libp2pSwarm) SendResponse(ch ResponseChannel, resp OverlayResponse) error {
	rc, ok := ch.(*responseChannel)
	if !ok {
		return fmt.Errorf("swarm: response channel of unexpected type %T", ch)
	}
	defer rc.stream.Close()

	payload, err := marshalOverlayResponse(resp)
	if err != nil {
		return fmt.Errorf("swarm: encode overlay response: %w", err)
	}
	if err := frame.WriteFrame(rc.stream, payload, frame.DefaultMaxSize); err != nil {
		return fmt.Errorf("swarm: write overlay response: %w", err)
	}
	return nil
}

func (s *Libp2pSwarm) Dial(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("swarm: parse dial addr %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("swarm: resolve peer info from %q: %w", addr, err)
	}
	if err := s.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("swarm: dial %s: %w", addr, err)
	}
	return nil
}

func (s *Libp2pSwarm) Events() <-chan Event {
	return s.events
}

func (s *Libp2pSwarm) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.mdns != nil {
			_ = s.mdns.Close()
		}
		err = s.host.Close()
		close(s.events)
	})
	return err
}

func (s *Libp2pSwarm) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		logger.Printf(logger.WARN, "[mutinyd] swarm: event queue full, dropping %s", ev.overlayEventTag())
	}
}

// handleStream reads exactly one framed OverlayRequest, dispatches an
// InboundRequestEvent carrying a ResponseChannel bound to this stream,
// and leaves the stream open for SendResponse to reply on.
func (s *Libp2pSwarm) handleStream(stream network.Stream) {
	remote := stream.Conn().RemotePeer().String()
	payload, err := frame.ReadFrame(bufio.NewReader(stream), frame.DefaultMaxSize)
	if err != nil {
		logger.Printf(logger.WARN, "[mutinyd] swarm: read inbound request from %s: %s", remote, err)
		stream.Reset()
		return
	}
	req, err := unmarshalOverlayRequest(payload)
	if err != nil {
		logger.Printf(logger.ERROR, "[mutinyd] swarm: decode inbound overlay request: %s", err)
		stream.Reset()
		return
	}
	reqID := RequestID(atomic.AddUint64(&s.nextReqID, 1))
	s.emit(InboundRequestEvent{
		Peer:    remote,
		ReqID:   reqID,
		Request: req,
		Channel: &responseChannel{stream: stream},
	})
}

// mdnsNotifee bridges go-libp2p's mdns callback interface to the Swarm
// event stream, and dials the discovered peer so its addresses become
// usable for SendRequest.
type mdnsNotifee struct {
	swarm *Libp2pSwarm
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	n.swarm.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
	addr := ""
	if len(info.Addrs) > 0 {
		addr = info.Addrs[0].String()
	}
	n.swarm.emit(PeerDiscoveredEvent{Peer: info.ID.String(), Addr: addr})

	go func() {
		if err := n.swarm.host.Connect(context.Background(), info); err != nil {
			logger.Printf(logger.DBG, "[mutinyd] swarm: connect to discovered peer %s: %s", info.ID, err)
		}
	}()
}

func (s *Libp2pSwarm) pumpHostEvents(sub event.Subscription) {
	defer sub.Close()
	for ev := range sub.Out() {
		switch e := ev.(type) {
		case event.EvtLocalAddressesUpdated:
			for _, updated := range e.Current {
				s.emit(ListeningEvent{Addr: updated.Address.String()})
			}
		case event.EvtPeerIdentificationCompleted:
			addrs := make([]string, 0, len(e.ListenAddrs))
			for _, a := range e.ListenAddrs {
				addrs = append(addrs, a.String())
			}
			s.emit(IdentifiedEvent{Peer: e.Peer.String(), Addrs: addrs})
		case event.EvtPeerConnectednessChanged:
			switch e.Connectedness {
			case network.Connected:
				s.emit(ConnectionEstablishedEvent{Peer: e.Peer.String()})
			case network.NotConnected:
				s.emit(ConnectionClosedEvent{Peer: e.Peer.String()})
			}
		}
	}
}
