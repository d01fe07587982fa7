// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"time"

	"github.com/bfix/gospel/logger"

	"github.com/caolan/mutinyd/internal/protocol"
	"github.com/caolan/mutinyd/internal/store"
	"github.com/caolan/mutinyd/internal/swarm"
)

// handleOverlayEvent processes one event from the swarm (§4.3, §4.5).
func (c *Coordinator) handleOverlayEvent(ev swarm.Event) {
	switch e := ev.(type) {
	case swarm.PeerDiscoveredEvent:
		addrs, ok := c.livePeers[e.Peer]
		if !ok {
			addrs = make(map[string]struct{})
			c.livePeers[e.Peer] = addrs
		}
		addrs[e.Addr] = struct{}{}
		publish(c.peerSubs, protocol.PeerDiscoveredResponse{PeerID: e.Peer})

	case swarm.PeerExpiredEvent:
		if addrs, ok := c.livePeers[e.Peer]; ok {
			delete(addrs, e.Addr)
			if len(addrs) == 0 {
				delete(c.livePeers, e.Peer)
			}
		}
		publish(c.peerSubs, protocol.PeerExpiredResponse{PeerID: e.Peer})

	case swarm.ListeningEvent:
		logger.Printf(logger.INFO, "[mutinyd] listening on %s", e.Addr)

	case swarm.ConnectionEstablishedEvent:
		logger.Printf(logger.DBG, "[mutinyd] connection established: %s", e.Peer)

	case swarm.ConnectionClosedEvent:
		logger.Printf(logger.DBG, "[mutinyd] connection closed: %s", e.Peer)

	case swarm.IdentifiedEvent:
		logger.Printf(logger.DBG, "[mutinyd] identified %s with addresses %v", e.Peer, e.Addrs)

	case swarm.InboundRequestEvent:
		c.handleInboundRequest(e)

	case swarm.InboundResponseEvent:
		c.handleInboundResponse(e)
	}
}

// handleInboundRequest resolves the sender (upsert), applies the
// request's effect, commits, publishes to the relevant subscriber table,
// and best-effort acknowledges on the swarm's response channel (§4.5).
func (c *Coordinator) handleInboundRequest(ev swarm.InboundRequestEvent) {
	switch body := ev.Request.(type) {
	case swarm.AnnounceRequest:
		err := c.withTx(func(tx *store.Tx) error {
			peer, err := tx.GetOrPutPeer(ev.Peer)
			if err != nil {
				return err
			}
			app, err := tx.GetOrPutApp(peer, body.AppUuid)
			if err != nil {
				return err
			}
			return tx.SetAppAnnouncement(app, time.Now().Unix(), body.Data)
		})
		if err != nil {
			logger.Printf(logger.ERROR, "[mutinyd] inbound announce from %s: %s", ev.Peer, err)
			return
		}
		publish(c.announceSubs, protocol.AppAnnouncementResponse{AppAnnouncement: protocol.AppAnnouncement{
			Peer: ev.Peer, AppUuid: body.AppUuid, Data: body.Data,
		}})
		c.ack(ev)

	case swarm.MessageRequest:
		var inboxID store.InboxID
		var toApp store.AppID
		err := c.withTx(func(tx *store.Tx) error {
			senderPeer, err := tx.GetOrPutPeer(ev.Peer)
			if err != nil {
				return err
			}
			fromApp, err := tx.GetOrPutApp(senderPeer, body.FromAppUuid)
			if err != nil {
				return err
			}
			localPeer, err := tx.GetOrPutPeer(c.localPeerID())
			if err != nil {
				return err
			}
			toApp, err = tx.GetOrPutApp(localPeer, body.ToAppUuid)
			if err != nil {
				return err
			}
			blob, err := tx.GetOrPutMessageData(body.Bytes)
			if err != nil {
				return err
			}
			inboxID, err = tx.PutMessageInbox(time.Now().Unix(), fromApp, toApp, blob)
			return err
		})
		if err != nil {
			logger.Printf(logger.ERROR, "[mutinyd] inbound message from %s: %s", ev.Peer, err)
			return
		}
		c.publishInboxEvent(toApp, protocol.MessageResponse{Message: protocol.Message{
			ID: int64(inboxID), Peer: ev.Peer, Uuid: body.FromAppUuid, Message: body.Bytes,
		}})
		c.ack(ev)
	}
}

// ack replies Acknowledge on ev's response channel. Failure is logged
// only; an unacknowledged peer will simply leave its own delivery
// attempt outstanding (§4.5: "ack is best-effort").
func (c *Coordinator) ack(ev swarm.InboundRequestEvent) {
	if err := c.swarm.SendResponse(ev.Channel, swarm.Acknowledge{}); err != nil {
		logger.Printf(logger.WARN, "[mutinyd] ack to %s: %s", ev.Peer, err)
	}
}

// handleInboundResponse completes the outbound delivery state machine:
// AWAITING_ACK -> DELIVERED (§4.5). A response with no matching pending
// delivery (unknown id, already handled, or daemon restarted since it
// was sent) is ignored.
func (c *Coordinator) handleInboundResponse(ev swarm.InboundResponseEvent) {
	if _, ok := ev.Response.(swarm.Acknowledge); !ok {
		return
	}
	outboxID, ok := c.pendingDeliveries[ev.ReqID]
	if !ok {
		return
	}
	delete(c.pendingDeliveries, ev.ReqID)

	if err := c.withTx(func(tx *store.Tx) error {
		return tx.DeleteMessageOutbox(outboxID)
	}); err != nil {
		logger.Printf(logger.ERROR, "[mutinyd] delete delivered outbox row %d: %s", outboxID, err)
	}
}
