// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"fmt"
	"time"

	"github.com/bfix/gospel/logger"
	"github.com/google/uuid"

	"github.com/caolan/mutinyd/internal/protocol"
	"github.com/caolan/mutinyd/internal/session"
	"github.com/caolan/mutinyd/internal/store"
	"github.com/caolan/mutinyd/internal/swarm"
)

// handleClientRequest dispatches one decoded client request to its
// handler (§4.5's dispatch table). Every case replies exactly once,
// except the three Subscribe* requests, which register a standing
// subscriber and emit no immediate body.
func (c *Coordinator) handleClientRequest(cr session.ClientRequest) {
	switch body := cr.Request.Body.(type) {
	case protocol.LocalPeerIdRequest:
		reply(cr, protocol.LocalPeerIdResponse{PeerID: c.localPeerID()})

	case protocol.CreateAppInstanceRequest:
		c.createAppInstance(cr, body)

	case protocol.AppInstanceUuidRequest:
		c.appInstanceUuid(cr, body)

	case protocol.PeersRequest:
		peers := make([]string, 0, len(c.livePeers))
		for p, addrs := range c.livePeers {
			if len(addrs) > 0 {
				peers = append(peers, p)
			}
		}
		reply(cr, protocol.PeersResponse{Peers: peers})

	case protocol.AnnounceRequest:
		c.announce(cr, body)

	case protocol.AppAnnouncementsRequest:
		c.appAnnouncements(cr)

	case protocol.SendMessageRequest:
		c.sendMessage(cr, body)

	case protocol.InboxMessagesRequest:
		c.inboxMessages(cr, body)

	case protocol.DeleteInboxMessageRequest:
		c.deleteInboxMessage(cr, body)

	case protocol.SubscribePeerEventsRequest:
		c.subscribePeerEvents(cr)

	case protocol.SubscribeAnnounceEventsRequest:
		c.subscribeAnnounceEvents(cr)

	case protocol.SubscribeInboxEventsRequest:
		c.resolveLocalAppThen(cr, body.AppUuid, func(app store.AppID) {
			c.subscribeInboxEvents(cr, app)
		})

	case protocol.DialAddressRequest:
		addr := body.Addr
		go func() {
			if err := c.swarm.Dial(c.ctx, addr); err != nil {
				logger.Printf(logger.WARN, "[mutinyd] dial %s: %s", addr, err)
			}
		}()
		reply(cr, protocol.SuccessResponse{})

	case protocol.GetLastPortRequest:
		c.getLastPort(cr, body)

	case protocol.SetLastPortRequest:
		c.setLastPort(cr, body)

	default:
		replyError(cr, fmt.Errorf("unhandled request type %T", body))
	}
}

// resolveLocalAppThen upserts the local App for uuid and runs fn with its
// id, replying with an Error if the store operation fails.
func (c *Coordinator) resolveLocalAppThen(cr session.ClientRequest, uuid string, fn func(store.AppID)) {
	var app store.AppID
	err := c.withTx(func(tx *store.Tx) error {
		peer, err := tx.GetOrPutPeer(c.localPeerID())
		if err != nil {
			return err
		}
		app, err = tx.GetOrPutApp(peer, uuid)
		return err
	})
	if err != nil {
		replyError(cr, err)
		return
	}
	fn(app)
}

func (c *Coordinator) createAppInstance(cr session.ClientRequest, req protocol.CreateAppInstanceRequest) {
	newUuid := uuid.NewString()
	err := c.withTx(func(tx *store.Tx) error {
		peer, err := tx.GetOrPutPeer(c.localPeerID())
		if err != nil {
			return err
		}
		app, err := tx.GetOrPutApp(peer, newUuid)
		if err != nil {
			return err
		}
		return tx.PutAppLabel(app, req.Label)
	})
	if err != nil {
		replyError(cr, fmt.Errorf("create app instance with label %q: %w", req.Label, err))
		return
	}
	reply(cr, protocol.CreateAppInstanceResponse{Uuid: newUuid})
}

func (c *Coordinator) appInstanceUuid(cr session.ClientRequest, req protocol.AppInstanceUuidRequest) {
	var uuidPtr *string
	err := c.withTx(func(tx *store.Tx) error {
		app, ok, err := tx.GetAppByLabel(req.Label)
		if err != nil || !ok {
			return err
		}
		found, ok, err := tx.GetAppUuid(app)
		if err != nil || !ok {
			return err
		}
		uuidPtr = &found
		return nil
	})
	if err != nil {
		replyError(cr, err)
		return
	}
	reply(cr, protocol.AppInstanceUuidResponse{Uuid: uuidPtr})
}

func (c *Coordinator) announce(cr session.ClientRequest, req protocol.AnnounceRequest) {
	if req.Peer == c.localPeerID() {
		err := c.withTx(func(tx *store.Tx) error {
			peer, err := tx.GetOrPutPeer(req.Peer)
			if err != nil {
				return err
			}
			app, err := tx.GetOrPutApp(peer, req.AppUuid)
			if err != nil {
				return err
			}
			return tx.SetAppAnnouncement(app, time.Now().Unix(), req.Data)
		})
		if err != nil {
			replyError(cr, err)
			return
		}
		publish(c.announceSubs, protocol.AppAnnouncementResponse{AppAnnouncement: protocol.AppAnnouncement{
			Peer: req.Peer, AppUuid: req.AppUuid, Data: req.Data,
		}})
		reply(cr, protocol.SuccessResponse{})
		return
	}

	if _, err := c.swarm.SendRequest(req.Peer, swarm.AnnounceRequest{AppUuid: req.AppUuid, Data: req.Data}); err != nil {
		replyError(cr, err)
		return
	}
	reply(cr, protocol.SuccessResponse{})
}

func (c *Coordinator) appAnnouncements(cr session.ClientRequest) {
	var announcements []protocol.AppAnnouncement
	err := c.withTx(func(tx *store.Tx) error {
		rows, err := tx.ListAppAnnouncements()
		if err != nil {
			return err
		}
		announcements = make([]protocol.AppAnnouncement, len(rows))
		for i, r := range rows {
			announcements[i] = protocol.AppAnnouncement{Peer: r.Peer, AppUuid: r.AppUuid, Data: r.Data}
		}
		return nil
	})
	if err != nil {
		replyError(cr, err)
		return
	}
	reply(cr, protocol.AppAnnouncementsResponse{Announcements: announcements})
}

func (c *Coordinator) sendMessage(cr session.ClientRequest, req protocol.SendMessageRequest) {
	var outboxID store.OutboxID
	err := c.withTx(func(tx *store.Tx) error {
		localPeer, err := tx.GetOrPutPeer(c.localPeerID())
		if err != nil {
			return err
		}
		fromApp, err := tx.GetOrPutApp(localPeer, req.FromAppUuid)
		if err != nil {
			return err
		}
		remotePeer, err := tx.GetOrPutPeer(req.Peer)
		if err != nil {
			return err
		}
		toApp, err := tx.GetOrPutApp(remotePeer, req.AppUuid)
		if err != nil {
			return err
		}
		blob, err := tx.GetOrPutMessageData(req.Message)
		if err != nil {
			return err
		}
		outboxID, err = tx.PutMessageOutbox(time.Now().Unix(), fromApp, toApp, blob)
		return err
	})
	if err != nil {
		replyError(cr, err)
		return
	}

	reqID, err := c.swarm.SendRequest(req.Peer, swarm.MessageRequest{
		FromAppUuid: req.FromAppUuid,
		ToAppUuid:   req.AppUuid,
		Bytes:       req.Message,
	})
	if err != nil {
		logger.Printf(logger.WARN, "[mutinyd] send message to %s: %s", req.Peer, err)
	} else {
		c.pendingDeliveries[reqID] = outboxID
	}
	reply(cr, protocol.SuccessResponse{})
}

func (c *Coordinator) inboxMessages(cr session.ClientRequest, req protocol.InboxMessagesRequest) {
	c.resolveLocalAppThen(cr, req.AppUuid, func(app store.AppID) {
		var messages []protocol.Message
		err := c.withTx(func(tx *store.Tx) error {
			rows, err := tx.ListAppInboxMessages(app)
			if err != nil {
				return err
			}
			messages = make([]protocol.Message, len(rows))
			for i, r := range rows {
				messages[i] = protocol.Message{ID: int64(r.ID), Peer: r.Peer, Uuid: r.Uuid, Message: r.Message}
			}
			return nil
		})
		if err != nil {
			replyError(cr, err)
			return
		}
		reply(cr, protocol.InboxMessagesResponse{Messages: messages})
	})
}

func (c *Coordinator) deleteInboxMessage(cr session.ClientRequest, req protocol.DeleteInboxMessageRequest) {
	c.resolveLocalAppThen(cr, req.AppUuid, func(app store.AppID) {
		err := c.withTx(func(tx *store.Tx) error {
			return tx.DeleteInboxMessage(app, store.InboxID(req.MessageID))
		})
		if err != nil {
			replyError(cr, err)
			return
		}
		reply(cr, protocol.SuccessResponse{})
	})
}

func (c *Coordinator) getLastPort(cr session.ClientRequest, req protocol.GetLastPortRequest) {
	c.resolveLocalAppThen(cr, req.AppUuid, func(app store.AppID) {
		var portPtr *int
		err := c.withTx(func(tx *store.Tx) error {
			port, ok, err := tx.GetLastPort(app)
			if err != nil || !ok {
				return err
			}
			portPtr = &port
			return nil
		})
		if err != nil {
			replyError(cr, err)
			return
		}
		reply(cr, protocol.GetLastPortResponse{Port: portPtr})
	})
}

func (c *Coordinator) setLastPort(cr session.ClientRequest, req protocol.SetLastPortRequest) {
	c.resolveLocalAppThen(cr, req.AppUuid, func(app store.AppID) {
		err := c.withTx(func(tx *store.Tx) error {
			return tx.SetLastPort(app, req.Port)
		})
		if err != nil {
			replyError(cr, err)
			return
		}
		reply(cr, protocol.SuccessResponse{})
	})
}
