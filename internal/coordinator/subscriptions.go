// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"github.com/caolan/mutinyd/internal/protocol"
	"github.com/caolan/mutinyd/internal/session"
	"github.com/caolan/mutinyd/internal/store"
)

// subKey identifies one subscription: the session that registered it and
// the request id the subscribe call was made under. Every pushed event
// echoes request as its Response.RequestID.
type subKey struct {
	session uint64
	request uint64
}

// publish delivers body to every subscriber in subs, removing any whose
// reply sink reports its session gone (§4.6: subscriber cleanup happens
// lazily, on the next publish attempt that targets it).
func publish(subs map[subKey]session.ReplySink, body protocol.ResponseBody) {
	for key, sink := range subs {
		resp := protocol.Response{RequestID: key.request, Body: body}
		if !sink.Send(resp) {
			delete(subs, key)
		}
	}
}

func (c *Coordinator) subscribePeerEvents(cr session.ClientRequest) {
	key := subKey{session: cr.SessionID, request: cr.Request.ID}
	c.peerSubs[key] = cr.Reply
}

func (c *Coordinator) subscribeAnnounceEvents(cr session.ClientRequest) {
	key := subKey{session: cr.SessionID, request: cr.Request.ID}
	c.announceSubs[key] = cr.Reply
}

func (c *Coordinator) subscribeInboxEvents(cr session.ClientRequest, app store.AppID) {
	key := subKey{session: cr.SessionID, request: cr.Request.ID}
	bucket, ok := c.inboxSubs[app]
	if !ok {
		bucket = make(map[subKey]session.ReplySink)
		c.inboxSubs[app] = bucket
	}
	bucket[key] = cr.Reply
}

func (c *Coordinator) publishInboxEvent(app store.AppID, body protocol.ResponseBody) {
	bucket, ok := c.inboxSubs[app]
	if !ok {
		return
	}
	publish(bucket, body)
	if len(bucket) == 0 {
		delete(c.inboxSubs, app)
	}
}
