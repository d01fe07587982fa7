// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package coordinator implements the daemon's single-task event loop
// (§4.5): the only component that touches the store and the swarm, and
// the owner of the three subscriber tables (§4.6). It generalizes the
// teacher's core.Core.pump (one select loop, non-blocking fan-out to
// registered listeners) from GNUnet's peer/message events to mutinyd's
// four event sources and richer request dispatch table.
package coordinator

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bfix/gospel/logger"

	"github.com/caolan/mutinyd/internal/protocol"
	"github.com/caolan/mutinyd/internal/session"
	"github.com/caolan/mutinyd/internal/store"
	"github.com/caolan/mutinyd/internal/swarm"
)

// Listener is the subset of *session.Listener the coordinator depends
// on, kept as an interface so tests can supply a stand-in that never
// produces a connection.
type Listener interface {
	Accepted() <-chan net.Conn
}

// Coordinator owns the store, the swarm handle, and every subscriber
// table. It is the daemon's only writer and the only task permitted to
// hold a store transaction or touch the swarm (§5).
type Coordinator struct {
	ctx      context.Context
	store    *store.Store
	swarm    swarm.Swarm
	listener Listener
	maxFrame int

	incoming chan session.ClientRequest
	stopped  chan struct{}

	nextSessionID uint64
	sessionWG     sync.WaitGroup

	// livePeers maps a peer id to its known-reachable address set; a peer
	// is present in the Peers response iff its set is non-empty (§3).
	livePeers map[string]map[string]struct{}

	peerSubs     map[subKey]session.ReplySink
	announceSubs map[subKey]session.ReplySink
	inboxSubs    map[store.AppID]map[subKey]session.ReplySink

	pendingDeliveries map[swarm.RequestID]store.OutboxID
}

// New builds a Coordinator. Call Run to start its event loop.
func New(st *store.Store, sw swarm.Swarm, ln Listener, maxFrame int) *Coordinator {
	return &Coordinator{
		store:             st,
		swarm:             sw,
		listener:          ln,
		maxFrame:          maxFrame,
		incoming:          make(chan session.ClientRequest, 256),
		stopped:           make(chan struct{}),
		livePeers:         make(map[string]map[string]struct{}),
		peerSubs:          make(map[subKey]session.ReplySink),
		announceSubs:      make(map[subKey]session.ReplySink),
		inboxSubs:         make(map[store.AppID]map[subKey]session.ReplySink),
		pendingDeliveries: make(map[swarm.RequestID]store.OutboxID),
	}
}

// Submit implements session.Dispatcher: it hands a decoded client request
// to the coordinator's event loop. It may block if the incoming queue is
// full, applying backpressure to the submitting session's handler
// goroutine rather than the session's reader.
func (c *Coordinator) Submit(cr session.ClientRequest) {
	select {
	case c.incoming <- cr:
	case <-c.stopped:
	}
}

// Run executes the single-task event loop until ctx is cancelled (§4.5:
// one overlay event, one freshly accepted connection, one client
// request, or termination, each processed to quiescence before the
// next). It returns once every spawned session goroutine has exited.
func (c *Coordinator) Run(ctx context.Context) {
	c.ctx = ctx
	for {
		select {
		case ev, ok := <-c.swarm.Events():
			if !ok {
				continue
			}
			c.handleOverlayEvent(ev)

		case conn, ok := <-c.listener.Accepted():
			if !ok {
				continue
			}
			c.acceptSession(ctx, conn)

		case cr := <-c.incoming:
			c.handleClientRequest(cr)

		case <-ctx.Done():
			close(c.stopped)
			c.sessionWG.Wait()
			return
		}
	}
}

func (c *Coordinator) acceptSession(ctx context.Context, conn net.Conn) {
	id := atomic.AddUint64(&c.nextSessionID, 1)
	logger.Printf(logger.INFO, "[mutinyd] session %d: accepted", id)
	sess := session.New(id, conn, c, c.maxFrame)

	c.sessionWG.Add(1)
	go func() {
		defer c.sessionWG.Done()
		sess.Run(ctx)
		logger.Printf(logger.INFO, "[mutinyd] session %d: closed", id)
	}()
}

func (c *Coordinator) localPeerID() string {
	return c.swarm.LocalPeerID()
}

// withTx runs fn inside a fresh transaction, committing on success and
// rolling back on failure, which discards whatever fn wrote before its
// error (after a successful Commit the deferred Rollback is a no-op).
func (c *Coordinator) withTx(fn func(tx *store.Tx) error) error {
	tx, err := c.store.Begin(c.ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// reply delivers a single response body for cr's own request id.
func reply(cr session.ClientRequest, body protocol.ResponseBody) {
	cr.Reply.Send(protocol.Response{RequestID: cr.Request.ID, Body: body})
}

// replyError is the common "store operation failed" reply path for
// request handlers below.
func replyError(cr session.ClientRequest, err error) {
	logger.Printf(logger.WARN, "[mutinyd] request %d: %s", cr.Request.ID, err)
	reply(cr, protocol.NewError(err.Error()))
}
