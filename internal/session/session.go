// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session implements one IPC client connection (§4.4): a reader
// half that decodes frames and fans requests out to the coordinator, and
// a writer half that drains one shared reply queue back onto the wire.
// Pipelining is required: the reader never waits for a request's reply
// before accepting the next frame.
//
// This generalizes the teacher's service.Impl/SessionContext (one
// goroutine per accepted connection, a context.Context plus
// sync.WaitGroup tracking in-flight per-request handlers) from GNUnet's
// one-request-at-a-time protocol to mutinyd's pipelined one.
package session

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/bfix/gospel/logger"

	"github.com/caolan/mutinyd/internal/frame"
	"github.com/caolan/mutinyd/internal/protocol"
)

// replyQueueSize bounds how many responses may be buffered for a session
// before the writer goroutine has drained them. Sized generously per
// §4.6's guidance that a subscriber's queue should either be generous or
// degrade by dropping, rather than stall the publisher.
const replyQueueSize = 256

// ClientRequest is what a session forwards to the coordinator for every
// decoded Request: the request itself and a sink to deliver its
// response(s) on. Subscription requests receive more than one Response
// on Reply over the session's lifetime.
type ClientRequest struct {
	SessionID uint64
	Request   protocol.Request
	Reply     ReplySink
}

// ReplySink is how the coordinator delivers responses back to a session
// without risking a send on a closed channel: a session that has shut
// down closes Closed, and publishers must select on it alongside Queue.
type ReplySink struct {
	Queue  chan<- protocol.Response
	Closed <-chan struct{}
}

// Send attempts to deliver resp to the session, returning false if the
// session is gone. It never blocks past Queue filling up and Closed
// firing; a permanently stuck full queue on a live session still blocks,
// matching spec's acknowledged tradeoff for bounded queues.
func (r ReplySink) Send(resp protocol.Response) bool {
	select {
	case r.Queue <- resp:
		return true
	case <-r.Closed:
		return false
	}
}

// Dispatcher is the coordinator-bound queue a session forwards decoded
// requests to. The coordinator is the only implementation.
type Dispatcher interface {
	Submit(ClientRequest)
}

// Session owns one accepted IPC connection.
type Session struct {
	id         uint64
	conn       net.Conn
	dispatcher Dispatcher
	maxFrame   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	replyQueue chan protocol.Response
	closed     chan struct{}
	closeOnce  sync.Once
}

// New creates a session for an accepted connection. Call Run to start
// serving it; Run blocks until the connection ends.
func New(id uint64, conn net.Conn, dispatcher Dispatcher, maxFrame int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         id,
		conn:       conn,
		dispatcher: dispatcher,
		maxFrame:   maxFrame,
		ctx:        ctx,
		cancel:     cancel,
		replyQueue: make(chan protocol.Response, replyQueueSize),
		closed:     make(chan struct{}),
	}
}

// ID returns the session's identifier, unique for the process lifetime.
func (s *Session) ID() uint64 {
	return s.id
}

// Run serves the connection until it disconnects, a decode/write error
// occurs, or ctx is cancelled. It always closes the underlying
// connection before returning.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()

	stop := context.AfterFunc(ctx, s.shutdown)
	defer stop()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	s.readLoop()

	s.shutdown()
	s.wg.Wait()     // in-flight request handlers observe ctx.Done and return
	close(s.replyQueue) // safe now: no handler can still be sending
	<-writerDone
}

// readLoop decodes frames and spawns one handler goroutine per request so
// the next frame can be accepted immediately (pipelining, §4.4 property
// 3). It returns once the connection is unusable.
func (s *Session) readLoop() {
	for {
		payload, err := frame.ReadFrame(s.conn, s.maxFrame)
		if err != nil {
			if errors.Is(err, frame.ErrClosed) {
				logger.Printf(logger.DBG, "[mutinyd] session %d: client disconnected", s.id)
			} else {
				logger.Printf(logger.WARN, "[mutinyd] session %d: read error: %s", s.id, err)
			}
			return
		}

		req, err := protocol.UnmarshalRequest(payload)
		if err != nil {
			if id, ok := protocol.RequestEnvelopeID(payload); ok {
				logger.Printf(logger.WARN, "[mutinyd] session %d: decode error for request %d: %s", s.id, id, err)
				s.enqueueLocal(protocol.Response{RequestID: id, Body: protocol.NewError(err.Error())})
				continue
			}
			logger.Printf(logger.ERROR, "[mutinyd] session %d: undecodable frame, closing: %s", s.id, err)
			return
		}

		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.wg.Add(1)
		go s.handle(req)
	}
}

// handle forwards one decoded request to the coordinator. It is its own
// goroutine so the reader is never blocked waiting on the coordinator or
// on this request's eventual response.
func (s *Session) handle(req protocol.Request) {
	defer s.wg.Done()
	cr := ClientRequest{
		SessionID: s.id,
		Request:   req,
		Reply: ReplySink{
			Queue:  s.replyQueue,
			Closed: s.closed,
		},
	}
	select {
	case <-s.ctx.Done():
	default:
		s.dispatcher.Submit(cr)
	}
}

// enqueueLocal delivers a response the session itself generated (a decode
// error reply), bypassing the coordinator.
func (s *Session) enqueueLocal(resp protocol.Response) {
	select {
	case s.replyQueue <- resp:
	case <-s.ctx.Done():
	}
}

// writeLoop drains the shared reply queue and frames responses onto the
// wire, interleaving bodies from every in-flight request without
// reordering any single request's own bodies (§4.4).
func (s *Session) writeLoop() {
	for resp := range s.replyQueue {
		payload, err := protocol.MarshalResponse(resp)
		if err != nil {
			logger.Printf(logger.ERROR, "[mutinyd] session %d: encode response for request %d: %s", s.id, resp.RequestID, err)
			continue
		}
		if err := frame.WriteFrame(s.conn, payload, s.maxFrame); err != nil {
			logger.Printf(logger.WARN, "[mutinyd] session %d: write error: %s", s.id, err)
			s.shutdown()
			// drain remaining sends from in-flight handlers without
			// blocking them, now that Closed has fired they will stop.
			for range s.replyQueue {
			}
			return
		}
	}
}

// shutdown cancels the session context, closes the connection (unblocking
// any goroutine parked in a read or write), and closes Closed exactly
// once, signalling in-flight handlers to stop and any coordinator
// publisher holding this session's ReplySink to treat it as gone.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close()
		close(s.closed)
	})
}
