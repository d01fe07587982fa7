// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caolan/mutinyd/internal/protocol"
	"github.com/caolan/mutinyd/internal/session"
	"github.com/caolan/mutinyd/internal/store"
	"github.com/caolan/mutinyd/internal/swarm"
)

// fakeSwarm is an in-memory swarm.Swarm used to exercise the coordinator
// without a real libp2p host (internal/swarm/libp2p_test.go covers the
// real adapter instead).
type fakeSwarm struct {
	peerID string
	events chan swarm.Event

	mu           sync.Mutex
	nextReqID    uint64
	sentRequests []sentRequest
	sentAcks     int
	dialed       []string
}

type sentRequest struct {
	peer string
	req  swarm.OverlayRequest
}

func newFakeSwarm(peerID string) *fakeSwarm {
	return &fakeSwarm{peerID: peerID, events: make(chan swarm.Event, 64)}
}

func (f *fakeSwarm) LocalPeerID() string { return f.peerID }

func (f *fakeSwarm) SendRequest(peer string, req swarm.OverlayRequest) (swarm.RequestID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextReqID++
	f.sentRequests = append(f.sentRequests, sentRequest{peer: peer, req: req})
	return swarm.RequestID(f.nextReqID), nil
}

func (f *fakeSwarm) SendResponse(ch swarm.ResponseChannel, resp swarm.OverlayResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentAcks++
	return nil
}

func (f *fakeSwarm) Dial(ctx context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialed = append(f.dialed, addr)
	return nil
}

func (f *fakeSwarm) Events() <-chan swarm.Event { return f.events }

func (f *fakeSwarm) Close() error {
	close(f.events)
	return nil
}

// fakeListener never produces a connection; these tests drive the
// coordinator purely through Submit.
type fakeListener struct {
	ch chan net.Conn
}

func (f *fakeListener) Accepted() <-chan net.Conn { return f.ch }

// fakeReplySink collects every Response delivered to one logical
// subscriber/request, standing in for a session's reply queue.
func newFakeReplySink() (session.ReplySink, <-chan protocol.Response) {
	queue := make(chan protocol.Response, 64)
	closed := make(chan struct{})
	return session.ReplySink{Queue: queue, Closed: closed}, queue
}

type harness struct {
	t     *testing.T
	coord *Coordinator
	sw    *fakeSwarm
	st    *store.Store
	ctx   context.Context
	stop  context.CancelFunc
	done  chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	sw := newFakeSwarm("localPeer")
	ln := &fakeListener{ch: make(chan net.Conn)}
	coord := New(st, sw, ln, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	h := &harness{t: t, coord: coord, sw: sw, st: st, ctx: ctx, stop: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) request(sessionID uint64, reqID uint64, body protocol.RequestBody) <-chan protocol.Response {
	sink, queue := newFakeReplySink()
	h.coord.Submit(session.ClientRequest{
		SessionID: sessionID,
		Request:   protocol.Request{ID: reqID, Body: body},
		Reply:     sink,
	})
	return queue
}

func (h *harness) mustReply(queue <-chan protocol.Response) protocol.Response {
	h.t.Helper()
	select {
	case resp := <-queue:
		return resp
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for coordinator reply")
		return protocol.Response{}
	}
}

func TestLocalPeerId(t *testing.T) {
	h := newHarness(t)
	resp := h.mustReply(h.request(1, 1, protocol.LocalPeerIdRequest{}))
	require.Equal(t, uint64(1), resp.RequestID)
	require.Equal(t, protocol.LocalPeerIdResponse{PeerID: "localPeer"}, resp.Body)
}

func TestCreateAppInstanceThenLookupByLabel(t *testing.T) {
	h := newHarness(t)

	created := h.mustReply(h.request(1, 1, protocol.CreateAppInstanceRequest{Label: "chat"}))
	createResp, ok := created.Body.(protocol.CreateAppInstanceResponse)
	require.True(t, ok)
	require.NotEmpty(t, createResp.Uuid)

	looked := h.mustReply(h.request(1, 2, protocol.AppInstanceUuidRequest{Label: "chat"}))
	lookupResp, ok := looked.Body.(protocol.AppInstanceUuidResponse)
	require.True(t, ok)
	require.NotNil(t, lookupResp.Uuid)
	require.Equal(t, createResp.Uuid, *lookupResp.Uuid)
}

func TestCreateAppInstanceRejectsDuplicateLabel(t *testing.T) {
	h := newHarness(t)

	first := h.mustReply(h.request(1, 1, protocol.CreateAppInstanceRequest{Label: "chat"}))
	require.IsType(t, protocol.CreateAppInstanceResponse{}, first.Body)

	second := h.mustReply(h.request(1, 2, protocol.CreateAppInstanceRequest{Label: "chat"}))
	require.IsType(t, protocol.ErrorResponse{}, second.Body)
}

func TestAnnounceToLocalPeerPublishesToSubscribers(t *testing.T) {
	h := newHarness(t)

	subQueue := h.request(1, 1, protocol.SubscribeAnnounceEventsRequest{})

	resp := h.mustReply(h.request(2, 2, protocol.AnnounceRequest{
		Peer: "localPeer", AppUuid: "app1", Data: []byte(`{"v":1}`),
	}))
	require.Equal(t, protocol.SuccessResponse{}, resp.Body)

	event := h.mustReply(subQueue)
	require.Equal(t, uint64(1), event.RequestID)
	ann, ok := event.Body.(protocol.AppAnnouncementResponse)
	require.True(t, ok)
	require.Equal(t, "localPeer", ann.Peer)
	require.Equal(t, "app1", ann.AppUuid)
}

func TestAnnounceToRemotePeerEmitsOverlayRequest(t *testing.T) {
	h := newHarness(t)

	resp := h.mustReply(h.request(1, 1, protocol.AnnounceRequest{
		Peer: "remotePeer", AppUuid: "app1", Data: []byte(`{"v":1}`),
	}))
	require.Equal(t, protocol.SuccessResponse{}, resp.Body)

	require.Eventually(t, func() bool {
		h.sw.mu.Lock()
		defer h.sw.mu.Unlock()
		return len(h.sw.sentRequests) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSendMessageThenDuplicateAcknowledgeIsNoOp(t *testing.T) {
	h := newHarness(t)

	resp := h.mustReply(h.request(1, 1, protocol.SendMessageRequest{
		Peer: "remotePeer", AppUuid: "theirApp", FromAppUuid: "myApp", Message: []byte{0x03},
	}))
	require.Equal(t, protocol.SuccessResponse{}, resp.Body)

	var reqID swarm.RequestID
	require.Eventually(t, func() bool {
		h.sw.mu.Lock()
		defer h.sw.mu.Unlock()
		if len(h.sw.sentRequests) != 1 {
			return false
		}
		reqID = swarm.RequestID(h.sw.nextReqID)
		return true
	}, time.Second, 10*time.Millisecond)

	h.sw.events <- swarm.InboundResponseEvent{Peer: "remotePeer", ReqID: reqID, Response: swarm.Acknowledge{}}

	// the pending delivery is consumed on the first ack; a duplicate ack
	// for the same request id must be a safe no-op, not a second delete
	// attempt against a row that's already gone.
	done := make(chan struct{})
	go func() {
		h.sw.events <- swarm.InboundResponseEvent{Peer: "remotePeer", ReqID: reqID, Response: swarm.Acknowledge{}}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coordinator blocked handling a duplicate acknowledge")
	}

	// the coordinator is still responsive afterwards.
	resp = h.mustReply(h.request(1, 2, protocol.LocalPeerIdRequest{}))
	require.Equal(t, protocol.LocalPeerIdResponse{PeerID: "localPeer"}, resp.Body)
}

func TestInboundMessagePublishesToInboxSubscribers(t *testing.T) {
	h := newHarness(t)

	// register "myApp" as a local app so its AppID is stable, then
	// subscribe to its inbox.
	created := h.mustReply(h.request(1, 1, protocol.CreateAppInstanceRequest{Label: "myApp"}))
	uuid := created.Body.(protocol.CreateAppInstanceResponse).Uuid

	subQueue := h.request(1, 2, protocol.SubscribeInboxEventsRequest{AppUuid: uuid})

	h.sw.events <- swarm.InboundRequestEvent{
		Peer:  "remotePeer",
		ReqID: 1,
		Request: swarm.MessageRequest{
			FromAppUuid: "theirApp",
			ToAppUuid:   uuid,
			Bytes:       []byte("hello"),
		},
		Channel: swarm.NopResponseChannel{},
	}

	event := h.mustReply(subQueue)
	msg, ok := event.Body.(protocol.MessageResponse)
	require.True(t, ok)
	require.Equal(t, "remotePeer", msg.Peer)
	require.Equal(t, "theirApp", msg.Uuid)
	require.Equal(t, []byte("hello"), msg.Message)

	require.Eventually(t, func() bool {
		h.sw.mu.Lock()
		defer h.sw.mu.Unlock()
		return h.sw.sentAcks == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPeerDiscoveryUpdatesPeersSnapshot(t *testing.T) {
	h := newHarness(t)

	h.sw.events <- swarm.PeerDiscoveredEvent{Peer: "remotePeer", Addr: "/ip4/127.0.0.1/tcp/4001"}

	require.Eventually(t, func() bool {
		resp := h.mustReply(h.request(1, 1, protocol.PeersRequest{}))
		peers, ok := resp.Body.(protocol.PeersResponse)
		return ok && len(peers.Peers) == 1 && peers.Peers[0] == "remotePeer"
	}, time.Second, 10*time.Millisecond)

	// a second address for the same peer must keep it present once the
	// first address expires.
	h.sw.events <- swarm.PeerDiscoveredEvent{Peer: "remotePeer", Addr: "/ip4/127.0.0.1/tcp/4002"}
	h.sw.events <- swarm.PeerExpiredEvent{Peer: "remotePeer", Addr: "/ip4/127.0.0.1/tcp/4001"}

	require.Eventually(t, func() bool {
		resp := h.mustReply(h.request(1, 2, protocol.PeersRequest{}))
		peers, ok := resp.Body.(protocol.PeersResponse)
		return ok && len(peers.Peers) == 1 && peers.Peers[0] == "remotePeer"
	}, time.Second, 10*time.Millisecond)

	h.sw.events <- swarm.PeerExpiredEvent{Peer: "remotePeer", Addr: "/ip4/127.0.0.1/tcp/4002"}

	require.Eventually(t, func() bool {
		resp := h.mustReply(h.request(1, 3, protocol.PeersRequest{}))
		peers, ok := resp.Body.(protocol.PeersResponse)
		return ok && len(peers.Peers) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSubscriberRemovedOnceSessionCloses(t *testing.T) {
	h := newHarness(t)

	queue := make(chan protocol.Response, 1)
	closed := make(chan struct{})
	h.coord.Submit(session.ClientRequest{
		SessionID: 9,
		Request:   protocol.Request{ID: 1, Body: protocol.SubscribeAnnounceEventsRequest{}},
		Reply:     session.ReplySink{Queue: queue, Closed: closed},
	})

	// submitted on the same channel, so it is processed strictly after
	// the subscribe above: its reply proves the subscription is live.
	h.mustReply(h.request(9, 2, protocol.LocalPeerIdRequest{}))

	close(closed)

	// a publish attempt against the now-dead subscriber must not block
	// and must drop it rather than retry forever.
	done := make(chan struct{})
	go func() {
		resp := h.mustReply(h.request(1, 3, protocol.AnnounceRequest{
			Peer: "localPeer", AppUuid: "app1", Data: []byte(`{}`),
		}))
		require.Equal(t, protocol.SuccessResponse{}, resp.Body)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coordinator blocked publishing to a closed subscriber")
	}
}
