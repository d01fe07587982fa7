// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/caolan/mutinyd/internal/frame"
	"github.com/caolan/mutinyd/internal/protocol"
)

// fakeDispatcher hands every submitted request to a per-request handler
// function, mimicking the coordinator's dispatch table without needing a
// real coordinator in scope.
type fakeDispatcher struct {
	handle func(ClientRequest)
}

func (d *fakeDispatcher) Submit(cr ClientRequest) {
	go d.handle(cr)
}

func writeRequest(t *testing.T, conn net.Conn, req protocol.Request) {
	t.Helper()
	payload, err := protocol.MarshalRequest(req)
	require.NoError(t, err)
	require.NoError(t, frame.WriteFrame(conn, payload, 0))
}

func readResponse(t *testing.T, conn net.Conn) protocol.Response {
	t.Helper()
	payload, err := frame.ReadFrame(conn, frame.DefaultMaxSize)
	require.NoError(t, err)
	resp, err := protocol.UnmarshalResponse(payload)
	require.NoError(t, err)
	return resp
}

func TestSessionRoundTripsSingleRequest(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	disp := &fakeDispatcher{}
	disp.handle = func(cr ClientRequest) {
		cr.Reply.Send(protocol.Response{
			RequestID: cr.Request.ID,
			Body:      protocol.LocalPeerIdResponse{PeerID: "peerABC"},
		})
	}

	sess := New(1, server, disp, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	writeRequest(t, client, protocol.Request{ID: 7, Body: protocol.LocalPeerIdRequest{}})
	resp := readResponse(t, client)
	require.Equal(t, uint64(7), resp.RequestID)
	require.Equal(t, protocol.LocalPeerIdResponse{PeerID: "peerABC"}, resp.Body)
}

func TestSessionPipelinesOutOfOrderReplies(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	release1 := make(chan struct{})
	disp := &fakeDispatcher{}
	disp.handle = func(cr ClientRequest) {
		if cr.Request.ID == 1 {
			<-release1 // request 1 is held back so request 2 must reply first
		}
		cr.Reply.Send(protocol.Response{
			RequestID: cr.Request.ID,
			Body:      protocol.SuccessResponse{},
		})
	}

	sess := New(2, server, disp, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	writeRequest(t, client, protocol.Request{ID: 1, Body: protocol.PeersRequest{}})
	writeRequest(t, client, protocol.Request{ID: 2, Body: protocol.PeersRequest{}})

	first := readResponse(t, client)
	require.Equal(t, uint64(2), first.RequestID, "request 2 must be able to reply before request 1")

	close(release1)
	second := readResponse(t, client)
	require.Equal(t, uint64(1), second.RequestID)
}

func TestSessionDecodeErrorWithIDRepliesError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	disp := &fakeDispatcher{}
	disp.handle = func(cr ClientRequest) {
		t.Fatalf("dispatcher should not be reached for an undecodable request body")
	}

	sess := New(3, server, disp, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	// a well-formed envelope (id + type) but an unknown type tag: the
	// session can attribute the failure to request id 9.
	bad := map[string]interface{}{"id": uint64(9), "type": "NotARealVariant"}
	data, err := cbor.Marshal(bad)
	require.NoError(t, err)
	require.NoError(t, frame.WriteFrame(client, data, 0))

	resp := readResponse(t, client)
	require.Equal(t, uint64(9), resp.RequestID)
	require.IsType(t, protocol.ErrorResponse{}, resp.Body)
}

func TestSessionClientDisconnectIsClean(t *testing.T) {
	client, server := net.Pipe()

	disp := &fakeDispatcher{}
	disp.handle = func(cr ClientRequest) {}

	sess := New(4, server, disp, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()

	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down after client disconnect")
	}
}
