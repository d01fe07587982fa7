// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package swarm

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/require"
)

func newTestSwarm(t *testing.T) *Libp2pSwarm {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	s, err := New(context.Background(), priv, "/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dialAddr(s *Libp2pSwarm) string {
	addrs := s.host.Addrs()
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0].String() + "/p2p/" + s.LocalPeerID()
}

func requireEvent[T Event](t *testing.T, ch <-chan Event, timeout time.Duration) T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if v, ok := ev.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for event of type %T", zero)
			return zero
		}
	}
}

func TestLocalPeerIDIsBase58(t *testing.T) {
	s := newTestSwarm(t)
	id := s.LocalPeerID()
	require.NotEmpty(t, id)
	require.NotContains(t, id, "0") // base58btc excludes '0'
}

func TestSendRequestRoundTripsAcknowledge(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)

	require.NoError(t, a.Dial(context.Background(), dialAddr(b)))

	_, err := a.SendRequest(b.LocalPeerID(), MessageRequest{
		FromAppUuid: "sender",
		ToAppUuid:   "recipient",
		Bytes:       []byte("hello"),
	})
	require.NoError(t, err)

	inbound := requireEvent[InboundRequestEvent](t, b.Events(), 5*time.Second)
	require.Equal(t, a.LocalPeerID(), inbound.Peer)
	msg, ok := inbound.Request.(MessageRequest)
	require.True(t, ok)
	require.Equal(t, "sender", msg.FromAppUuid)
	require.Equal(t, []byte("hello"), msg.Bytes)

	require.NoError(t, b.SendResponse(inbound.Channel, Acknowledge{}))

	resp := requireEvent[InboundResponseEvent](t, a.Events(), 5*time.Second)
	require.Equal(t, b.LocalPeerID(), resp.Peer)
	require.IsType(t, Acknowledge{}, resp.Response)
}
