package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/meshlink/internal/peers"
	"github.com/sheerbytes/meshlink/pkg/protocol"
)

func TestForwardTargeted_CapabilityGate(t *testing.T) {
	hub := peers.NewHub()
	discard := func(env protocol.Envelope) error { return nil }
	hub.Add("net-1", peers.Peer{PeerID: "rtc", Protocols: []string{"webrtc"}, ConnID: "c1"}, discard)
	hub.Add("net-1", peers.Peer{PeerID: "ws-only", Protocols: []string{"websocket"}, ConnID: "c2"}, discard)

	offer, err := protocol.NewEnvelope(protocol.TypeSignalOffer, protocol.NewMsgID(), protocol.Offer{SDP: "sdp"})
	require.NoError(t, err)

	offer.To = "rtc"
	code, _ := forwardTargeted(hub, "net-1", offer)
	assert.Empty(t, code)

	offer.To = "ws-only"
	code, message := forwardTargeted(hub, "net-1", offer)
	assert.Equal(t, "peer_unsupported", code)
	assert.Contains(t, message, "ws-only")

	offer.To = "nobody"
	code, _ = forwardTargeted(hub, "net-1", offer)
	assert.Equal(t, "peer_not_found", code)

	// Non-signaling traffic reaches a peer regardless of its transports.
	hb, err := protocol.NewEnvelope(protocol.TypeProtoHeartbeat, protocol.NewMsgID(), protocol.Heartbeat{Source: "rtc", Seq: 1})
	require.NoError(t, err)
	hb.To = "ws-only"
	code, _ = forwardTargeted(hub, "net-1", hb)
	assert.Empty(t, code)
}
