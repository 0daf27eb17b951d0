package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/meshlink/pkg/protocol"
)

func TestLoopback_OfferAnswer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	x := NewLoopbackExchange()
	a := x.Attach("peer-a")
	b := x.Attach("peer-b")

	go func() {
		inbound := <-b.Offers()
		assert.Equal(t, "peer-a", inbound.Peer)
		assert.Equal(t, "offer-sdp", inbound.Offer.SDP)
		_ = inbound.Reply(ctx, protocol.Answer{SDP: "answer-sdp"})
	}()

	answer, err := a.SendOffer(ctx, "peer-b", protocol.Offer{SDP: "offer-sdp"})
	require.NoError(t, err)
	assert.Equal(t, "answer-sdp", answer.SDP)
}

func TestLoopback_UnknownPeer(t *testing.T) {
	x := NewLoopbackExchange()
	a := x.Attach("peer-a")

	_, err := a.SendOffer(context.Background(), "nobody", protocol.Offer{SDP: "x"})
	assert.ErrorIs(t, err, ErrUnknownPeer)

	err = a.SendCandidate(context.Background(), "nobody", protocol.ICECandidate{Candidate: "c"})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestLoopback_CandidateStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	x := NewLoopbackExchange()
	a := x.Attach("peer-a")
	b := x.Attach("peer-b")

	require.NoError(t, a.SendCandidate(ctx, "peer-b", protocol.ICECandidate{Candidate: "cand-1"}))
	require.NoError(t, a.SendCandidate(ctx, "peer-b", protocol.ICECandidate{Candidate: "cand-2"}))

	stream := b.Candidates("peer-a")
	assert.Equal(t, "cand-1", (<-stream).Candidate)
	assert.Equal(t, "cand-2", (<-stream).Candidate)
}

func TestLoopback_ClosedHandlerRejectsOffers(t *testing.T) {
	x := NewLoopbackExchange()
	a := x.Attach("peer-a")
	b := x.Attach("peer-b")
	require.NoError(t, b.Close())

	_, err := a.SendOffer(context.Background(), "peer-b", protocol.Offer{SDP: "x"})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}
