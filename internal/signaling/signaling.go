package signaling

import (
	"context"
	"errors"

	"github.com/sheerbytes/meshlink/pkg/protocol"
)

// ErrClosed indicates the signaling channel has been shut down.
var ErrClosed = errors.New("signaling channel closed")

// ErrUnknownPeer indicates the remote peer is not reachable over this
// signaling channel.
var ErrUnknownPeer = errors.New("peer not registered with signaling channel")

// InboundOffer is a session offer received from a remote peer. Reply sends
// the answer back over the same signaling path.
type InboundOffer struct {
	Peer  string
	Offer protocol.Offer
	Reply func(ctx context.Context, answer protocol.Answer) error
}

// Handler exchanges session descriptions and ICE candidates with remote
// peers before any direct connection exists. Implementations carry the
// messages over whatever rendezvous path is available: a signaling server,
// an existing mesh route, or an in-process exchange.
type Handler interface {
	// SendOffer delivers an offer to the peer and blocks until its answer
	// arrives or ctx expires.
	SendOffer(ctx context.Context, peer string, offer protocol.Offer) (protocol.Answer, error)

	// SendCandidate delivers one trickle ICE candidate to the peer.
	SendCandidate(ctx context.Context, peer string, cand protocol.ICECandidate) error

	// Candidates streams remote candidates received from the peer.
	Candidates(peer string) <-chan protocol.ICECandidate

	// Offers streams inbound offers awaiting an answer.
	Offers() <-chan InboundOffer

	Close() error
}
