package signaling

import (
	"context"
	"sync"

	"github.com/sheerbytes/meshlink/pkg/protocol"
)

// LoopbackExchange connects in-process peers without a signaling server.
// Each attached peer gets a Handler that delivers offers and candidates
// directly to the other attached handlers.
type LoopbackExchange struct {
	mu    sync.Mutex
	peers map[string]*LoopbackHandler
}

// NewLoopbackExchange creates an empty exchange.
func NewLoopbackExchange() *LoopbackExchange {
	return &LoopbackExchange{peers: make(map[string]*LoopbackHandler)}
}

// Attach registers a peer and returns its signaling handler.
func (x *LoopbackExchange) Attach(peerID string) *LoopbackHandler {
	h := &LoopbackHandler{
		exchange:   x,
		peerID:     peerID,
		offers:     make(chan InboundOffer, 16),
		candidates: make(map[string]chan protocol.ICECandidate),
		done:       make(chan struct{}),
	}
	x.mu.Lock()
	x.peers[peerID] = h
	x.mu.Unlock()
	return h
}

func (x *LoopbackExchange) lookup(peerID string) *LoopbackHandler {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.peers[peerID]
}

func (x *LoopbackExchange) detach(peerID string) {
	x.mu.Lock()
	delete(x.peers, peerID)
	x.mu.Unlock()
}

// LoopbackHandler is the per-peer endpoint of a LoopbackExchange.
type LoopbackHandler struct {
	exchange *LoopbackExchange
	peerID   string
	offers   chan InboundOffer

	mu         sync.Mutex
	candidates map[string]chan protocol.ICECandidate

	closeOnce sync.Once
	done      chan struct{}
}

var _ Handler = (*LoopbackHandler)(nil)

// SendOffer delivers the offer to the remote handler and waits for the
// answer it produces through Reply.
func (h *LoopbackHandler) SendOffer(ctx context.Context, peer string, offer protocol.Offer) (protocol.Answer, error) {
	remote := h.exchange.lookup(peer)
	if remote == nil {
		return protocol.Answer{}, ErrUnknownPeer
	}

	answerCh := make(chan protocol.Answer, 1)
	inbound := InboundOffer{
		Peer:  h.peerID,
		Offer: offer,
		Reply: func(_ context.Context, answer protocol.Answer) error {
			select {
			case answerCh <- answer:
				return nil
			default:
				return ErrClosed
			}
		},
	}

	select {
	case remote.offers <- inbound:
	case <-remote.done:
		return protocol.Answer{}, ErrClosed
	case <-ctx.Done():
		return protocol.Answer{}, ctx.Err()
	}

	select {
	case answer := <-answerCh:
		return answer, nil
	case <-h.done:
		return protocol.Answer{}, ErrClosed
	case <-ctx.Done():
		return protocol.Answer{}, ctx.Err()
	}
}

// SendCandidate delivers a candidate to the remote handler's stream for
// this peer.
func (h *LoopbackHandler) SendCandidate(ctx context.Context, peer string, cand protocol.ICECandidate) error {
	remote := h.exchange.lookup(peer)
	if remote == nil {
		return ErrUnknownPeer
	}
	ch := remote.candidateChan(h.peerID)
	select {
	case ch <- cand:
		return nil
	case <-remote.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Candidates streams candidates received from the peer.
func (h *LoopbackHandler) Candidates(peer string) <-chan protocol.ICECandidate {
	return h.candidateChan(peer)
}

func (h *LoopbackHandler) candidateChan(peer string) chan protocol.ICECandidate {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.candidates[peer]
	if !ok {
		ch = make(chan protocol.ICECandidate, 32)
		h.candidates[peer] = ch
	}
	return ch
}

// Offers streams inbound offers from remote peers.
func (h *LoopbackHandler) Offers() <-chan InboundOffer { return h.offers }

// Close detaches the handler from the exchange.
func (h *LoopbackHandler) Close() error {
	h.closeOnce.Do(func() {
		h.exchange.detach(h.peerID)
		close(h.done)
	})
	return nil
}
