// Package peers tracks the rendezvous server's connected peers, grouped by
// network, and fans envelopes out to them.
package peers

import (
	"sync"
	"time"

	"github.com/sheerbytes/meshlink/pkg/protocol"
)

// Peer identifies one connected peer and the transport protocols it announced
// in its hello.
type Peer struct {
	PeerID    string
	Protocols []string
	ConnID    string // unique per WebSocket connection
}

const (
	memberQueueLen = 256
	drainTimeout   = time.Second
)

// member is one live connection: the peer identity plus an outbound queue
// drained by a dedicated writer goroutine.
type member struct {
	peer  Peer
	queue chan protocol.Envelope
	gone  chan struct{}
}

// enqueue queues the envelope without blocking. Slow readers lose messages
// rather than stalling the rest of the network.
func (m *member) enqueue(env protocol.Envelope) {
	select {
	case m.queue <- env:
	default:
	}
}

// network groups the members sharing one network ID. active maps each peer ID
// to the connection currently speaking for it.
type network struct {
	conns  map[string]*member
	active map[string]string
}

// Hub tracks connected peers per network. A peer reconnecting under the same
// ID replaces its previous connection: last write wins.
type Hub struct {
	mu       sync.RWMutex
	networks map[string]*network
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{networks: make(map[string]*network)}
}

// Add registers the peer and starts a writer goroutine feeding send. The
// returned remove function detaches the peer and reaps the writer; calling it
// after the connection has been replaced is a no-op.
func (h *Hub) Add(networkID string, p Peer, send func(env protocol.Envelope) error) (remove func()) {
	m := &member{
		peer:  p,
		queue: make(chan protocol.Envelope, memberQueueLen),
		gone:  make(chan struct{}),
	}
	go func() {
		defer close(m.gone)
		for env := range m.queue {
			if err := send(env); err != nil {
				return
			}
		}
	}()

	h.mu.Lock()
	nw := h.networks[networkID]
	if nw == nil {
		nw = &network{conns: make(map[string]*member), active: make(map[string]string)}
		h.networks[networkID] = nw
	}
	if oldConnID, ok := nw.active[p.PeerID]; ok && oldConnID != p.ConnID {
		if old := nw.conns[oldConnID]; old != nil {
			close(old.queue)
		}
		delete(nw.conns, oldConnID)
	}
	nw.conns[p.ConnID] = m
	nw.active[p.PeerID] = p.ConnID
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		nw := h.networks[networkID]
		if nw == nil {
			h.mu.Unlock()
			return
		}
		if _, ok := nw.conns[p.ConnID]; !ok {
			// A newer connection already took over this peer ID.
			h.mu.Unlock()
			return
		}
		delete(nw.conns, p.ConnID)
		if nw.active[p.PeerID] == p.ConnID {
			delete(nw.active, p.PeerID)
		}
		if len(nw.conns) == 0 {
			delete(h.networks, networkID)
		}
		h.mu.Unlock()

		close(m.queue)
		select {
		case <-m.gone:
		case <-time.After(drainTimeout):
		}
	}
}

// lookup resolves a peer ID to its live member. Callers hold h.mu.
func (h *Hub) lookup(networkID, peerID string) *member {
	nw := h.networks[networkID]
	if nw == nil {
		return nil
	}
	connID, ok := nw.active[peerID]
	if !ok {
		return nil
	}
	return nw.conns[connID]
}

// List returns the peers currently connected to a network.
func (h *Hub) List(networkID string) []protocol.PeerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	nw := h.networks[networkID]
	if nw == nil {
		return []protocol.PeerInfo{}
	}
	out := make([]protocol.PeerInfo, 0, len(nw.conns))
	for _, m := range nw.conns {
		out = append(out, protocol.PeerInfo{
			PeerID:    m.peer.PeerID,
			Protocols: m.peer.Protocols,
		})
	}
	return out
}

// Has reports whether the peer is currently connected to the network.
func (h *Hub) Has(networkID, peerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lookup(networkID, peerID) != nil
}

// Supports reports whether the peer announced the given transport protocol.
// Unknown peers support nothing.
func (h *Hub) Supports(networkID, peerID, proto string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m := h.lookup(networkID, peerID)
	if m == nil {
		return false
	}
	for _, p := range m.peer.Protocols {
		if p == proto {
			return true
		}
	}
	return false
}

// Broadcast queues the envelope for every peer in the network.
func (h *Hub) Broadcast(networkID string, env protocol.Envelope) {
	h.fanOut(networkID, "", env)
}

// BroadcastExcept queues the envelope for every peer in the network except
// the named one.
func (h *Hub) BroadcastExcept(networkID, exceptPeerID string, env protocol.Envelope) {
	h.fanOut(networkID, exceptPeerID, env)
}

func (h *Hub) fanOut(networkID, exceptPeerID string, env protocol.Envelope) {
	h.mu.RLock()
	nw := h.networks[networkID]
	if nw == nil {
		h.mu.RUnlock()
		return
	}
	targets := make([]*member, 0, len(nw.conns))
	for _, m := range nw.conns {
		if exceptPeerID != "" && m.peer.PeerID == exceptPeerID {
			continue
		}
		targets = append(targets, m)
	}
	h.mu.RUnlock()

	for _, m := range targets {
		m.enqueue(env)
	}
}

// SendTo queues the envelope for one peer and reports whether the peer is
// connected. A full queue still counts as delivered.
func (h *Hub) SendTo(networkID, peerID string, env protocol.Envelope) bool {
	h.mu.RLock()
	m := h.lookup(networkID, peerID)
	h.mu.RUnlock()
	if m == nil {
		return false
	}
	m.enqueue(env)
	return true
}
