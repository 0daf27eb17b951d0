package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Requirements narrows transport selection to transports whose capabilities
// satisfy the caller's needs. The zero value accepts any transport.
type Requirements struct {
	Reliable       bool
	Ordered        bool
	NATTraversal   bool
	MinMessageSize int
}

func (r Requirements) satisfiedBy(caps TransportCapabilities) bool {
	if r.Reliable && !caps.Reliable {
		return false
	}
	if r.Ordered && !caps.Ordered {
		return false
	}
	if r.NATTraversal && !caps.NATTraversal {
		return false
	}
	if r.MinMessageSize > 0 && caps.MaxMessageSize > 0 && caps.MaxMessageSize < r.MinMessageSize {
		return false
	}
	return true
}

// ManagerEvents carries optional callbacks fired on connection lifecycle
// changes. Callbacks run on the caller's goroutine and must not block.
type ManagerEvents struct {
	OnConnectionOpened func(peer string, info ConnectionInfo)
	OnConnectionClosed func(peer string)
}

// Manager maps peers to their active connections and opens new ones by
// walking the registry in priority order, falling back on failure.
type Manager struct {
	registry *Registry
	logger   *slog.Logger

	mu     sync.RWMutex
	conns  map[string][]Connection
	events ManagerEvents
}

// NewManager creates a connection manager over the given registry.
func NewManager(registry *Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		logger:   logger,
		conns:    make(map[string][]Connection),
	}
}

// SetEvents installs lifecycle callbacks.
func (m *Manager) SetEvents(ev ManagerEvents) {
	m.mu.Lock()
	m.events = ev
	m.mu.Unlock()
}

// Connect opens a connection to the peer using any available transport.
func (m *Manager) Connect(ctx context.Context, addr *PeerAddress) (Connection, error) {
	return m.ConnectWith(ctx, addr, Requirements{})
}

// ConnectWith opens a connection using the highest-priority available
// transport whose capabilities satisfy req, falling back to the next on
// failure. The connection is tracked for the peer.
func (m *Manager) ConnectWith(ctx context.Context, addr *PeerAddress, req Requirements) (Connection, error) {
	lastErr := ErrNoTransport
	for _, t := range m.registry.Transports() {
		if !t.Available() || !req.satisfiedBy(t.Capabilities()) {
			continue
		}
		conn, err := t.Connect(ctx, addr)
		if err != nil {
			m.logger.Debug("transport connect failed, trying next",
				"protocol", t.Protocol(), "peer", addr.PeerID, "error", err)
			lastErr = err
			continue
		}
		m.Track(addr.PeerID, conn)
		return conn, nil
	}
	return nil, fmt.Errorf("connect %s: %w", addr.PeerID, lastErr)
}

// Track registers an established connection (outbound or accepted) for the peer.
func (m *Manager) Track(peer string, conn Connection) {
	m.mu.Lock()
	m.conns[peer] = append(m.conns[peer], conn)
	opened := m.events.OnConnectionOpened
	m.mu.Unlock()

	m.logger.Info("connection opened", "peer", peer, "protocol", conn.Info().Protocol)
	if opened != nil {
		opened(peer, conn.Info())
	}
}

// Connections returns the peer's live connections in age order, eagerly
// dropping any that have closed.
func (m *Manager) Connections(peer string) []Connection {
	m.mu.Lock()
	conns := m.conns[peer]
	live := conns[:0]
	var droppedAny bool
	for _, c := range conns {
		if c.IsConnected() {
			live = append(live, c)
		} else {
			droppedAny = true
		}
	}
	if len(live) == 0 {
		delete(m.conns, peer)
	} else {
		m.conns[peer] = live
	}
	closed := m.events.OnConnectionClosed
	m.mu.Unlock()

	if droppedAny && closed != nil {
		closed(peer)
	}

	out := make([]Connection, len(live))
	copy(out, live)
	return out
}

// HasPeer reports whether at least one live connection to the peer exists.
func (m *Manager) HasPeer(peer string) bool {
	return len(m.Connections(peer)) > 0
}

// Send writes one message to the peer over its oldest live connection,
// falling back to younger ones if the write fails.
func (m *Manager) Send(ctx context.Context, peer string, data []byte) error {
	conns := m.Connections(peer)
	if len(conns) == 0 {
		return fmt.Errorf("send to %s: %w", peer, ErrNoConnection)
	}

	var lastErr error
	for _, c := range conns {
		if err := c.Write(ctx, data); err != nil {
			m.logger.Debug("write failed, trying next connection", "peer", peer, "error", err)
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("send to %s: %w", peer, lastErr)
}

// ActivePeers returns every peer with at least one tracked connection.
func (m *Manager) ActivePeers() []string {
	m.mu.RLock()
	peers := make([]string, 0, len(m.conns))
	for p, conns := range m.conns {
		if len(conns) > 0 {
			peers = append(peers, p)
		}
	}
	m.mu.RUnlock()
	return peers
}

// ClosePeer closes and forgets all connections to the peer.
func (m *Manager) ClosePeer(peer string) {
	m.mu.Lock()
	conns := m.conns[peer]
	delete(m.conns, peer)
	closed := m.events.OnConnectionClosed
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if len(conns) > 0 && closed != nil {
		closed(peer)
	}
}

// CloseAll closes every tracked connection.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	all := m.conns
	m.conns = make(map[string][]Connection)
	m.mu.Unlock()

	var firstErr error
	for _, conns := range all {
		for _, c := range conns {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
