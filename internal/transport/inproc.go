package transport

import (
	"context"
	"fmt"
	"sync"
)

// InProcNetwork wires InProcTransport instances together inside one process.
// It is used by tests and by same-host component pairs that should not touch
// the network.
type InProcNetwork struct {
	mu    sync.RWMutex
	peers map[string]*InProcTransport
}

// NewInProcNetwork creates an empty in-process network.
func NewInProcNetwork() *InProcNetwork {
	return &InProcNetwork{peers: make(map[string]*InProcTransport)}
}

// Attach creates and registers a transport endpoint for the peer.
func (n *InProcNetwork) Attach(peerID string) *InProcTransport {
	t := &InProcTransport{
		network: n,
		peerID:  peerID,
		accept:  make(chan *InProcConn, 16),
	}
	n.mu.Lock()
	n.peers[peerID] = t
	n.mu.Unlock()
	return t
}

func (n *InProcNetwork) lookup(peerID string) (*InProcTransport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.peers[peerID]
	return t, ok
}

func (n *InProcNetwork) detach(peerID string) {
	n.mu.Lock()
	delete(n.peers, peerID)
	n.mu.Unlock()
}

// InProcTransport is a channel-backed Transport for peers inside the same
// process. Messages are copied between paired connections without framing.
type InProcTransport struct {
	network *InProcNetwork
	peerID  string
	accept  chan *InProcConn

	mu     sync.Mutex
	closed bool
}

var _ Transport = (*InProcTransport)(nil)

// Connect pairs this endpoint with the target peer's endpoint. The address's
// PeerID selects the target; candidate addresses are ignored.
func (t *InProcTransport) Connect(ctx context.Context, addr *PeerAddress) (Connection, error) {
	remote, ok := t.network.lookup(addr.PeerID)
	if !ok {
		return nil, fmt.Errorf("inproc peer %s: %w", addr.PeerID, ErrUnsupportedAddress)
	}

	shared := &inprocShared{done: make(chan struct{})}
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)

	local := newInProcConn(shared, t.peerID, addr.PeerID, aToB, bToA)
	peer := newInProcConn(shared, addr.PeerID, t.peerID, bToA, aToB)

	select {
	case remote.accept <- peer:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return local, nil
}

// Listen is a no-op: attached endpoints always accept.
func (t *InProcTransport) Listen(ctx context.Context, bind string) error {
	return nil
}

// Accept returns the next inbound connection.
func (t *InProcTransport) Accept(ctx context.Context) (Connection, error) {
	select {
	case conn, ok := <-t.accept:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *InProcTransport) Capabilities() TransportCapabilities { return InProcCapabilities() }
func (t *InProcTransport) Priority() uint8                     { return 10 }
func (t *InProcTransport) Protocol() string                    { return "inproc" }
func (t *InProcTransport) Available() bool                     { return true }

// Close detaches the endpoint from the network.
func (t *InProcTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.network.detach(t.peerID)
	return nil
}

// inprocShared is the teardown state shared by both sides of a pair: either
// side closing takes the whole pair down.
type inprocShared struct {
	once sync.Once
	done chan struct{}
}

func (s *inprocShared) close() {
	s.once.Do(func() { close(s.done) })
}

// InProcConn is one side of an in-process connection pair.
type InProcConn struct {
	state  *ConnState
	shared *inprocShared
	out    chan<- []byte
	in     <-chan []byte
}

var _ Connection = (*InProcConn)(nil)

func newInProcConn(shared *inprocShared, localID, remoteID string, out chan<- []byte, in <-chan []byte) *InProcConn {
	return &InProcConn{
		state: NewConnState(ConnectionInfo{
			PeerID:     remoteID,
			LocalAddr:  "inproc:" + localID,
			RemoteAddr: "inproc:" + remoteID,
			Protocol:   "inproc",
		}),
		shared: shared,
		out:    out,
		in:     in,
	}
}

// Read returns the next message from the paired side.
func (c *InProcConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		c.state.AddRecv(len(data))
		return data, nil
	case <-c.shared.done:
		c.state.SetDisconnected()
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write delivers one message to the paired side. The buffer is copied so the
// caller may reuse it.
func (c *InProcConn) Write(ctx context.Context, data []byte) error {
	msg := make([]byte, len(data))
	copy(msg, data)

	select {
	case c.out <- msg:
		c.state.AddSent(len(data))
		return nil
	case <-c.shared.done:
		c.state.SetDisconnected()
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *InProcConn) Flush() error { return nil }

// Close tears down both sides of the pair.
func (c *InProcConn) Close() error {
	c.state.SetDisconnected()
	c.shared.close()
	return nil
}

func (c *InProcConn) Info() ConnectionInfo { return c.state.Snapshot() }

func (c *InProcConn) IsConnected() bool {
	select {
	case <-c.shared.done:
		c.state.SetDisconnected()
		return false
	default:
	}
	return c.state.Connected()
}
