package transport

import (
	"context"
	"sync/atomic"
	"time"
)

// Transport abstracts a wire protocol. Implementations establish outbound
// connections, accept inbound ones, and declare their capabilities and
// selection priority.
type Transport interface {
	// Connect establishes a connection to the peer, trying candidate
	// addresses in order. The first successful candidate wins.
	Connect(ctx context.Context, addr *PeerAddress) (Connection, error)

	// Listen prepares to accept inbound connections on bind. For signaled
	// transports (WebRTC) this registers interest in offers instead of
	// binding a socket.
	Listen(ctx context.Context, bind string) error

	// Accept waits for and returns the next inbound connection.
	Accept(ctx context.Context) (Connection, error)

	// Capabilities returns the transport's static capability declaration.
	Capabilities() TransportCapabilities

	// Priority orders transports for selection; higher is preferred.
	Priority() uint8

	// Protocol returns the transport's protocol name.
	Protocol() string

	// Available reports whether the transport can be used in the current
	// environment.
	Available() bool

	// Close tears down the transport and all its connections.
	Close() error
}

// Connection is an open bidirectional message channel to a peer.
type Connection interface {
	// Read returns the next whole message. Reads never straddle message
	// boundaries.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one message. Writes larger than the transport's
	// MaxMessageSize fail with ErrMessageTooLarge before any transmission.
	Write(ctx context.Context, data []byte) error

	// Flush forces any buffered data onto the wire.
	Flush() error

	// Close closes the connection. IsConnected reports false afterwards.
	Close() error

	// Info returns a snapshot of connection metadata. Never blocks.
	Info() ConnectionInfo

	// IsConnected reports whether the connection is still active. Never blocks.
	IsConnected() bool
}

// ConnectionInfo is a point-in-time snapshot of connection metadata and
// byte counters. Counters are monotonically non-decreasing.
type ConnectionInfo struct {
	PeerID        string
	LocalAddr     string
	RemoteAddr    string
	Protocol      string
	EstablishedAt time.Time
	BytesSent     uint64
	BytesRecv     uint64
}

// ConnState tracks the shared mutable state behind a Connection: the
// connected flag and byte counters, updated with atomics so Info and
// IsConnected are cheap snapshot reads.
type ConnState struct {
	info      ConnectionInfo
	sent      atomic.Uint64
	recv      atomic.Uint64
	connected atomic.Bool
}

// NewConnState creates connection state with EstablishedAt set to now and
// the connected flag raised.
func NewConnState(info ConnectionInfo) *ConnState {
	if info.EstablishedAt.IsZero() {
		info.EstablishedAt = time.Now()
	}
	s := &ConnState{info: info}
	s.connected.Store(true)
	return s
}

// AddSent adds to the bytes-sent counter.
func (s *ConnState) AddSent(n int) { s.sent.Add(uint64(n)) }

// AddRecv adds to the bytes-received counter.
func (s *ConnState) AddRecv(n int) { s.recv.Add(uint64(n)) }

// Connected reports the cached connected flag.
func (s *ConnState) Connected() bool { return s.connected.Load() }

// SetDisconnected lowers the connected flag.
func (s *ConnState) SetDisconnected() { s.connected.Store(false) }

// Snapshot returns the current ConnectionInfo.
func (s *ConnState) Snapshot() ConnectionInfo {
	info := s.info
	info.BytesSent = s.sent.Load()
	info.BytesRecv = s.recv.Load()
	return info
}
