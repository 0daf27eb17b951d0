package transport

// TransportCapabilities describes what a transport can do. Each transport
// declares these statically.
type TransportCapabilities struct {
	Reliable     bool
	Ordered      bool
	Multiplexed  bool
	Resumable    bool
	NATTraversal bool
	// MaxMessageSize is the largest single message in bytes; 0 means unlimited.
	MaxMessageSize int
}

// WebRTCCapabilities returns the capability set of the WebRTC DataChannel transport.
func WebRTCCapabilities() TransportCapabilities {
	return TransportCapabilities{
		Reliable:       true,
		Ordered:        true,
		Multiplexed:    true,
		NATTraversal:   true,
		MaxMessageSize: 64 * 1024,
	}
}

// WebSocketCapabilities returns the capability set of the WebSocket fallback transport.
func WebSocketCapabilities() TransportCapabilities {
	return TransportCapabilities{
		Reliable:       true,
		Ordered:        true,
		MaxMessageSize: 64 * 1024,
	}
}

// QUICCapabilities returns the capability set of the QUIC fallback transport.
func QUICCapabilities() TransportCapabilities {
	return TransportCapabilities{
		Reliable:       true,
		Ordered:        true,
		Multiplexed:    true,
		Resumable:      true,
		MaxMessageSize: 64 * 1024,
	}
}

// InProcCapabilities returns the capability set of the in-process transport.
func InProcCapabilities() TransportCapabilities {
	return TransportCapabilities{
		Reliable:    true,
		Ordered:     true,
		Multiplexed: true,
	}
}

// PeerAddress identifies a peer and enumerates candidate endpoints for
// reaching it. Addrs are tried in order; the first successful one wins.
type PeerAddress struct {
	PeerID         string
	Addrs          []string
	TransportHints []string
	Capabilities   TransportCapabilities
}

// NewPeerAddress creates a PeerAddress for the given peer and candidate endpoints.
func NewPeerAddress(peerID string, addrs ...string) *PeerAddress {
	return &PeerAddress{PeerID: peerID, Addrs: addrs}
}
