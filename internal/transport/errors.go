package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionTimeout indicates a handshake did not complete within budget.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrConnectionClosed indicates I/O on a connection that has been closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNoConnection indicates no live connection exists for the peer.
	ErrNoConnection = errors.New("no connection to peer")

	// ErrNoTransport indicates no registered transport could serve the request.
	ErrNoTransport = errors.New("no suitable transport available")

	// ErrUnsupportedAddress indicates the address cannot be handled by the transport.
	ErrUnsupportedAddress = errors.New("unsupported address")

	// ErrMessageTooLarge indicates a write exceeding the transport's message limit.
	// The write fails before any bytes reach the network.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// NATTraversalError indicates ICE exhausted its candidates. Callers should
// fall back to a relayed transport.
type NATTraversalError struct {
	Method string
	Err    error
}

func (e *NATTraversalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("NAT traversal failed (%s): %v", e.Method, e.Err)
	}
	return fmt.Sprintf("NAT traversal failed (%s)", e.Method)
}

func (e *NATTraversalError) Unwrap() error { return e.Err }

// InvalidRouteError indicates a route was rejected: loop, overlength,
// untrusted multi-hop, oversize payload, or no route. Fatal for the call;
// never retried by the router.
type InvalidRouteError struct {
	Reason string
}

func (e *InvalidRouteError) Error() string {
	return "invalid route: " + e.Reason
}

// ProtocolError indicates an SDP, ICE, or transport protocol failure.
type ProtocolError struct {
	Proto string
	Msg   string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s protocol error: %s: %v", e.Proto, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s protocol error: %s", e.Proto, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SerializationError indicates a corrupt or unparseable control message.
// Such messages are dropped and logged; they are never fatal.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
