package mesh

import "time"

// Config holds mesh router and routing table settings.
type Config struct {
	// MaxHopCount bounds route length; longer routes are rejected.
	MaxHopCount int

	// MaxRouteAge is how long a route stays usable without a refresh.
	MaxRouteAge time.Duration

	// MaxRoutesPerDestination bounds the table; overflow evicts by
	// selection score.
	MaxRoutesPerDestination int

	// RouteDiscoveryInterval paces the maintenance loop (expired-route
	// cleanup and discovery bookkeeping GC).
	RouteDiscoveryInterval time.Duration

	// RouteAdvertisementInterval paces periodic best-route broadcasts.
	RouteAdvertisementInterval time.Duration

	// RouteDiscoveryTimeout bounds how long a send waits for discovery.
	RouteDiscoveryTimeout time.Duration

	// EnableHopEncryption seals forwarded payloads per next hop. When a
	// key is missing the send fails; plaintext is never substituted.
	EnableHopEncryption bool

	// MaxMessageSize bounds application payloads.
	MaxMessageSize int
}

// DefaultConfig returns the documented mesh defaults.
func DefaultConfig() Config {
	return Config{
		MaxHopCount:                5,
		MaxRouteAge:                300 * time.Second,
		MaxRoutesPerDestination:    3,
		RouteDiscoveryInterval:     60 * time.Second,
		RouteAdvertisementInterval: 30 * time.Second,
		RouteDiscoveryTimeout:      10 * time.Second,
		EnableHopEncryption:        true,
		MaxMessageSize:             64 * 1024,
	}
}

// ProtocolConfig holds routing protocol manager settings.
type ProtocolConfig struct {
	// FullUpdateInterval paces complete table broadcasts to neighbors.
	FullUpdateInterval time.Duration

	// HeartbeatInterval paces liveness beacons.
	HeartbeatInterval time.Duration

	// AckTimeout is how long to wait for an UpdateAck before retransmitting.
	AckTimeout time.Duration

	// MaxRetries bounds retransmissions of a reliable update.
	MaxRetries int

	// MaxMissedHeartbeats is the suspect threshold before a neighbor is
	// declared dead.
	MaxMissedHeartbeats int

	// ReliableDelivery tracks updates for acknowledgement and retry.
	ReliableDelivery bool

	// ConvergenceTimeout bounds how long callers should wait for the
	// tables to settle after a change.
	ConvergenceTimeout time.Duration

	// FailureCheckInterval paces the neighbor staleness scan.
	FailureCheckInterval time.Duration
}

// DefaultProtocolConfig returns the documented protocol defaults.
func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		FullUpdateInterval:   120 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		AckTimeout:           5 * time.Second,
		MaxRetries:           3,
		MaxMissedHeartbeats:  3,
		ReliableDelivery:     true,
		ConvergenceTimeout:   60 * time.Second,
		FailureCheckInterval: 30 * time.Second,
	}
}
