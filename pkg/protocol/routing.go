package protocol

// RouteRequest floods the mesh looking for a path to Dest. Each forwarding
// peer increments HopCount; requests at or past MaxHops are dropped.
type RouteRequest struct {
	RequestID string `json:"request_id"`
	Dest      string `json:"dest"`
	Source    string `json:"source"`
	HopCount  uint8  `json:"hop_count"`
	MaxHops   uint8  `json:"max_hops"`
	Timestamp uint64 `json:"ts"`
}

// RouteResponse answers a RouteRequest. Route lists the hops from the
// responder to the destination, responder first, destination last.
type RouteResponse struct {
	RequestID string   `json:"request_id"`
	Dest      string   `json:"dest"`
	Source    string   `json:"source"`
	Route     []string `json:"route"`
	Cost      uint32   `json:"cost"`
	Timestamp uint64   `json:"ts"`
}

// RouteSummary is one advertised route: the best known path to Dest.
type RouteSummary struct {
	Dest       string   `json:"dest"`
	HopCount   uint8    `json:"hop_count"`
	Cost       uint32   `json:"cost"`
	TrustScore uint8    `json:"trust_score"`
	Caps       []string `json:"caps,omitempty"`
}

// RouteAdvertisement is the periodic broadcast of a peer's best routes.
type RouteAdvertisement struct {
	Source    string         `json:"source"`
	Seq       uint64         `json:"seq"`
	Routes    []RouteSummary `json:"routes"`
	Timestamp uint64         `json:"ts"`
}

// RouteError reports a downstream delivery failure back toward the sender.
// Receivers drop every route to Dest that passes through FailedHop.
type RouteError struct {
	Source    string `json:"source"`
	Dest      string `json:"dest"`
	FailedHop string `json:"failed_hop"`
	Code      string `json:"code"`
	Seq       uint64 `json:"seq"`
	Timestamp uint64 `json:"ts"`
}

// EncryptedHop is the sealed per-hop forwarding unit. Payload holds the
// AEAD ciphertext of a HopPayload; MAC carries the 16-byte authentication
// tag split from the ciphertext so the wire layout stays stable.
type EncryptedHop struct {
	NextHop   string `json:"next_hop"`
	Nonce     []byte `json:"nonce,omitempty"`
	Payload   []byte `json:"encrypted_payload"`
	MAC       []byte `json:"mac,omitempty"`
	Timestamp uint64 `json:"ts"`
}

// HopPayload is the plaintext inside an EncryptedHop: the application bytes
// plus the residual hop list so intermediates can forward without consulting
// their own routing tables. TTL bounds the remaining forwarding budget.
type HopPayload struct {
	Source    string   `json:"source"`
	Dest      string   `json:"dest"`
	Hops      []string `json:"hops,omitempty"`
	TTL       uint8    `json:"ttl"`
	Data      []byte   `json:"data"`
	Timestamp uint64   `json:"ts"`
}

// DataMessage carries an application payload over a direct connection.
type DataMessage struct {
	Source    string `json:"source"`
	Dest      string `json:"dest"`
	Data      []byte `json:"data"`
	Timestamp uint64 `json:"ts"`
}

// FullUpdate replaces everything a neighbor previously learned from Source.
type FullUpdate struct {
	Source    string         `json:"source"`
	Seq       uint64         `json:"seq"`
	Routes    []RouteSummary `json:"routes"`
	Timestamp uint64         `json:"ts"`
}

// IncrementalUpdate mutates a neighbor's view: Added inserts or refreshes
// routes, Removed lists destinations no longer reachable through Source.
type IncrementalUpdate struct {
	Source    string         `json:"source"`
	Seq       uint64         `json:"seq"`
	Added     []RouteSummary `json:"added,omitempty"`
	Removed   []string       `json:"removed,omitempty"`
	Timestamp uint64         `json:"ts"`
}

// SyncRequest asks a neighbor to retransmit state newer than LastKnownSeq.
type SyncRequest struct {
	Source       string `json:"source"`
	Seq          uint64 `json:"seq"`
	LastKnownSeq uint64 `json:"last_known_seq"`
	Timestamp    uint64 `json:"ts"`
}

// SyncResponse answers a SyncRequest with the full current route set.
type SyncResponse struct {
	Source    string         `json:"source"`
	Seq       uint64         `json:"seq"`
	Routes    []RouteSummary `json:"routes"`
	Timestamp uint64         `json:"ts"`
}

// Heartbeat is the neighbor-liveness beacon. Heartbeats are never ACKed.
type Heartbeat struct {
	Source    string `json:"source"`
	Seq       uint64 `json:"seq"`
	Timestamp uint64 `json:"ts"`
}

// UpdateAck acknowledges receipt of a reliable routing update.
type UpdateAck struct {
	Source    string `json:"source"`
	Seq       uint64 `json:"seq"`
	AckedSeq  uint64 `json:"acked_seq"`
	Timestamp uint64 `json:"ts"`
}
