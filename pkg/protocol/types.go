package protocol

// Message type constants for protocol envelopes.
const (
	// Rendezvous bookkeeping.
	TypeHello      = "hello"
	TypeError      = "error"
	TypePeerList   = "peer_list"
	TypePeerJoined = "peer_joined"
	TypePeerLeft   = "peer_left"

	// WebRTC signaling.
	TypeSignalOffer     = "signal.offer"
	TypeSignalAnswer    = "signal.answer"
	TypeSignalCandidate = "signal.ice_candidate"

	// Mesh routing control.
	TypeRouteRequest       = "route.request"
	TypeRouteResponse      = "route.response"
	TypeRouteAdvertisement = "route.advertisement"
	TypeRouteError         = "route.error"
	TypeRouteHop           = "route.hop"
	TypeMeshData           = "mesh.data"

	// Routing protocol (neighbor table synchronization).
	TypeProtoFullUpdate        = "proto.full_update"
	TypeProtoIncrementalUpdate = "proto.incremental_update"
	TypeProtoSyncRequest       = "proto.sync_request"
	TypeProtoSyncResponse      = "proto.sync_response"
	TypeProtoHeartbeat         = "proto.heartbeat"
	TypeProtoUpdateAck         = "proto.update_ack"
)

// ICE candidate types.
const (
	CandidateHost            = "host"
	CandidateServerReflexive = "srflx"
	CandidatePeerReflexive   = "prflx"
	CandidateRelay           = "relay"
)
