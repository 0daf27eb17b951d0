package protocol

// Hello is sent when a peer first connects to the rendezvous server.
type Hello struct {
	PeerID    string   `json:"peer_id"`
	Protocols []string `json:"protocols,omitempty"`
}

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PeerInfo contains information about a peer.
type PeerInfo struct {
	PeerID    string   `json:"peer_id"`
	Protocols []string `json:"protocols,omitempty"`
}

// PeerList contains a list of peers.
type PeerList struct {
	Peers []PeerInfo `json:"peers"`
}

// PeerJoined indicates a peer has joined a network.
type PeerJoined struct {
	Peer PeerInfo `json:"peer"`
}

// PeerLeft indicates a peer has left a network.
type PeerLeft struct {
	PeerID string `json:"peer_id"`
}

// Offer carries an SDP offer plus the ICE credentials extracted from it.
type Offer struct {
	SDP      string `json:"sdp"`
	ICEUfrag string `json:"ice_ufrag,omitempty"`
	ICEPwd   string `json:"ice_pwd,omitempty"`
}

// Answer carries an SDP answer plus the ICE credentials extracted from it.
type Answer struct {
	SDP      string `json:"sdp"`
	ICEUfrag string `json:"ice_ufrag,omitempty"`
	ICEPwd   string `json:"ice_pwd,omitempty"`
}

// ICECandidate describes a single ICE candidate in both its raw SDP form and
// its parsed fields.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
	Foundation    string  `json:"foundation,omitempty"`
	Priority      uint32  `json:"priority,omitempty"`
	IP            string  `json:"ip,omitempty"`
	Port          uint16  `json:"port,omitempty"`
	Type          string  `json:"type,omitempty"`
	Protocol      string  `json:"protocol,omitempty"`
}
