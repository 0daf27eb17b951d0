package webrtctransport

import (
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
)

// ReliabilityMode selects the data channel delivery guarantee.
type ReliabilityMode int

const (
	// ModeReliable retransmits until delivery (fully reliable, the default).
	ModeReliable ReliabilityMode = iota
	// ModeUnreliable delivers unordered with a 100ms lifetime and no further
	// retransmission effort past it.
	ModeUnreliable
	// ModeSemiReliable retransmits at most MaxRetransmits times.
	ModeSemiReliable
	// ModeTimeLimited delivers unordered, retransmitting only within
	// MaxLifetime.
	ModeTimeLimited
)

// unreliableLifetimeMillis bounds how long an unreliable message may sit in
// the SCTP retransmission queue.
const unreliableLifetimeMillis = uint16(100)

// ChannelProfile maps a reliability mode onto data channel parameters.
type ChannelProfile struct {
	Mode           ReliabilityMode
	MaxRetransmits uint16
	MaxLifetime    time.Duration
}

// channelInit translates the profile into the data channel init options.
// Unreliable and time-limited channels are always unordered regardless of the
// configured ordering flag; head-of-line blocking would defeat both modes.
// SCTP allows a lifetime bound or a retransmit bound on a channel, never
// both, so each mode sets exactly one.
func (p ChannelProfile) channelInit(ordered bool) *webrtc.DataChannelInit {
	init := &webrtc.DataChannelInit{}
	switch p.Mode {
	case ModeUnreliable:
		ordered = false
		ms := unreliableLifetimeMillis
		init.MaxPacketLifeTime = &ms
	case ModeSemiReliable:
		n := p.MaxRetransmits
		init.MaxRetransmits = &n
	case ModeTimeLimited:
		ordered = false
		ms := uint16(p.MaxLifetime.Milliseconds())
		init.MaxPacketLifeTime = &ms
	}
	init.Ordered = &ordered
	return init
}

// Config holds WebRTC transport configuration.
type Config struct {
	// STUNServers are the STUN URLs handed to the ICE agent.
	STUNServers []string

	// Ordered guarantees in-order delivery on the data channel.
	Ordered bool

	// Profile selects the channel's reliability mode.
	Profile ChannelProfile

	// ConnectTimeout bounds the whole dial: signaling round trip, ICE, and
	// channel open.
	ConnectTimeout time.Duration

	// MaxMessageSize bounds a single data channel message.
	MaxMessageSize int

	// Logger for debug output.
	Logger *slog.Logger
}

// DefaultConfig returns the default WebRTC transport configuration.
func DefaultConfig() Config {
	return Config{
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		Ordered:        true,
		Profile:        ChannelProfile{Mode: ModeReliable},
		ConnectTimeout: 30 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

func (c Config) iceServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.STUNServers))
	for _, s := range c.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{s}})
	}
	return servers
}
