package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"os"
	"strings"
)

// SignalConfig holds configuration for the signaling server binary.
type SignalConfig struct {
	Addr     string
	LogLevel string
}

// NodeConfig holds configuration for the mesh node binary.
type NodeConfig struct {
	PeerID       string
	NetworkID    string
	SignalURL    string   // WebSocket signaling server URL (empty disables WebRTC)
	LogLevel     string
	QUICListen   string   // UDP bind address for the QUIC listener ("" disables)
	WSListen     string   // TCP bind address for the WebSocket listener ("" disables)
	STUNServers  []string // STUN servers for NAT detection and WebRTC
	TrustedPeers []string // Peers allowed as relay hops
	Peers        []string // Peers to dial at startup, "peer-id@host:port"
	HopEncrypt   bool     // Encrypt relayed payloads per hop
}

// ParseSignalConfig parses signaling server configuration from flags and
// environment variables. Flags take precedence over environment variables.
// Defaults: addr=":8080", logLevel="info"
func ParseSignalConfig() SignalConfig {
	return parseSignalConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseSignalConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseSignalConfigWithFlagSet(fs *flag.FlagSet, args []string) SignalConfig {
	cfg := SignalConfig{
		Addr:     ":8080",
		LogLevel: "info",
	}

	// Read from environment first
	if addr := os.Getenv("MESHLINK_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if logLevel := os.Getenv("MESHLINK_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	// Flags override environment
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.Parse(args)

	return cfg
}

// ParseNodeConfig parses node configuration from flags and environment
// variables. Flags take precedence over environment variables.
// Defaults: networkID="default", logLevel="info", peerID=random
func ParseNodeConfig() NodeConfig {
	return parseNodeConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseNodeConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseNodeConfigWithFlagSet(fs *flag.FlagSet, args []string) NodeConfig {
	cfg := NodeConfig{
		PeerID:     generatePeerID(),
		NetworkID:  "default",
		LogLevel:   "info",
		QUICListen: ":0",
		HopEncrypt: true,
	}

	// Read from environment first
	if peerID := os.Getenv("MESHLINK_PEER_ID"); peerID != "" {
		cfg.PeerID = peerID
	}
	if networkID := os.Getenv("MESHLINK_NETWORK_ID"); networkID != "" {
		cfg.NetworkID = networkID
	}
	if signalURL := os.Getenv("MESHLINK_SIGNAL_URL"); signalURL != "" {
		cfg.SignalURL = signalURL
	}
	if logLevel := os.Getenv("MESHLINK_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	// Flags override environment
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "peer identifier")
	fs.StringVar(&cfg.NetworkID, "network-id", cfg.NetworkID, "mesh network identifier")
	fs.StringVar(&cfg.SignalURL, "signal-url", cfg.SignalURL, "signaling server URL (empty disables WebRTC)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.QUICListen, "quic-listen", cfg.QUICListen, "QUIC listen address (empty disables)")
	fs.StringVar(&cfg.WSListen, "ws-listen", cfg.WSListen, "WebSocket listen address (empty disables)")
	fs.BoolVar(&cfg.HopEncrypt, "hop-encrypt", cfg.HopEncrypt, "encrypt relayed payloads hop by hop")

	// Repeatable list flags
	stunServers := make([]string, 0)
	fs.Var((*stringSlice)(&stunServers), "stun", "STUN server host:port (repeatable)")
	trusted := make([]string, 0)
	fs.Var((*stringSlice)(&trusted), "trust", "trusted relay peer id (repeatable)")
	peers := make([]string, 0)
	fs.Var((*stringSlice)(&peers), "peer", "peer to dial at startup, peer-id@host:port (repeatable)")

	fs.Parse(args)

	cfg.STUNServers = stunServers
	cfg.TrustedPeers = trusted
	cfg.Peers = peers

	return cfg
}

// generatePeerID generates a random 10-character hex string for peer identification.
func generatePeerID() string {
	b := make([]byte, 5) // 5 bytes = 10 hex characters
	if _, err := rand.Read(b); err != nil {
		return "0000000000"
	}
	return hex.EncodeToString(b)
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
