package nat

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun"

	"github.com/sheerbytes/meshlink/internal/transport"
)

// NATType classifies the NAT in front of the local peer.
type NATType int

const (
	NATUnknown NATType = iota
	NATOpen
	NATFullCone
	NATRestrictedCone
	// NATPortRestrictedCone needs a CHANGE-REQUEST capable server to tell
	// apart from NATRestrictedCone; public STUN rarely supports that, so
	// detection reports the weaker restricted classification instead.
	NATPortRestrictedCone
	NATSymmetric
)

func (t NATType) String() string {
	switch t {
	case NATOpen:
		return "open"
	case NATFullCone:
		return "full_cone"
	case NATRestrictedCone:
		return "restricted_cone"
	case NATPortRestrictedCone:
		return "port_restricted_cone"
	case NATSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// Traversable reports whether direct connections through this NAT type are
// normally possible with hole punching.
func (t NATType) Traversable() bool {
	switch t {
	case NATOpen, NATFullCone, NATRestrictedCone, NATPortRestrictedCone:
		return true
	default:
		return false
	}
}

// DefaultSTUNServers is the STUN list used when no servers are configured.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// Config holds NAT manager settings.
type Config struct {
	// STUNServers to query, "host:port" with an optional stun: prefix.
	STUNServers []string

	// ProbeTimeout bounds each individual STUN transaction.
	ProbeTimeout time.Duration

	// CacheTTL is how long a detection result stays valid. NAT mappings
	// rarely change mid-session, so repeated detection is wasted traffic.
	CacheTTL time.Duration

	// Logger for debug output.
	Logger *slog.Logger
}

// DefaultConfig returns the default NAT manager configuration.
func DefaultConfig() Config {
	return Config{
		STUNServers:  DefaultSTUNServers,
		ProbeTimeout: 500 * time.Millisecond,
		CacheTTL:     5 * time.Minute,
	}
}

// Manager detects the local NAT type and gathers dialable candidates.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	natType    NATType
	detectedAt time.Time
	publicAddr *net.UDPAddr
}

// NewManager creates a NAT manager.
func NewManager(cfg Config) *Manager {
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = DefaultSTUNServers
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// DetectNATType queries the configured STUN servers and classifies the NAT.
// Results are cached for CacheTTL. With no STUN response the type stays
// unknown and the error names the failed method.
func (m *Manager) DetectNATType(ctx context.Context) (NATType, error) {
	m.mu.Lock()
	if m.natType != NATUnknown && time.Since(m.detectedAt) < m.cfg.CacheTTL {
		cached := m.natType
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return NATUnknown, &transport.NATTraversalError{Method: "stun", Err: err}
	}
	defer conn.Close()

	local := conn.LocalAddr().(*net.UDPAddr)
	var mappings []*net.UDPAddr
	for _, server := range m.cfg.STUNServers {
		select {
		case <-ctx.Done():
			return NATUnknown, ctx.Err()
		default:
		}
		mapped, err := stunBind(conn, server, m.cfg.ProbeTimeout)
		if err != nil {
			m.logger.Debug("stun probe failed", "server", server, "error", err)
			continue
		}
		mappings = append(mappings, mapped)
	}

	if len(mappings) == 0 {
		return NATUnknown, &transport.NATTraversalError{Method: "stun", Err: errAllServersFailed}
	}

	nt := classify(local, mappings, localIPs())

	m.mu.Lock()
	m.natType = nt
	m.detectedAt = time.Now()
	m.publicAddr = mappings[0]
	m.mu.Unlock()

	m.logger.Info("nat type detected", "type", nt, "public_addr", mappings[0])
	return nt, nil
}

// PublicAddr returns the most recent STUN-mapped address, or nil before a
// successful detection.
func (m *Manager) PublicAddr() *net.UDPAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publicAddr
}

// classify derives the NAT type from the local socket address and the
// server-reflexive mappings observed across STUN servers.
func classify(local *net.UDPAddr, mappings []*net.UDPAddr, hostIPs []net.IP) NATType {
	// The mapped address matching a local interface means no translation.
	for _, mapped := range mappings {
		for _, ip := range hostIPs {
			if mapped.IP.Equal(ip) {
				return NATOpen
			}
		}
	}

	// Different mappings from different servers mean per-destination
	// bindings: symmetric NAT, hole punching will not work.
	first := mappings[0]
	for _, mapped := range mappings[1:] {
		if !mapped.IP.Equal(first.IP) || mapped.Port != first.Port {
			return NATSymmetric
		}
	}

	// Stable mapping. Port preservation is the usual tell of a full-cone
	// home router; anything else is treated as restricted.
	if first.Port == local.Port {
		return NATFullCone
	}
	return NATRestrictedCone
}

func localIPs() []net.IP {
	var out []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok {
				out = append(out, ipNet.IP)
			}
		}
	}
	return out
}

// stunBind sends one binding request and returns the mapped address from
// the response, preferring XOR-MAPPED-ADDRESS with a MAPPED-ADDRESS
// fallback.
func stunBind(conn *net.UDPConn, server string, timeout time.Duration) (*net.UDPAddr, error) {
	addrStr := strings.TrimPrefix(server, "stun:")
	serverAddr, err := net.ResolveUDPAddr("udp4", addrStr)
	if err != nil {
		return nil, err
	}

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.WriteToUDP(msg.Raw, serverAddr); err != nil {
		return nil, err
	}

	buf := make([]byte, 1024)
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := conn.ReadFromUDP(buf)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, err
	}

	res := &stun.Message{Raw: buf[:n]}
	if err := res.Decode(); err != nil {
		return nil, err
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}
	var mappedAddr stun.MappedAddress
	if err := mappedAddr.GetFrom(res); err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
}

var errAllServersFailed = &stunError{"all STUN servers failed"}

type stunError struct{ msg string }

func (e *stunError) Error() string { return e.msg }

// HolePunch keeps sending short probe packets to the remote address until
// something arrives back or ctx expires. Both sides punching at once opens
// the pinhole on cone NATs.
func (m *Manager) HolePunch(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr) error {
	probe := []byte("meshlink-punch")
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	recvCh := make(chan struct{}, 1)
	go func() {
		buf := make([]byte, 64)
		for {
			if deadline, ok := ctx.Deadline(); ok {
				_ = conn.SetReadDeadline(deadline)
			}
			_, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if from.IP.Equal(remote.IP) && from.Port == remote.Port {
				select {
				case recvCh <- struct{}{}:
				default:
				}
				return
			}
		}
	}()

	for {
		if _, err := conn.WriteToUDP(probe, remote); err != nil {
			return &transport.NATTraversalError{Method: "hole_punch", Err: err}
		}
		select {
		case <-recvCh:
			return nil
		case <-ctx.Done():
			return &transport.NATTraversalError{Method: "hole_punch", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}
