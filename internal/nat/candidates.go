package nat

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/sheerbytes/meshlink/internal/transport"
	"github.com/sheerbytes/meshlink/pkg/protocol"
)

// Type preferences per RFC 8445 section 5.1.2.2.
const (
	typePrefHost            = 126
	typePrefPeerReflexive   = 110
	typePrefServerReflexive = 100
	typePrefRelay           = 0
)

// Candidate is one dialable endpoint for the local peer.
type Candidate struct {
	Type       string
	IP         net.IP
	Port       int
	Protocol   string
	Foundation string
	Priority   uint32
}

// Addr returns the candidate as a dialable host:port string.
func (c Candidate) Addr() string {
	return net.JoinHostPort(c.IP.String(), strconv.Itoa(c.Port))
}

// ToProtocol converts the candidate into its wire representation.
func (c Candidate) ToProtocol() protocol.ICECandidate {
	return protocol.ICECandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		IP:         c.IP.String(),
		Port:       uint16(c.Port),
		Type:       c.Type,
		Protocol:   c.Protocol,
	}
}

// CandidatePriority computes the RFC 8445 priority for a candidate type and
// local preference. Component is always 1; there is a single data component.
func CandidatePriority(candType string, localPref uint16) uint32 {
	var typePref uint32
	switch candType {
	case protocol.CandidateHost:
		typePref = typePrefHost
	case protocol.CandidatePeerReflexive:
		typePref = typePrefPeerReflexive
	case protocol.CandidateServerReflexive:
		typePref = typePrefServerReflexive
	case protocol.CandidateRelay:
		typePref = typePrefRelay
	}
	return typePref<<24 | uint32(localPref)<<8 | 255
}

// foundation derives a stable identifier from the candidate's type and base
// address, so related candidates across restarts group together.
func foundation(candType string, ip net.IP) string {
	sum := sha1.Sum([]byte(candType + "/" + ip.String()))
	return hex.EncodeToString(sum[:4])
}

// GatherCandidates enumerates local interface addresses and, when STUN
// succeeds, the server-reflexive address, sorted by priority descending.
func (m *Manager) GatherCandidates(ctx context.Context, port int) ([]Candidate, error) {
	var candidates []Candidate

	// Host candidates from every up interface. IPv4 gets a slightly higher
	// local preference; it is the common path for STUN and hole punching.
	localPref := uint16(65535)
	for _, ip := range localIPs() {
		if ip.IsMulticast() || ip.IsUnspecified() || ip.IsLoopback() {
			continue
		}
		pref := localPref
		if ip.To4() == nil {
			pref -= 10
		}
		candidates = append(candidates, Candidate{
			Type:       protocol.CandidateHost,
			IP:         ip,
			Port:       port,
			Protocol:   "udp",
			Foundation: foundation(protocol.CandidateHost, ip),
			Priority:   CandidatePriority(protocol.CandidateHost, pref),
		})
		if localPref > 0 {
			localPref--
		}
	}

	// Server-reflexive candidate from the cached or fresh STUN mapping.
	if _, err := m.DetectNATType(ctx); err == nil {
		if mapped := m.PublicAddr(); mapped != nil {
			candidates = append(candidates, Candidate{
				Type:       protocol.CandidateServerReflexive,
				IP:         mapped.IP,
				Port:       mapped.Port,
				Protocol:   "udp",
				Foundation: foundation(protocol.CandidateServerReflexive, mapped.IP),
				Priority:   CandidatePriority(protocol.CandidateServerReflexive, 65535),
			})
		}
	}

	SortCandidates(candidates)
	return candidates, nil
}

// SortCandidates orders candidates by priority descending.
func SortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})
}

// CandidatePair is a local/remote combination to be connectivity-checked.
type CandidatePair struct {
	Local    Candidate
	Remote   Candidate
	Priority uint64
}

// PairPriority computes the RFC 8445 pair priority. The controlling side's
// candidate priority is g, the controlled side's is d.
func PairPriority(g, d uint32) uint64 {
	lo, hi := uint64(g), uint64(d)
	if lo > hi {
		lo, hi = hi, lo
	}
	extra := uint64(0)
	if g > d {
		extra = 1
	}
	return lo<<32 + hi<<1 + extra
}

// SelectPair probes every pair's remote endpoint from the shared local
// socket and nominates aggressively: the first remote that answers wins.
// Pairs should already be in priority order so early answers are also the
// most promising paths.
func (m *Manager) SelectPair(ctx context.Context, conn *net.UDPConn, pairs []CandidatePair) (CandidatePair, error) {
	if len(pairs) == 0 {
		return CandidatePair{}, &transport.NATTraversalError{Method: "connectivity_check", Err: errNoPairs}
	}

	remotes := make(map[string]int, len(pairs))
	for i, pair := range pairs {
		addr := pair.Remote.Addr()
		if _, seen := remotes[addr]; !seen {
			remotes[addr] = i
		}
	}

	winner := make(chan int, 1)
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
			if i, ok := remotes[from.String()]; ok {
				select {
				case winner <- i:
				default:
				}
				return
			}
		}
	}()

	probe := []byte("meshlink-check")
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		for addr := range remotes {
			udpAddr, err := net.ResolveUDPAddr("udp", addr)
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(probe, udpAddr)
		}
		select {
		case i := <-winner:
			m.logger.Info("candidate pair nominated", "local", pairs[i].Local.Addr(), "remote", pairs[i].Remote.Addr())
			return pairs[i], nil
		case <-ctx.Done():
			return CandidatePair{}, &transport.NATTraversalError{Method: "connectivity_check", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

var errNoPairs = &stunError{"no candidate pairs to check"}

// PairCandidates forms all local/remote pairs ordered by pair priority
// descending, so checks hit the most promising paths first.
func PairCandidates(local, remote []Candidate, controlling bool) []CandidatePair {
	pairs := make([]CandidatePair, 0, len(local)*len(remote))
	for _, l := range local {
		for _, r := range remote {
			if l.Protocol != r.Protocol {
				continue
			}
			g, d := l.Priority, r.Priority
			if !controlling {
				g, d = r.Priority, l.Priority
			}
			pairs = append(pairs, CandidatePair{
				Local:    l,
				Remote:   r,
				Priority: PairPriority(g, d),
			})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Priority > pairs[j].Priority
	})
	return pairs
}
