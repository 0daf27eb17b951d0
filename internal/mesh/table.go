package mesh

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/meshlink/internal/transport"
)

// Route is an ordered list of peer hops from the local peer to a
// destination. Hops[0] is the next hop, the last element is the destination.
type Route struct {
	Hops        []string
	Cost        uint32
	LastUpdated time.Time
	TrustScore  uint8
}

// HopCount returns the number of hops in the route.
func (r Route) HopCount() int { return len(r.Hops) }

// Destination returns the final hop.
func (r Route) Destination() string {
	if len(r.Hops) == 0 {
		return ""
	}
	return r.Hops[len(r.Hops)-1]
}

// NextHop returns the first hop.
func (r Route) NextHop() string {
	if len(r.Hops) == 0 {
		return ""
	}
	return r.Hops[0]
}

func (r Route) hasLoop() bool {
	seen := make(map[string]struct{}, len(r.Hops))
	for _, h := range r.Hops {
		if _, dup := seen[h]; dup {
			return true
		}
		seen[h] = struct{}{}
	}
	return false
}

// Quality scores the route 0..100, penalizing long and expensive paths.
func (r Route) Quality() int {
	q := 100
	switch {
	case r.HopCount() > 3:
		q -= 20
	case r.HopCount() > 1:
		q -= 10
	}
	switch {
	case r.Cost > 1000:
		q -= 30
	case r.Cost > 100:
		q -= 15
	}
	return q
}

func (r Route) clone() Route {
	hops := make([]string, len(r.Hops))
	copy(hops, r.Hops)
	r.Hops = hops
	return r
}

func equalHops(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Metrics tracks measured route performance. Reliability is derived from
// the success/failure counters.
type Metrics struct {
	LatencyMS    uint32
	BandwidthBPS uint64
	Reliability  uint8
	SuccessCount uint64
	FailureCount uint64
	LastMeasured time.Time
}

// DefaultUnknownMetrics returns the assumed metrics for a route learned
// through discovery before any measurement: 1 s latency, 1 MB/s bandwidth,
// 50% reliability.
func DefaultUnknownMetrics() Metrics {
	return Metrics{
		LatencyMS:    1000,
		BandwidthBPS: 1_000_000,
		Reliability:  50,
		LastMeasured: time.Now(),
	}
}

// Cost derives the route cost from latency, bandwidth, and reliability.
// Lower is better.
func (m Metrics) Cost() uint32 {
	bwTerm := uint32(1_000_000)
	if m.BandwidthBPS > 0 {
		bwTerm = uint32(1_000_000 / m.BandwidthBPS)
	}
	return m.LatencyMS/10 + bwTerm + uint32(100-m.Reliability)*2
}

func (m *Metrics) recordSuccess() {
	m.SuccessCount++
	m.recompute()
}

func (m *Metrics) recordFailure() {
	m.FailureCount++
	m.recompute()
}

func (m *Metrics) recompute() {
	total := m.SuccessCount + m.FailureCount
	if total > 0 {
		m.Reliability = uint8((m.SuccessCount*100 + total/2) / total)
	}
	m.LastMeasured = time.Now()
}

// Entry pairs a route with its metrics and usage accounting.
type Entry struct {
	Route      Route
	Metrics    Metrics
	Active     bool
	UsageCount uint64
}

// SelectionScore ranks entries for a destination; higher wins.
func (e *Entry) SelectionScore() int {
	usage := int(e.UsageCount)
	if usage > 10 {
		usage = 10
	}
	return e.Route.Quality() + int(e.Metrics.Reliability) + usage*2 - int(e.Route.Cost)
}

// Summary is the advertised shape of a route.
type Summary struct {
	Dest       string
	HopCount   int
	Cost       uint32
	TrustScore uint8
}

// Table holds ranked routes per destination plus the trusted peer set.
// All operations take a single reader/writer lock; lookups clone routes
// before the lock is released.
type Table struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	routes  map[string][]*Entry
	trusted map[string]struct{}
}

// NewTable creates an empty routing table.
func NewTable(cfg Config, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		cfg:     cfg,
		logger:  logger,
		routes:  make(map[string][]*Entry),
		trusted: make(map[string]struct{}),
	}
}

// AddTrustedPeer marks a peer as eligible to be an intermediate hop.
func (t *Table) AddTrustedPeer(peer string) {
	t.mu.Lock()
	t.trusted[peer] = struct{}{}
	t.mu.Unlock()
}

// RemoveTrustedPeer revokes intermediate-hop eligibility. Existing routes
// are not retroactively removed.
func (t *Table) RemoveTrustedPeer(peer string) {
	t.mu.Lock()
	delete(t.trusted, peer)
	t.mu.Unlock()
}

// IsTrusted reports whether the peer is in the trusted set.
func (t *Table) IsTrusted(peer string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.trusted[peer]
	return ok
}

// AddRoute validates and inserts a route. A route with identical hops
// updates the existing entry in place. On overflow the entries are ranked
// by selection score and the lowest is evicted. Invalid routes fail with
// InvalidRouteError; callers must not treat that as transient.
func (t *Table) AddRoute(dest string, route Route, metrics Metrics) error {
	if len(route.Hops) == 0 {
		return &transport.InvalidRouteError{Reason: "empty route"}
	}
	if route.Destination() != dest {
		return &transport.InvalidRouteError{Reason: "route does not end at destination"}
	}
	if route.hasLoop() {
		return &transport.InvalidRouteError{Reason: "contains a loop"}
	}
	if route.HopCount() > t.cfg.MaxHopCount {
		return &transport.InvalidRouteError{
			Reason: fmt.Sprintf("route length %d exceeds maximum %d", route.HopCount(), t.cfg.MaxHopCount),
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if route.HopCount() > 1 && !t.hasTrustedHopLocked(route.Hops) {
		return &transport.InvalidRouteError{Reason: "no trusted hop in multi-hop route"}
	}

	route = route.clone()
	route.LastUpdated = time.Now()

	entries := t.routes[dest]
	for _, e := range entries {
		if equalHops(e.Route.Hops, route.Hops) {
			e.Route = route
			e.Metrics = metrics
			e.Active = true
			return nil
		}
	}

	entries = append(entries, &Entry{Route: route, Metrics: metrics, Active: true})
	if len(entries) > t.cfg.MaxRoutesPerDestination {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].SelectionScore() > entries[j].SelectionScore()
		})
		entries = entries[:t.cfg.MaxRoutesPerDestination]
	}
	t.routes[dest] = entries
	return nil
}

func (t *Table) hasTrustedHopLocked(hops []string) bool {
	for _, h := range hops {
		if _, ok := t.trusted[h]; ok {
			return true
		}
	}
	return false
}

// BestRoute returns the highest-scoring active, non-expired route for the
// destination. The returned route is a clone.
func (t *Table) BestRoute(dest string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	var best *Entry
	var bestScore int
	for _, e := range t.routes[dest] {
		if !e.Active || now.Sub(e.Route.LastUpdated) > t.cfg.MaxRouteAge {
			continue
		}
		score := e.SelectionScore()
		if best == nil || score > bestScore {
			best = e
			bestScore = score
		}
	}
	if best == nil {
		return Route{}, false
	}
	return best.Route.clone(), true
}

// MarkRouteSuccess records a successful delivery over the route, bumping
// its usage count.
func (t *Table) MarkRouteSuccess(dest string, hops []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.routes[dest] {
		if equalHops(e.Route.Hops, hops) {
			e.Metrics.recordSuccess()
			e.UsageCount++
			return
		}
	}
}

// MarkRouteFailed records a failed delivery. A route whose reliability
// drops below 20 is deactivated; recovering reliability does not reactivate
// it, the route must be re-added.
func (t *Table) MarkRouteFailed(dest string, hops []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.routes[dest] {
		if equalHops(e.Route.Hops, hops) {
			e.Metrics.recordFailure()
			if e.Metrics.Reliability < 20 {
				e.Active = false
				t.logger.Debug("route deactivated", "dest", dest, "reliability", e.Metrics.Reliability)
			}
			return
		}
	}
}

// RemoveRoute deletes the entry with exactly the given hops.
func (t *Table) RemoveRoute(dest string, hops []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.routes[dest]
	for i, e := range entries {
		if equalHops(e.Route.Hops, hops) {
			t.routes[dest] = append(entries[:i], entries[i+1:]...)
			if len(t.routes[dest]) == 0 {
				delete(t.routes, dest)
			}
			return
		}
	}
}

// CleanupExpired evicts aged-out routes and deactivated low-reliability
// routes, returning how many were removed.
func (t *Table) CleanupExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0
	for dest, entries := range t.routes {
		kept := entries[:0]
		for _, e := range entries {
			expired := now.Sub(e.Route.LastUpdated) > t.cfg.MaxRouteAge
			unreliable := !e.Active && e.Metrics.Reliability < 20
			if expired || unreliable {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(t.routes, dest)
		} else {
			t.routes[dest] = kept
		}
	}
	return removed
}

// RoutesThroughPeer returns the destinations of every route that passes
// through the peer, used when that peer is declared dead.
func (t *Table) RoutesThroughPeer(peer string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var dests []string
	for dest, entries := range t.routes {
		for _, e := range entries {
			if containsHop(e.Route.Hops, peer) {
				dests = append(dests, dest)
				break
			}
		}
	}
	return dests
}

// RemoveRoutesThrough deletes every route passing through the peer and
// returns how many entries were removed.
func (t *Table) RemoveRoutesThrough(peer string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for dest, entries := range t.routes {
		kept := entries[:0]
		for _, e := range entries {
			if containsHop(e.Route.Hops, peer) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(t.routes, dest)
		} else {
			t.routes[dest] = kept
		}
	}
	return removed
}

// RemoveRoutesVia deletes routes to dest that pass through the given hop.
func (t *Table) RemoveRoutesVia(dest, hop string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.routes[dest]
	kept := entries[:0]
	removed := 0
	for _, e := range entries {
		if containsHop(e.Route.Hops, hop) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(t.routes, dest)
	} else {
		t.routes[dest] = kept
	}
	return removed
}

func containsHop(hops []string, peer string) bool {
	for _, h := range hops {
		if h == peer {
			return true
		}
	}
	return false
}

// BestSummaries returns the best route per destination for advertisement.
func (t *Table) BestSummaries() []Summary {
	t.mu.RLock()
	dests := make([]string, 0, len(t.routes))
	for dest := range t.routes {
		dests = append(dests, dest)
	}
	t.mu.RUnlock()

	sort.Strings(dests)
	summaries := make([]Summary, 0, len(dests))
	for _, dest := range dests {
		if route, ok := t.BestRoute(dest); ok {
			summaries = append(summaries, Summary{
				Dest:       dest,
				HopCount:   route.HopCount(),
				Cost:       route.Cost,
				TrustScore: route.TrustScore,
			})
		}
	}
	return summaries
}

// Len returns the number of entries held for the destination.
func (t *Table) Len(dest string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes[dest])
}

// Destinations returns every destination with at least one entry.
func (t *Table) Destinations() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.routes))
	for dest := range t.routes {
		out = append(out, dest)
	}
	return out
}
