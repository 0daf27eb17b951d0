package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/meshlink/internal/transport"
	"github.com/sheerbytes/meshlink/pkg/protocol"
)

// hopMessageMaxAge bounds timestamp skew on sealed hop messages; older
// messages are dropped as replays.
const hopMessageMaxAge = 5 * time.Minute

// ConnectionProvider is the router's view of the connection manager.
type ConnectionProvider interface {
	Send(ctx context.Context, peer string, data []byte) error
	HasPeer(peer string) bool
	ActivePeers() []string
}

// Events carries the router's application-facing callbacks. Callbacks must
// not block; they run on the receive path.
type Events struct {
	OnMessage         func(source string, data []byte)
	OnRouteDiscovered func(dest string, route Route)
	OnRouteFailed     func(dest string, hops []string)
}

// Stats is a snapshot of router counters.
type Stats struct {
	MessagesRouted      uint64
	MessagesForwarded   uint64
	MessagesDelivered   uint64
	DiscoveriesStarted  uint64
	DiscoveriesResolved uint64
	RouteErrorsSent     uint64
	RouteErrorsReceived uint64
}

type pendingDiscovery struct {
	dest string
	ch   chan Route
	once sync.Once
}

func (p *pendingDiscovery) resolve(route Route) {
	p.once.Do(func() { p.ch <- route })
}

// Router implements mesh forwarding: direct sends, route discovery by
// controlled flood, per-hop sealed forwarding, periodic advertisement, and
// route-failure propagation.
type Router struct {
	localID string
	cfg     Config
	table   *Table
	conns   ConnectionProvider
	crypto  *HopCrypto
	logger  *slog.Logger

	events    Events
	neighbors func() []string

	seq atomic.Uint64

	mu       sync.Mutex
	pending  map[string]*pendingDiscovery
	seen     map[string]time.Time // request IDs already processed
	reverse  map[string]reverseHop
	lastSeen map[string]uint64 // advertisement seq per source

	messagesRouted      atomic.Uint64
	messagesForwarded   atomic.Uint64
	messagesDelivered   atomic.Uint64
	discoveriesStarted  atomic.Uint64
	discoveriesResolved atomic.Uint64
	routeErrorsSent     atomic.Uint64
	routeErrorsReceived atomic.Uint64
}

type reverseHop struct {
	peer string
	at   time.Time
}

// NewRouter creates a mesh router for the local peer.
func NewRouter(localID string, cfg Config, table *Table, conns ConnectionProvider, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		localID:  localID,
		cfg:      cfg,
		table:    table,
		conns:    conns,
		crypto:   NewHopCrypto(),
		logger:   logger,
		pending:  make(map[string]*pendingDiscovery),
		seen:     make(map[string]time.Time),
		reverse:  make(map[string]reverseHop),
		lastSeen: make(map[string]uint64),
	}
}

// SetEvents installs application callbacks.
func (r *Router) SetEvents(ev Events) { r.events = ev }

// SetNeighborSource overrides the broadcast fan-out set. When unset, or when
// the source reports no neighbors yet, broadcasts go to all active
// connections.
func (r *Router) SetNeighborSource(fn func() []string) { r.neighbors = fn }

// AddTrustedPeer marks a peer as an eligible intermediate hop.
func (r *Router) AddTrustedPeer(peer string) { r.table.AddTrustedPeer(peer) }

// SetHopEncryptionKey installs the symmetric key shared with a neighbor.
func (r *Router) SetHopEncryptionKey(peer string, key []byte) error {
	return r.crypto.SetKey(peer, key)
}

// Table returns the router's routing table.
func (r *Router) Table() *Table { return r.table }

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	return Stats{
		MessagesRouted:      r.messagesRouted.Load(),
		MessagesForwarded:   r.messagesForwarded.Load(),
		MessagesDelivered:   r.messagesDelivered.Load(),
		DiscoveriesStarted:  r.discoveriesStarted.Load(),
		DiscoveriesResolved: r.discoveriesResolved.Load(),
		RouteErrorsSent:     r.routeErrorsSent.Load(),
		RouteErrorsReceived: r.routeErrorsReceived.Load(),
	}
}

// RouteToPeer delivers an application payload to the destination peer:
// directly when a connection exists, otherwise over the best known route,
// discovering one if needed.
func (r *Router) RouteToPeer(ctx context.Context, dest string, payload []byte) error {
	if len(payload) > r.cfg.MaxMessageSize {
		return &transport.InvalidRouteError{
			Reason: fmt.Sprintf("message size %d exceeds maximum %d", len(payload), r.cfg.MaxMessageSize),
		}
	}

	if dest == r.localID {
		r.deliver(r.localID, payload)
		return nil
	}

	if r.conns.HasPeer(dest) {
		if err := r.sendDirect(ctx, dest, payload); err == nil {
			r.messagesRouted.Add(1)
			return nil
		} else {
			r.logger.Debug("direct send failed, falling back to routed path", "dest", dest, "error", err)
		}
	}

	route, ok := r.table.BestRoute(dest)
	if !ok {
		discovered, err := r.DiscoverRoute(ctx, dest)
		if err != nil {
			return &transport.InvalidRouteError{Reason: "no route to " + dest}
		}
		route = discovered
	}

	return r.sendViaRoute(ctx, dest, route, payload)
}

func (r *Router) sendDirect(ctx context.Context, dest string, payload []byte) error {
	msg := protocol.DataMessage{
		Source:    r.localID,
		Dest:      dest,
		Data:      payload,
		Timestamp: protocol.NowMillis(),
	}
	raw, err := r.marshalEnvelope(protocol.TypeMeshData, dest, msg)
	if err != nil {
		return err
	}
	return r.conns.Send(ctx, dest, raw)
}

func (r *Router) sendViaRoute(ctx context.Context, dest string, route Route, payload []byte) error {
	next := route.NextHop()
	if next == r.localID {
		return &transport.InvalidRouteError{Reason: "next hop is the local peer"}
	}

	inner := protocol.HopPayload{
		Source:    r.localID,
		Dest:      dest,
		Hops:      route.Hops[1:],
		TTL:       uint8(r.cfg.MaxHopCount),
		Data:      payload,
		Timestamp: protocol.NowMillis(),
	}
	raw, err := r.sealHop(next, inner)
	if err != nil {
		return err
	}

	if err := r.conns.Send(ctx, next, raw); err != nil {
		r.table.MarkRouteFailed(dest, route.Hops)
		if r.events.OnRouteFailed != nil {
			r.events.OnRouteFailed(dest, route.Hops)
		}
		return fmt.Errorf("send via %s: %w", next, err)
	}

	r.table.MarkRouteSuccess(dest, route.Hops)
	r.messagesRouted.Add(1)
	return nil
}

// sealHop encrypts a hop payload for the next hop and wraps it in a
// route.hop envelope. With encryption disabled the payload travels as
// plaintext with empty nonce and MAC.
func (r *Router) sealHop(next string, inner protocol.HopPayload) ([]byte, error) {
	plaintext, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("marshal hop payload: %w", err)
	}

	hop := protocol.EncryptedHop{
		NextHop:   next,
		Timestamp: inner.Timestamp,
	}
	if r.cfg.EnableHopEncryption {
		nonce, ciphertext, mac, err := r.crypto.Seal(next, plaintext)
		if err != nil {
			return nil, err
		}
		hop.Nonce, hop.Payload, hop.MAC = nonce, ciphertext, mac
	} else {
		hop.Payload = plaintext
	}

	return r.marshalEnvelope(protocol.TypeRouteHop, next, hop)
}

func (r *Router) marshalEnvelope(msgType, to string, payload any) ([]byte, error) {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		return nil, err
	}
	env.From = r.localID
	env.To = to
	return json.Marshal(env)
}

// DiscoverRoute floods a route request to all neighbors and waits for the
// first response, up to RouteDiscoveryTimeout. Late responses are dropped.
func (r *Router) DiscoverRoute(ctx context.Context, dest string) (Route, error) {
	if dest == r.localID {
		return Route{Hops: []string{r.localID}, LastUpdated: time.Now(), TrustScore: 100}, nil
	}

	reqID := protocol.NewMsgID()
	pd := &pendingDiscovery{dest: dest, ch: make(chan Route, 1)}
	r.mu.Lock()
	r.pending[reqID] = pd
	r.mu.Unlock()
	r.discoveriesStarted.Add(1)

	defer func() {
		r.mu.Lock()
		delete(r.pending, reqID)
		r.mu.Unlock()
	}()

	req := protocol.RouteRequest{
		RequestID: reqID,
		Dest:      dest,
		Source:    r.localID,
		HopCount:  0,
		MaxHops:   uint8(r.cfg.MaxHopCount),
		Timestamp: protocol.NowMillis(),
	}
	r.broadcast(ctx, protocol.TypeRouteRequest, req, "")

	timer := time.NewTimer(r.cfg.RouteDiscoveryTimeout)
	defer timer.Stop()

	select {
	case route := <-pd.ch:
		r.discoveriesResolved.Add(1)
		if r.events.OnRouteDiscovered != nil {
			r.events.OnRouteDiscovered(dest, route)
		}
		return route, nil
	case <-timer.C:
		return Route{}, fmt.Errorf("route discovery for %s timed out", dest)
	case <-ctx.Done():
		return Route{}, ctx.Err()
	}
}

// HandleEnvelope dispatches one inbound mesh control or data message.
// Unparseable payloads are dropped and logged, never fatal.
func (r *Router) HandleEnvelope(ctx context.Context, env protocol.Envelope) {
	from := env.From

	switch env.Type {
	case protocol.TypeMeshData:
		var msg protocol.DataMessage
		if err := env.DecodePayload(&msg); err != nil {
			r.dropMalformed(env, err)
			return
		}
		if msg.Dest != r.localID {
			r.logger.Warn("direct data message for another peer dropped", "dest", msg.Dest, "from", from)
			return
		}
		r.deliver(msg.Source, msg.Data)

	case protocol.TypeRouteHop:
		var hop protocol.EncryptedHop
		if err := env.DecodePayload(&hop); err != nil {
			r.dropMalformed(env, err)
			return
		}
		r.handleHop(ctx, from, hop)

	case protocol.TypeRouteRequest:
		var req protocol.RouteRequest
		if err := env.DecodePayload(&req); err != nil {
			r.dropMalformed(env, err)
			return
		}
		r.handleRouteRequest(ctx, from, req)

	case protocol.TypeRouteResponse:
		var resp protocol.RouteResponse
		if err := env.DecodePayload(&resp); err != nil {
			r.dropMalformed(env, err)
			return
		}
		r.handleRouteResponse(ctx, from, resp)

	case protocol.TypeRouteAdvertisement:
		var adv protocol.RouteAdvertisement
		if err := env.DecodePayload(&adv); err != nil {
			r.dropMalformed(env, err)
			return
		}
		r.handleAdvertisement(adv)

	case protocol.TypeRouteError:
		var re protocol.RouteError
		if err := env.DecodePayload(&re); err != nil {
			r.dropMalformed(env, err)
			return
		}
		r.handleRouteError(re)

	default:
		r.logger.Debug("unknown mesh message type", "type", env.Type, "from", from)
	}
}

func (r *Router) dropMalformed(env protocol.Envelope, err error) {
	serr := &transport.SerializationError{Err: err}
	r.logger.Warn("dropping malformed control message", "type", env.Type, "from", env.From, "error", serr)
}

func (r *Router) deliver(source string, data []byte) {
	r.messagesDelivered.Add(1)
	if r.events.OnMessage != nil {
		r.events.OnMessage(source, data)
	}
}

func (r *Router) handleHop(ctx context.Context, from string, hop protocol.EncryptedHop) {
	if hop.NextHop != r.localID {
		r.logger.Warn("hop message for another peer dropped", "next_hop", hop.NextHop, "from", from)
		return
	}

	now := protocol.NowMillis()
	if hop.Timestamp+uint64(hopMessageMaxAge.Milliseconds()) < now {
		r.logger.Warn("stale hop message dropped", "from", from, "age_ms", now-hop.Timestamp)
		return
	}

	plaintext := hop.Payload
	if r.cfg.EnableHopEncryption {
		var err error
		plaintext, err = r.crypto.Open(from, hop.Nonce, hop.Payload, hop.MAC)
		if err != nil {
			r.logger.Warn("hop message failed authentication", "from", from, "error", err)
			return
		}
	}

	var inner protocol.HopPayload
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		r.logger.Warn("dropping malformed hop payload", "from", from, "error", err)
		return
	}

	if inner.Dest == r.localID {
		r.deliver(inner.Source, inner.Data)
		return
	}

	r.forwardHop(ctx, from, inner)
}

func (r *Router) forwardHop(ctx context.Context, from string, inner protocol.HopPayload) {
	if len(inner.Hops) == 0 {
		r.sendRouteError(ctx, from, inner.Dest, r.localID, "no residual hops")
		return
	}
	next := inner.Hops[0]
	if next == r.localID {
		r.logger.Warn("refusing to forward to self", "dest", inner.Dest)
		return
	}
	if inner.TTL == 0 {
		r.sendRouteError(ctx, from, inner.Dest, next, "hop budget exhausted")
		return
	}

	forwarded := inner
	forwarded.Hops = inner.Hops[1:]
	forwarded.TTL = inner.TTL - 1

	raw, err := r.sealHop(next, forwarded)
	if err != nil {
		r.logger.Warn("cannot seal for next hop", "next", next, "error", err)
		r.sendRouteError(ctx, from, inner.Dest, next, "seal failed")
		return
	}
	if err := r.conns.Send(ctx, next, raw); err != nil {
		r.logger.Warn("forward failed", "next", next, "dest", inner.Dest, "error", err)
		r.sendRouteError(ctx, from, inner.Dest, next, "forward failed")
		return
	}
	r.messagesForwarded.Add(1)
}

// sendRouteError reports a downstream failure back along the reverse path.
func (r *Router) sendRouteError(ctx context.Context, toward, dest, failedHop, code string) {
	re := protocol.RouteError{
		Source:    r.localID,
		Dest:      dest,
		FailedHop: failedHop,
		Code:      code,
		Seq:       r.seq.Add(1),
		Timestamp: protocol.NowMillis(),
	}
	raw, err := r.marshalEnvelope(protocol.TypeRouteError, toward, re)
	if err != nil {
		return
	}
	if err := r.conns.Send(ctx, toward, raw); err != nil {
		r.logger.Debug("route error delivery failed", "toward", toward, "error", err)
		return
	}
	r.routeErrorsSent.Add(1)
}

func (r *Router) handleRouteRequest(ctx context.Context, from string, req protocol.RouteRequest) {
	if req.Source == r.localID || req.HopCount >= req.MaxHops {
		return
	}

	r.mu.Lock()
	if _, dup := r.seen[req.RequestID]; dup {
		r.mu.Unlock()
		return
	}
	r.seen[req.RequestID] = time.Now()
	r.mu.Unlock()

	respond := func(route []string, cost uint32) {
		resp := protocol.RouteResponse{
			RequestID: req.RequestID,
			Dest:      req.Dest,
			Source:    r.localID,
			Route:     route,
			Cost:      cost,
			Timestamp: protocol.NowMillis(),
		}
		raw, err := r.marshalEnvelope(protocol.TypeRouteResponse, from, resp)
		if err != nil {
			return
		}
		if err := r.conns.Send(ctx, from, raw); err != nil {
			r.logger.Debug("route response delivery failed", "to", from, "error", err)
		}
	}

	switch {
	case req.Dest == r.localID:
		respond([]string{r.localID}, 0)
	default:
		if known, ok := r.table.BestRoute(req.Dest); ok {
			respond(append([]string{r.localID}, known.Hops...), known.Cost+10)
			return
		}
		if r.conns.HasPeer(req.Dest) {
			respond([]string{r.localID, req.Dest}, 10)
			return
		}

		// Record the reverse path so a later response can travel back.
		r.mu.Lock()
		r.reverse[req.RequestID] = reverseHop{peer: from, at: time.Now()}
		r.mu.Unlock()

		forwarded := req
		forwarded.HopCount++
		r.broadcast(ctx, protocol.TypeRouteRequest, forwarded, from)
	}
}

func (r *Router) handleRouteResponse(ctx context.Context, from string, resp protocol.RouteResponse) {
	r.mu.Lock()
	pd := r.pending[resp.RequestID]
	rev, hasReverse := r.reverse[resp.RequestID]
	r.mu.Unlock()

	if pd != nil && pd.dest == resp.Dest {
		route := Route{
			Hops:        resp.Route,
			Cost:        resp.Cost,
			LastUpdated: time.Now(),
			TrustScore:  80,
		}
		if err := r.table.AddRoute(resp.Dest, route, DefaultUnknownMetrics()); err != nil {
			r.logger.Debug("discovered route rejected", "dest", resp.Dest, "error", err)
			return
		}
		pd.resolve(route)
		return
	}

	if hasReverse {
		relayed := resp
		relayed.Source = r.localID
		relayed.Route = append([]string{r.localID}, resp.Route...)
		relayed.Cost = resp.Cost + 10
		raw, err := r.marshalEnvelope(protocol.TypeRouteResponse, rev.peer, relayed)
		if err != nil {
			return
		}
		if err := r.conns.Send(ctx, rev.peer, raw); err != nil {
			r.logger.Debug("route response relay failed", "to", rev.peer, "error", err)
		}
		return
	}

	// Late response after the pending entry was collected: dropped.
	r.logger.Debug("dropping unsolicited route response", "request_id", resp.RequestID, "from", from)
}

func (r *Router) handleAdvertisement(adv protocol.RouteAdvertisement) {
	r.mu.Lock()
	if last, ok := r.lastSeen[adv.Source]; ok && adv.Seq <= last {
		r.mu.Unlock()
		return
	}
	r.lastSeen[adv.Source] = adv.Seq
	r.mu.Unlock()

	r.applySummaries(adv.Source, adv.Routes)
}

// applySummaries turns advertised route summaries from a neighbor into
// table entries reachable through that neighbor. Inserting the same
// advertisement twice is a no-op apart from the refresh timestamp.
func (r *Router) applySummaries(source string, summaries []protocol.RouteSummary) {
	for _, s := range summaries {
		if s.Dest == r.localID {
			continue
		}
		hops := []string{source}
		if s.Dest != source {
			hops = append(hops, s.Dest)
		}
		route := Route{
			Hops:        hops,
			Cost:        s.Cost + 10,
			LastUpdated: time.Now(),
			TrustScore:  s.TrustScore,
		}
		if err := r.table.AddRoute(s.Dest, route, DefaultUnknownMetrics()); err != nil {
			r.logger.Debug("advertised route rejected", "dest", s.Dest, "via", source, "error", err)
		}
	}
}

func (r *Router) handleRouteError(re protocol.RouteError) {
	r.routeErrorsReceived.Add(1)
	removed := r.table.RemoveRoutesVia(re.Dest, re.FailedHop)
	if removed > 0 && r.events.OnRouteFailed != nil {
		r.events.OnRouteFailed(re.Dest, []string{re.FailedHop})
	}
	r.logger.Info("route error received",
		"dest", re.Dest, "failed_hop", re.FailedHop, "code", re.Code, "routes_removed", removed)
}

// Advertise broadcasts the best route per destination to all neighbors.
func (r *Router) Advertise(ctx context.Context) {
	summaries := r.table.BestSummaries()
	if len(summaries) == 0 {
		return
	}

	routes := make([]protocol.RouteSummary, len(summaries))
	for i, s := range summaries {
		routes[i] = protocol.RouteSummary{
			Dest:       s.Dest,
			HopCount:   uint8(s.HopCount),
			Cost:       s.Cost,
			TrustScore: s.TrustScore,
		}
	}
	adv := protocol.RouteAdvertisement{
		Source:    r.localID,
		Seq:       r.seq.Add(1),
		Routes:    routes,
		Timestamp: protocol.NowMillis(),
	}
	r.broadcast(ctx, protocol.TypeRouteAdvertisement, adv, "")
}

func (r *Router) broadcast(ctx context.Context, msgType string, payload any, except string) {
	for _, peer := range r.neighborList() {
		if peer == except || peer == r.localID {
			continue
		}
		raw, err := r.marshalEnvelope(msgType, peer, payload)
		if err != nil {
			return
		}
		if err := r.conns.Send(ctx, peer, raw); err != nil {
			r.logger.Debug("broadcast send failed", "peer", peer, "type", msgType, "error", err)
		}
	}
}

// neighborList resolves the broadcast fan-out: the protocol manager's
// neighbor set when available, all active connections otherwise.
func (r *Router) neighborList() []string {
	if r.neighbors != nil {
		if list := r.neighbors(); len(list) > 0 {
			return list
		}
	}
	return r.conns.ActivePeers()
}

// Run drives the router's background loops: periodic advertisement and
// table maintenance. It returns when ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	advertise := time.NewTicker(r.cfg.RouteAdvertisementInterval)
	defer advertise.Stop()
	maintain := time.NewTicker(r.cfg.RouteDiscoveryInterval)
	defer maintain.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-advertise.C:
			r.Advertise(ctx)
		case <-maintain.C:
			if removed := r.table.CleanupExpired(); removed > 0 {
				r.logger.Debug("expired routes removed", "count", removed)
			}
			r.pruneBookkeeping()
		}
	}
}

// pruneBookkeeping drops stale discovery dedup and reverse-path records.
func (r *Router) pruneBookkeeping() {
	cutoff := time.Now().Add(-2 * r.cfg.RouteDiscoveryTimeout)
	r.mu.Lock()
	for id, at := range r.seen {
		if at.Before(cutoff) {
			delete(r.seen, id)
		}
	}
	for id, rev := range r.reverse {
		if rev.at.Before(cutoff) {
			delete(r.reverse, id)
		}
	}
	r.mu.Unlock()
}
