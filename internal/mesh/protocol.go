package mesh

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/meshlink/pkg/protocol"
)

// NeighborStatus is the liveness state of a directly connected peer.
type NeighborStatus int

const (
	NeighborUnknown NeighborStatus = iota
	NeighborAlive
	NeighborSuspect
	NeighborDead
)

func (s NeighborStatus) String() string {
	switch s {
	case NeighborAlive:
		return "alive"
	case NeighborSuspect:
		return "suspect"
	case NeighborDead:
		return "dead"
	default:
		return "unknown"
	}
}

type neighborState struct {
	status   NeighborStatus
	lastSeen time.Time
	lastSeq  uint64
	missed   int
}

// pendingUpdate tracks a reliable routing update awaiting acknowledgement
// from one or more neighbors.
type pendingUpdate struct {
	msgType  string
	payload  any
	waiting  map[string]struct{}
	retries  int
	deadline time.Time
}

// ProtocolEvents carries the protocol manager's callbacks.
type ProtocolEvents struct {
	OnNeighborAlive func(peer string)
	OnNeighborDead  func(peer string)
}

// ProtocolManager runs the route synchronization protocol with direct
// neighbors: periodic full updates, incremental updates, heartbeats, and
// failure detection. Reliable updates carry a contiguous per-sender sequence
// number; receivers drop anything at or below the last applied sequence but
// still acknowledge it so the sender stops retrying.
type ProtocolManager struct {
	localID string
	cfg     ProtocolConfig
	router  *Router
	conns   ConnectionProvider
	logger  *slog.Logger
	events  ProtocolEvents

	// msgSeq numbers heartbeats, acks, and sync requests. updateSeq numbers
	// only the reliable route updates that receivers gate on, so it stays
	// contiguous and a gap at the receiver always means a lost update.
	msgSeq    atomic.Uint64
	updateSeq atomic.Uint64

	mu        sync.Mutex
	neighbors map[string]*neighborState
	pending   map[uint64]*pendingUpdate
}

// NewProtocolManager creates a protocol manager bound to the router's table.
func NewProtocolManager(localID string, cfg ProtocolConfig, router *Router, conns ConnectionProvider, logger *slog.Logger) *ProtocolManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProtocolManager{
		localID:   localID,
		cfg:       cfg,
		router:    router,
		conns:     conns,
		logger:    logger,
		neighbors: make(map[string]*neighborState),
		pending:   make(map[uint64]*pendingUpdate),
	}
}

// SetEvents installs liveness callbacks.
func (pm *ProtocolManager) SetEvents(ev ProtocolEvents) { pm.events = ev }

// ObserveNeighbor records a direct connection to the peer and marks it
// alive. A peer previously declared dead starts over with fresh state.
func (pm *ProtocolManager) ObserveNeighbor(peer string) {
	if peer == pm.localID {
		return
	}
	pm.mu.Lock()
	st := pm.neighbors[peer]
	fresh := st == nil
	if fresh {
		st = &neighborState{}
		pm.neighbors[peer] = st
	}
	wasAlive := st.status == NeighborAlive
	st.status = NeighborAlive
	st.lastSeen = time.Now()
	st.missed = 0
	pm.mu.Unlock()

	if !wasAlive && pm.events.OnNeighborAlive != nil {
		pm.events.OnNeighborAlive(peer)
	}
}

// ForgetNeighbor drops a neighbor without declaring it dead, used when a
// connection is closed deliberately.
func (pm *ProtocolManager) ForgetNeighbor(peer string) {
	pm.mu.Lock()
	delete(pm.neighbors, peer)
	pm.mu.Unlock()
}

// AliveNeighbors returns the peers currently considered alive or suspect.
// Suspects still receive traffic until declared dead.
func (pm *ProtocolManager) AliveNeighbors() []string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]string, 0, len(pm.neighbors))
	for peer, st := range pm.neighbors {
		if st.status == NeighborAlive || st.status == NeighborSuspect {
			out = append(out, peer)
		}
	}
	return out
}

// NeighborStatusOf reports the tracked status of a peer.
func (pm *ProtocolManager) NeighborStatusOf(peer string) NeighborStatus {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if st, ok := pm.neighbors[peer]; ok {
		return st.status
	}
	return NeighborUnknown
}

// touch refreshes a neighbor's liveness from any inbound protocol traffic.
func (pm *ProtocolManager) touch(peer string) {
	pm.ObserveNeighbor(peer)
}

// HandleEnvelope dispatches one inbound routing protocol message.
func (pm *ProtocolManager) HandleEnvelope(ctx context.Context, env protocol.Envelope) {
	from := env.From

	switch env.Type {
	case protocol.TypeProtoHeartbeat:
		// Heartbeats refresh liveness and are never acknowledged.
		pm.touch(from)

	case protocol.TypeProtoFullUpdate:
		var upd protocol.FullUpdate
		if err := env.DecodePayload(&upd); err != nil {
			pm.logger.Warn("malformed full update", "from", from, "error", err)
			return
		}
		pm.touch(from)
		pm.handleFullUpdate(ctx, from, upd)

	case protocol.TypeProtoIncrementalUpdate:
		var upd protocol.IncrementalUpdate
		if err := env.DecodePayload(&upd); err != nil {
			pm.logger.Warn("malformed incremental update", "from", from, "error", err)
			return
		}
		pm.touch(from)
		pm.handleIncrementalUpdate(ctx, from, upd)

	case protocol.TypeProtoSyncRequest:
		var req protocol.SyncRequest
		if err := env.DecodePayload(&req); err != nil {
			pm.logger.Warn("malformed sync request", "from", from, "error", err)
			return
		}
		pm.touch(from)
		pm.sendSyncResponse(ctx, from)

	case protocol.TypeProtoSyncResponse:
		var resp protocol.SyncResponse
		if err := env.DecodePayload(&resp); err != nil {
			pm.logger.Warn("malformed sync response", "from", from, "error", err)
			return
		}
		pm.touch(from)
		pm.handleSyncResponse(from, resp)

	case protocol.TypeProtoUpdateAck:
		var ack protocol.UpdateAck
		if err := env.DecodePayload(&ack); err != nil {
			pm.logger.Warn("malformed update ack", "from", from, "error", err)
			return
		}
		pm.touch(from)
		pm.handleAck(from, ack)

	default:
		pm.logger.Debug("unknown protocol message type", "type", env.Type, "from", from)
	}
}

// applyGate records the sender's sequence number and reports whether the
// update should be applied. Stale updates are dropped but the caller still
// acknowledges them. A sequence gap triggers a sync request.
func (pm *ProtocolManager) applyGate(ctx context.Context, from string, seq uint64) bool {
	pm.mu.Lock()
	st := pm.neighbors[from]
	if st == nil {
		st = &neighborState{status: NeighborAlive, lastSeen: time.Now()}
		pm.neighbors[from] = st
	}
	last := st.lastSeq
	stale := seq <= last
	gap := last != 0 && seq > last+1
	if !stale {
		st.lastSeq = seq
	}
	pm.mu.Unlock()

	if stale {
		pm.logger.Debug("stale routing update dropped", "from", from, "seq", seq, "last_seq", last)
		return false
	}
	if gap {
		pm.sendSyncRequest(ctx, from, last)
	}
	return true
}

func (pm *ProtocolManager) handleFullUpdate(ctx context.Context, from string, upd protocol.FullUpdate) {
	apply := pm.applyGate(ctx, from, upd.Seq)
	if apply {
		// A full update supersedes everything previously learned from
		// this neighbor.
		for _, dest := range pm.router.table.Destinations() {
			pm.router.table.RemoveRoutesVia(dest, from)
		}
		pm.router.applySummaries(from, upd.Routes)
	}
	pm.sendAck(ctx, from, upd.Seq)
}

func (pm *ProtocolManager) handleIncrementalUpdate(ctx context.Context, from string, upd protocol.IncrementalUpdate) {
	apply := pm.applyGate(ctx, from, upd.Seq)
	if apply {
		pm.router.applySummaries(from, upd.Added)
		for _, dest := range upd.Removed {
			pm.router.table.RemoveRoutesVia(dest, from)
		}
	}
	pm.sendAck(ctx, from, upd.Seq)
}

func (pm *ProtocolManager) handleSyncResponse(from string, resp protocol.SyncResponse) {
	pm.mu.Lock()
	if st := pm.neighbors[from]; st != nil && resp.Seq > st.lastSeq {
		st.lastSeq = resp.Seq
	}
	pm.mu.Unlock()
	pm.router.applySummaries(from, resp.Routes)
}

func (pm *ProtocolManager) handleAck(from string, ack protocol.UpdateAck) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pu := pm.pending[ack.AckedSeq]
	if pu == nil {
		return
	}
	delete(pu.waiting, from)
	if len(pu.waiting) == 0 {
		delete(pm.pending, ack.AckedSeq)
	}
}

func (pm *ProtocolManager) sendAck(ctx context.Context, to string, ackedSeq uint64) {
	ack := protocol.UpdateAck{
		Source:    pm.localID,
		Seq:       pm.msgSeq.Add(1),
		AckedSeq:  ackedSeq,
		Timestamp: protocol.NowMillis(),
	}
	pm.sendTo(ctx, to, protocol.TypeProtoUpdateAck, ack)
}

func (pm *ProtocolManager) sendSyncRequest(ctx context.Context, to string, lastKnown uint64) {
	req := protocol.SyncRequest{
		Source:       pm.localID,
		Seq:          pm.msgSeq.Add(1),
		LastKnownSeq: lastKnown,
		Timestamp:    protocol.NowMillis(),
	}
	pm.sendTo(ctx, to, protocol.TypeProtoSyncRequest, req)
}

func (pm *ProtocolManager) sendSyncResponse(ctx context.Context, to string) {
	resp := protocol.SyncResponse{
		Source:    pm.localID,
		Seq:       pm.updateSeq.Load(),
		Routes:    pm.summaries(),
		Timestamp: protocol.NowMillis(),
	}
	pm.sendTo(ctx, to, protocol.TypeProtoSyncResponse, resp)
}

// SendHeartbeats broadcasts a liveness beacon to every tracked neighbor.
func (pm *ProtocolManager) SendHeartbeats(ctx context.Context) {
	hb := protocol.Heartbeat{
		Source:    pm.localID,
		Seq:       pm.msgSeq.Add(1),
		Timestamp: protocol.NowMillis(),
	}
	for _, peer := range pm.AliveNeighbors() {
		pm.sendTo(ctx, peer, protocol.TypeProtoHeartbeat, hb)
	}
}

// SendFullUpdate broadcasts the complete best-route set to all neighbors.
// With reliable delivery on, the update is retried until acknowledged or
// the retry budget runs out.
func (pm *ProtocolManager) SendFullUpdate(ctx context.Context) {
	neighbors := pm.AliveNeighbors()
	if len(neighbors) == 0 {
		return
	}
	upd := protocol.FullUpdate{
		Source:    pm.localID,
		Seq:       pm.updateSeq.Add(1),
		Routes:    pm.summaries(),
		Timestamp: protocol.NowMillis(),
	}
	pm.sendReliable(ctx, neighbors, protocol.TypeProtoFullUpdate, upd.Seq, upd)
}

// SendIncrementalUpdate broadcasts route additions and removals.
func (pm *ProtocolManager) SendIncrementalUpdate(ctx context.Context, added []Summary, removed []string) {
	neighbors := pm.AliveNeighbors()
	if len(neighbors) == 0 || (len(added) == 0 && len(removed) == 0) {
		return
	}
	upd := protocol.IncrementalUpdate{
		Source:    pm.localID,
		Seq:       pm.updateSeq.Add(1),
		Added:     toWireSummaries(added),
		Removed:   removed,
		Timestamp: protocol.NowMillis(),
	}
	pm.sendReliable(ctx, neighbors, protocol.TypeProtoIncrementalUpdate, upd.Seq, upd)
}

func (pm *ProtocolManager) sendReliable(ctx context.Context, neighbors []string, msgType string, seq uint64, payload any) {
	if pm.cfg.ReliableDelivery {
		waiting := make(map[string]struct{}, len(neighbors))
		for _, peer := range neighbors {
			waiting[peer] = struct{}{}
		}
		pm.mu.Lock()
		pm.pending[seq] = &pendingUpdate{
			msgType:  msgType,
			payload:  payload,
			waiting:  waiting,
			deadline: time.Now().Add(pm.cfg.AckTimeout),
		}
		pm.mu.Unlock()
	}
	for _, peer := range neighbors {
		pm.sendTo(ctx, peer, msgType, payload)
	}
}

// retryPending retransmits unacknowledged updates and abandons those past
// the retry budget.
func (pm *ProtocolManager) retryPending(ctx context.Context) {
	now := time.Now()

	type resend struct {
		msgType string
		payload any
		peers   []string
	}
	var resends []resend

	pm.mu.Lock()
	for seq, pu := range pm.pending {
		if now.Before(pu.deadline) {
			continue
		}
		if pu.retries >= pm.cfg.MaxRetries {
			pm.logger.Warn("routing update abandoned after retries",
				"seq", seq, "type", pu.msgType, "unacked", len(pu.waiting))
			delete(pm.pending, seq)
			continue
		}
		pu.retries++
		pu.deadline = now.Add(pm.cfg.AckTimeout)
		peers := make([]string, 0, len(pu.waiting))
		for peer := range pu.waiting {
			peers = append(peers, peer)
		}
		resends = append(resends, resend{msgType: pu.msgType, payload: pu.payload, peers: peers})
	}
	pm.mu.Unlock()

	for _, rs := range resends {
		for _, peer := range rs.peers {
			pm.sendTo(ctx, peer, rs.msgType, rs.payload)
		}
	}
}

// scanFailures walks the neighbor set looking for stale peers. A neighbor
// silent for more than twice the heartbeat interval is marked suspect; after
// MaxMissedHeartbeats consecutive stale scans it is declared dead, its
// routes are dropped, and the death event fires.
func (pm *ProtocolManager) scanFailures() {
	staleAfter := 2 * pm.cfg.HeartbeatInterval
	now := time.Now()

	var dead []string
	pm.mu.Lock()
	for peer, st := range pm.neighbors {
		if now.Sub(st.lastSeen) <= staleAfter {
			continue
		}
		st.missed++
		st.status = NeighborSuspect
		if st.missed >= pm.cfg.MaxMissedHeartbeats {
			st.status = NeighborDead
			dead = append(dead, peer)
		}
	}
	for _, peer := range dead {
		delete(pm.neighbors, peer)
	}
	pm.mu.Unlock()

	for _, peer := range dead {
		removed := pm.router.table.RemoveRoutesThrough(peer)
		pm.logger.Info("neighbor declared dead", "peer", peer, "routes_removed", removed)
		if pm.events.OnNeighborDead != nil {
			pm.events.OnNeighborDead(peer)
		}
	}
}

func (pm *ProtocolManager) summaries() []protocol.RouteSummary {
	return toWireSummaries(pm.router.table.BestSummaries())
}

func toWireSummaries(in []Summary) []protocol.RouteSummary {
	out := make([]protocol.RouteSummary, len(in))
	for i, s := range in {
		out[i] = protocol.RouteSummary{
			Dest:       s.Dest,
			HopCount:   uint8(s.HopCount),
			Cost:       s.Cost,
			TrustScore: s.TrustScore,
		}
	}
	return out
}

func (pm *ProtocolManager) sendTo(ctx context.Context, peer, msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		pm.logger.Warn("encode protocol message", "type", msgType, "error", err)
		return
	}
	env.From = pm.localID
	env.To = peer
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := pm.conns.Send(ctx, peer, raw); err != nil {
		pm.logger.Debug("protocol send failed", "peer", peer, "type", msgType, "error", err)
	}
}

// Run drives the protocol loops: heartbeats, periodic full updates, ack
// retries, and failure detection. It returns when ctx is cancelled.
func (pm *ProtocolManager) Run(ctx context.Context) {
	heartbeat := time.NewTicker(pm.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	full := time.NewTicker(pm.cfg.FullUpdateInterval)
	defer full.Stop()
	retry := time.NewTicker(pm.cfg.AckTimeout)
	defer retry.Stop()
	scan := time.NewTicker(pm.cfg.FailureCheckInterval)
	defer scan.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			pm.SendHeartbeats(ctx)
		case <-full.C:
			pm.SendFullUpdate(ctx)
		case <-retry.C:
			pm.retryPending(ctx)
		case <-scan.C:
			pm.scanFailures()
		}
	}
}
