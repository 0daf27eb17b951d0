package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/meshlink/pkg/protocol"
)

func newTestProtocolManager(localID string, conns *fakeConns, mutate func(*ProtocolConfig)) (*ProtocolManager, *Router) {
	cfg := DefaultProtocolConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	r := newTestRouter(localID, conns, nil)
	return NewProtocolManager(localID, cfg, r, conns, nil), r
}

func TestProtocolManager_NeighborLifecycle(t *testing.T) {
	conns := newFakeConns("b")
	pm, _ := newTestProtocolManager("a", conns, nil)

	assert.Equal(t, NeighborUnknown, pm.NeighborStatusOf("b"))

	var alive string
	pm.SetEvents(ProtocolEvents{OnNeighborAlive: func(peer string) { alive = peer }})

	pm.ObserveNeighbor("b")
	assert.Equal(t, NeighborAlive, pm.NeighborStatusOf("b"))
	assert.Equal(t, "b", alive)
	assert.Equal(t, []string{"b"}, pm.AliveNeighbors())

	pm.ForgetNeighbor("b")
	assert.Equal(t, NeighborUnknown, pm.NeighborStatusOf("b"))
	assert.Empty(t, pm.AliveNeighbors())
}

func TestProtocolManager_HeartbeatRefreshesLiveness(t *testing.T) {
	conns := newFakeConns("b")
	pm, _ := newTestProtocolManager("a", conns, nil)

	hb := protocol.Heartbeat{Source: "b", Seq: 1, Timestamp: protocol.NowMillis()}
	pm.HandleEnvelope(context.Background(), envelopeFrom(t, "b", protocol.TypeProtoHeartbeat, hb))

	assert.Equal(t, NeighborAlive, pm.NeighborStatusOf("b"))
	// Heartbeats are never acknowledged.
	assert.Empty(t, conns.ofType(protocol.TypeProtoUpdateAck))
}

func TestProtocolManager_SendHeartbeats(t *testing.T) {
	conns := newFakeConns("b", "c")
	pm, _ := newTestProtocolManager("a", conns, nil)
	pm.ObserveNeighbor("b")
	pm.ObserveNeighbor("c")

	pm.SendHeartbeats(context.Background())

	sent := conns.ofType(protocol.TypeProtoHeartbeat)
	require.Len(t, sent, 2)
	var hb protocol.Heartbeat
	require.NoError(t, sent[0].env.DecodePayload(&hb))
	assert.Equal(t, "a", hb.Source)
}

func TestProtocolManager_FullUpdateAppliesAndAcks(t *testing.T) {
	conns := newFakeConns("b")
	pm, r := newTestProtocolManager("a", conns, nil)
	r.AddTrustedPeer("b")

	upd := protocol.FullUpdate{
		Source: "b", Seq: 5,
		Routes:    []protocol.RouteSummary{{Dest: "c", HopCount: 2, Cost: 5, TrustScore: 70}},
		Timestamp: protocol.NowMillis(),
	}
	pm.HandleEnvelope(context.Background(), envelopeFrom(t, "b", protocol.TypeProtoFullUpdate, upd))

	route, ok := r.Table().BestRoute("c")
	require.True(t, ok)
	assert.Equal(t, []string{"b", "c"}, route.Hops)

	acks := conns.ofType(protocol.TypeProtoUpdateAck)
	require.Len(t, acks, 1)
	var ack protocol.UpdateAck
	require.NoError(t, acks[0].env.DecodePayload(&ack))
	assert.Equal(t, uint64(5), ack.AckedSeq)
}

func TestProtocolManager_StaleUpdateDroppedButAcked(t *testing.T) {
	conns := newFakeConns("b")
	pm, r := newTestProtocolManager("a", conns, nil)
	r.AddTrustedPeer("b")

	fresh := protocol.FullUpdate{
		Source: "b", Seq: 5,
		Routes:    []protocol.RouteSummary{{Dest: "c", HopCount: 2, Cost: 5, TrustScore: 70}},
		Timestamp: protocol.NowMillis(),
	}
	pm.HandleEnvelope(context.Background(), envelopeFrom(t, "b", protocol.TypeProtoFullUpdate, fresh))
	conns.reset()

	// An older sequence must not disturb the table, but the sender still
	// gets an ack so it stops retrying.
	stale := protocol.FullUpdate{
		Source: "b", Seq: 4,
		Routes:    []protocol.RouteSummary{{Dest: "d", HopCount: 2, Cost: 5, TrustScore: 70}},
		Timestamp: protocol.NowMillis(),
	}
	pm.HandleEnvelope(context.Background(), envelopeFrom(t, "b", protocol.TypeProtoFullUpdate, stale))

	_, ok := r.Table().BestRoute("d")
	assert.False(t, ok)
	_, ok = r.Table().BestRoute("c")
	assert.True(t, ok, "previously applied routes survive a stale update")

	acks := conns.ofType(protocol.TypeProtoUpdateAck)
	require.Len(t, acks, 1)
	var ack protocol.UpdateAck
	require.NoError(t, acks[0].env.DecodePayload(&ack))
	assert.Equal(t, uint64(4), ack.AckedSeq)
}

func TestProtocolManager_FullUpdateSupersedesNeighborRoutes(t *testing.T) {
	conns := newFakeConns("b")
	pm, r := newTestProtocolManager("a", conns, nil)
	r.AddTrustedPeer("b")

	first := protocol.FullUpdate{
		Source: "b", Seq: 1,
		Routes:    []protocol.RouteSummary{{Dest: "c", HopCount: 2, Cost: 5, TrustScore: 70}},
		Timestamp: protocol.NowMillis(),
	}
	pm.HandleEnvelope(context.Background(), envelopeFrom(t, "b", protocol.TypeProtoFullUpdate, first))

	second := protocol.FullUpdate{
		Source: "b", Seq: 2,
		Routes:    []protocol.RouteSummary{{Dest: "d", HopCount: 2, Cost: 5, TrustScore: 70}},
		Timestamp: protocol.NowMillis(),
	}
	pm.HandleEnvelope(context.Background(), envelopeFrom(t, "b", protocol.TypeProtoFullUpdate, second))

	_, ok := r.Table().BestRoute("c")
	assert.False(t, ok, "full update replaces everything learned from the neighbor")
	_, ok = r.Table().BestRoute("d")
	assert.True(t, ok)
}

func TestProtocolManager_IncrementalUpdate(t *testing.T) {
	conns := newFakeConns("b")
	pm, r := newTestProtocolManager("a", conns, nil)
	r.AddTrustedPeer("b")

	full := protocol.FullUpdate{
		Source: "b", Seq: 1,
		Routes:    []protocol.RouteSummary{{Dest: "c", HopCount: 2, Cost: 5, TrustScore: 70}},
		Timestamp: protocol.NowMillis(),
	}
	pm.HandleEnvelope(context.Background(), envelopeFrom(t, "b", protocol.TypeProtoFullUpdate, full))

	inc := protocol.IncrementalUpdate{
		Source: "b", Seq: 2,
		Added:     []protocol.RouteSummary{{Dest: "d", HopCount: 2, Cost: 5, TrustScore: 70}},
		Removed:   []string{"c"},
		Timestamp: protocol.NowMillis(),
	}
	pm.HandleEnvelope(context.Background(), envelopeFrom(t, "b", protocol.TypeProtoIncrementalUpdate, inc))

	_, ok := r.Table().BestRoute("c")
	assert.False(t, ok)
	_, ok = r.Table().BestRoute("d")
	assert.True(t, ok)
}

func TestProtocolManager_SequenceGapTriggersSync(t *testing.T) {
	conns := newFakeConns("b")
	pm, r := newTestProtocolManager("a", conns, nil)
	r.AddTrustedPeer("b")

	first := protocol.FullUpdate{Source: "b", Seq: 1, Timestamp: protocol.NowMillis()}
	pm.HandleEnvelope(context.Background(), envelopeFrom(t, "b", protocol.TypeProtoFullUpdate, first))
	conns.reset()

	// Seq jumps from 1 to 5: the update still applies, plus a sync request.
	gap := protocol.FullUpdate{
		Source: "b", Seq: 5,
		Routes:    []protocol.RouteSummary{{Dest: "c", HopCount: 2, Cost: 5, TrustScore: 70}},
		Timestamp: protocol.NowMillis(),
	}
	pm.HandleEnvelope(context.Background(), envelopeFrom(t, "b", protocol.TypeProtoFullUpdate, gap))

	_, ok := r.Table().BestRoute("c")
	assert.True(t, ok)

	syncs := conns.ofType(protocol.TypeProtoSyncRequest)
	require.Len(t, syncs, 1)
	var req protocol.SyncRequest
	require.NoError(t, syncs[0].env.DecodePayload(&req))
	assert.Equal(t, uint64(1), req.LastKnownSeq)
}

func TestProtocolManager_InterleavedTrafficKeepsUpdatesContiguous(t *testing.T) {
	ctx := context.Background()

	senderConns := newFakeConns("a")
	sender, _ := newTestProtocolManager("b", senderConns, func(cfg *ProtocolConfig) {
		cfg.ReliableDelivery = false
	})
	sender.ObserveNeighbor("a")

	recvConns := newFakeConns("b")
	recv, r := newTestProtocolManager("a", recvConns, nil)
	r.AddTrustedPeer("b")

	// Heartbeats and acks between updates number themselves on a separate
	// stream, so back-to-back updates arrive with adjacent sequence numbers.
	sender.SendHeartbeats(ctx)
	sender.SendFullUpdate(ctx)
	sender.sendAck(ctx, "a", 1)
	sender.SendHeartbeats(ctx)
	sender.SendFullUpdate(ctx)
	sender.SendIncrementalUpdate(ctx,
		[]Summary{{Dest: "c", HopCount: 2, Cost: 15, TrustScore: 80}}, nil)

	updates := senderConns.ofType(protocol.TypeProtoFullUpdate)
	require.Len(t, updates, 2)
	var first, second protocol.FullUpdate
	require.NoError(t, updates[0].env.DecodePayload(&first))
	require.NoError(t, updates[1].env.DecodePayload(&second))
	assert.Equal(t, first.Seq+1, second.Seq)

	for _, rec := range updates {
		recv.HandleEnvelope(ctx, rec.env)
	}
	for _, rec := range senderConns.ofType(protocol.TypeProtoIncrementalUpdate) {
		recv.HandleEnvelope(ctx, rec.env)
	}

	assert.Empty(t, recvConns.ofType(protocol.TypeProtoSyncRequest),
		"a gapless update stream never asks for a resync")
	assert.Len(t, recvConns.ofType(protocol.TypeProtoUpdateAck), 3)
}

func TestProtocolManager_SyncRequestAnsweredWithFullRoutes(t *testing.T) {
	conns := newFakeConns("b")
	pm, r := newTestProtocolManager("a", conns, nil)
	r.AddTrustedPeer("x")
	require.NoError(t, r.Table().AddRoute("c", Route{Hops: []string{"x", "c"}, Cost: 20, TrustScore: 80}, DefaultUnknownMetrics()))

	req := protocol.SyncRequest{Source: "b", Seq: 1, LastKnownSeq: 0, Timestamp: protocol.NowMillis()}
	pm.HandleEnvelope(context.Background(), envelopeFrom(t, "b", protocol.TypeProtoSyncRequest, req))

	sent := conns.ofType(protocol.TypeProtoSyncResponse)
	require.Len(t, sent, 1)
	var resp protocol.SyncResponse
	require.NoError(t, sent[0].env.DecodePayload(&resp))
	require.Len(t, resp.Routes, 1)
	assert.Equal(t, "c", resp.Routes[0].Dest)
}

func TestProtocolManager_ReliableDeliveryRetriesUntilAcked(t *testing.T) {
	conns := newFakeConns("b")
	pm, _ := newTestProtocolManager("a", conns, nil)
	pm.ObserveNeighbor("b")

	pm.SendFullUpdate(context.Background())
	sent := conns.ofType(protocol.TypeProtoFullUpdate)
	require.Len(t, sent, 1)
	var upd protocol.FullUpdate
	require.NoError(t, sent[0].env.DecodePayload(&upd))

	// Past the ack deadline the update is retransmitted.
	time.Sleep(30 * time.Millisecond)
	pm.retryPending(context.Background())
	assert.Len(t, conns.ofType(protocol.TypeProtoFullUpdate), 2)

	// An ack clears the pending entry and stops further retries.
	ack := protocol.UpdateAck{Source: "b", Seq: 1, AckedSeq: upd.Seq, Timestamp: protocol.NowMillis()}
	pm.HandleEnvelope(context.Background(), envelopeFrom(t, "b", protocol.TypeProtoUpdateAck, ack))

	time.Sleep(30 * time.Millisecond)
	pm.retryPending(context.Background())
	assert.Len(t, conns.ofType(protocol.TypeProtoFullUpdate), 2)
}

func TestProtocolManager_AbandonsAfterMaxRetries(t *testing.T) {
	conns := newFakeConns("b")
	pm, _ := newTestProtocolManager("a", conns, func(cfg *ProtocolConfig) {
		cfg.AckTimeout = time.Millisecond
		cfg.MaxRetries = 2
	})
	pm.ObserveNeighbor("b")

	pm.SendFullUpdate(context.Background())
	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond)
		pm.retryPending(context.Background())
	}

	// Initial send plus MaxRetries retransmissions, then the update is
	// abandoned.
	assert.Len(t, conns.ofType(protocol.TypeProtoFullUpdate), 3)
	pm.mu.Lock()
	assert.Empty(t, pm.pending)
	pm.mu.Unlock()
}

func TestProtocolManager_DeadNeighborRemovesRoutes(t *testing.T) {
	conns := newFakeConns("b")
	pm, r := newTestProtocolManager("a", conns, func(cfg *ProtocolConfig) {
		cfg.MaxMissedHeartbeats = 2
	})
	r.AddTrustedPeer("b")
	require.NoError(t, r.Table().AddRoute("c", Route{Hops: []string{"b", "c"}, Cost: 20}, DefaultUnknownMetrics()))

	var dead string
	pm.SetEvents(ProtocolEvents{OnNeighborDead: func(peer string) { dead = peer }})

	pm.ObserveNeighbor("b")
	pm.mu.Lock()
	pm.neighbors["b"].lastSeen = time.Now().Add(-time.Hour)
	pm.mu.Unlock()

	pm.scanFailures()
	assert.Equal(t, NeighborSuspect, pm.NeighborStatusOf("b"))
	assert.Contains(t, pm.AliveNeighbors(), "b", "suspects still receive traffic")

	pm.scanFailures()
	assert.Equal(t, NeighborUnknown, pm.NeighborStatusOf("b"))
	assert.Equal(t, "b", dead)
	_, ok := r.Table().BestRoute("c")
	assert.False(t, ok, "routes through a dead neighbor are dropped")
}

func TestProtocolManager_SendIncrementalUpdate(t *testing.T) {
	conns := newFakeConns("b")
	pm, _ := newTestProtocolManager("a", conns, func(cfg *ProtocolConfig) {
		cfg.ReliableDelivery = false
	})
	pm.ObserveNeighbor("b")

	pm.SendIncrementalUpdate(context.Background(),
		[]Summary{{Dest: "c", HopCount: 2, Cost: 15, TrustScore: 80}},
		[]string{"d"})

	sent := conns.ofType(protocol.TypeProtoIncrementalUpdate)
	require.Len(t, sent, 1)
	var upd protocol.IncrementalUpdate
	require.NoError(t, sent[0].env.DecodePayload(&upd))
	require.Len(t, upd.Added, 1)
	assert.Equal(t, "c", upd.Added[0].Dest)
	assert.Equal(t, []string{"d"}, upd.Removed)

	pm.mu.Lock()
	assert.Empty(t, pm.pending, "unreliable sends are not tracked")
	pm.mu.Unlock()
}
