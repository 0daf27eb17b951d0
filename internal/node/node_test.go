package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/meshlink/internal/mesh"
	"github.com/sheerbytes/meshlink/internal/transport"
)

type inbox struct {
	mu       sync.Mutex
	messages []inboxEntry
}

type inboxEntry struct {
	source string
	data   string
}

func (in *inbox) add(source string, data []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.messages = append(in.messages, inboxEntry{source: source, data: string(data)})
}

func (in *inbox) snapshot() []inboxEntry {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]inboxEntry(nil), in.messages...)
}

func newTestNode(t *testing.T, ctx context.Context, net *transport.InProcNetwork, id string, mutate func(*Options)) (*Node, *inbox) {
	t.Helper()

	meshCfg := mesh.DefaultConfig()
	meshCfg.EnableHopEncryption = false
	meshCfg.RouteDiscoveryTimeout = 2 * time.Second

	opts := Options{
		ID:        id,
		NetworkID: "testnet",
		Mesh:      meshCfg,
		Protocol:  mesh.DefaultProtocolConfig(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	n, err := New(opts)
	require.NoError(t, err)

	in := &inbox{}
	n.SetEvents(Events{OnMessage: in.add})
	n.RegisterTransport(net.Attach(id))
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() { _ = n.Close() })
	return n, in
}

func TestNew_RequiresID(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestNode_DirectMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	net := transport.NewInProcNetwork()

	a, _ := newTestNode(t, ctx, net, "a", nil)
	_, inboxB := newTestNode(t, ctx, net, "b", nil)

	require.NoError(t, a.Connect(ctx, transport.NewPeerAddress("b")))
	require.Eventually(t, func() bool { return a.HasPeer("b") }, time.Second, 10*time.Millisecond)

	require.NoError(t, a.RouteToPeer(ctx, "b", []byte("hello")))

	require.Eventually(t, func() bool {
		return len(inboxB.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := inboxB.snapshot()[0]
	assert.Equal(t, "a", got.source)
	assert.Equal(t, "hello", got.data)
}

func TestNode_SelfDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	net := transport.NewInProcNetwork()

	a, inboxA := newTestNode(t, ctx, net, "a", nil)
	require.NoError(t, a.RouteToPeer(ctx, "a", []byte("note to self")))

	got := inboxA.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].source)
}

func TestNode_MultiHopRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	net := transport.NewInProcNetwork()

	a, _ := newTestNode(t, ctx, net, "a", nil)
	b, _ := newTestNode(t, ctx, net, "b", nil)
	_, inboxC := newTestNode(t, ctx, net, "c", nil)

	require.NoError(t, a.Connect(ctx, transport.NewPeerAddress("b")))
	require.NoError(t, b.Connect(ctx, transport.NewPeerAddress("c")))
	require.Eventually(t, func() bool {
		return a.HasPeer("b") && b.HasPeer("c")
	}, time.Second, 10*time.Millisecond)

	// The relay must be trusted before a multi-hop route through it is
	// accepted.
	a.AddTrustedPeer("b")

	// No connection a->c exists, so this discovers the route through b and
	// relays the payload hop by hop.
	require.NoError(t, a.RouteToPeer(ctx, "c", []byte("relayed")))

	require.Eventually(t, func() bool {
		return len(inboxC.snapshot()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	got := inboxC.snapshot()[0]
	assert.Equal(t, "a", got.source)
	assert.Equal(t, "relayed", got.data)

	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.Router.DiscoveriesResolved)
	assert.GreaterOrEqual(t, stats.Routes, 1)
}

func TestNode_EncryptedMultiHopRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	net := transport.NewInProcNetwork()

	encrypted := func(opts *Options) { opts.Mesh.EnableHopEncryption = true }
	a, _ := newTestNode(t, ctx, net, "a", encrypted)
	b, _ := newTestNode(t, ctx, net, "b", encrypted)
	c, inboxC := newTestNode(t, ctx, net, "c", encrypted)

	keyAB := make([]byte, 32)
	keyBC := make([]byte, 32)
	for i := range keyBC {
		keyAB[i] = byte(i)
		keyBC[i] = byte(255 - i)
	}
	require.NoError(t, a.SetHopEncryptionKey("b", keyAB))
	require.NoError(t, b.SetHopEncryptionKey("a", keyAB))
	require.NoError(t, b.SetHopEncryptionKey("c", keyBC))
	require.NoError(t, c.SetHopEncryptionKey("b", keyBC))

	require.NoError(t, a.Connect(ctx, transport.NewPeerAddress("b")))
	require.NoError(t, b.Connect(ctx, transport.NewPeerAddress("c")))
	require.Eventually(t, func() bool {
		return a.HasPeer("b") && b.HasPeer("c")
	}, time.Second, 10*time.Millisecond)

	a.AddTrustedPeer("b")
	require.NoError(t, a.RouteToPeer(ctx, "c", []byte("sealed cargo")))

	require.Eventually(t, func() bool {
		return len(inboxC.snapshot()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "sealed cargo", inboxC.snapshot()[0].data)
}

func TestNode_PeerEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	net := transport.NewInProcNetwork()

	var mu sync.Mutex
	var connected, disconnected []string

	a, _ := newTestNode(t, ctx, net, "a", nil)
	b, err := New(Options{ID: "b", Mesh: mesh.DefaultConfig(), Protocol: mesh.DefaultProtocolConfig()})
	require.NoError(t, err)
	b.SetEvents(Events{
		OnPeerConnected: func(peer string) {
			mu.Lock()
			connected = append(connected, peer)
			mu.Unlock()
		},
		OnPeerDisconnected: func(peer string) {
			mu.Lock()
			disconnected = append(disconnected, peer)
			mu.Unlock()
		},
	})
	b.RegisterTransport(net.Attach("b"))
	require.NoError(t, b.Start(ctx))
	defer b.Close()

	require.NoError(t, a.Connect(ctx, transport.NewPeerAddress("b")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(connected) == 1 && connected[0] == "a"
	}, time.Second, 10*time.Millisecond)

	stats := b.Stats()
	assert.Equal(t, 1, stats.ActivePeers)
	assert.Contains(t, stats.Neighbors, "a")

	// Closing a tears down the shared pair; b notices on its next read.
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(disconnected) == 1 && disconnected[0] == "a"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNode_ListenUnknownProtocol(t *testing.T) {
	n, err := New(Options{ID: "a", Mesh: mesh.DefaultConfig(), Protocol: mesh.DefaultProtocolConfig()})
	require.NoError(t, err)
	err = n.Listen(context.Background(), "carrier-pigeon", ":0")
	assert.ErrorIs(t, err, transport.ErrNoTransport)
}
