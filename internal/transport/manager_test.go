package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingTransport always fails to connect; used to verify fallback.
type failingTransport struct {
	priority uint8
	caps     TransportCapabilities
	attempts int
}

func (f *failingTransport) Connect(ctx context.Context, addr *PeerAddress) (Connection, error) {
	f.attempts++
	return nil, errors.New("boom")
}
func (f *failingTransport) Listen(ctx context.Context, bind string) error    { return nil }
func (f *failingTransport) Accept(ctx context.Context) (Connection, error)   { return nil, ErrConnectionClosed }
func (f *failingTransport) Capabilities() TransportCapabilities              { return f.caps }
func (f *failingTransport) Priority() uint8                                  { return f.priority }
func (f *failingTransport) Protocol() string                                 { return "failing" }
func (f *failingTransport) Available() bool                                  { return true }
func (f *failingTransport) Close() error                                     { return nil }

func TestRegistry_PriorityOrder(t *testing.T) {
	reg := NewRegistry()
	net := NewInProcNetwork()
	low := net.Attach("peerA") // priority 10
	high := &failingTransport{priority: 90}

	reg.Register(low)
	reg.Register(high)

	transports := reg.Transports()
	require.Len(t, transports, 2)
	assert.Equal(t, "failing", transports[0].Protocol())
	assert.Equal(t, "inproc", transports[1].Protocol())

	got, ok := reg.ByProtocol("inproc")
	require.True(t, ok)
	assert.Equal(t, low, got)
}

func TestManager_FallsBackOnFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	net := NewInProcNetwork()
	ta := net.Attach("peerA")
	tb := net.Attach("peerB")
	go func() {
		conn, err := tb.Accept(ctx)
		if err == nil {
			defer conn.Close()
			// Keep the acceptor alive until the test ends.
			<-ctx.Done()
		}
	}()

	failing := &failingTransport{priority: 90, caps: WebRTCCapabilities()}
	reg := NewRegistry()
	reg.Register(failing)
	reg.Register(ta)

	m := NewManager(reg, nil)
	conn, err := m.Connect(ctx, NewPeerAddress("peerB"))
	require.NoError(t, err)
	assert.Equal(t, 1, failing.attempts, "highest-priority transport is tried first")
	assert.Equal(t, "inproc", conn.Info().Protocol)
	assert.True(t, m.HasPeer("peerB"))
}

func TestManager_RequirementsFilterTransports(t *testing.T) {
	ctx := context.Background()

	failing := &failingTransport{priority: 90, caps: TransportCapabilities{Reliable: false}}
	reg := NewRegistry()
	reg.Register(failing)

	m := NewManager(reg, nil)
	_, err := m.ConnectWith(ctx, NewPeerAddress("peerB"), Requirements{Reliable: true})
	assert.ErrorIs(t, err, ErrNoTransport)
	assert.Zero(t, failing.attempts, "unqualified transport is never dialed")
}

func TestManager_PrunesClosedConnections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	net := NewInProcNetwork()
	ta := net.Attach("peerA")
	tb := net.Attach("peerB")
	go func() {
		for {
			if _, err := tb.Accept(ctx); err != nil {
				return
			}
		}
	}()

	reg := NewRegistry()
	reg.Register(ta)
	m := NewManager(reg, nil)

	var closedPeer string
	m.SetEvents(ManagerEvents{OnConnectionClosed: func(peer string) { closedPeer = peer }})

	conn, err := m.Connect(ctx, NewPeerAddress("peerB"))
	require.NoError(t, err)
	require.True(t, m.HasPeer("peerB"))

	require.NoError(t, conn.Close())
	assert.Empty(t, m.Connections("peerB"))
	assert.False(t, m.HasPeer("peerB"))
	assert.Equal(t, "peerB", closedPeer)
}

func TestManager_SendNoConnection(t *testing.T) {
	m := NewManager(NewRegistry(), nil)
	err := m.Send(context.Background(), "peerX", []byte("x"))
	assert.ErrorIs(t, err, ErrNoConnection)
}
