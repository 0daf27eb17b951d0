package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcConnect_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	net := NewInProcNetwork()
	ta := net.Attach("peerA")
	tb := net.Attach("peerB")

	connA, err := ta.Connect(ctx, NewPeerAddress("peerB"))
	require.NoError(t, err)

	connB, err := tb.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, connA.Write(ctx, []byte("hello")))
	got, err := connB.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	// Both directions work.
	require.NoError(t, connB.Write(ctx, []byte("world")))
	got, err = connA.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)
}

func TestInProcConnect_UnknownPeer(t *testing.T) {
	ctx := context.Background()
	net := NewInProcNetwork()
	ta := net.Attach("peerA")

	_, err := ta.Connect(ctx, NewPeerAddress("nobody"))
	assert.ErrorIs(t, err, ErrUnsupportedAddress)
}

func TestInProcConn_CloseDisconnectsBothSides(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	net := NewInProcNetwork()
	ta := net.Attach("peerA")
	tb := net.Attach("peerB")

	connA, err := ta.Connect(ctx, NewPeerAddress("peerB"))
	require.NoError(t, err)
	connB, err := tb.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, connA.Close())
	assert.False(t, connA.IsConnected())
	assert.False(t, connB.IsConnected())

	_, err = connB.Read(ctx)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, connA.Write(ctx, []byte("x")), ErrConnectionClosed)
}

func TestInProcConn_InfoCounters(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	net := NewInProcNetwork()
	ta := net.Attach("peerA")
	tb := net.Attach("peerB")

	connA, err := ta.Connect(ctx, NewPeerAddress("peerB"))
	require.NoError(t, err)
	connB, err := tb.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, connA.Write(ctx, []byte("12345")))
	_, err = connB.Read(ctx)
	require.NoError(t, err)

	infoA := connA.Info()
	infoB := connB.Info()
	assert.Equal(t, "peerB", infoA.PeerID)
	assert.Equal(t, "peerA", infoB.PeerID)
	assert.Equal(t, uint64(5), infoA.BytesSent)
	assert.Equal(t, uint64(5), infoB.BytesRecv)
	assert.Equal(t, "inproc", infoA.Protocol)
	assert.False(t, infoA.EstablishedAt.IsZero())
}
