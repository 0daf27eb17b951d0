package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/meshlink/pkg/protocol"
)

// startRendezvousServer accepts WebSocket upgrades and drains inbound
// messages until the client goes away. closeAfterHello makes the server drop
// the connection right after the first message, simulating a server-side
// disconnect.
func startRendezvousServer(t *testing.T, closeAfterHello bool) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			if closeAfterHello {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_CloseDuringConcurrentSends(t *testing.T) {
	url := startRendezvousServer(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, "net-1", "peer-a", nil)
	require.NoError(t, err)

	// Trickle candidates are fired from ICE agent callbacks on their own
	// goroutines, so sends race Close on every teardown.
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				_ = c.SendCandidate(ctx, "peer-b", protocol.ICECandidate{Candidate: "cand"})
			}
		}()
	}
	close(start)
	time.Sleep(time.Millisecond)
	_ = c.Close()
	wg.Wait()

	assert.ErrorIs(t, c.SendCandidate(ctx, "peer-b", protocol.ICECandidate{}), ErrClosed)
}

func TestClient_ServerDisconnectRejectsLaterSends(t *testing.T) {
	url := startRendezvousServer(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, "net-1", "peer-a", nil)
	require.NoError(t, err)
	defer c.Close()

	// The read loop notices the drop and closes the client; sends from then
	// on fail cleanly instead of blocking or panicking.
	require.Eventually(t, func() bool {
		return errors.Is(c.SendCandidate(ctx, "peer-b", protocol.ICECandidate{}), ErrClosed)
	}, 3*time.Second, 20*time.Millisecond)
}
