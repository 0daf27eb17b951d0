package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/meshlink/pkg/protocol"
)

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Client is a signaling Handler backed by a WebSocket connection to a
// rendezvous server. The server forwards envelopes between peers in the
// same network by their To field.
type Client struct {
	peerID string
	conn   *websocket.Conn
	logger *slog.Logger

	sendChan chan protocol.Envelope
	done     chan struct{}
	writeMu  sync.Mutex

	offers chan InboundOffer

	mu         sync.Mutex
	pending    map[string]chan protocol.Answer // answer waiters by msg_id
	candidates map[string]chan protocol.ICECandidate
	peers      map[string]protocol.PeerInfo

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Handler = (*Client)(nil)

// Dial connects to the rendezvous server, announces the local peer, and
// starts the read and write loops. serverURL is the base WebSocket URL;
// the network and peer identifiers travel as query parameters.
func Dial(ctx context.Context, serverURL, networkID, peerID string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("network", networkID)
	q.Set("peer", peerID)
	u.RawQuery = q.Encode()

	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &Client{
		peerID:     peerID,
		conn:       conn,
		logger:     logger,
		sendChan:   make(chan protocol.Envelope, 256),
		done:       make(chan struct{}),
		offers:     make(chan InboundOffer, 16),
		pending:    make(map[string]chan protocol.Answer),
		candidates: make(map[string]chan protocol.ICECandidate),
		peers:      make(map[string]protocol.PeerInfo),
		closed:     make(chan struct{}),
	}

	go c.writeLoop()
	go c.readLoop()

	hello, err := protocol.NewEnvelope(protocol.TypeHello, protocol.NewMsgID(), protocol.Hello{
		PeerID:    peerID,
		Protocols: []string{"webrtc"},
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	hello.From = peerID
	hello.NetworkID = networkID
	if err := c.send(hello); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// SendOffer forwards the offer through the server and blocks until the
// peer's answer comes back with the same message ID.
func (c *Client) SendOffer(ctx context.Context, peer string, offer protocol.Offer) (protocol.Answer, error) {
	msgID := protocol.NewMsgID()
	answerCh := make(chan protocol.Answer, 1)

	c.mu.Lock()
	c.pending[msgID] = answerCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msgID)
		c.mu.Unlock()
	}()

	env, err := protocol.NewEnvelope(protocol.TypeSignalOffer, msgID, offer)
	if err != nil {
		return protocol.Answer{}, err
	}
	env.From = c.peerID
	env.To = peer
	if err := c.send(env); err != nil {
		return protocol.Answer{}, err
	}

	select {
	case answer := <-answerCh:
		return answer, nil
	case <-c.closed:
		return protocol.Answer{}, ErrClosed
	case <-ctx.Done():
		return protocol.Answer{}, ctx.Err()
	}
}

// SendCandidate forwards one trickle ICE candidate to the peer.
func (c *Client) SendCandidate(ctx context.Context, peer string, cand protocol.ICECandidate) error {
	env, err := protocol.NewEnvelope(protocol.TypeSignalCandidate, protocol.NewMsgID(), cand)
	if err != nil {
		return err
	}
	env.From = c.peerID
	env.To = peer
	return c.send(env)
}

// Candidates streams candidates received from the peer.
func (c *Client) Candidates(peer string) <-chan protocol.ICECandidate {
	return c.candidateChan(peer)
}

// Offers streams inbound offers forwarded by the server.
func (c *Client) Offers() <-chan InboundOffer { return c.offers }

// Peers returns the peers the server has announced for this network.
func (c *Client) Peers() []protocol.PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.PeerInfo, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

func (c *Client) candidateChan(peer string) chan protocol.ICECandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.candidates[peer]
	if !ok {
		ch = make(chan protocol.ICECandidate, 32)
		c.candidates[peer] = ch
	}
	return ch
}

func (c *Client) readLoop() {
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.closed:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("signaling read error", "error", err)
			}
			_ = c.Close()
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid JSON envelope from signaling server", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSignalOffer:
		var offer protocol.Offer
		if err := env.DecodePayload(&offer); err != nil {
			c.logger.Warn("malformed offer", "from", env.From, "error", err)
			return
		}
		from, msgID := env.From, env.MsgID
		inbound := InboundOffer{
			Peer:  from,
			Offer: offer,
			Reply: func(_ context.Context, answer protocol.Answer) error {
				// The answer reuses the offer's message ID so the
				// offerer can correlate it.
				reply, err := protocol.NewEnvelope(protocol.TypeSignalAnswer, msgID, answer)
				if err != nil {
					return err
				}
				reply.From = c.peerID
				reply.To = from
				return c.send(reply)
			},
		}
		select {
		case c.offers <- inbound:
		default:
			c.logger.Warn("offer queue full, dropping offer", "from", from)
		}

	case protocol.TypeSignalAnswer:
		var answer protocol.Answer
		if err := env.DecodePayload(&answer); err != nil {
			c.logger.Warn("malformed answer", "from", env.From, "error", err)
			return
		}
		c.mu.Lock()
		ch := c.pending[env.MsgID]
		c.mu.Unlock()
		if ch == nil {
			c.logger.Debug("answer without matching offer", "msg_id", env.MsgID, "from", env.From)
			return
		}
		select {
		case ch <- answer:
		default:
		}

	case protocol.TypeSignalCandidate:
		var cand protocol.ICECandidate
		if err := env.DecodePayload(&cand); err != nil {
			c.logger.Warn("malformed candidate", "from", env.From, "error", err)
			return
		}
		select {
		case c.candidateChan(env.From) <- cand:
		default:
			c.logger.Debug("candidate queue full", "from", env.From)
		}

	case protocol.TypePeerList:
		var list protocol.PeerList
		if err := env.DecodePayload(&list); err != nil {
			return
		}
		c.mu.Lock()
		for _, p := range list.Peers {
			c.peers[p.PeerID] = p
		}
		c.mu.Unlock()

	case protocol.TypePeerJoined:
		var joined protocol.PeerJoined
		if err := env.DecodePayload(&joined); err != nil {
			return
		}
		c.mu.Lock()
		c.peers[joined.Peer.PeerID] = joined.Peer
		c.mu.Unlock()

	case protocol.TypePeerLeft:
		var left protocol.PeerLeft
		if err := env.DecodePayload(&left); err != nil {
			return
		}
		c.mu.Lock()
		delete(c.peers, left.PeerID)
		c.mu.Unlock()

	case protocol.TypeError:
		var perr protocol.Error
		if err := env.DecodePayload(&perr); err == nil {
			c.logger.Warn("signaling server error", "code", perr.Code, "message", perr.Message)
		}

	default:
		c.logger.Debug("unhandled signaling message", "type", env.Type)
	}
}

// send queues one envelope for the write loop. sendChan is never closed;
// shutdown is signalled through the closed and done channels, so concurrent
// senders racing Close cannot hit a closed channel.
func (c *Client) send(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.sendChan <- env:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) writeLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.closed:
			return
		case env := <-c.sendChan:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := c.conn.WriteJSON(env)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Error("signaling write error", "error", err)
				return
			}
		}
	}
}

// Close shuts down both loops and the underlying connection. Queued but
// unwritten envelopes are dropped.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		<-c.done
		c.writeMu.Lock()
		err = c.conn.Close()
		c.writeMu.Unlock()
	})
	return err
}
