package webrtctransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/sheerbytes/meshlink/internal/signaling"
	"github.com/sheerbytes/meshlink/internal/transport"
	"github.com/sheerbytes/meshlink/pkg/protocol"
)

const channelLabel = "meshlink"

var _ transport.Transport = (*Transport)(nil)

// Transport dials peers over WebRTC data channels, using a signaling
// handler for the offer/answer exchange and trickle ICE.
type Transport struct {
	localID string
	cfg     Config
	signal  signaling.Handler
	logger  *slog.Logger

	acceptCh chan transport.Connection

	mu       sync.Mutex
	closed   bool
	cancelFn context.CancelFunc
}

// New creates a WebRTC transport for the local peer.
func New(localID string, cfg Config, signal signaling.Handler) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		localID:  localID,
		cfg:      cfg,
		signal:   signal,
		logger:   logger,
		acceptCh: make(chan transport.Connection, 16),
	}
}

// Protocol returns "webrtc".
func (t *Transport) Protocol() string { return "webrtc" }

// Priority returns the selection priority; WebRTC is the preferred transport.
func (t *Transport) Priority() uint8 { return 90 }

// Capabilities returns the data channel capability set.
func (t *Transport) Capabilities() transport.TransportCapabilities {
	caps := transport.WebRTCCapabilities()
	if t.cfg.MaxMessageSize > 0 {
		caps.MaxMessageSize = t.cfg.MaxMessageSize
	}
	caps.Ordered = t.cfg.Ordered
	return caps
}

// Available reports whether the transport can dial; it needs a signaling
// path.
func (t *Transport) Available() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.signal != nil
}

// Connect establishes a data channel to the peer through the signaling
// handler. The whole exchange is bounded by ConnectTimeout.
func (t *Transport) Connect(ctx context.Context, addr *transport.PeerAddress) (transport.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: t.cfg.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	dc, err := pc.CreateDataChannel(channelLabel, t.cfg.Profile.channelInit(t.cfg.Ordered))
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	conn := newConn(addr.PeerID, pc, dc, t.cfg, t.logger)
	t.wireTrickle(ctx, addr.PeerID, pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = conn.Close()
		return nil, transport.ErrConnectionTimeout
	}

	local := pc.LocalDescription()
	ufrag, pwd := extractICECredentials(local.SDP)
	answer, err := t.signal.SendOffer(ctx, addr.PeerID, protocol.Offer{
		SDP:      local.SDP,
		ICEUfrag: ufrag,
		ICEPwd:   pwd,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("signal offer to %s: %w", addr.PeerID, err)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	if err := conn.waitOpen(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// wireTrickle forwards locally gathered candidates to the peer and feeds
// remote candidates into the ICE agent.
func (t *Transport) wireTrickle(ctx context.Context, peerID string, pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		out := protocol.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
			Foundation:    cand.Foundation,
			Priority:      cand.Priority,
			IP:            cand.Address,
			Port:          cand.Port,
			Type:          cand.Typ.String(),
			Protocol:      cand.Protocol.String(),
		}
		if err := t.signal.SendCandidate(ctx, peerID, out); err != nil {
			t.logger.Debug("candidate signaling failed", "peer", peerID, "error", err)
		}
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cand, ok := <-t.signal.Candidates(peerID):
				if !ok {
					return
				}
				init := webrtc.ICECandidateInit{
					Candidate:     cand.Candidate,
					SDPMid:        cand.SDPMid,
					SDPMLineIndex: cand.SDPMLineIndex,
				}
				if err := pc.AddICECandidate(init); err != nil {
					t.logger.Debug("add remote candidate failed", "peer", peerID, "error", err)
				}
			}
		}
	}()
}

// Listen starts answering inbound offers from the signaling handler. The
// bind argument is unused; WebRTC listens through signaling, not a socket.
func (t *Transport) Listen(ctx context.Context, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrConnectionClosed
	}
	if t.cancelFn != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancelFn = cancel
	go t.acceptLoop(runCtx)
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case inbound, ok := <-t.signal.Offers():
			if !ok {
				return
			}
			go func(inbound signaling.InboundOffer) {
				if err := t.answer(ctx, inbound); err != nil {
					t.logger.Warn("answering offer failed", "peer", inbound.Peer, "error", err)
				}
			}(inbound)
		}
	}
}

func (t *Transport) answer(ctx context.Context, inbound signaling.InboundOffer) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: t.cfg.iceServers()})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	connCh := make(chan *Conn, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != channelLabel {
			_ = dc.Close()
			return
		}
		select {
		case connCh <- newConn(inbound.Peer, pc, dc, t.cfg, t.logger):
		default:
		}
	})
	t.wireTrickle(ctx, inbound.Peer, pc)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  inbound.Offer.SDP,
	}); err != nil {
		_ = pc.Close()
		return fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = pc.Close()
		return transport.ErrConnectionTimeout
	}

	local := pc.LocalDescription()
	ufrag, pwd := extractICECredentials(local.SDP)
	if err := inbound.Reply(ctx, protocol.Answer{SDP: local.SDP, ICEUfrag: ufrag, ICEPwd: pwd}); err != nil {
		_ = pc.Close()
		return fmt.Errorf("signal answer to %s: %w", inbound.Peer, err)
	}

	select {
	case conn := <-connCh:
		if err := conn.waitOpen(ctx); err != nil {
			_ = conn.Close()
			return err
		}
		select {
		case t.acceptCh <- conn:
			return nil
		default:
			_ = conn.Close()
			return errors.New("accept queue full")
		}
	case <-ctx.Done():
		_ = pc.Close()
		return transport.ErrConnectionTimeout
	}
}

// Accept returns the next inbound connection.
func (t *Transport) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case conn, ok := <-t.acceptCh:
		if !ok {
			return nil, transport.ErrConnectionClosed
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the accept loop. Open connections close individually.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.cancelFn != nil {
		t.cancelFn()
	}
	return nil
}

// extractICECredentials pulls the ice-ufrag and ice-pwd attributes out of
// an SDP blob so they can travel alongside it.
func extractICECredentials(sdp string) (ufrag, pwd string) {
	for _, line := range strings.Split(sdp, "\r\n") {
		switch {
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			if ufrag == "" {
				ufrag = strings.TrimPrefix(line, "a=ice-ufrag:")
			}
		case strings.HasPrefix(line, "a=ice-pwd:"):
			if pwd == "" {
				pwd = strings.TrimPrefix(line, "a=ice-pwd:")
			}
		}
	}
	return ufrag, pwd
}

// Conn is one data channel to a peer.
type Conn struct {
	state  *transport.ConnState
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	cfg    Config
	logger *slog.Logger

	recv     chan []byte
	openCh   chan struct{}
	openOnce sync.Once

	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Connection = (*Conn)(nil)

func newConn(peerID string, pc *webrtc.PeerConnection, dc *webrtc.DataChannel, cfg Config, logger *slog.Logger) *Conn {
	c := &Conn{
		state: transport.NewConnState(transport.ConnectionInfo{
			PeerID:   peerID,
			Protocol: "webrtc",
		}),
		pc:     pc,
		dc:     dc,
		cfg:    cfg,
		logger: logger,
		recv:   make(chan []byte, 256),
		openCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.openCh) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		select {
		case c.recv <- data:
			c.state.AddRecv(len(data))
		default:
			logger.Warn("receive buffer full, dropping message", "peer", peerID, "size", len(data))
		}
	})
	dc.OnClose(func() {
		c.markClosed()
	})
	dc.OnError(func(err error) {
		logger.Debug("data channel error", "peer", peerID, "error", err)
		c.markClosed()
	})

	return c
}

func (c *Conn) markClosed() {
	c.closeOnce.Do(func() {
		c.state.SetDisconnected()
		close(c.done)
	})
}

func (c *Conn) waitOpen(ctx context.Context) error {
	select {
	case <-c.openCh:
		return nil
	case <-c.done:
		return transport.ErrConnectionClosed
	case <-ctx.Done():
		return transport.ErrConnectionTimeout
	case <-time.After(c.cfg.ConnectTimeout):
		return transport.ErrConnectionTimeout
	}
}

// Read returns the next whole data channel message.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.recv:
		return data, nil
	case <-c.done:
		// Drain anything buffered before reporting closure.
		select {
		case data := <-c.recv:
			return data, nil
		default:
			return nil, transport.ErrConnectionClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write sends one message over the data channel.
func (c *Conn) Write(_ context.Context, data []byte) error {
	if c.cfg.MaxMessageSize > 0 && len(data) > c.cfg.MaxMessageSize {
		return transport.ErrMessageTooLarge
	}
	if !c.state.Connected() {
		return transport.ErrConnectionClosed
	}
	if err := c.dc.Send(data); err != nil {
		return fmt.Errorf("data channel send: %w", err)
	}
	c.state.AddSent(len(data))
	return nil
}

// Flush is a no-op; the data channel has no local buffering to force out.
func (c *Conn) Flush() error { return nil }

// Close tears down the channel and its peer connection.
func (c *Conn) Close() error {
	c.markClosed()
	dcErr := c.dc.Close()
	pcErr := c.pc.Close()
	if dcErr != nil {
		return dcErr
	}
	return pcErr
}

// Info returns a snapshot of connection metadata.
func (c *Conn) Info() transport.ConnectionInfo { return c.state.Snapshot() }

// IsConnected reports whether the channel is still usable.
func (c *Conn) IsConnected() bool { return c.state.Connected() }
