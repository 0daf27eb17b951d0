package wstransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/meshlink/internal/transport"
	"github.com/sheerbytes/meshlink/pkg/protocol"
)

const wsPath = "/mesh"

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

var _ transport.Transport = (*Transport)(nil)

// Config holds WebSocket transport configuration.
type Config struct {
	// MaxMessageSize bounds a single message.
	MaxMessageSize int

	// HandshakeTimeout bounds the hello exchange after the upgrade.
	HandshakeTimeout time.Duration

	// Logger for debug output.
	Logger *slog.Logger
}

// DefaultConfig returns the default WebSocket transport configuration.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:   64 * 1024,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Transport carries mesh messages over plain WebSocket connections. It is
// the fallback when WebRTC cannot traverse the network path: no NAT
// traversal, but it works anywhere an HTTP connection does.
type Transport struct {
	localID string
	cfg     Config
	logger  *slog.Logger

	acceptCh chan transport.Connection

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	closed   bool
}

// New creates a WebSocket transport for the local peer.
func New(localID string, cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Transport{
		localID:  localID,
		cfg:      cfg,
		logger:   logger,
		acceptCh: make(chan transport.Connection, 16),
	}
}

// Protocol returns "websocket".
func (t *Transport) Protocol() string { return "websocket" }

// Priority returns the selection priority; WebSocket sits below WebRTC and QUIC.
func (t *Transport) Priority() uint8 { return 50 }

// Capabilities returns the WebSocket capability set.
func (t *Transport) Capabilities() transport.TransportCapabilities {
	caps := transport.WebSocketCapabilities()
	if t.cfg.MaxMessageSize > 0 {
		caps.MaxMessageSize = t.cfg.MaxMessageSize
	}
	return caps
}

// Available reports whether the transport can be used.
func (t *Transport) Available() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Connect dials the peer's candidate addresses in order and performs the
// hello exchange on the first one that answers.
func (t *Transport) Connect(ctx context.Context, addr *transport.PeerAddress) (transport.Connection, error) {
	if len(addr.Addrs) == 0 {
		return nil, transport.ErrUnsupportedAddress
	}

	var lastErr error
	for _, candidate := range addr.Addrs {
		wsURL, ok := normalizeURL(candidate)
		if !ok {
			lastErr = transport.ErrUnsupportedAddress
			continue
		}
		ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			if resp != nil {
				_ = resp.Body.Close()
			}
			lastErr = err
			continue
		}
		conn, err := t.handshake(ctx, ws, addr.PeerID)
		if err != nil {
			_ = ws.Close()
			lastErr = err
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("dial %s: %w", addr.PeerID, lastErr)
}

// normalizeURL turns a candidate address into a WebSocket URL. Bare
// host:port addresses get the default scheme and path.
func normalizeURL(addr string) (string, bool) {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return addr, true
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		return "", false
	default:
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return "", false
		}
		return "ws://" + addr + wsPath, true
	}
}

// handshake announces the local peer and learns the remote one. Both sides
// send a hello; the dialer additionally checks the answer against the peer
// it meant to reach.
func (t *Transport) handshake(ctx context.Context, ws *websocket.Conn, wantPeer string) (transport.Connection, error) {
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.SetReadDeadline(deadline)

	if err := writeHello(ws, t.localID); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	remoteID, err := readHello(ws)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if wantPeer != "" && remoteID != wantPeer {
		return nil, &transport.ProtocolError{
			Proto: "websocket",
			Msg:   fmt.Sprintf("connected to %q, wanted %q", remoteID, wantPeer),
		}
	}

	_ = ws.SetReadDeadline(time.Time{})
	return newConn(remoteID, ws, t.cfg, t.logger), nil
}

func writeHello(ws *websocket.Conn, peerID string) error {
	env, err := protocol.NewEnvelope(protocol.TypeHello, protocol.NewMsgID(), protocol.Hello{PeerID: peerID})
	if err != nil {
		return err
	}
	env.From = peerID
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.BinaryMessage, raw)
}

func readHello(ws *websocket.Conn) (string, error) {
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	if env.Type != protocol.TypeHello {
		return "", &transport.ProtocolError{Proto: "websocket", Msg: "expected hello, got " + env.Type}
	}
	var hello protocol.Hello
	if err := env.DecodePayload(&hello); err != nil {
		return "", err
	}
	if hello.PeerID == "" {
		return "", &transport.ProtocolError{Proto: "websocket", Msg: "hello without peer id"}
	}
	return hello.PeerID, nil
}

// Listen binds an HTTP server that upgrades inbound connections.
func (t *Transport) Listen(ctx context.Context, bind string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrConnectionClosed
	}
	if t.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("listen %s: %w", bind, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, t.handleUpgrade)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	t.listener = ln
	t.server = srv
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			t.logger.Error("websocket listener stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, or "" before Listen.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn, err := t.handshake(r.Context(), ws, "")
	if err != nil {
		t.logger.Warn("inbound handshake failed", "remote", r.RemoteAddr, "error", err)
		_ = ws.Close()
		return
	}

	select {
	case t.acceptCh <- conn:
	default:
		t.logger.Warn("accept queue full, dropping connection", "remote", r.RemoteAddr)
		_ = conn.Close()
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

// Close stops the listener.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.server != nil {
		return t.server.Close()
	}
	return nil
}

// Conn is one WebSocket connection to a peer. A reader goroutine owns
// ReadMessage; writes are serialized with a mutex.
type Conn struct {
	state  *transport.ConnState
	ws     *websocket.Conn
	cfg    Config
	logger *slog.Logger

	recv chan []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Connection = (*Conn)(nil)

func newConn(peerID string, ws *websocket.Conn, cfg Config, logger *slog.Logger) *Conn {
	c := &Conn{
		state: transport.NewConnState(transport.ConnectionInfo{
			PeerID:     peerID,
			LocalAddr:  ws.LocalAddr().String(),
			RemoteAddr: ws.RemoteAddr().String(),
			Protocol:   "websocket",
		}),
		ws:     ws,
		cfg:    cfg,
		logger: logger,
		recv:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	if cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer c.markClosed()
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "peer", c.state.Snapshot().PeerID, "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		c.state.AddRecv(len(data))
		select {
		case c.recv <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) markClosed() {
	c.closeOnce.Do(func() {
		c.state.SetDisconnected()
		close(c.done)
	})
}

// Read returns the next whole message.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.recv:
		return data, nil
	case <-c.done:
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

// Write sends one binary message.
func (c *Conn) Write(_ context.Context, data []byte) error {
	if c.cfg.MaxMessageSize > 0 && len(data) > c.cfg.MaxMessageSize {
		return transport.ErrMessageTooLarge
	}
	if !c.state.Connected() {
		return transport.ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.markClosed()
		return fmt.Errorf("websocket write: %w", err)
	}
	c.state.AddSent(len(data))
	return nil
}

// Flush is a no-op; WriteMessage hands complete frames to the kernel.
func (c *Conn) Flush() error { return nil }

// Close closes the connection.
func (c *Conn) Close() error {
	c.markClosed()
	return c.ws.Close()
}

// Info returns a snapshot of connection metadata.
func (c *Conn) Info() transport.ConnectionInfo { return c.state.Snapshot() }

// IsConnected reports whether the connection is still active.
func (c *Conn) IsConnected() bool { return c.state.Connected() }
