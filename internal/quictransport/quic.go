package quictransport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/meshlink/internal/transport"
	"github.com/sheerbytes/meshlink/pkg/protocol"
)

// ALPNProtocol is the Application-Layer Protocol Negotiation identifier for
// MeshLink QUIC.
const ALPNProtocol = "meshlink-quic-v1"

// lenPrefixSize is the big-endian length prefix framing each message on the
// stream.
const lenPrefixSize = 4

// Config holds QUIC transport configuration.
type Config struct {
	// MaxMessageSize bounds a single framed message.
	MaxMessageSize int

	// HandshakeTimeout bounds the hello exchange after the QUIC handshake.
	HandshakeTimeout time.Duration

	// ConnWindow, StreamWindow, and MaxStreams tune flow control; zero
	// values are clamped to sane minimums.
	ConnWindow   int
	StreamWindow int
	MaxStreams   int

	// Logger for debug output.
	Logger *slog.Logger
}

// DefaultConfig returns the default QUIC transport configuration.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:   64 * 1024,
		HandshakeTimeout: 10 * time.Second,
		ConnWindow:       64 * 1024 * 1024,
		StreamWindow:     16 * 1024 * 1024,
		MaxStreams:       100,
	}
}

// ServerTLSConfig returns a TLS configuration for the QUIC listener.
// Uses a self-signed certificate; peers authenticate at the mesh layer.
func ServerTLSConfig() *tls.Config {
	cert, err := generateSelfSignedCert()
	if err != nil {
		panic("failed to generate self-signed certificate: " + err.Error())
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}
}

// ClientTLSConfig returns a TLS configuration for QUIC dials.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

func baseQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:         10 * time.Second,
		MaxIdleTimeout:          30 * time.Second,
		DisablePathMTUDiscovery: true,
	}
}

// generateSelfSignedCert generates a self-signed certificate.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"MeshLink"},
			Country:      []string{"US"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

var _ transport.Transport = (*Transport)(nil)

// Transport carries mesh messages over QUIC, one bidirectional stream per
// peer with length-prefixed framing. Dials and the listener share a single
// UDP socket.
type Transport struct {
	localID string
	cfg     Config
	logger  *slog.Logger

	acceptCh chan transport.Connection

	mu       sync.Mutex
	udpConn  *net.UDPConn
	qt       *quic.Transport
	listener *quic.Listener
	cancelFn context.CancelFunc
	closed   bool
}

// New creates a QUIC transport for the local peer.
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

// Protocol returns "quic".
func (t *Transport) Protocol() string { return "quic" }

// Priority returns the selection priority; QUIC sits between WebRTC and
// WebSocket.
func (t *Transport) Priority() uint8 { return 70 }

// Capabilities returns the QUIC capability set.
func (t *Transport) Capabilities() transport.TransportCapabilities {
	caps := transport.QUICCapabilities()
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

// ensureSocket lazily binds the shared UDP socket so dial-only peers work
// without calling Listen.
func (t *Transport) ensureSocket(bind string) error {
	if t.qt != nil {
		return nil
	}
	if bind == "" {
		bind = ":0"
	}
	udpAddr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", bind, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("bind udp %s: %w", bind, err)
	}
	t.udpConn = udpConn
	t.qt = &quic.Transport{Conn: udpConn}
	return nil
}

// Connect dials the peer's candidate addresses in order.
func (t *Transport) Connect(ctx context.Context, addr *transport.PeerAddress) (transport.Connection, error) {
	if len(addr.Addrs) == 0 {
		return nil, transport.ErrUnsupportedAddress
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrConnectionClosed
	}
	if err := t.ensureSocket(""); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	qt := t.qt
	t.mu.Unlock()

	quicCfg := BuildQuicConfig(baseQUICConfig(), t.cfg.ConnWindow, t.cfg.StreamWindow, t.cfg.MaxStreams)

	var lastErr error
	for _, candidate := range addr.Addrs {
		remote, err := net.ResolveUDPAddr("udp", candidate)
		if err != nil {
			lastErr = transport.ErrUnsupportedAddress
			continue
		}
		sess, err := qt.Dial(ctx, remote, ClientTLSConfig(), quicCfg)
		if err != nil {
			lastErr = err
			continue
		}
		stream, err := sess.OpenStreamSync(ctx)
		if err != nil {
			_ = sess.CloseWithError(0, "open stream failed")
			lastErr = err
			continue
		}
		conn, err := t.handshake(sess, stream, addr.PeerID)
		if err != nil {
			_ = sess.CloseWithError(0, "handshake failed")
			lastErr = err
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("dial %s: %w", addr.PeerID, lastErr)
}

// handshake exchanges hello envelopes over the fresh stream.
func (t *Transport) handshake(sess *quic.Conn, stream *quic.Stream, wantPeer string) (transport.Connection, error) {
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	_ = stream.SetDeadline(deadline)

	if err := writeHello(stream, t.localID); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	remoteID, err := readHello(stream, t.cfg.MaxMessageSize)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if wantPeer != "" && remoteID != wantPeer {
		return nil, &transport.ProtocolError{
			Proto: "quic",
			Msg:   fmt.Sprintf("connected to %q, wanted %q", remoteID, wantPeer),
		}
	}

	_ = stream.SetDeadline(time.Time{})
	return newConn(remoteID, sess, stream, t.cfg, t.logger), nil
}

func writeHello(stream *quic.Stream, peerID string) error {
	env, err := protocol.NewEnvelope(protocol.TypeHello, protocol.NewMsgID(), protocol.Hello{PeerID: peerID})
	if err != nil {
		return err
	}
	env.From = peerID
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return writeFrame(stream, raw)
}

func readHello(stream *quic.Stream, maxSize int) (string, error) {
	raw, err := readFrame(stream, maxSize)
	if err != nil {
		return "", err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	if env.Type != protocol.TypeHello {
		return "", &transport.ProtocolError{Proto: "quic", Msg: "expected hello, got " + env.Type}
	}
	var hello protocol.Hello
	if err := env.DecodePayload(&hello); err != nil {
		return "", err
	}
	if hello.PeerID == "" {
		return "", &transport.ProtocolError{Proto: "quic", Msg: "hello without peer id"}
	}
	return hello.PeerID, nil
}

func writeFrame(w io.Writer, data []byte) error {
	var prefix [lenPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	var prefix [lenPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if maxSize > 0 && int(size) > maxSize {
		return nil, transport.ErrMessageTooLarge
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Listen binds the shared UDP socket and starts accepting QUIC sessions.
func (t *Transport) Listen(ctx context.Context, bind string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrConnectionClosed
	}
	if t.listener != nil {
		return nil
	}
	if err := t.ensureSocket(bind); err != nil {
		return err
	}

	quicCfg := BuildQuicConfig(baseQUICConfig(), t.cfg.ConnWindow, t.cfg.StreamWindow, t.cfg.MaxStreams)
	listener, err := t.qt.Listen(ServerTLSConfig(), quicCfg)
	if err != nil {
		return fmt.Errorf("quic listen: %w", err)
	}
	t.listener = listener

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancelFn = cancel
	go t.acceptLoop(runCtx, listener)
	t.logger.Info("quic listener started", "addr", t.udpConn.LocalAddr())
	return nil
}

// Addr returns the bound UDP address, or "" before the socket exists.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.udpConn == nil {
		return ""
	}
	return t.udpConn.LocalAddr().String()
}

func (t *Transport) acceptLoop(ctx context.Context, listener *quic.Listener) {
	for {
		sess, err := listener.Accept(ctx)
		if err != nil {
			return
		}
		go func(sess *quic.Conn) {
			streamCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
			defer cancel()

			stream, err := sess.AcceptStream(streamCtx)
			if err != nil {
				_ = sess.CloseWithError(0, "no stream")
				return
			}
			conn, err := t.handshake(sess, stream, "")
			if err != nil {
				t.logger.Warn("inbound quic handshake failed", "remote", sess.RemoteAddr(), "error", err)
				_ = sess.CloseWithError(0, "handshake failed")
				return
			}
			select {
			case t.acceptCh <- conn:
			default:
				t.logger.Warn("accept queue full, dropping connection", "remote", sess.RemoteAddr())
				_ = conn.Close()
			}
		}(sess)
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

// Close tears down the listener and the shared socket.
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
	if t.listener != nil {
		_ = t.listener.Close()
	}
	if t.udpConn != nil {
		return t.udpConn.Close()
	}
	return nil
}

// Conn is one QUIC session with a single framed bidirectional stream.
type Conn struct {
	state  *transport.ConnState
	sess   *quic.Conn
	stream *quic.Stream
	cfg    Config
	logger *slog.Logger

	recv chan []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Connection = (*Conn)(nil)

func newConn(peerID string, sess *quic.Conn, stream *quic.Stream, cfg Config, logger *slog.Logger) *Conn {
	c := &Conn{
		state: transport.NewConnState(transport.ConnectionInfo{
			PeerID:     peerID,
			LocalAddr:  sess.LocalAddr().String(),
			RemoteAddr: sess.RemoteAddr().String(),
			Protocol:   "quic",
		}),
		sess:   sess,
		stream: stream,
		cfg:    cfg,
		logger: logger,
		recv:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer c.markClosed()
	for {
		data, err := readFrame(c.stream, c.cfg.MaxMessageSize)
		if err != nil {
			if err != io.EOF {
				c.logger.Debug("quic read error", "peer", c.state.Snapshot().PeerID, "error", err)
			}
			return
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

// Write sends one length-prefixed message.
func (c *Conn) Write(_ context.Context, data []byte) error {
	if c.cfg.MaxMessageSize > 0 && len(data) > c.cfg.MaxMessageSize {
		return transport.ErrMessageTooLarge
	}
	if !c.state.Connected() {
		return transport.ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFrame(c.stream, data); err != nil {
		c.markClosed()
		return fmt.Errorf("quic write: %w", err)
	}
	c.state.AddSent(len(data) + lenPrefixSize)
	return nil
}

// Flush is a no-op; stream writes are handed straight to the session.
func (c *Conn) Flush() error { return nil }

// Close closes the stream and the session.
func (c *Conn) Close() error {
	c.markClosed()
	_ = c.stream.Close()
	return c.sess.CloseWithError(0, "closed")
}

// Info returns a snapshot of connection metadata.
func (c *Conn) Info() transport.ConnectionInfo { return c.state.Snapshot() }

// IsConnected reports whether the session is still active.
func (c *Conn) IsConnected() bool { return c.state.Connected() }
