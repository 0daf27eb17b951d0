package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sheerbytes/meshlink/internal/config"
	"github.com/sheerbytes/meshlink/internal/logging"
	"github.com/sheerbytes/meshlink/internal/mesh"
	"github.com/sheerbytes/meshlink/internal/nat"
	"github.com/sheerbytes/meshlink/internal/node"
	"github.com/sheerbytes/meshlink/internal/quictransport"
	"github.com/sheerbytes/meshlink/internal/signaling"
	"github.com/sheerbytes/meshlink/internal/transport"
	"github.com/sheerbytes/meshlink/internal/webrtctransport"
	"github.com/sheerbytes/meshlink/internal/wstransport"
)

const version = "v0.1.0"

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Println(version)
		return
	}

	cfg := config.ParseNodeConfig()
	logger := logging.New("meshlinkd", cfg.LogLevel)
	logger = logger.With("peer_id", cfg.PeerID, "network_id", cfg.NetworkID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meshCfg := mesh.DefaultConfig()
	meshCfg.EnableHopEncryption = cfg.HopEncrypt

	n, err := node.New(node.Options{
		ID:        cfg.PeerID,
		NetworkID: cfg.NetworkID,
		Mesh:      meshCfg,
		Protocol:  mesh.DefaultProtocolConfig(),
		Logger:    logger,
	})
	if err != nil {
		logger.Error("node setup failed", "error", err)
		os.Exit(1)
	}

	for _, peer := range cfg.TrustedPeers {
		n.AddTrustedPeer(peer)
	}

	// NAT detection is advisory: it tells the operator whether direct QUIC
	// or hole punching stands a chance, or WebRTC relaying is needed.
	natMgr := nat.NewManager(natConfig(cfg))
	if natType, err := natMgr.DetectNATType(ctx); err != nil {
		logger.Warn("nat detection failed", "error", err)
	} else {
		logger.Info("nat detected", "type", natType.String(), "traversable", natType.Traversable())
	}

	// QUIC transport
	if cfg.QUICListen != "" {
		qt := quictransport.New(cfg.PeerID, quicConfig(cfg))
		n.RegisterTransport(qt)
		if err := n.Listen(ctx, "quic", cfg.QUICListen); err != nil {
			logger.Error("quic listen failed", "addr", cfg.QUICListen, "error", err)
			os.Exit(1)
		}
		logger.Info("quic listening", "addr", qt.Addr())
	}

	// WebSocket transport
	if cfg.WSListen != "" {
		wt := wstransport.New(cfg.PeerID, wsConfig(cfg))
		n.RegisterTransport(wt)
		if err := n.Listen(ctx, "websocket", cfg.WSListen); err != nil {
			logger.Error("websocket listen failed", "addr", cfg.WSListen, "error", err)
			os.Exit(1)
		}
		logger.Info("websocket listening", "addr", wt.Addr())
	}

	// WebRTC transport, signaled through the rendezvous server
	var signalClient *signaling.Client
	if cfg.SignalURL != "" {
		signalClient, err = signaling.Dial(ctx, cfg.SignalURL, cfg.NetworkID, cfg.PeerID, logger)
		if err != nil {
			logger.Error("signaling dial failed", "url", cfg.SignalURL, "error", err)
			os.Exit(1)
		}
		defer signalClient.Close()

		rt := webrtctransport.New(cfg.PeerID, webrtcConfig(cfg), signalClient)
		n.RegisterTransport(rt)
		if err := n.Listen(ctx, "webrtc", ""); err != nil {
			logger.Error("webrtc listen failed", "error", err)
			os.Exit(1)
		}
		logger.Info("webrtc signaling connected", "url", cfg.SignalURL)
	}

	if err := n.Start(ctx); err != nil {
		logger.Error("node start failed", "error", err)
		os.Exit(1)
	}

	// Dial the configured bootstrap peers.
	for _, spec := range cfg.Peers {
		addr, err := parsePeerSpec(spec)
		if err != nil {
			logger.Warn("skipping malformed peer", "spec", spec, "error", err)
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := n.Connect(dialCtx, addr); err != nil {
			logger.Warn("peer dial failed", "peer_id", addr.PeerID, "error", err)
		} else {
			logger.Info("peer connected", "peer_id", addr.PeerID)
		}
		cancel()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if err := n.Close(); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
}

// parsePeerSpec splits "peer-id@host:port" into a dialable peer address.
func parsePeerSpec(spec string) (*transport.PeerAddress, error) {
	id, addr, ok := strings.Cut(spec, "@")
	if !ok || id == "" || addr == "" {
		return nil, fmt.Errorf("want peer-id@host:port, got %q", spec)
	}
	return transport.NewPeerAddress(id, addr), nil
}

func natConfig(cfg config.NodeConfig) nat.Config {
	c := nat.DefaultConfig()
	if len(cfg.STUNServers) > 0 {
		c.STUNServers = cfg.STUNServers
	}
	return c
}

func quicConfig(cfg config.NodeConfig) quictransport.Config {
	return quictransport.DefaultConfig()
}

func wsConfig(cfg config.NodeConfig) wstransport.Config {
	return wstransport.DefaultConfig()
}

func webrtcConfig(cfg config.NodeConfig) webrtctransport.Config {
	c := webrtctransport.DefaultConfig()
	if len(cfg.STUNServers) > 0 {
		urls := make([]string, 0, len(cfg.STUNServers))
		for _, s := range cfg.STUNServers {
			if !strings.HasPrefix(s, "stun:") {
				s = "stun:" + s
			}
			urls = append(urls, s)
		}
		c.STUNServers = urls
	}
	return c
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: meshlinkd [flags]")
	fmt.Fprintln(os.Stderr, "  --peer-id ID            peer identifier (default random)")
	fmt.Fprintln(os.Stderr, "  --network-id ID         mesh network identifier (default \"default\")")
	fmt.Fprintln(os.Stderr, "  --quic-listen ADDR      QUIC listen address (default :0, empty disables)")
	fmt.Fprintln(os.Stderr, "  --ws-listen ADDR        WebSocket listen address (empty disables)")
	fmt.Fprintln(os.Stderr, "  --signal-url URL        signaling server URL, enables WebRTC")
	fmt.Fprintln(os.Stderr, "  --stun HOST:PORT        STUN server (repeatable)")
	fmt.Fprintln(os.Stderr, "  --trust PEER            trusted relay peer (repeatable)")
	fmt.Fprintln(os.Stderr, "  --peer ID@HOST:PORT     peer to dial at startup (repeatable)")
	fmt.Fprintln(os.Stderr, "  --hop-encrypt           encrypt relayed payloads (default true)")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL       debug, info, warn, error (default info)")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
