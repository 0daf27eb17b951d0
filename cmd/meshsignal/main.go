package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/meshlink/internal/config"
	"github.com/sheerbytes/meshlink/internal/logging"
	"github.com/sheerbytes/meshlink/internal/peers"
	"github.com/sheerbytes/meshlink/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

const serverVersion = "v0.1.0"

const (
	maxMessageBytes = 64 * 1024
	idleTimeout     = 10 * time.Minute
	helloTimeout    = 10 * time.Second
)

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Println(serverVersion)
		return
	}

	cfg := config.ParseSignalConfig()
	logger := logging.New("meshsignal", cfg.LogLevel)

	hub := peers.NewHub()

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleWebSocket(w, r, hub, logger)
	})

	logger.Info("signaling server starting", "addr", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, nil); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func handleWebSocket(w http.ResponseWriter, r *http.Request, hub *peers.Hub, logger *slog.Logger) {
	networkID := r.URL.Query().Get("network")
	peerID := r.URL.Query().Get("peer")

	if networkID == "" {
		sendError(w, http.StatusBadRequest, "missing network")
		return
	}
	if peerID == "" {
		sendError(w, http.StatusBadRequest, "missing peer")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)

	var writeMu sync.Mutex
	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		writeMu.Lock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
		writeMu.Unlock()
		return err
	})

	// The first message must be a hello announcing the peer's transports.
	hello, err := readHello(conn, peerID)
	if err != nil {
		logger.Warn("hello failed", "peer_id", peerID, "error", err)
		return
	}
	conn.SetReadDeadline(time.Now().Add(idleTimeout))

	// Generate unique connection ID
	connID := protocol.NewMsgID()

	peer := peers.Peer{
		PeerID:    peerID,
		Protocols: hello.Protocols,
		ConnID:    connID,
	}

	// Send function for this connection
	sendFunc := func(env protocol.Envelope) error {
		writeMu.Lock()
		err := conn.WriteJSON(env)
		writeMu.Unlock()
		return err
	}

	removePeer := hub.Add(networkID, peer, sendFunc)
	defer removePeer()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				writeMu.Lock()
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				writeMu.Unlock()
			}
		}
	}()

	logger.Info("peer connected", "network_id", networkID, "peer_id", peerID, "conn_id", connID)

	// Send current peer list to the newly joined peer
	peerList := protocol.PeerList{Peers: hub.List(networkID)}
	peerListEnv, err := protocol.NewEnvelope(protocol.TypePeerList, protocol.NewMsgID(), peerList)
	if err != nil {
		logger.Error("failed to create peer list envelope", "error", err)
		return
	}
	peerListEnv.NetworkID = networkID
	peerListEnv.From = "server"

	if err := sendFunc(peerListEnv); err != nil {
		logger.Error("failed to send peer list", "error", err)
		return
	}

	// Broadcast PeerJoined to all peers in the network
	peerJoined := protocol.PeerJoined{
		Peer: protocol.PeerInfo{
			PeerID:    peerID,
			Protocols: hello.Protocols,
		},
	}
	peerJoinedEnv, err := protocol.NewEnvelope(protocol.TypePeerJoined, protocol.NewMsgID(), peerJoined)
	if err != nil {
		logger.Error("failed to create peer joined envelope", "error", err)
		return
	}
	peerJoinedEnv.NetworkID = networkID
	peerJoinedEnv.From = "server"

	hub.BroadcastExcept(networkID, peerID, peerJoinedEnv)

	// On disconnect, broadcast PeerLeft
	defer func() {
		peerLeft := protocol.PeerLeft{PeerID: peerID}
		peerLeftEnv, err := protocol.NewEnvelope(protocol.TypePeerLeft, protocol.NewMsgID(), peerLeft)
		if err != nil {
			logger.Error("failed to create peer left envelope", "error", err)
			return
		}
		peerLeftEnv.NetworkID = networkID
		peerLeftEnv.From = "server"

		hub.Broadcast(networkID, peerLeftEnv)
		logger.Info("peer disconnected", "network_id", networkID, "peer_id", peerID)
	}()

	// Read loop: forward envelopes between peers
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				logger.Info("websocket idle timeout", "peer_id", peerID)
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("websocket read error", "error", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout))

		// Only process text messages
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logger.Warn("invalid JSON envelope", "error", err, "peer_id", peerID)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			logger.Warn("invalid envelope", "error", err, "peer_id", peerID)
			continue
		}

		// Enforce that From matches the connected peer
		env.From = peerID
		if env.NetworkID == "" {
			env.NetworkID = networkID
		}

		if env.To != "" {
			if code, message := forwardTargeted(hub, networkID, env); code != "" {
				errorEnv, err := protocol.NewEnvelope(protocol.TypeError, protocol.NewMsgID(), protocol.Error{
					Code:    code,
					Message: message,
				})
				if err == nil {
					errorEnv.NetworkID = networkID
					errorEnv.From = "server"
					errorEnv.To = peerID
					sendFunc(errorEnv)
				}
				logger.Warn("targeted send rejected", "from", peerID, "to", env.To, "code", code)
			}
		} else {
			// Broadcast to all except sender
			hub.BroadcastExcept(networkID, peerID, env)
		}
	}
}

// forwardTargeted delivers a targeted envelope and returns an error code and
// message when it cannot. Session negotiation messages are only forwarded to
// peers that announced the webrtc transport in their hello; anything else
// would sit unanswered until the sender times out.
func forwardTargeted(hub *peers.Hub, networkID string, env protocol.Envelope) (code, message string) {
	if !hub.Has(networkID, env.To) {
		return "peer_not_found", "target peer not found: " + env.To
	}
	switch env.Type {
	case protocol.TypeSignalOffer, protocol.TypeSignalAnswer, protocol.TypeSignalCandidate:
		if !hub.Supports(networkID, env.To, "webrtc") {
			return "peer_unsupported", "peer " + env.To + " does not support webrtc signaling"
		}
	}
	hub.SendTo(networkID, env.To, env)
	return "", ""
}

// readHello reads and validates the announcement that opens every signaling
// connection.
func readHello(conn *websocket.Conn, wantPeer string) (protocol.Hello, error) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, message, err := conn.ReadMessage()
	if err != nil {
		return protocol.Hello{}, err
	}

	var env protocol.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return protocol.Hello{}, err
	}
	if env.Type != protocol.TypeHello {
		return protocol.Hello{}, fmt.Errorf("expected hello, got %s", env.Type)
	}

	var hello protocol.Hello
	if err := env.DecodePayload(&hello); err != nil {
		return protocol.Hello{}, err
	}
	if hello.PeerID != wantPeer {
		return protocol.Hello{}, fmt.Errorf("hello peer %s does not match connection peer %s", hello.PeerID, wantPeer)
	}
	return hello, nil
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: meshsignal [--addr HOST:PORT] [--log-level LEVEL]")
	fmt.Fprintln(os.Stderr, "  --addr HOST:PORT   listen address (default :8080)")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL  log level: debug, info, warn, error (default info)")
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
