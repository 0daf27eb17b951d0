package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sheerbytes/meshlink/internal/mesh"
	"github.com/sheerbytes/meshlink/internal/transport"
	"github.com/sheerbytes/meshlink/pkg/protocol"
)

// Options configures a Node.
type Options struct {
	// ID is the local peer identifier. Required.
	ID string

	// NetworkID scopes the node to one mesh network.
	NetworkID string

	// Mesh configures the router and routing table.
	Mesh mesh.Config

	// Protocol configures the routing protocol manager.
	Protocol mesh.ProtocolConfig

	// Logger for all node components.
	Logger *slog.Logger
}

// Events carries the node's application-facing callbacks.
type Events struct {
	OnMessage          func(source string, data []byte)
	OnPeerConnected    func(peer string)
	OnPeerDisconnected func(peer string)
	OnNeighborDead     func(peer string)
	OnRouteDiscovered  func(dest string, route mesh.Route)
}

// Stats is a snapshot of the node's counters.
type Stats struct {
	Router      mesh.Stats
	ActivePeers int
	Neighbors   []string
	Routes      int
}

// Node ties the stack together: transport registry and connection manager
// below, mesh router and routing protocol manager above. One read loop per
// connection feeds inbound envelopes to the right handler.
type Node struct {
	id     string
	opts   Options
	logger *slog.Logger

	registry *transport.Registry
	manager  *transport.Manager
	table    *mesh.Table
	router   *mesh.Router
	proto    *mesh.ProtocolManager

	events Events

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a node. Transports are registered separately before Start.
func New(opts Options) (*Node, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("peer_id", opts.ID)

	registry := transport.NewRegistry()
	manager := transport.NewManager(registry, logger)
	table := mesh.NewTable(opts.Mesh, logger)
	router := mesh.NewRouter(opts.ID, opts.Mesh, table, manager, logger)
	proto := mesh.NewProtocolManager(opts.ID, opts.Protocol, router, manager, logger)

	n := &Node{
		id:       opts.ID,
		opts:     opts,
		logger:   logger,
		registry: registry,
		manager:  manager,
		table:    table,
		router:   router,
		proto:    proto,
	}

	// Broadcasts follow the protocol manager's liveness view; before the
	// first heartbeat round they fall back to all tracked connections.
	router.SetNeighborSource(proto.AliveNeighbors)

	manager.SetEvents(transport.ManagerEvents{
		OnConnectionOpened: func(peer string, _ transport.ConnectionInfo) {
			proto.ObserveNeighbor(peer)
			if n.events.OnPeerConnected != nil {
				n.events.OnPeerConnected(peer)
			}
		},
		OnConnectionClosed: func(peer string) {
			if n.events.OnPeerDisconnected != nil {
				n.events.OnPeerDisconnected(peer)
			}
		},
	})

	proto.SetEvents(mesh.ProtocolEvents{
		OnNeighborDead: func(peer string) {
			manager.ClosePeer(peer)
			if n.events.OnNeighborDead != nil {
				n.events.OnNeighborDead(peer)
			}
		},
	})

	router.SetEvents(mesh.Events{
		OnMessage: func(source string, data []byte) {
			if n.events.OnMessage != nil {
				n.events.OnMessage(source, data)
			}
		},
		OnRouteDiscovered: func(dest string, route mesh.Route) {
			if n.events.OnRouteDiscovered != nil {
				n.events.OnRouteDiscovered(dest, route)
			}
		},
	})

	return n, nil
}

// SetEvents installs application callbacks. Must be called before Start.
func (n *Node) SetEvents(ev Events) { n.events = ev }

// RegisterTransport adds a transport to the node's registry.
func (n *Node) RegisterTransport(t transport.Transport) { n.registry.Register(t) }

// Listen starts the named transport's listener on bind.
func (n *Node) Listen(ctx context.Context, protocolName, bind string) error {
	t, ok := n.registry.ByProtocol(protocolName)
	if !ok {
		return fmt.Errorf("listen: %w: %s", transport.ErrNoTransport, protocolName)
	}
	return t.Listen(ctx, bind)
}

// Start launches the background loops: router, protocol manager, and one
// accept loop per registered transport.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}
	n.started = true

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.router.Run(runCtx)
	}()
	go func() {
		defer n.wg.Done()
		n.proto.Run(runCtx)
	}()

	for _, t := range n.registry.Transports() {
		n.wg.Add(1)
		go func(t transport.Transport) {
			defer n.wg.Done()
			n.acceptLoop(runCtx, t)
		}(t)
	}

	n.logger.Info("node started", "network_id", n.opts.NetworkID)
	return nil
}

func (n *Node) acceptLoop(ctx context.Context, t transport.Transport) {
	for {
		conn, err := t.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || err == transport.ErrConnectionClosed {
				return
			}
			n.logger.Warn("accept failed", "protocol", t.Protocol(), "error", err)
			continue
		}
		n.adopt(ctx, conn)
	}
}

// adopt tracks an established connection and starts its read loop.
func (n *Node) adopt(ctx context.Context, conn transport.Connection) {
	peer := conn.Info().PeerID
	n.manager.Track(peer, conn)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.readLoop(ctx, peer, conn)
	}()
}

// Connect dials the peer and starts reading from the new connection.
func (n *Node) Connect(ctx context.Context, addr *transport.PeerAddress) error {
	conn, err := n.manager.Connect(ctx, addr)
	if err != nil {
		return err
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.readLoop(ctx, addr.PeerID, conn)
	}()
	return nil
}

// readLoop decodes inbound envelopes and dispatches them until the
// connection dies. The envelope's From field is overwritten with the
// authenticated peer; a peer cannot speak for another.
func (n *Node) readLoop(ctx context.Context, peer string, conn transport.Connection) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			n.logger.Debug("read loop ended", "peer", peer, "error", err)
			// Prune the dead connection and fire the closed event.
			n.manager.Connections(peer)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			n.logger.Warn("dropping unparseable message", "peer", peer, "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			n.logger.Warn("dropping invalid envelope", "peer", peer, "error", err)
			continue
		}
		env.From = peer

		switch {
		case strings.HasPrefix(env.Type, "proto."):
			n.proto.HandleEnvelope(ctx, env)
		case strings.HasPrefix(env.Type, "route."), strings.HasPrefix(env.Type, "mesh."):
			n.router.HandleEnvelope(ctx, env)
		default:
			n.logger.Debug("unhandled message type", "peer", peer, "type", env.Type)
		}
	}
}

// RouteToPeer delivers a payload to the destination, directly or through
// the mesh.
func (n *Node) RouteToPeer(ctx context.Context, dest string, payload []byte) error {
	return n.router.RouteToPeer(ctx, dest, payload)
}

// AddTrustedPeer marks a peer as an eligible intermediate hop.
func (n *Node) AddTrustedPeer(peer string) { n.router.AddTrustedPeer(peer) }

// SetHopEncryptionKey installs the symmetric key shared with a neighbor.
func (n *Node) SetHopEncryptionKey(peer string, key []byte) error {
	return n.router.SetHopEncryptionKey(peer, key)
}

// HasPeer reports whether a live connection to the peer exists.
func (n *Node) HasPeer(peer string) bool { return n.manager.HasPeer(peer) }

// ID returns the local peer identifier.
func (n *Node) ID() string { return n.id }

// Stats returns a snapshot of the node's counters.
func (n *Node) Stats() Stats {
	dests := n.table.Destinations()
	routes := 0
	for _, d := range dests {
		routes += n.table.Len(d)
	}
	return Stats{
		Router:      n.router.Stats(),
		ActivePeers: len(n.manager.ActivePeers()),
		Neighbors:   n.proto.AliveNeighbors(),
		Routes:      routes,
	}
}

// Close stops the loops and tears down every connection and transport.
func (n *Node) Close() error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = n.manager.CloseAll()
	err := n.registry.Close()
	n.wg.Wait()
	n.logger.Info("node stopped")
	return err
}
