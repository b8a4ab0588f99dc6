package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/VanDung-dev/voidnet/engine"
	"github.com/VanDung-dev/voidnet/transport"
)

// Option customizes a Node.
type Option func(*options)

type options struct {
	recorder Recorder
	echo     EchoStrategy
	trackers TrackerFactory
	clock    clock.Clock
	secrets  SecretSource
}

// WithRecorder sets the recorder that receives the node's measurements.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithEchoStrategy replaces what the node echoes during handshakes it
// initiates.
func WithEchoStrategy(echo EchoStrategy) Option {
	return func(o *options) {
		o.echo = echo
	}
}

// WithTrackerFactory replaces how dedup trackers are built.
func WithTrackerFactory(f TrackerFactory) Option {
	return func(o *options) {
		o.trackers = f
	}
}

// WithClock sets the clock used for dedup windows and handshake timeouts.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithSecretSource replaces the generator of handshake secrets.
func WithSecretSource(s SecretSource) Option {
	return func(o *options) {
		o.secrets = s
	}
}

// Status represents the current status of a node.
type Status struct {
	ID               string           `json:"id"`
	URI              string           `json:"uri"`
	Running          bool             `json:"running"`
	Connections      int              `json:"connections"`
	Pending          int              `json:"pending_handshakes"`
	Accepted         uint64           `json:"messages_accepted"`
	Rejected         uint64           `json:"messages_rejected"`
	TopologyRejected uint64           `json:"topology_rejected"`
	Nodes            int              `json:"nodes"`
	Edges            int              `json:"edges"`
	Loop             engine.LoopStats `json:"loop"`
}

// Node is one participant of the overlay.
//
// Everything the node knows lives on its loop: the connection registry, the
// dedup trackers' owner, the network map writer and the handshake state.
// User callbacks run on a separate dispatch loop so they can call back into
// the node.
type Node struct {
	config    Config
	transport transport.Transport
	logger    *slog.Logger
	recorder  Recorder

	loop     *engine.Loop
	dispatch *engine.Loop

	bus        *Bus
	messages   *MessageHandler
	netmap     *NetworkMap
	handshakes *HandshakeHandler

	connected    Feed[Identity]
	disconnected Feed[Identity]

	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	identity Identity
	listener transport.Listener
	started  bool
	stopped  bool

	// loop-confined
	connections map[string]*Connection
	stopping    bool

	stopOnce sync.Once
}

// NewNode creates a node. When tr is nil the transport named by the config is
// used.
func NewNode(cfg Config, tr transport.Transport, opts ...Option) (*Node, error) {
	if err := cfg.validate(tr != nil); err != nil {
		return nil, err
	}

	if tr == nil {
		var err error
		if tr, err = transport.New(cfg.Transport); err != nil {
			return nil, err
		}
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.recorder == nil {
		o.recorder = NopRecorder{}
	}
	if o.trackers == nil {
		o.trackers = NewTrackerFactory(o.clock, cfg.DedupWindow)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	identity := NewIdentity(tr.Scheme(), cfg.Host, cfg.Port)
	logger = logger.With("node_id", identity.ID)

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		config:      cfg,
		transport:   tr,
		logger:      logger,
		recorder:    o.recorder,
		bus:         &Bus{},
		netmap:      NewNetworkMap(),
		id:          identity.ID,
		ctx:         ctx,
		cancel:      cancel,
		identity:    identity,
		connections: make(map[string]*Connection),
	}

	onPanic := func(err error) {
		n.logger.Error("recovered panic in node loop", "error", err)
	}
	n.loop = engine.NewLoop("node", engine.WithPanicHandler(onPanic))
	n.dispatch = engine.NewLoop("dispatch", engine.WithPanicHandler(onPanic))

	n.messages = NewMessageHandler(identity.ID, n.bus, o.trackers, o.recorder)
	n.handshakes = NewHandshakeHandler(HandshakeConfig{
		Self:      identity,
		Bus:       n.bus,
		Loop:      n.loop,
		Transport: tr,
		Clock:     o.clock,
		Timeout:   cfg.HandshakeTimeout,
		Echo:      o.echo,
		Secrets:   o.secrets,
		Recorder:  o.recorder,
		Logger:    logger,
	})

	n.bus.HandshakeSucceeded.Subscribe(n.handleConnection)
	n.bus.HandshakeFailed.Subscribe(func(f HandshakeFailure) {
		n.logger.Warn("handshake failed", "uri", f.URI, "remote_id", f.RemoteID, "initiated", f.Initiated, "error", f.Err)
	})
	n.bus.MessageAccepted.Subscribe(n.flood)

	for _, msgType := range []string{TypeConnect, TypeDisconnect} {
		n.messages.Subscribe(msgType, func(msg Message) {
			n.netmap.HandleEvents(msg)
			n.topologyChanged()
		})
	}

	return n, nil
}

// Start binds the listener and dials the configured peers in the background.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return ErrNodeStopped
	}
	if n.started {
		return ErrNodeAlreadyStarted
	}

	ln, err := n.transport.Listen(ctx, n.config.Host, n.config.Port, n.handshakes.HandleIncoming)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if port, ok := listenerPort(ln.Addr()); ok && port != n.identity.Port {
		n.identity.Port = port
		self := n.identity
		if err := n.loop.Do(ctx, func() { n.handshakes.setSelf(self) }); err != nil {
			_ = ln.Close()
			return err
		}
	}

	n.listener = ln
	n.started = true

	n.logger.Info("node started", "uri", n.identity.URI())

	for _, peer := range n.config.Peers {
		go func(uri string) {
			if _, err := n.Connect(n.ctx, uri); err != nil {
				n.logger.Warn("failed to connect to peer", "uri", uri, "error", err)
			}
		}(peer)
	}

	return nil
}

// Run starts the node and blocks until ctx is cancelled, then stops it.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	n.Stop()
	return nil
}

// Stop closes every connection and the listener. It must not be called from
// a node callback.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopped = true
		ln := n.listener
		n.mu.Unlock()

		n.cancel()

		_ = n.loop.Do(context.Background(), func() {
			n.stopping = true
			n.handshakes.Close()
			for id, conn := range n.connections {
				delete(n.connections, id)
				conn.Close()
			}
		})

		if ln != nil {
			if err := ln.Close(); err != nil {
				n.logger.Warn("failed to close listener", "error", err)
			}
		}

		n.loop.Stop()
		n.dispatch.Stop()

		n.logger.Info("node stopped")
	})
}

// Connect runs a handshake with the node at uri and returns the resulting
// connection.
func (n *Node) Connect(ctx context.Context, uri string) (*Connection, error) {
	self := n.Identity()
	if uri == self.URI() {
		return nil, ErrSelfConnect
	}

	var err error
	if doErr := n.loop.Do(ctx, func() {
		for _, conn := range n.connections {
			if conn.remote.URI() == uri {
				err = fmt.Errorf("%w: %s", ErrAlreadyConnected, uri)
				return
			}
		}
	}); doErr != nil {
		return nil, n.loopError(doErr)
	}
	if err != nil {
		return nil, err
	}

	conn, err := n.handshakes.Connect(ctx, uri)
	if err != nil {
		return nil, err
	}

	// A simultaneous handshake in the other direction may have won.
	var current *Connection
	_ = n.loop.Do(context.Background(), func() {
		current = n.connections[conn.remote.ID]
	})
	if current != nil {
		return current, nil
	}
	return conn, nil
}

// Disconnect closes the connection to the peer with the given id.
func (n *Node) Disconnect(id string) error {
	var err error
	if doErr := n.loop.Do(context.Background(), func() {
		conn, ok := n.connections[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrPeerNotFound, id)
			return
		}
		conn.Close()
		n.handleClosed(conn)
	}); doErr != nil {
		return n.loopError(doErr)
	}
	return err
}

// Broadcast floods a new message of msgType to the network. The node's own
// OnMessage callbacks do not see it.
func (n *Node) Broadcast(msgType string, data any) (Message, error) {
	if msgType == TypeConnect || msgType == TypeDisconnect {
		return Message{}, fmt.Errorf("%w: %q", ErrReservedType, msgType)
	}

	var (
		msg Message
		err error
	)
	if doErr := n.loop.Do(context.Background(), func() {
		msg, err = n.messages.MakeMessage(msgType, data)
		if err == nil {
			n.flood(msg)
		}
	}); doErr != nil {
		return Message{}, n.loopError(doErr)
	}

	return msg, err
}

// OnMessage registers fn for messages of msgType accepted from the network.
func (n *Node) OnMessage(msgType string, fn func(Message)) func() {
	return n.messages.Subscribe(msgType, func(msg Message) {
		_ = n.dispatch.Post(func() { fn(msg) })
	})
}

// OnConnection registers fn for every newly established connection.
func (n *Node) OnConnection(fn func(Identity)) func() {
	return n.connected.Subscribe(func(remote Identity) {
		_ = n.dispatch.Post(func() { fn(remote) })
	})
}

// OnDisconnection registers fn for every connection that goes away.
func (n *Node) OnDisconnection(fn func(Identity)) func() {
	return n.disconnected.Subscribe(func(remote Identity) {
		_ = n.dispatch.Post(func() { fn(remote) })
	})
}

// Identity returns the identity this node announces.
func (n *Node) Identity() Identity {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.identity
}

// ConnectionCount returns the number of established connections.
func (n *Node) ConnectionCount() int {
	count := 0
	_ = n.loop.Do(context.Background(), func() {
		count = len(n.connections)
	})
	return count
}

// Connections returns the identities of all connected peers, sorted by id.
func (n *Node) Connections() []Identity {
	var peers []Identity
	_ = n.loop.Do(context.Background(), func() {
		for _, conn := range n.connections {
			peers = append(peers, conn.remote)
		}
	})

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID < peers[j].ID
	})
	return peers
}

// NetworkMap returns the confirmed connectivity graph as adjacency lists.
func (n *Node) NetworkMap() map[string][]string {
	return n.netmap.Adjacency()
}

// Edges returns every confirmed link of the graph once.
func (n *Node) Edges() []Edge {
	return n.netmap.Edges()
}

// NewestEvents returns the newest topology statement per reporter and target.
func (n *Node) NewestEvents() []Message {
	return n.netmap.NewestEvents()
}

// Status returns a snapshot of the node's state.
func (n *Node) Status() Status {
	self := n.Identity()

	n.mu.RLock()
	running := n.started && !n.stopped
	n.mu.RUnlock()

	status := Status{
		ID:               self.ID,
		URI:              self.URI(),
		Running:          running,
		Accepted:         n.messages.Accepted(),
		Rejected:         n.messages.Rejected(),
		TopologyRejected: n.netmap.Rejected(),
		Nodes:            n.netmap.Nodes(),
		Edges:            len(n.netmap.Edges()),
		Loop:             n.loop.GetStats(),
	}

	_ = n.loop.Do(context.Background(), func() {
		status.Connections = len(n.connections)
		status.Pending = n.handshakes.Pending()
	})

	return status
}

// handleConnection registers a connection that completed its handshake.
func (n *Node) handleConnection(conn *Connection) {
	if n.stopping {
		conn.Close()
		return
	}

	id := conn.remote.ID
	if existing, ok := n.connections[id]; ok {
		// Simultaneous handshakes in both directions produce two connections.
		// Both ends keep the one initiated by the smaller id.
		// A newer connection from the same initiator replaces the old one.
		if n.initiatorOf(existing) < n.initiatorOf(conn) {
			n.logger.Debug("dropping duplicate connection", "remote_id", id)
			conn.Close()
			return
		}
		delete(n.connections, id)
		existing.Close()
	}

	n.connections[id] = conn
	conn.watch(func() {
		n.handleClosed(conn)
	})
	conn.attach(func(event string, payload json.RawMessage) {
		n.receive(conn, event, payload)
	})

	n.logger.Info("peer connected", "remote_id", id, "uri", conn.remote.URI(), "initiated", conn.initiated)

	n.gossipTopology(TypeConnect, id)
	if err := conn.Emit(eventMap, n.netmap.NewestEvents()); err != nil {
		n.logger.Debug("failed to send network map", "remote_id", id, "error", err)
	}

	n.recorder.ConnectionsChanged(len(n.connections))
	n.connected.Publish(conn.remote)
}

// handleClosed unregisters a connection. Connections that were already
// replaced or removed are ignored.
func (n *Node) handleClosed(conn *Connection) {
	id := conn.remote.ID
	if current, ok := n.connections[id]; !ok || current != conn {
		return
	}
	delete(n.connections, id)

	n.logger.Info("peer disconnected", "remote_id", id)

	if n.stopping {
		return
	}

	n.gossipTopology(TypeDisconnect, id)
	n.recorder.ConnectionsChanged(len(n.connections))
	n.disconnected.Publish(conn.remote)
}

func (n *Node) receive(conn *Connection, event string, payload json.RawMessage) {
	switch event {
	case eventMessage:
		if !n.messages.ProcessRaw(payload) {
			n.logger.Debug("rejected message", "remote_id", conn.remote.ID)
		}
	case eventMap:
		if !n.netmap.HandleRaw(payload) {
			n.logger.Debug("dropping malformed network map", "remote_id", conn.remote.ID)
			return
		}
		n.topologyChanged()
	}
}

// gossipTopology announces a change of this node's own links.
func (n *Node) gossipTopology(msgType, remoteID string) {
	msg, err := n.messages.MakeMessage(msgType, remoteID)
	if err != nil {
		n.logger.Error("failed to create topology message", "type", msgType, "error", err)
		return
	}

	n.netmap.HandleEvents(msg)
	n.topologyChanged()
	n.flood(msg)
}

// flood sends msg to every connection, the one it came from included.
func (n *Node) flood(msg Message) {
	for id, conn := range n.connections {
		if err := conn.Emit(eventMessage, msg); err != nil {
			n.logger.Debug("failed to forward message", "remote_id", id, "error", err)
		}
	}
}

func (n *Node) topologyChanged() {
	n.recorder.TopologyChanged(n.netmap.Nodes(), len(n.netmap.Edges()))
}

func (n *Node) initiatorOf(conn *Connection) string {
	if conn.initiated {
		return n.id
	}
	return conn.remote.ID
}

func (n *Node) loopError(err error) error {
	if errors.Is(err, engine.ErrLoopStopped) {
		return ErrNodeStopped
	}
	return err
}

// listenerPort extracts the port from a listener address such as
// "127.0.0.1:7946" or "tcp://127.0.0.1:7946".
func listenerPort(addr string) (int, bool) {
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}

	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, false
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, false
	}
	return port, true
}
