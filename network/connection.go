package network

import (
	"encoding/json"
	"sync"

	"github.com/VanDung-dev/voidnet/engine"
	"github.com/VanDung-dev/voidnet/transport"
)

// Wire events exchanged between nodes.
const (
	eventHandshake       = "handshake"
	eventHandshakeAck    = "handshake-ack"
	eventHandshakeResult = "handshake-result"
	eventMessage         = "message"
	eventMap             = "map"
)

// maxInboxBacklog bounds the events buffered before a connection is attached.
const maxInboxBacklog = 1024

// Connection is a verified link to one peer: the channel this node dialled
// and the channel the peer dialled back. Both close together.
type Connection struct {
	remote    Identity
	outbound  transport.Channel
	inbound   transport.Channel
	initiated bool
	inbox     *inbox

	closeOnce sync.Once

	// loop-confined
	notified bool
}

func newConnection(remote Identity, outbound, inbound transport.Channel, initiated bool, in *inbox) *Connection {
	return &Connection{
		remote:    remote,
		outbound:  outbound,
		inbound:   inbound,
		initiated: initiated,
		inbox:     in,
	}
}

// Remote returns the identity the peer proved during the handshake.
func (c *Connection) Remote() Identity {
	return c.remote
}

// Initiated reports whether this node started the handshake.
func (c *Connection) Initiated() bool {
	return c.initiated
}

// Emit sends an event to the peer.
func (c *Connection) Emit(event string, payload any) error {
	return c.outbound.Emit(event, payload)
}

// Close disconnects both channels. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.outbound.Disconnect()
		c.inbound.Disconnect()
	})
}

// watch calls fn once, on the node loop, when either channel goes away. The
// other channel is closed along with it.
func (c *Connection) watch(fn func()) {
	lost := func() {
		if c.notified {
			return
		}
		c.notified = true
		c.Close()
		fn()
	}
	c.outbound.OnDisconnect(lost)
	c.inbound.OnDisconnect(lost)
}

// attach starts routing the peer's gossip to sink, replaying what arrived
// while the handshake was still settling.
func (c *Connection) attach(sink func(event string, payload json.RawMessage)) {
	if c.inbox != nil {
		c.inbox.attach(sink)
	}
}

type inboxEvent struct {
	event   string
	payload json.RawMessage
}

// inbox holds the gossip a peer sends on its channel before this node has
// registered the connection. The peer may start gossiping as soon as it
// considers the handshake done, which can be before the result reaches us.
type inbox struct {
	sink    func(event string, payload json.RawMessage)
	backlog []inboxEvent
}

func newInbox(ch transport.Channel) *inbox {
	in := &inbox{}
	for _, event := range []string{eventMessage, eventMap} {
		event := event
		ch.On(event, func(payload json.RawMessage, _ transport.AckFunc) {
			in.receive(event, payload)
		})
	}
	return in
}

func (in *inbox) receive(event string, payload json.RawMessage) {
	if in.sink != nil {
		in.sink(event, payload)
		return
	}
	if len(in.backlog) >= maxInboxBacklog {
		return
	}
	in.backlog = append(in.backlog, inboxEvent{event: event, payload: payload})
}

func (in *inbox) attach(sink func(event string, payload json.RawMessage)) {
	in.sink = sink
	backlog := in.backlog
	in.backlog = nil
	for _, ev := range backlog {
		sink(ev.event, ev.payload)
	}
}

// loopChannel confines a channel's callbacks to a node loop: event handlers,
// ack callbacks and disconnect callbacks are posted to it instead of running
// on the transport goroutine.
type loopChannel struct {
	transport.Channel
	loop *engine.Loop
}

func wrapChannel(ch transport.Channel, loop *engine.Loop) transport.Channel {
	if lc, ok := ch.(*loopChannel); ok && lc.loop == loop {
		return lc
	}
	return &loopChannel{Channel: ch, loop: loop}
}

func (c *loopChannel) On(event string, handler transport.Handler) {
	c.Channel.On(event, func(payload json.RawMessage, ack transport.AckFunc) {
		_ = c.loop.Post(func() {
			handler(payload, ack)
		})
	})
}

func (c *loopChannel) EmitWithAck(event string, payload any, onAck func(json.RawMessage)) error {
	return c.Channel.EmitWithAck(event, payload, func(answer json.RawMessage) {
		_ = c.loop.Post(func() {
			onAck(answer)
		})
	})
}

func (c *loopChannel) OnDisconnect(fn func()) {
	c.Channel.OnDisconnect(func() {
		_ = c.loop.Post(fn)
	})
}
