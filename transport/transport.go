// Package transport provides the duplex event channels voidnet nodes talk over.
//
// A Channel carries named events with JSON payloads in emission order. An
// event may request an acknowledgement, which the receiver answers with a
// payload of its own. Three implementations exist:
//   - MemoryTransport: in-process channels, used by tests and tools
//   - WebSocketTransport: gorilla/websocket connections ("ws" scheme)
//   - ZmqTransport: ZeroMQ ROUTER/DEALER sockets ("tcp" scheme)
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
)

// Common errors for transport operations
var (
	ErrChannelClosed    = errors.New("channel is closed")
	ErrUnreachable      = errors.New("address is unreachable")
	ErrSchemeMismatch   = errors.New("uri scheme does not match transport")
	ErrUnknownTransport = errors.New("unknown transport")
)

// AckFunc answers an event that requested an acknowledgement. Only the first
// call has an effect.
type AckFunc func(payload any)

// Handler processes one received event. ack is nil when the sender did not
// ask for an acknowledgement.
type Handler func(payload json.RawMessage, ack AckFunc)

// Channel is one half-duplex logical link to a remote process. All methods
// are safe for concurrent use. Handlers for a single channel are invoked
// sequentially, in the order the remote emitted the events.
type Channel interface {
	// ID returns a process-unique identifier for this channel.
	ID() string
	// Emit sends an event without requesting an acknowledgement.
	Emit(event string, payload any) error
	// EmitWithAck sends an event and calls onAck with the remote's answer.
	EmitWithAck(event string, payload any, onAck func(json.RawMessage)) error
	// On registers the handler for an event, replacing any previous one.
	On(event string, handler Handler)
	// Off removes the handlers for the given events.
	Off(events ...string)
	// OnDisconnect registers fn to run once the channel is gone. If the
	// channel is already gone, fn runs immediately.
	OnDisconnect(fn func())
	// Disconnect tears the channel down on both ends.
	Disconnect()
}

// Listener is a bound transport endpoint handing inbound channels to an
// accept callback.
type Listener interface {
	Addr() string
	Close() error
}

// Transport dials and accepts channels.
type Transport interface {
	// Scheme returns the URI scheme this transport dials, e.g. "ws".
	Scheme() string
	// Dial opens an outbound channel to uri.
	Dial(ctx context.Context, uri string) (Channel, error)
	// Listen binds host:port and calls accept once per inbound channel,
	// before any of that channel's events are delivered.
	Listen(ctx context.Context, host string, port int, accept func(Channel)) (Listener, error)
}

// New returns the transport registered under name.
func New(name string) (Transport, error) {
	switch name {
	case SchemeWebSocket:
		return NewWebSocketTransport(), nil
	case "zmq", SchemeZmq:
		return NewZmqTransport(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}
}

// ParseURI splits a scheme://host:port URI, checking the scheme.
func ParseURI(uri, scheme string) (string, int, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", 0, fmt.Errorf("invalid uri %q: %w", uri, err)
	}

	if u.Scheme != scheme {
		return "", 0, fmt.Errorf("%w: got %q, want %q", ErrSchemeMismatch, u.Scheme, scheme)
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", 0, fmt.Errorf("invalid uri %q: %w", uri, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in uri %q: %w", uri, err)
	}

	return host, port, nil
}

const (
	frameEvent = "event"
	frameAck   = "ack"
	frameClose = "close"
	frameOpen  = "open"
)

// frame is the unit exchanged on the wire by every transport.
type frame struct {
	Kind    string          `json:"kind"`
	Event   string          `json:"event,omitempty"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// endpoint implements Channel on top of a raw frame sender. Transports feed
// received frames into deliver from a single goroutine per channel.
type endpoint struct {
	id      string
	send    func([]byte) error
	release func()

	mu           sync.Mutex
	handlers     map[string]Handler
	acks         map[uint64]func(json.RawMessage)
	nextAck      uint64
	onDisconnect []func()
	closed       bool
}

func newEndpoint(id string, send func([]byte) error, release func()) *endpoint {
	return &endpoint{
		id:       id,
		send:     send,
		release:  release,
		handlers: make(map[string]Handler),
		acks:     make(map[uint64]func(json.RawMessage)),
	}
}

func (e *endpoint) ID() string {
	return e.id
}

func (e *endpoint) Emit(event string, payload any) error {
	return e.emit(event, payload, nil)
}

func (e *endpoint) EmitWithAck(event string, payload any, onAck func(json.RawMessage)) error {
	return e.emit(event, payload, onAck)
}

func (e *endpoint) emit(event string, payload any, onAck func(json.RawMessage)) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %q payload: %w", event, err)
	}

	f := frame{Kind: frameEvent, Event: event, Payload: data}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrChannelClosed
	}
	if onAck != nil {
		e.nextAck++
		f.ID = e.nextAck
		e.acks[f.ID] = onAck
	}
	e.mu.Unlock()

	if err := e.writeFrame(f); err != nil {
		if onAck != nil {
			e.mu.Lock()
			delete(e.acks, f.ID)
			e.mu.Unlock()
		}
		return err
	}

	return nil
}

func (e *endpoint) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	return e.send(data)
}

func (e *endpoint) On(event string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = handler
}

func (e *endpoint) Off(events ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, event := range events {
		delete(e.handlers, event)
	}
}

func (e *endpoint) OnDisconnect(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		fn()
		return
	}
	e.onDisconnect = append(e.onDisconnect, fn)
	e.mu.Unlock()
}

func (e *endpoint) Disconnect() {
	e.shutdown(true)
}

func (e *endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// shutdown closes the endpoint once. notify tells the remote end with a close
// frame; it is false when the remote initiated the teardown.
func (e *endpoint) shutdown(notify bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	callbacks := e.onDisconnect
	e.onDisconnect = nil
	e.acks = make(map[uint64]func(json.RawMessage))
	e.mu.Unlock()

	if notify {
		_ = e.writeFrame(frame{Kind: frameClose})
	}

	if e.release != nil {
		e.release()
	}

	for _, fn := range callbacks {
		fn()
	}
}

// deliver decodes and dispatches one received frame. Malformed frames are
// dropped.
func (e *endpoint) deliver(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}

	switch f.Kind {
	case frameEvent:
		e.mu.Lock()
		handler, ok := e.handlers[f.Event]
		closed := e.closed
		e.mu.Unlock()

		if !ok || closed {
			return
		}

		var ack AckFunc
		if f.ID != 0 {
			ack = e.acker(f.ID)
		}

		handler(f.Payload, ack)
	case frameAck:
		e.mu.Lock()
		onAck, ok := e.acks[f.ID]
		delete(e.acks, f.ID)
		e.mu.Unlock()

		if ok {
			onAck(f.Payload)
		}
	case frameClose:
		e.shutdown(false)
	}
}

func (e *endpoint) acker(id uint64) AckFunc {
	var once sync.Once
	return func(payload any) {
		once.Do(func() {
			data, err := json.Marshal(payload)
			if err != nil {
				return
			}
			_ = e.writeFrame(frame{Kind: frameAck, ID: id, Payload: data})
		})
	}
}
