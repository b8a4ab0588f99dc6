package network

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/VanDung-dev/voidnet/engine"
	"github.com/VanDung-dev/voidnet/transport"
)

// DefaultHandshakeTimeout bounds every handshake attempt, on both sides.
const DefaultHandshakeTimeout = 10 * time.Second

// maxParkedAcks bounds the handshake-acks held while attempts wait for the
// identity of their acceptor.
const maxParkedAcks = 64

// EchoStrategy decides what the initiator sends back when the acceptor asks
// it to prove it sent the original handshake. The default echoes the datum
// unchanged; tests substitute a tampering one.
type EchoStrategy func(sent HandshakeDatum) HandshakeDatum

// SecretSource produces the per-attempt secret.
type SecretSource func() (string, error)

func echoUnchanged(sent HandshakeDatum) HandshakeDatum {
	return sent
}

func randomSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate handshake secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HandshakeConfig configures a HandshakeHandler.
type HandshakeConfig struct {
	Self      Identity
	Bus       *Bus
	Loop      *engine.Loop
	Transport transport.Transport
	Clock     clock.Clock
	Timeout   time.Duration
	Echo      EchoStrategy
	Secrets   SecretSource
	Recorder  Recorder
	Logger    *slog.Logger
}

// HandshakeHandler turns pairs of channels into verified connections.
//
// The initiator I dials the acceptor R and sends its identity with a fresh
// secret. R answers with its own identity, dials I back and announces itself
// on that second channel. I echoes the original datum over it; R checks the
// echo against what it received first, which proves the node it dialled back
// is the node that dialled it. R reports the outcome on the first channel.
//
// All state is confined to the node loop. Every attempt settles exactly once:
// with a connection, a failure, a timeout, or when the handler closes.
type HandshakeHandler struct {
	self      Identity
	bus       *Bus
	loop      *engine.Loop
	transport transport.Transport
	clock     clock.Clock
	timeout   time.Duration
	echo      EchoStrategy
	secrets   SecretSource
	recorder  Recorder
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// loop-confined
	pending  map[string]*attempt
	attempts map[*attempt]struct{}
	accepts  map[*acceptance]struct{}
	parked   map[string]parkedAck
	closed   bool

	mu       sync.Mutex
	incoming map[string]struct{}
}

// attempt is one outgoing handshake.
type attempt struct {
	uri        string
	datum      HandshakeDatum
	remote     Identity
	registered bool
	outbound   transport.Channel
	inbound    transport.Channel
	inbox      *inbox
	timer      *clock.Timer
	settled    bool
	done       chan attemptResult
}

type attemptResult struct {
	conn *Connection
	err  error
}

// parkedAck is a handshake-ack that arrived before the identity of the
// acceptor that sent it.
type parkedAck struct {
	in  transport.Channel
	ack transport.AckFunc
}

// acceptance is one incoming handshake.
type acceptance struct {
	received HandshakeDatum
	inbound  transport.Channel
	outbound transport.Channel
	inbox    *inbox
	timer    *clock.Timer
	settled  bool
}

// NewHandshakeHandler creates a handler.
func NewHandshakeHandler(cfg HandshakeConfig) *HandshakeHandler {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHandshakeTimeout
	}
	if cfg.Echo == nil {
		cfg.Echo = echoUnchanged
	}
	if cfg.Secrets == nil {
		cfg.Secrets = randomSecret
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &HandshakeHandler{
		self:      cfg.Self,
		bus:       cfg.Bus,
		loop:      cfg.Loop,
		transport: cfg.Transport,
		clock:     cfg.Clock,
		timeout:   cfg.Timeout,
		echo:      cfg.Echo,
		secrets:   cfg.Secrets,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger.With("component", "handshake"),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*attempt),
		attempts:  make(map[*attempt]struct{}),
		accepts:   make(map[*acceptance]struct{}),
		parked:    make(map[string]parkedAck),
		incoming:  make(map[string]struct{}),
	}
}

// Connect runs a handshake with the node listening at uri. It returns once
// the attempt has settled; cancelling ctx settles it early.
func (h *HandshakeHandler) Connect(ctx context.Context, uri string) (*Connection, error) {
	att := &attempt{
		uri:  uri,
		done: make(chan attemptResult, 1),
	}

	if err := h.loop.Post(func() { h.start(att) }); err != nil {
		return nil, ErrNodeStopped
	}

	select {
	case res := <-att.done:
		return res.conn, res.err
	case <-ctx.Done():
		if err := h.loop.Post(func() { h.settleAttempt(att, nil, ctx.Err()) }); err != nil {
			return nil, ctx.Err()
		}
		res := <-att.done
		return res.conn, res.err
	}
}

// HandleIncoming prepares a freshly accepted channel for the handshake. It is
// safe to call from any goroutine and more than once per channel.
func (h *HandshakeHandler) HandleIncoming(ch transport.Channel) {
	h.mu.Lock()
	if _, ok := h.incoming[ch.ID()]; ok {
		h.mu.Unlock()
		return
	}
	h.incoming[ch.ID()] = struct{}{}
	h.mu.Unlock()

	ch.OnDisconnect(func() {
		h.mu.Lock()
		delete(h.incoming, ch.ID())
		h.mu.Unlock()
	})

	in := wrapChannel(ch, h.loop)

	// Whichever event comes first decides the role of the channel.
	claimed := false
	claim := func(handle func(transport.Channel, json.RawMessage, transport.AckFunc)) transport.Handler {
		return func(payload json.RawMessage, ack transport.AckFunc) {
			if claimed {
				return
			}
			claimed = true
			in.Off(eventHandshake, eventHandshakeAck)
			handle(in, payload, ack)
		}
	}

	in.On(eventHandshake, claim(h.handleHandshake))
	in.On(eventHandshakeAck, claim(h.handleAck))
}

// Close settles every open attempt with ErrNodeStopped. Must run on the loop.
func (h *HandshakeHandler) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.cancel()

	for att := range h.attempts {
		h.settleAttempt(att, nil, ErrNodeStopped)
	}
	for acc := range h.accepts {
		h.settleAcceptance(acc, nil, ErrNodeStopped)
	}
	h.flushParked()
}

// setSelf replaces the identity announced to peers. Must run on the loop.
func (h *HandshakeHandler) setSelf(self Identity) {
	h.self = self
}

// Pending returns the number of attempts waiting for a result. Must run on
// the loop.
func (h *HandshakeHandler) Pending() int {
	return len(h.attempts) + len(h.accepts)
}

func (h *HandshakeHandler) dial(uri string, then func(transport.Channel, error)) {
	go func() {
		ch, err := h.transport.Dial(h.ctx, uri)
		if err != nil {
			err = fmt.Errorf("%w %s: %w", ErrDialFailed, uri, err)
		}
		if postErr := h.loop.Post(func() { then(ch, err) }); postErr != nil && ch != nil {
			ch.Disconnect()
		}
	}()
}

func (h *HandshakeHandler) start(att *attempt) {
	if h.closed {
		h.settleAttempt(att, nil, ErrNodeStopped)
		return
	}

	secret, err := h.secrets()
	if err != nil {
		h.settleAttempt(att, nil, err)
		return
	}

	att.datum = HandshakeDatum{Identity: h.self, Data: secret}
	h.attempts[att] = struct{}{}
	att.timer = h.clock.AfterFunc(h.timeout, func() {
		_ = h.loop.Post(func() { h.settleAttempt(att, nil, ErrHandshakeTimeout) })
	})

	h.logger.Debug("starting handshake", "uri", att.uri)
	h.dial(att.uri, func(ch transport.Channel, err error) {
		h.dialed(att, ch, err)
	})
}

func (h *HandshakeHandler) dialed(att *attempt, ch transport.Channel, err error) {
	if err != nil {
		h.settleAttempt(att, nil, err)
		return
	}
	if att.settled {
		ch.Disconnect()
		return
	}

	out := wrapChannel(ch, h.loop)
	att.outbound = out

	out.OnDisconnect(func() {
		h.settleAttempt(att, nil, ErrHandshakeAborted)
	})
	out.On(eventHandshakeResult, func(payload json.RawMessage, _ transport.AckFunc) {
		h.handleResult(att, payload)
	})

	err = out.EmitWithAck(eventHandshake, att.datum, func(answer json.RawMessage) {
		h.handleAccepted(att, answer)
	})
	if err != nil {
		h.settleAttempt(att, nil, fmt.Errorf("%w: %w", ErrHandshakeAborted, err))
	}
}

// handleAccepted receives the acceptor's identity.
func (h *HandshakeHandler) handleAccepted(att *attempt, answer json.RawMessage) {
	if att.settled {
		return
	}

	var remote Identity
	if err := json.Unmarshal(answer, &remote); err != nil {
		h.settleAttempt(att, nil, fmt.Errorf("%w: %w", ErrInvalidIdentity, err))
		return
	}
	if err := remote.Validate(); err != nil {
		h.settleAttempt(att, nil, err)
		return
	}
	if remote.Scheme == "" {
		remote.Scheme = h.self.Scheme
	}
	if remote.ID == h.self.ID {
		h.settleAttempt(att, nil, ErrSelfConnect)
		return
	}
	if _, ok := h.pending[remote.ID]; ok {
		h.settleAttempt(att, nil, fmt.Errorf("%w %s", ErrDuplicateHandshake, remote.ID))
		return
	}

	att.remote = remote
	att.registered = true
	h.pending[remote.ID] = att

	if p, ok := h.parked[remote.ID]; ok {
		delete(h.parked, remote.ID)
		h.bindAck(att, p.in, p.ack)
	}
	h.flushParked()
}

// handleAck runs on a channel the acceptor of one of our attempts dialled
// back to us.
func (h *HandshakeHandler) handleAck(in transport.Channel, payload json.RawMessage, ack transport.AckFunc) {
	var remote Identity
	_ = json.Unmarshal(payload, &remote)

	if att, ok := h.pending[remote.ID]; ok {
		h.bindAck(att, in, ack)
		return
	}

	// The acceptor's identity may still be in flight on the first channel.
	if ack != nil && ValidID(remote.ID) && h.awaitingIdentity() && h.canPark(in, remote.ID) {
		h.parked[remote.ID] = parkedAck{in: in, ack: ack}
		return
	}

	h.rejectAck(in, remote.ID)
}

// canPark reports whether an ack for id arriving on in may wait for its
// attempt: one per id, one per channel, and at most maxParkedAcks in total.
func (h *HandshakeHandler) canPark(in transport.Channel, id string) bool {
	if len(h.parked) >= maxParkedAcks {
		return false
	}
	if _, dup := h.parked[id]; dup {
		return false
	}
	for _, p := range h.parked {
		if p.in.ID() == in.ID() {
			return false
		}
	}
	return true
}

func (h *HandshakeHandler) bindAck(att *attempt, in transport.Channel, ack transport.AckFunc) {
	if att.settled || att.inbound != nil || ack == nil {
		h.rejectAck(in, att.remote.ID)
		return
	}

	att.inbound = in
	att.inbox = newInbox(in)
	in.OnDisconnect(func() {
		h.settleAttempt(att, nil, ErrHandshakeAborted)
	})

	ack(h.echo(att.datum))
}

func (h *HandshakeHandler) rejectAck(in transport.Channel, remoteID string) {
	in.Disconnect()
	h.logger.Debug("dropping unsolicited handshake ack", "remote_id", remoteID)
	h.recorder.HandshakeFinished(false, ErrUnsolicitedAck)
	h.bus.HandshakeFailed.Publish(HandshakeFailure{RemoteID: remoteID, Err: ErrUnsolicitedAck})
}

// awaitingIdentity reports whether some attempt has sent its handshake but
// not yet learned who answered it.
func (h *HandshakeHandler) awaitingIdentity() bool {
	for att := range h.attempts {
		if !att.registered && att.outbound != nil {
			return true
		}
	}
	return false
}

// flushParked rejects parked acks once no attempt can claim them any more.
func (h *HandshakeHandler) flushParked() {
	if len(h.parked) == 0 || (!h.closed && h.awaitingIdentity()) {
		return
	}
	for id, p := range h.parked {
		delete(h.parked, id)
		h.rejectAck(p.in, id)
	}
}

func (h *HandshakeHandler) handleResult(att *attempt, payload json.RawMessage) {
	if att.settled {
		return
	}

	var result HandshakeDatum
	if err := json.Unmarshal(payload, &result); err != nil {
		h.settleAttempt(att, nil, fmt.Errorf("%w: %w", ErrHandshakeRejected, err))
		return
	}

	switch {
	case !att.registered || result.ID != att.remote.ID:
		h.settleAttempt(att, nil, fmt.Errorf("%w: result from unexpected peer %q", ErrHandshakeRejected, result.ID))
	case result.Data != resultSuccess:
		h.settleAttempt(att, nil, ErrHandshakeRejected)
	case att.inbound == nil:
		h.settleAttempt(att, nil, ErrHandshakeAborted)
	default:
		conn := newConnection(att.remote, att.outbound, att.inbound, true, att.inbox)
		h.settleAttempt(att, conn, nil)
	}
}

func (h *HandshakeHandler) settleAttempt(att *attempt, conn *Connection, err error) {
	if att.settled {
		return
	}
	att.settled = true

	if att.timer != nil {
		att.timer.Stop()
	}
	delete(h.attempts, att)
	if att.registered && h.pending[att.remote.ID] == att {
		delete(h.pending, att.remote.ID)
	}
	if att.outbound != nil {
		att.outbound.Off(eventHandshakeResult)
	}
	h.flushParked()

	h.recorder.HandshakeFinished(true, err)

	if err != nil {
		if att.outbound != nil {
			att.outbound.Disconnect()
		}
		if att.inbound != nil {
			att.inbound.Disconnect()
		}

		h.logger.Debug("handshake failed", "uri", att.uri, "remote_id", att.remote.ID, "error", err)
		h.bus.HandshakeFailed.Publish(HandshakeFailure{
			URI:       att.uri,
			RemoteID:  att.remote.ID,
			Initiated: true,
			Err:       err,
		})
	} else {
		h.logger.Debug("handshake succeeded", "uri", att.uri, "remote_id", att.remote.ID)
		h.bus.HandshakeSucceeded.Publish(conn)
	}

	att.done <- attemptResult{conn: conn, err: err}
}

// handleHandshake runs on a channel a remote initiator dialled to us.
func (h *HandshakeHandler) handleHandshake(in transport.Channel, payload json.RawMessage, ack transport.AckFunc) {
	var received HandshakeDatum
	if err := json.Unmarshal(payload, &received); err != nil || received.Validate() != nil || ack == nil {
		in.Disconnect()
		h.recorder.HandshakeFinished(false, ErrInvalidIdentity)
		h.bus.HandshakeFailed.Publish(HandshakeFailure{RemoteID: received.ID, Err: ErrInvalidIdentity})
		return
	}
	if received.Scheme == "" {
		received.Scheme = h.self.Scheme
	}

	ack(h.self)

	// The initiator notices it reached itself and hangs up.
	if received.ID == h.self.ID || h.closed {
		return
	}

	acc := &acceptance{
		received: received,
		inbound:  in,
		inbox:    newInbox(in),
	}
	h.accepts[acc] = struct{}{}

	in.OnDisconnect(func() {
		h.settleAcceptance(acc, nil, ErrHandshakeAborted)
	})
	acc.timer = h.clock.AfterFunc(h.timeout, func() {
		_ = h.loop.Post(func() { h.settleAcceptance(acc, nil, ErrHandshakeTimeout) })
	})

	h.logger.Debug("accepting handshake", "remote_id", received.ID, "uri", received.URI())
	h.dial(received.URI(), func(ch transport.Channel, err error) {
		h.dialedBack(acc, ch, err)
	})
}

func (h *HandshakeHandler) dialedBack(acc *acceptance, ch transport.Channel, err error) {
	if err != nil {
		h.settleAcceptance(acc, nil, err)
		return
	}
	if acc.settled {
		ch.Disconnect()
		return
	}

	out := wrapChannel(ch, h.loop)
	acc.outbound = out

	out.OnDisconnect(func() {
		h.settleAcceptance(acc, nil, ErrHandshakeAborted)
	})

	err = out.EmitWithAck(eventHandshakeAck, h.self, func(answer json.RawMessage) {
		h.verify(acc, answer)
	})
	if err != nil {
		h.settleAcceptance(acc, nil, fmt.Errorf("%w: %w", ErrHandshakeAborted, err))
	}
}

// verify checks the initiator's echo against the datum it sent first.
func (h *HandshakeHandler) verify(acc *acceptance, answer json.RawMessage) {
	if acc.settled {
		return
	}

	var echo HandshakeDatum
	if err := json.Unmarshal(answer, &echo); err != nil {
		h.settleAcceptance(acc, nil, fmt.Errorf("%w: %w", ErrHandshakeMismatch, err))
		return
	}
	if echo.Scheme == "" {
		echo.Scheme = h.self.Scheme
	}

	sent := acc.received
	if echo.URI() != sent.URI() || echo.ID != sent.ID || echo.Data != sent.Data {
		h.settleAcceptance(acc, nil, ErrHandshakeMismatch)
		return
	}

	conn := newConnection(sent.Identity, acc.outbound, acc.inbound, false, acc.inbox)
	h.settleAcceptance(acc, conn, nil)
}

func (h *HandshakeHandler) settleAcceptance(acc *acceptance, conn *Connection, err error) {
	if acc.settled {
		return
	}
	acc.settled = true

	if acc.timer != nil {
		acc.timer.Stop()
	}
	delete(h.accepts, acc)

	h.recorder.HandshakeFinished(false, err)

	result := resultSuccess
	if err != nil {
		result = resultFail
	}
	// The result travels on the initiator's own channel, ahead of any
	// teardown.
	_ = acc.inbound.Emit(eventHandshakeResult, HandshakeDatum{Identity: h.self, Data: result})

	if err != nil {
		acc.inbound.Disconnect()
		if acc.outbound != nil {
			acc.outbound.Disconnect()
		}

		h.logger.Debug("incoming handshake failed", "remote_id", acc.received.ID, "error", err)
		h.bus.HandshakeFailed.Publish(HandshakeFailure{
			URI:      acc.received.URI(),
			RemoteID: acc.received.ID,
			Err:      err,
		})
		return
	}

	h.logger.Debug("incoming handshake succeeded", "remote_id", acc.received.ID)
	h.bus.HandshakeSucceeded.Publish(conn)
}
