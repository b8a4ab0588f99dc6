package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
)

// SchemeZmq is the URI scheme of ZeroMQ channels.
const SchemeZmq = "tcp"

// ZmqTransport implements Transport with ZeroMQ sockets. The listener is a
// ROUTER socket; every dial opens a DEALER socket with a fresh identity, and
// the ROUTER demultiplexes inbound channels by that identity. Channels open
// with an "open" frame and end with a "close" frame, because ZeroMQ gives no
// per-peer disconnect notification.
//
// A peer that crashes without sending "close" is not detected: its channels
// stay open until closed locally. Handshakes are still bounded by their
// timeout.
type ZmqTransport struct{}

// NewZmqTransport creates a ZeroMQ transport.
func NewZmqTransport() *ZmqTransport {
	return &ZmqTransport{}
}

// Scheme implements Transport.
func (t *ZmqTransport) Scheme() string {
	return SchemeZmq
}

// Listen implements Transport.
func (t *ZmqTransport) Listen(ctx context.Context, host string, port int, accept func(Channel)) (Listener, error) {
	ctx, cancel := context.WithCancel(ctx)

	address := fmt.Sprintf("tcp://%s", net.JoinHostPort(host, strconv.Itoa(port)))
	router := zmq4.NewRouter(ctx, zmq4.WithID(zmq4.SocketIdentity("voidnet-"+uuid.NewString())))

	if err := router.Listen(address); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to bind router: %w", err)
	}

	l := &zmqListener{
		ctx:     ctx,
		cancel:  cancel,
		router:  router,
		address: address,
		accept:  accept,
		inbound: make(map[string]*endpoint),
	}

	l.wg.Add(1)
	go l.receiverLoop()

	return l, nil
}

// Dial implements Transport.
func (t *ZmqTransport) Dial(ctx context.Context, uri string) (Channel, error) {
	if _, _, err := ParseURI(uri, SchemeZmq); err != nil {
		return nil, err
	}

	// The socket outlives the dial context, so it gets its own.
	sockCtx, cancel := context.WithCancel(context.Background())
	identity := uuid.NewString()
	dealer := zmq4.NewDealer(sockCtx, zmq4.WithID(zmq4.SocketIdentity(identity)))

	if err := dealer.Dial(uri); err != nil {
		cancel()
		_ = dealer.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	if err := ctx.Err(); err != nil {
		cancel()
		_ = dealer.Close()
		return nil, err
	}

	ch := &zmqDialChannel{dealer: dealer, cancel: cancel}
	ch.endpoint = newEndpoint("zmq-out-"+identity, ch.write, ch.closeSocket)

	open, err := json.Marshal(frame{Kind: frameOpen})
	if err != nil {
		ch.closeSocket()
		return nil, err
	}
	if err := ch.write(open); err != nil {
		ch.closeSocket()
		return nil, err
	}

	go ch.receiverLoop()

	return ch, nil
}

// zmqDialChannel is the dialing side of a ZeroMQ channel.
type zmqDialChannel struct {
	*endpoint

	dealer  zmq4.Socket
	cancel  context.CancelFunc
	writeMu sync.Mutex
}

func (c *zmqDialChannel) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.dealer.Send(zmq4.NewMsg(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	return nil
}

func (c *zmqDialChannel) closeSocket() {
	c.cancel()
	_ = c.dealer.Close()
}

func (c *zmqDialChannel) receiverLoop() {
	defer c.shutdown(false)

	for {
		msg, err := c.dealer.Recv()
		if err != nil {
			return
		}

		if len(msg.Frames) == 0 {
			continue
		}

		c.deliver(msg.Frames[len(msg.Frames)-1])

		if c.isClosed() {
			return
		}
	}
}

// zmqListener owns the ROUTER socket and every inbound channel routed
// through it.
type zmqListener struct {
	ctx     context.Context
	cancel  context.CancelFunc
	router  zmq4.Socket
	address string
	accept  func(Channel)

	mu      sync.Mutex
	inbound map[string]*endpoint
	sendMu  sync.Mutex

	wg   sync.WaitGroup
	once sync.Once
}

func (l *zmqListener) Addr() string {
	return l.address
}

func (l *zmqListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.router.Close()
		l.wg.Wait()

		l.mu.Lock()
		channels := make([]*endpoint, 0, len(l.inbound))
		for _, ep := range l.inbound {
			channels = append(channels, ep)
		}
		l.mu.Unlock()

		for _, ep := range channels {
			ep.shutdown(false)
		}
	})
	return err
}

// receiverLoop continuously receives frames from the ROUTER socket and routes
// them to the inbound channel of the sending identity.
func (l *zmqListener) receiverLoop() {
	defer l.wg.Done()

	retry := newRecvBackOff()
	for {
		msg, err := l.router.Recv()
		if err != nil {
			if !waitRetry(l.ctx, retry) {
				return
			}
			continue
		}
		retry.Reset()

		if len(msg.Frames) < 2 {
			continue
		}

		identity := msg.Frames[0]
		data := msg.Frames[len(msg.Frames)-1]

		l.mu.Lock()
		ep, ok := l.inbound[string(identity)]
		l.mu.Unlock()

		if ok {
			ep.deliver(data)
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Kind != frameOpen {
			continue
		}

		ep = l.newInbound(identity)
		l.accept(ep)
	}
}

func (l *zmqListener) newInbound(identity []byte) *endpoint {
	key := string(identity)
	route := append([]byte(nil), identity...)

	send := func(data []byte) error {
		l.sendMu.Lock()
		defer l.sendMu.Unlock()

		if err := l.router.Send(zmq4.NewMsgFrom(route, data)); err != nil {
			return fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		return nil
	}

	release := func() {
		l.mu.Lock()
		delete(l.inbound, key)
		l.mu.Unlock()
	}

	ep := newEndpoint("zmq-in-"+key, send, release)

	l.mu.Lock()
	l.inbound[key] = ep
	l.mu.Unlock()

	return ep
}

const (
	recvRetryInitial = 10 * time.Millisecond
	recvRetryMax     = time.Second
)

func newRecvBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = recvRetryInitial
	b.MaxInterval = recvRetryMax
	b.Reset()
	return b
}

// waitRetry sleeps for the next backoff interval. It reports false once ctx
// is done.
func waitRetry(ctx context.Context, b backoff.BackOff) bool {
	if ctx.Err() != nil {
		return false
	}

	timer := time.NewTimer(b.NextBackOff())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
