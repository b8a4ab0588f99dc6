package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

// SchemeMemory is the URI scheme of in-process channels.
const SchemeMemory = "mem"

// Hub is the in-process switchboard MemoryTransports listen and dial on.
// Transports sharing a Hub can reach each other; nothing else can.
type Hub struct {
	mu        sync.RWMutex
	listeners map[string]func(Channel)
	nextID    uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		listeners: make(map[string]func(Channel)),
	}
}

// MemoryTransport implements Transport over a Hub. Every channel delivers
// frames on its own goroutine, so channels behave like independent network
// links: FIFO each, no ordering across them.
type MemoryTransport struct {
	hub *Hub
}

// NewMemoryTransport returns a transport attached to hub.
func NewMemoryTransport(hub *Hub) *MemoryTransport {
	return &MemoryTransport{hub: hub}
}

// Scheme implements Transport.
func (t *MemoryTransport) Scheme() string {
	return SchemeMemory
}

// Listen implements Transport.
func (t *MemoryTransport) Listen(_ context.Context, host string, port int, accept func(Channel)) (Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()

	if _, ok := t.hub.listeners[addr]; ok {
		return nil, fmt.Errorf("address %s already in use", addr)
	}
	t.hub.listeners[addr] = accept

	return &memoryListener{hub: t.hub, addr: addr}, nil
}

// Dial implements Transport.
func (t *MemoryTransport) Dial(ctx context.Context, uri string) (Channel, error) {
	host, port, err := ParseURI(uri, SchemeMemory)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))

	t.hub.mu.RLock()
	accept, ok := t.hub.listeners[addr]
	t.hub.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}

	id := atomic.AddUint64(&t.hub.nextID, 1)
	local, remote := newMailbox(), newMailbox()

	dialer := newEndpoint(fmt.Sprintf("mem-%d-out", id), remote.push, local.close)
	acceptor := newEndpoint(fmt.Sprintf("mem-%d-in", id), local.push, remote.close)

	accept(acceptor)

	go local.run(dialer.deliver)
	go remote.run(acceptor.deliver)

	return dialer, nil
}

type memoryListener struct {
	hub  *Hub
	addr string
	once sync.Once
}

func (l *memoryListener) Addr() string {
	return l.addr
}

func (l *memoryListener) Close() error {
	l.once.Do(func() {
		l.hub.mu.Lock()
		delete(l.hub.listeners, l.addr)
		l.hub.mu.Unlock()
	})
	return nil
}

// mailbox is an unbounded FIFO of frames drained by one goroutine. Pushing
// never blocks, so two endpoints emitting to each other cannot deadlock.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrChannelClosed
	}

	m.queue = append(m.queue, data)
	m.cond.Signal()
	return nil
}

// close stops delivery once the frames already queued have been handed out.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.cond.Signal()
}

func (m *mailbox) run(deliver func([]byte)) {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		data := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		deliver(data)
	}
}
