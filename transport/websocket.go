package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// SchemeWebSocket is the URI scheme of websocket channels.
	SchemeWebSocket = "ws"

	// WebSocketPath is the HTTP path voidnet websocket channels are served on.
	WebSocketPath = "/voidnet"

	defaultMaxMessageSize = 4 << 20
	closeGracePeriod      = time.Second
)

// WebSocketConfig holds configuration for the websocket transport.
type WebSocketConfig struct {
	// HandshakeTimeout bounds the HTTP upgrade on dial.
	HandshakeTimeout time.Duration

	// MaxMessageSize is the largest frame accepted, in bytes.
	MaxMessageSize int64
}

// DefaultWebSocketConfig returns a WebSocketConfig with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: 5 * time.Second,
		MaxMessageSize:   defaultMaxMessageSize,
	}
}

// WebSocketTransport implements Transport with one websocket connection per
// channel.
type WebSocketTransport struct {
	config   WebSocketConfig
	upgrader websocket.Upgrader
	sequence uint64
}

// NewWebSocketTransport creates a websocket transport with default settings.
func NewWebSocketTransport() *WebSocketTransport {
	return NewWebSocketTransportWithConfig(DefaultWebSocketConfig())
}

// NewWebSocketTransportWithConfig creates a websocket transport.
func NewWebSocketTransportWithConfig(config WebSocketConfig) *WebSocketTransport {
	return &WebSocketTransport{
		config: config,
		upgrader: websocket.Upgrader{
			// Peers are not browsers; any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Scheme implements Transport.
func (t *WebSocketTransport) Scheme() string {
	return SchemeWebSocket
}

// Listen implements Transport.
func (t *WebSocketTransport) Listen(_ context.Context, host string, port int, accept func(Channel)) (Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		ch := t.newChannel(conn, "in")
		accept(ch)
		go ch.readLoop()
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		_ = server.Serve(ln)
	}()

	return &webSocketListener{server: server, addr: ln.Addr().String()}, nil
}

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context, uri string) (Channel, error) {
	host, port, err := ParseURI(uri, SchemeWebSocket)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.config.HandshakeTimeout,
	}

	target := fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, strconv.Itoa(port)), WebSocketPath)
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	ch := t.newChannel(conn, "out")
	go ch.readLoop()

	return ch, nil
}

func (t *WebSocketTransport) newChannel(conn *websocket.Conn, direction string) *webSocketChannel {
	if t.config.MaxMessageSize > 0 {
		conn.SetReadLimit(t.config.MaxMessageSize)
	}

	ch := &webSocketChannel{conn: conn}
	id := fmt.Sprintf("ws-%d-%s-%s", atomic.AddUint64(&t.sequence, 1), direction, uuid.NewString()[:8])
	ch.endpoint = newEndpoint(id, ch.write, ch.closeConn)

	return ch
}

// webSocketChannel wraps a websocket connection. gorilla/websocket allows a
// single concurrent writer, so writes are serialized by writeMu.
type webSocketChannel struct {
	*endpoint

	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *webSocketChannel) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	return nil
}

func (c *webSocketChannel) closeConn() {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod),
	)
	c.writeMu.Unlock()

	_ = c.conn.Close()
}

func (c *webSocketChannel) readLoop() {
	defer c.shutdown(false)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		c.deliver(data)

		if c.isClosed() {
			return
		}
	}
}

type webSocketListener struct {
	server *http.Server
	addr   string
}

func (l *webSocketListener) Addr() string {
	return l.addr
}

func (l *webSocketListener) Close() error {
	if err := l.server.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
