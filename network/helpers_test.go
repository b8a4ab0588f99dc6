package network

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/voidnet/transport"
)

const eventually = 3 * time.Second
const tick = 5 * time.Millisecond

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(host string, port int) Config {
	cfg := DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.Transport = transport.SchemeMemory
	cfg.Logger = quietLogger()
	return cfg
}

// startNode starts a node on hub and stops it when the test ends.
func startNode(t *testing.T, hub *transport.Hub, host string, opts ...Option) *Node {
	t.Helper()

	n, err := NewNode(testConfig(host, 7946), transport.NewMemoryTransport(hub), opts...)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Stop)

	return n
}

// link connects a to b and waits until both sides registered the connection.
func link(t *testing.T, a, b *Node) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()

	conn, err := a.Connect(ctx, b.Identity().URI())
	require.NoError(t, err)
	require.Equal(t, b.Identity().ID, conn.Remote().ID)

	require.Eventually(t, func() bool {
		return hasPeer(a, b.Identity().ID) && hasPeer(b, a.Identity().ID)
	}, eventually, tick)
}

func hasPeer(n *Node, id string) bool {
	for _, peer := range n.Connections() {
		if peer.ID == id {
			return true
		}
	}
	return false
}

func edge(a, b *Node) Edge {
	x, y := a.Identity().ID, b.Identity().ID
	if x > y {
		x, y = y, x
	}
	return Edge{A: x, B: y}
}

func edges(list ...Edge) []Edge {
	sort.Slice(list, func(i, j int) bool {
		if list[i].A != list[j].A {
			return list[i].A < list[j].A
		}
		return list[i].B < list[j].B
	})
	return list
}

// failures collects the handshake failures published on a node's bus.
type failures struct {
	mu   sync.Mutex
	list []HandshakeFailure
}

func watchFailures(n *Node) *failures {
	f := &failures{}
	n.bus.HandshakeFailed.Subscribe(func(hf HandshakeFailure) {
		f.mu.Lock()
		f.list = append(f.list, hf)
		f.mu.Unlock()
	})
	return f
}

func (f *failures) has(target error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, hf := range f.list {
		if errors.Is(hf.Err, target) {
			return true
		}
	}
	return false
}
