package network

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/voidnet/transport"
)

// received collects the messages delivered to a node callback.
type received struct {
	mu   sync.Mutex
	msgs []Message
}

func collect(n *Node, msgType string) *received {
	r := &received{}
	n.OnMessage(msgType, func(msg Message) {
		r.mu.Lock()
		r.msgs = append(r.msgs, msg)
		r.mu.Unlock()
	})
	return r
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *received) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func TestNodeChainTopology(t *testing.T) {
	hub := transport.NewHub()
	a := startNode(t, hub, "node-a")
	b := startNode(t, hub, "node-b")
	c := startNode(t, hub, "node-c")

	link(t, a, b)
	link(t, b, c)

	want := edges(edge(a, b), edge(b, c))
	for _, n := range []*Node{a, b, c} {
		n := n
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual(want, n.Edges())
		}, eventually, tick, "node %s", n.Identity().ID)
	}

	adjacency := c.NetworkMap()
	assert.ElementsMatch(t, []string{a.Identity().ID, c.Identity().ID}, adjacency[b.Identity().ID])
	assert.Equal(t, 1, a.ConnectionCount())
	assert.Equal(t, 2, b.ConnectionCount())
}

func TestBroadcastExactlyOnce(t *testing.T) {
	hub := transport.NewHub()
	a := startNode(t, hub, "node-a")
	b := startNode(t, hub, "node-b")
	c := startNode(t, hub, "node-c")

	// A cycle, so every message reaches every node more than once.
	link(t, a, b)
	link(t, b, c)
	link(t, c, a)

	atA, atB, atC := collect(a, "chat"), collect(b, "chat"), collect(c, "chat")

	var sent []Message
	for i := 0; i < 5; i++ {
		msg, err := a.Broadcast("chat", map[string]int{"n": i})
		require.NoError(t, err)
		sent = append(sent, msg)
	}

	require.Eventually(t, func() bool {
		return atB.count() == 5 && atC.count() == 5
	}, eventually, tick)

	// Give the flood time to echo around the cycle.
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 5, atB.count())
	assert.Equal(t, 5, atC.count())
	assert.Zero(t, atA.count())
	assert.ElementsMatch(t, sent, atB.all())
	assert.ElementsMatch(t, sent, atC.all())

	// Flood echoes were all recognised as duplicates.
	assert.NotZero(t, a.Status().Rejected)
}

func TestBroadcastFromChainEnd(t *testing.T) {
	hub := transport.NewHub()
	a := startNode(t, hub, "node-a")
	b := startNode(t, hub, "node-b")
	c := startNode(t, hub, "node-c")

	link(t, a, b)
	link(t, b, c)

	atA, atB, atC := collect(a, "chat"), collect(b, "chat"), collect(c, "chat")

	sent, err := c.Broadcast("chat", "from the end")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atA.count() == 1 && atB.count() == 1
	}, eventually, tick)

	// Echoes back along the chain must not be delivered again.
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, []Message{sent}, atA.all())
	assert.Equal(t, []Message{sent}, atB.all())
	assert.Zero(t, atC.count())
}

func TestMapSnapshotWithMalformedElement(t *testing.T) {
	hub := transport.NewHub()
	a := startNode(t, hub, "node-a")
	b := startNode(t, hub, "node-b")
	link(t, a, b)

	require.Eventually(t, func() bool {
		return len(b.Edges()) == 1
	}, eventually, tick)

	rejected := b.Status().TopologyRejected
	x, y := uuid.NewString(), uuid.NewString()
	payload := json.RawMessage(`[` +
		`{"sender":"` + x + `","sequence":0,"type":"connect","data":"` + y + `"},` +
		`{"sender":"` + x + `","sequence":"oops","type":"connect","data":"` + y + `"},` +
		`{"sender":"` + y + `","sequence":0,"type":"connect","data":"` + x + `"}]`)

	require.NoError(t, a.loop.Do(context.Background(), func() {
		for _, conn := range a.connections {
			assert.NoError(t, conn.Emit(eventMap, payload))
		}
	}))

	require.Eventually(t, func() bool {
		return len(b.Edges()) == 2
	}, eventually, tick)
	assert.Contains(t, b.Edges(), ordered(x, y))
	assert.Equal(t, rejected+1, b.Status().TopologyRejected)
}

func TestBroadcastPreservesPerSenderOrder(t *testing.T) {
	hub := transport.NewHub()
	a := startNode(t, hub, "node-a")
	b := startNode(t, hub, "node-b")
	link(t, a, b)

	atB := collect(b, "seq")
	for i := 0; i < 20; i++ {
		_, err := a.Broadcast("seq", i)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return atB.count() == 20
	}, eventually, tick)

	msgs := atB.all()
	for i := 1; i < len(msgs); i++ {
		assert.Less(t, msgs[i-1].Sequence, msgs[i].Sequence)
	}
}

func TestBroadcastReservedTypes(t *testing.T) {
	hub := transport.NewHub()
	a := startNode(t, hub, "node-a")

	_, err := a.Broadcast(TypeConnect, "x")
	assert.ErrorIs(t, err, ErrReservedType)

	_, err = a.Broadcast(TypeDisconnect, "x")
	assert.ErrorIs(t, err, ErrReservedType)
}

func TestDisconnectPropagation(t *testing.T) {
	hub := transport.NewHub()
	a := startNode(t, hub, "node-a")
	b := startNode(t, hub, "node-b")
	c := startNode(t, hub, "node-c")

	link(t, a, b)
	link(t, b, c)

	lost := make(chan Identity, 1)
	b.OnDisconnection(func(remote Identity) {
		lost <- remote
	})

	require.Eventually(t, func() bool {
		return len(c.Edges()) == 2
	}, eventually, tick)

	require.NoError(t, a.Disconnect(b.Identity().ID))
	assert.Zero(t, a.ConnectionCount())

	select {
	case remote := <-lost:
		assert.Equal(t, a.Identity().ID, remote.ID)
	case <-time.After(eventually):
		t.Fatal("Timeout waiting for disconnection callback")
	}

	want := []Edge{edge(b, c)}
	for _, n := range []*Node{a, b, c} {
		n := n
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual(want, n.Edges())
		}, eventually, tick)
	}
	assert.Equal(t, 1, b.ConnectionCount())

	err := a.Disconnect(b.Identity().ID)
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestReconnect(t *testing.T) {
	hub := transport.NewHub()
	a := startNode(t, hub, "node-a")
	b := startNode(t, hub, "node-b")

	link(t, a, b)
	require.NoError(t, a.Disconnect(b.Identity().ID))

	require.Eventually(t, func() bool {
		return b.ConnectionCount() == 0 && len(b.Edges()) == 0
	}, eventually, tick)

	link(t, a, b)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]Edge{edge(a, b)}, a.Edges()) &&
			assert.ObjectsAreEqual([]Edge{edge(a, b)}, b.Edges())
	}, eventually, tick)

	// Gossip keeps flowing over the new connection.
	atB := collect(b, "chat")
	_, err := a.Broadcast("chat", "after reconnect")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return atB.count() == 1
	}, eventually, tick)
}

func TestConnectAlreadyConnected(t *testing.T) {
	hub := transport.NewHub()
	a := startNode(t, hub, "node-a")
	b := startNode(t, hub, "node-b")
	link(t, a, b)

	_, err := a.Connect(context.Background(), b.Identity().URI())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestSimultaneousConnect(t *testing.T) {
	hub := transport.NewHub()
	a := startNode(t, hub, "node-a")
	b := startNode(t, hub, "node-b")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = a.Connect(context.Background(), b.Identity().URI())
	}()
	go func() {
		defer wg.Done()
		_, _ = b.Connect(context.Background(), a.Identity().URI())
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		return a.ConnectionCount() == 1 && b.ConnectionCount() == 1 &&
			len(a.Edges()) == 1 && len(b.Edges()) == 1
	}, eventually, tick)

	atB := collect(b, "chat")
	_, err := a.Broadcast("chat", "hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return atB.count() == 1
	}, eventually, tick)
}

func TestOnConnection(t *testing.T) {
	hub := transport.NewHub()
	a := startNode(t, hub, "node-a")
	b := startNode(t, hub, "node-b")

	joined := make(chan Identity, 1)
	b.OnConnection(func(remote Identity) {
		// Callbacks may call back into the node.
		_ = b.ConnectionCount()
		joined <- remote
	})

	link(t, a, b)

	select {
	case remote := <-joined:
		assert.Equal(t, a.Identity().ID, remote.ID)
	case <-time.After(eventually):
		t.Fatal("Timeout waiting for connection callback")
	}
}

func TestBootstrapPeers(t *testing.T) {
	hub := transport.NewHub()
	a := startNode(t, hub, "node-a")

	cfg := testConfig("node-b", 7946)
	cfg.Peers = []string{a.Identity().URI()}
	b, err := NewNode(cfg, transport.NewMemoryTransport(hub))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)

	require.Eventually(t, func() bool {
		return hasPeer(a, b.Identity().ID) && hasPeer(b, a.Identity().ID)
	}, eventually, tick)
}

func TestNodeLifecycle(t *testing.T) {
	hub := transport.NewHub()
	n, err := NewNode(testConfig("node-a", 7946), transport.NewMemoryTransport(hub))
	require.NoError(t, err)

	assert.False(t, n.Status().Running)

	require.NoError(t, n.Start(context.Background()))
	assert.ErrorIs(t, n.Start(context.Background()), ErrNodeAlreadyStarted)

	status := n.Status()
	assert.True(t, status.Running)
	assert.Equal(t, n.Identity().ID, status.ID)
	assert.Equal(t, "mem://node-a:7946", status.URI)

	n.Stop()
	n.Stop()

	assert.False(t, n.Status().Running)
	assert.ErrorIs(t, n.Start(context.Background()), ErrNodeStopped)

	_, err = n.Broadcast("chat", "late")
	assert.ErrorIs(t, err, ErrNodeStopped)

	_, err = n.Connect(context.Background(), "mem://node-b:7946")
	assert.ErrorIs(t, err, ErrNodeStopped)

	assert.ErrorIs(t, n.Disconnect("x"), ErrNodeStopped)
}

func TestRunStopsOnCancel(t *testing.T) {
	hub := transport.NewHub()
	n, err := NewNode(testConfig("node-a", 7946), transport.NewMemoryTransport(hub))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, func() bool {
		return n.Status().Running
	}, eventually, tick)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("Timeout waiting for Run to return")
	}
	assert.False(t, n.Status().Running)
}

func TestNodeWebSocket(t *testing.T) {
	newNode := func() *Node {
		cfg := testConfig("127.0.0.1", 0)
		cfg.Transport = transport.SchemeWebSocket
		n, err := NewNode(cfg, nil)
		require.NoError(t, err)
		require.NoError(t, n.Start(context.Background()))
		t.Cleanup(n.Stop)
		return n
	}

	a, b := newNode(), newNode()
	assert.NotEqual(t, 0, a.Identity().Port)

	link(t, a, b)

	atB := collect(b, "chat")
	_, err := a.Broadcast("chat", "over websocket")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atB.count() == 1 && len(a.Edges()) == 1 && len(b.Edges()) == 1
	}, eventually, tick)
}
