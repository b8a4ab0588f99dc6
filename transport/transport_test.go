package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects the events delivered to a channel.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) handler(prefix string) Handler {
	return func(payload json.RawMessage, _ AckFunc) {
		var s string
		_ = json.Unmarshal(payload, &s)
		r.mu.Lock()
		r.events = append(r.events, prefix+":"+s)
		r.mu.Unlock()
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// exerciseChannelPair runs the behaviour every transport must provide over a
// dialed/accepted channel pair.
func exerciseChannelPair(t *testing.T, tr Transport, uri string, accepted <-chan Channel) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := tr.Dial(ctx, uri)
	require.NoError(t, err)

	var in Channel
	select {
	case in = <-accepted:
	case <-ctx.Done():
		t.Fatal("Timeout waiting for inbound channel")
	}

	// Events arrive in emission order.
	rec := &recorder{}
	in.On("greet", rec.handler("greet"))
	for _, word := range []string{"a", "b", "c"} {
		require.NoError(t, out.Emit("greet", word))
	}

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"greet:a", "greet:b", "greet:c"}, rec.snapshot())

	// Acknowledgements return the handler's answer.
	in.On("ask", func(payload json.RawMessage, ack AckFunc) {
		if !assert.NotNil(t, ack) {
			return
		}
		var n int
		_ = json.Unmarshal(payload, &n)
		ack(n * 2)
		ack(n * 3) // ignored
	})

	answers := make(chan int, 2)
	require.NoError(t, out.EmitWithAck("ask", 21, func(payload json.RawMessage) {
		var n int
		_ = json.Unmarshal(payload, &n)
		answers <- n
	}))

	select {
	case n := <-answers:
		assert.Equal(t, 42, n)
	case <-ctx.Done():
		t.Fatal("Timeout waiting for ack")
	}

	// Disconnect reaches both ends exactly once.
	var outGone, inGone sync.WaitGroup
	outGone.Add(1)
	inGone.Add(1)
	out.OnDisconnect(outGone.Done)
	in.OnDisconnect(inGone.Done)

	out.Disconnect()
	out.Disconnect()

	waitGroup(t, &outGone)
	waitGroup(t, &inGone)

	assert.ErrorIs(t, out.Emit("greet", "late"), ErrChannelClosed)

	// A handler registered after teardown runs immediately.
	fired := false
	in.OnDisconnect(func() { fired = true })
	assert.True(t, fired)
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for disconnect")
	}
}

func TestMemoryTransport(t *testing.T) {
	hub := NewHub()
	tr := NewMemoryTransport(hub)

	accepted := make(chan Channel, 1)
	ln, err := tr.Listen(context.Background(), "node-a", 1000, func(ch Channel) {
		accepted <- ch
	})
	require.NoError(t, err)
	defer ln.Close()

	assert.Equal(t, "mem", tr.Scheme())
	exerciseChannelPair(t, tr, "mem://node-a:1000", accepted)
}

func TestMemoryTransportUnreachable(t *testing.T) {
	tr := NewMemoryTransport(NewHub())

	_, err := tr.Dial(context.Background(), "mem://nowhere:1")
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = tr.Dial(context.Background(), "ws://nowhere:1")
	assert.ErrorIs(t, err, ErrSchemeMismatch)
}

func TestMemoryTransportAddressInUse(t *testing.T) {
	tr := NewMemoryTransport(NewHub())

	ln, err := tr.Listen(context.Background(), "node", 1, func(Channel) {})
	require.NoError(t, err)

	_, err = tr.Listen(context.Background(), "node", 1, func(Channel) {})
	assert.Error(t, err)

	require.NoError(t, ln.Close())

	ln, err = tr.Listen(context.Background(), "node", 1, func(Channel) {})
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}

func TestMemoryTransportDropsUnhandledEvents(t *testing.T) {
	hub := NewHub()
	tr := NewMemoryTransport(hub)

	accepted := make(chan Channel, 1)
	ln, err := tr.Listen(context.Background(), "node", 2, func(ch Channel) {
		accepted <- ch
	})
	require.NoError(t, err)
	defer ln.Close()

	out, err := tr.Dial(context.Background(), "mem://node:2")
	require.NoError(t, err)
	in := <-accepted

	rec := &recorder{}
	in.On("kept", rec.handler("kept"))
	in.On("dropped", rec.handler("dropped"))
	in.Off("dropped")

	require.NoError(t, out.Emit("dropped", "x"))
	require.NoError(t, out.Emit("unknown", "y"))
	require.NoError(t, out.Emit("kept", "z"))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"kept:z"}, rec.snapshot())
}

func TestWebSocketTransport(t *testing.T) {
	tr := NewWebSocketTransport()

	accepted := make(chan Channel, 1)
	ln, err := tr.Listen(context.Background(), "127.0.0.1", 0, func(ch Channel) {
		accepted <- ch
	})
	require.NoError(t, err)
	defer ln.Close()

	exerciseChannelPair(t, tr, "ws://"+ln.Addr(), accepted)
}

func TestWebSocketTransportUnreachable(t *testing.T) {
	tr := NewWebSocketTransport()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := tr.Dial(ctx, "ws://127.0.0.1:1")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestZmqTransport(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping zmq loopback test in short mode")
	}

	tr := NewZmqTransport()

	accepted := make(chan Channel, 1)
	ln, err := tr.Listen(context.Background(), "127.0.0.1", 47321, func(ch Channel) {
		accepted <- ch
	})
	require.NoError(t, err)
	defer ln.Close()

	assert.Equal(t, "tcp://127.0.0.1:47321", ln.Addr())
	exerciseChannelPair(t, tr, "tcp://127.0.0.1:47321", accepted)
}

func TestParseURI(t *testing.T) {
	host, port, err := ParseURI("ws://127.0.0.1:7946", "ws")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 7946, port)

	host, port, err = ParseURI("ws://[::1]:80", "ws")
	require.NoError(t, err)
	assert.Equal(t, "::1", host)
	assert.Equal(t, 80, port)

	_, _, err = ParseURI("ws://host", "ws")
	assert.Error(t, err)

	_, _, err = ParseURI("tcp://host:1", "ws")
	assert.ErrorIs(t, err, ErrSchemeMismatch)
}

func TestNew(t *testing.T) {
	tr, err := New("ws")
	require.NoError(t, err)
	assert.Equal(t, SchemeWebSocket, tr.Scheme())

	tr, err = New("zmq")
	require.NoError(t, err)
	assert.Equal(t, SchemeZmq, tr.Scheme())

	_, err = New("carrier-pigeon")
	assert.ErrorIs(t, err, ErrUnknownTransport)
}

// FuzzFrameDelivery feeds random bytes into an endpoint.
// Run with: go test -fuzz=FuzzFrameDelivery -fuzztime=30s ./transport/
func FuzzFrameDelivery(f *testing.F) {
	f.Add([]byte(`{"kind":"event","event":"x","payload":"y"}`))
	f.Add([]byte(`{"kind":"event","event":"x","id":7,"payload":{}}`))
	f.Add([]byte(`{"kind":"ack","id":1}`))
	f.Add([]byte(`{"kind":"close"}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))

	f.Fuzz(func(t *testing.T, data []byte) {
		ep := newEndpoint("fuzz", func([]byte) error { return nil }, nil)
		ep.On("x", func(json.RawMessage, AckFunc) {})
		// Should not panic regardless of input
		ep.deliver(data)
	})
}

func TestRecvBackOff(t *testing.T) {
	b := newRecvBackOff()

	var last time.Duration
	for i := 0; i < 20; i++ {
		last = b.NextBackOff()
		assert.LessOrEqual(t, last, recvRetryMax+recvRetryMax/2)
	}
	assert.Greater(t, last, recvRetryInitial*2)

	b.Reset()
	assert.Less(t, b.NextBackOff(), recvRetryInitial*2)

	ctx, cancel := context.WithCancel(context.Background())
	assert.True(t, waitRetry(ctx, newRecvBackOff()))

	cancel()
	start := time.Now()
	assert.False(t, waitRetry(ctx, newRecvBackOff()))
	assert.Less(t, time.Since(start), recvRetryInitial)
}
