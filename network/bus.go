package network

import "sync"

// Feed is a typed publish/subscribe point. Subscribers run synchronously on
// the publishing goroutine, in subscription order.
type Feed[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription[T]
}

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function removing it again.
func (f *Feed[T]) Subscribe(fn func(T)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := f.nextID
	f.subs = append(f.subs, subscription[T]{id: id, fn: fn})

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()

		for i, s := range f.subs {
			if s.id == id {
				f.subs = append(f.subs[:i:i], f.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish hands v to every current subscriber.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	subs := append([]subscription[T](nil), f.subs...)
	f.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of subscribers.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// HandshakeFailure describes a handshake attempt that did not produce a
// connection.
type HandshakeFailure struct {
	// URI is the address that was dialled, empty when a handshake we
	// accepted failed before the remote announced itself.
	URI string
	// RemoteID is the id the remote claimed, if it got that far.
	RemoteID string
	// Initiated is true when this node started the attempt.
	Initiated bool
	Err       error
}

// Bus carries the events that the components of one node exchange.
type Bus struct {
	HandshakeSucceeded Feed[*Connection]
	HandshakeFailed    Feed[HandshakeFailure]
	MessageAccepted    Feed[Message]
}
