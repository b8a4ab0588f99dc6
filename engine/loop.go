// Package engine provides the execution primitives voidnet nodes run on.
//
// A Loop runs tasks one at a time on a dedicated goroutine, in the order they
// were posted. Every node owns one Loop for its protocol state, so no two
// handlers ever mutate that state concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Common errors for loop operations
var (
	ErrLoopStopped  = errors.New("loop is stopped")
	ErrTaskPanicked = errors.New("panic in task")
)

// LoopStats contains loop statistics.
type LoopStats struct {
	Name      string `json:"name"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Pending   int    `json:"pending"`
	Running   bool   `json:"running"`
}

// LoopOption modifies a Loop before it starts.
type LoopOption func(*Loop)

// WithPanicHandler sets a function that receives every recovered task panic,
// wrapped in ErrTaskPanicked. It is called on the loop goroutine.
func WithPanicHandler(fn func(error)) LoopOption {
	return func(l *Loop) {
		l.onPanic = fn
	}
}

// Loop is a single-goroutine, FIFO task executor. Posting never blocks: the
// queue is unbounded, so a task may safely post follow-up tasks to its own
// loop.
type Loop struct {
	name    string
	onPanic func(error)

	mu      sync.Mutex
	queue   []func()
	running bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	completed int64
	failed    int64
}

// NewLoop creates a loop and starts its goroutine.
func NewLoop(name string, opts ...LoopOption) *Loop {
	l := &Loop{
		name:    name,
		running: true,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	l.wg.Add(1)
	go l.run()

	return l
}

// Post queues fn for execution and returns immediately.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	return nil
}

// Do queues fn and waits until it has run or ctx is done. It must not be
// called from a task running on the same loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	err := l.Post(func() {
		defer close(finished)
		fn()
	})
	if err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// The loop drains its queue before exiting, so fn has either run or
		// is about to.
		<-finished
		return nil
	}
}

// Stop rejects new tasks, runs the ones already queued, and waits for the
// loop goroutine to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
}

// IsRunning returns true if the loop still accepts tasks.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// GetStats returns current loop statistics.
func (l *Loop) GetStats() LoopStats {
	l.mu.Lock()
	pending := len(l.queue)
	running := l.running
	l.mu.Unlock()

	return LoopStats{
		Name:      l.name,
		Completed: atomic.LoadInt64(&l.completed),
		Failed:    atomic.LoadInt64(&l.failed),
		Pending:   pending,
		Running:   running,
	}
}

func (l *Loop) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.wake:
			l.drain()
		case <-l.done:
			l.drain()
			return
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.execute(task)
	}
}

// execute runs one task, recovering a panic so one bad handler cannot take
// the whole node down.
func (l *Loop) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&l.failed, 1)
			if l.onPanic != nil {
				l.onPanic(fmt.Errorf("%w: %s", ErrTaskPanicked, panicToString(r)))
			}
		}
	}()

	task()
	atomic.AddInt64(&l.completed, 1)
}

// panicToString converts a recovered panic value to a string.
func panicToString(r interface{}) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}
