package network

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultDedupWindow is how long a sequence stays in a tracker's active set.
const DefaultDedupWindow = 10 * time.Second

// Tracker remembers the sequence numbers recently seen from one sender.
//
// Every tracked sequence leaves the active set once the window has elapsed;
// on expiry it raises the watermark, and anything at or below the watermark
// is old from then on. Memory stays proportional to the traffic of one window.
type Tracker struct {
	clock  clock.Clock
	window time.Duration

	mu        sync.Mutex
	active    map[int64]struct{}
	watermark int64
}

// TrackerFactory builds the tracker for a newly observed sender.
type TrackerFactory func(sender string) *Tracker

// NewTracker creates a tracker whose expiries are scheduled on clk.
func NewTracker(clk clock.Clock, window time.Duration) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultDedupWindow
	}

	return &Tracker{
		clock:     clk,
		window:    window,
		active:    make(map[int64]struct{}),
		watermark: -1,
	}
}

// NewTrackerFactory returns a factory handing every sender its own tracker.
func NewTrackerFactory(clk clock.Clock, window time.Duration) TrackerFactory {
	return func(string) *Tracker {
		return NewTracker(clk, window)
	}
}

// Track marks seq as seen and schedules its expiry.
func (t *Tracker) Track(seq int64) {
	t.mu.Lock()
	if _, ok := t.active[seq]; ok {
		t.mu.Unlock()
		return
	}
	t.active[seq] = struct{}{}
	t.mu.Unlock()

	t.clock.AfterFunc(t.window, func() {
		t.expire(seq)
	})
}

func (t *Tracker) expire(seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.active, seq)
	if seq > t.watermark {
		t.watermark = seq
	}
}

// IsOld reports whether seq was already seen or has fallen behind the
// watermark.
func (t *Tracker) IsOld(seq int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if seq <= t.watermark {
		return true
	}
	_, ok := t.active[seq]
	return ok
}

// HighestDiscarded returns the watermark, -1 until the first expiry.
func (t *Tracker) HighestDiscarded() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watermark
}

// Active returns the number of sequences inside the window.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
