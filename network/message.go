package network

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Topology message types. Both are reserved for the node itself.
const (
	TypeConnect    = "connect"
	TypeDisconnect = "disconnect"
)

// Message is one unit of gossip.
type Message struct {
	Sender   string          `json:"sender"`
	Sequence int64           `json:"sequence"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
}

// Validate checks the structural constraints every gossiped message obeys.
func (m Message) Validate() error {
	if !ValidID(m.Sender) {
		return fmt.Errorf("%w: malformed sender %q", ErrInvalidMessage, m.Sender)
	}
	if m.Sequence < 0 {
		return fmt.Errorf("%w: negative sequence %d", ErrInvalidMessage, m.Sequence)
	}
	if m.Type == "" {
		return fmt.Errorf("%w: empty type", ErrInvalidMessage)
	}
	return nil
}

// Decode unmarshals the message data into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Rejection reasons reported to the Recorder.
const (
	RejectInvalid   = "invalid"
	RejectDuplicate = "duplicate"
)

// MessageHandler stamps outgoing messages and filters incoming ones.
//
// A message is accepted at most once per sender and sequence while it is
// inside the dedup window, and never once it has fallen behind the sender's
// watermark. Accepted messages are published on the bus and handed to the
// subscribers of their type.
type MessageHandler struct {
	self     string
	bus      *Bus
	recorder Recorder
	trackers TrackerFactory

	sequence int64

	mu       sync.Mutex
	tracked  map[string]*Tracker
	handlers map[string]*Feed[Message]

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewMessageHandler creates a handler for the node with id self.
func NewMessageHandler(self string, bus *Bus, trackers TrackerFactory, recorder Recorder) *MessageHandler {
	if trackers == nil {
		trackers = NewTrackerFactory(nil, DefaultDedupWindow)
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}

	return &MessageHandler{
		self:     self,
		bus:      bus,
		recorder: recorder,
		trackers: trackers,
		tracked:  make(map[string]*Tracker),
		handlers: make(map[string]*Feed[Message]),
	}
}

// MakeMessage builds the next message of this node. The message is tracked
// as seen at once, so the flood never hands it back.
func (h *MessageHandler) MakeMessage(msgType string, data any) (Message, error) {
	if msgType == "" {
		return Message{}, fmt.Errorf("%w: empty type", ErrInvalidMessage)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal message data: %w", err)
	}

	seq := atomic.AddInt64(&h.sequence, 1) - 1
	msg := Message{
		Sender:   h.self,
		Sequence: seq,
		Type:     msgType,
		Data:     raw,
	}

	h.tracker(h.self).Track(seq)
	return msg, nil
}

// ProcessRaw decodes and processes a message received off the wire.
func (h *MessageHandler) ProcessRaw(raw json.RawMessage) bool {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reject(RejectInvalid)
		return false
	}
	return h.Process(msg)
}

// Process runs msg through validation and deduplication, returning whether it
// was accepted.
func (h *MessageHandler) Process(msg Message) bool {
	if err := msg.Validate(); err != nil {
		h.reject(RejectInvalid)
		return false
	}

	t := h.tracker(msg.Sender)
	if t.IsOld(msg.Sequence) {
		h.reject(RejectDuplicate)
		return false
	}
	t.Track(msg.Sequence)

	h.accepted.Add(1)
	h.recorder.MessageAccepted(msg.Type)

	h.bus.MessageAccepted.Publish(msg)

	h.mu.Lock()
	feed := h.handlers[msg.Type]
	h.mu.Unlock()

	if feed != nil {
		feed.Publish(msg)
	}
	return true
}

// Subscribe registers fn for accepted messages of msgType.
func (h *MessageHandler) Subscribe(msgType string, fn func(Message)) func() {
	h.mu.Lock()
	feed, ok := h.handlers[msgType]
	if !ok {
		feed = &Feed[Message]{}
		h.handlers[msgType] = feed
	}
	h.mu.Unlock()

	return feed.Subscribe(fn)
}

// Accepted returns the number of messages accepted so far.
func (h *MessageHandler) Accepted() uint64 {
	return h.accepted.Load()
}

// Rejected returns the number of messages rejected so far.
func (h *MessageHandler) Rejected() uint64 {
	return h.rejected.Load()
}

// Tracker returns the tracker of sender, nil if nothing was seen from it.
func (h *MessageHandler) Tracker(sender string) *Tracker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tracked[sender]
}

func (h *MessageHandler) tracker(sender string) *Tracker {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tracked[sender]
	if !ok {
		t = h.trackers(sender)
		h.tracked[sender] = t
	}
	return t
}

func (h *MessageHandler) reject(reason string) {
	h.rejected.Add(1)
	h.recorder.MessageRejected(reason)
}
