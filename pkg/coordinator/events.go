package coordinator

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Stream selects one of the two per-run event feeds.
type Stream string

const (
	// StreamEvents carries the coarse semantic lifecycle events.
	StreamEvents Stream = "events"
	// StreamTrace carries fine-grained events for tests and observability.
	StreamTrace Stream = "trace"
)

// EventType identifies an event within its stream.
type EventType string

// Semantic events.
const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventNodeStarted       EventType = "node.started"
	EventNodeCompleted     EventType = "node.completed"
	EventNodeFailed        EventType = "node.failed"
)

// Trace events.
const (
	TraceTokenCreated       EventType = "token.created"
	TraceTokenStatusChanged EventType = "token.status_changed"
	TraceContextInitialized EventType = "context.initialized"
	TraceContextFieldSet    EventType = "context.field_set"
	TraceRoutingStarted     EventType = "routing.started"
	TraceRoutingCompleted   EventType = "routing.completed"
	TraceFanInArrival       EventType = "fan_in.arrival"
	TraceFanInFired         EventType = "fan_in.fired"
	TraceFanInLateArrival   EventType = "fan_in.late_arrival"
	TraceSnapshotTaken      EventType = "snapshot.taken"
	TraceLateResult         EventType = "trace.late_result"
)

// Stream returns the stream an event type belongs to.
func (t EventType) Stream() Stream {
	if strings.HasPrefix(string(t), "workflow.") || strings.HasPrefix(string(t), "node.") {
		return StreamEvents
	}
	return StreamTrace
}

// Event is one entry in a run's causally-ordered log. Sequence numbers are
// assigned by the run actor before release and are unique and contiguous per
// run; subscriber delivery order may differ but sequence order is the truth.
type Event struct {
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"runId"`
	TokenID   string         `json:"tokenId,omitempty"`
	NodeRef   string         `json:"nodeRef,omitempty"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Filter narrows a subscription. Zero fields match everything. Payload keys
// match on equality against top-level payload fields.
type Filter struct {
	RunID   string
	Types   []EventType
	Payload map[string]any
}

func (f Filter) matches(ev Event) bool {
	if f.RunID != "" && f.RunID != ev.RunID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for key, want := range f.Payload {
		got, ok := ev.Payload[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Subscription is one attached consumer of a stream. Events arrive on the
// channel returned by Events; the channel is closed when the subscription is
// cancelled or dropped for falling behind.
type Subscription struct {
	id     string
	stream Stream
	filter Filter

	ch        chan Event
	closeOnce sync.Once
	dropped   atomic.Bool
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Stream returns the stream this subscription listens to.
func (s *Subscription) Stream() Stream { return s.stream }

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports whether the hub disconnected this subscriber for falling
// behind. Safe to call from the consumer while the hub publishes.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// DefaultSubscriberBuffer is the per-subscription channel depth before the
// hub disconnects a slow consumer.
const DefaultSubscriberBuffer = 256

// Hub fans events out to subscribers. Delivery is best-effort: a subscriber
// whose buffer is full is disconnected rather than blocking the publishing
// actor. Missed events can be recovered from the run store by sequence range.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
}

// NewHub creates a Hub with the given per-subscriber buffer depth. A depth
// of zero or less uses DefaultSubscriberBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
	}
}

// Subscribe attaches a consumer to stream with the given filter.
func (h *Hub) Subscribe(stream Stream, filter Filter) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		stream: stream,
		filter: filter,
		ch:     make(chan Event, h.buffer),
	}
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe detaches and closes the subscription with the given id.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish delivers ev to every matching subscriber of its stream. Slow
// subscribers are dropped.
func (h *Hub) Publish(ev Event) {
	stream := ev.Type.Stream()

	h.mu.RLock()
	var slow []*Subscription
	for _, sub := range h.subs {
		if sub.stream != stream || !sub.filter.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, sub := range slow {
		if _, ok := h.subs[sub.id]; ok {
			delete(h.subs, sub.id)
			sub.dropped.Store(true)
			sub.close()
		}
	}
	h.mu.Unlock()
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
