package event

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

// Topic names match the push contract exposed to observers.
type Topic string

const (
	TopicDriverLocation    Topic = "driver.location"
	TopicRideCreated       Topic = "ride.created"
	TopicRideAssigned      Topic = "ride.assigned"
	TopicRideStatusChanged Topic = "ride.status_changed"
	TopicAlertRaised       Topic = "alert.raised"
)

// Event carries the entity's full current state, never a diff, so a
// late-joining observer can reconstruct correctness from snapshot + stream.
type Event struct {
	Topic   Topic       `json:"topic"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

// Subscriber receives events on C. Delivery is best effort: a subscriber that
// falls behind its buffer misses events and is expected to re-snapshot.
type Subscriber struct {
	C      <-chan Event
	ch     chan Event
	topics map[Topic]bool
}

func (s *Subscriber) wants(t Topic) bool {
	return len(s.topics) == 0 || s.topics[t]
}

// Hub is an in-process publish/subscribe fanout. Publishers for the same ride
// call Publish in commit order (inside the coordinator's critical section), and
// the hub forwards to each subscriber channel under one lock, so per-ride
// ordering holds per observer. Nothing is ordered across rides.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscriber]bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]bool)}
}

// Subscribe registers an observer for the given topics (none means all).
func (h *Hub) Subscribe(buffer int, topics ...Topic) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s := &Subscriber{C: ch, ch: ch, topics: make(map[Topic]bool, len(topics))}
	for _, t := range topics {
		s.topics[t] = true
	}
	h.mu.Lock()
	h.subs[s] = true
	h.mu.Unlock()
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[s] {
		delete(h.subs, s)
		close(s.ch)
	}
}

// Publish fans the event out without blocking: a full subscriber buffer drops
// the event and bumps the dropped counter.
func (h *Hub) Publish(topic Topic, payload interface{}) {
	ev := Event{Topic: topic, At: time.Now(), Payload: payload}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !s.wants(topic) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			observability.EventsDropped.Inc()
		}
	}
}
