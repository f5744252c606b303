package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Hub fans events out to in-process subscribers.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	logger *zap.Logger
}

// Subscription receives the events of one topic until closed.
type Subscription struct {
	hub   *Hub
	topic string
	ch    chan Event
	once  sync.Once
}

// NewHub returns an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		topics: map[string]map[*Subscription]struct{}{},
		logger: logger.Named("notify"),
	}
}

// Subscribe registers a listener with room for buffer pending events.
func (h *Hub) Subscribe(topic string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{hub: h, topic: topic, ch: make(chan Event, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[topic] == nil {
		h.topics[topic] = map[*Subscription]struct{}{}
	}
	h.topics[topic][sub] = struct{}{}
	return sub
}

// Publish implements Publisher. It never blocks.
func (h *Hub) Publish(_ context.Context, topic string, ev Event) error {
	h.Deliver(topic, ev)
	return nil
}

// Deliver hands ev to every subscriber of topic and returns how many took it.
// Subscribers with a full buffer miss the event.
func (h *Hub) Deliver(topic string, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for sub := range h.topics[topic] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			h.logger.Warn("subscriber buffer full, event dropped", zap.String("topic", topic), zap.String("job_id", ev.JobID))
		}
	}
	if delivered == 0 {
		h.logger.Debug("no listener, event dropped", zap.String("topic", topic), zap.String("job_id", ev.JobID))
	}
	return delivered
}

// Subscribers returns the number of listeners on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Events returns the channel events arrive on. It is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		delete(s.hub.topics[s.topic], s)
		if len(s.hub.topics[s.topic]) == 0 {
			delete(s.hub.topics, s.topic)
		}
		close(s.ch)
	})
}
