// Package events fans lifecycle events out to in-process subscribers such
// as the WebSocket stream.
package events

import (
	"context"
	"log/slog"
	"sync"

	"brokerd/internal/domain"
)

// Bus delivers each published event to every subscriber whose topic filter
// matches. Delivery is non-blocking: a subscriber whose buffer is full misses
// the event. The most recent events are kept for late subscribers.
type Bus struct {
	log *slog.Logger

	mu         sync.Mutex
	subs       map[int]*subscription
	nextSubID  int
	history    []domain.Event
	maxHistory int
	dropped    int
}

type subscription struct {
	ch     chan domain.Event
	topics map[domain.EventTopic]bool
}

// NewBus creates a Bus that remembers the last maxHistory events.
func NewBus(maxHistory int, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:        log,
		subs:       make(map[int]*subscription),
		maxHistory: maxHistory,
	}
}

// Publish records evt and offers it to subscribers.
func (b *Bus) Publish(_ context.Context, evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxHistory > 0 {
		b.history = append(b.history, evt)
		if len(b.history) > b.maxHistory {
			b.history = b.history[len(b.history)-b.maxHistory:]
		}
	}

	for id, s := range b.subs {
		if len(s.topics) > 0 && !s.topics[evt.Topic] {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			b.dropped++
			b.log.Warn("dropping event for slow subscriber", "subscriber", id, "topic", evt.Topic, "event", evt.Name())
		}
	}
}

// Subscribe returns a subscription id and a channel of events on the given
// topics, or on all topics when none are given. bufSize bounds the channel.
func (b *Bus) Subscribe(bufSize int, topics ...domain.EventTopic) (int, <-chan domain.Event) {
	s := &subscription{
		ch:     make(chan domain.Event, bufSize),
		topics: make(map[domain.EventTopic]bool, len(topics)),
	}
	for _, t := range topics {
		s.topics[t] = true
	}

	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = s
	b.mu.Unlock()
	return id, s.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}

// Recent returns up to n of the most recent events, oldest first.
func (b *Bus) Recent(n int) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]domain.Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
