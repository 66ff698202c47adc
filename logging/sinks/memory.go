package sinks

import (
	"context"
	"sync"

	"avatar-mixer/server/logging"
)

// MemorySink keeps events in memory. An unbounded sink backs tests; a
// bounded one keeps the latest events for the diagnostics feed and evicts
// the oldest when full.
type MemorySink struct {
	mu       sync.RWMutex
	events   []logging.Event
	capacity int
	evicted  uint64
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// NewBoundedMemorySink keeps at most capacity events.
func NewBoundedMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemorySink{events: make([]logging.Event, 0, capacity), capacity: capacity}
}

func (s *MemorySink) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity > 0 && len(s.events) == s.capacity {
		copy(s.events, s.events[1:])
		s.events[len(s.events)-1] = event
		s.evicted++
		return nil
	}
	s.events = append(s.events, event)
	return nil
}

// Events returns every retained event, oldest first.
func (s *MemorySink) Events() []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]logging.Event(nil), s.events...)
}

// OfType returns the retained events of eventType in arrival order.
func (s *MemorySink) OfType(eventType logging.EventType) []logging.Event {
	return s.Recent(0, eventType)
}

// Recent returns up to limit of the newest events, oldest first. An empty
// eventType matches everything and a limit of zero means no limit.
func (s *MemorySink) Recent(limit int, eventType logging.EventType) []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []logging.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if eventType != "" && s.events[i].Type != eventType {
			continue
		}
		matched = append(matched, s.events[i])
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched
}

// Evicted counts events pushed out of a bounded sink.
func (s *MemorySink) Evicted() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}

// Publish lets tests hand the sink to code that expects a Publisher.
func (s *MemorySink) Publish(_ context.Context, event logging.Event) {
	_ = s.Write(event)
}

func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = s.events[:0]
	s.evicted = 0
}

func (s *MemorySink) Close(context.Context) error {
	return nil
}
