package sinks

import (
	"context"
	"sync"

	"lockstep/logging"
)

// MemorySink records events for tests. It also satisfies logging.Publisher so components
// can publish into it synchronously.
type MemorySink struct {
	mu     sync.Mutex
	events []logging.Event
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(event logging.Event) error {
	s.mu.Lock()
	s.events = append(s.events, event.Clone())
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Publish(_ context.Context, event logging.Event) {
	s.Write(event)
}

// Events returns a copy of everything recorded so far.
func (s *MemorySink) Events() []logging.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]logging.Event(nil), s.events...)
}

// Count reports how many recorded events have the given type.
func (s *MemorySink) Count(eventType logging.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, event := range s.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

// Reset forgets recorded events.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

func (s *MemorySink) Close(context.Context) error {
	return nil
}
