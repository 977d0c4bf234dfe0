package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"lockstep/logging"
)

// JSON writes newline-delimited events. With a positive flush interval output is buffered
// and flushed on a timer; otherwise every event is flushed as it is written.
type JSON struct {
	mu      sync.Mutex
	out     *bufio.Writer
	enc     *json.Encoder
	flushed bool
	stop    chan struct{}
	once    sync.Once
}

func NewJSON(w io.Writer, flushInterval time.Duration) *JSON {
	if w == nil {
		w = io.Discard
	}
	out := bufio.NewWriter(w)
	s := &JSON{out: out, enc: json.NewEncoder(out), flushed: flushInterval <= 0, stop: make(chan struct{})}
	if flushInterval > 0 {
		go s.flushEvery(flushInterval)
	}
	return s
}

func (s *JSON) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(event); err != nil {
		return err
	}
	if s.flushed {
		return s.out.Flush()
	}
	return nil
}

func (s *JSON) Close(context.Context) error {
	s.once.Do(func() { close(s.stop) })
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Flush()
}

func (s *JSON) flushEvery(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.out.Flush()
			s.mu.Unlock()
		}
	}
}
