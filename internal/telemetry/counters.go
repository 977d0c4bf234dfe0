package telemetry

import (
	"sync"
	"sync/atomic"
)

// Metrics receives counters and gauges. Keys follow "<area>_<name>", e.g.
// relay_frames_dropped_total.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// Counters is the in-process Metrics used by the relay diagnostics endpoint. A nil
// *Counters ignores writes and reads as zero.
type Counters struct {
	values sync.Map // string -> *atomic.Uint64
}

// NewCounters returns an empty counter set.
func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) cell(key string) *atomic.Uint64 {
	if v, ok := c.values.Load(key); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := c.values.LoadOrStore(key, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

// Add increments key by delta.
func (c *Counters) Add(key string, delta uint64) {
	if c != nil {
		c.cell(key).Add(delta)
	}
}

// Store sets key to value, for gauges.
func (c *Counters) Store(key string, value uint64) {
	if c != nil {
		c.cell(key).Store(value)
	}
}

// Load returns the current value of key, or zero when it was never written.
func (c *Counters) Load(key string) uint64 {
	if c == nil {
		return 0
	}
	if v, ok := c.values.Load(key); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

// Snapshot copies every value. The copy is not atomic across keys.
func (c *Counters) Snapshot() map[string]uint64 {
	out := map[string]uint64{}
	if c == nil {
		return out
	}
	c.values.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}
