// Package tickcast implements the master-owned tick broadcast: the authoritative tick
// boundary plus the (tick, action id) associations decided since the last broadcast.
package tickcast

import (
	"errors"
	"sort"
	"time"

	"lockstep/internal/channel"
	"lockstep/internal/codec"
	"lockstep/internal/transport"
)

// DefaultInterval is the minimum spacing between two tick frames.
const DefaultInterval = 100 * time.Millisecond

const (
	associationSize = 8
	framesMetricKey = "tickcast_frames_built_total"
	assocsMetricKey = "tickcast_associations_sent_total"
)

// ErrMalformed is returned by Decode for frames that do not parse completely.
var ErrMalformed = errors.New("tickcast: malformed frame")

// Association binds an action to the tick it runs in.
type Association struct {
	Tick uint64
	ID   channel.UniqueID
}

func sortAssociations(list []Association) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Tick != list[j].Tick {
			return list[i].Tick < list[j].Tick
		}
		return list[i].ID < list[j].ID
	})
}

// Frame is one decoded tick broadcast. Every tick at or below Boundary is final: receivers
// have been sent every association belonging to it.
type Frame struct {
	Boundary     uint64
	Associations []Association
}

// Encode writes f using the tick channel layout:
// [small boundary][small count]([small tick delta][uint64 id])*.
func Encode(w *codec.Writer, f Frame) {
	w.WriteSmallUint(f.Boundary)
	w.WriteSmallUint(uint64(len(f.Associations)))
	var prev uint64
	for _, a := range f.Associations {
		w.WriteSmallUint(a.Tick - prev)
		w.WriteUint64(uint64(a.ID))
		prev = a.Tick
	}
}

// Decode parses a tick frame. Associations must be sorted by tick.
func Decode(data []byte) (Frame, error) {
	r := codec.NewReader(data)
	var f Frame
	f.Boundary = r.ReadSmallUint()
	count := r.ReadSmallUint()
	if r.Err() != nil || count > uint64(len(data)/associationSize) {
		return Frame{}, ErrMalformed
	}
	f.Associations = make([]Association, 0, int(count))
	var tick uint64
	for i := uint64(0); i < count; i++ {
		tick += r.ReadSmallUint()
		id := channel.UniqueID(r.ReadUint64())
		if r.Err() != nil {
			return Frame{}, ErrMalformed
		}
		if tick == 0 || id == 0 {
			return Frame{}, ErrMalformed
		}
		f.Associations = append(f.Associations, Association{Tick: tick, ID: id})
	}
	if r.Remaining() != 0 {
		return Frame{}, ErrMalformed
	}
	return f, nil
}

// Config tunes the broadcaster.
type Config struct {
	MaxFrame int
	Interval time.Duration
	Retry    channel.RetryConfig
}

// Broadcaster collects the master's associations and publishes them on SlotTick. Only
// associations at or below the current boundary are published; later ones wait until the
// boundary passes them.
type Broadcaster struct {
	out      *channel.Outbox
	deps     channel.Deps
	maxFrame int
	interval time.Duration

	pending      []Association
	sorted       bool
	boundary     uint64
	sentBoundary uint64
	inFlight     Frame
	lastBuilt    time.Time
	writer       *codec.Writer
}

// NewBroadcaster constructs a broadcaster on the substrate's tick slot.
func NewBroadcaster(substrate transport.Substrate, cfg Config, deps channel.Deps) *Broadcaster {
	maxFrame := cfg.MaxFrame
	if maxFrame <= 0 || maxFrame > substrate.MaxFrame() {
		maxFrame = substrate.MaxFrame()
	}
	if maxFrame < channel.MinFrameSize {
		maxFrame = channel.MinFrameSize
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Broadcaster{
		out:      channel.NewOutbox(substrate, transport.SlotTick, cfg.Retry, deps),
		deps:     deps,
		maxFrame: maxFrame,
		interval: interval,
		sorted:   true,
		writer:   codec.NewWriter(maxFrame),
	}
}

// Associate queues an association for publication.
func (b *Broadcaster) Associate(tick uint64, id channel.UniqueID) {
	if n := len(b.pending); n > 0 {
		last := b.pending[n-1]
		if tick < last.Tick || (tick == last.Tick && id < last.ID) {
			b.sorted = false
		}
	}
	b.pending = append(b.pending, Association{Tick: tick, ID: id})
}

// SetBoundary raises the boundary of final ticks. It never moves backwards.
func (b *Broadcaster) SetBoundary(boundary uint64) {
	if boundary > b.boundary {
		b.boundary = boundary
	}
}

// Boundary reports the highest tick the broadcaster considers final.
func (b *Broadcaster) Boundary() uint64 {
	return b.boundary
}

// SentBoundary reports the highest boundary confirmed delivered.
func (b *Broadcaster) SentBoundary() uint64 {
	return b.sentBoundary
}

// Pending reports associations not yet confirmed delivered.
func (b *Broadcaster) Pending() int {
	return len(b.pending)
}

// Reset forgets everything queued, e.g. when this peer stops being master.
func (b *Broadcaster) Reset() {
	b.out.Discard()
	b.pending = nil
	b.sorted = true
	b.boundary = 0
	b.sentBoundary = 0
	b.inFlight = Frame{}
	b.lastBuilt = time.Time{}
}

// Update builds a new frame when the previous one completed, the interval elapsed and
// there is something new to say, then gives the outbox a chance to send.
func (b *Broadcaster) Update(now time.Time) {
	if b.out.Idle() && (b.lastBuilt.IsZero() || now.Sub(b.lastBuilt) >= b.interval) {
		if frame, ok := b.build(); ok {
			b.writer.Reset()
			Encode(b.writer, frame)
			b.out.Push(b.writer.Clone())
			b.inFlight = frame
			b.lastBuilt = now
			if b.deps.Metrics != nil {
				b.deps.Metrics.Add(framesMetricKey, 1)
			}
		}
	}
	b.out.Pump(now)
}

func (b *Broadcaster) build() (Frame, bool) {
	if !b.sorted {
		sortAssociations(b.pending)
		b.sorted = true
	}
	ready := sort.Search(len(b.pending), func(i int) bool { return b.pending[i].Tick > b.boundary })
	if ready == 0 && b.boundary <= b.sentBoundary {
		return Frame{}, false
	}
	budget := b.maxFrame - codec.SmallUintSize(b.boundary) - codec.SmallUintSize(uint64(ready))
	var prev uint64
	n := 0
	for n < ready {
		size := codec.SmallUintSize(b.pending[n].Tick-prev) + associationSize
		if size > budget {
			break
		}
		budget -= size
		prev = b.pending[n].Tick
		n++
	}
	boundary := b.boundary
	if n < ready {
		boundary = b.pending[n].Tick - 1
	}
	frame := Frame{Boundary: boundary, Associations: append([]Association(nil), b.pending[:n]...)}
	return frame, true
}

// HandleSendResult consumes the substrate's verdict for the tick slot.
func (b *Broadcaster) HandleSendResult(ok bool, now time.Time) {
	if _, delivered := b.out.HandleResult(ok, now); !delivered {
		return
	}
	frame := b.inFlight
	b.inFlight = Frame{}
	if frame.Boundary > b.sentBoundary {
		b.sentBoundary = frame.Boundary
	}
	b.pending = b.pending[len(frame.Associations):]
	if b.deps.Metrics != nil {
		b.deps.Metrics.Add(assocsMetricKey, uint64(len(frame.Associations)))
	}
}
