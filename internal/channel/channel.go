// Package channel implements the per-slot action channel: an outbound staging buffer that
// packs opaque payloads into size-capped frames, splitting payloads across frames when
// needed, and the matching receiver that reassembles them.
package channel

import (
	"context"
	"fmt"
	"time"

	"lockstep/internal/codec"
	"lockstep/internal/transport"
	"lockstep/logging"
	channellog "lockstep/logging/channel"
)

// Lead bytes that can never begin a small integer mark special frames and the end of
// action data inside a frame.
const (
	markerEnd          = codec.FirstReservedByte
	markerCleared      = codec.FirstReservedByte + 1
	markerContinuation = codec.FirstReservedByte + 2
)

// MinFrameSize is the smallest broadcast cap a channel accepts.
const MinFrameSize = 32

// MaxPayloadSize bounds a single reassembled payload.
const MaxPayloadSize = 64 << 20

// UniqueID is (owner << 32) | owner-local sequence. Zero means invalid or unsent.
type UniqueID uint64

// MakeUniqueID combines an owner and its local sequence number.
func MakeUniqueID(owner transport.PeerID, seq uint32) UniqueID {
	return UniqueID(uint64(owner)<<32 | uint64(seq))
}

// Owner returns the peer that produced the action.
func (id UniqueID) Owner() transport.PeerID {
	return transport.PeerID(uint64(id) >> 32)
}

// Seq returns the owner-local sequence number.
func (id UniqueID) Seq() uint32 {
	return uint32(id)
}

func (id UniqueID) String() string {
	return fmt.Sprintf("%d:%d", id.Owner(), id.Seq())
}

// HandlerID selects the local function that runs an action.
type HandlerID uint32

// Action is a reassembled payload with its identity.
type Action struct {
	ID      UniqueID
	Handler HandlerID
	Payload []byte
}

type partial struct {
	id        UniqueID
	handler   HandlerID
	buf       []byte
	remaining int
}

// Channel is one action channel. The same type serves both directions: the owning peer
// submits and pumps, every other peer feeds received frames to Receive.
type Channel struct {
	slot     transport.Slot
	local    transport.PeerID
	maxFrame int
	deps     Deps
	out      *Outbox

	stage     *codec.Writer
	stagedIDs []UniqueID
	pending   []UniqueID
	nextSeq   uint32

	rxOwner   transport.PeerID
	rxPartial *partial

	deliver func(Action)
	onSent  func(UniqueID)
}

// Config tunes a channel.
type Config struct {
	MaxFrame int
	Retry    RetryConfig
}

// New constructs a channel on slot. deliver receives every reassembled action; onSent, if
// set, observes each locally submitted action once the frame completing it was delivered.
func New(substrate transport.Substrate, slot transport.Slot, cfg Config, deps Deps, deliver func(Action), onSent func(UniqueID)) *Channel {
	deps = deps.withDefaults()
	maxFrame := cfg.MaxFrame
	if maxFrame <= 0 || maxFrame > substrate.MaxFrame() {
		maxFrame = substrate.MaxFrame()
	}
	if maxFrame < MinFrameSize {
		maxFrame = MinFrameSize
	}
	return &Channel{
		slot:     slot,
		local:    substrate.LocalPeer(),
		maxFrame: maxFrame,
		deps:     deps,
		out:      NewOutbox(substrate, slot, cfg.Retry, deps),
		stage:    codec.NewWriter(maxFrame),
		nextSeq:  1,
		deliver:  deliver,
		onSent:   onSent,
	}
}

// Slot reports the channel's slot.
func (c *Channel) Slot() transport.Slot {
	return c.slot
}

// NextSequence reports the sequence the next submission will use.
func (c *Channel) NextSequence() uint32 {
	return c.nextSeq
}

// SetNextSequence moves the sequence counter forward; it never moves backwards.
func (c *Channel) SetNextSequence(seq uint32) {
	if seq > c.nextSeq {
		c.nextSeq = seq
	}
}

// Submit stages payload for broadcast and returns its unique id immediately.
func (c *Channel) Submit(handler HandlerID, payload []byte) UniqueID {
	seq := c.nextSeq
	c.nextSeq++
	id := MakeUniqueID(c.local, seq)
	c.writeAction(seq, handler, payload)
	c.stagedIDs = append(c.stagedIDs, id)
	c.pending = append(c.pending, id)
	if c.stage.Len() >= c.maxFrame {
		c.flushStage(false)
	}
	return id
}

func (c *Channel) beginFrame() {
	c.stage.Reset()
	c.stage.WriteSmallUint(uint64(c.local))
}

func (c *Channel) writeAction(seq uint32, handler HandlerID, payload []byte) {
	header := codec.SmallUintSize(uint64(seq)) + codec.SmallUintSize(uint64(handler)) + codec.SmallUintSize(uint64(len(payload)))
	need := header
	if len(payload) > 0 {
		need++
	}
	if c.stage.Len() == 0 {
		c.beginFrame()
	}
	if c.maxFrame-c.stage.Len() < need {
		c.flushStage(true)
		c.beginFrame()
	}
	c.stage.WriteSmallUint(uint64(seq))
	c.stage.WriteSmallUint(uint64(handler))
	c.stage.WriteSmallUint(uint64(len(payload)))
	rest := payload
	for {
		room := c.maxFrame - c.stage.Len()
		n := min(room, len(rest))
		c.stage.WriteRaw(rest[:n])
		rest = rest[n:]
		if len(rest) == 0 {
			return
		}
		c.flushStage(false)
		c.stage.Reset()
		c.stage.WriteUint8(markerContinuation)
	}
}

// flushStage moves the staged frame into the outbox. Frames that end early carry an end
// marker when it fits.
func (c *Channel) flushStage(terminate bool) {
	if c.stage.Len() == 0 {
		return
	}
	if terminate && c.stage.Len() < c.maxFrame {
		c.stage.WriteUint8(markerEnd)
	}
	c.out.push(outFrame{data: c.stage.Clone(), completes: c.stagedIDs})
	c.stagedIDs = nil
	c.stage.Reset()
}

// Pending reports submitted ids whose delivery has not been confirmed.
func (c *Channel) Pending() []UniqueID {
	return append([]UniqueID(nil), c.pending...)
}

// QueuedFrames reports frames waiting in the outbox plus a non-empty staging frame.
func (c *Channel) QueuedFrames() int {
	n := c.out.Len()
	if c.stage.Len() > 0 {
		n++
	}
	return n
}

// Idle reports whether nothing is staged, queued or in flight.
func (c *Channel) Idle() bool {
	return c.stage.Len() == 0 && c.out.Idle()
}

// Update is the channel's broadcast opportunity: a partially filled staging frame is
// closed when nothing else waits, and at most one frame is handed to the substrate.
func (c *Channel) Update(now time.Time) {
	if c.out.Idle() && c.stage.Len() > 0 {
		c.flushStage(true)
	}
	c.out.Pump(now)
	for _, id := range c.out.TakeLost() {
		c.forget(id)
	}
}

func (c *Channel) forget(id UniqueID) {
	for i, pending := range c.pending {
		if pending == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// HandleSendResult consumes the substrate's verdict for this channel's slot.
func (c *Channel) HandleSendResult(ok bool, now time.Time) {
	completed, delivered := c.out.HandleResult(ok, now)
	if !delivered {
		return
	}
	for _, id := range completed {
		if len(c.pending) > 0 && c.pending[0] == id {
			c.pending = c.pending[1:]
		}
		if c.onSent != nil {
			c.onSent(id)
		}
	}
}

// Clear discards everything queued and broadcasts a cleared marker so receivers drop any
// partially reassembled payload.
func (c *Channel) Clear() {
	dropped := c.out.Discard()
	if c.stage.Len() > 0 {
		dropped++
	}
	c.stage.Reset()
	c.stagedIDs = nil
	c.pending = nil
	c.out.Push([]byte{markerCleared})
	channellog.Cleared(context.Background(), c.deps.Publisher, peerRef(c.local), channellog.ClearedPayload{
		Slot:          uint32(c.slot),
		Local:         true,
		DroppedFrames: dropped,
	})
}

// ResetReceiver forgets receive-side state, e.g. when the owning peer departed.
func (c *Channel) ResetReceiver() {
	c.rxPartial = nil
	c.rxOwner = 0
}

// HasPartial reports whether a split payload is being reassembled.
func (c *Channel) HasPartial() bool {
	return c.rxPartial != nil
}

// Receive interprets one frame from the slot's owner.
func (c *Channel) Receive(frame []byte) {
	if len(frame) == 0 {
		c.dropped("empty frame", 0)
		return
	}
	r := codec.NewReader(frame)
	switch frame[0] {
	case markerCleared:
		had := c.rxPartial != nil
		c.rxPartial = nil
		channellog.Cleared(context.Background(), c.deps.Publisher, peerRef(c.rxOwner), channellog.ClearedPayload{
			Slot:       uint32(c.slot),
			HadPartial: had,
		})
		return
	case markerContinuation:
		if c.rxPartial == nil {
			c.dropped("continuation without partial payload", len(frame))
			return
		}
		r.SetPosition(1)
		if !c.continuePartial(r) {
			return
		}
	case markerEnd:
		c.dropped("frame starts with end marker", len(frame))
		return
	default:
		if c.rxPartial != nil {
			c.dropped("new frame before split payload completed", len(frame))
			c.rxPartial = nil
		}
		owner := r.ReadSmallUint()
		if r.Err() != nil || owner == 0 || owner > uint64(^uint32(0)) {
			c.dropped("invalid owner", len(frame))
			return
		}
		c.rxOwner = transport.PeerID(owner)
	}
	c.readActions(r)
}

func (c *Channel) continuePartial(r *codec.Reader) bool {
	p := c.rxPartial
	n := min(p.remaining, r.Remaining())
	p.buf = append(p.buf, r.ReadRaw(n)...)
	p.remaining -= n
	if p.remaining > 0 {
		return false
	}
	c.rxPartial = nil
	c.emit(Action{ID: p.id, Handler: p.handler, Payload: p.buf})
	return true
}

func (c *Channel) readActions(r *codec.Reader) {
	for r.Remaining() > 0 {
		if lead, _ := r.PeekUint8(); lead == markerEnd {
			return
		}
		seq := r.ReadSmallUint()
		handler := r.ReadSmallUint()
		length := r.ReadSmallUint()
		if r.Err() != nil {
			c.dropped("truncated action header", r.Len())
			return
		}
		if seq == 0 || seq > uint64(^uint32(0)) || handler > uint64(^uint32(0)) || length > MaxPayloadSize {
			c.dropped("action header out of range", r.Len())
			return
		}
		id := MakeUniqueID(c.rxOwner, uint32(seq))
		if int(length) <= r.Remaining() {
			c.emit(Action{ID: id, Handler: HandlerID(handler), Payload: r.ReadRaw(int(length))})
			continue
		}
		avail := r.Remaining()
		buf := make([]byte, 0, int(length))
		buf = append(buf, r.ReadRaw(avail)...)
		c.rxPartial = &partial{id: id, handler: HandlerID(handler), buf: buf, remaining: int(length) - avail}
		return
	}
}

func (c *Channel) emit(action Action) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.Add(actionsReceivedMetricKey, 1)
	}
	if c.deliver != nil {
		c.deliver(action)
	}
}

func (c *Channel) dropped(reason string, size int) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.Add(framesDroppedMetricKey, 1)
	}
	c.deps.Logger.Printf("[channel] slot=%d owner=%d dropping frame: %s", c.slot, c.rxOwner, reason)
	channellog.FrameDropped(context.Background(), c.deps.Publisher, peerRef(c.rxOwner), channellog.FrameDroppedPayload{
		Slot:   uint32(c.slot),
		Reason: reason,
		Bytes:  size,
	})
}

func peerRef(peer transport.PeerID) logging.EntityRef {
	return logging.PeerRef(uint32(peer))
}
