package channel

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"

	"lockstep/internal/transport"
	channellog "lockstep/logging/channel"
)

type outFrame struct {
	data      []byte
	completes []UniqueID
}

// Outbox is a FIFO of frames for one slot. At most one frame is in flight; a failed
// broadcast keeps the frame at the head and waits an exponentially growing delay.
type Outbox struct {
	substrate transport.Substrate
	slot      transport.Slot
	deps      Deps
	retry     *backoff.ExponentialBackOff

	frames        []outFrame
	lost          []UniqueID
	inFlight      bool
	discardResult bool
	notBefore     time.Time
}

// NewOutbox constructs an outbox broadcasting on slot.
func NewOutbox(substrate transport.Substrate, slot transport.Slot, cfg RetryConfig, deps Deps) *Outbox {
	deps = deps.withDefaults()
	if cfg.Floor <= 0 {
		cfg = DefaultRetryConfig()
	}
	if cfg.Cap < cfg.Floor {
		cfg.Cap = cfg.Floor
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.Floor
	retry.MaxInterval = cfg.Cap
	retry.Multiplier = 2
	retry.RandomizationFactor = 0
	retry.MaxElapsedTime = 0
	retry.Clock = deps.Clock
	retry.Reset()
	return &Outbox{substrate: substrate, slot: slot, deps: deps, retry: retry}
}

// Slot reports the slot the outbox broadcasts on.
func (o *Outbox) Slot() transport.Slot {
	return o.slot
}

func (o *Outbox) push(frame outFrame) {
	o.frames = append(o.frames, frame)
}

// Push queues a raw frame.
func (o *Outbox) Push(frame []byte) {
	o.push(outFrame{data: frame})
}

// Len reports queued frames including one in flight.
func (o *Outbox) Len() int {
	return len(o.frames)
}

// Idle reports whether nothing is queued or in flight.
func (o *Outbox) Idle() bool {
	return len(o.frames) == 0 && !o.inFlight
}

// InFlight reports whether a broadcast awaits its result.
func (o *Outbox) InFlight() bool {
	return o.inFlight
}

// Discard drops every queued frame. A result for a frame already in flight is ignored.
func (o *Outbox) Discard() int {
	dropped := len(o.frames)
	o.frames = nil
	o.lost = nil
	if o.inFlight {
		o.discardResult = true
	}
	return dropped
}

// Pump hands the head frame to the substrate when no broadcast is in flight and the
// backoff delay has passed.
func (o *Outbox) Pump(now time.Time) bool {
	if o.inFlight || len(o.frames) == 0 {
		return false
	}
	if !o.notBefore.IsZero() && now.Before(o.notBefore) {
		return false
	}
	head := o.frames[0]
	if err := o.substrate.Send(o.slot, head.data); err != nil {
		if errors.Is(err, transport.ErrFrameTooLarge) {
			o.deps.Logger.Printf("[channel] slot=%d dropping oversized frame bytes=%d", o.slot, len(head.data))
			o.frames = o.frames[1:]
			o.lost = append(o.lost, head.completes...)
			if o.deps.Metrics != nil {
				o.deps.Metrics.Add(framesDroppedMetricKey, 1)
			}
			channellog.FrameDropped(context.Background(), o.deps.Publisher, peerRef(o.substrate.LocalPeer()), channellog.FrameDroppedPayload{
				Slot:   uint32(o.slot),
				Reason: "frame exceeds substrate limit",
				Bytes:  len(head.data),
			})
			return false
		}
		o.failed(now)
		return false
	}
	o.inFlight = true
	return true
}

// HandleResult consumes the substrate's verdict for the in-flight frame. It returns the
// ids completed by that frame when it was delivered.
func (o *Outbox) HandleResult(ok bool, now time.Time) ([]UniqueID, bool) {
	if !o.inFlight {
		return nil, false
	}
	o.inFlight = false
	if o.discardResult {
		o.discardResult = false
		return nil, false
	}
	if !ok {
		o.failed(now)
		return nil, false
	}
	head := o.frames[0]
	o.frames = o.frames[1:]
	o.retry.Reset()
	o.notBefore = time.Time{}
	if o.deps.Metrics != nil {
		o.deps.Metrics.Add(framesSentMetricKey, 1)
	}
	return head.completes, true
}

func (o *Outbox) failed(now time.Time) {
	delay := o.retry.NextBackOff()
	o.notBefore = now.Add(delay)
	if o.deps.Metrics != nil {
		o.deps.Metrics.Add(sendFailuresMetricKey, 1)
	}
	channellog.SendRetry(context.Background(), o.deps.Publisher, peerRef(o.substrate.LocalPeer()), channellog.SendRetryPayload{
		Slot:        uint32(o.slot),
		QueuedFrame: len(o.frames),
		DelayMillis: delay.Milliseconds(),
	})
}

// TakeLost returns the ids completed by frames the substrate refused as oversized since
// the previous call. Those actions will never be delivered.
func (o *Outbox) TakeLost() []UniqueID {
	lost := o.lost
	o.lost = nil
	return lost
}

// NextAttempt reports when a failed frame may be retried.
func (o *Outbox) NextAttempt() time.Time {
	return o.notBefore
}
