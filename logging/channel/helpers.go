package channel

import (
	"context"

	"lockstep/logging"
)

const (
	// EventSendRetry is emitted when a broadcast failed and was rescheduled.
	EventSendRetry logging.EventType = "channel.send_retry"
	// EventFrameDropped is emitted when a received frame could not be interpreted.
	EventFrameDropped logging.EventType = "channel.frame_dropped"
	// EventCleared is emitted when a channel discards its queue or sees a cleared marker.
	EventCleared logging.EventType = "channel.cleared"
)

// SendRetryPayload captures backoff details for a failed broadcast.
type SendRetryPayload struct {
	Slot        uint32 `json:"slot"`
	QueuedFrame int    `json:"queuedFrames"`
	DelayMillis int64  `json:"delayMillis"`
}

// FrameDroppedPayload captures why a received frame was discarded.
type FrameDroppedPayload struct {
	Slot   uint32 `json:"slot"`
	Reason string `json:"reason"`
	Bytes  int    `json:"bytes"`
}

// ClearedPayload captures what a clear discarded.
type ClearedPayload struct {
	Slot          uint32 `json:"slot"`
	Local         bool   `json:"local"`
	DroppedFrames int    `json:"droppedFrames"`
	HadPartial    bool   `json:"hadPartial"`
}

// SendRetry publishes a debug event when a broadcast is rescheduled.
func SendRetry(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload SendRetryPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSendRetry,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryChannel,
		Payload:  payload,
	})
}

// FrameDropped publishes a warning when a malformed or unexpected frame is discarded.
func FrameDropped(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload FrameDroppedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventFrameDropped,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryChannel,
		Payload:  payload,
	})
}

// Cleared publishes a debug event when a channel is cleared.
func Cleared(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload ClearedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventCleared,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryChannel,
		Payload:  payload,
	})
}
