package channel

import (
	"time"

	"lockstep/internal/telemetry"
	"lockstep/logging"
)

// Deps carries shared infrastructure for channels.
type Deps struct {
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Clock     logging.Clock
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = telemetry.Discard()
	}
	if d.Publisher == nil {
		d.Publisher = logging.NopPublisher()
	}
	if d.Clock == nil {
		d.Clock = logging.SystemClock{}
	}
	return d
}

// RetryConfig bounds the exponential backoff applied to failed broadcasts.
type RetryConfig struct {
	Floor time.Duration
	Cap   time.Duration
}

// DefaultRetryConfig doubles from 50ms up to 2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Floor: 50 * time.Millisecond, Cap: 2 * time.Second}
}

const (
	framesSentMetricKey      = "channel_frames_sent_total"
	sendFailuresMetricKey    = "channel_send_failures_total"
	actionsReceivedMetricKey = "channel_actions_received_total"
	framesDroppedMetricKey   = "channel_frames_dropped_total"
)
