package relay

import (
	"context"

	"lockstep/logging"
)

const (
	// EventPeerConnected is emitted when a websocket peer joins a relay session.
	EventPeerConnected logging.EventType = "relay.peer_connected"
	// EventPeerDisconnected is emitted when a peer leaves a relay session.
	EventPeerDisconnected logging.EventType = "relay.peer_disconnected"
	// EventSlowConsumer is emitted when a peer is cut off for not draining its queue.
	EventSlowConsumer logging.EventType = "relay.slow_consumer"
)

// PeerPayload identifies a relay connection.
type PeerPayload struct {
	Peer       uint32 `json:"peer"`
	Connection string `json:"connection"`
	Peers      int    `json:"peers"`
}

// PeerConnected publishes an info event for a new connection.
func PeerConnected(ctx context.Context, pub logging.Publisher, session string, payload PeerPayload) {
	publish(ctx, pub, EventPeerConnected, logging.SeverityInfo, session, payload)
}

// PeerDisconnected publishes an info event for a closed connection.
func PeerDisconnected(ctx context.Context, pub logging.Publisher, session string, payload PeerPayload) {
	publish(ctx, pub, EventPeerDisconnected, logging.SeverityInfo, session, payload)
}

// SlowConsumer publishes a warning for a connection dropped by the relay.
func SlowConsumer(ctx context.Context, pub logging.Publisher, session string, payload PeerPayload) {
	publish(ctx, pub, EventSlowConsumer, logging.SeverityWarn, session, payload)
}

func publish(ctx context.Context, pub logging.Publisher, typ logging.EventType, sev logging.Severity, session string, payload PeerPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     typ,
		Actor:    logging.SessionRef(session),
		Targets:  []logging.EntityRef{logging.PeerRef(payload.Peer)},
		Severity: sev,
		Category: logging.CategoryRelay,
		Payload:  payload,
	})
}
