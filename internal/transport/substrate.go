// Package transport describes the narrow broadcast substrate the lockstep core runs on:
// size-limited, best-effort frame broadcast per slot, peer presence notifications and a
// single substrate-level authority flag.
package transport

import (
	"errors"
	"fmt"
	"math"
)

// PeerID identifies a connected peer. Zero is never assigned.
type PeerID uint32

func (p PeerID) String() string {
	return fmt.Sprintf("%d", uint32(p))
}

// Slot identifies a broadcast object. Frames of one slot are delivered in send order.
type Slot uint32

const (
	// SlotTick carries the master's tick boundary and action associations.
	SlotTick Slot = 0
	// SlotLateJoiner carries the master's catch-up data for joining peers.
	SlotLateJoiner Slot = 1

	slotPeerBase Slot = 16
)

// MaxPeerID is the largest peer id that owns a distinct action slot. Substrates never
// hand out larger ids.
const MaxPeerID = PeerID(math.MaxUint32 - uint32(slotPeerBase))

// SlotForPeer returns the action channel slot owned by peer. Ids above MaxPeerID saturate
// at the last slot instead of wrapping into the reserved range.
func SlotForPeer(peer PeerID) Slot {
	slot := uint64(slotPeerBase) + uint64(peer)
	if slot > math.MaxUint32 {
		return Slot(math.MaxUint32)
	}
	return Slot(slot)
}

// PeerForSlot reports the owner of a per-peer action slot.
func PeerForSlot(slot Slot) (PeerID, bool) {
	if slot < slotPeerBase {
		return 0, false
	}
	return PeerID(slot - slotPeerBase), true
}

// DefaultMaxFrame is the broadcast size cap used when a substrate does not specify one.
const DefaultMaxFrame = 4096

var (
	// ErrFrameTooLarge is returned when a frame exceeds the substrate's cap.
	ErrFrameTooLarge = errors.New("transport: frame exceeds broadcast limit")
	// ErrClosed is returned by operations on a closed substrate.
	ErrClosed = errors.New("transport: substrate closed")
)

// EventKind enumerates substrate notifications.
type EventKind uint8

const (
	EventFrame EventKind = iota + 1
	EventSendResult
	EventPeerJoined
	EventPeerLeft
	EventAuthorityChanged
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventSendResult:
		return "send_result"
	case EventPeerJoined:
		return "peer_joined"
	case EventPeerLeft:
		return "peer_left"
	case EventAuthorityChanged:
		return "authority_changed"
	default:
		return "unknown"
	}
}

// Event is a single substrate notification. Peer is the frame sender for EventFrame, the
// subject of presence events and the new authority for EventAuthorityChanged.
type Event struct {
	Kind EventKind
	Peer PeerID
	Slot Slot
	Data []byte
	OK   bool
}

// Substrate is the broadcast primitive. Send is fire-and-forget: the outcome arrives later
// as an EventSendResult for the same slot. A synchronous error counts as a failed send.
// Poll never blocks; it appends pending events to dst and returns it.
type Substrate interface {
	LocalPeer() PeerID
	Authority() PeerID
	Peers() []PeerID
	MaxFrame() int
	Send(slot Slot, frame []byte) error
	Poll(dst []Event) []Event
	Close() error
}
