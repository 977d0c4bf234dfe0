// Package wire encodes the envelopes network substrates exchange with relays and brokers.
// Every envelope is one binary message: a kind byte followed by kind-specific fields
// written with the lockstep codec.
package wire

import (
	"errors"
	"fmt"

	"lockstep/internal/codec"
	"lockstep/internal/transport"
)

// Kind tags an envelope.
type Kind uint8

const (
	// KindHello is the first message a relay sends: the assigned peer id, the current
	// authority, the frame cap and the connected peers.
	KindHello Kind = iota + 1
	KindJoined
	KindLeft
	KindAuthority
	// KindFrame carries one broadcast frame. Peer is the sender; peers leave it zero when
	// sending to a relay.
	KindFrame
	// KindResult reports whether a relay accepted a frame for fan-out.
	KindResult
	// KindHeartbeat refreshes presence on brokers without connection state.
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindJoined:
		return "joined"
	case KindLeft:
		return "left"
	case KindAuthority:
		return "authority"
	case KindFrame:
		return "frame"
	case KindResult:
		return "result"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ErrUnknownKind is returned for envelopes with an unrecognised kind byte.
var ErrUnknownKind = errors.New("wire: unknown envelope kind")

// Envelope is the decoded form of every message.
type Envelope struct {
	Kind      Kind
	Peer      transport.PeerID
	Authority transport.PeerID
	MaxFrame  int
	Peers     []transport.PeerID
	Slot      transport.Slot
	OK        bool
	Data      []byte
}

// Hello builds the greeting for a freshly connected peer.
func Hello(local, authority transport.PeerID, maxFrame int, peers []transport.PeerID) Envelope {
	return Envelope{Kind: KindHello, Peer: local, Authority: authority, MaxFrame: maxFrame, Peers: peers}
}

// Frame wraps a broadcast frame from peer on slot.
func Frame(peer transport.PeerID, slot transport.Slot, data []byte) Envelope {
	return Envelope{Kind: KindFrame, Peer: peer, Slot: slot, Data: data}
}

// Result reports the outcome of a send on slot.
func Result(slot transport.Slot, ok bool) Envelope {
	return Envelope{Kind: KindResult, Slot: slot, OK: ok}
}

// Presence builds a joined, left, authority or heartbeat notice about peer.
func Presence(kind Kind, peer transport.PeerID) Envelope {
	return Envelope{Kind: kind, Peer: peer}
}

// Encode appends the binary form of e to a fresh buffer.
func (e Envelope) Encode() []byte {
	w := codec.NewWriter(len(e.Data) + 16)
	w.WriteUint8(uint8(e.Kind))
	switch e.Kind {
	case KindHello:
		w.WriteSmallUint(uint64(e.Peer))
		w.WriteSmallUint(uint64(e.Authority))
		w.WriteSmallUint(uint64(e.MaxFrame))
		w.WriteSmallUint(uint64(len(e.Peers)))
		for _, p := range e.Peers {
			w.WriteSmallUint(uint64(p))
		}
	case KindJoined, KindLeft, KindAuthority, KindHeartbeat:
		w.WriteSmallUint(uint64(e.Peer))
	case KindFrame:
		w.WriteSmallUint(uint64(e.Peer))
		w.WriteSmallUint(uint64(e.Slot))
		w.WriteBytes(e.Data)
	case KindResult:
		w.WriteSmallUint(uint64(e.Slot))
		w.WriteBool(e.OK)
	}
	return w.Bytes()
}

// Decode parses one envelope. Trailing bytes are a protocol error.
func Decode(data []byte) (Envelope, error) {
	r := codec.NewReader(data)
	e := Envelope{Kind: Kind(r.ReadUint8())}
	switch e.Kind {
	case KindHello:
		e.Peer = transport.PeerID(r.ReadSmallUint())
		e.Authority = transport.PeerID(r.ReadSmallUint())
		e.MaxFrame = int(r.ReadSmallUint())
		n := r.ReadSmallUint()
		if n > uint64(r.Remaining()) {
			return Envelope{}, fmt.Errorf("wire: hello lists %d peers in %d bytes: %w", n, r.Remaining(), codec.ErrShortBuffer)
		}
		e.Peers = make([]transport.PeerID, 0, n)
		for i := uint64(0); i < n; i++ {
			e.Peers = append(e.Peers, transport.PeerID(r.ReadSmallUint()))
		}
	case KindJoined, KindLeft, KindAuthority, KindHeartbeat:
		e.Peer = transport.PeerID(r.ReadSmallUint())
	case KindFrame:
		e.Peer = transport.PeerID(r.ReadSmallUint())
		e.Slot = transport.Slot(r.ReadSmallUint())
		e.Data = r.ReadBytes()
	case KindResult:
		e.Slot = transport.Slot(r.ReadSmallUint())
		e.OK = r.ReadBool()
	default:
		if err := r.Err(); err != nil {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(e.Kind))
	}
	if err := r.Err(); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode %s: %w", e.Kind, err)
	}
	if r.Remaining() != 0 {
		return Envelope{}, fmt.Errorf("wire: %d trailing bytes after %s", r.Remaining(), e.Kind)
	}
	return e, nil
}
