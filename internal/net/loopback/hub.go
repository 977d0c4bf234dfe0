// Package loopback provides an in-process broadcast substrate. Every endpoint shares one
// Hub; deliveries are queued per endpoint and surface on the next Poll, so callers driving
// several peers from one goroutine observe realistic one-frame latency.
package loopback

import (
	"sort"
	"sync"

	"lockstep/internal/transport"
)

// Delivery describes a frame about to be handed to one receiver.
type Delivery struct {
	From  transport.PeerID
	To    transport.PeerID
	Slot  transport.Slot
	Frame []byte
}

// Hub connects endpoints. Authority belongs to the longest-connected endpoint.
type Hub struct {
	mu       sync.Mutex
	maxFrame int
	nextID   transport.PeerID
	order    []transport.PeerID
	peers    map[transport.PeerID]*Endpoint
	failNext map[transport.PeerID]int
	drop     func(Delivery) bool
	sent     uint64
}

// NewHub constructs a hub enforcing maxFrame bytes per broadcast.
func NewHub(maxFrame int) *Hub {
	if maxFrame <= 0 {
		maxFrame = transport.DefaultMaxFrame
	}
	return &Hub{
		maxFrame: maxFrame,
		peers:    make(map[transport.PeerID]*Endpoint),
		failNext: make(map[transport.PeerID]int),
	}
}

// Connect attaches a new endpoint. It observes a join event for every connected peer
// including itself; existing peers observe its join.
func (h *Hub) Connect() *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ep := &Endpoint{hub: h, id: h.nextID}
	for _, id := range h.order {
		ep.push(transport.Event{Kind: transport.EventPeerJoined, Peer: id})
		h.peers[id].push(transport.Event{Kind: transport.EventPeerJoined, Peer: ep.id})
	}
	ep.push(transport.Event{Kind: transport.EventPeerJoined, Peer: ep.id})
	h.order = append(h.order, ep.id)
	h.peers[ep.id] = ep
	if len(h.order) == 1 {
		ep.push(transport.Event{Kind: transport.EventAuthorityChanged, Peer: ep.id})
	}
	return ep
}

// FailSends makes the next n sends from peer report failure.
func (h *Hub) FailSends(peer transport.PeerID, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failNext[peer] = n
}

// SetDropFilter installs a predicate; deliveries for which it returns true are lost.
func (h *Hub) SetDropFilter(drop func(Delivery) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = drop
}

// SentFrames reports how many frames were accepted for delivery.
func (h *Hub) SentFrames() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent
}

func (h *Hub) authorityLocked() transport.PeerID {
	if len(h.order) == 0 {
		return 0
	}
	return h.order[0]
}

func (h *Hub) disconnect(id transport.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[id]; !ok {
		return
	}
	previous := h.authorityLocked()
	delete(h.peers, id)
	for i, candidate := range h.order {
		if candidate == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	authority := h.authorityLocked()
	for _, other := range h.order {
		ep := h.peers[other]
		ep.push(transport.Event{Kind: transport.EventPeerLeft, Peer: id})
		if authority != previous {
			ep.push(transport.Event{Kind: transport.EventAuthorityChanged, Peer: authority})
		}
	}
}

func (h *Hub) send(from *Endpoint, slot transport.Slot, frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[from.id]; !ok {
		return transport.ErrClosed
	}
	if len(frame) > h.maxFrame {
		return transport.ErrFrameTooLarge
	}
	if n := h.failNext[from.id]; n > 0 {
		h.failNext[from.id] = n - 1
		from.push(transport.Event{Kind: transport.EventSendResult, Slot: slot, OK: false})
		return nil
	}
	h.sent++
	for _, id := range h.order {
		if id == from.id {
			continue
		}
		if h.drop != nil && h.drop(Delivery{From: from.id, To: id, Slot: slot, Frame: frame}) {
			continue
		}
		copied := make([]byte, len(frame))
		copy(copied, frame)
		h.peers[id].push(transport.Event{Kind: transport.EventFrame, Peer: from.id, Slot: slot, Data: copied})
	}
	from.push(transport.Event{Kind: transport.EventSendResult, Slot: slot, OK: true})
	return nil
}

// Endpoint is one peer's view of the hub. It implements transport.Substrate.
type Endpoint struct {
	hub    *Hub
	id     transport.PeerID
	mu     sync.Mutex
	inbox  []transport.Event
	closed bool
}

var _ transport.Substrate = (*Endpoint)(nil)

func (e *Endpoint) push(event transport.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.inbox = append(e.inbox, event)
}

func (e *Endpoint) LocalPeer() transport.PeerID {
	return e.id
}

// Authority is the longest-connected endpoint still attached to the hub.
func (e *Endpoint) Authority() transport.PeerID {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	return e.hub.authorityLocked()
}

func (e *Endpoint) Peers() []transport.PeerID {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	peers := append([]transport.PeerID(nil), e.hub.order...)
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (e *Endpoint) MaxFrame() int {
	return e.hub.maxFrame
}

func (e *Endpoint) Send(slot transport.Slot, frame []byte) error {
	return e.hub.send(e, slot, frame)
}

// Poll drains everything delivered since the previous call.
func (e *Endpoint) Poll(dst []transport.Event) []transport.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	dst = append(dst, e.inbox...)
	e.inbox = e.inbox[:0]
	return dst
}

// Close disconnects the endpoint; remaining peers observe its departure.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.inbox = nil
	e.mu.Unlock()
	e.hub.disconnect(e.id)
	return nil
}
