package redisbus

import (
	"sort"

	"lockstep/internal/transport"
)

// presence tracks the peers of a session as seen through bus notices. Peer ids come from
// one Redis counter, so the lowest live id is the longest-connected peer and holds
// authority.
type presence struct {
	local     transport.PeerID
	peers     map[transport.PeerID]bool
	authority transport.PeerID
}

func newPresence(local transport.PeerID) *presence {
	return &presence{local: local, peers: make(map[transport.PeerID]bool)}
}

// join records peer and appends the resulting substrate events.
func (p *presence) join(peer transport.PeerID, dst []transport.Event) []transport.Event {
	if peer == 0 || p.peers[peer] {
		return dst
	}
	p.peers[peer] = true
	dst = append(dst, transport.Event{Kind: transport.EventPeerJoined, Peer: peer})
	return p.elect(dst)
}

// leave forgets peer and appends the resulting substrate events.
func (p *presence) leave(peer transport.PeerID, dst []transport.Event) []transport.Event {
	if !p.peers[peer] {
		return dst
	}
	delete(p.peers, peer)
	dst = append(dst, transport.Event{Kind: transport.EventPeerLeft, Peer: peer})
	return p.elect(dst)
}

func (p *presence) elect(dst []transport.Event) []transport.Event {
	var lowest transport.PeerID
	for peer := range p.peers {
		if lowest == 0 || peer < lowest {
			lowest = peer
		}
	}
	if lowest == p.authority {
		return dst
	}
	p.authority = lowest
	if lowest == 0 {
		return dst
	}
	return append(dst, transport.Event{Kind: transport.EventAuthorityChanged, Peer: lowest})
}

func (p *presence) list() []transport.PeerID {
	peers := make([]transport.PeerID, 0, len(p.peers))
	for peer := range p.peers {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}
