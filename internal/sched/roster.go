package sched

import (
	"sort"

	"lockstep/internal/codec"
	"lockstep/internal/transport"
)

// RosterEntry describes one peer taking part in the simulation.
type RosterEntry struct {
	Peer        transport.PeerID
	State       PeerState
	DisplayName string
}

// roster is kept sorted by peer id.
type roster struct {
	entries []RosterEntry
}

func (r *roster) index(peer transport.PeerID) (int, bool) {
	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].Peer >= peer })
	return i, i < len(r.entries) && r.entries[i].Peer == peer
}

func (r *roster) get(peer transport.PeerID) (RosterEntry, bool) {
	i, ok := r.index(peer)
	if !ok {
		return RosterEntry{}, false
	}
	return r.entries[i], true
}

func (r *roster) has(peer transport.PeerID) bool {
	_, ok := r.index(peer)
	return ok
}

// add inserts or replaces an entry.
func (r *roster) add(entry RosterEntry) {
	i, ok := r.index(entry.Peer)
	if ok {
		r.entries[i] = entry
		return
	}
	r.entries = append(r.entries, RosterEntry{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = entry
}

func (r *roster) remove(peer transport.PeerID) bool {
	i, ok := r.index(peer)
	if !ok {
		return false
	}
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	return true
}

func (r *roster) setState(peer transport.PeerID, state PeerState) bool {
	i, ok := r.index(peer)
	if !ok {
		return false
	}
	r.entries[i].State = state
	return true
}

// master returns the entry tagged Master, or zero when the roster is empty.
func (r *roster) master() transport.PeerID {
	for _, e := range r.entries {
		if e.State == StateMaster {
			return e.Peer
		}
	}
	return 0
}

// setMaster moves the Master tag; the previous holder becomes Normal.
func (r *roster) setMaster(peer transport.PeerID) transport.PeerID {
	previous := r.master()
	if previous == peer {
		return previous
	}
	if previous != 0 {
		r.setState(previous, StateNormal)
	}
	r.setState(peer, StateMaster)
	return previous
}

func (r *roster) snapshot() []RosterEntry {
	return append([]RosterEntry(nil), r.entries...)
}

func (r *roster) reset() {
	r.entries = nil
}

func (r *roster) write(w *codec.Writer) {
	w.WriteSmallUint(uint64(len(r.entries)))
	for _, e := range r.entries {
		w.WriteSmallUint(uint64(e.Peer))
		w.WriteUint8(uint8(e.State))
		w.WriteString(e.DisplayName)
	}
}

func (r *roster) read(rd *codec.Reader) {
	n := rd.ReadSmallUint()
	entries := make([]RosterEntry, 0, min(n, uint64(rd.Remaining())))
	for i := uint64(0); i < n && rd.Err() == nil; i++ {
		entries = append(entries, RosterEntry{
			Peer:        transport.PeerID(rd.ReadSmallUint()),
			State:       PeerState(rd.ReadUint8()),
			DisplayName: rd.ReadString(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Peer < entries[j].Peer })
	r.entries = entries
}
