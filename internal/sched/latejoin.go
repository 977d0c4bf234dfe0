package sched

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"lockstep/internal/channel"
	"lockstep/internal/codec"
	"lockstep/internal/snapshot"
	"lockstep/internal/state"
	"lockstep/internal/transport"
)

// Late-joiner frames on the master's late-joiner channel. Every payload starts with the
// 16-byte sync id so a joiner only assembles frames from the transfer it latched onto.
const (
	ljBegin channel.HandlerID = iota + 1
	ljInternal
	ljModule
	ljTick
)

const maxLateJoinModules = 1 << 16

type joinState struct {
	requestedAt   time.Time
	syncID        uuid.UUID
	sender        transport.PeerID
	tick          Tick
	expectModules int
	internal      []byte
	modules       [][]byte
}

func (j *joinState) latched() bool {
	return j.syncID != uuid.Nil
}

func (j *joinState) unlatch() {
	j.syncID = uuid.Nil
	j.sender = 0
	j.tick = 0
	j.expectModules = 0
	j.internal = nil
	j.modules = nil
}

// requestSync asks the master for late-joiner data.
func (s *Scheduler) requestSync(now time.Time) {
	if s.initialized {
		return
	}
	w := codec.NewWriter(len(s.cfg.DisplayName) + 4)
	w.WriteString(s.cfg.DisplayName)
	s.submit(handlerRequestSync, w.Bytes())
	s.join.requestedAt = now
	s.deps.Logger.Printf("[lockstep] peer=%d requesting late-joiner data", s.local)
}

func (s *Scheduler) updateJoin(now time.Time) {
	if s.initialized || !s.started {
		return
	}
	if now.Sub(s.join.requestedAt) < s.cfg.LateJoinerTimeout {
		return
	}
	if s.join.latched() {
		s.deps.Logger.Printf("[lockstep] peer=%d late-joiner transfer %s from peer=%d stalled", s.local, s.join.syncID, s.join.sender)
		s.join.unlatch()
	}
	s.requestSync(now)
}

// onRequestSync runs on the master when a peer asks for state. Peers outside the roster are
// first added through a clientJoined action; the data follows once that tick executed.
func (s *Scheduler) onRequestSync(from transport.PeerID, name string) {
	if !s.isMaster || from == s.local {
		return
	}
	if e, ok := s.roster.get(from); ok {
		if e.State == StateWaitingForSync {
			s.ljRequested = true
		}
		return
	}
	if s.joinRequested[from] {
		return
	}
	s.joinRequested[from] = true
	w := codec.NewWriter(len(name) + 8)
	w.WriteSmallUint(uint64(from))
	w.WriteString(name)
	s.submit(handlerClientJoined, w.Bytes())
	s.deps.Logger.Printf("[lockstep] peer=%d (%s) asked to join, adding to roster", from, name)
}

func ljWriter(syncID uuid.UUID, capacity int) *codec.Writer {
	w := codec.NewWriter(capacity + len(syncID))
	w.WriteRaw(syncID[:])
	return w
}

// sendLateJoinerData broadcasts the full replicated state as of the last completed tick.
// Every waiting peer latches onto the same transfer.
func (s *Scheduler) sendLateJoinerData() {
	waiting := 0
	for _, e := range s.roster.snapshot() {
		if e.State == StateWaitingForSync && s.present[e.Peer] {
			waiting++
		}
	}
	if waiting == 0 {
		return
	}
	syncID := uuid.New()
	modules := s.modules.All()

	w := ljWriter(syncID, 16)
	w.WriteSmallUint(uint64(s.lastCompleted))
	w.WriteSmallUint(uint64(len(modules)))
	s.lateJoin.Submit(ljBegin, w.Bytes())

	w = ljWriter(syncID, 256)
	s.writeInternalState(w)
	s.lateJoin.Submit(ljInternal, w.Bytes())

	size := 0
	for _, m := range modules {
		w = ljWriter(syncID, 256)
		snapshot.WriteSection(w, m, false)
		size += w.Len()
		s.lateJoin.Submit(ljModule, w.Bytes())
	}

	w = ljWriter(syncID, 16)
	w.WriteSmallUint(uint64(s.lastCompleted))
	s.lateJoin.Submit(ljTick, w.Bytes())

	if s.deps.Metrics != nil {
		s.deps.Metrics.Add(lateJoinMetricKey, 1)
	}
	s.deps.Logger.Printf("[lockstep] sending late-joiner data sync=%s tick=%d waiting=%d modules=%d bytes=%d", syncID, s.lastCompleted, waiting, len(modules), size)
}

func (s *Scheduler) writeInternalState(w *codec.Writer) {
	s.roster.write(w)
	w.WriteSmallUint(uint64(s.immutableThrough))
	w.WriteSmallUint(uint64(s.nextSingletonID))

	w.WriteSmallUint(uint64(len(s.singletons)))
	for _, id := range s.singletonIDs() {
		rec := s.singletons[id]
		w.WriteSmallUint(uint64(id))
		w.WriteSmallUint(uint64(rec.responsible))
		w.WriteSmallUint(uint64(rec.handler))
		w.WriteBytes(rec.payload)
		w.WriteBool(rec.requiresTiming)
		w.WriteSmallUint(uint64(rec.sendTick))
	}

	ticks := make([]Tick, 0, len(s.delayed))
	for tick := range s.delayed {
		if tick > s.lastCompleted {
			ticks = append(ticks, tick)
		}
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })
	w.WriteSmallUint(uint64(len(ticks)))
	for _, tick := range ticks {
		events := s.delayed[tick]
		w.WriteSmallUint(uint64(tick))
		w.WriteSmallUint(uint64(len(events)))
		for _, ev := range events {
			w.WriteSmallUint(uint64(ev.handler))
			w.WriteBytes(ev.payload)
		}
	}

	ids := make([]channel.UniqueID, 0, len(s.assoc))
	for id := range s.assoc {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	w.WriteSmallUint(uint64(len(ids)))
	for _, id := range ids {
		w.WriteUint64(uint64(id))
		w.WriteSmallUint(uint64(s.assoc[id]))
	}

	ids = ids[:0]
	for id := range s.inputs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	w.WriteSmallUint(uint64(len(ids)))
	for _, id := range ids {
		in := s.inputs[id]
		w.WriteUint64(uint64(id))
		w.WriteSmallUint(uint64(in.handler))
		w.WriteBytes(in.payload)
	}

	peers := make([]transport.PeerID, 0, len(s.associatedThrough))
	for peer := range s.associatedThrough {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	w.WriteSmallUint(uint64(len(peers)))
	for _, peer := range peers {
		w.WriteSmallUint(uint64(peer))
		w.WriteSmallUint(uint64(s.associatedThrough[peer]))
	}
}

// internalState is the decoded form of writeInternalState, applied only once complete.
type internalState struct {
	roster            roster
	boundary          Tick
	nextSingletonID   uint32
	singletons        map[uint32]*singletonRecord
	delayed           map[Tick][]delayedEvent
	assoc             map[channel.UniqueID]Tick
	inputs            map[channel.UniqueID]*input
	associatedThrough map[transport.PeerID]uint32
}

func readInternalState(data []byte) (*internalState, error) {
	r := codec.NewReader(data)
	st := &internalState{
		singletons:        make(map[uint32]*singletonRecord),
		delayed:           make(map[Tick][]delayedEvent),
		assoc:             make(map[channel.UniqueID]Tick),
		inputs:            make(map[channel.UniqueID]*input),
		associatedThrough: make(map[transport.PeerID]uint32),
	}
	st.roster.read(r)
	st.boundary = Tick(r.ReadSmallUint())
	st.nextSingletonID = uint32(r.ReadSmallUint())

	n := r.ReadSmallUint()
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		id := uint32(r.ReadSmallUint())
		st.singletons[id] = &singletonRecord{
			responsible:    transport.PeerID(r.ReadSmallUint()),
			handler:        channel.HandlerID(r.ReadSmallUint()),
			payload:        append([]byte(nil), r.ReadBytes()...),
			requiresTiming: r.ReadBool(),
			sendTick:       Tick(r.ReadSmallUint()),
		}
	}

	n = r.ReadSmallUint()
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		tick := Tick(r.ReadSmallUint())
		count := r.ReadSmallUint()
		for j := uint64(0); j < count && r.Err() == nil; j++ {
			ev := delayedEvent{handler: channel.HandlerID(r.ReadSmallUint())}
			ev.payload = append([]byte(nil), r.ReadBytes()...)
			st.delayed[tick] = append(st.delayed[tick], ev)
		}
	}

	n = r.ReadSmallUint()
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		id := channel.UniqueID(r.ReadUint64())
		st.assoc[id] = Tick(r.ReadSmallUint())
	}

	n = r.ReadSmallUint()
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		id := channel.UniqueID(r.ReadUint64())
		in := &input{handler: channel.HandlerID(r.ReadSmallUint())}
		in.payload = append([]byte(nil), r.ReadBytes()...)
		st.inputs[id] = in
	}

	n = r.ReadSmallUint()
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		peer := transport.PeerID(r.ReadSmallUint())
		st.associatedThrough[peer] = uint32(r.ReadSmallUint())
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Remaining())
	}
	return st, nil
}

func (s *Scheduler) onLateJoinerFrame(a channel.Action) {
	if s.initialized {
		return
	}
	r := codec.NewReader(a.Payload)
	syncID, err := uuid.FromBytes(r.ReadRaw(16))
	if r.Err() != nil || err != nil {
		return
	}
	j := &s.join
	if a.Handler == ljBegin {
		if j.latched() {
			return
		}
		tick := Tick(r.ReadSmallUint())
		count := r.ReadSmallUint()
		if r.Err() != nil || count > maxLateJoinModules {
			return
		}
		j.syncID = syncID
		j.sender = a.ID.Owner()
		j.tick = tick
		j.expectModules = int(count)
		j.requestedAt = s.deps.Clock.Now()
		s.deps.Logger.Printf("[lockstep] peer=%d receiving late-joiner data sync=%s tick=%d from peer=%d", s.local, syncID, tick, j.sender)
		return
	}
	if !j.latched() || syncID != j.syncID {
		return
	}
	j.requestedAt = s.deps.Clock.Now()
	rest := append([]byte(nil), r.ReadRaw(r.Remaining())...)
	switch a.Handler {
	case ljInternal:
		j.internal = rest
	case ljModule:
		j.modules = append(j.modules, rest)
	case ljTick:
		end := codec.NewReader(rest)
		if Tick(end.ReadSmallUint()) != j.tick || end.Err() != nil || j.internal == nil || len(j.modules) != j.expectModules {
			s.deps.Logger.Printf("[lockstep] peer=%d incomplete late-joiner data sync=%s, requesting again", s.local, j.syncID)
			j.unlatch()
			s.requestSync(s.deps.Clock.Now())
			return
		}
		if err := s.applyLateJoinerData(); err != nil {
			s.deps.Logger.Printf("[lockstep] peer=%d applying late-joiner data failed: %v", s.local, err)
			j.unlatch()
			s.requestSync(s.deps.Clock.Now())
		}
	}
}

// applyLateJoinerData installs the latched transfer. Actions retained from tick frames or
// action channels before the transfer are merged: anything the master already executed is
// dropped, anything it has not seen yet is kept.
func (s *Scheduler) applyLateJoinerData() error {
	j := &s.join
	st, err := readInternalState(j.internal)
	if err != nil {
		return fmt.Errorf("internal state: %w", err)
	}
	modules, err := s.registry.Build()
	if err != nil {
		return fmt.Errorf("build modules: %w", err)
	}
	if err := loadModules(modules, j.modules); err != nil {
		return err
	}
	tick := j.tick

	for id, t := range s.assoc {
		if _, ok := st.assoc[id]; !ok && t > tick {
			st.assoc[id] = t
		}
	}
	for id, in := range s.inputs {
		if _, ok := st.inputs[id]; ok {
			continue
		}
		if t, ok := st.assoc[id]; ok && t > tick {
			st.inputs[id] = in
			continue
		}
		if id.Seq() > st.associatedThrough[id.Owner()] {
			st.inputs[id] = in
		}
	}

	s.modules = modules
	s.roster = st.roster
	s.nextSingletonID = st.nextSingletonID
	s.singletons = st.singletons
	s.delayed = st.delayed
	s.inputs = st.inputs
	s.associatedThrough = st.associatedThrough
	s.assoc = make(map[channel.UniqueID]Tick, len(st.assoc))
	s.byTick = make(map[Tick][]channel.UniqueID)
	s.lastCompleted = tick
	s.initialized = true
	for id, t := range st.assoc {
		s.learnAssociation(t, id)
	}
	if s.tickSender != j.sender {
		s.safeTick = 0
	}
	s.safeTick = max(s.safeTick, st.boundary, tick)
	s.cursor = tickCursor{}
	s.announcedMaster = 0
	s.sendCaughtUp = true
	s.enterCatchUp()
	sender := j.sender
	j.unlatch()

	s.deps.Logger.Printf("[lockstep] peer=%d synchronized at tick=%d from peer=%d safe=%d pending=%d", s.local, tick, sender, s.safeTick, len(s.inputs))
	s.raise(Event{Kind: EventInit, Tick: tick, Peer: s.local})
	s.submitPeer(handlerClientSynced, s.local)
	return nil
}

// loadModules deserializes late-joiner sections into a fresh module set.
func loadModules(set *state.Set, sections [][]byte) error {
	for _, data := range sections {
		section, err := snapshot.ReadSection(codec.NewReader(data))
		if err != nil {
			return fmt.Errorf("module section: %w", err)
		}
		m, ok := set.Lookup(section.Name)
		if !ok {
			return fmt.Errorf("%w: %s", state.ErrUnknownModule, section.Name)
		}
		if section.Version < m.LowestSupportedVersion() || section.Version > m.Version() {
			return fmt.Errorf("module %s: version %d outside [%d, %d]", section.Name, section.Version, m.LowestSupportedVersion(), m.Version())
		}
		r := codec.NewReader(section.Data)
		if err := m.Deserialize(r, false, section.Version); err != nil {
			return fmt.Errorf("module %s: %w", section.Name, err)
		}
		if err := r.Err(); err != nil {
			return fmt.Errorf("module %s: %w", section.Name, err)
		}
	}
	return nil
}
