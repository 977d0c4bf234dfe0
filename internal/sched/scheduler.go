package sched

import (
	"context"
	"fmt"
	"sort"
	"time"

	"lockstep/internal/channel"
	"lockstep/internal/codec"
	"lockstep/internal/state"
	"lockstep/internal/tickcast"
	"lockstep/internal/transport"
	"lockstep/logging"
	locklog "lockstep/logging/lockstep"
)

type input struct {
	handler channel.HandlerID
	payload []byte
}

// Scheduler runs the lockstep simulation for one peer.
type Scheduler struct {
	cfg       Config
	deps      Deps
	substrate transport.Substrate
	local     transport.PeerID

	handlers *handlerTable
	events   *eventRegistry
	registry *state.Registry
	modules  *state.Set
	periodic []periodicEntry

	own       *channel.Channel
	lateJoin  *channel.Channel
	receivers map[transport.PeerID]*channel.Channel
	ticks     *tickcast.Broadcaster
	eventBuf  []transport.Event
	present   map[transport.PeerID]bool

	started     bool
	initialized bool
	isMaster    bool
	phase       Phase
	roster      roster

	lastCompleted    Tick
	safeTick         Tick
	immutableThrough Tick
	baseTick         Tick
	baseTime         time.Time
	catchUpFrom      Tick
	cursor           tickCursor
	stepsThisFrame   int

	inputs            map[channel.UniqueID]*input
	assoc             map[channel.UniqueID]Tick
	byTick            map[Tick][]channel.UniqueID
	associatedThrough map[transport.PeerID]uint32

	nextSingletonID uint32
	singletons      map[uint32]*singletonRecord
	delayed         map[Tick][]delayedEvent

	election        electionState
	announcedMaster transport.PeerID
	tickSender      transport.PeerID

	join          joinState
	sendCaughtUp  bool
	ljRequested   bool
	joinRequested map[transport.PeerID]bool
	leftIssued    map[transport.PeerID]bool

	desyncLogged    map[channel.UniqueID]bool
	missingHandlers map[channel.HandlerID]bool
}

// New constructs a scheduler on substrate. Modules are instantiated from registry in
// registration order; the registry is kept for factory resets.
func New(substrate transport.Substrate, registry *state.Registry, cfg Config, deps Deps) (*Scheduler, error) {
	if substrate == nil {
		return nil, fmt.Errorf("sched: substrate required")
	}
	if registry == nil {
		registry = state.NewRegistry()
	}
	modules, err := registry.Build()
	if err != nil {
		return nil, fmt.Errorf("sched: build modules: %w", err)
	}
	cfg = cfg.normalized()
	deps = deps.withDefaults()
	s := &Scheduler{
		cfg:       cfg,
		deps:      deps,
		substrate: substrate,
		local:     substrate.LocalPeer(),
		handlers:  newHandlerTable(),
		events:    newEventRegistry(),
		registry:  registry,
		modules:   modules,
		receivers: make(map[transport.PeerID]*channel.Channel),
		present:   make(map[transport.PeerID]bool),
	}
	s.resetReplicated()
	chCfg := channel.Config{MaxFrame: cfg.MaxFrame, Retry: cfg.Retry}
	s.own = channel.New(substrate, transport.SlotForPeer(s.local), chCfg, deps.channelDeps(), nil, nil)
	s.lateJoin = channel.New(substrate, transport.SlotLateJoiner, chCfg, deps.channelDeps(), s.onLateJoinerFrame, nil)
	s.ticks = tickcast.NewBroadcaster(substrate, tickcast.Config{
		MaxFrame: cfg.MaxFrame,
		Interval: cfg.TickSyncInterval,
		Retry:    cfg.Retry,
	}, deps.channelDeps())
	s.registerInternalHandlers()
	return s, nil
}

func (s *Scheduler) registerInternalHandlers() {
	s.handlers.setInternal(handlerClientJoined, "client_joined", s.onClientJoined)
	s.handlers.setInternal(handlerClientSynced, "client_synced", s.onClientSynced)
	s.handlers.setInternal(handlerClientCaughtUp, "client_caught_up", s.onClientCaughtUp)
	s.handlers.setInternal(handlerClientLeft, "client_left", s.onClientLeft)
	s.handlers.setInternal(handlerMasterChanged, "master_changed", s.onMasterChanged)
	s.handlers.setInternal(handlerSingleton, "singleton", s.onSingleton)
	s.handlers.setInternal(handlerImport, "import", s.onImport)
}

// resetReplicated clears everything that is replicated between peers.
func (s *Scheduler) resetReplicated() {
	s.initialized = false
	s.isMaster = false
	s.phase = PhasePaused
	s.roster.reset()
	s.lastCompleted = 0
	s.safeTick = 0
	s.immutableThrough = 0
	s.cursor = tickCursor{}
	s.inputs = make(map[channel.UniqueID]*input)
	s.assoc = make(map[channel.UniqueID]Tick)
	s.byTick = make(map[Tick][]channel.UniqueID)
	s.associatedThrough = make(map[transport.PeerID]uint32)
	s.nextSingletonID = 1
	s.singletons = make(map[uint32]*singletonRecord)
	s.delayed = make(map[Tick][]delayedEvent)
	s.election = electionState{}
	s.announcedMaster = 0
	s.join = joinState{}
	s.sendCaughtUp = false
	s.ljRequested = false
	s.joinRequested = make(map[transport.PeerID]bool)
	s.leftIssued = make(map[transport.PeerID]bool)
	s.desyncLogged = make(map[channel.UniqueID]bool)
	s.missingHandlers = make(map[channel.HandlerID]bool)
}

// RegisterHandler assigns the next user handler id to fn. Every peer must register the
// same handlers in the same order.
func (s *Scheduler) RegisterHandler(name string, fn Handler) (channel.HandlerID, error) {
	if s.started {
		return 0, ErrStarted
	}
	return s.handlers.register(name, fn)
}

// EveryNthTick registers fn to run at the end of every tick divisible by n. Periodic
// callbacks are local registrations and must be made identically on every peer.
func (s *Scheduler) EveryNthTick(n int, fn Handler) {
	if n <= 0 || fn == nil {
		return
	}
	s.periodic = append(s.periodic, periodicEntry{every: Tick(n), fn: fn})
}

// Start joins the simulation: a peer alone on the substrate initializes as the first
// peer, everyone else requests late-joiner data.
func (s *Scheduler) Start(now time.Time) {
	if s.started {
		return
	}
	s.started = true
	for _, p := range s.substrate.Peers() {
		s.present[p] = true
	}
	s.present[s.local] = true
	if s.substrate.Authority() == s.local && len(s.present) == 1 {
		s.initFirst(now)
		return
	}
	s.requestSync(now)
}

func (s *Scheduler) initFirst(now time.Time) {
	s.roster.add(RosterEntry{Peer: s.local, State: StateMaster, DisplayName: s.cfg.DisplayName})
	s.initialized = true
	s.isMaster = true
	s.announcedMaster = s.local
	s.phase = PhaseRunning
	s.rebase(now)
	s.deps.Logger.Printf("[lockstep] peer=%d initialized as first peer", s.local)
	s.raise(Event{Kind: EventInit, Tick: s.CurrentTick(), Peer: s.local})
}

// Update is the per-frame entry point: it drains substrate events, advances elections and
// late-joiner timers, runs due ticks and gives every owned channel a send opportunity.
func (s *Scheduler) Update(now time.Time) {
	if !s.started {
		s.Start(now)
	}
	s.stepsThisFrame = 0
	s.pollSubstrate(now)
	s.updateElection(now)
	s.updateJoin(now)
	s.runTicks(now)
	if s.isMaster {
		if s.ljRequested && s.cursor.stage == stageIdle && s.lateJoin.Idle() {
			s.ljRequested = false
			s.sendLateJoinerData()
		}
		s.ticks.SetBoundary(uint64(s.immutableThrough))
		s.ticks.Update(now)
	}
	s.lateJoin.Update(now)
	s.own.Update(now)
	if s.deps.Metrics != nil {
		s.deps.Metrics.Store(currentTickGaugeKey, uint64(s.lastCompleted))
	}
}

// Close releases the substrate.
func (s *Scheduler) Close() error {
	return s.substrate.Close()
}

func (s *Scheduler) pollSubstrate(now time.Time) {
	s.eventBuf = s.substrate.Poll(s.eventBuf[:0])
	for _, ev := range s.eventBuf {
		switch ev.Kind {
		case transport.EventFrame:
			s.onFrame(ev)
		case transport.EventSendResult:
			s.onSendResult(ev, now)
		case transport.EventPeerJoined:
			s.present[ev.Peer] = true
		case transport.EventPeerLeft:
			s.onPeerLeft(ev.Peer, now)
		case transport.EventAuthorityChanged:
			s.checkMaster(now)
		}
	}
}

func (s *Scheduler) onFrame(ev transport.Event) {
	switch ev.Slot {
	case transport.SlotTick:
		s.onTickFrame(ev.Peer, ev.Data)
	case transport.SlotLateJoiner:
		if s.isMaster || !s.acceptsFromMaster(ev.Peer) {
			return
		}
		s.lateJoin.Receive(ev.Data)
	default:
		owner, ok := transport.PeerForSlot(ev.Slot)
		if !ok || owner != ev.Peer || owner == s.local {
			return
		}
		s.receiver(owner).Receive(ev.Data)
	}
}

func (s *Scheduler) onSendResult(ev transport.Event, now time.Time) {
	switch ev.Slot {
	case transport.SlotTick:
		s.ticks.HandleSendResult(ev.OK, now)
	case transport.SlotLateJoiner:
		s.lateJoin.HandleSendResult(ev.OK, now)
	case s.own.Slot():
		s.own.HandleSendResult(ev.OK, now)
	}
}

func (s *Scheduler) receiver(peer transport.PeerID) *channel.Channel {
	if ch, ok := s.receivers[peer]; ok {
		return ch
	}
	ch := channel.New(s.substrate, transport.SlotForPeer(peer), channel.Config{MaxFrame: s.cfg.MaxFrame}, s.deps.channelDeps(), s.onAction, nil)
	s.receivers[peer] = ch
	return ch
}

func (s *Scheduler) onPeerLeft(peer transport.PeerID, now time.Time) {
	delete(s.present, peer)
	delete(s.joinRequested, peer)
	if ch, ok := s.receivers[peer]; ok {
		ch.ResetReceiver()
		delete(s.receivers, peer)
	}
	if s.isMaster {
		if s.roster.has(peer) {
			s.issueClientLeft(peer)
		} else {
			s.dropHeld(peer)
		}
	}
	if peer == s.announcedMaster {
		s.announcedMaster = 0
	}
	if peer == s.join.sender {
		s.join.unlatch()
		s.lateJoin.ResetReceiver()
	}
	s.election.peerLeft(peer)
	s.checkMaster(now)
}

// masterID is the peer believed to be master: the roster's, or for a peer without a
// roster, the one sending tick frames.
func (s *Scheduler) masterID() transport.PeerID {
	if s.initialized {
		return s.roster.master()
	}
	return s.tickSender
}

func (s *Scheduler) masterPresent() bool {
	if s.isMaster {
		return true
	}
	if m := s.masterID(); m != 0 && s.present[m] {
		return true
	}
	return s.announcedMaster != 0 && s.present[s.announcedMaster]
}

// acceptsFromMaster reports whether frames on master-owned slots from peer are honoured.
func (s *Scheduler) acceptsFromMaster(peer transport.PeerID) bool {
	if peer == s.local {
		return false
	}
	if m := s.masterID(); m == peer || m == 0 || !s.present[m] {
		return true
	}
	return peer == s.announcedMaster
}

func (s *Scheduler) onTickFrame(from transport.PeerID, data []byte) {
	if s.isMaster || !s.acceptsFromMaster(from) {
		return
	}
	frame, err := tickcast.Decode(data)
	if err != nil {
		s.deps.Logger.Printf("[lockstep] dropping tick frame from peer=%d: %v", from, err)
		return
	}
	if !s.initialized && s.tickSender != 0 && s.tickSender != from {
		// A different master: associations retained from the previous one are republished.
		s.assoc = make(map[channel.UniqueID]Tick)
		s.byTick = make(map[Tick][]channel.UniqueID)
		s.safeTick = 0
	}
	s.tickSender = from
	if s.initialized && from != s.roster.master() {
		s.announcedMaster = from
	}
	for _, a := range frame.Associations {
		s.learnAssociation(Tick(a.Tick), a.ID)
	}
	if b := Tick(frame.Boundary); b > s.safeTick {
		s.safeTick = b
	}
}

func (s *Scheduler) learnAssociation(tick Tick, id channel.UniqueID) {
	if tick == 0 || id == 0 {
		return
	}
	if s.initialized && tick <= s.lastCompleted {
		return
	}
	if _, known := s.assoc[id]; known {
		return
	}
	s.assoc[id] = tick
	s.byTick[tick] = append(s.byTick[tick], id)
	if seq := id.Seq(); seq > s.associatedThrough[id.Owner()] {
		s.associatedThrough[id.Owner()] = seq
	}
}

// firstMutableTick is the earliest tick the master may still add actions to. Once a
// tick began executing it is closed, so submissions made during it land in the next one.
func (s *Scheduler) firstMutableTick() Tick {
	return max(s.immutableThrough, s.lastCompleted) + 1
}

func (s *Scheduler) associate(tick Tick, id channel.UniqueID) {
	if _, known := s.assoc[id]; known {
		return
	}
	s.learnAssociation(tick, id)
	s.ticks.Associate(uint64(tick), id)
}

func (s *Scheduler) onAction(a channel.Action) {
	if isImmediate(a.Handler) {
		s.runImmediate(a)
		return
	}
	owner := a.ID.Owner()
	known := s.roster.has(owner)
	// A connected peer outside the local roster may still have a client_joined ahead of
	// this peer's tick; its inputs are kept until it joins or leaves.
	if s.initialized && !known && !s.present[owner] {
		s.countDropped(1)
		s.deps.Logger.Printf("[lockstep] dropping action %s from departed peer outside the roster", a.ID)
		return
	}
	if _, dup := s.inputs[a.ID]; dup {
		return
	}
	s.inputs[a.ID] = &input{handler: a.Handler, payload: a.Payload}
	if s.isMaster && known {
		s.associate(s.firstMutableTick(), a.ID)
	}
}

// adoptHeld associates, in id order, every input without a tick whose owner satisfies
// keep. It returns how many were adopted.
func (s *Scheduler) adoptHeld(keep func(transport.PeerID) bool) int {
	var held []channel.UniqueID
	for id := range s.inputs {
		if _, ok := s.assoc[id]; !ok && keep(id.Owner()) {
			held = append(held, id)
		}
	}
	sort.Slice(held, func(i, j int) bool { return held[i] < held[j] })
	for _, id := range held {
		s.associate(s.firstMutableTick(), id)
	}
	return len(held)
}

// dropHeld forgets inputs from peer that never got a tick.
func (s *Scheduler) dropHeld(peer transport.PeerID) {
	n := 0
	for id := range s.inputs {
		if _, ok := s.assoc[id]; !ok && id.Owner() == peer {
			delete(s.inputs, id)
			n++
		}
	}
	if n > 0 {
		s.countDropped(n)
		s.deps.Logger.Printf("[lockstep] peer=%d left with %d unscheduled actions, dropping them", peer, n)
	}
}

func (s *Scheduler) countDropped(n int) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Add(droppedMetricKey, uint64(n))
	}
}

func (s *Scheduler) runImmediate(a channel.Action) {
	switch a.Handler {
	case handlerRequestSync:
		r := codec.NewReader(a.Payload)
		name := r.ReadString()
		s.onRequestSync(a.ID.Owner(), name)
	case handlerSolicit, handlerSolicitResponse, handlerAccept:
		s.onElectionMessage(a)
	}
}

// SendAction broadcasts an action; every peer runs handler with payload in the same tick.
func (s *Scheduler) SendAction(handler channel.HandlerID, payload []byte) (channel.UniqueID, error) {
	if !s.initialized {
		return 0, ErrNotInitialized
	}
	if !s.handlers.isUser(handler) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownHandler, handler)
	}
	if len(payload) > channel.MaxPayloadSize {
		return 0, ErrPayloadTooLarge
	}
	return s.submit(handler, payload), nil
}

func (s *Scheduler) submit(handler channel.HandlerID, payload []byte) channel.UniqueID {
	id := s.own.Submit(handler, payload)
	if !isImmediate(handler) {
		s.inputs[id] = &input{handler: handler, payload: append([]byte(nil), payload...)}
		if s.isMaster {
			s.associate(s.firstMutableTick(), id)
		}
	}
	return id
}

func (s *Scheduler) submitPeer(handler channel.HandlerID, peer transport.PeerID) channel.UniqueID {
	w := codec.NewWriter(8)
	w.WriteSmallUint(uint64(peer))
	return s.submit(handler, w.Bytes())
}

func (s *Scheduler) issueClientLeft(peer transport.PeerID) {
	if s.leftIssued[peer] {
		return
	}
	s.leftIssued[peer] = true
	s.submitPeer(handlerClientLeft, peer)
}

// promote makes the local peer master after winning an election and announces it.
func (s *Scheduler) promote(now time.Time) {
	if s.isMaster || !s.initialized {
		return
	}
	held := s.takeOver(now)
	s.submitPeer(handlerMasterChanged, s.local)
	for _, e := range s.roster.snapshot() {
		if e.Peer == s.local {
			continue
		}
		if !s.present[e.Peer] {
			s.issueClientLeft(e.Peer)
		} else if e.State == StateWaitingForSync {
			s.ljRequested = true
		}
	}
	s.deps.Logger.Printf("[lockstep] peer=%d promoted to master at tick=%d safe=%d held=%d", s.local, s.lastCompleted, s.safeTick, held)
}

// takeOver starts assigning ticks: known associations are republished and every action
// still waiting for a tick is associated in id order. It returns how many were adopted.
func (s *Scheduler) takeOver(now time.Time) int {
	s.isMaster = true
	s.announcedMaster = s.local
	s.election.finish()
	s.ticks.Reset()
	s.safeTick = max(s.safeTick, s.lastCompleted)
	s.immutableThrough = max(s.safeTick, s.cursor.tick)

	known := make([]channel.UniqueID, 0, len(s.assoc))
	for id := range s.assoc {
		known = append(known, id)
	}
	sort.Slice(known, func(i, j int) bool { return known[i] < known[j] })
	for _, id := range known {
		s.ticks.Associate(uint64(s.assoc[id]), id)
	}

	held := s.adoptHeld(s.roster.has)
	gone := map[transport.PeerID]bool{}
	for id := range s.inputs {
		if owner := id.Owner(); !s.roster.has(owner) && !s.present[owner] {
			gone[owner] = true
		}
	}
	for owner := range gone {
		s.dropHeld(owner)
	}

	if s.safeTick > s.lastCompleted+Tick(s.cfg.CatchUpThreshold) {
		s.enterCatchUp()
	} else {
		s.phase = PhaseRunning
		s.rebase(now)
	}
	return held
}

// demote stops assigning ticks. Associations this peer decided but never published are
// forgotten; the actions wait for the new master.
func (s *Scheduler) demote() {
	if !s.isMaster {
		return
	}
	published := max(Tick(s.ticks.SentBoundary()), s.lastCompleted, s.cursor.tick)
	for id, tick := range s.assoc {
		if tick > published {
			delete(s.assoc, id)
		}
	}
	for tick := range s.byTick {
		if tick > published {
			delete(s.byTick, tick)
		}
	}
	s.safeTick = published
	s.immutableThrough = 0
	s.isMaster = false
	s.ljRequested = false
	s.ticks.Reset()
	s.lateJoin.Clear()
	s.deps.Logger.Printf("[lockstep] peer=%d stepping down as master", s.local)
}

// factoryReset discards all replicated state and restarts the simulation with the local
// peer as its only member.
func (s *Scheduler) factoryReset(now time.Time, reason string) {
	s.deps.Logger.Printf("[lockstep] peer=%d factory reset: %s", s.local, reason)
	locklog.FactoryReset(context.Background(), s.deps.Publisher, s.actor(), locklog.FactoryResetPayload{Reason: reason})
	modules, err := s.registry.Build()
	if err != nil {
		s.deps.Logger.Printf("[lockstep] rebuilding modules failed: %v", err)
	} else {
		s.modules = modules
	}
	s.resetReplicated()
	s.ticks.Reset()
	s.lateJoin.Clear()
	s.own.Clear()
	s.initFirst(now)
}

func (s *Scheduler) actor() logging.EntityRef {
	return peerRef(s.local)
}

func peerRef(peer transport.PeerID) logging.EntityRef {
	return logging.PeerRef(uint32(peer))
}

// LocalPeer reports the local peer id.
func (s *Scheduler) LocalPeer() transport.PeerID { return s.local }

// Initialized reports whether the local peer holds the replicated state.
func (s *Scheduler) Initialized() bool { return s.initialized }

// IsMaster reports whether the local peer currently assigns ticks.
func (s *Scheduler) IsMaster() bool { return s.isMaster }

// Phase reports the local run-loop state.
func (s *Scheduler) Phase() Phase { return s.phase }

// LastCompletedTick reports the last fully executed tick.
func (s *Scheduler) LastCompletedTick() Tick { return s.lastCompleted }

// CurrentTick reports the tick being executed, or the next one to execute.
func (s *Scheduler) CurrentTick() Tick {
	if s.cursor.stage != stageIdle {
		return s.cursor.tick
	}
	return s.lastCompleted + 1
}

// SafeTick reports the highest tick known to be final.
func (s *Scheduler) SafeTick() Tick { return s.safeTick }

// Roster returns a copy of the roster sorted by peer id.
func (s *Scheduler) Roster() []RosterEntry { return s.roster.snapshot() }

// Master reports the roster's master.
func (s *Scheduler) Master() transport.PeerID { return s.roster.master() }

// Modules exposes the live module instances.
func (s *Scheduler) Modules() *state.Set { return s.modules }

// PendingActions reports locally known actions that have not run yet.
func (s *Scheduler) PendingActions() int { return len(s.inputs) }
