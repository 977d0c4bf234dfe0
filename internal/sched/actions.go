package sched

import (
	"context"
	"fmt"
	"sort"

	"lockstep/internal/channel"
	"lockstep/internal/codec"
	"lockstep/internal/transport"
	locklog "lockstep/logging/lockstep"
)

func readPeer(ctx *Context) (transport.PeerID, bool) {
	r := ctx.Reader()
	peer := r.ReadSmallUint()
	if r.Err() != nil || peer == 0 || peer > uint64(^uint32(0)) {
		return 0, false
	}
	return transport.PeerID(peer), true
}

func (s *Scheduler) onClientJoined(ctx *Context) Flow {
	r := ctx.Reader()
	peer := transport.PeerID(r.ReadSmallUint())
	name := r.ReadString()
	if r.Err() != nil || peer == 0 {
		return Done
	}
	delete(s.joinRequested, peer)
	if !s.roster.has(peer) {
		s.roster.add(RosterEntry{Peer: peer, State: StateWaitingForSync, DisplayName: name})
	}
	if s.isMaster {
		if s.present[peer] {
			s.ljRequested = true
			s.adoptHeld(func(owner transport.PeerID) bool { return owner == peer })
		} else {
			s.issueClientLeft(peer)
		}
	}
	s.raise(Event{Kind: EventClientJoined, Tick: ctx.Tick, Peer: peer, Action: ctx.ID, Message: name})
	return Done
}

func (s *Scheduler) onClientSynced(ctx *Context) Flow {
	peer, ok := readPeer(ctx)
	if !ok {
		return Done
	}
	if e, exists := s.roster.get(peer); exists && e.State == StateWaitingForSync {
		s.roster.setState(peer, StateCatchingUp)
	}
	s.raise(Event{Kind: EventClientSynced, Tick: ctx.Tick, Peer: peer, Action: ctx.ID})
	return Done
}

func (s *Scheduler) onClientCaughtUp(ctx *Context) Flow {
	peer, ok := readPeer(ctx)
	if !ok {
		return Done
	}
	if e, exists := s.roster.get(peer); exists && e.State != StateMaster {
		s.roster.setState(peer, StateNormal)
	}
	s.raise(Event{Kind: EventClientCaughtUp, Tick: ctx.Tick, Peer: peer, Action: ctx.ID})
	return Done
}

func (s *Scheduler) onClientLeft(ctx *Context) Flow {
	peer, ok := readPeer(ctx)
	if !ok {
		return Done
	}
	delete(s.leftIssued, peer)
	if peer == s.roster.master() || !s.roster.remove(peer) {
		return Done
	}
	s.dropHeld(peer)
	master := s.roster.master()
	for _, id := range s.singletonIDs() {
		rec := s.singletons[id]
		if rec.responsible != peer {
			continue
		}
		rec.responsible = master
		if master == s.local {
			s.sendSingletonWrapper(id)
		}
	}
	s.raise(Event{Kind: EventClientLeft, Tick: ctx.Tick, Peer: peer, Action: ctx.ID})
	return Done
}

func (s *Scheduler) onMasterChanged(ctx *Context) Flow {
	peer, ok := readPeer(ctx)
	if !ok || !s.roster.has(peer) {
		return Done
	}
	previous := s.roster.setMaster(peer)
	if peer != s.local {
		s.demote()
	} else if !s.isMaster {
		s.takeOver(s.deps.Clock.Now())
	}
	if s.announcedMaster == peer {
		s.announcedMaster = 0
	}
	s.election.finish()
	s.deps.Logger.Printf("[lockstep] tick=%d master changed %d -> %d", ctx.Tick, previous, peer)
	locklog.MasterChanged(context.Background(), s.deps.Publisher, uint64(ctx.Tick), s.actor(), locklog.MasterChangedPayload{
		Previous: uint32(previous),
		Current:  uint32(peer),
	})
	s.raise(Event{Kind: EventMasterChanged, Tick: ctx.Tick, Peer: peer, Action: ctx.ID})
	return Done
}

type singletonRecord struct {
	responsible    transport.PeerID
	handler        channel.HandlerID
	payload        []byte
	requiresTiming bool
	sendTick       Tick
}

func (s *Scheduler) singletonIDs() []uint32 {
	ids := make([]uint32, 0, len(s.singletons))
	for id := range s.singletons {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SendSingleton creates an action that runs exactly once even if responsible leaves
// before sending it. It must be called during tick execution so every peer records it;
// only responsible (or the master, once responsible is gone) broadcasts it.
func (s *Scheduler) SendSingleton(responsible transport.PeerID, handler channel.HandlerID, payload []byte, requiresTiming bool) (uint32, error) {
	if s.cursor.stage == stageIdle {
		return 0, ErrNotInTick
	}
	if !s.handlers.isUser(handler) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownHandler, handler)
	}
	if len(payload) > channel.MaxPayloadSize {
		return 0, ErrPayloadTooLarge
	}
	if !s.roster.has(responsible) {
		responsible = s.roster.master()
	}
	id := s.nextSingletonID
	s.nextSingletonID++
	s.singletons[id] = &singletonRecord{
		responsible:    responsible,
		handler:        handler,
		payload:        append([]byte(nil), payload...),
		requiresTiming: requiresTiming,
		sendTick:       s.cursor.tick,
	}
	if responsible == s.local {
		s.sendSingletonWrapper(id)
	}
	return id, nil
}

func (s *Scheduler) sendSingletonWrapper(id uint32) {
	w := codec.NewWriter(8)
	w.WriteSmallUint(uint64(id))
	s.submit(handlerSingleton, w.Bytes())
}

func (s *Scheduler) onSingleton(ctx *Context) Flow {
	r := ctx.Reader()
	id := r.ReadSmallUint()
	if r.Err() != nil || id > uint64(^uint32(0)) {
		return Done
	}
	rec, ok := s.singletons[uint32(id)]
	if !ok {
		return Done
	}
	inner := *ctx
	inner.Payload = rec.payload
	if rec.requiresTiming {
		inner.SendTick = rec.sendTick
	}
	flow := s.dispatch(rec.handler, &inner)
	if flow == Done {
		delete(s.singletons, uint32(id))
	}
	return flow
}

type delayedEvent struct {
	handler channel.HandlerID
	payload []byte
}

// ScheduleDelayed queues handler to run at tick, after that tick's actions. Ticks at or
// before the one executing are moved to the next tick. It must be called during tick
// execution.
func (s *Scheduler) ScheduleDelayed(tick Tick, handler channel.HandlerID, payload []byte) error {
	if s.cursor.stage == stageIdle {
		return ErrNotInTick
	}
	if !s.handlers.isUser(handler) {
		return fmt.Errorf("%w: %d", ErrUnknownHandler, handler)
	}
	if tick <= s.cursor.tick {
		tick = s.cursor.tick + 1
	}
	s.delayed[tick] = append(s.delayed[tick], delayedEvent{handler: handler, payload: append([]byte(nil), payload...)})
	return nil
}
