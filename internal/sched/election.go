package sched

import (
	"context"
	"time"

	"lockstep/internal/channel"
	"lockstep/internal/codec"
	"lockstep/internal/transport"
	locklog "lockstep/logging/lockstep"
)

// ElectionPhase is the local view of a master election.
type ElectionPhase uint8

const (
	ElectionIdle ElectionPhase = iota
	// ElectionSoliciting means this peer coordinates and collects responses.
	ElectionSoliciting
	// ElectionResponding means this peer offered itself and awaits the outcome.
	ElectionResponding
)

type responseKind uint8

const (
	responseCanAccept responseKind = iota + 1
	responseAlreadyMaster
	responseCannotAccept
)

type solicitResponse struct {
	kind responseKind
	safe Tick
}

type electionState struct {
	phase     ElectionPhase
	id        uint64
	counter   uint32
	attempts  int
	startedAt time.Time
	responses map[transport.PeerID]solicitResponse

	target     transport.PeerID
	acceptedAt time.Time
}

func (e *electionState) finish() {
	e.phase = ElectionIdle
	e.attempts = 0
	e.target = 0
	e.responses = nil
}

func (e *electionState) peerLeft(peer transport.PeerID) {
	if e.responses != nil {
		delete(e.responses, peer)
	}
	if e.phase == ElectionSoliciting && e.target == peer {
		// Restarted by updateElection once the accept window lapses.
		e.acceptedAt = time.Time{}
	}
}

// ElectionPhase reports the local election state.
func (s *Scheduler) ElectionPhase() ElectionPhase {
	return s.election.phase
}

// checkMaster starts an election when the master is gone and the local peer holds the
// substrate authority.
func (s *Scheduler) checkMaster(now time.Time) {
	if !s.started || s.masterPresent() || s.election.phase == ElectionSoliciting {
		return
	}
	if s.substrate.Authority() != s.local {
		return
	}
	s.startElection(now)
}

func (s *Scheduler) startElection(now time.Time) {
	e := &s.election
	e.counter++
	e.attempts++
	e.id = uint64(s.local)<<32 | uint64(e.counter)
	e.phase = ElectionSoliciting
	e.startedAt = now
	e.responses = make(map[transport.PeerID]solicitResponse)
	e.target = 0
	if s.deps.Metrics != nil {
		s.deps.Metrics.Add(electionsMetricKey, 1)
	}
	s.deps.Logger.Printf("[lockstep] peer=%d soliciting master candidates election=%d attempt=%d", s.local, e.id, e.attempts)
	w := codec.NewWriter(16)
	w.WriteSmallUint(e.id)
	s.submit(handlerSolicit, w.Bytes())
}

func (s *Scheduler) restartElection(now time.Time, reason string) {
	locklog.ElectionRestart(context.Background(), s.deps.Publisher, s.actor(), locklog.ElectionRestartPayload{
		Election: s.election.id,
		Attempt:  s.election.attempts,
		Reason:   reason,
	})
	if s.election.attempts >= s.cfg.ElectionRestartLimit {
		s.election.finish()
		s.factoryReset(now, "no peer could accept master after "+reason)
		return
	}
	s.startElection(now)
}

func (s *Scheduler) updateElection(now time.Time) {
	e := &s.election
	if e.phase != ElectionSoliciting {
		s.checkMaster(now)
		return
	}
	if s.masterPresent() {
		e.finish()
		return
	}
	if e.target != 0 {
		if e.acceptedAt.IsZero() || now.Sub(e.acceptedAt) >= s.cfg.ElectionWindow {
			s.restartElection(now, "accept not confirmed")
		}
		return
	}
	if !s.allResponded() && now.Sub(e.startedAt) < s.cfg.ElectionWindow {
		return
	}
	s.decideElection(now)
}

func (s *Scheduler) allResponded() bool {
	for peer := range s.present {
		if peer == s.local {
			continue
		}
		if _, ok := s.election.responses[peer]; !ok {
			return false
		}
	}
	return true
}

func (s *Scheduler) decideElection(now time.Time) {
	e := &s.election
	var best transport.PeerID
	var bestSafe Tick
	consider := func(peer transport.PeerID, safe Tick) {
		if best == 0 || safe > bestSafe || (safe == bestSafe && peer < best) {
			best, bestSafe = peer, safe
		}
	}
	if s.initialized {
		consider(s.local, max(s.safeTick, s.lastCompleted))
	}
	for peer, resp := range e.responses {
		switch resp.kind {
		case responseAlreadyMaster:
			s.announcedMaster = peer
			e.finish()
			return
		case responseCanAccept:
			consider(peer, resp.safe)
		}
	}
	if best == 0 {
		s.restartElection(now, "no candidate")
		return
	}
	if best == s.local {
		s.promote(now)
		return
	}
	e.target = best
	e.acceptedAt = now
	w := codec.NewWriter(24)
	w.WriteSmallUint(e.id)
	w.WriteSmallUint(uint64(best))
	w.WriteBool(e.attempts > 1)
	s.submit(handlerAccept, w.Bytes())
}

func (s *Scheduler) respond(election uint64, kind responseKind) {
	w := codec.NewWriter(24)
	w.WriteSmallUint(election)
	w.WriteUint8(uint8(kind))
	w.WriteSmallUint(uint64(max(s.safeTick, s.lastCompleted)))
	s.submit(handlerSolicitResponse, w.Bytes())
}

func (s *Scheduler) onElectionMessage(a channel.Action) {
	from := a.ID.Owner()
	r := codec.NewReader(a.Payload)
	election := r.ReadSmallUint()
	switch a.Handler {
	case handlerSolicit:
		if r.Err() != nil {
			return
		}
		s.onSolicit(election)
	case handlerSolicitResponse:
		kind := responseKind(r.ReadUint8())
		safe := Tick(r.ReadSmallUint())
		if r.Err() != nil {
			return
		}
		s.onSolicitResponse(from, election, kind, safe)
	case handlerAccept:
		target := transport.PeerID(r.ReadSmallUint())
		force := r.ReadBool()
		if r.Err() != nil {
			return
		}
		s.onAccept(election, target, force)
	}
}

func (s *Scheduler) onSolicit(election uint64) {
	switch {
	case s.isMaster:
		s.respond(election, responseAlreadyMaster)
	case s.initialized:
		if s.election.phase != ElectionSoliciting {
			s.election.phase = ElectionResponding
			s.election.id = election
		}
		s.respond(election, responseCanAccept)
	default:
		s.respond(election, responseCannotAccept)
	}
}

func (s *Scheduler) onSolicitResponse(from transport.PeerID, election uint64, kind responseKind, safe Tick) {
	if kind == responseAlreadyMaster {
		s.announcedMaster = from
	}
	e := &s.election
	if e.phase != ElectionSoliciting || e.id != election {
		return
	}
	if kind == responseAlreadyMaster && (e.target == 0 || e.target == from) {
		e.finish()
		return
	}
	if kind == responseCannotAccept && e.target == from {
		e.acceptedAt = time.Time{}
		return
	}
	e.responses[from] = solicitResponse{kind: kind, safe: safe}
}

// onAccept handles a coordinator's choice. A peer coordinating its own round refuses a
// competing acceptance unless it is forced.
func (s *Scheduler) onAccept(election uint64, target transport.PeerID, force bool) {
	if target != s.local {
		s.announcedMaster = target
		if s.election.phase == ElectionResponding {
			s.election.phase = ElectionIdle
		}
		return
	}
	switch {
	case s.isMaster:
		s.respond(election, responseAlreadyMaster)
	case !s.initialized:
		s.respond(election, responseCannotAccept)
	case s.election.phase == ElectionSoliciting && s.election.id != election && !force:
		s.respond(election, responseCannotAccept)
	default:
		s.promote(s.deps.Clock.Now())
		s.respond(election, responseAlreadyMaster)
	}
}
