package sched

import (
	"context"
	"sort"
	"time"

	"lockstep/internal/channel"
	locklog "lockstep/logging/lockstep"
)

type stage uint8

const (
	stageIdle stage = iota
	stageActions
	stageDelayed
	stagePeriodic
	stageEndOfTick
)

func (s stage) String() string {
	switch s {
	case stageActions:
		return "actions"
	case stageDelayed:
		return "delayed"
	case stagePeriodic:
		return "periodic"
	case stageEndOfTick:
		return "end_of_tick"
	default:
		return "idle"
	}
}

// tickCursor is the saved continuation point of a suspended tick.
type tickCursor struct {
	stage   stage
	tick    Tick
	index   int
	resumes int
	actions []channel.UniqueID
	delayed []delayedEvent
}

type periodicEntry struct {
	every Tick
	fn    Handler
}

func (s *Scheduler) tickDuration() time.Duration {
	return time.Second / time.Duration(s.cfg.TickRate)
}

// rebase restarts real-time pacing from the last completed tick.
func (s *Scheduler) rebase(now time.Time) {
	s.baseTick = s.lastCompleted
	s.baseTime = now
}

func (s *Scheduler) clockTick(now time.Time) Tick {
	elapsed := now.Sub(s.baseTime)
	if elapsed < 0 {
		elapsed = 0
	}
	return s.baseTick + Tick(elapsed/s.tickDuration())
}

func (s *Scheduler) enterCatchUp() {
	s.phase = PhaseCatchingUp
	s.catchUpFrom = s.lastCompleted
}

// choosePhase switches between real-time pacing and accelerated catch-up.
func (s *Scheduler) choosePhase(now time.Time) {
	switch s.phase {
	case PhaseRunning:
		if s.safeTick > s.lastCompleted+Tick(s.cfg.CatchUpThreshold) {
			s.enterCatchUp()
		}
	case PhaseCatchingUp:
		if s.safeTick <= s.lastCompleted+1 {
			s.phase = PhaseRunning
			s.rebase(now)
			locklog.CatchUpDone(context.Background(), s.deps.Publisher, s.actor(), locklog.CatchUpDonePayload{
				FromTick: uint64(s.catchUpFrom),
				ToTick:   uint64(s.lastCompleted),
			})
			if s.sendCaughtUp {
				s.sendCaughtUp = false
				s.submitPeer(handlerClientCaughtUp, s.local)
			}
		}
	}
}

// runnable reports the highest tick that may run this frame and the time budget.
func (s *Scheduler) runnable(now time.Time) (Tick, time.Duration) {
	if s.phase == PhaseCatchingUp {
		return s.safeTick, s.cfg.CatchUpBudget
	}
	target := s.clockTick(now)
	if !s.isMaster {
		target = min(target, s.safeTick)
	}
	return target, s.cfg.FrameBudget
}

func (s *Scheduler) runTicks(now time.Time) {
	if !s.initialized {
		return
	}
	s.choosePhase(now)
	target, budget := s.runnable(now)
	deadline := now.Add(budget)
	for {
		if s.cursor.stage == stageIdle {
			next := s.lastCompleted + 1
			if next > target || !s.ready(next) {
				break
			}
			s.beginTick(next)
		}
		if !s.advanceTick(deadline, budget) {
			break
		}
	}
	s.choosePhase(now)
}

// ready reports whether every action associated with tick has arrived.
func (s *Scheduler) ready(tick Tick) bool {
	for _, id := range s.byTick[tick] {
		if _, ok := s.inputs[id]; ok {
			continue
		}
		owner := id.Owner()
		if !s.present[owner] && !s.desyncLogged[id] {
			s.desyncLogged[id] = true
			if s.deps.Metrics != nil {
				s.deps.Metrics.Add(desyncMetricKey, 1)
			}
			s.deps.Logger.Printf("[lockstep] unrecoverable desync: tick=%d action=%s payload never arrived and peer=%d is gone", tick, id, owner)
			locklog.Desync(context.Background(), s.deps.Publisher, uint64(tick), s.actor(), locklog.DesyncPayload{
				ActionID: uint64(id),
				Owner:    uint32(owner),
			})
		}
		return false
	}
	return true
}

func (s *Scheduler) beginTick(tick Tick) {
	ids := append([]channel.UniqueID(nil), s.byTick[tick]...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s.cursor = tickCursor{stage: stageActions, tick: tick, actions: ids}
	if s.isMaster {
		s.immutableThrough = max(s.immutableThrough, tick)
		s.safeTick = max(s.safeTick, tick)
	}
}

func (s *Scheduler) overBudget(deadline time.Time, budget time.Duration) bool {
	if s.stepsThisFrame == 0 || !s.deps.Clock.Now().After(deadline) {
		return false
	}
	locklog.TickBudgetOverrun(context.Background(), s.deps.Publisher, uint64(s.cursor.tick), s.actor(), locklog.TickBudgetOverrunPayload{
		Stage:        s.cursor.stage.String(),
		Index:        s.cursor.index,
		BudgetMillis: budget.Milliseconds(),
	})
	return true
}

// advanceTick resumes the current tick at its saved stage and index. It reports whether
// the tick completed.
func (s *Scheduler) advanceTick(deadline time.Time, budget time.Duration) bool {
	c := &s.cursor
	for {
		switch c.stage {
		case stageActions:
			for c.index < len(c.actions) {
				if s.overBudget(deadline, budget) {
					return false
				}
				if s.runAction(c.actions[c.index]) == ContinueNextFrame {
					c.resumes++
					return false
				}
				c.index++
				c.resumes = 0
			}
			c.stage, c.index = stageDelayed, 0
			c.delayed = s.delayed[c.tick]
		case stageDelayed:
			for c.index < len(c.delayed) {
				if s.overBudget(deadline, budget) {
					return false
				}
				ev := c.delayed[c.index]
				if s.dispatch(ev.handler, &Context{Tick: c.tick, Payload: ev.payload, Resumes: c.resumes, sched: s}) == ContinueNextFrame {
					c.resumes++
					return false
				}
				c.index++
				c.resumes = 0
			}
			c.stage, c.index = stagePeriodic, 0
		case stagePeriodic:
			for c.index < len(s.periodic) {
				entry := s.periodic[c.index]
				if c.tick%entry.every == 0 {
					if s.overBudget(deadline, budget) {
						return false
					}
					s.stepsThisFrame++
					if entry.fn(&Context{Tick: c.tick, Resumes: c.resumes, sched: s}) == ContinueNextFrame {
						c.resumes++
						return false
					}
				}
				c.index++
				c.resumes = 0
			}
			c.stage, c.index = stageEndOfTick, 0
		case stageEndOfTick:
			s.finishTick()
			return true
		default:
			return true
		}
	}
}

func (s *Scheduler) runAction(id channel.UniqueID) Flow {
	in := s.inputs[id]
	if in == nil {
		return Done
	}
	ctx := &Context{Tick: s.cursor.tick, ID: id, Sender: id.Owner(), Payload: in.payload, Resumes: s.cursor.resumes, sched: s}
	flow := s.dispatch(in.handler, ctx)
	if flow == Done {
		delete(s.inputs, id)
		delete(s.assoc, id)
		if s.deps.Metrics != nil {
			s.deps.Metrics.Add(actionsMetricKey, 1)
		}
	}
	return flow
}

func (s *Scheduler) dispatch(handler channel.HandlerID, ctx *Context) Flow {
	s.stepsThisFrame++
	entry, ok := s.handlers.lookup(handler)
	if !ok {
		if !s.missingHandlers[handler] {
			s.missingHandlers[handler] = true
			s.deps.Logger.Printf("[lockstep] no handler registered for id=%d, skipping", handler)
			locklog.HandlerMissing(context.Background(), s.deps.Publisher, uint64(ctx.Tick), s.actor(), locklog.HandlerMissingPayload{Handler: uint32(handler)})
		}
		return Done
	}
	return entry.fn(ctx)
}

func (s *Scheduler) finishTick() {
	tick := s.cursor.tick
	s.raise(Event{Kind: EventTickEnded, Tick: tick})
	delete(s.byTick, tick)
	delete(s.delayed, tick)
	s.lastCompleted = tick
	s.cursor = tickCursor{}
	if s.deps.Metrics != nil {
		s.deps.Metrics.Add(ticksMetricKey, 1)
	}
}
