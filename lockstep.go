// Package lockstep replicates a deterministic simulation across peers that share a
// best-effort broadcast substrate. Every peer executes the same actions in the same tick
// order; one elected master decides which tick each action runs in.
package lockstep

import (
	"lockstep/internal/channel"
	"lockstep/internal/sched"
	"lockstep/internal/snapshot"
	"lockstep/internal/state"
	"lockstep/internal/transport"
	"lockstep/logging"
)

type (
	Tick         = sched.Tick
	Flow         = sched.Flow
	Handler      = sched.Handler
	Context      = sched.Context
	Event        = sched.Event
	EventKind    = sched.EventKind
	Listener     = sched.Listener
	ListenerFunc = sched.ListenerFunc
	Subscription = sched.Subscription
	RosterEntry  = sched.RosterEntry
	PeerState    = sched.PeerState
	Phase        = sched.Phase
	Deps         = sched.Deps
	Scheduler    = sched.Scheduler

	HandlerID = channel.HandlerID
	ActionID  = channel.UniqueID

	PeerID    = transport.PeerID
	Substrate = transport.Substrate

	Module   = state.Module
	Factory  = state.Factory
	Registry = state.Registry

	ImportReport = snapshot.Report

	Duration = logging.Duration
)

const (
	Done              = sched.Done
	ContinueNextFrame = sched.ContinueNextFrame
)

const (
	PhasePaused     = sched.PhasePaused
	PhaseRunning    = sched.PhaseRunning
	PhaseCatchingUp = sched.PhaseCatchingUp
)

const (
	EventInit           = sched.EventInit
	EventClientJoined   = sched.EventClientJoined
	EventClientSynced   = sched.EventClientSynced
	EventClientCaughtUp = sched.EventClientCaughtUp
	EventClientLeft     = sched.EventClientLeft
	EventMasterChanged  = sched.EventMasterChanged
	EventTickEnded      = sched.EventTickEnded
	EventImportFinished = sched.EventImportFinished
	EventNotification   = sched.EventNotification
)

var (
	ErrNotInitialized  = sched.ErrNotInitialized
	ErrUnknownHandler  = sched.ErrUnknownHandler
	ErrPayloadTooLarge = sched.ErrPayloadTooLarge
	ErrStarted         = sched.ErrStarted
)

// NewRegistry returns an empty module registry.
func NewRegistry() *Registry {
	return state.NewRegistry()
}
