package sched

import (
	"context"

	"lockstep/internal/channel"
	"lockstep/internal/snapshot"
	"lockstep/internal/transport"
	locklog "lockstep/logging/lockstep"
)

// EventKind enumerates the notifications the scheduler raises.
type EventKind uint8

const (
	EventInit EventKind = iota + 1
	EventClientJoined
	EventClientSynced
	EventClientCaughtUp
	EventClientLeft
	EventMasterChanged
	EventTickEnded
	EventImportFinished
	EventNotification
)

func (k EventKind) String() string {
	switch k {
	case EventInit:
		return "init"
	case EventClientJoined:
		return "client_joined"
	case EventClientSynced:
		return "client_synced"
	case EventClientCaughtUp:
		return "client_caught_up"
	case EventClientLeft:
		return "client_left"
	case EventMasterChanged:
		return "master_changed"
	case EventTickEnded:
		return "tick_ended"
	case EventImportFinished:
		return "import_finished"
	case EventNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners.
type Event struct {
	Kind    EventKind
	Tick    Tick
	Peer    transport.PeerID
	Action  channel.UniqueID
	Message string
	Import  *snapshot.Report
}

// Listener receives scheduler events.
type Listener interface {
	OnLockstepEvent(Event)
}

// ListenerFunc adapts a function into a Listener.
type ListenerFunc func(Event)

// OnLockstepEvent implements Listener.
func (f ListenerFunc) OnLockstepEvent(e Event) {
	if f != nil {
		f(e)
	}
}

// Lifetime is implemented by listeners whose owner can be destroyed while subscribed.
type Lifetime interface {
	Alive() bool
}

// Subscription identifies a registered listener.
type Subscription struct {
	kind EventKind
	id   uint64
}

type subscriber struct {
	id       uint64
	listener Listener
	warned   bool
}

type eventRegistry struct {
	next        uint64
	subscribers map[EventKind][]*subscriber
}

func newEventRegistry() *eventRegistry {
	return &eventRegistry{subscribers: make(map[EventKind][]*subscriber)}
}

func (r *eventRegistry) subscribe(kind EventKind, l Listener) Subscription {
	r.next++
	r.subscribers[kind] = append(r.subscribers[kind], &subscriber{id: r.next, listener: l})
	return Subscription{kind: kind, id: r.next}
}

func (r *eventRegistry) unsubscribe(sub Subscription) bool {
	list := r.subscribers[sub.kind]
	for i, s := range list {
		if s.id == sub.id {
			r.subscribers[sub.kind] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// raise dispatches e. Listeners reporting they are gone are skipped and warned about once.
func (s *Scheduler) raise(e Event) {
	for _, sub := range s.events.subscribers[e.Kind] {
		if lt, ok := sub.listener.(Lifetime); ok && !lt.Alive() {
			if !sub.warned {
				sub.warned = true
				s.deps.Logger.Printf("[lockstep] skipping destroyed %s listener", e.Kind)
				locklog.ListenerGone(context.Background(), s.deps.Publisher, s.actor(), locklog.ListenerGonePayload{Event: e.Kind.String()})
			}
			continue
		}
		sub.listener.OnLockstepEvent(e)
	}
}

// Subscribe registers l for events of kind.
func (s *Scheduler) Subscribe(kind EventKind, l Listener) Subscription {
	return s.events.subscribe(kind, l)
}

// Unsubscribe removes a listener. It reports whether the subscription existed.
func (s *Scheduler) Unsubscribe(sub Subscription) bool {
	return s.events.unsubscribe(sub)
}
