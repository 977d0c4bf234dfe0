package sched

import (
	"fmt"

	"lockstep/internal/channel"
)

// FirstUserHandler is the lowest id RegisterHandler assigns. Lower ids are internal.
const FirstUserHandler channel.HandlerID = 16

// Internal action handlers. The immediate ones run on receipt and are never associated
// with a tick.
const (
	handlerRequestSync channel.HandlerID = iota + 1
	handlerSolicit
	handlerSolicitResponse
	handlerAccept
	handlerClientJoined
	handlerClientSynced
	handlerClientCaughtUp
	handlerClientLeft
	handlerMasterChanged
	handlerSingleton
	handlerImport
)

func isImmediate(h channel.HandlerID) bool {
	switch h {
	case handlerRequestSync, handlerSolicit, handlerSolicitResponse, handlerAccept:
		return true
	}
	return false
}

type handlerEntry struct {
	name string
	fn   Handler
}

// handlerTable maps ids to handlers. Every peer registers in the same order so ids agree.
type handlerTable struct {
	entries map[channel.HandlerID]handlerEntry
	byName  map[string]channel.HandlerID
	next    channel.HandlerID
}

func newHandlerTable() *handlerTable {
	return &handlerTable{
		entries: make(map[channel.HandlerID]handlerEntry),
		byName:  make(map[string]channel.HandlerID),
		next:    FirstUserHandler,
	}
}

func (t *handlerTable) setInternal(id channel.HandlerID, name string, fn Handler) {
	t.entries[id] = handlerEntry{name: name, fn: fn}
}

func (t *handlerTable) register(name string, fn Handler) (channel.HandlerID, error) {
	if name == "" || fn == nil {
		return 0, fmt.Errorf("sched: register handler %q: name and function required", name)
	}
	if _, exists := t.byName[name]; exists {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	id := t.next
	t.next++
	t.entries[id] = handlerEntry{name: name, fn: fn}
	t.byName[name] = id
	return id, nil
}

func (t *handlerTable) lookup(id channel.HandlerID) (handlerEntry, bool) {
	entry, ok := t.entries[id]
	return entry, ok
}

func (t *handlerTable) isUser(id channel.HandlerID) bool {
	if id < FirstUserHandler {
		return false
	}
	_, ok := t.entries[id]
	return ok
}
