package lockstep

import (
	"context"

	"lockstep/logging"
)

const (
	// EventMasterChanged is emitted when a master change action runs.
	EventMasterChanged logging.EventType = "lockstep.master_changed"
	// EventElectionRestart is emitted when a solicitation round ends without a master.
	EventElectionRestart logging.EventType = "lockstep.election_restart"
	// EventFactoryReset is emitted when a peer discards all replicated state.
	EventFactoryReset logging.EventType = "lockstep.factory_reset"
	// EventDesync is emitted once per action whose payload can never arrive.
	EventDesync logging.EventType = "lockstep.desync"
	// EventCatchUpDone is emitted when a peer leaves accelerated catch-up.
	EventCatchUpDone logging.EventType = "lockstep.catchup_done"
	// EventTickBudgetOverrun is emitted when tick execution is cut by the frame budget.
	EventTickBudgetOverrun logging.EventType = "lockstep.tick_budget_overrun"
	// EventHandlerMissing is emitted once per unknown handler id.
	EventHandlerMissing logging.EventType = "lockstep.handler_missing"
	// EventListenerGone is emitted once per subscription whose listener stopped being alive.
	EventListenerGone logging.EventType = "lockstep.listener_gone"
)

// MasterChangedPayload describes a change of authority.
type MasterChangedPayload struct {
	Previous uint32 `json:"previous"`
	Current  uint32 `json:"current"`
}

// ElectionRestartPayload describes a failed solicitation round.
type ElectionRestartPayload struct {
	Election uint64 `json:"election"`
	Attempt  int    `json:"attempt"`
	Reason   string `json:"reason"`
}

// FactoryResetPayload describes why state was discarded.
type FactoryResetPayload struct {
	Reason string `json:"reason"`
}

// DesyncPayload identifies the action that stalls a tick.
type DesyncPayload struct {
	ActionID uint64 `json:"actionId"`
	Owner    uint32 `json:"owner"`
}

// CatchUpDonePayload summarises an accelerated catch-up.
type CatchUpDonePayload struct {
	FromTick uint64 `json:"fromTick"`
	ToTick   uint64 `json:"toTick"`
}

// TickBudgetOverrunPayload records where execution was suspended.
type TickBudgetOverrunPayload struct {
	Stage        string `json:"stage"`
	Index        int    `json:"index"`
	BudgetMillis int64  `json:"budgetMillis"`
}

// HandlerMissingPayload identifies an action no local handler can run.
type HandlerMissingPayload struct {
	Handler uint32 `json:"handler"`
}

// ListenerGonePayload identifies a dead subscription.
type ListenerGonePayload struct {
	Event string `json:"event"`
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	event.Category = logging.CategoryLockstep
	pub.Publish(ctx, event)
}

// MasterChanged publishes an info event when authority moves.
func MasterChanged(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload MasterChangedPayload) {
	publish(ctx, pub, logging.Event{Type: EventMasterChanged, Tick: tick, Actor: actor, Severity: logging.SeverityInfo, Payload: payload})
}

// ElectionRestart publishes a warning when a solicitation round is repeated.
func ElectionRestart(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload ElectionRestartPayload) {
	publish(ctx, pub, logging.Event{Type: EventElectionRestart, Actor: actor, Severity: logging.SeverityWarn, Payload: payload})
}

// FactoryReset publishes an error event when replicated state is discarded.
func FactoryReset(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload FactoryResetPayload) {
	publish(ctx, pub, logging.Event{Type: EventFactoryReset, Actor: actor, Severity: logging.SeverityError, Payload: payload})
}

// Desync publishes an error event for an unrecoverable missing payload.
func Desync(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DesyncPayload) {
	publish(ctx, pub, logging.Event{Type: EventDesync, Tick: tick, Actor: actor, Severity: logging.SeverityError, Payload: payload, ActionID: payload.ActionID})
}

// CatchUpDone publishes an info event when accelerated execution ends.
func CatchUpDone(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload CatchUpDonePayload) {
	publish(ctx, pub, logging.Event{Type: EventCatchUpDone, Tick: payload.ToTick, Actor: actor, Severity: logging.SeverityInfo, Payload: payload})
}

// TickBudgetOverrun publishes a debug event when execution is suspended by the budget.
func TickBudgetOverrun(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload TickBudgetOverrunPayload) {
	publish(ctx, pub, logging.Event{Type: EventTickBudgetOverrun, Tick: tick, Actor: actor, Severity: logging.SeverityDebug, Payload: payload})
}

// HandlerMissing publishes a warning for an action without a local handler.
func HandlerMissing(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload HandlerMissingPayload) {
	publish(ctx, pub, logging.Event{Type: EventHandlerMissing, Tick: tick, Actor: actor, Severity: logging.SeverityWarn, Payload: payload})
}

// ListenerGone publishes a warning when a listener is skipped.
func ListenerGone(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload ListenerGonePayload) {
	publish(ctx, pub, logging.Event{Type: EventListenerGone, Actor: actor, Severity: logging.SeverityWarn, Payload: payload})
}
