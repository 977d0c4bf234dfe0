// Package sched is the lockstep scheduler. It owns the tick counter, the peer roster and
// the association of actions with ticks, elects a master when the previous one leaves,
// brings late joiners up to date and drives export/import.
//
// The scheduler is single threaded: every method must be called from the goroutine that
// calls Update.
package sched

import (
	"errors"
	"time"

	"lockstep/internal/channel"
	"lockstep/internal/codec"
	"lockstep/internal/telemetry"
	"lockstep/internal/transport"
	"lockstep/logging"
)

// Tick is a simulation step. Zero is never executed.
type Tick uint64

// Flow tells the tick runner whether a handler finished.
type Flow uint8

const (
	// Done moves on to the next step.
	Done Flow = iota
	// ContinueNextFrame suspends the tick; the same handler runs again next frame.
	ContinueNextFrame
)

// PeerState is a roster entry's lifecycle position.
type PeerState uint8

const (
	StateWaitingForSync PeerState = iota + 1
	StateCatchingUp
	StateNormal
	StateMaster
)

func (s PeerState) String() string {
	switch s {
	case StateWaitingForSync:
		return "waiting_for_sync"
	case StateCatchingUp:
		return "catching_up"
	case StateNormal:
		return "normal"
	case StateMaster:
		return "master"
	default:
		return "unknown"
	}
}

// Phase is the local run-loop state.
type Phase uint8

const (
	PhasePaused Phase = iota
	PhaseRunning
	PhaseCatchingUp
)

func (p Phase) String() string {
	switch p {
	case PhasePaused:
		return "paused"
	case PhaseRunning:
		return "running"
	case PhaseCatchingUp:
		return "catching_up"
	default:
		return "unknown"
	}
}

var (
	// ErrNotInitialized is returned before the local peer joined the simulation.
	ErrNotInitialized = errors.New("sched: not initialized")
	// ErrUnknownHandler is returned for handler ids nothing registered.
	ErrUnknownHandler = errors.New("sched: unknown handler")
	// ErrDuplicateHandler is returned when a handler name is registered twice.
	ErrDuplicateHandler = errors.New("sched: handler already registered")
	// ErrNotInTick is returned by operations that must run inside tick execution.
	ErrNotInTick = errors.New("sched: not executing a tick")
	// ErrPayloadTooLarge is returned for payloads above channel.MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("sched: payload too large")
	// ErrStarted is returned when configuration changes after Start.
	ErrStarted = errors.New("sched: already started")
)

// Config tunes the scheduler.
type Config struct {
	// TickRate is the number of ticks per second.
	TickRate int
	// MaxFrame caps broadcast frames below the substrate limit.
	MaxFrame int
	// CatchUpBudget bounds execution per frame while catching up.
	CatchUpBudget time.Duration
	// FrameBudget bounds execution per frame in real-time mode.
	FrameBudget time.Duration
	// CatchUpThreshold is how many ticks behind the safe tick triggers catch-up.
	CatchUpThreshold int
	// TickSyncInterval spaces tick broadcasts.
	TickSyncInterval time.Duration
	// Retry bounds the broadcast backoff.
	Retry channel.RetryConfig
	// LateJoinerTimeout is how long a joiner waits before requesting sync again.
	LateJoinerTimeout time.Duration
	// ElectionWindow is how long a coordinator waits for solicitation responses.
	ElectionWindow time.Duration
	// ElectionRestartLimit is how many failed rounds precede a factory reset.
	ElectionRestartLimit int
	// WorldName is written into exports.
	WorldName string
	// DisplayName is the local peer's roster name.
	DisplayName string
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		TickRate:             10,
		MaxFrame:             transport.DefaultMaxFrame,
		CatchUpBudget:        10 * time.Millisecond,
		FrameBudget:          25 * time.Millisecond,
		CatchUpThreshold:     5,
		TickSyncInterval:     100 * time.Millisecond,
		Retry:                channel.DefaultRetryConfig(),
		LateJoinerTimeout:    5 * time.Second,
		ElectionWindow:       time.Second,
		ElectionRestartLimit: 3,
		WorldName:            "world",
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.TickRate <= 0 {
		c.TickRate = def.TickRate
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = def.MaxFrame
	}
	if c.CatchUpBudget <= 0 {
		c.CatchUpBudget = def.CatchUpBudget
	}
	if c.FrameBudget <= 0 {
		c.FrameBudget = def.FrameBudget
	}
	if c.CatchUpThreshold <= 0 {
		c.CatchUpThreshold = def.CatchUpThreshold
	}
	if c.TickSyncInterval <= 0 {
		c.TickSyncInterval = def.TickSyncInterval
	}
	if c.Retry.Floor <= 0 {
		c.Retry = def.Retry
	}
	if c.LateJoinerTimeout <= 0 {
		c.LateJoinerTimeout = def.LateJoinerTimeout
	}
	if c.ElectionWindow <= 0 {
		c.ElectionWindow = def.ElectionWindow
	}
	if c.ElectionRestartLimit <= 0 {
		c.ElectionRestartLimit = def.ElectionRestartLimit
	}
	if c.WorldName == "" {
		c.WorldName = def.WorldName
	}
	return c
}

// Deps carries shared infrastructure.
type Deps struct {
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Clock     logging.Clock
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = telemetry.Discard()
	}
	if d.Publisher == nil {
		d.Publisher = logging.NopPublisher()
	}
	if d.Clock == nil {
		d.Clock = logging.SystemClock{}
	}
	return d
}

func (d Deps) channelDeps() channel.Deps {
	return channel.Deps{Logger: d.Logger, Publisher: d.Publisher, Metrics: d.Metrics, Clock: d.Clock}
}

const (
	ticksMetricKey      = "lockstep_ticks_executed_total"
	actionsMetricKey    = "lockstep_actions_executed_total"
	electionsMetricKey  = "lockstep_elections_total"
	lateJoinMetricKey   = "lockstep_latejoin_sent_total"
	desyncMetricKey     = "lockstep_desync_total"
	droppedMetricKey    = "lockstep_actions_dropped_total"
	currentTickGaugeKey = "lockstep_current_tick"
)

// Context is handed to every handler invocation.
type Context struct {
	// Tick is the tick being executed.
	Tick Tick
	// ID is the action's unique id; zero for delayed events and periodic callbacks.
	ID channel.UniqueID
	// Sender is the peer that submitted the action.
	Sender transport.PeerID
	// SendTick is the tick a singleton action was created in.
	SendTick Tick
	// Payload is the action's opaque data.
	Payload []byte
	// Resumes counts how many times this invocation was suspended before.
	Resumes int

	sched *Scheduler
}

// Reader returns a fresh decoder over the payload.
func (c *Context) Reader() *codec.Reader {
	return codec.NewReader(c.Payload)
}

// Scheduler exposes the scheduler for follow-up operations.
func (c *Context) Scheduler() *Scheduler {
	return c.sched
}

// Handler runs an action, delayed event or periodic callback.
type Handler func(ctx *Context) Flow
