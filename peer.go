package lockstep

import (
	"context"
	"errors"
	"time"

	"lockstep/internal/sched"
	"lockstep/internal/telemetry"
	"lockstep/logging"
)

// ErrStopped is returned by Do once the peer's loop has exited.
var ErrStopped = errors.New("lockstep: peer stopped")

const frameOverrunsMetricKey = "lockstep_frame_overruns_total"

// Peer owns a scheduler and drives it from a fixed-rate frame loop. The scheduler is not
// safe for concurrent use; other goroutines reach it through Do.
type Peer struct {
	sched   *sched.Scheduler
	cfg     Config
	clock   logging.Clock
	logger  telemetry.Logger
	metrics telemetry.Metrics

	calls chan call
	done  chan struct{}
}

type call struct {
	fn    func(*Scheduler)
	reply chan struct{}
}

// NewPeer builds a peer on substrate. Handlers must be registered through Scheduler
// before Run is called.
func NewPeer(substrate Substrate, registry *Registry, cfg Config, deps Deps) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s, err := sched.New(substrate, registry, cfg.scheduler(), deps)
	if err != nil {
		return nil, err
	}
	clock := deps.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Peer{
		sched:   s,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		metrics: deps.Metrics,
		calls:   make(chan call),
		done:    make(chan struct{}),
	}, nil
}

// Scheduler exposes the underlying scheduler. Use it directly only before Run or from
// inside handlers, listeners and Do.
func (p *Peer) Scheduler() *Scheduler {
	return p.sched
}

// Do runs fn on the loop goroutine between frames and waits for it to return.
func (p *Peer) Do(ctx context.Context, fn func(*Scheduler)) error {
	c := call{fn: fn, reply: make(chan struct{})}
	select {
	case p.calls <- c:
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the scheduler and updates it FrameRate times per second until ctx is
// cancelled. The substrate is closed on return.
func (p *Peer) Run(ctx context.Context) error {
	defer close(p.done)
	frameRate := p.cfg.FrameRate
	if frameRate <= 0 {
		frameRate = 60
	}
	interval := time.Second / time.Duration(frameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.sched.Start(p.clock.Now())
	p.logger.Printf("[lockstep] peer=%d running frameRate=%d tickRate=%d", p.sched.LocalPeer(), frameRate, p.cfg.TickRate)

	for {
		select {
		case <-ctx.Done():
			if err := p.sched.Close(); err != nil {
				p.logger.Printf("[lockstep] peer=%d close failed: %v", p.sched.LocalPeer(), err)
			}
			return nil
		case c := <-p.calls:
			c.fn(p.sched)
			close(c.reply)
		case <-ticker.C:
			start := p.clock.Now()
			p.sched.Update(start)
			if elapsed := p.clock.Now().Sub(start); elapsed > interval && p.metrics != nil {
				p.metrics.Add(frameOverrunsMetricKey, 1)
			}
		}
	}
}
