package logging

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
)

// Sink receives events on a goroutine of its own. A failing sink is paused with
// exponential backoff; events queued behind it wait, and overflow is dropped.
type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

// RouterStats reports router throughput.
type RouterStats struct {
	EventsTotal  uint64
	DroppedTotal uint64
	// SinkDrops counts events a sink lost to a full backlog.
	SinkDrops map[string]uint64
}

// Router fans published events out to sinks. Publish never blocks: the scheduler
// publishes from inside its frame loop.
type Router struct {
	clock     Clock
	fallback  *log.Logger
	floor     Severity
	fields    map[string]any
	warnEvery time.Duration

	inbox chan Event
	lanes []*lane
	stop  chan struct{}
	wg    sync.WaitGroup

	closed   atomic.Bool
	accepted atomic.Uint64
	dropped  atomic.Uint64
	warnAt   atomic.Int64
}

// NewRouter starts a router delivering to the sinks named in cfg.EnabledSinks, in that
// order. Enabled names missing from sinks are reported on fallback and skipped.
func NewRouter(cfg Config, clock Clock, fallback *log.Logger, sinks map[string]Sink) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if fallback == nil {
		fallback = log.New(os.Stderr, "[logging] ", log.LstdFlags)
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultConfig().BufferSize
	}
	warnEvery := cfg.DropWarnInterval.Std()
	if warnEvery <= 0 {
		warnEvery = DefaultConfig().DropWarnInterval.Std()
	}
	r := &Router{
		clock:     clock,
		fallback:  fallback,
		floor:     cfg.MinimumSeverity,
		fields:    Event{}.withDefaults(cfg.Fields).Extra,
		warnEvery: warnEvery,
		inbox:     make(chan Event, size),
		stop:      make(chan struct{}),
	}
	laneSize := min(max(size, 32), 1024)
	for _, name := range cfg.EnabledSinks {
		sink, ok := sinks[name]
		if !ok || sink == nil {
			fallback.Printf("sink %q enabled but not configured", name)
			continue
		}
		r.lanes = append(r.lanes, newLane(name, sink, laneSize, fallback))
	}

	for _, l := range r.lanes {
		r.wg.Add(1)
		go func(l *lane) {
			defer r.wg.Done()
			l.run()
		}(l)
	}
	r.wg.Add(1)
	go r.dispatch()
	return r, nil
}

func (r *Router) dispatch() {
	defer r.wg.Done()
	defer func() {
		for _, l := range r.lanes {
			close(l.queue)
		}
	}()
	for {
		select {
		case event := <-r.inbox:
			r.route(event)
		case <-r.stop:
			for {
				select {
				case event := <-r.inbox:
					r.route(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) route(event Event) {
	if event.Severity < r.floor {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = event.withDefaults(r.fields)
	r.accepted.Add(1)
	for _, l := range r.lanes {
		l.offer(event.Clone())
	}
}

// Publish queues event for delivery. Events without a type and events published after
// Close are ignored.
func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.inbox <- event:
	default:
		r.dropped.Add(1)
		r.warnDrop(event)
	}
}

func (r *Router) warnDrop(event Event) {
	now := time.Now().UnixNano()
	next := r.warnAt.Load()
	if now < next || !r.warnAt.CompareAndSwap(next, now+r.warnEvery.Nanoseconds()) {
		return
	}
	r.fallback.Printf("router backlog full; dropping %s at tick %d (%d dropped so far)", event.Type, event.Tick, r.dropped.Load())
}

// Close stops accepting events, waits until queued events reach the sinks and closes them.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stop)
	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, l := range r.lanes {
		if err := l.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal:  r.accepted.Load(),
		DroppedTotal: r.dropped.Load(),
		SinkDrops:    make(map[string]uint64, len(r.lanes)),
	}
	for _, l := range r.lanes {
		stats.SinkDrops[l.name] = l.dropped.Load()
	}
	return stats
}

// Sink returns the enabled sink registered under name.
func (r *Router) Sink(name string) Sink {
	for _, l := range r.lanes {
		if l.name == name {
			return l.sink
		}
	}
	return nil
}

// lane owns one sink and its backlog.
type lane struct {
	name     string
	sink     Sink
	queue    chan Event
	fallback *log.Logger
	pause    *backoff.ExponentialBackOff
	resumeAt time.Time
	dropped  atomic.Uint64
}

func newLane(name string, sink Sink, size int, fallback *log.Logger) *lane {
	pause := backoff.NewExponentialBackOff()
	pause.InitialInterval = 2 * time.Second
	pause.Multiplier = 2
	pause.RandomizationFactor = 0
	pause.MaxInterval = 32 * time.Second
	pause.MaxElapsedTime = 0
	return &lane{
		name:     name,
		sink:     sink,
		queue:    make(chan Event, size),
		fallback: fallback,
		pause:    pause,
	}
}

func (l *lane) offer(event Event) {
	select {
	case l.queue <- event:
	default:
		if l.dropped.Add(1) == 1 {
			l.fallback.Printf("sink %s backlog full; dropping %s", l.name, event.Type)
		}
	}
}

func (l *lane) run() {
	for event := range l.queue {
		if wait := time.Until(l.resumeAt); wait > 0 {
			time.Sleep(wait)
		}
		err := l.sink.Write(event)
		if err == nil {
			if !l.resumeAt.IsZero() {
				l.pause.Reset()
				l.resumeAt = time.Time{}
			}
			continue
		}
		delay := l.pause.NextBackOff()
		l.resumeAt = time.Now().Add(delay)
		l.fallback.Printf("sink %s failed: %v (paused for %s)", l.name, err, delay)
	}
}
