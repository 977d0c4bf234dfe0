package sched

import (
	"fmt"
	"testing"
	"time"

	"lockstep/internal/channel"
	"lockstep/internal/codec"
	"lockstep/internal/net/loopback"
	"lockstep/internal/state"
	"lockstep/internal/telemetry"
	"lockstep/internal/transport"
	"lockstep/logging"
	"lockstep/logging/sinks"
)

const frameStep = 20 * time.Millisecond

// journal is a replicated module recording which actions ran and in which tick.
type journal struct {
	entries []string
}

func (j *journal) Name() string                   { return "journal" }
func (j *journal) DisplayName() string            { return "Journal" }
func (j *journal) Version() uint32                { return 1 }
func (j *journal) LowestSupportedVersion() uint32 { return 1 }
func (j *journal) SupportsImportExport() bool     { return true }

func (j *journal) Serialize(w *codec.Writer, _ bool) {
	w.WriteSmallUint(uint64(len(j.entries)))
	for _, e := range j.entries {
		w.WriteString(e)
	}
}

func (j *journal) Deserialize(r *codec.Reader, _ bool, _ uint32) error {
	n := r.ReadSmallUint()
	entries := make([]string, 0, min(n, 1024))
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		entries = append(entries, r.ReadString())
	}
	if err := r.Err(); err != nil {
		return err
	}
	j.entries = entries
	return nil
}

type handlerIDs struct {
	record channel.HandlerID
	spawn  channel.HandlerID
	delay  channel.HandlerID
	slow   channel.HandlerID
}

type node struct {
	sched   *Scheduler
	ep      *loopback.Endpoint
	events  *sinks.MemorySink
	metrics *telemetry.Counters
	ids     handlerIDs
	slow    []string
	seen    map[EventKind]int
}

func (n *node) journal() *journal {
	m, ok := n.sched.Modules().Lookup("journal")
	if !ok {
		return &journal{}
	}
	return m.(*journal)
}

func (n *node) entries() []string {
	return n.journal().entries
}

func (n *node) send(t *testing.T, handler channel.HandlerID, payload string) {
	t.Helper()
	if _, err := n.sched.SendAction(handler, []byte(payload)); err != nil {
		t.Fatalf("peer %d: send %q failed: %v", n.sched.LocalPeer(), payload, err)
	}
}

type cluster struct {
	t     *testing.T
	hub   *loopback.Hub
	now   time.Time
	cfg   Config
	nodes []*node
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LateJoinerTimeout = 2 * time.Second
	return &cluster{
		t:   t,
		hub: loopback.NewHub(512),
		now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		cfg: cfg,
	}
}

func journalRegistry() *state.Registry {
	reg := state.NewRegistry()
	reg.MustRegister("journal", func() state.Module { return &journal{} })
	return reg
}

// add connects a peer, registers the shared handlers and starts it.
func (c *cluster) add() *node {
	c.t.Helper()
	n := &node{
		ep:      c.hub.Connect(),
		events:  sinks.NewMemorySink(),
		metrics: telemetry.NewCounters(),
		seen:    make(map[EventKind]int),
	}
	cfg := c.cfg
	cfg.DisplayName = fmt.Sprintf("peer-%d", n.ep.LocalPeer())
	s, err := New(n.ep, journalRegistry(), cfg, Deps{
		Publisher: n.events,
		Metrics:   n.metrics,
		Clock:     logging.ClockFunc(func() time.Time { return c.now }),
	})
	if err != nil {
		c.t.Fatalf("new scheduler: %v", err)
	}
	n.sched = s
	c.register(n)
	for kind := EventInit; kind <= EventNotification; kind++ {
		kind := kind
		s.Subscribe(kind, ListenerFunc(func(Event) { n.seen[kind]++ }))
	}
	s.Start(c.now)
	c.nodes = append(c.nodes, n)
	return n
}

func (c *cluster) register(n *node) {
	must := func(id channel.HandlerID, err error) channel.HandlerID {
		if err != nil {
			c.t.Fatalf("register handler: %v", err)
		}
		return id
	}
	record := func(ctx *Context) Flow {
		j := n.journal()
		j.entries = append(j.entries, fmt.Sprintf("%s@%d", ctx.Payload, ctx.Tick))
		return Done
	}
	n.ids.record = must(n.sched.RegisterHandler("record", record))
	n.ids.spawn = must(n.sched.RegisterHandler("spawn", func(ctx *Context) Flow {
		record(&Context{Tick: ctx.Tick, Payload: []byte("spawn")})
		r := ctx.Reader()
		responsible := r.ReadSmallUint()
		if _, err := ctx.Scheduler().SendSingleton(transport.PeerID(responsible), n.ids.record, []byte("single"), false); err != nil {
			c.t.Errorf("send singleton: %v", err)
		}
		return Done
	}))
	n.ids.delay = must(n.sched.RegisterHandler("delay", func(ctx *Context) Flow {
		record(&Context{Tick: ctx.Tick, Payload: []byte("delay")})
		if err := ctx.Scheduler().ScheduleDelayed(ctx.Tick+3, n.ids.record, []byte("late")); err != nil {
			c.t.Errorf("schedule delayed: %v", err)
		}
		return Done
	}))
	n.ids.slow = must(n.sched.RegisterHandler("slow", func(ctx *Context) Flow {
		n.slow = append(n.slow, fmt.Sprintf("tick=%d resumes=%d completed=%d", ctx.Tick, ctx.Resumes, ctx.Scheduler().LastCompletedTick()))
		if ctx.Resumes < 2 {
			return ContinueNextFrame
		}
		return Done
	}))
}

func (c *cluster) step() {
	c.now = c.now.Add(frameStep)
	for _, n := range c.nodes {
		n.sched.Update(c.now)
	}
}

func (c *cluster) run(frames int) {
	for i := 0; i < frames; i++ {
		c.step()
	}
}

// runUntil steps until cond holds or the frame limit is hit.
func (c *cluster) runUntil(what string, frames int, cond func() bool) {
	c.t.Helper()
	for i := 0; i < frames; i++ {
		if cond() {
			return
		}
		c.step()
	}
	if !cond() {
		c.t.Fatalf("timed out after %d frames waiting for %s", frames, what)
	}
}

func (c *cluster) remove(n *node) {
	c.t.Helper()
	if err := n.sched.Close(); err != nil {
		c.t.Fatalf("close: %v", err)
	}
	for i, other := range c.nodes {
		if other == n {
			c.nodes = append(c.nodes[:i], c.nodes[i+1:]...)
			return
		}
	}
}

// settled reports whether every peer is initialized and sees the same all-normal roster.
func (c *cluster) settled() bool {
	for _, n := range c.nodes {
		if !n.sched.Initialized() || n.sched.Phase() != PhaseRunning {
			return false
		}
		roster := n.sched.Roster()
		if len(roster) != len(c.nodes) {
			return false
		}
		for _, e := range roster {
			if e.State != StateNormal && e.State != StateMaster {
				return false
			}
		}
	}
	return true
}

func (c *cluster) journalsAgree(count int) bool {
	want := c.nodes[0].entries()
	if len(want) != count {
		return false
	}
	for _, n := range c.nodes[1:] {
		got := n.entries()
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
	}
	return true
}
