package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lockstep/internal/channel"
	"lockstep/internal/sched"
	"lockstep/internal/telemetry"
	"lockstep/internal/transport"
)

func startRelay(t *testing.T, cfg RelayConfig) (*Relay, string) {
	t.Helper()
	relay := NewRelay(cfg)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
	}))
	t.Cleanup(srv.Close)
	return relay, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, ClientConfig{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// collector accumulates polled events until a predicate matches.
type collector struct {
	c      *Client
	events []transport.Event
}

func (col *collector) await(t *testing.T, what string, match func(transport.Event) bool) transport.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		for i, ev := range col.events {
			if match(ev) {
				col.events = append(col.events[:i:i], col.events[i+1:]...)
				return ev
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; saw %+v", what, col.events)
		}
		time.Sleep(5 * time.Millisecond)
		col.events = col.c.Poll(col.events)
	}
}

func kindIs(kind transport.EventKind, peer transport.PeerID) func(transport.Event) bool {
	return func(ev transport.Event) bool { return ev.Kind == kind && ev.Peer == peer }
}

func TestRelayAssignsPeersAndFansOutFrames(t *testing.T) {
	metrics := telemetry.NewCounters()
	relay, base := startRelay(t, RelayConfig{MaxFrame: 256, Metrics: metrics})

	a := dial(t, base+"arena")
	b := dial(t, base+"arena")
	other := dial(t, base+"lobby")

	if a.LocalPeer() != 1 || b.LocalPeer() != 2 || other.LocalPeer() != 1 {
		t.Fatalf("unexpected peer ids a=%d b=%d other=%d", a.LocalPeer(), b.LocalPeer(), other.LocalPeer())
	}
	if b.Authority() != a.LocalPeer() {
		t.Fatalf("expected first peer to hold authority, got %d", b.Authority())
	}
	if b.MaxFrame() != 256 {
		t.Fatalf("expected relay frame cap, got %d", b.MaxFrame())
	}

	colA := &collector{c: a}
	colB := &collector{c: b}
	colA.await(t, "a sees b join", kindIs(transport.EventPeerJoined, 2))

	if err := a.Send(transport.SlotTick, []byte("tick")); err != nil {
		t.Fatalf("send: %v", err)
	}
	frame := colB.await(t, "b receives frame", kindIs(transport.EventFrame, 1))
	if frame.Slot != transport.SlotTick || string(frame.Data) != "tick" {
		t.Fatalf("unexpected frame %+v", frame)
	}
	result := colA.await(t, "a send result", func(ev transport.Event) bool { return ev.Kind == transport.EventSendResult })
	if !result.OK || result.Slot != transport.SlotTick {
		t.Fatalf("unexpected send result %+v", result)
	}
	if err := a.Send(transport.SlotTick, make([]byte, 300)); err != transport.ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	sessions := relay.Sessions()
	if len(sessions) != 2 || sessions[0].Name != "arena" || len(sessions[0].Peers) != 2 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	colB.await(t, "b sees a leave", kindIs(transport.EventPeerLeft, 1))
	colB.await(t, "b becomes authority", kindIs(transport.EventAuthorityChanged, 2))
	if b.Authority() != 2 {
		t.Fatalf("expected authority to move to b, got %d", b.Authority())
	}
	if got := metrics.Load(framesForwardedMetric); got != 1 {
		t.Fatalf("expected one forwarded frame, got %d", got)
	}
}

func TestRelayRejectsFramesOverRateLimit(t *testing.T) {
	metrics := telemetry.NewCounters()
	_, base := startRelay(t, RelayConfig{FramesPerSecond: 0.001, Burst: 1, Metrics: metrics})
	a := dial(t, base+"limited")
	col := &collector{c: a}

	for i := 0; i < 2; i++ {
		if err := a.Send(transport.SlotForPeer(a.LocalPeer()), []byte{byte(i)}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	isResult := func(ev transport.Event) bool { return ev.Kind == transport.EventSendResult }
	if first := col.await(t, "first result", isResult); !first.OK {
		t.Fatal("expected first frame within burst to be accepted")
	}
	if second := col.await(t, "second result", isResult); second.OK {
		t.Fatal("expected second frame to be rejected by the limiter")
	}
	if got := metrics.Load(framesRejectedMetric); got != 1 {
		t.Fatalf("expected one rejected frame, got %d", got)
	}
}

func TestSchedulersReplicateOverRelay(t *testing.T) {
	_, base := startRelay(t, RelayConfig{})
	cfg := sched.DefaultConfig()
	cfg.TickRate = 50
	cfg.LateJoinerTimeout = time.Second

	var scheds []*sched.Scheduler
	var totals []*int
	var add []channel.HandlerID
	connect := func() {
		c := dial(t, base+"sim")
		s, err := sched.New(c, nil, cfg, sched.Deps{})
		if err != nil {
			t.Fatalf("new scheduler: %v", err)
		}
		total := new(int)
		id, err := s.RegisterHandler("add", func(ctx *sched.Context) sched.Flow {
			*total += len(ctx.Payload)
			return sched.Done
		})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		s.Start(time.Now())
		scheds = append(scheds, s)
		totals = append(totals, total)
		add = append(add, id)
	}
	pump := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(10 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s", what)
			}
			for _, s := range scheds {
				s.Update(time.Now())
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	connect()
	pump("first peer init", func() bool { return scheds[0].Initialized() })
	connect()
	pump("second peer sync", func() bool {
		return scheds[1].Initialized() && scheds[1].Phase() == sched.PhaseRunning
	})

	if _, err := scheds[0].SendAction(add[0], []byte("abc")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := scheds[1].SendAction(add[1], []byte("de")); err != nil {
		t.Fatalf("send: %v", err)
	}
	pump("both totals to reach 5", func() bool { return *totals[0] == 5 && *totals[1] == 5 })
}
