package lockstep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lockstep/internal/codec"
	"lockstep/internal/net/loopback"
)

type counter struct {
	total uint64
}

func (c *counter) Name() string                   { return "counter" }
func (c *counter) DisplayName() string            { return "Counter" }
func (c *counter) Version() uint32                { return 1 }
func (c *counter) LowestSupportedVersion() uint32 { return 1 }
func (c *counter) SupportsImportExport() bool     { return true }

func (c *counter) Serialize(w *codec.Writer, _ bool) {
	w.WriteUint64(c.total)
}

func (c *counter) Deserialize(r *codec.Reader, _ bool, _ uint32) error {
	total := r.ReadUint64()
	if err := r.Err(); err != nil {
		return err
	}
	c.total = total
	return nil
}

type runningPeer struct {
	peer *Peer
	add  HandlerID
}

func startPeer(t *testing.T, ctx context.Context, wg *sync.WaitGroup, hub *loopback.Hub) *runningPeer {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegister("counter", func() Module { return &counter{} })
	cfg := DefaultConfig()
	cfg.TickRate = 50
	cfg.FrameRate = 200
	cfg.LateJoinerTimeout = Duration(500 * time.Millisecond)
	p, err := NewPeer(hub.Connect(), reg, cfg, Deps{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	add, err := p.Scheduler().RegisterHandler("add", func(ctx *Context) Flow {
		m, _ := ctx.Scheduler().Modules().Lookup("counter")
		m.(*counter).total += ctx.Reader().ReadSmallUint()
		return Done
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.Run(ctx); err != nil {
			t.Errorf("run: %v", err)
		}
	}()
	return &runningPeer{peer: p, add: add}
}

func (rp *runningPeer) total(t *testing.T, ctx context.Context) (uint64, bool) {
	t.Helper()
	var total uint64
	var ready bool
	err := rp.peer.Do(ctx, func(s *Scheduler) {
		ready = s.Initialized() && s.Phase() == PhaseRunning
		if m, ok := s.Modules().Lookup("counter"); ok {
			total = m.(*counter).total
		}
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return total, ready
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPeersConvergeWhenRunConcurrently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	hub := loopback.NewHub(512)
	first := startPeer(t, ctx, &wg, hub)
	waitFor(t, "first peer to initialize", func() bool {
		_, ready := first.total(t, ctx)
		return ready
	})
	second := startPeer(t, ctx, &wg, hub)
	waitFor(t, "second peer to catch up", func() bool {
		_, ready := second.total(t, ctx)
		return ready
	})

	for i, rp := range []*runningPeer{first, second, first} {
		amount := uint64(i + 1)
		err := rp.peer.Do(ctx, func(s *Scheduler) {
			var w codec.Writer
			w.WriteSmallUint(amount)
			if _, err := s.SendAction(rp.add, w.Bytes()); err != nil {
				t.Errorf("send: %v", err)
			}
		})
		if err != nil {
			t.Fatalf("do: %v", err)
		}
	}

	waitFor(t, "both counters to reach 6", func() bool {
		a, _ := first.total(t, ctx)
		b, _ := second.total(t, ctx)
		return a == 6 && b == 6
	})
}

func TestDoAfterStopReturnsErrStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	rp := startPeer(t, ctx, &wg, loopback.NewHub(512))
	cancel()
	wg.Wait()

	err := rp.peer.Do(context.Background(), func(*Scheduler) {})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestNewPeerRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrameRate = 0
	if _, err := NewPeer(loopback.NewHub(512).Connect(), NewRegistry(), cfg, Deps{}); err == nil {
		t.Fatal("expected invalid frame rate to be rejected")
	}
}
