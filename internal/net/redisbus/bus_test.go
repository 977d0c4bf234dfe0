package redisbus

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"lockstep/internal/transport"
)

func TestPresenceElectsLowestLivePeer(t *testing.T) {
	p := newPresence(3)
	var events []transport.Event
	events = p.join(3, events)
	events = p.join(5, events)
	events = p.join(1, events)
	events = p.join(5, events)

	if p.authority != 1 {
		t.Fatalf("expected authority 1, got %d", p.authority)
	}
	want := []transport.Event{
		{Kind: transport.EventPeerJoined, Peer: 3},
		{Kind: transport.EventAuthorityChanged, Peer: 3},
		{Kind: transport.EventPeerJoined, Peer: 5},
		{Kind: transport.EventPeerJoined, Peer: 1},
		{Kind: transport.EventAuthorityChanged, Peer: 1},
	}
	assertEvents(t, events, want)

	events = p.leave(1, nil)
	events = p.leave(1, events)
	assertEvents(t, events, []transport.Event{
		{Kind: transport.EventPeerLeft, Peer: 1},
		{Kind: transport.EventAuthorityChanged, Peer: 3},
	})
	if got := p.list(); len(got) != 2 || got[0] != 3 || got[1] != 5 {
		t.Fatalf("unexpected peers %v", got)
	}
}

func TestParsePeersSkipsGarbage(t *testing.T) {
	got := parsePeers([]string{"4", "zero", "0", "99999999999", "4294967295", "12"})
	if len(got) != 2 || got[0] != 4 || got[1] != 12 {
		t.Fatalf("unexpected peers %v", got)
	}
}

func assertEvents(t *testing.T, got, want []transport.Event) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), got)
	}
	for i := range want {
		if got[i].Kind != want[i].Kind || got[i].Peer != want[i].Peer {
			t.Fatalf("event %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestBusRoundTripAgainstRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := Config{Session: fmt.Sprintf("test-%d", time.Now().UnixNano()), HeartbeatInterval: 100 * time.Millisecond}
	a, err := Connect(ctx, rdb, cfg)
	if err != nil {
		t.Fatalf("connect a: %v", err)
	}
	defer a.Close()
	if a.Authority() != a.LocalPeer() {
		t.Fatalf("expected first peer to be authority")
	}
	b, err := Connect(ctx, rdb, cfg)
	if err != nil {
		t.Fatalf("connect b: %v", err)
	}

	if err := b.Send(transport.SlotTick, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := awaitEvent(t, a, func(ev transport.Event) bool { return ev.Kind == transport.EventFrame })
	if got.Peer != b.LocalPeer() || string(got.Data) != "hello" {
		t.Fatalf("unexpected frame %+v", got)
	}
	result := awaitEvent(t, b, func(ev transport.Event) bool { return ev.Kind == transport.EventSendResult })
	if !result.OK {
		t.Fatal("expected publish to succeed")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close b: %v", err)
	}
	awaitEvent(t, a, func(ev transport.Event) bool {
		return ev.Kind == transport.EventPeerLeft && ev.Peer == b.LocalPeer()
	})
}

func awaitEvent(t *testing.T, s transport.Substrate, match func(transport.Event) bool) transport.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range s.Poll(nil) {
			if match(ev) {
				return ev
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for event")
	return transport.Event{}
}
