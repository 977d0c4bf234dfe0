package channel

import (
	"bytes"
	"testing"
	"time"

	"lockstep/internal/net/loopback"
	"lockstep/internal/telemetry"
	"lockstep/internal/transport"
	"lockstep/logging"
	"lockstep/logging/sinks"
)

type pipe struct {
	t        *testing.T
	hub      *loopback.Hub
	a, b     *loopback.Endpoint
	slot     transport.Slot
	sender   *Channel
	receiver *Channel
	got      []Action
	sent     []UniqueID
	now      time.Time
	events   *sinks.MemorySink
	metrics  *telemetry.Counters
}

func newPipe(t *testing.T, maxFrame int) *pipe {
	t.Helper()
	p := &pipe{
		t:       t,
		hub:     loopback.NewHub(maxFrame),
		now:     time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		events:  sinks.NewMemorySink(),
		metrics: telemetry.NewCounters(),
	}
	p.a = p.hub.Connect()
	p.b = p.hub.Connect()
	p.slot = transport.SlotForPeer(p.a.LocalPeer())
	deps := Deps{
		Publisher: p.events,
		Metrics:   p.metrics,
		Clock:     logging.ClockFunc(func() time.Time { return p.now }),
	}
	p.sender = New(p.a, p.slot, Config{Retry: RetryConfig{Floor: 50 * time.Millisecond, Cap: 400 * time.Millisecond}}, deps, nil, func(id UniqueID) {
		p.sent = append(p.sent, id)
	})
	p.receiver = New(p.b, p.slot, Config{}, deps, func(action Action) {
		p.got = append(p.got, action)
	}, nil)
	return p
}

func (p *pipe) step() {
	p.sender.Update(p.now)
	for _, ev := range p.a.Poll(nil) {
		if ev.Kind == transport.EventSendResult && ev.Slot == p.slot {
			p.sender.HandleSendResult(ev.OK, p.now)
		}
	}
	for _, ev := range p.b.Poll(nil) {
		if ev.Kind == transport.EventFrame && ev.Slot == p.slot {
			p.receiver.Receive(ev.Data)
		}
	}
}

func (p *pipe) drain(limit int) {
	for i := 0; i < limit && !p.sender.Idle(); i++ {
		p.step()
	}
	if !p.sender.Idle() {
		p.t.Fatalf("sender still busy after %d steps", limit)
	}
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i*31)
	}
	return out
}

func TestLargePayloadReassemblesByteIdentical(t *testing.T) {
	p := newPipe(t, 64)
	payload := pattern(5000, 7)
	id := p.sender.Submit(9, payload)
	if id.Owner() != p.a.LocalPeer() || id.Seq() != 1 {
		t.Fatalf("unexpected id %v", id)
	}
	p.drain(200)

	if len(p.got) != 1 {
		t.Fatalf("expected 1 reassembled action, got %d", len(p.got))
	}
	if p.got[0].ID != id || p.got[0].Handler != 9 {
		t.Fatalf("unexpected action identity %+v", p.got[0].ID)
	}
	if !bytes.Equal(p.got[0].Payload, payload) {
		t.Fatalf("payload mismatch after reassembly")
	}
	if len(p.sent) != 1 || p.sent[0] != id {
		t.Fatalf("expected sent confirmation for %v, got %v", id, p.sent)
	}
	if len(p.sender.Pending()) != 0 {
		t.Fatalf("expected no pending ids, got %v", p.sender.Pending())
	}
	if p.hub.SentFrames() < 5000/64 {
		t.Fatalf("expected payload to span many frames, sent %d", p.hub.SentFrames())
	}
}

func TestMixedPayloadsKeepOrderAcrossFrames(t *testing.T) {
	p := newPipe(t, 48)
	sizes := []int{0, 3, 47, 48, 49, 200, 1, 0, 95}
	var ids []UniqueID
	var payloads [][]byte
	for i, size := range sizes {
		payload := pattern(size, byte(i))
		payloads = append(payloads, payload)
		ids = append(ids, p.sender.Submit(HandlerID(20+i), payload))
	}
	p.drain(200)

	if len(p.got) != len(sizes) {
		t.Fatalf("expected %d actions, got %d", len(sizes), len(p.got))
	}
	for i, action := range p.got {
		if action.ID != ids[i] {
			t.Fatalf("action %d: expected id %v, got %v", i, ids[i], action.ID)
		}
		if action.Handler != HandlerID(20+i) {
			t.Fatalf("action %d: expected handler %d, got %d", i, 20+i, action.Handler)
		}
		if !bytes.Equal(action.Payload, payloads[i]) {
			t.Fatalf("action %d: payload mismatch (len %d vs %d)", i, len(action.Payload), len(payloads[i]))
		}
		if i > 0 && action.ID <= p.got[i-1].ID {
			t.Fatalf("ids must increase: %v after %v", action.ID, p.got[i-1].ID)
		}
	}
	if len(p.sent) != len(sizes) {
		t.Fatalf("expected every id confirmed, got %d", len(p.sent))
	}
}

func TestFailedBroadcastBacksOffAndResets(t *testing.T) {
	p := newPipe(t, 128)
	p.hub.FailSends(p.a.LocalPeer(), 2)
	p.sender.Submit(1, []byte("hello"))

	start := p.now
	p.step()
	if len(p.got) != 0 {
		t.Fatalf("expected first send to fail")
	}
	if want := start.Add(50 * time.Millisecond); !p.sender.out.NextAttempt().Equal(want) {
		t.Fatalf("expected retry at %v, got %v", want, p.sender.out.NextAttempt())
	}

	p.now = start.Add(40 * time.Millisecond)
	p.step()
	if p.metrics.Load(sendFailuresMetricKey) != 1 {
		t.Fatalf("expected no send attempt before the backoff elapsed")
	}

	p.now = start.Add(50 * time.Millisecond)
	p.step()
	if want := p.now.Add(100 * time.Millisecond); !p.sender.out.NextAttempt().Equal(want) {
		t.Fatalf("expected doubled delay, retry at %v, got %v", want, p.sender.out.NextAttempt())
	}

	p.now = p.now.Add(100 * time.Millisecond)
	p.step()
	if len(p.got) != 1 || string(p.got[0].Payload) != "hello" {
		t.Fatalf("expected delivery after retries, got %+v", p.got)
	}

	p.hub.FailSends(p.a.LocalPeer(), 1)
	p.sender.Submit(1, []byte("again"))
	p.step()
	if want := p.now.Add(50 * time.Millisecond); !p.sender.out.NextAttempt().Equal(want) {
		t.Fatalf("expected backoff reset to floor after success, got %v", p.sender.out.NextAttempt())
	}
	if p.events.Count("channel.send_retry") != 3 {
		t.Fatalf("expected 3 retry events, got %d", p.events.Count("channel.send_retry"))
	}
}

func TestClearedMarkerDiscardsPartialPayload(t *testing.T) {
	p := newPipe(t, 64)
	p.sender.Submit(5, pattern(600, 1))
	// Deliver only the first two fragments, then the owner's slot is cleared.
	p.step()
	p.step()
	if !p.receiver.HasPartial() {
		t.Fatalf("expected receiver to hold a partial payload")
	}

	p.sender.Clear()
	p.drain(10)
	if p.receiver.HasPartial() {
		t.Fatalf("expected cleared marker to discard partial payload")
	}
	if len(p.got) != 0 {
		t.Fatalf("expected nothing delivered, got %d actions", len(p.got))
	}

	// A stale continuation fragment arriving afterwards must not become an action.
	p.receiver.Receive(append([]byte{markerContinuation}, pattern(60, 3)...))
	if len(p.got) != 0 || p.receiver.HasPartial() {
		t.Fatalf("stale continuation must be dropped")
	}

	fresh := p.sender.Submit(6, []byte("fresh"))
	p.drain(10)
	if len(p.got) != 1 || p.got[0].ID != fresh || string(p.got[0].Payload) != "fresh" {
		t.Fatalf("expected fresh action after clear, got %+v", p.got)
	}
	if fresh.Seq() != 2 {
		t.Fatalf("expected sequence to keep increasing across clears, got %d", fresh.Seq())
	}
}

func TestContinuationWithoutPartialIsDropped(t *testing.T) {
	p := newPipe(t, 64)
	p.receiver.Receive([]byte{markerContinuation, 1, 2, 3})
	p.receiver.Receive(nil)
	p.receiver.Receive([]byte{markerEnd})
	if len(p.got) != 0 {
		t.Fatalf("expected no actions from malformed frames")
	}
	if p.events.Count("channel.frame_dropped") != 3 {
		t.Fatalf("expected 3 dropped-frame events, got %d", p.events.Count("channel.frame_dropped"))
	}
}

func TestUniqueIDLayout(t *testing.T) {
	id := MakeUniqueID(7, 3)
	if uint64(id) != 7<<32|3 {
		t.Fatalf("unexpected layout %#x", uint64(id))
	}
	if id.Owner() != 7 || id.Seq() != 3 {
		t.Fatalf("unexpected split %v", id)
	}
	if MakeUniqueID(1, 1) >= MakeUniqueID(2, 0) {
		t.Fatalf("ids must sort peer-major")
	}
}

// overstated reports a larger frame limit than the hub enforces.
type overstated struct {
	*loopback.Endpoint
	limit int
}

func (o overstated) MaxFrame() int { return o.limit }

func TestOversizedFrameReleasesPendingIDs(t *testing.T) {
	p := newPipe(t, 128)
	deps := Deps{Publisher: p.events, Metrics: p.metrics, Clock: logging.ClockFunc(func() time.Time { return p.now })}
	sender := New(overstated{Endpoint: p.a, limit: 512}, p.slot, Config{}, deps, nil, nil)

	lost := sender.Submit(1, pattern(300, 9))
	if got := sender.Pending(); len(got) != 1 || got[0] != lost {
		t.Fatalf("expected %v pending, got %v", lost, got)
	}
	sender.Update(p.now)
	if got := sender.Pending(); len(got) != 0 {
		t.Fatalf("expected refused frame to release its ids, still pending %v", got)
	}
	if !sender.Idle() {
		t.Fatalf("expected the refused frame to leave the outbox")
	}
	if p.metrics.Load(framesDroppedMetricKey) != 1 || p.events.Count("channel.frame_dropped") != 1 {
		t.Fatalf("expected the drop to be counted and published")
	}

	kept := sender.Submit(1, []byte("small"))
	sender.Update(p.now)
	for _, ev := range p.a.Poll(nil) {
		if ev.Kind == transport.EventSendResult && ev.Slot == p.slot {
			sender.HandleSendResult(ev.OK, p.now)
		}
	}
	if got := sender.Pending(); len(got) != 0 {
		t.Fatalf("expected %v to be confirmed, pending %v", kept, got)
	}
}
