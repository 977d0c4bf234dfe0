package sinks

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"lockstep/logging"
)

func TestConsoleSinkFormatsEvent(t *testing.T) {
	var out bytes.Buffer
	sink := NewConsoleSink(&out, logging.ConsoleConfig{})
	sink.Write(logging.Event{
		Type:     "lockstep.desync",
		Tick:     42,
		Actor:    logging.PeerRef(3),
		Targets:  []logging.EntityRef{logging.PeerRef(1), logging.ModuleRef("grid")},
		Severity: logging.SeverityError,
		ActionID: 31,
		Payload:  map[string]string{"reason": "hash"},
	})
	line := out.String()
	for _, want := range []string{"error lockstep.desync tick=42 actor=peer:3 action=0x1f", "targets=peer:1,module:grid", `{"reason":"hash"}`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
}

func TestConsoleSinkColorsWarnings(t *testing.T) {
	var out bytes.Buffer
	NewConsoleSink(&out, logging.ConsoleConfig{UseColor: true}).Write(logging.Event{Type: "x", Severity: logging.SeverityWarn})
	if !strings.Contains(out.String(), "\x1b[33mwarn\x1b[0m") {
		t.Fatalf("expected colored severity, got %q", out.String())
	}
}

func TestJSONSinkBuffersUntilClose(t *testing.T) {
	var out bytes.Buffer
	sink := NewJSON(&out, time.Hour)
	sink.Write(logging.Event{Type: "relay.peer_connected", Actor: logging.SessionRef("arena")})
	if out.Len() != 0 {
		t.Fatalf("expected buffered output, got %q", out.String())
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(out.String(), `"actor":{"id":"arena","kind":"session"}`) {
		t.Fatalf("unexpected json %q", out.String())
	}
}

func TestMemorySinkKeepsCopies(t *testing.T) {
	sink := NewMemorySink()
	extra := map[string]any{"k": 1}
	sink.Publish(context.Background(), logging.Event{Type: "a", Extra: extra})
	extra["k"] = 2
	if got := sink.Events()[0].Extra["k"]; got != 1 {
		t.Fatalf("expected recorded event to be isolated, got %v", got)
	}
	if sink.Count("a") != 1 {
		t.Fatal("expected one event of type a")
	}
	sink.Reset()
	if len(sink.Events()) != 0 {
		t.Fatal("expected reset to clear events")
	}
}
