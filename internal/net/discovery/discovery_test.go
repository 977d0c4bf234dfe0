package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestTextRecordsRoundTrip(t *testing.T) {
	text := encodeText(map[string]string{"path": "/ws", "ver": "1"})
	if len(text) != 2 || text[0] != "path=/ws" || text[1] != "ver=1" {
		t.Fatalf("unexpected text records %v", text)
	}
	fields := parseText(append(text, "junk", "=orphan", "note=a=b"))
	if fields["path"] != "/ws" || fields["ver"] != "1" || fields["note"] != "a=b" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if _, ok := fields[""]; ok {
		t.Fatal("expected empty keys to be skipped")
	}
}

func TestFromEntryFiltersProtocolVersion(t *testing.T) {
	entry := zeroconf.NewServiceEntry("relay-a", ServiceType, Domain)
	entry.HostName = "relay-a.local."
	entry.Port = 8080
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Text = []string{"ver=1", "path=/ws/"}

	relay, ok := fromEntry(entry)
	if !ok {
		t.Fatal("expected entry to be accepted")
	}
	if got := relay.URL("arena one"); got != "ws://192.168.1.20:8080/ws/arena%20one" {
		t.Fatalf("unexpected url %q", got)
	}

	relay.Addrs = nil
	if got := relay.URL("arena"); got != "ws://relay-a.local:8080/ws/arena" {
		t.Fatalf("unexpected host url %q", got)
	}

	entry.Text = []string{"ver=2"}
	if _, ok := fromEntry(entry); ok {
		t.Fatal("expected other protocol versions to be skipped")
	}
	if _, ok := fromEntry(nil); ok {
		t.Fatal("expected nil entry to be skipped")
	}
}

func TestAdvertiseRejectsInvalidPort(t *testing.T) {
	if _, err := Advertise("relay", 0, "/ws"); err == nil {
		t.Fatal("expected invalid port to be rejected")
	}
}
