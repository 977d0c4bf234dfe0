// Package discovery advertises relays on the local network over mDNS and finds them.
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the DNS-SD service relays register under.
	ServiceType = "_lockstep._tcp"
	Domain      = "local."

	txtPath    = "path"
	txtVersion = "ver"
	// ProtocolVersion is advertised so peers skip relays speaking another envelope format.
	ProtocolVersion = 1
)

// Relay is one discovered relay.
type Relay struct {
	Instance string
	Host     string
	Port     int
	Addrs    []net.IP
	Path     string
	Version  int
}

// URL returns the websocket URL of session on the relay.
func (r Relay) URL(session string) string {
	host := r.Host
	if len(r.Addrs) > 0 {
		host = r.Addrs[0].String()
	}
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(strings.TrimSuffix(host, "."), strconv.Itoa(r.Port)),
		Path:   strings.TrimSuffix(r.Path, "/") + "/" + session,
	}
	return u.String()
}

// Advertisement keeps a relay registered until Shutdown.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers a relay instance listening on port whose websocket routes live
// under path.
func Advertise(instance string, port int, path string) (*Advertisement, error) {
	if port <= 0 {
		return nil, fmt.Errorf("advertise %s: invalid port %d", instance, port)
	}
	text := encodeText(map[string]string{
		txtPath:    path,
		txtVersion: strconv.Itoa(ProtocolVersion),
	})
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, text, nil)
	if err != nil {
		return nil, fmt.Errorf("advertise %s: %w", instance, err)
	}
	return &Advertisement{server: server}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertisement) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Browse collects relays speaking ProtocolVersion until ctx is done, sorted by instance
// name.
func Browse(ctx context.Context) ([]Relay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Relay)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if relay, ok := fromEntry(entry); ok {
				found[relay.Instance] = relay
			}
		}
	}()
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	<-ctx.Done()
	<-done
	relays := make([]Relay, 0, len(found))
	for _, r := range found {
		relays = append(relays, r)
	}
	sort.Slice(relays, func(i, j int) bool { return relays[i].Instance < relays[j].Instance })
	return relays, nil
}

func fromEntry(entry *zeroconf.ServiceEntry) (Relay, bool) {
	if entry == nil {
		return Relay{}, false
	}
	text := parseText(entry.Text)
	version, err := strconv.Atoi(text[txtVersion])
	if err != nil || version != ProtocolVersion {
		return Relay{}, false
	}
	path := text[txtPath]
	if path == "" {
		path = "/ws"
	}
	addrs := append([]net.IP(nil), entry.AddrIPv4...)
	addrs = append(addrs, entry.AddrIPv6...)
	return Relay{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     entry.Port,
		Addrs:    addrs,
		Path:     path,
		Version:  version,
	}, true
}

func encodeText(fields map[string]string) []string {
	text := make([]string, 0, len(fields))
	for k, v := range fields {
		text = append(text, k+"="+v)
	}
	sort.Strings(text)
	return text
}

func parseText(text []string) map[string]string {
	fields := make(map[string]string, len(text))
	for _, entry := range text {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || k == "" {
			continue
		}
		fields[k] = v
	}
	return fields
}
