package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lockstep/internal/net/ws"
	"lockstep/internal/store"
	"lockstep/internal/store/boltstore"
	"lockstep/internal/store/storetest"
	"lockstep/internal/telemetry"
	relaylog "lockstep/logging/relay"
	"lockstep/logging/sinks"
	snapshotlog "lockstep/logging/snapshot"
)

type fixture struct {
	srv    *httptest.Server
	events *sinks.MemorySink
}

func newFixture(t *testing.T, pprof bool) *fixture {
	t.Helper()
	snapshots, err := boltstore.Open(filepath.Join(t.TempDir(), "snapshots.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { snapshots.Close() })

	events := sinks.NewMemorySink()
	metrics := telemetry.NewCounters()
	relay := ws.NewRelay(ws.RelayConfig{Metrics: metrics, Publisher: events})
	srv := httptest.NewServer(NewHandler(HandlerConfig{
		Relay:            relay,
		Store:            snapshots,
		Metrics:          metrics,
		Publisher:        events,
		MaxSnapshotBytes: 64 << 10,
		EnablePprof:      pprof,
	}))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, events: events}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false)
	resp, body := f.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || body != "ok" {
		t.Fatalf("unexpected health response %d %q", resp.StatusCode, body)
	}
}

func TestDiagnosticsListsConnectedSessions(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/arena"
	client, err := ws.Dial(ctx, url, ws.ClientConfig{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	resp, body := f.do(t, http.MethodGet, "/diagnostics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		Status    string            `json:"status"`
		Sessions  []ws.SessionInfo  `json:"sessions"`
		Telemetry map[string]uint64 `json:"telemetry"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	if len(payload.Sessions) != 1 || payload.Sessions[0].Name != "arena" {
		t.Fatalf("expected arena session, got %+v", payload.Sessions)
	}
	if payload.Sessions[0].Authority != client.LocalPeer() {
		t.Fatalf("expected %d to hold authority, got %d", client.LocalPeer(), payload.Sessions[0].Authority)
	}
	if payload.Telemetry["relay_connections_total"] != 1 {
		t.Fatalf("expected one connection counted, got %+v", payload.Telemetry)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.events.Count(relaylog.EventPeerConnected) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected a peer connected event")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSnapshotRoutes(t *testing.T) {
	f := newFixture(t, false)
	text := storetest.Export("checkpoint", 512)

	resp, body := f.do(t, http.MethodPut, "/snapshots", strings.NewReader(text))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	var info store.Info
	if err := json.Unmarshal([]byte(body), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Name != "checkpoint" || info.World != "arena" || info.Size != len(text) {
		t.Fatalf("unexpected info %+v", info)
	}
	if f.events.Count(snapshotlog.EventStored) != 1 {
		t.Fatal("expected a stored event")
	}

	resp, body = f.do(t, http.MethodGet, "/snapshots", nil)
	var listing []store.Info
	if err := json.Unmarshal([]byte(body), &listing); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("list failed: %d %v", resp.StatusCode, err)
	}
	if len(listing) != 1 || listing[0].Name != "checkpoint" {
		t.Fatalf("unexpected listing %+v", listing)
	}

	resp, body = f.do(t, http.MethodGet, "/snapshots/checkpoint", nil)
	if resp.StatusCode != http.StatusOK || body != text {
		t.Fatalf("expected stored text back, got %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodDelete, "/snapshots/checkpoint", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodDelete, "/snapshots/checkpoint", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/snapshots/checkpoint", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
	if f.events.Count(snapshotlog.EventDeleted) != 1 {
		t.Fatal("expected one deleted event")
	}
}

func TestSnapshotUploadsAreValidated(t *testing.T) {
	f := newFixture(t, false)
	cases := []struct {
		name   string
		body   string
		status int
	}{
		{name: "garbage", body: "not an export", status: http.StatusBadRequest},
		{name: "unnamed", body: storetest.Export("", 16), status: http.StatusBadRequest},
		{name: "oversized", body: storetest.Export("huge", 256<<10), status: http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPut, "/snapshots", strings.NewReader(tc.body))
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, resp.StatusCode, body)
			}
		})
	}
}

func TestProfilerMountedOnlyWhenEnabled(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		t.Run(fmt.Sprint(enabled), func(t *testing.T) {
			f := newFixture(t, enabled)
			resp, _ := f.do(t, http.MethodGet, "/debug/pprof/", nil)
			want := http.StatusNotFound
			if enabled {
				want = http.StatusOK
			}
			if resp.StatusCode != want {
				t.Fatalf("expected %d, got %d", want, resp.StatusCode)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LOCKSTEP_RELAY_ADDR":    "127.0.0.1:9000",
		"LOCKSTEP_RELAY_FPS":     "120",
		"LOCKSTEP_RELAY_BURST":   "-4",
		"LOCKSTEP_MAX_FRAME":     "8192",
		"LOCKSTEP_SNAPSHOT_DB":   "/var/lib/lockstep.db",
		"LOCKSTEP_MDNS":          "maybe",
		"ENABLE_PPROF_TRACE":     "true",
		"LOCKSTEP_LOG_SINKS":     "console, json",
		"LOCKSTEP_MDNS_INSTANCE": "lab",
	}
	var lines []string
	logger := telemetry.LoggerFunc(func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	})
	cfg := DefaultConfig()
	applyEnv(func(key string) string { return env[key] }, &cfg, logger)

	if cfg.Addr != "127.0.0.1:9000" || cfg.Relay.FramesPerSecond != 120 || cfg.Relay.MaxFrame != 8192 {
		t.Fatalf("unexpected relay settings %+v", cfg)
	}
	if cfg.Relay.Burst != DefaultConfig().Relay.Burst {
		t.Fatalf("expected invalid burst to be ignored, got %d", cfg.Relay.Burst)
	}
	if cfg.SnapshotPath != "/var/lib/lockstep.db" || cfg.Advertise || !cfg.EnablePprof || cfg.Instance != "lab" {
		t.Fatalf("unexpected settings %+v", cfg)
	}
	if len(cfg.Logging.EnabledSinks) != 2 || cfg.Logging.EnabledSinks[1] != "json" {
		t.Fatalf("unexpected sinks %v", cfg.Logging.EnabledSinks)
	}
	if len(lines) != 2 || !strings.Contains(lines[0], "invalid LOCKSTEP_RELAY_BURST") || !strings.Contains(lines[1], "invalid LOCKSTEP_MDNS") {
		t.Fatalf("unexpected log lines %q", lines)
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.SnapshotPath = filepath.Join(t.TempDir(), "run.db")
	cfg.Logging.EnabledSinks = nil
	cfg.Logger = telemetry.Discard()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
