package snapshot

import (
	"errors"
	"testing"
	"time"

	"lockstep/internal/codec"
	"lockstep/internal/state"
)

type kvModule struct {
	name       string
	version    uint32
	floor      uint32
	exportable bool
	failWith   error
	entries    map[string]string
	order      []string
}

func newKV(name string) *kvModule {
	return &kvModule{name: name, version: 3, floor: 2, exportable: true, entries: map[string]string{}}
}

func (m *kvModule) set(k, v string) {
	if _, ok := m.entries[k]; !ok {
		m.order = append(m.order, k)
	}
	m.entries[k] = v
}

func (m *kvModule) Name() string                   { return m.name }
func (m *kvModule) DisplayName() string            { return "KV " + m.name }
func (m *kvModule) Version() uint32                { return m.version }
func (m *kvModule) LowestSupportedVersion() uint32 { return m.floor }
func (m *kvModule) SupportsImportExport() bool     { return m.exportable }

func (m *kvModule) Serialize(w *codec.Writer, _ bool) {
	w.WriteSmallUint(uint64(len(m.order)))
	for _, k := range m.order {
		w.WriteString(k)
		w.WriteString(m.entries[k])
	}
}

func (m *kvModule) Deserialize(r *codec.Reader, _ bool, _ uint32) error {
	if m.failWith != nil {
		return m.failWith
	}
	m.entries = map[string]string{}
	m.order = nil
	n := r.ReadSmallUint()
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		k := r.ReadString()
		m.set(k, r.ReadString())
	}
	return r.Err()
}

var header = Header{Timestamp: time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC), World: "harbor", Name: "nightly"}

func populated() []state.Module {
	a := newKV("alpha")
	a.set("x", "1")
	a.set("y", "two")
	b := newKV("beta")
	b.set("k", "v")
	hidden := newKV("local-only")
	hidden.exportable = false
	hidden.set("secret", "s")
	return []state.Module{a, b, hidden}
}

func TestExportImportReexportIsIdentical(t *testing.T) {
	text := Export(header, populated())

	fresh := state.NewSet([]state.Module{newKV("alpha"), newKV("beta")})
	snap, err := Import(text)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if !snap.Timestamp.Equal(header.Timestamp) || snap.World != "harbor" || snap.Name != "nightly" {
		t.Fatalf("unexpected header %+v", snap.Header)
	}
	if len(snap.Sections) != 2 {
		t.Fatalf("expected non-exportable module to be omitted, got %d sections", len(snap.Sections))
	}
	report := snap.Apply(fresh, true)
	if len(report.Applied) != 2 || len(report.Skipped) != 0 || len(report.Errors) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if again := Export(header, fresh.All()); again != text {
		t.Fatalf("re-export differs from original")
	}
}

func TestFlippedBitIsRejected(t *testing.T) {
	raw := Build(header, populated())
	for _, pos := range []int{0, len(raw) / 2, len(raw) - 1} {
		corrupt := append([]byte(nil), raw...)
		corrupt[pos] ^= 0x10
		if _, err := Parse(corrupt); !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("flip at %d: expected checksum mismatch, got %v", pos, err)
		}
	}
}

func TestTruncatedAndGarbageRejected(t *testing.T) {
	if _, err := Parse([]byte{1, 2}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected truncated error, got %v", err)
	}
	if _, err := Import("not base64!!"); !errors.Is(err, ErrEncoding) {
		t.Fatalf("expected encoding error, got %v", err)
	}
}

func TestVersionRangeSkipsWithoutTouchingOthers(t *testing.T) {
	old := newKV("alpha")
	old.version = 1
	old.set("x", "stale")
	future := newKV("beta")
	future.version = 9
	future.set("k", "future")
	gamma := newKV("gamma")
	gamma.set("g", "ok")
	snap, err := Parse(Build(header, []state.Module{old, future, gamma}))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	alpha, beta, target := newKV("alpha"), newKV("beta"), newKV("gamma")
	alpha.set("x", "keep")
	report := snap.Apply(state.NewSet([]state.Module{alpha, beta, target}), true)

	if len(report.Skipped) != 2 {
		t.Fatalf("expected 2 skipped sections, got %+v", report.Skipped)
	}
	if report.Skipped[0].Reason != SkipTooOld || report.Skipped[1].Reason != SkipTooNew {
		t.Fatalf("unexpected skip reasons %+v", report.Skipped)
	}
	if alpha.entries["x"] != "keep" {
		t.Fatalf("skipped module was modified")
	}
	if target.entries["g"] != "ok" {
		t.Fatalf("section after skipped ones was not applied")
	}
}

func TestModuleErrorDoesNotAbortImport(t *testing.T) {
	snap, err := Parse(Build(header, populated()))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	broken := newKV("alpha")
	broken.failWith = errors.New("alpha refuses")
	beta := newKV("beta")
	report := snap.Apply(state.NewSet([]state.Module{broken, beta}), true)
	if len(report.Errors) != 1 || report.Errors[0].Module != "alpha" {
		t.Fatalf("expected alpha error, got %+v", report.Errors)
	}
	if beta.entries["k"] != "v" {
		t.Fatalf("expected beta applied despite alpha failure")
	}
}
