// Package storetest holds the behaviour every store.Store implementation must share.
package storetest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"lockstep/internal/codec"
	"lockstep/internal/snapshot"
	"lockstep/internal/state"
	"lockstep/internal/store"
)

type notes struct {
	lines []string
}

func (n *notes) Name() string                   { return "notes" }
func (n *notes) DisplayName() string            { return "Notes" }
func (n *notes) Version() uint32                { return 1 }
func (n *notes) LowestSupportedVersion() uint32 { return 1 }
func (n *notes) SupportsImportExport() bool     { return true }

func (n *notes) Serialize(w *codec.Writer, _ bool) {
	w.WriteSmallUint(uint64(len(n.lines)))
	for _, l := range n.lines {
		w.WriteString(l)
	}
}

func (n *notes) Deserialize(r *codec.Reader, _ bool, _ uint32) error {
	count := r.ReadSmallUint()
	n.lines = n.lines[:0]
	for i := uint64(0); i < count && r.Err() == nil; i++ {
		n.lines = append(n.lines, r.ReadString())
	}
	return r.Err()
}

// Export builds a valid export named name with a repetitive payload of roughly size bytes.
func Export(name string, size int) string {
	m := &notes{}
	for written := 0; written < size; written += 16 {
		m.lines = append(m.lines, "the same old line")
	}
	h := snapshot.Header{Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), World: "arena", Name: name}
	return snapshot.Export(h, []state.Module{m})
}

// Run exercises s. The store must start empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	big := Export("big", 8192)
	info, err := s.Save(ctx, big)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if info.Name != "big" || info.World != "arena" || info.Modules != 1 || info.Size != len(big) {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := s.Save(ctx, Export("alpha", 10)); err != nil {
		t.Fatalf("save alpha: %v", err)
	}

	got, err := s.Load(ctx, "big")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != big {
		t.Fatalf("loaded text differs from saved text")
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "big" {
		t.Fatalf("unexpected listing %+v", list)
	}
	if !list[1].Exported.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected export time %s", list[1].Exported)
	}

	replacement := Export("alpha", 64)
	if _, err := s.Save(ctx, replacement); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, _ := s.Load(ctx, "alpha"); got != replacement {
		t.Fatal("expected save to overwrite an existing name")
	}

	if _, err := s.Save(ctx, Export("", 10)); !errors.Is(err, store.ErrUnnamed) {
		t.Fatalf("expected ErrUnnamed, got %v", err)
	}
	if _, err := s.Save(ctx, strings.ToUpper(big[:40])); err == nil {
		t.Fatal("expected invalid export to be rejected")
	}
	if _, err := s.Load(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Delete(ctx, "big"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "big"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected second delete to report ErrNotFound, got %v", err)
	}
	if list, _ := s.List(ctx); len(list) != 1 {
		t.Fatalf("expected one record after delete, got %+v", list)
	}
}
