package state

import (
	"errors"
	"testing"

	"lockstep/internal/codec"
)

type counter struct {
	name  string
	value uint64
}

func (c *counter) Name() string                   { return c.name }
func (c *counter) DisplayName() string            { return "Counter " + c.name }
func (c *counter) Version() uint32                { return 2 }
func (c *counter) LowestSupportedVersion() uint32 { return 1 }
func (c *counter) SupportsImportExport() bool     { return true }
func (c *counter) Serialize(w *codec.Writer, _ bool) {
	w.WriteSmallUint(c.value)
}
func (c *counter) Deserialize(r *codec.Reader, _ bool, _ uint32) error {
	c.value = r.ReadSmallUint()
	return r.Err()
}

func TestRegistryBuildsInRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("zeta", func() Module { return &counter{name: "zeta"} })
	reg.MustRegister("alpha", func() Module { return &counter{name: "alpha"} })

	set, err := reg.Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if set.Len() != 2 || set.All()[0].Name() != "zeta" || set.All()[1].Name() != "alpha" {
		t.Fatalf("unexpected order %v", set.All())
	}
	if names := set.Names(); names[0] != "alpha" {
		t.Fatalf("expected sorted names, got %v", names)
	}
	if _, ok := set.Lookup("alpha"); !ok {
		t.Fatalf("expected lookup to find alpha")
	}

	again, err := reg.Build()
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if again.All()[0] == set.All()[0] {
		t.Fatalf("expected fresh instances on rebuild")
	}
}

func TestRegistryRejectsDuplicatesAndMismatches(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("a", func() Module { return &counter{name: "a"} })
	if err := reg.Register("a", func() Module { return &counter{name: "a"} }); !errors.Is(err, ErrDuplicateModule) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if _, err := reg.New("missing"); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("expected unknown module error, got %v", err)
	}
	reg.MustRegister("b", func() Module { return &counter{name: "not-b"} })
	if _, err := reg.Build(); err == nil {
		t.Fatalf("expected mismatched factory to fail the build")
	}
}
