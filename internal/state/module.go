// Package state defines the contract pluggable state modules satisfy and the registry the
// scheduler instantiates them from.
package state

import (
	"errors"
	"fmt"
	"sort"

	"lockstep/internal/codec"
)

// Module is a unit of replicated state. The scheduler owns none of its data; it only asks
// the module to write itself into, and read itself from, a shared stream.
type Module interface {
	// Name is the stable tag the module is registered and exported under.
	Name() string
	DisplayName() string
	// Version is written with every export; LowestSupportedVersion is the oldest data
	// version Deserialize still understands.
	Version() uint32
	LowestSupportedVersion() uint32
	SupportsImportExport() bool
	// Serialize writes the module's state. isExport is false for late-joiner transfers,
	// which may carry data an export omits.
	Serialize(w *codec.Writer, isExport bool)
	// Deserialize replaces the module's state. A returned error is surfaced as a
	// notification; the module must leave itself usable.
	Deserialize(r *codec.Reader, isImport bool, version uint32) error
}

// Factory builds a fresh module instance.
type Factory func() Module

var (
	// ErrDuplicateModule is returned when a tag is registered twice.
	ErrDuplicateModule = errors.New("state: module already registered")
	// ErrUnknownModule is returned for tags without a factory.
	ErrUnknownModule = errors.New("state: unknown module")
)

// Registry maps module tags to factories. Registration order is the serialization order
// and must be identical on every peer.
type Registry struct {
	order     []string
	factories map[string]Factory
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under tag.
func (r *Registry) Register(tag string, factory Factory) error {
	if tag == "" || factory == nil {
		return fmt.Errorf("state: register %q: tag and factory required", tag)
	}
	if _, exists := r.factories[tag]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, tag)
	}
	r.factories[tag] = factory
	r.order = append(r.order, tag)
	return nil
}

// MustRegister is Register for init-time wiring.
func (r *Registry) MustRegister(tag string, factory Factory) {
	if err := r.Register(tag, factory); err != nil {
		panic(err)
	}
}

// Tags reports registered tags in registration order.
func (r *Registry) Tags() []string {
	return append([]string(nil), r.order...)
}

// New instantiates the module registered under tag.
func (r *Registry) New(tag string) (Module, error) {
	factory, ok := r.factories[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, tag)
	}
	module := factory()
	if module == nil || module.Name() != tag {
		return nil, fmt.Errorf("state: factory for %q built a mismatched module", tag)
	}
	return module, nil
}

// Build instantiates every registered module in registration order.
func (r *Registry) Build() (*Set, error) {
	modules := make([]Module, 0, len(r.order))
	for _, tag := range r.order {
		module, err := r.New(tag)
		if err != nil {
			return nil, err
		}
		modules = append(modules, module)
	}
	return NewSet(modules), nil
}

// Set is an ordered collection of live module instances.
type Set struct {
	modules []Module
	byName  map[string]int
}

// NewSet wraps modules, keeping their order.
func NewSet(modules []Module) *Set {
	s := &Set{modules: modules, byName: make(map[string]int, len(modules))}
	for i, m := range modules {
		s.byName[m.Name()] = i
	}
	return s
}

// Len reports the number of modules.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.modules)
}

// All returns the modules in order.
func (s *Set) All() []Module {
	if s == nil {
		return nil
	}
	return s.modules
}

// Lookup finds a module by name.
func (s *Set) Lookup(name string) (Module, bool) {
	if s == nil {
		return nil, false
	}
	i, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return s.modules[i], true
}

// Names reports module names sorted alphabetically.
func (s *Set) Names() []string {
	names := make([]string, 0, s.Len())
	for _, m := range s.All() {
		names = append(names, m.Name())
	}
	sort.Strings(names)
	return names
}
