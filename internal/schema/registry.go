package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownType is returned when a type name is not registered.
var ErrUnknownType = errors.New("unknown type")

// Registry holds type definitions by name. It replaces a process-wide table:
// callers create one and hand it to whatever needs to resolve types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*TypeDef
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*TypeDef)}
}

// Register adds td. Names must be unique.
func (r *Registry) Register(td *TypeDef) error {
	if td == nil {
		return errors.New("nil type definition")
	}
	if err := td.Check(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[td.Name]; exists {
		return fmt.Errorf("type %s already registered", td.Name)
	}
	r.types[td.Name] = td
	return nil
}

// Resolve returns the type registered under name.
func (r *Registry) Resolve(name string) (*TypeDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	td, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return td, nil
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Normalizer returns the string normaliser registered under name.
func Normalizer(name string) (func(string) string, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return nil, nil
	case "lower":
		return strings.ToLower, nil
	case "trim":
		return strings.TrimSpace, nil
	case "lower_trim", "trim_lower":
		return func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }, nil
	default:
		return nil, fmt.Errorf("unknown normalizer %q", name)
	}
}
