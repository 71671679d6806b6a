package loader

import (
	"sort"
	"strings"

	"github.com/dop251/goja"
)

// Module is one loaded file: either a top-level unit or a submodule pulled
// in through require.
type Module struct {
	ID   string
	Path string

	// Unit is the top-level module this one was loaded for; nil for units.
	Unit *Module

	object *goja.Object
	hooks  Runnable
}

// IsUnit reports whether m is a top-level script unit.
func (m *Module) IsUnit() bool {
	return m.Unit == nil
}

// Exports returns the module's current exports value.
func (m *Module) Exports() goja.Value {
	if m.object == nil {
		return goja.Undefined()
	}
	return m.object.Get("exports")
}

func (m *Module) root() *Module {
	if m.Unit != nil {
		return m.Unit
	}
	return m
}

// Registry maps identities to loaded modules.
//
// A Registry has exactly one mutator, the loader, which only runs on the
// host's main thread, so it carries no lock. Readers on other goroutines
// must go through the runner.
type Registry struct {
	modules map[string]*Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// Lookup returns the module registered under id.
func (r *Registry) Lookup(id string) (*Module, bool) {
	m, ok := r.modules[id]
	return m, ok
}

// Put registers m, replacing any module under the same identity.
func (r *Registry) Put(m *Module) {
	r.modules[m.ID] = m
}

// Remove drops the module registered under id.
func (r *Registry) Remove(id string) {
	delete(r.modules, id)
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	return len(r.modules)
}

// Names returns every registered identity, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.modules))
	for id := range r.modules {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

// Units returns the registered top-level units, sorted by identity.
func (r *Registry) Units() []*Module {
	var units []*Module
	for _, id := range r.Names() {
		if m := r.modules[id]; m.IsUnit() {
			units = append(units, m)
		}
	}
	return units
}

// Submodules returns the sorted identities registered under "<id>.".
func (r *Registry) Submodules(id string) []string {
	prefix := id + "."
	var out []string
	for _, name := range r.Names() {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

// UnloadSubmodules removes every module whose identity starts with "<id>."
// unless the remainder after the dot starts with one of preserved. It
// returns the removed identities, sorted.
func (r *Registry) UnloadSubmodules(id string, preserved []string) []string {
	prefix := id + "."
	var removed []string
	for _, name := range r.Submodules(id) {
		if hasAnyPrefix(strings.TrimPrefix(name, prefix), preserved) {
			continue
		}
		delete(r.modules, name)
		removed = append(removed, name)
	}
	return removed
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
