package channel

import (
	"fmt"
	"sort"
)

// Registry is the explicit plugin table. It is built once at startup
// with every adapter the binary ships; there is no self-registration
// through package init side effects, so the set of channels is visible
// at the construction site.
type Registry struct {
	plugins map[Name]Plugin
}

// NewRegistry builds a registry from the given plugins. Duplicate
// channel names are a programming error and panic.
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[Name]Plugin, len(plugins))}
	for _, p := range plugins {
		name := p.Channel()
		if _, dup := r.plugins[name]; dup {
			panic(fmt.Sprintf("channel: duplicate plugin for %q", name))
		}
		r.plugins[name] = p
	}
	return r
}

// Get returns the plugin for name.
func (r *Registry) Get(name Name) (Plugin, error) {
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("no plugin for channel %q", name)
	}
	return p, nil
}

// Names returns the registered channel names in stable order.
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
