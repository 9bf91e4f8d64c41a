package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Connector is the consumed contract of one external integration. Both
// lookups are side-effect-free and cheap; the pipeline never enumerates the
// registry on the hot path.
type Connector interface {
	ID() string
	Tool(name string) (*ToolSpec, bool)
	Tools() []*ToolSpec
}

// Registry maps connector identifiers to connectors. Constructed once at
// process start and injected into the pipeline entry point; reset only in
// test harnesses.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector. Re-registering an id is a programming error.
func (r *Registry) Register(c Connector) error {
	if c == nil || c.ID() == "" {
		return fmt.Errorf("registry: connector must have an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.connectors[c.ID()]; dup {
		return fmt.Errorf("registry: connector %q already registered", c.ID())
	}
	r.connectors[c.ID()] = c
	return nil
}

// Get looks up a connector by id.
func (r *Registry) Get(id string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	return c, ok
}

// IDs returns the registered connector ids, sorted. Admin surfaces only.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.connectors))
	for id := range r.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StaticConnector is the standard Connector implementation for connectors
// whose tool set is fixed at construction.
type StaticConnector struct {
	id    string
	tools map[string]*ToolSpec
	order []string
}

// NewStaticConnector builds a connector from the given tool specs.
func NewStaticConnector(id string, tools ...*ToolSpec) (*StaticConnector, error) {
	if id == "" {
		return nil, fmt.Errorf("registry: connector id must not be empty")
	}
	c := &StaticConnector{id: id, tools: make(map[string]*ToolSpec, len(tools))}
	for _, t := range tools {
		if _, dup := c.tools[t.Name]; dup {
			return nil, fmt.Errorf("registry: connector %q declares tool %q twice", id, t.Name)
		}
		c.tools[t.Name] = t
		c.order = append(c.order, t.Name)
	}
	return c, nil
}

func (c *StaticConnector) ID() string { return c.id }

func (c *StaticConnector) Tool(name string) (*ToolSpec, bool) {
	t, ok := c.tools[name]
	return t, ok
}

func (c *StaticConnector) Tools() []*ToolSpec {
	out := make([]*ToolSpec, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name])
	}
	return out
}
