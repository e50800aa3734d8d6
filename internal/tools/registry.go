package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/rs/zerolog/log"
)

type entry struct {
	tool   Tool
	schema *Schema
}

// Registry holds named tools in registration order. Thread-safe.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]entry
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool. Names are unique; the parameter schema is compiled
// once here.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool is nil")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	schema, err := CompileSchema(t.Parameters())
	if err != nil {
		return fmt.Errorf("tool %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", contracts.ErrDuplicateName, name)
	}
	r.tools[name] = entry{tool: t, schema: schema}
	r.order = append(r.order, name)
	log.Debug().Str("tool", name).Msg("Tool registered")
	return nil
}

// MustRegister registers every tool and panics on the first failure.
func (r *Registry) MustRegister(ts ...Tool) *Registry {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Resolve returns the tool by name.
func (r *Registry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownTool, name)
	}
	return e.tool, nil
}

// Validate checks raw arguments against the named tool's schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrUnknownTool, name)
	}
	if err := e.schema.ValidateJSON(args); err != nil {
		return fmt.Errorf("tool %q: %w", name, err)
	}
	return nil
}

// DescribeAll returns descriptors for every tool in registration order.
func (r *Registry) DescribeAll() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, Describe(r.tools[name].tool))
	}
	return out
}

// Subset returns descriptors for the named tools, in registration order.
// Unknown names are ignored.
func (r *Registry) Subset(names ...string) []models.ToolDescriptor {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(want))
	for _, name := range r.order {
		if want[name] {
			out = append(out, Describe(r.tools[name].tool))
		}
	}
	return out
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
