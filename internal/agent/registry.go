package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parleyhq/parley/pkg/models"
)

// ToolRegistry manages available tools with thread-safe registration and
// lookup. Tools are registered by name and resolved for execution during
// conversation turns.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates a new empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry by its name, compiling its parameter
// schema for argument validation. A tool with the same name is replaced.
func (r *ToolRegistry) Register(tool Tool) error {
	name := tool.Name()
	var compiled *jsonschema.Schema
	if raw := tool.Schema(); len(raw) > 0 {
		schema, err := jsonschema.CompileString(name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("compile schema for tool %s: %w", name, err)
		}
		compiled = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	if compiled != nil {
		r.schemas[name] = compiled
	} else {
		delete(r.schemas, name)
	}
	return nil
}

// MustRegister is like Register but panics on a schema compilation failure.
// Useful for built-in tools wired at startup.
func (r *ToolRegistry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name and whether it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// ValidateArgs checks arguments against the tool's compiled schema. Tools
// registered without a schema accept any arguments.
func (r *ToolRegistry) ValidateArgs(name string, args []byte) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}

	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("arguments do not match schema for tool %s: %w", name, err)
	}
	return nil
}

// AsModelTools returns all registered tools for passing to model providers.
func (r *ToolRegistry) AsModelTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Descriptors returns the wire representation of all registered tools,
// sorted by name.
func (r *ToolRegistry) Descriptors() []models.ToolDescriptor {
	tools := r.AsModelTools()
	out := make([]models.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, models.ToolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return out
}
