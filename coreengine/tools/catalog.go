// Package tools provides the tool catalog: descriptions rendered into model
// prompts and the tool/memory classification used for channel routing.
//
// Tools are executed outside the core. The catalog only describes them.
package tools

import (
	"fmt"
	"sort"
	"sync"
)

// Kind classifies where a tool call is dispatched.
type Kind string

const (
	// KindTool calls go to the tool channel.
	KindTool Kind = "tool"
	// KindMemory calls go to the memory channel.
	KindMemory Kind = "memory"
)

// ToolDefinition defines a tool's metadata.
type ToolDefinition struct {
	Name        string
	Description string
	Kind        Kind
	RiskLevel   string         // "low", "medium", "high"
	Parameters  map[string]any // JSON schema for input, optional
}

// Catalog holds tool definitions by name.
type Catalog struct {
	tools map[string]*ToolDefinition
	mu    sync.RWMutex
}

// NewCatalog creates a new Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		tools: make(map[string]*ToolDefinition),
	}
}

// Register registers a tool. Re-registering a name replaces it.
func (c *Catalog) Register(def *ToolDefinition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	switch def.Kind {
	case "":
		def.Kind = KindTool
	case KindTool, KindMemory:
	default:
		return fmt.Errorf("tool %q has unknown kind %q", def.Name, def.Kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.tools[def.Name] = def
	return nil
}

// Has checks if a tool is registered.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.tools[name]
	return exists
}

// Get gets a tool definition by name, or nil.
func (c *Catalog) Get(name string) *ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools[name]
}

// IsMemory reports whether name is registered as a memory-class tool.
func (c *Catalog) IsMemory(name string) bool {
	if c == nil {
		return false
	}
	def := c.Get(name)
	return def != nil && def.Kind == KindMemory
}

// List returns all registered tool names, sorted.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns a definition for every name, in order. Names without a
// catalog entry get a bare definition of KindTool.
func (c *Catalog) Describe(names []string) []ToolDefinition {
	result := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		var def *ToolDefinition
		if c != nil {
			def = c.Get(name)
		}
		if def == nil {
			result = append(result, ToolDefinition{Name: name, Kind: KindTool})
			continue
		}
		result = append(result, *def)
	}
	return result
}

// ToolRegistry is an interface for tool registration and lookup.
type ToolRegistry interface {
	Register(def *ToolDefinition) error
	Has(name string) bool
	IsMemory(name string) bool
	Describe(names []string) []ToolDefinition
}

// Ensure Catalog implements ToolRegistry
var _ ToolRegistry = (*Catalog)(nil)
