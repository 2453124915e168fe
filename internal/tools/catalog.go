// Package tools provides the tool catalog: descriptors with JSON-schema
// argument contracts, permission classification, a layered allow/deny
// policy, persistent approval grants, and a retrying executor.
package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Permission classifies what a tool may do. Ordering: read < write <
// send = admin.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionSend  Permission = "send"
	PermissionAdmin Permission = "admin"
)

// Tier is the active permission level of a channel or agent.
type Tier int

const (
	TierNone Tier = iota
	TierObserve
	TierInteract
	TierFull
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierObserve:
		return "observe"
	case TierInteract:
		return "interact"
	case TierFull:
		return "full"
	default:
		return "unknown"
	}
}

// MinTierFor returns the lowest tier at which a permission class is
// visible.
func MinTierFor(p Permission) Tier {
	switch p {
	case PermissionRead:
		return TierObserve
	case PermissionWrite:
		return TierInteract
	case PermissionSend, PermissionAdmin:
		return TierFull
	default:
		return TierFull
	}
}

// Func executes a tool with decoded arguments and returns a result
// string.
type Func func(args map[string]any) (string, error)

// Descriptor describes one registered tool.
type Descriptor struct {
	// Name is the unique tool name presented to the model.
	Name string

	// Description tells the model what the tool does.
	Description string

	// Parameters is the JSON-schema object for the tool's arguments,
	// exported verbatim to the LLM wire format.
	Parameters map[string]any

	// Permission classifies the tool for tier filtering.
	Permission Permission

	// RequiresApproval marks tools that need an explicit user grant
	// before first execution.
	RequiresApproval bool

	// Fn is the execution function.
	Fn Func

	schema *jsonschema.Schema
}

// compileSchema compiles the Parameters object for validation. A nil
// Parameters map means any argument object is accepted.
func (d *Descriptor) compileSchema() error {
	if d.Parameters == nil {
		return nil
	}
	raw, err := json.Marshal(d.Parameters)
	if err != nil {
		return fmt.Errorf("tools: marshal schema for %s: %w", d.Name, err)
	}
	schema, err := jsonschema.CompileString(d.Name+".schema.json", string(raw))
	if err != nil {
		return fmt.Errorf("tools: compile schema for %s: %w", d.Name, err)
	}
	d.schema = schema
	return nil
}

// validate checks decoded arguments against the compiled schema.
func (d *Descriptor) validate(args map[string]any) error {
	if d.schema == nil {
		return nil
	}
	// jsonschema validates the generic JSON representation.
	generic := make(map[string]any, len(args))
	for k, v := range args {
		generic[k] = v
	}
	return d.schema.Validate(generic)
}

// Catalog holds registered tools with thread-safe lookup.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]*Descriptor
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{tools: make(map[string]*Descriptor)}
}

// Register adds a tool, compiling its argument schema. A tool with the
// same name is replaced.
func (c *Catalog) Register(d *Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("tools: register: missing name")
	}
	if d.Fn == nil {
		return fmt.Errorf("tools: register %s: missing function", d.Name)
	}
	if d.Permission == "" {
		d.Permission = PermissionRead
	}
	if err := d.compileSchema(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[d.Name] = d
	return nil
}

// Get returns a tool by name.
func (c *Catalog) Get(name string) (*Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.tools[name]
	return d, ok
}

// Names returns all registered tool names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VisibleAt returns the names of tools whose permission class is visible
// at the given tier, sorted.
func (c *Catalog) VisibleAt(tier Tier) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var names []string
	for name, d := range c.tools {
		if MinTierFor(d.Permission) <= tier {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Descriptors resolves a list of names to descriptors, preserving order.
// Unknown names are skipped.
func (c *Catalog) Descriptors(names []string) []*Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Descriptor, 0, len(names))
	for _, name := range names {
		if d, ok := c.tools[name]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Restrict returns a new catalog containing only the named tools.
// Missing names are dropped, not errors.
func (c *Catalog) Restrict(names []string) *Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	restricted := NewCatalog()
	for _, name := range names {
		if d, ok := c.tools[name]; ok {
			restricted.tools[name] = d
		}
	}
	return restricted
}
