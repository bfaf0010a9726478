package capability

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/martinemde/stagehand/unifiedllm"
)

// CategoryAll selects every capability in ListByCategory.
const CategoryAll = "all"

// Registry indexes capabilities by name and category.
type Registry struct {
	mu         sync.RWMutex
	byName     map[string]*Capability
	byCategory map[string][]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:     make(map[string]*Capability),
		byCategory: make(map[string][]string),
	}
}

// Register adds c, replacing any capability already registered under the
// same name. It reports whether a replacement happened.
func (r *Registry) Register(c *Capability) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Descriptor.Name
	prev, replaced := r.byName[name]
	if replaced {
		r.removeFromCategory(prev.Descriptor.Category, name)
	}
	r.byName[name] = c
	cat := c.Descriptor.Category
	r.byCategory[cat] = append(r.byCategory[cat], name)
	return replaced
}

func (r *Registry) removeFromCategory(cat, name string) {
	names := r.byCategory[cat]
	for i, n := range names {
		if n == name {
			r.byCategory[cat] = append(names[:i:i], names[i+1:]...)
			break
		}
	}
	if len(r.byCategory[cat]) == 0 {
		delete(r.byCategory, cat)
	}
}

// Get returns the capability registered under name.
func (r *Registry) Get(name string) (*Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

// ListByCategory returns the capabilities in category, or all of them for
// CategoryAll, sorted by name.
func (r *Registry) ListByCategory(category string) []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Capability
	if category == CategoryAll {
		out = make([]*Capability, 0, len(r.byName))
		for _, c := range r.byName {
			out = append(out, c)
		}
	} else {
		for _, name := range r.byCategory[category] {
			out = append(out, r.byName[name])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.Name < out[j].Descriptor.Name })
	return out
}

// DescribeAll returns one line per capability, sorted by name, for use in
// prompts.
func (r *Registry) DescribeAll() string {
	return Describe(r.ListByCategory(CategoryAll))
}

// Describe renders caps the way DescribeAll does.
func Describe(caps []*Capability) string {
	var sb strings.Builder
	for _, c := range caps {
		fmt.Fprintf(&sb, "- %s [%s]: %s\n", c.Descriptor.Signature(), c.Descriptor.Category, firstLine(c.Descriptor.Description))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ToolDefinitions returns the model-facing definitions of every capability.
func (r *Registry) ToolDefinitions() []unifiedllm.ToolDefinition {
	caps := r.ListByCategory(CategoryAll)
	defs := make([]unifiedllm.ToolDefinition, 0, len(caps))
	for _, c := range caps {
		defs = append(defs, unifiedllm.ToolDefinition{
			Name:        c.Descriptor.Name,
			Description: c.Descriptor.Description,
			Parameters:  c.Descriptor.Schema,
		})
	}
	return defs
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Categories returns all categories in use, sorted.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cats := make([]string, 0, len(r.byCategory))
	for cat := range r.byCategory {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	return cats
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
