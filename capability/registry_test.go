package capability

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDefine(t *testing.T, name, category, description string) *Capability {
	t.Helper()
	c, err := Define(Spec{Name: name, Category: category, Description: description}, func(ctx context.Context, args map[string]any) (any, error) {
		return name, nil
	})
	require.NoError(t, err)
	return c
}

func TestRegistryListByCategory(t *testing.T) {
	reg := NewRegistry()
	reg.Register(mustDefine(t, "write", "files", ""))
	reg.Register(mustDefine(t, "read", "files", ""))
	reg.Register(mustDefine(t, "fetch", "web", ""))

	names := func(caps []*Capability) []string {
		out := make([]string, 0, len(caps))
		for _, c := range caps {
			out = append(out, c.Name())
		}
		return out
	}

	assert.Equal(t, []string{"read", "write"}, names(reg.ListByCategory("files")))
	assert.Equal(t, []string{"fetch"}, names(reg.ListByCategory("web")))
	assert.Equal(t, []string{"fetch", "read", "write"}, names(reg.ListByCategory(CategoryAll)))
	assert.Empty(t, reg.ListByCategory("nothing"))
	assert.Equal(t, []string{"files", "web"}, reg.Categories())
	assert.Equal(t, 3, reg.Count())
}

func TestRegistryCollisionReplaces(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.Register(mustDefine(t, "dup", "first", "earlier")))
	assert.True(t, reg.Register(mustDefine(t, "dup", "second", "later")))

	c, ok := reg.Get("dup")
	require.True(t, ok)
	assert.Equal(t, "later", c.Descriptor.Description)
	assert.Equal(t, 1, reg.Count())
	assert.Empty(t, reg.ListByCategory("first"))
	assert.Equal(t, []string{"second"}, reg.Categories())
}

func TestDescribeAllIsDeterministic(t *testing.T) {
	build := func(order []string) *Registry {
		reg := NewRegistry()
		for _, n := range order {
			reg.Register(mustDefine(t, n, "misc", "Does "+n+".\nMore detail that stays out of the digest."))
		}
		return reg
	}

	a := build([]string{"zeta", "alpha", "mid"}).DescribeAll()
	b := build([]string{"mid", "zeta", "alpha"}).DescribeAll()

	assert.Equal(t, a, b)
	lines := strings.Split(a, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "- alpha() [misc]: Does alpha.", lines[0])
	assert.NotContains(t, a, "More detail")
}

func TestToolDefinitions(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newEcho(t))
	defs := reg.ToolDefinitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "echo", defs[0].Name)
	assert.Equal(t, "Echo the input text.", defs[0].Description)
	assert.Contains(t, defs[0].Parameters, "properties")
}
