// Package capability holds the capabilities the model can invoke: their
// static descriptors, the registry that indexes them, and the dispatcher
// that executes call requests found in a model response.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Parameter types understood by the dispatcher when coercing arguments.
const (
	TypeAny     = "any"
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// DefaultCategory is assigned to capabilities that declare none.
const DefaultCategory = "unknown"

// Descriptor is the immutable metadata of one capability.
type Descriptor struct {
	Name string
	// Parameters maps parameter name to declared type, in declaration order.
	Parameters  *orderedmap.OrderedMap[string, string]
	Required    []string
	Description string
	Category    string
	// Schema is the JSON Schema of the argument object.
	Schema map[string]any
}

// Handler is the implementation behind a capability. args has already been
// coerced and validated against the capability's schema.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Capability couples a Descriptor with its implementation.
type Capability struct {
	Descriptor Descriptor
	// Timeout overrides the dispatcher's per-call timeout when positive.
	Timeout time.Duration

	handler   Handler
	validator *jsonschema.Schema
}

// Name returns the capability name.
func (c *Capability) Name() string { return c.Descriptor.Name }

// Param declares one parameter for Define.
type Param struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// Spec declares a capability for Define.
type Spec struct {
	Name        string
	Description string
	Category    string
	Params      []Param
	Timeout     time.Duration
}

// Define builds a capability from an explicit parameter list. Parameters
// without a type are typed "any".
func Define(spec Spec, handler Handler) (*Capability, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("capability name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("capability %s: handler is required", spec.Name)
	}

	params := orderedmap.New[string, string]()
	props := make(map[string]any, len(spec.Params))
	required := []string{}
	for _, p := range spec.Params {
		if p.Name == "" {
			return nil, fmt.Errorf("capability %s: parameter without name", spec.Name)
		}
		typ := strings.ToLower(strings.TrimSpace(p.Type))
		if typ == "" {
			typ = TypeAny
		}
		if !knownType(typ) {
			return nil, fmt.Errorf("capability %s: parameter %s has unknown type %q", spec.Name, p.Name, p.Type)
		}
		params.Set(p.Name, typ)

		prop := map[string]any{}
		if typ != TypeAny {
			prop["type"] = typ
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
	return build(spec.Name, spec.Description, spec.Category, spec.Timeout, params, required, schema, handler)
}

// Func builds a capability from a typed argument struct. The parameter
// schema is reflected from A using its json tags; jsonschema tags add
// descriptions. Fields without omitempty are required.
func Func[A any](name, description, category string, fn func(ctx context.Context, args A) (any, error)) (*Capability, error) {
	r := &invopop.Reflector{DoNotReference: true, ExpandedStruct: true}
	reflected := r.Reflect(new(A))

	params := orderedmap.New[string, string]()
	if reflected.Properties != nil {
		for pair := reflected.Properties.Oldest(); pair != nil; pair = pair.Next() {
			typ := TypeAny
			if pair.Value != nil && pair.Value.Type != "" {
				typ = pair.Value.Type
			}
			params.Set(pair.Key, typ)
		}
	}

	raw, err := json.Marshal(reflected)
	if err != nil {
		return nil, fmt.Errorf("capability %s: marshal schema: %w", name, err)
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("capability %s: decode schema: %w", name, err)
	}
	delete(schema, "$schema")
	delete(schema, "$id")

	required := append([]string{}, reflected.Required...)

	handler := func(ctx context.Context, args map[string]any) (any, error) {
		var a A
		buf, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(buf, &a); err != nil {
			return nil, err
		}
		return fn(ctx, a)
	}
	return build(name, description, category, 0, params, required, schema, handler)
}

func build(name, description, category string, timeout time.Duration, params *orderedmap.OrderedMap[string, string], required []string, schema map[string]any, handler Handler) (*Capability, error) {
	if description == "" {
		description = "Capability " + name
	}
	if category == "" {
		category = DefaultCategory
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("capability %s: marshal schema: %w", name, err)
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("capability %s: compile schema: %w", name, err)
	}

	return &Capability{
		Descriptor: Descriptor{
			Name:        name,
			Parameters:  params,
			Required:    required,
			Description: description,
			Category:    category,
			Schema:      schema,
		},
		Timeout:   timeout,
		handler:   handler,
		validator: compiled,
	}, nil
}

func knownType(t string) bool {
	switch t {
	case TypeAny, TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		return true
	}
	return false
}

// Signature renders "name(param: type, ...)" with optional parameters
// marked by a trailing "?".
func (d Descriptor) Signature() string {
	req := make(map[string]bool, len(d.Required))
	for _, r := range d.Required {
		req[r] = true
	}
	var parts []string
	if d.Parameters != nil {
		for pair := d.Parameters.Oldest(); pair != nil; pair = pair.Next() {
			name := pair.Key
			if !req[name] {
				name += "?"
			}
			parts = append(parts, name+": "+pair.Value)
		}
	}
	return d.Name + "(" + strings.Join(parts, ", ") + ")"
}
