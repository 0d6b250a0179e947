// Package params validates and coerces caller-supplied parameter bags against
// a declared schema before any request is built.
package params

import (
	"encoding/json"
	"fmt"
)

// Kind is the declared type of a parameter.
type Kind int

const (
	String Kind = iota
	Int
	Float
	Bool
	JSON
	Enum
	File
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Int:
		return "integer"
	case Float:
		return "number"
	case Bool:
		return "boolean"
	case JSON:
		return "json"
	case Enum:
		return "enum"
	case File:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// BoundPolicy decides what happens to an out-of-range number.
type BoundPolicy int

const (
	// Clamp pulls the value to the nearest bound.
	Clamp BoundPolicy = iota
	// Reject fails validation.
	Reject
)

// Bounds is an inclusive numeric range.
type Bounds struct {
	Min    float64
	Max    float64
	Policy BoundPolicy
}

// Between is shorthand for an inclusive range with a policy.
func Between(min, max float64, policy BoundPolicy) *Bounds {
	return &Bounds{Min: min, Max: max, Policy: policy}
}

// Field declares one parameter.
type Field struct {
	Name        string
	Kind        Kind
	Required    bool
	Default     any
	Enum        []string
	Bounds      *Bounds
	JSONSchema  json.RawMessage // optional, for Kind JSON
	Description string
}

// Schema is the ordered parameter declaration of an adapter.
type Schema struct {
	Fields []Field
}

// Field returns the declaration named name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// JSONSchema renders the schema as a JSON Schema object for discovery
// endpoints and tool listings.
func (s Schema) JSONSchema() json.RawMessage {
	props := make(map[string]any, len(s.Fields))
	required := []string{}
	for _, f := range s.Fields {
		p := map[string]any{}
		switch f.Kind {
		case String:
			p["type"] = "string"
		case Int:
			p["type"] = "integer"
		case Float:
			p["type"] = "number"
		case Bool:
			p["type"] = "boolean"
		case Enum:
			p["type"] = "string"
			p["enum"] = f.Enum
		case JSON:
			if len(f.JSONSchema) > 0 {
				var nested map[string]any
				if err := json.Unmarshal(f.JSONSchema, &nested); err == nil {
					p = nested
				}
			}
		case File:
			p["type"] = "object"
			p["properties"] = map[string]any{
				"url":       map[string]any{"type": "string"},
				"filename":  map[string]any{"type": "string"},
				"mime_type": map[string]any{"type": "string"},
			}
		}
		if f.Bounds != nil {
			p["minimum"] = f.Bounds.Min
			p["maximum"] = f.Bounds.Max
		}
		if f.Default != nil {
			p["default"] = f.Default
		}
		if f.Description != "" {
			p["description"] = f.Description
		}
		props[f.Name] = p
		if f.Required {
			required = append(required, f.Name)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
	out, _ := json.Marshal(doc)
	return out
}
