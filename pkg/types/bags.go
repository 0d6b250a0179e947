// Package types defines the values that cross the adapter boundary: parameter
// and credential bags, output messages, and the error taxonomy.
package types

import (
	"log/slog"
	"maps"
	"slices"
	"strings"
)

// ParameterBag is the caller-supplied argument map for one invocation.
// Values are strings, numbers, booleans, FileRef values or nested JSON.
type ParameterBag map[string]any

// Clone returns a shallow copy.
func (p ParameterBag) Clone() ParameterBag {
	if p == nil {
		return ParameterBag{}
	}
	return maps.Clone(p)
}

// FileRef is a file-valued parameter. Either URL or Data is set.
type FileRef struct {
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// CredentialBag is a read-only view of provider secrets scoped to one
// invocation. The zero value is an empty bag.
type CredentialBag struct {
	fields map[string]string
}

// NewCredentialBag copies m into a new bag.
func NewCredentialBag(m map[string]string) CredentialBag {
	fields := make(map[string]string, len(m))
	for k, v := range m {
		fields[k] = v
	}
	return CredentialBag{fields: fields}
}

// Get returns the trimmed value of name, or "".
func (c CredentialBag) Get(name string) string {
	return strings.TrimSpace(c.fields[name])
}

// Lookup reports whether name is present and non-blank.
func (c CredentialBag) Lookup(name string) (string, bool) {
	v := c.Get(name)
	return v, v != ""
}

// Require returns a ConfigurationError naming every blank field.
func (c CredentialBag) Require(names ...string) error {
	var missing []string
	for _, n := range names {
		if _, ok := c.Lookup(n); !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return &ConfigurationError{Fields: missing}
	}
	return nil
}

// With returns a copy of the bag with name set to value. The receiver is
// never modified.
func (c CredentialBag) With(name, value string) CredentialBag {
	fields := make(map[string]string, len(c.fields)+1)
	for k, v := range c.fields {
		fields[k] = v
	}
	fields[name] = value
	return CredentialBag{fields: fields}
}

// Merge returns a copy with every field of other layered over c.
func (c CredentialBag) Merge(other CredentialBag) CredentialBag {
	out := c
	for k, v := range other.fields {
		out = out.With(k, v)
	}
	return out
}

// Names returns the sorted field names.
func (c CredentialBag) Names() []string {
	return slices.Sorted(maps.Keys(c.fields))
}

// Len returns the number of fields.
func (c CredentialBag) Len() int { return len(c.fields) }

// Map returns a copy of the underlying fields, for persistence only.
func (c CredentialBag) Map() map[string]string {
	return maps.Clone(c.fields)
}

// LogValue prints field names, never values.
func (c CredentialBag) LogValue() slog.Value {
	return slog.StringValue("credentials[" + strings.Join(c.Names(), ",") + "]")
}
