package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/bturcanu/plugwire/pkg/types"
	"github.com/spf13/cast"
	"github.com/xeipuuv/gojsonschema"
)

// Values is a validated, coerced parameter set. It is read-only.
type Values struct {
	m map[string]any
}

// Validate checks bag against s and returns coerced values. It is a pure
// function: bag is not modified, and the first failing field (in declaration
// order) is reported as a *types.ValidationError.
func Validate(bag types.ParameterBag, s Schema) (Values, error) {
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		raw, present := bag[f.Name]
		if !present || isBlank(raw) {
			if f.Required {
				return Values{}, types.Required(f.Name)
			}
			if f.Default == nil {
				continue
			}
			raw = f.Default
		}
		v, err := coerce(f, raw)
		if err != nil {
			return Values{}, err
		}
		out[f.Name] = v
	}
	return Values{m: out}, nil
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	default:
		return false
	}
}

func invalid(f Field, format string, args ...any) error {
	return &types.ValidationError{Field: f.Name, Reason: fmt.Sprintf(format, args...)}
}

func coerce(f Field, raw any) (any, error) {
	switch f.Kind {
	case String:
		switch raw.(type) {
		case map[string]any, []any:
			return nil, invalid(f, "must be a string.")
		}
		s, err := cast.ToStringE(raw)
		if err != nil {
			return nil, invalid(f, "must be a string.")
		}
		return s, nil

	case Int:
		n, err := toInt64(raw)
		if err != nil {
			return nil, invalid(f, "must be an integer.")
		}
		bounded, err := applyBounds(f, float64(n))
		if err != nil {
			return nil, err
		}
		return int64(bounded), nil

	case Float:
		n, err := toFloat64(raw)
		if err != nil {
			return nil, invalid(f, "must be a number.")
		}
		return applyBounds(f, n)

	case Bool:
		b, err := cast.ToBoolE(trimmed(raw))
		if err != nil {
			return nil, invalid(f, "must be a boolean.")
		}
		return b, nil

	case Enum:
		s, err := cast.ToStringE(raw)
		if err != nil {
			return nil, invalid(f, "must be one of: %s.", strings.Join(f.Enum, ", "))
		}
		s = strings.TrimSpace(s)
		for _, allowed := range f.Enum {
			if s == allowed {
				return s, nil
			}
		}
		return nil, invalid(f, "must be one of: %s (got %q).", strings.Join(f.Enum, ", "), s)

	case JSON:
		v := raw
		if s, ok := raw.(string); ok {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err != nil {
				return nil, invalid(f, "is not valid JSON: %v", err)
			}
			v = decoded
		}
		if len(f.JSONSchema) > 0 {
			if err := checkSchema(f, v); err != nil {
				return nil, err
			}
		}
		return v, nil

	case File:
		ref, ok := toFileRef(raw)
		if !ok {
			return nil, invalid(f, "must be a file reference.")
		}
		return ref, nil

	default:
		return nil, invalid(f, "has unsupported kind %s.", f.Kind)
	}
}

var errNotDecimal = errors.New("not a base-10 number")

// Strings are read as base-10 only: "010" is ten and "0x20" is rejected.
// Other values go through cast.
func toInt64(raw any) (int64, error) {
	s, ok := raw.(string)
	if !ok {
		return cast.ToInt64E(raw)
	}
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	x, err := parseDecimal(s)
	if err != nil || x != math.Trunc(x) || x >= math.MaxInt64 || x < math.MinInt64 {
		return 0, errNotDecimal
	}
	return int64(x), nil
}

func toFloat64(raw any) (float64, error) {
	s, ok := raw.(string)
	if !ok {
		return cast.ToFloat64E(raw)
	}
	return parseDecimal(strings.TrimSpace(s))
}

func parseDecimal(s string) (float64, error) {
	if strings.ContainsAny(s, "xXpP_") {
		return 0, errNotDecimal
	}
	x, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, errNotDecimal
	}
	return x, nil
}

func trimmed(v any) any {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return v
}

func applyBounds(f Field, n float64) (float64, error) {
	b := f.Bounds
	if b == nil || (n >= b.Min && n <= b.Max) {
		return n, nil
	}
	if b.Policy == Reject {
		return 0, invalid(f, "must be between %g and %g.", b.Min, b.Max)
	}
	if n < b.Min {
		return b.Min, nil
	}
	return b.Max, nil
}

func toFileRef(v any) (types.FileRef, bool) {
	switch t := v.(type) {
	case types.FileRef:
		return t, t.URL != "" || len(t.Data) > 0
	case *types.FileRef:
		if t == nil {
			return types.FileRef{}, false
		}
		return *t, t.URL != "" || len(t.Data) > 0
	case string:
		return types.FileRef{URL: strings.TrimSpace(t)}, true
	case map[string]any:
		ref := types.FileRef{
			URL:      cast.ToString(t["url"]),
			Filename: cast.ToString(t["filename"]),
			MimeType: cast.ToString(t["mime_type"]),
		}
		return ref, ref.URL != ""
	default:
		return types.FileRef{}, false
	}
}

var schemaCache sync.Map // string(schema) -> *gojsonschema.Schema

func checkSchema(f Field, v any) error {
	key := string(f.JSONSchema)
	cached, ok := schemaCache.Load(key)
	if !ok {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(f.JSONSchema))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", f.Name, err)
		}
		cached, _ = schemaCache.LoadOrStore(key, compiled)
	}
	result, err := cached.(*gojsonschema.Schema).Validate(gojsonschema.NewGoLoader(v))
	if err != nil {
		return invalid(f, "could not be checked: %v", err)
	}
	if result.Valid() {
		return nil
	}
	descs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		descs = append(descs, e.String())
	}
	return invalid(f, "does not match the expected shape: %s", strings.Join(descs, "; "))
}

// ──────────────────────────────────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────────────────────────────────

// Has reports whether name was supplied or defaulted.
func (v Values) Has(name string) bool {
	_, ok := v.m[name]
	return ok
}

// String returns a String or Enum value, or "".
func (v Values) String(name string) string {
	s, _ := v.m[name].(string)
	return s
}

// Int returns an Int value, or 0.
func (v Values) Int(name string) int64 {
	n, _ := v.m[name].(int64)
	return n
}

// Float returns a Float value, or 0.
func (v Values) Float(name string) float64 {
	n, _ := v.m[name].(float64)
	return n
}

// Bool returns a Bool value, or false.
func (v Values) Bool(name string) bool {
	b, _ := v.m[name].(bool)
	return b
}

// JSON returns the decoded value of a JSON parameter.
func (v Values) JSON(name string) any {
	return v.m[name]
}

// File returns a File value.
func (v Values) File(name string) (types.FileRef, bool) {
	ref, ok := v.m[name].(types.FileRef)
	return ref, ok
}

// Map returns a copy of all values, for audit digests.
func (v Values) Map() map[string]any {
	out := make(map[string]any, len(v.m))
	for k, val := range v.m {
		out[k] = val
	}
	return out
}
