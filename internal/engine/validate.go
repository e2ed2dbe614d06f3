// Checks candidate records against their model's field specs.

package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/monou-jp/Shelflet/internal/schema"
)

// coercers dispatches type coercion by field-kind tag. Each coercer returns
// the canonical in-memory value, or false when the input cannot represent the
// declared type.
var coercers = map[schema.FieldType]func(*schema.Field, any) (any, bool){
	schema.FieldText:      coerceText,
	schema.FieldNumber:    coerceNumber,
	schema.FieldBoolean:   coerceBoolean,
	schema.FieldDate:      coerceDate,
	schema.FieldReference: coerceReference,
}

func coerceText(_ *schema.Field, v any) (any, bool) {
	s, ok := v.(string)
	return s, ok
}

// coerceNumber canonicalizes numeric inputs: whole values become int64,
// fractional values float64. Numeric strings are parsed the same way.
func coerceNumber(_ *schema.Field, v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) && n >= math.MinInt64 && n <= math.MaxInt64 {
			return int64(n), true
		}
		return n, true
	case json.Number:
		return coerceNumber(nil, string(n))
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return coerceNumber(nil, f)
		}
		return nil, false
	default:
		return nil, false
	}
}

func coerceBoolean(_ *schema.Field, v any) (any, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch b {
		case "true", "1", "on":
			return true, true
		case "false", "0", "off", "":
			return false, true
		}
		return nil, false
	default:
		return nil, false
	}
}

// dateLayouts are the accepted textual date forms, tried in order.
var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04", "2006-01-02"}

func coerceDate(_ *schema.Field, v any) (any, bool) {
	switch d := v.(type) {
	case time.Time:
		return d, true
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, d); err == nil {
				return t, true
			}
		}
		return nil, false
	default:
		return nil, false
	}
}

// coerceReference accepts the integer forms a record identifier arrives in:
// native ints, whole floats (JSON), json.Number, and decimal strings.
func coerceReference(_ *schema.Field, v any) (any, bool) {
	switch id := v.(type) {
	case int:
		return int64(id), true
	case int64:
		return id, true
	case float64:
		if id != math.Trunc(id) {
			return nil, false
		}
		return int64(id), true
	case json.Number:
		i, err := id.Int64()
		if err != nil {
			return nil, false
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, false
		}
		return i, true
	default:
		return nil, false
	}
}

// coerceID narrows coerceReference to int64 for relation values.
func coerceID(v any) (int64, bool) {
	c, ok := coerceReference(nil, v)
	if !ok {
		return 0, false
	}
	return c.(int64), true
}

// isNull treats nil and the empty string as absent. Forms submit "" for
// every untouched input, so empty means missing in every field type.
func isNull(_ *schema.Field, v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// validateField coerces and checks one present value against its spec.
func validateField(f *schema.Field, v any, verr *ValidationError) (any, bool) {
	coerced, ok := coercers[f.Type](f, v)
	if !ok {
		verr.add(f.Name, CodeTypeMismatch, "expected %s, got %T", f.Type, v)
		return nil, false
	}
	if f.Type == schema.FieldText && f.MaxLength > 0 {
		if s := coerced.(string); len([]rune(s)) > f.MaxLength {
			verr.add(f.Name, CodeCustomRule, "at most %d characters", f.MaxLength)
			return nil, false
		}
	}
	if f.Validate != nil {
		if err := f.Validate(coerced); err != nil {
			verr.add(f.Name, CodeCustomRule, "%v", err)
			return nil, false
		}
	}
	return coerced, true
}

// validateFields checks candidate scalar values against the model's field
// specs. With partial unset, every declared field is checked: required
// fields must be present, absent optional fields are filled with their
// default. With partial set, only the provided keys are checked.
//
// All fields are checked before returning; the complete error list comes
// back rather than the first problem.
func validateFields(md *schema.Model, data map[string]any, partial bool) (map[string]any, *ValidationError) {
	verr := &ValidationError{Model: md.Name}
	out := make(map[string]any, len(md.Fields))

	if partial {
		for name, v := range data {
			f, ok := md.Field(name)
			if !ok {
				verr.add(name, CodeUnknownField, "no such field on %s", md.Name)
				continue
			}
			if isNull(f, v) {
				if f.Required {
					verr.add(name, CodeRequired, "%s is required", name)
					continue
				}
				out[name] = nil
				continue
			}
			if coerced, ok := validateField(f, v, verr); ok {
				out[name] = coerced
			}
		}
		if len(verr.Errors) > 0 {
			return nil, verr
		}
		return out, nil
	}

	for name := range data {
		if _, ok := md.Field(name); !ok {
			verr.add(name, CodeUnknownField, "no such field on %s", md.Name)
		}
	}
	for i := range md.Fields {
		f := &md.Fields[i]
		v, present := data[f.Name]
		if !present || isNull(f, v) {
			if f.Default != nil {
				coerced, ok := coercers[f.Type](f, f.Default)
				if !ok {
					verr.add(f.Name, CodeTypeMismatch, "default is not a valid %s", f.Type)
					continue
				}
				out[f.Name] = coerced
				continue
			}
			if f.Required {
				verr.add(f.Name, CodeRequired, "%s is required", f.Name)
			}
			continue
		}
		if coerced, ok := validateField(f, v, verr); ok {
			out[f.Name] = coerced
		}
	}
	if len(verr.Errors) > 0 {
		return nil, verr
	}
	return out, nil
}

// normalizeFields re-applies coercion to a record loaded from the store so
// blob representations (json.Number, ISO date strings) become canonical
// in-memory values. Unknown leftovers from older schema revisions pass
// through unchanged.
func normalizeFields(md *schema.Model, r *Record) {
	for name, v := range r.Fields {
		f, ok := md.Field(name)
		if !ok || v == nil {
			continue
		}
		if coerced, ok := coercers[f.Type](f, v); ok {
			r.Fields[name] = coerced
		}
	}
}

// relationValues coerces raw relation input into target id lists. To-one
// accepts a single id or null; to-many accepts a list of ids. The ids are
// deduplicated and sorted.
func relationValues(md *schema.Model, rel *schema.Relation, v any, verr *ValidationError) ([]int64, bool) {
	if v == nil {
		return nil, true
	}
	if rel.Kind == schema.ToOne {
		if s, ok := v.(string); ok && s == "" {
			return nil, true
		}
		id, ok := coerceID(v)
		if !ok {
			verr.add(rel.Name, CodeTypeMismatch, "expected a %s id, got %T", rel.Target, v)
			return nil, false
		}
		if id == 0 {
			return nil, true
		}
		return []int64{id}, true
	}
	var raw []any
	switch list := v.(type) {
	case []any:
		raw = list
	case []int64:
		raw = make([]any, len(list))
		for i, id := range list {
			raw[i] = id
		}
	case []string:
		raw = make([]any, len(list))
		for i, id := range list {
			raw[i] = id
		}
	default:
		verr.add(rel.Name, CodeTypeMismatch, "expected a list of %s ids, got %T", rel.Target, v)
		return nil, false
	}
	ids := make([]int64, 0, len(raw))
	for _, item := range raw {
		id, ok := coerceID(item)
		if !ok {
			verr.add(rel.Name, CodeTypeMismatch, "expected %s ids, got %T", rel.Target, item)
			return nil, false
		}
		if id != 0 {
			ids = append(ids, id)
		}
	}
	return sortedUnique(ids), true
}

func sortedUnique(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// equalValues compares two canonical field values for query matching.
func equalValues(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return a == b
}

// formatValue renders a canonical value for error messages and display.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.Format(time.RFC3339)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
