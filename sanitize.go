package vtrealtime

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validator validates and sanitizes untrusted inbound messages.
// The zero value is not usable; create one with NewValidator.
type Validator struct {
	// MaxStringLength is the number of characters a string is truncated to.
	MaxStringLength int
	// MaxDepth is the deepest nesting level kept; deeper values become nil.
	MaxDepth int
	// MaxAudioLength caps base64 audio fields of tts_ready_chunk messages.
	// They are checked against the base64 alphabet instead of being sanitized.
	MaxAudioLength int
}

// NewValidator returns a validator with the default limits.
func NewValidator() *Validator {
	return &Validator{MaxStringLength: DefaultMaxStringLength, MaxDepth: DefaultMaxDepth, MaxAudioLength: DefaultMaxAudioLength}
}

// SanitizeString drops NUL and control characters other than newline, tab and
// carriage return, then truncates to MaxStringLength characters.
func (v *Validator) SanitizeString(s string) string {
	clean := true
	for _, r := range s {
		if r == utf8.RuneError || (unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r') {
			clean = false
			break
		}
	}
	if !clean {
		var b strings.Builder
		b.Grow(len(s))
		for _, r := range s {
			if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
				continue
			}
			b.WriteRune(r)
		}
		s = b.String()
	}

	if v.MaxStringLength > 0 && utf8.RuneCountInString(s) > v.MaxStringLength {
		n := 0
		for i := range s {
			if n == v.MaxStringLength {
				return s[:i]
			}
			n++
		}
	}
	return s
}

// Sanitize returns a sanitized deep copy of x. Maps become map[string]any with
// sanitized keys, slices and arrays become []any. Values nested deeper than
// MaxDepth are replaced with nil, which also ends self-referencing structures.
func (v *Validator) Sanitize(x any) any {
	return v.sanitizeValue(x, 0)
}

func (v *Validator) sanitizeValue(x any, depth int) any {
	if depth > v.MaxDepth {
		return nil
	}

	switch t := x.(type) {
	case nil:
		return nil
	case string:
		return v.SanitizeString(t)
	case bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return t
	case json.Number:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[v.SanitizeString(k)] = v.sanitizeValue(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = v.sanitizeValue(val, depth+1)
		}
		return out
	}

	return v.sanitizeReflect(reflect.ValueOf(x), depth)
}

// sanitizeReflect handles typed Go maps, slices, pointers and structs.
func (v *Validator) sanitizeReflect(rv reflect.Value, depth int) any {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return v.sanitizeValue(rv.Elem().Interface(), depth)
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			out[v.SanitizeString(key)] = v.sanitizeValue(iter.Value().Interface(), depth+1)
		}
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			// []byte marshals to base64 text
			return v.SanitizeString(mustJSONString(rv.Interface()))
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = v.sanitizeValue(rv.Index(i).Interface(), depth+1)
		}
		return out
	case reflect.Struct:
		generic, err := toGeneric(rv.Interface())
		if err != nil {
			return nil
		}
		return v.sanitizeValue(generic, depth)
	case reflect.String:
		return v.SanitizeString(rv.String())
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	default:
		return nil
	}
}

// toGeneric converts a Go value into its JSON-decoded generic form.
func toGeneric(x any) (any, error) {
	b, err := json.Marshal(x)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func mustJSONString(x any) string {
	b, err := json.Marshal(x)
	if err != nil {
		return ""
	}
	var s string
	_ = json.Unmarshal(b, &s)
	return s
}
