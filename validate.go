package vtrealtime

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// MessageKind classifies a validated inbound message by its type discriminator.
type MessageKind string

const (
	KindAuthorizeSuccess MessageKind = "authorize_success"
	KindAuthorizeError   MessageKind = "authorize_error"
	KindChatResponse     MessageKind = "chat_response"
	KindStreamToken      MessageKind = "stream_token"
	KindStreamStart      MessageKind = "stream_start"
	KindStreamEnd        MessageKind = "stream_end"
	KindTTSReadyChunk    MessageKind = "tts_ready_chunk"
	KindPing             MessageKind = "ping"
	KindError            MessageKind = "error"
	// KindUnknown marks a well-formed message with an unrecognized type.
	KindUnknown MessageKind = "unknown"
)

// ValidationResult is the outcome of validating one inbound message.
// Sanitized is nil whenever Valid is false.
type ValidationResult struct {
	Valid     bool
	Errors    []string
	Sanitized map[string]any
	Kind      MessageKind
}

// Err returns a *ValidationError for invalid results and nil otherwise.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{MessageType: string(r.Kind), Errors: r.Errors}
}

type kindValidator func(m map[string]any) []string

var kindValidators = map[MessageKind]kindValidator{
	KindAuthorizeSuccess: func(m map[string]any) []string {
		return requireNonEmptyString(m, "connection_id")
	},
	KindAuthorizeError: func(m map[string]any) []string {
		return requireNonEmptyString(m, "error")
	},
	KindChatResponse: func(m map[string]any) []string {
		errs := requireNonEmptyString(m, "content")
		if md, ok := m["metadata"]; ok && md != nil {
			if _, isMap := md.(map[string]any); !isMap {
				errs = append(errs, "metadata must be an object")
			}
		}
		return errs
	},
	KindStreamToken: func(m map[string]any) []string {
		var errs []string
		_, tokOK := m["token"].(string)
		_, chunkOK := m["chunk"].(string)
		if !tokOK && !chunkOK {
			errs = append(errs, "token or chunk must be a string")
		}
		errs = append(errs, optionalString(m, "turn_id")...)
		return errs
	},
	KindError: func(m map[string]any) []string {
		var errs []string
		if !isNonEmptyString(m["error"]) && !isNonEmptyString(m["message"]) {
			errs = append(errs, "error or message must be a non-empty string")
		}
		if code, ok := m["code"]; ok && code != nil {
			if _, isStr := code.(string); !isStr {
				if _, isNum := asNumber(code); !isNum {
					errs = append(errs, "code must be a string or number")
				}
			}
		}
		return errs
	},
	KindTTSReadyChunk: func(m map[string]any) []string {
		var errs []string
		if !isNonEmptyString(m["audio_chunk"]) && !isNonEmptyString(m["chunk"]) {
			errs = append(errs, "audio_chunk or chunk must be a non-empty string")
		}
		errs = append(errs, optionalNonNegativeInt(m, "chunk_index")...)
		errs = append(errs, optionalNonNegativeInt(m, "total_chunks")...)
		errs = append(errs, optionalString(m, "turn_id")...)
		errs = append(errs, optionalString(m, "emotion")...)
		return errs
	},
	KindPing:        func(map[string]any) []string { return nil },
	KindStreamStart: func(map[string]any) []string { return nil },
	KindStreamEnd:   func(map[string]any) []string { return nil },
}

// ValidateMessage checks msg against the base rules and the rules of its type,
// and returns a sanitized copy when it is valid. It never panics on malformed input.
func (v *Validator) ValidateMessage(msg any) ValidationResult {
	obj, errs := v.asObject(msg)
	if errs != nil {
		return ValidationResult{Errors: errs, Kind: KindUnknown}
	}

	// sanitize first so required-field checks see what downstream code will see
	sanitized, _ := v.Sanitize(obj).(map[string]any)
	if sanitized == nil {
		return ValidationResult{Errors: []string{"message must be an object"}, Kind: KindUnknown}
	}

	typ, ok := sanitized["type"].(string)
	if !ok || typ == "" {
		return ValidationResult{Errors: []string{"type must be a non-empty string"}, Kind: KindUnknown}
	}

	kind := MessageKind(typ)
	validate, known := kindValidators[kind]
	if !known {
		kind = KindUnknown
	}

	if kind == KindTTSReadyChunk {
		// audio is checked on the raw value so the string cap cannot cut it short
		for _, field := range audioFields {
			raw, isStr := obj[field].(string)
			if !isStr {
				continue
			}
			if err := v.checkAudio(field, raw); err != "" {
				errs = append(errs, err)
				continue
			}
			sanitized[field] = raw
		}
	}

	errs = append(errs, validateTimestamp(sanitized)...)
	if known {
		errs = append(errs, validate(sanitized)...)
	}

	if len(errs) > 0 {
		return ValidationResult{Errors: errs, Kind: kind}
	}
	return ValidationResult{Valid: true, Sanitized: sanitized, Kind: kind}
}

// asObject accepts map-shaped values and structs; everything else is rejected.
func (v *Validator) asObject(msg any) (map[string]any, []string) {
	switch t := msg.(type) {
	case nil:
		return nil, []string{"message must be a non-null object"}
	case map[string]any:
		return t, nil
	case []any:
		return nil, []string{"message must be an object, not an array"}
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(t, &out); err != nil {
			return nil, []string{fmt.Sprintf("message is not valid JSON: %v", err)}
		}
		return v.asObject(out)
	}

	rv := reflect.ValueOf(msg)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, []string{"message must be a non-null object"}
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Struct:
		if generic, err := toGeneric(rv.Interface()); err == nil {
			if obj, ok := generic.(map[string]any); ok {
				return obj, nil
			}
		}
		obj, ok := v.sanitizeReflect(rv, 0).(map[string]any)
		if !ok {
			return nil, []string{"message must be an object"}
		}
		return obj, nil
	case reflect.Slice, reflect.Array:
		return nil, []string{"message must be an object, not an array"}
	default:
		return nil, []string{fmt.Sprintf("message must be an object, got %T", msg)}
	}
}

// audioFields carry base64 WAV in tts_ready_chunk messages.
var audioFields = []string{"audio_chunk", "chunk"}

// checkAudio reports why s is not acceptable base64 audio, or "" when it is.
// A data URL prefix is allowed; line breaks are ignored like the decoder does.
func (v *Validator) checkAudio(field, s string) string {
	if v.MaxAudioLength > 0 && len(s) > v.MaxAudioLength {
		return fmt.Sprintf("%s exceeds %d characters", field, v.MaxAudioLength)
	}
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 {
			return field + " has a malformed data URL"
		}
		s = s[i+1:]
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '+', c == '/', c == '=', c == '\n', c == '\r', c == ' ':
		default:
			return field + " must be base64 text"
		}
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123,
	time.RFC1123Z,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func validateTimestamp(m map[string]any) []string {
	ts, ok := m["timestamp"]
	if !ok {
		return nil
	}
	if s, isStr := ts.(string); isStr {
		for _, layout := range timestampLayouts {
			if _, err := time.Parse(layout, s); err == nil {
				return nil
			}
		}
		return []string{"timestamp must be a parseable date string"}
	}
	n, isNum := asNumber(ts)
	if !isNum || math.IsNaN(n) {
		return []string{"timestamp must be a number or a date string"}
	}
	if n < 0 {
		return []string{"timestamp must be non-negative"}
	}
	return nil
}

func requireNonEmptyString(m map[string]any, field string) []string {
	if !isNonEmptyString(m[field]) {
		return []string{field + " must be a non-empty string"}
	}
	return nil
}

func optionalString(m map[string]any, field string) []string {
	val, ok := m[field]
	if !ok || val == nil {
		return nil
	}
	if _, isStr := val.(string); !isStr {
		return []string{field + " must be a string"}
	}
	return nil
}

func optionalNonNegativeInt(m map[string]any, field string) []string {
	val, ok := m[field]
	if !ok || val == nil {
		return nil
	}
	n, isNum := asNumber(val)
	if !isNum || n < 0 || n != math.Trunc(n) {
		return []string{field + " must be a non-negative integer"}
	}
	return nil
}

func isNonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && s != ""
}

// asNumber reports the numeric value of JSON-decoded or native Go numbers.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
