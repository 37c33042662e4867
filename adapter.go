package vtrealtime

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Adapter turns untrusted wire messages into typed events.
// It validates first and never panics on malformed input.
type Adapter struct {
	validator *Validator
	logger    *Logger
}

// NewAdapter creates an adapter. A nil validator uses the default limits and a
// nil logger discards everything.
func NewAdapter(v *Validator, logger *Logger) *Adapter {
	if v == nil {
		v = NewValidator()
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Adapter{validator: v, logger: logger}
}

var defaultAdapter = NewAdapter(nil, nil)

// AdaptMessage converts raw with a default adapter.
func AdaptMessage(raw any) Event { return defaultAdapter.AdaptMessage(raw) }

// DecodeMessage parses a raw text frame and adapts it.
// Frames that are not JSON become an internal *ErrorEvent.
func (a *Adapter) DecodeMessage(data []byte) Event {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		a.logger.Warn("bad_event_json", map[string]any{"err": NewEventError("frame", data, err), "size": len(data)})
		return &ErrorEvent{
			Message:  "invalid JSON",
			Details:  []string{err.Error()},
			Original: a.validator.SanitizeString(string(data)),
			Internal: true,
		}
	}
	return a.AdaptMessage(raw)
}

// AdaptMessage validates raw and returns the matching typed event. Invalid
// messages become an internal *ErrorEvent; unrecognized types an *UnknownEvent.
func (a *Adapter) AdaptMessage(raw any) Event {
	res := a.validator.ValidateMessage(raw)
	if !res.Valid {
		a.logger.Warn("message_invalid", map[string]any{"kind": string(res.Kind), "errors": res.Errors})
		return &ErrorEvent{
			Message:  "validation failed",
			Details:  res.Errors,
			Original: raw,
			Internal: true,
		}
	}

	m := res.Sanitized
	ts := timestampMillis(m["timestamp"])

	switch res.Kind {
	case KindAuthorizeSuccess:
		return &AuthorizeSuccess{ConnectionID: stringField(m, "connection_id"), Timestamp: ts}
	case KindAuthorizeError:
		return &AuthorizeError{Reason: stringField(m, "error"), Timestamp: ts}
	case KindChatResponse:
		md, _ := m["metadata"].(map[string]any)
		return &ChatResponse{Content: stringField(m, "content"), Metadata: md, Timestamp: ts}
	case KindStreamToken:
		tok, ok := m["token"].(string)
		if !ok {
			tok = stringField(m, "chunk")
		}
		return &StreamToken{Token: tok, TurnID: stringField(m, "turn_id"), Timestamp: ts}
	case KindStreamStart:
		return &StreamStart{TurnID: stringField(m, "turn_id"), Timestamp: ts}
	case KindStreamEnd:
		return &StreamEnd{TurnID: stringField(m, "turn_id"), Timestamp: ts}
	case KindTTSReadyChunk:
		return adaptTTSChunk(m, ts)
	case KindPing:
		return &Ping{Timestamp: ts}
	case KindError:
		msg := stringField(m, "error")
		if msg == "" {
			msg = stringField(m, "message")
		}
		return &ErrorEvent{Message: msg, Code: codeField(m["code"]), Original: m}
	default:
		typ := stringField(m, "type")
		a.logger.Debug("unknown_event", map[string]any{"type": typ, "err": &ProtocolError{MessageType: typ}})
		return &UnknownEvent{Type: typ, Payload: m}
	}
}

func adaptTTSChunk(m map[string]any, ts int64) *TTSReadyChunk {
	audio := stringField(m, "audio_chunk")
	if audio == "" {
		audio = stringField(m, "chunk")
	}
	ev := &TTSReadyChunk{
		Audio:       audio,
		ChunkIndex:  intField(m, "chunk_index"),
		TotalChunks: intField(m, "total_chunks"),
		Emotion:     stringField(m, "emotion"),
		TurnID:      stringField(m, "turn_id"),
		Timestamp:   ts,
	}
	ev.Forwarded, _ = m["forwarded"].(bool)

	switch dt := m["display_text"].(type) {
	case map[string]any:
		ev.DisplayText = &DisplayText{
			Text:   stringField(dt, "text"),
			Name:   stringField(dt, "name"),
			Avatar: stringField(dt, "avatar"),
		}
	case string:
		if dt != "" {
			ev.DisplayText = &DisplayText{Text: dt}
		}
	}

	exprs, ok := m["expressions"].([]any)
	if !ok {
		if actions, isMap := m["actions"].(map[string]any); isMap {
			exprs, _ = actions["expressions"].([]any)
		}
	}
	for _, e := range exprs {
		switch v := e.(type) {
		case string:
			if v != "" {
				ev.Expressions = append(ev.Expressions, v)
			}
		case float64:
			ev.Expressions = append(ev.Expressions, fmt.Sprint(v))
		}
	}
	if len(ev.Expressions) == 0 && ev.Emotion != "" {
		ev.Expressions = []string{ev.Emotion}
	}
	return ev
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) *int {
	n, ok := asNumber(m[key])
	if !ok {
		return nil
	}
	return Ptr(int(n))
}

func codeField(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case nil:
		return ""
	default:
		if n, ok := asNumber(c); ok {
			return fmt.Sprint(n)
		}
		return ""
	}
}

// timestampMillis converts a validated timestamp into milliseconds since epoch.
func timestampMillis(v any) int64 {
	if s, ok := v.(string); ok {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UnixMilli()
			}
		}
		return 0
	}
	n, ok := asNumber(v)
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0
	}
	return int64(n)
}
